// Package api exposes the router over HTTP: one endpoint per modality,
// the task webhook, task lookup and a status page.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nghyane/llm-failover/internal/config"
	log "github.com/nghyane/llm-failover/internal/logging"
	"github.com/nghyane/llm-failover/internal/provider"
	"github.com/nghyane/llm-failover/internal/tasks"
	"github.com/nghyane/llm-failover/internal/usage"
)

// TotalsSource reports persisted call aggregates for the status page.
type TotalsSource interface {
	Totals(ctx context.Context, since time.Time) ([]usage.ProviderTotal, error)
}

// Deps are the collaborators the server dispatches to.
type Deps struct {
	Router  *provider.Router
	Limiter *usage.Limiter
	// Store is the task store shared by every task client and the webhook.
	Store       *tasks.Store
	TaskClients map[string]*tasks.Client
	// Totals is optional.
	Totals TotalsSource
}

type serverOptionConfig struct {
	extraMiddleware    []gin.HandlerFunc
	localPassword      string
	keepAliveEnabled   bool
	keepAliveTimeout   time.Duration
	keepAliveOnTimeout func()
}

// ServerOption customises HTTP server construction.
type ServerOption func(*serverOptionConfig)

// WithMiddleware appends additional Gin middleware during server construction.
func WithMiddleware(mw ...gin.HandlerFunc) ServerOption {
	return func(cfg *serverOptionConfig) {
		cfg.extraMiddleware = append(cfg.extraMiddleware, mw...)
	}
}

// WithLocalPassword protects the keep-alive endpoint.
func WithLocalPassword(password string) ServerOption {
	return func(cfg *serverOptionConfig) {
		cfg.localPassword = password
	}
}

// WithKeepAliveEndpoint enables a keep-alive endpoint with the provided timeout and callback.
func WithKeepAliveEndpoint(timeout time.Duration, onTimeout func()) ServerOption {
	return func(cfg *serverOptionConfig) {
		if timeout <= 0 || onTimeout == nil {
			return
		}
		cfg.keepAliveEnabled = true
		cfg.keepAliveTimeout = timeout
		cfg.keepAliveOnTimeout = onTimeout
	}
}

// Server is the HTTP front of the failover router.
type Server struct {
	engine *gin.Engine
	server *http.Server

	router  *provider.Router
	limiter *usage.Limiter
	store   *tasks.Store
	totals  TotalsSource
	// webhook stores pushes that name no known provider
	webhook *tasks.Client

	taskClients   atomic.Pointer[map[string]*tasks.Client]
	webhookSecret atomic.Pointer[string]
	waitTimeout   atomic.Int64
	pollInterval  atomic.Int64
	startedAt     time.Time

	// keepAlive is nil unless WithKeepAliveEndpoint was given.
	keepAlive *keepAlive
}

// NewServer builds the gin engine and routes. deps.Router and deps.Limiter
// are required; a nil Store gets a private one.
func NewServer(cfg *config.Config, deps Deps, opts ...ServerOption) *Server {
	optionState := &serverOptionConfig{}
	for i := range opts {
		opts[i](optionState)
	}
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(log.GinLogger())
	engine.Use(log.GinRecovery())
	for _, mw := range optionState.extraMiddleware {
		engine.Use(mw)
	}

	store := deps.Store
	if store == nil {
		store = tasks.NewStore(cfg.Tasks.CacheTTL)
	}
	s := &Server{
		engine:    engine,
		router:    deps.Router,
		limiter:   deps.Limiter,
		store:     store,
		totals:    deps.Totals,
		webhook:   tasks.NewClient(tasks.Config{ProviderID: "webhook", Store: store}),
		startedAt: time.Now(),
	}
	s.SetTaskClients(deps.TaskClients)
	s.UpdateConfig(cfg)

	s.setupRoutes()
	if optionState.keepAliveEnabled && optionState.keepAliveTimeout > 0 && optionState.keepAliveOnTimeout != nil {
		s.keepAlive = newKeepAlive(optionState.keepAliveTimeout, optionState.localPassword, optionState.keepAliveOnTimeout)
		engine.GET("/keep-alive", s.keepAlive.handle)
	}

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the engine, mainly for tests.
func (s *Server) Handler() http.Handler { return s.engine }

// SetTaskClients swaps the task clients used for lookups and webhook attribution.
func (s *Server) SetTaskClients(clients map[string]*tasks.Client) {
	cp := make(map[string]*tasks.Client, len(clients))
	for id, c := range clients {
		if c != nil {
			cp[id] = c
		}
	}
	s.taskClients.Store(&cp)
}

// UpdateConfig applies the hot-reloadable parts of cfg.
func (s *Server) UpdateConfig(cfg *config.Config) {
	secret := cfg.ResolveWebhookSecret()
	s.webhookSecret.Store(&secret)
	s.waitTimeout.Store(int64(cfg.Tasks.WaitTimeout))
	s.pollInterval.Store(int64(cfg.Tasks.PollInterval))
}

// taskClient resolves the client for id, or the first one in id order.
func (s *Server) taskClient(id string) *tasks.Client {
	clients := *s.taskClients.Load()
	if id != "" {
		return clients[id]
	}
	if len(clients) == 0 {
		return nil
	}
	ids := make([]string, 0, len(clients))
	for k := range clients {
		ids = append(ids, k)
	}
	sort.Strings(ids)
	return clients[ids[0]]
}

// Start begins listening for HTTP requests. It blocks until Stop.
func (s *Server) Start() error {
	log.Infof("API server listening on %s", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	log.Debug("stopping API server")
	if s.keepAlive != nil {
		s.keepAlive.stop()
	}
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	log.Debug("API server stopped")
	return nil
}
