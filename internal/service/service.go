package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nghyane/llm-failover/internal/api"
	"github.com/nghyane/llm-failover/internal/config"
	log "github.com/nghyane/llm-failover/internal/logging"
	"github.com/nghyane/llm-failover/internal/provider"
	"github.com/nghyane/llm-failover/internal/runtime/executor"
	"github.com/nghyane/llm-failover/internal/tasks"
	"github.com/nghyane/llm-failover/internal/usage"
	"golang.org/x/sync/errgroup"
)

const (
	maintenanceInterval = time.Minute
	statsMaxAge         = 24 * time.Hour
	shutdownTimeout     = 30 * time.Second
)

// Service owns the router, limiter, task store and HTTP server for one
// process and keeps them in step with the config file.
type Service struct {
	cfgMu sync.RWMutex
	cfg   *config.Config

	configPath     string
	hooks          Hooks
	watcherFactory WatcherFactory
	serverOptions  []api.ServerOption
	extraProviders []provider.Provider

	router    *provider.Router
	limiter   *usage.Limiter
	store     *tasks.Store
	persister *usage.Persister
	server    *api.Server
	watcher   *WatcherWrapper

	// reloadMu serialises provider rebuilds.
	reloadMu sync.Mutex

	shutdownOnce sync.Once
	shutdownErr  error
}

// Config returns the active configuration.
func (s *Service) Config() *config.Config {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg
}

func (s *Service) Router() *provider.Router { return s.router }

func (s *Service) Limiter() *usage.Limiter { return s.limiter }

func (s *Service) Store() *tasks.Store { return s.store }

// Server is nil until Run has built it.
func (s *Service) Server() *api.Server { return s.server }

// Run starts every component and blocks until ctx is cancelled or the HTTP
// server fails. A clean shutdown returns nil.
func (s *Service) Run(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("service: nil service")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	cfg := s.Config()

	s.store.Start()

	var sink usage.Sink
	if cfg.Usage.Enabled {
		p, err := usage.NewPersister(usage.PersisterConfig{
			DSN:           cfg.Usage.DSN,
			BatchSize:     cfg.Usage.BatchSize,
			FlushInterval: cfg.Usage.FlushInterval,
			RetentionDays: cfg.Usage.RetentionDays,
		})
		if err != nil {
			log.Warnf("usage persistence disabled: %v", err)
		} else {
			s.persister = p
			sink = p
		}
	}
	hooks := usage.TelemetryHooks(sink)
	s.router.Configure(provider.Settings{Hooks: &hooks})

	taskClients, err := s.applyProviders(ctx, cfg)
	if err != nil {
		s.releaseResources()
		return fmt.Errorf("service: %w", err)
	}

	deps := api.Deps{
		Router:      s.router,
		Limiter:     s.limiter,
		Store:       s.store,
		TaskClients: taskClients,
	}
	if s.persister != nil {
		deps.Totals = s.persister
	}
	s.server = api.NewServer(cfg, deps, s.serverOptions...)

	if s.hooks.OnBeforeStart != nil {
		s.hooks.OnBeforeStart(cfg)
	}

	if s.configPath != "" {
		w, errW := s.watcherFactory(s.configPath, s.applyConfig)
		if errW != nil {
			log.Warnf("config hot reload disabled: %v", errW)
		} else {
			w.SetConfig(cfg)
			if errS := w.Start(ctx); errS != nil {
				log.Warnf("config hot reload disabled: %v", errS)
			} else {
				s.watcher = w
			}
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		// an externally stopped server ends the run as well
		defer cancel()
		return s.server.Start()
	})
	g.Go(func() error {
		s.maintain(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	})

	if s.hooks.OnAfterStart != nil {
		s.hooks.OnAfterStart(s)
	}

	if err = g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Shutdown stops the watcher, the HTTP server, the task store sweeper and
// the usage persister. Safe to call more than once.
func (s *Service) Shutdown(ctx context.Context) error {
	if s == nil {
		return nil
	}
	s.shutdownOnce.Do(func() {
		if ctx == nil {
			ctx = context.Background()
		}
		if s.watcher != nil {
			if err := s.watcher.Stop(); err != nil {
				log.Errorf("failed to stop config watcher: %v", err)
			}
		}
		if s.server != nil {
			if err := s.server.Stop(ctx); err != nil {
				log.Errorf("error stopping API server: %v", err)
				s.shutdownErr = err
			}
		}
		s.releaseResources()
	})
	return s.shutdownErr
}

func (s *Service) releaseResources() {
	s.store.Stop()
	if s.persister != nil {
		if err := s.persister.Stop(); err != nil {
			log.Errorf("failed to close usage store: %v", err)
		}
	}
}

// applyProviders builds adapters for cfg, registers them with the router
// and drops providers that are no longer configured.
func (s *Service) applyProviders(ctx context.Context, cfg *config.Config) (map[string]*tasks.Client, error) {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	built, err := executor.BuildProviders(ctx, cfg, s.store)
	if err != nil {
		return nil, err
	}

	settings := cfg.RouterSettings()
	settings.Providers = append(built.Providers, s.extraProviders...)
	s.router.Configure(settings)

	keep := make(map[string]struct{}, len(settings.Providers))
	for _, p := range settings.Providers {
		keep[p.Identifier()] = struct{}{}
	}
	var stale []string
	for _, id := range s.router.ProviderIDs() {
		if _, ok := keep[id]; !ok {
			stale = append(stale, id)
		}
	}
	if len(stale) > 0 {
		s.router.Unregister(stale...)
		log.Infof("unregistered providers: %v", stale)
	}

	if policy, errP := s.router.ResolvePolicy(); errP != nil {
		log.Warnf("routing policy unresolved: %v", errP)
	} else if policy.Fallback != nil {
		log.Infof("routing: primary=%s fallback=%s", policy.Primary.Identifier(), policy.Fallback.Identifier())
	} else {
		log.Infof("routing: primary=%s", policy.Primary.Identifier())
	}
	return built.TaskClients, nil
}

// applyConfig is the hot-reload callback.
func (s *Service) applyConfig(newCfg *config.Config) {
	if newCfg == nil {
		return
	}
	s.cfgMu.Lock()
	old := s.cfg
	s.cfg = newCfg
	s.cfgMu.Unlock()

	taskClients, err := s.applyProviders(context.Background(), newCfg)
	if err != nil {
		log.Errorf("failed to rebuild providers, keeping the previous set: %v", err)
		s.router.Configure(newCfg.RouterSettings())
	} else if s.server != nil {
		s.server.SetTaskClients(taskClients)
	}
	s.limiter.SetRules(newCfg.RateRules())
	if s.server != nil {
		s.server.UpdateConfig(newCfg)
	}

	if old == nil || old.LoggingToFile != newCfg.LoggingToFile || old.LogDir != newCfg.LogDir {
		if errLog := log.ConfigureLogOutput(newCfg.LoggingToFile, newCfg.LogDir); errLog != nil {
			log.Errorf("failed to reconfigure log output: %v", errLog)
		}
	}
	if old != nil && old.Port != newCfg.Port {
		log.Warnf("port changed from %d to %d, restart required", old.Port, newCfg.Port)
	}
	if old != nil && old.Usage != newCfg.Usage {
		log.Warn("usage persistence settings changed, restart required")
	}

	if s.hooks.OnReload != nil {
		s.hooks.OnReload(newCfg)
	}
}

func (s *Service) maintain(ctx context.Context) {
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.limiter.Prune(); n > 0 {
				log.Debugf("pruned %d idle rate windows", n)
			}
			if n := s.router.PruneStats(statsMaxAge); n > 0 {
				log.Debugf("pruned %d idle provider stats", n)
			}
		}
	}
}
