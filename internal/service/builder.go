// Package service wires configuration, providers, the router and the HTTP
// server into one runnable unit with hot reload.
package service

import (
	"fmt"

	"github.com/nghyane/llm-failover/internal/api"
	"github.com/nghyane/llm-failover/internal/config"
	"github.com/nghyane/llm-failover/internal/provider"
	"github.com/nghyane/llm-failover/internal/tasks"
	"github.com/nghyane/llm-failover/internal/usage"
)

// Builder constructs a Service instance.
type Builder struct {
	cfg            *config.Config
	configPath     string
	hooks          Hooks
	watcherFactory WatcherFactory
	serverOptions  []api.ServerOption
	extraProviders []provider.Provider
}

// Hooks allows callers to plug into service lifecycle stages.
type Hooks struct {
	// OnBeforeStart runs after providers are registered and before the
	// server starts listening.
	OnBeforeStart func(*config.Config)
	// OnAfterStart runs once the server goroutine is running.
	OnAfterStart func(*Service)
	// OnReload runs after a reloaded config has been applied.
	OnReload func(*config.Config)
}

// NewBuilder creates a Builder with default dependencies left unset.
func NewBuilder() *Builder {
	return &Builder{}
}

// WithConfig sets the configuration instance used by the service.
func (b *Builder) WithConfig(cfg *config.Config) *Builder {
	b.cfg = cfg
	return b
}

// WithConfigPath enables hot reload of the given file. Without it the
// service runs on the initial config only.
func (b *Builder) WithConfigPath(path string) *Builder {
	b.configPath = path
	return b
}

// WithHooks registers lifecycle hooks.
func (b *Builder) WithHooks(h Hooks) *Builder {
	b.hooks = h
	return b
}

// WithWatcherFactory allows customizing the watcher that handles reloads.
func (b *Builder) WithWatcherFactory(factory WatcherFactory) *Builder {
	b.watcherFactory = factory
	return b
}

// WithServerOptions appends server configuration options used during construction.
func (b *Builder) WithServerOptions(opts ...api.ServerOption) *Builder {
	b.serverOptions = append(b.serverOptions, opts...)
	return b
}

// WithLocalPassword protects the keep-alive endpoint.
func (b *Builder) WithLocalPassword(password string) *Builder {
	if password == "" {
		return b
	}
	b.serverOptions = append(b.serverOptions, api.WithLocalPassword(password))
	return b
}

// WithProviders registers providers built in code next to the configured
// ones. They survive config reloads.
func (b *Builder) WithProviders(providers ...provider.Provider) *Builder {
	b.extraProviders = append(b.extraProviders, providers...)
	return b
}

// Build validates inputs and returns a ready-to-run service.
func (b *Builder) Build() (*Service, error) {
	if b.cfg == nil {
		return nil, fmt.Errorf("service: configuration is required")
	}
	if err := b.cfg.Validate(); err != nil {
		return nil, fmt.Errorf("service: %w", err)
	}

	watcherFactory := b.watcherFactory
	if watcherFactory == nil {
		watcherFactory = defaultWatcherFactory
	}

	return &Service{
		cfg:            b.cfg,
		configPath:     b.configPath,
		hooks:          b.hooks,
		watcherFactory: watcherFactory,
		serverOptions:  append([]api.ServerOption(nil), b.serverOptions...),
		extraProviders: append([]provider.Provider(nil), b.extraProviders...),
		router:         provider.NewRouter(b.cfg.RouterSettings()),
		limiter:        usage.NewLimiter(b.cfg.RateRules()),
		store:          tasks.NewStore(b.cfg.Tasks.CacheTTL),
	}, nil
}
