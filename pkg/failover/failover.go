// Package failover provides the public API for embedding the failover router
// and server as a library.
package failover

import (
	"context"
	"time"

	"github.com/nghyane/llm-failover/internal/config"
	"github.com/nghyane/llm-failover/internal/provider"
	"github.com/nghyane/llm-failover/internal/runtime/executor"
	"github.com/nghyane/llm-failover/internal/service"
	"github.com/nghyane/llm-failover/internal/tasks"
	"github.com/nghyane/llm-failover/internal/usage"
)

// Service wraps the server lifecycle for external embedding.
type Service = service.Service

// Builder constructs a Service instance.
type Builder = service.Builder

// Hooks allows callers to plug into service lifecycle stages.
type Hooks = service.Hooks

// Config is the application configuration.
type Config = config.Config

// Router dispatches calls with one-hop failover.
type Router = provider.Router

// Settings is a partial router configuration.
type Settings = provider.Settings

// CallHooks observe every provider attempt made by a Router.
type CallHooks = provider.Hooks

type (
	Provider      = provider.Provider
	AgentProvider = provider.AgentProvider
	Modality      = provider.Modality
	Error         = provider.Error
	Code          = provider.Code
)

type (
	Message              = provider.Message
	TextRequest          = provider.TextRequest
	ImageRequest         = provider.ImageRequest
	SpeechRequest        = provider.SpeechRequest
	TranscriptionRequest = provider.TranscriptionRequest
	AgentRequest         = provider.AgentRequest
	TextResult           = provider.TextResult
	ImageResult          = provider.ImageResult
	SpeechResult         = provider.SpeechResult
	TranscriptionResult  = provider.TranscriptionResult
	AgentResult          = provider.AgentResult
)

// TaskConfig configures NewTaskClient.
type TaskConfig = tasks.Config

// TaskClient submits and reconciles asynchronous tasks.
type TaskClient = tasks.Client

// TaskStore is the shared cache poll and webhook results land in.
type TaskStore = tasks.Store

// Limiter enforces per-user, per-modality call windows.
type Limiter = usage.Limiter

// RateRule caps calls per user for one modality.
type RateRule = usage.Rule

const (
	CodeTimeout     = provider.CodeTimeout
	CodeQuota       = provider.CodeQuota
	CodeAuth        = provider.CodeAuth
	CodeUnavailable = provider.CodeUnavailable
	CodeValidation  = provider.CodeValidation
	CodeUnknown     = provider.CodeUnknown
)

const (
	ModalityText  = provider.ModalityText
	ModalityImage = provider.ModalityImage
	ModalityTTS   = provider.ModalityTTS
	ModalitySTT   = provider.ModalitySTT
	ModalityAgent = provider.ModalityAgent
)

// NewBuilder creates a new service builder.
func NewBuilder() *Builder {
	return service.NewBuilder()
}

// NewConfig creates a new default configuration.
func NewConfig() *Config {
	return config.NewDefaultConfig()
}

// LoadConfig loads configuration from the specified path.
func LoadConfig(path string) (*Config, error) {
	return config.LoadConfig(path)
}

// NewRouter creates a standalone router; settings are applied in order.
func NewRouter(settings ...Settings) *Router {
	return provider.NewRouter(settings...)
}

// Ptr returns a pointer to v for Settings literals.
func Ptr[T any](v T) *T { return provider.Ptr(v) }

// NewMockProvider returns an in-process provider that echoes its input.
func NewMockProvider(id string) *executor.MockExecutor {
	return executor.NewMockExecutor(id)
}

// NewAgentMockProvider is NewMockProvider with agent support.
func NewAgentMockProvider(id string) *executor.AgentMockExecutor {
	return executor.NewAgentMockExecutor(id)
}

// NewLimiter creates a rate limiter with the given rules.
func NewLimiter(rules map[Modality]RateRule) *Limiter {
	return usage.NewLimiter(rules)
}

// NewTaskStore creates a task cache whose entries expire after ttl.
func NewTaskStore(ttl time.Duration) *TaskStore {
	return tasks.NewStore(ttl)
}

// NewTaskClient creates a task queue client.
func NewTaskClient(cfg TaskConfig) *TaskClient {
	return tasks.NewClient(cfg)
}

// IsRetryable reports whether err would trigger a failover attempt.
func IsRetryable(err error) bool {
	return provider.IsRetryable(err)
}

// CodeOf extracts the error code, CodeUnknown for foreign errors.
func CodeOf(err error) Code {
	return provider.CodeOf(err)
}

// Run is a convenience function to create and run a service with default settings.
func Run(ctx context.Context, cfg *Config) error {
	svc, err := NewBuilder().
		WithConfig(cfg).
		Build()
	if err != nil {
		return err
	}
	return svc.Run(ctx)
}
