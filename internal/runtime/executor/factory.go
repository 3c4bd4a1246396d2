package executor

import (
	"context"
	"fmt"
	"sort"

	"github.com/nghyane/llm-failover/internal/config"
	"github.com/nghyane/llm-failover/internal/provider"
	"github.com/nghyane/llm-failover/internal/tasks"
)

// Built is the provider set assembled from configuration.
type Built struct {
	Providers []provider.Provider
	// TaskClients holds the reconciliation client of every task provider by id.
	TaskClients map[string]*tasks.Client
}

// TaskClientIDs returns the task provider ids in sorted order.
func (b *Built) TaskClientIDs() []string {
	ids := make([]string, 0, len(b.TaskClients))
	for id := range b.TaskClients {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// BuildProviders creates one adapter per configured provider. Task providers
// share store so webhook pushes reach every waiter.
func BuildProviders(ctx context.Context, cfg *config.Config, store *tasks.Store) (*Built, error) {
	built := &Built{TaskClients: make(map[string]*tasks.Client)}
	for _, pc := range cfg.Providers {
		headers := mergeHeaders(cfg.Headers, pc.Headers)
		creds := CredentialConfig{
			APIKey:       pc.APIKey,
			TokenURL:     pc.TokenURL,
			ClientID:     pc.ClientID,
			ClientSecret: pc.ClientSecret,
			Scopes:       pc.Scopes,
		}

		switch pc.Type {
		case config.ProviderTypeMock:
			if pc.Agent {
				built.Providers = append(built.Providers, NewAgentMockExecutor(pc.ID))
			} else {
				built.Providers = append(built.Providers, NewMockExecutor(pc.ID))
			}
		case config.ProviderTypeOpenAI:
			built.Providers = append(built.Providers, NewHTTPExecutor(HTTPConfig{
				ID:                 pc.ID,
				BaseURL:            pc.BaseURL,
				Model:              pc.Model,
				ImageModel:         pc.ImageModel,
				SpeechModel:        pc.SpeechModel,
				TranscriptionModel: pc.TranscriptionModel,
				Voice:              pc.Voice,
				Timeout:            pc.Timeout,
				TokenSource:        NewTokenSource(ctx, creds),
				HTTPClient:         NewHTTPClient(pc.ProxyURL),
				Headers:            headers,
			}))
		case config.ProviderTypeTask:
			client := tasks.NewClient(tasks.Config{
				ProviderID:  pc.ID,
				BaseURL:     pc.BaseURL,
				TokenSource: NewTokenSource(ctx, creds),
				HTTPClient:  NewHTTPClient(pc.ProxyURL),
				Headers:     headers,
				Store:       store,
			})
			built.TaskClients[pc.ID] = client
			built.Providers = append(built.Providers, NewTaskExecutor(TaskConfig{
				ID:           pc.ID,
				Model:        pc.Model,
				Client:       client,
				WaitTimeout:  cfg.Tasks.WaitTimeout,
				PollInterval: cfg.Tasks.PollInterval,
			}))
		case config.ProviderTypeGenAI:
			exec, err := NewGenAIExecutor(ctx, GenAIConfig{
				ID:         pc.ID,
				APIKey:     pc.APIKey,
				BaseURL:    pc.BaseURL,
				Model:      pc.Model,
				ImageModel: pc.ImageModel,
				Timeout:    pc.Timeout,
				HTTPClient: NewHTTPClient(pc.ProxyURL),
			})
			if err != nil {
				return nil, fmt.Errorf("provider %s: %w", pc.ID, err)
			}
			built.Providers = append(built.Providers, exec)
		default:
			return nil, fmt.Errorf("provider %s: unknown type %q", pc.ID, pc.Type)
		}
	}
	return built, nil
}

func mergeHeaders(global, local map[string]string) map[string]string {
	if len(global) == 0 {
		return local
	}
	out := make(map[string]string, len(global)+len(local))
	for k, v := range global {
		out[k] = v
	}
	for k, v := range local {
		out[k] = v
	}
	return out
}
