package provider

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultRequestTimeout = 60 * time.Second
	defaultRetryBackoff   = 500 * time.Millisecond
)

// CallInfo identifies one provider attempt for telemetry hooks.
type CallInfo struct {
	Provider string
	Modality Modality
	UserID   string
	// Attempt is 1 for the primary and 2 for the fallback.
	Attempt int
}

// CallOutcome is reported to AfterCall once an attempt completes.
type CallOutcome struct {
	Elapsed time.Duration
	// Usage is set only on success.
	Usage *Usage
	Err   error
}

// Hooks are best-effort observers invoked around every provider attempt.
// A panicking hook is recovered and logged; it never changes the call outcome.
type Hooks struct {
	BeforeCall func(ctx context.Context, call CallInfo)
	AfterCall  func(ctx context.Context, call CallInfo, outcome CallOutcome)
	OnError    func(ctx context.Context, call CallInfo, err error)
}

// Settings carries a partial router configuration. Nil fields leave the
// current value untouched, so Configure may be called repeatedly.
type Settings struct {
	Providers       []Provider
	Primary         *string
	Fallback        *string
	FallbackEnabled *bool
	RequestTimeout  *time.Duration
	RetryBackoff    *time.Duration
	Hooks           *Hooks
}

// Ptr returns a pointer to v, handy for building Settings literals.
func Ptr[T any](v T) *T { return &v }

// Policy is the resolved provider pair for one call.
type Policy struct {
	Primary Provider
	// Fallback is nil when the call runs primary-only.
	Fallback Provider
}

type routerState struct {
	providers       map[string]Provider
	primary         string
	fallback        string
	fallbackEnabled bool
	requestTimeout  time.Duration
	retryBackoff    time.Duration
	hooks           Hooks
}

func (s *routerState) clone() *routerState {
	cp := *s
	cp.providers = make(map[string]Provider, len(s.providers))
	for id, p := range s.providers {
		cp.providers[id] = p
	}
	return &cp
}

// Router dispatches modality calls to the configured primary provider and
// fails over once to the fallback on retryable errors.
type Router struct {
	mu    sync.Mutex
	state atomic.Pointer[routerState]
	stats *ProviderStats
}

// NewRouter creates a router and applies the given settings in order.
func NewRouter(settings ...Settings) *Router {
	r := &Router{stats: NewProviderStats()}
	r.state.Store(&routerState{
		providers:      make(map[string]Provider),
		requestTimeout: defaultRequestTimeout,
		retryBackoff:   defaultRetryBackoff,
	})
	for _, s := range settings {
		r.Configure(s)
	}
	return r
}

// Configure merges s into the current configuration. In-flight calls keep
// the snapshot they started with.
func (r *Router) Configure(s Settings) {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := r.state.Load().clone()
	for _, p := range s.Providers {
		if p == nil {
			continue
		}
		next.providers[normalizeID(p.Identifier())] = p
	}
	if s.Primary != nil {
		next.primary = normalizeID(*s.Primary)
	}
	if s.Fallback != nil {
		next.fallback = normalizeID(*s.Fallback)
	}
	if s.FallbackEnabled != nil {
		next.fallbackEnabled = *s.FallbackEnabled
	}
	if s.RequestTimeout != nil && *s.RequestTimeout >= 0 {
		next.requestTimeout = *s.RequestTimeout
	}
	if s.RetryBackoff != nil && *s.RetryBackoff >= 0 {
		next.retryBackoff = *s.RetryBackoff
	}
	if s.Hooks != nil {
		next.hooks = *s.Hooks
	}
	r.state.Store(next)
}

// Register adds or replaces providers keyed by their identifier.
func (r *Router) Register(providers ...Provider) {
	r.Configure(Settings{Providers: providers})
}

// Unregister removes providers from the registry.
func (r *Router) Unregister(ids ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := r.state.Load().clone()
	for _, id := range ids {
		delete(next.providers, normalizeID(id))
	}
	r.state.Store(next)
}

// Provider looks up a registered provider.
func (r *Router) Provider(id string) (Provider, bool) {
	p, ok := r.state.Load().providers[normalizeID(id)]
	return p, ok
}

// ProviderIDs returns the registered provider ids in sorted order.
func (r *Router) ProviderIDs() []string {
	st := r.state.Load()
	ids := make([]string, 0, len(st.providers))
	for id := range st.providers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ResolvePolicy returns the provider pair the next call would use.
func (r *Router) ResolvePolicy() (Policy, error) {
	return r.state.Load().resolve()
}

// Stats returns per provider and modality call statistics.
func (r *Router) Stats() []ProviderSnapshot {
	return r.stats.Snapshot()
}

// PruneStats drops statistics of provider and modality pairs idle for maxAge.
func (r *Router) PruneStats(maxAge time.Duration) int {
	return r.stats.Cleanup(maxAge)
}

func (s *routerState) resolve() (Policy, error) {
	if s.primary == "" {
		return Policy{}, Classify("no primary provider configured", CodeValidation, "")
	}
	primary, ok := s.providers[s.primary]
	if !ok {
		return Policy{}, Classify("primary provider is not registered", CodeValidation, s.primary)
	}
	policy := Policy{Primary: primary}
	if !s.fallbackEnabled || s.fallback == "" || s.fallback == s.primary {
		return policy, nil
	}
	if fallback, ok := s.providers[s.fallback]; ok {
		policy.Fallback = fallback
	}
	return policy, nil
}

func normalizeID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}
