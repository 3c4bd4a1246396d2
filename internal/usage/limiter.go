// Package usage tracks per-user call windows for rate limiting and records
// provider call outcomes for later inspection.
package usage

import (
	"sync"
	"time"

	"github.com/nghyane/llm-failover/internal/provider"
)

// Rule caps calls per user for one modality within a fixed window.
type Rule struct {
	MaxCalls int           `yaml:"max-calls" json:"max_calls"`
	Window   time.Duration `yaml:"window" json:"window"`
}

// Event is one completed call attributed to a user.
type Event struct {
	UserID    string            `json:"user_id"`
	Modality  provider.Modality `json:"modality"`
	Provider  string            `json:"provider,omitempty"`
	Usage     provider.Usage    `json:"usage"`
	Timestamp time.Time         `json:"timestamp"`
}

// Decision is the outcome of a rate limit check.
type Decision struct {
	Allowed bool `json:"allowed"`
	// Remaining is -1 when no rule applies.
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at,omitempty"`
}

type windowKey struct {
	userID   string
	modality provider.Modality
}

type window struct {
	count   int
	resetAt time.Time
}

// Limiter keeps one fixed window per (user, modality). A window resets the
// instant its ResetAt passes; until then the count only grows.
type Limiter struct {
	mu      sync.Mutex
	rules   map[provider.Modality]Rule
	windows map[windowKey]*window
	now     func() time.Time
}

// NewLimiter creates a limiter with the given rules.
func NewLimiter(rules map[provider.Modality]Rule) *Limiter {
	l := &Limiter{
		windows: make(map[windowKey]*window),
		now:     time.Now,
	}
	l.SetRules(rules)
	return l
}

// SetRules replaces the rule set. Existing windows are kept; a modality
// whose rule was removed is no longer limited.
func (l *Limiter) SetRules(rules map[provider.Modality]Rule) {
	cp := make(map[provider.Modality]Rule, len(rules))
	for m, r := range rules {
		if r.MaxCalls > 0 && r.Window > 0 {
			cp[m] = r
		}
	}
	l.mu.Lock()
	l.rules = cp
	l.mu.Unlock()
}

// Rules returns a copy of the active rules.
func (l *Limiter) Rules() map[provider.Modality]Rule {
	l.mu.Lock()
	defer l.mu.Unlock()
	cp := make(map[provider.Modality]Rule, len(l.rules))
	for m, r := range l.rules {
		cp[m] = r
	}
	return cp
}

// RecordUsage stamps ev and counts it against the caller's window when a
// rule exists for its modality. The stamped event is returned for export.
func (l *Limiter) RecordUsage(ev Event) Event {
	now := l.now()
	if ev.Timestamp.IsZero() {
		ev.Timestamp = now
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	rule, ok := l.rules[ev.Modality]
	if !ok {
		return ev
	}
	key := windowKey{userID: ev.UserID, modality: ev.Modality}
	w, exists := l.windows[key]
	if !exists || !now.Before(w.resetAt) {
		l.windows[key] = &window{count: 1, resetAt: now.Add(rule.Window)}
		return ev
	}
	w.count++
	return ev
}

// CheckRateLimit reports whether userID may make another call of modality.
func (l *Limiter) CheckRateLimit(userID string, modality provider.Modality) Decision {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()
	rule, ok := l.rules[modality]
	if !ok {
		return Decision{Allowed: true, Remaining: -1}
	}
	w, exists := l.windows[windowKey{userID: userID, modality: modality}]
	if !exists || !now.Before(w.resetAt) {
		return Decision{Allowed: true, Remaining: rule.MaxCalls}
	}
	return Decision{
		Allowed:   w.count < rule.MaxCalls,
		Remaining: max(rule.MaxCalls-w.count, 0),
		ResetAt:   w.resetAt,
	}
}

// Prune drops expired windows and returns how many were removed.
func (l *Limiter) Prune() int {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for key, w := range l.windows {
		if !now.Before(w.resetAt) {
			delete(l.windows, key)
			removed++
		}
	}
	return removed
}
