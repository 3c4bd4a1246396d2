package provider

import (
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// ProviderStats tracks per provider and modality attempt outcomes.
// Counters are lock-free; the map itself is guarded by mu.
type ProviderStats struct {
	mu    sync.RWMutex
	stats map[string]*providerMetrics // key: "provider:modality"
}

type providerMetrics struct {
	successCount   atomic.Int64
	failureCount   atomic.Int64
	totalLatencyNs atomic.Int64
	lastUsed       atomic.Int64 // unix nano
	lastSuccess    atomic.Int64 // unix nano
}

// ProviderSnapshot is a point-in-time view of one provider and modality pair.
type ProviderSnapshot struct {
	Provider   string        `json:"provider"`
	Modality   string        `json:"modality"`
	Success    int64         `json:"success"`
	Failure    int64         `json:"failure"`
	AvgLatency time.Duration `json:"avg_latency"`
	Score      float64       `json:"score"`
	LastUsed   time.Time     `json:"last_used"`
}

// NewProviderStats creates a new stats tracker.
func NewProviderStats() *ProviderStats {
	return &ProviderStats{
		stats: make(map[string]*providerMetrics),
	}
}

func (ps *ProviderStats) getOrCreate(key string) *providerMetrics {
	ps.mu.RLock()
	m := ps.stats[key]
	ps.mu.RUnlock()
	if m != nil {
		return m
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()
	if m = ps.stats[key]; m != nil {
		return m
	}
	m = &providerMetrics{}
	ps.stats[key] = m
	return m
}

// RecordSuccess records a successful attempt with its latency.
func (ps *ProviderStats) RecordSuccess(provider, modality string, latency time.Duration) {
	m := ps.getOrCreate(provider + ":" + modality)
	m.successCount.Add(1)
	m.totalLatencyNs.Add(int64(latency))
	now := time.Now().UnixNano()
	m.lastUsed.Store(now)
	m.lastSuccess.Store(now)
}

// RecordFailure records a failed attempt.
func (ps *ProviderStats) RecordFailure(provider, modality string) {
	m := ps.getOrCreate(provider + ":" + modality)
	m.failureCount.Add(1)
	m.lastUsed.Store(time.Now().UnixNano())
}

// score weighs success rate with a small bonus for recent success. Range 0.0 to 1.0,
// 0.5 when nothing has been recorded.
func (m *providerMetrics) score() float64 {
	success := m.successCount.Load()
	total := success + m.failureCount.Load()
	if total == 0 {
		return 0.5
	}
	successRate := float64(success) / float64(total)

	recencyBonus := 0.0
	if lastSuccess := m.lastSuccess.Load(); lastSuccess > 0 {
		elapsed := time.Since(time.Unix(0, lastSuccess))
		if elapsed < 5*time.Minute {
			recencyBonus = 0.1 * (1.0 - float64(elapsed)/(5*float64(time.Minute)))
		}
	}
	return successRate*0.9 + recencyBonus
}

// Cleanup removes entries not used within maxAge.
func (ps *ProviderStats) Cleanup(maxAge time.Duration) int {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	cutoff := time.Now().Add(-maxAge).UnixNano()
	removed := 0
	for key, m := range ps.stats {
		if m.lastUsed.Load() < cutoff {
			delete(ps.stats, key)
			removed++
		}
	}
	return removed
}

// Snapshot returns the current stats sorted by provider then modality.
func (ps *ProviderStats) Snapshot() []ProviderSnapshot {
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	out := make([]ProviderSnapshot, 0, len(ps.stats))
	for key, m := range ps.stats {
		provider, modality, _ := strings.Cut(key, ":")
		snap := ProviderSnapshot{
			Provider: provider,
			Modality: modality,
			Success:  m.successCount.Load(),
			Failure:  m.failureCount.Load(),
			Score:    m.score(),
			LastUsed: time.Unix(0, m.lastUsed.Load()),
		}
		if snap.Success > 0 {
			snap.AvgLatency = time.Duration(m.totalLatencyNs.Load() / snap.Success)
		}
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Provider != out[j].Provider {
			return out[i].Provider < out[j].Provider
		}
		return out[i].Modality < out[j].Modality
	})
	return out
}
