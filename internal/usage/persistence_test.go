package usage

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nghyane/llm-failover/internal/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPersister(t *testing.T) *Persister {
	t.Helper()
	p, err := NewPersister(PersisterConfig{
		DSN:           filepath.Join(t.TempDir(), "nested", "usage.db"),
		BatchSize:     2,
		FlushInterval: 20 * time.Millisecond,
		RetentionDays: 7,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Stop() })
	return p
}

func TestNewPersister_EmptyDSN(t *testing.T) {
	_, err := NewPersister(PersisterConfig{})
	assert.Error(t, err)
}

func TestPersister_WritesAndAggregates(t *testing.T) {
	p := newTestPersister(t)
	now := time.Now()
	p.Enqueue(CallRecord{Provider: "openai", Modality: provider.ModalityText, UserID: "u", Attempt: 1,
		RequestedAt: now, Elapsed: 100 * time.Millisecond, Usage: provider.Usage{TotalTokens: 10}})
	p.Enqueue(CallRecord{Provider: "openai", Modality: provider.ModalityText, UserID: "u", Attempt: 1,
		RequestedAt: now, Elapsed: 300 * time.Millisecond, Failed: true, ErrorCode: provider.CodeTimeout})
	p.Enqueue(CallRecord{Provider: "mock", Modality: provider.ModalityImage, UserID: "u", Attempt: 2,
		RequestedAt: now, Elapsed: 50 * time.Millisecond, Usage: provider.Usage{TotalTokens: 4}})

	var totals []ProviderTotal
	require.Eventually(t, func() bool {
		var err error
		totals, err = p.Totals(context.Background(), now.Add(-time.Hour))
		return err == nil && len(totals) == 2 && totals[0].Calls+totals[1].Calls == 3
	}, 2*time.Second, 20*time.Millisecond)

	assert.Equal(t, ProviderTotal{Provider: "mock", Modality: "image", Calls: 1, TotalTokens: 4, AvgElapsedMs: 50}, totals[0])
	assert.Equal(t, ProviderTotal{Provider: "openai", Modality: "text", Calls: 2, Failures: 1, TotalTokens: 10, AvgElapsedMs: 200}, totals[1])
}

func TestPersister_Cleanup(t *testing.T) {
	p := newTestPersister(t)
	now := time.Now()
	p.Enqueue(CallRecord{Provider: "old", Modality: provider.ModalityText, RequestedAt: now.AddDate(0, 0, -30)})
	p.Enqueue(CallRecord{Provider: "new", Modality: provider.ModalityText, RequestedAt: now})

	require.Eventually(t, func() bool {
		totals, err := p.Totals(context.Background(), now.AddDate(-1, 0, 0))
		return err == nil && len(totals) == 2
	}, 2*time.Second, 20*time.Millisecond)

	removed, err := p.cleanup(now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	totals, err := p.Totals(context.Background(), now.AddDate(-1, 0, 0))
	require.NoError(t, err)
	require.Len(t, totals, 1)
	assert.Equal(t, "new", totals[0].Provider)
}

func TestPersister_StopFlushesAndIsIdempotent(t *testing.T) {
	p := newTestPersister(t)
	p.Enqueue(CallRecord{Provider: "p", Modality: provider.ModalityTTS, RequestedAt: time.Now()})
	require.NoError(t, p.Stop())
	require.NoError(t, p.Stop())

	var nilPersister *Persister
	nilPersister.Enqueue(CallRecord{})
	assert.NoError(t, nilPersister.Stop())
}

func TestPlaceholders(t *testing.T) {
	assert.Equal(t, "?, ?, ?", dialectSQLite.placeholders(3))
	assert.Equal(t, "$1, $2", dialectPostgres.placeholders(2))
	assert.True(t, isPostgresDSN("postgres://u@h/db"))
	assert.False(t, isPostgresDSN("/var/lib/usage.db"))
}

type recordingSink struct {
	mu      sync.Mutex
	records []CallRecord
}

func (s *recordingSink) Enqueue(r CallRecord) {
	s.mu.Lock()
	s.records = append(s.records, r)
	s.mu.Unlock()
}

func TestTelemetryHooks(t *testing.T) {
	sink := &recordingSink{}
	hooks := TelemetryHooks(sink)
	ctx := context.Background()
	info := provider.CallInfo{Provider: "openai", Modality: provider.ModalityText, UserID: "u", Attempt: 1}

	hooks.BeforeCall(ctx, info)
	usage := provider.Usage{PromptTokens: 2, CompletionTokens: 3, TotalTokens: 5}
	hooks.AfterCall(ctx, info, provider.CallOutcome{Elapsed: time.Second, Usage: &usage})

	failure := provider.Classify("down", provider.CodeUnavailable, "openai")
	info.Attempt = 2
	hooks.AfterCall(ctx, info, provider.CallOutcome{Elapsed: time.Millisecond, Err: failure})
	hooks.OnError(ctx, info, errors.New("plain"))

	require.Len(t, sink.records, 2)
	assert.Equal(t, usage, sink.records[0].Usage)
	assert.False(t, sink.records[0].Failed)
	assert.Equal(t, time.Second, sink.records[0].Elapsed)
	assert.True(t, sink.records[1].Failed)
	assert.Equal(t, provider.CodeUnavailable, sink.records[1].ErrorCode)
	assert.Equal(t, 2, sink.records[1].Attempt)

	// nil sink only logs
	TelemetryHooks(nil).AfterCall(ctx, info, provider.CallOutcome{})
}
