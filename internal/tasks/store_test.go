package tasks

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nghyane/llm-failover/internal/json"
	"github.com/nghyane/llm-failover/internal/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
	)
}

func TestStoreFirstTerminalWins(t *testing.T) {
	s := NewStore(time.Minute)

	_, applied := s.Put(Task{ID: "t1", Status: provider.TaskQueued})
	require.True(t, applied)
	_, applied = s.Put(Task{ID: "t1", Status: provider.TaskRunning})
	require.True(t, applied)

	first := Task{ID: "t1", Status: provider.TaskSucceeded, Result: json.RawMessage(`{"text":"a"}`)}
	_, applied = s.Put(first)
	require.True(t, applied)

	stored, applied := s.Put(Task{ID: "t1", Status: provider.TaskFailed, Error: &TaskError{Message: "late"}})
	assert.False(t, applied)
	assert.Equal(t, provider.TaskSucceeded, stored.Status)

	got, ok := s.Get("t1")
	require.True(t, ok)
	assert.JSONEq(t, `{"text":"a"}`, string(got.Result))
}

func TestStoreNoRegression(t *testing.T) {
	s := NewStore(time.Minute)
	s.Put(Task{ID: "t1", Status: provider.TaskRunning})

	stored, applied := s.Put(Task{ID: "t1", Status: provider.TaskQueued})
	assert.False(t, applied)
	assert.Equal(t, provider.TaskRunning, stored.Status)
}

func TestStoreTTLExpiry(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	s := NewStore(time.Minute)
	s.now = func() time.Time { return now }

	s.Put(Task{ID: "t1", Status: provider.TaskSucceeded})
	_, ok := s.Get("t1")
	require.True(t, ok)

	now = now.Add(time.Minute)
	_, ok = s.Get("t1")
	assert.False(t, ok, "entry should expire after ttl")

	_, applied := s.Put(Task{ID: "t1", Status: provider.TaskFailed})
	assert.True(t, applied, "expired terminal entry must not block new writes")

	now = now.Add(2 * time.Minute)
	assert.Equal(t, 1, s.cleanupExpired())
	assert.Equal(t, 0, s.Len())
}

func TestStoreConcurrentWriters(t *testing.T) {
	s := NewStore(time.Minute)
	s.Put(Task{ID: "race", Status: provider.TaskQueued})

	var wg sync.WaitGroup
	winners := make(chan provider.TaskStatus, 2)
	for _, status := range []provider.TaskStatus{provider.TaskSucceeded, provider.TaskFailed} {
		wg.Add(1)
		go func(st provider.TaskStatus) {
			defer wg.Done()
			if _, applied := s.Put(Task{ID: "race", Status: st}); applied {
				winners <- st
			}
		}(status)
	}
	wg.Wait()
	close(winners)

	var won []provider.TaskStatus
	for st := range winners {
		won = append(won, st)
	}
	require.Len(t, won, 1)
	got, _ := s.Get("race")
	assert.Equal(t, won[0], got.Status)
}

func TestStoreShardingAndLifecycle(t *testing.T) {
	s := NewStore(time.Minute)
	s.Start()
	defer s.Stop()

	for i := 0; i < 100; i++ {
		s.Put(Task{ID: fmt.Sprintf("task-%d", i), Status: provider.TaskQueued})
	}
	assert.Equal(t, 100, s.Len())

	s.Delete("task-0")
	assert.Equal(t, 99, s.Len())
	s.Stop()
}

func TestStoreEviction(t *testing.T) {
	s := NewStore(time.Minute)
	shard := s.shards[0]
	now := time.Now()

	shard.mu.Lock()
	for i := 0; i < maxEntriesPerShard+10; i++ {
		shard.entries[fmt.Sprintf("k%d", i)] = &taskEntry{expiresAt: now.Add(time.Duration(i) * time.Millisecond)}
		if len(shard.entries) >= maxEntriesPerShard {
			s.evictOldest(shard, now)
		}
	}
	count := len(shard.entries)
	shard.mu.Unlock()

	assert.LessOrEqual(t, count, maxEntriesPerShard)
}

func TestParseTask(t *testing.T) {
	task := ParseTask([]byte(`{"id":"a1","status":"FAILED","error":{"code":"quota","message":"out of credits"},"usage":{"promptTokens":4,"completionTokens":6}}`))
	assert.Equal(t, "a1", task.ID)
	assert.Equal(t, provider.TaskFailed, task.Status)
	require.NotNil(t, task.Error)
	assert.Equal(t, provider.CodeQuota, task.Error.Code)
	require.NotNil(t, task.Usage)
	assert.EqualValues(t, 10, task.Usage.TotalTokens)

	task = ParseTask([]byte(`{"id":"a2","status":"failed","error":"boom","result":null}`))
	require.NotNil(t, task.Error)
	assert.Equal(t, "boom", task.Error.Message)
	assert.Nil(t, task.Result)

	err := task.failure("queue")
	assert.False(t, provider.IsRetryable(err))
	assert.Equal(t, provider.CodeUnknown, err.Code)
}
