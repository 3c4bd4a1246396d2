package tasks

import (
	"hash"
	"hash/fnv"
	"sync"
	"time"
)

const (
	numTaskShards          = 16
	maxEntriesPerShard     = 4096
	defaultCacheTTL        = 15 * time.Minute
	defaultCleanupInterval = time.Minute
)

type taskEntry struct {
	task      Task
	expiresAt time.Time
}

type taskShard struct {
	mu      sync.RWMutex
	entries map[string]*taskEntry
}

// Store is the sharded task cache shared by the poll loop and the webhook
// handler. Writes replace whole entries under the shard lock. Once an entry
// is terminal it is never overwritten, and non-terminal entries never move
// backwards (running never returns to queued).
type Store struct {
	shards          [numTaskShards]*taskShard
	ttl             time.Duration
	cleanupInterval time.Duration
	now             func() time.Time

	stopChan  chan struct{}
	stopOnce  sync.Once
	startOnce sync.Once
	wg        sync.WaitGroup
}

var hasherPool = sync.Pool{
	New: func() any { return fnv.New64a() },
}

func hashKey(key string) uint64 {
	h := hasherPool.Get().(hash.Hash64)
	h.Reset()
	h.Write([]byte(key))
	sum := h.Sum64()
	hasherPool.Put(h)
	return sum
}

// NewStore creates a store whose entries expire ttl after their last write.
// A non-positive ttl selects the default.
func NewStore(ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	s := &Store{
		ttl:             ttl,
		cleanupInterval: defaultCleanupInterval,
		now:             time.Now,
		stopChan:        make(chan struct{}),
	}
	if ttl < s.cleanupInterval {
		s.cleanupInterval = ttl
	}
	for i := range s.shards {
		s.shards[i] = &taskShard{entries: make(map[string]*taskEntry)}
	}
	return s
}

func (s *Store) getShard(id string) *taskShard {
	return s.shards[hashKey(id)%numTaskShards]
}

// TTL returns the entry lifetime.
func (s *Store) TTL() time.Duration { return s.ttl }

// Get returns the cached task if present and not expired.
func (s *Store) Get(id string) (Task, bool) {
	shard := s.getShard(id)
	shard.mu.RLock()
	defer shard.mu.RUnlock()

	entry, ok := shard.entries[id]
	if !ok || !s.now().Before(entry.expiresAt) {
		return Task{}, false
	}
	return entry.task, true
}

// Put writes t unless the stored state is terminal or further along.
// It returns the state held after the call and whether t was applied.
func (s *Store) Put(t Task) (Task, bool) {
	shard := s.getShard(t.ID)
	now := s.now()
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = now
	}

	shard.mu.Lock()
	defer shard.mu.Unlock()

	if entry, ok := shard.entries[t.ID]; ok && now.Before(entry.expiresAt) {
		cur := entry.task
		if cur.Status.Terminal() || rank(t.Status) < rank(cur.Status) {
			return cur, false
		}
	}

	if _, exists := shard.entries[t.ID]; !exists && len(shard.entries) >= maxEntriesPerShard {
		s.evictOldest(shard, now)
	}
	shard.entries[t.ID] = &taskEntry{task: t, expiresAt: now.Add(s.ttl)}
	return t, true
}

// Delete drops a task from the store.
func (s *Store) Delete(id string) {
	shard := s.getShard(id)
	shard.mu.Lock()
	delete(shard.entries, id)
	shard.mu.Unlock()
}

// evictOldest removes expired entries first, then the least recently written.
// Caller must hold shard.mu.
func (s *Store) evictOldest(shard *taskShard, now time.Time) {
	for id, entry := range shard.entries {
		if !now.Before(entry.expiresAt) {
			delete(shard.entries, id)
		}
	}
	for len(shard.entries) >= maxEntriesPerShard {
		var oldestID string
		var oldest time.Time
		for id, entry := range shard.entries {
			if oldestID == "" || entry.expiresAt.Before(oldest) {
				oldestID = id
				oldest = entry.expiresAt
			}
		}
		if oldestID == "" {
			break
		}
		delete(shard.entries, oldestID)
	}
}

// Start launches the background cleanup goroutine.
func (s *Store) Start() {
	s.startOnce.Do(func() {
		s.wg.Add(1)
		go s.cleanupLoop()
	})
}

// Stop shuts down the cleanup goroutine and waits for it to exit.
func (s *Store) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
	})
	s.wg.Wait()
}

func (s *Store) cleanupLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.cleanupExpired()
		}
	}
}

func (s *Store) cleanupExpired() int {
	now := s.now()
	removed := 0
	for _, shard := range s.shards {
		shard.mu.Lock()
		for id, entry := range shard.entries {
			if !now.Before(entry.expiresAt) {
				delete(shard.entries, id)
				removed++
			}
		}
		shard.mu.Unlock()
	}
	return removed
}

// Len returns the number of entries across all shards, expired ones included.
func (s *Store) Len() int {
	total := 0
	for _, shard := range s.shards {
		shard.mu.RLock()
		total += len(shard.entries)
		shard.mu.RUnlock()
	}
	return total
}
