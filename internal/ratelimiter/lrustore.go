package ratelimiter

import (
	"context"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// maxCacheSize bounds the in-memory store (spec.md §4.7's "capped at
// maxCacheSize entries"). A var, not a const, so tests can shrink it to
// exercise the eviction path without filling a hundred thousand entries.
var maxCacheSize = 100_000

// sweepInterval is how often the background sweeper removes expired
// entries. Evicting the oldest 10% by resetAt happens only in
// MaybeIncrement, when a novel key arrives at capacity.
const sweepInterval = 30 * time.Second

// lruStore is the single-process rate limit store. It leans on
// hashicorp/golang-lru/v2 for a thread-safe bounded container (Get/Add/
// Remove/Keys/Peek) and layers its own resetAt-ordered eviction policy on
// top, since the library's own recency-based eviction would evict the
// wrong entries for a TTL-shaped workload like this one.
type lruStore struct {
	mu    sync.Mutex
	cache *lru.Cache[string, Entry]

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewLRUStore constructs the default in-memory Store and starts its
// background sweeper.
func NewLRUStore() Store {
	cache, err := lru.New[string, Entry](maxCacheSize)
	if err != nil {
		// Only returns an error for a non-positive size, which maxCacheSize
		// never is.
		panic(err)
	}
	s := &lruStore{cache: cache, stopCh: make(chan struct{})}
	go s.sweepLoop()
	return s
}

func (s *lruStore) MaybeIncrement(ctx context.Context, key string, windowMs int64, now int64) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.cache.Get(key)
	if !ok || entry.ResetAt < now {
		entry = Entry{Count: 1, ResetAt: now + windowMs}
	} else {
		entry.Count++
	}

	if !ok && s.cache.Len() >= maxCacheSize {
		s.evictLocked(now)
	}
	s.cache.Add(key, entry)
	return entry, nil
}

func (s *lruStore) Reset(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Remove(key)
	return nil
}

func (s *lruStore) Close() error {
	s.stopOnce.Do(func() { close(s.stopCh) })
	return nil
}

func (s *lruStore) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.mu.Lock()
			s.evictExpiredLocked(time.Now().UnixMilli())
			s.mu.Unlock()
		}
	}
}

// evictExpiredLocked removes every entry whose window has already reset.
// Callers must hold s.mu.
func (s *lruStore) evictExpiredLocked(now int64) {
	for _, key := range s.cache.Keys() {
		entry, ok := s.cache.Peek(key)
		if ok && entry.ResetAt < now {
			s.cache.Remove(key)
		}
	}
}

// evictLocked is called when a novel key arrives and the cache is already
// at capacity (spec.md §4.7): first remove expired entries, then, if still
// at capacity, remove the oldest 10% by resetAt. Callers must hold s.mu.
func (s *lruStore) evictLocked(now int64) {
	s.evictExpiredLocked(now)
	if s.cache.Len() < maxCacheSize {
		return
	}

	keys := s.cache.Keys()
	type aged struct {
		key     string
		resetAt int64
	}
	candidates := make([]aged, 0, len(keys))
	for _, key := range keys {
		if entry, ok := s.cache.Peek(key); ok {
			candidates = append(candidates, aged{key: key, resetAt: entry.ResetAt})
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].resetAt < candidates[j].resetAt })

	evictCount := len(candidates) / 10
	if evictCount == 0 {
		evictCount = 1
	}
	for i := 0; i < evictCount && i < len(candidates); i++ {
		s.cache.Remove(candidates[i].key)
	}
}
