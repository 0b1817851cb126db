package relay

import (
	"context"
	"sync"
)

const localCacheShards = 32

// localCache is a striped in-process map implementation of Cache — the
// default, single-process relay cache (spec.md §5: "Cache maps... are
// concurrent maps; eviction policies... are single-writer tasks with
// lock-free reads" — here reads and writes alike take a per-shard lock,
// which is concurrent enough for a single process and keeps the shard
// count as the only tuning knob).
type localCache struct {
	shards [localCacheShards]struct {
		mu   sync.RWMutex
		byID map[string]cacheEntry
	}
}

type cacheEntry struct {
	envelope  Envelope
	delivered bool
}

// NewLocalCache constructs the default, single-process Cache.
func NewLocalCache() Cache {
	c := &localCache{}
	for i := range c.shards {
		c.shards[i].byID = make(map[string]cacheEntry)
	}
	return c
}

func (c *localCache) shardFor(id string) *struct {
	mu   sync.RWMutex
	byID map[string]cacheEntry
} {
	h := fnv32(id)
	return &c.shards[h%localCacheShards]
}

func (c *localCache) Has(ctx context.Context, id string) (bool, error) {
	shard := c.shardFor(id)
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	_, ok := shard.byID[id]
	return ok, nil
}

func (c *localCache) Put(ctx context.Context, env Envelope) error {
	shard := c.shardFor(env.ID)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	shard.byID[env.ID] = cacheEntry{envelope: env}
	return nil
}

func (c *localCache) Get(ctx context.Context, id string) (Envelope, bool, error) {
	shard := c.shardFor(id)
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	entry, ok := shard.byID[id]
	return entry.envelope, ok, nil
}

func (c *localCache) MarkDelivered(ctx context.Context, id string) error {
	shard := c.shardFor(id)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	if entry, ok := shard.byID[id]; ok {
		entry.delivered = true
		shard.byID[id] = entry
	}
	return nil
}

// fnv32 is a small non-cryptographic hash for shard selection.
func fnv32(s string) uint32 {
	const (
		offset32 = 2166136261
		prime32  = 16777619
	)
	h := uint32(offset32)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= prime32
	}
	return h
}
