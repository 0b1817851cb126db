package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// redisCacheTTL bounds how long a cached envelope and its delivery flag
// survive in Redis — long enough to cover the freshness window the
// ingress contract enforces, with slack for clock skew between processes.
const redisCacheTTL = 10 * time.Minute

// redisCache is the multi-process relay cache variant (SPEC_FULL.md §4.6):
// several relay processes behind a load balancer share dedup/delivery
// state through Redis instead of each holding its own localCache.
type redisCache struct {
	client *redis.Client
	prefix string
}

// NewRedisCache constructs a Cache backed by client, namespacing all keys
// under prefix (e.g. "relay:").
func NewRedisCache(client *redis.Client, prefix string) Cache {
	return &redisCache{client: client, prefix: prefix}
}

type redisCacheValue struct {
	Envelope  Envelope `json:"envelope"`
	Delivered bool     `json:"delivered"`
}

func (c *redisCache) key(id string) string {
	return c.prefix + id
}

func (c *redisCache) Has(ctx context.Context, id string) (bool, error) {
	n, err := c.client.Exists(ctx, c.key(id)).Result()
	if err != nil {
		return false, fmt.Errorf("relay: redis exists: %w", err)
	}
	return n > 0, nil
}

func (c *redisCache) Put(ctx context.Context, env Envelope) error {
	payload, err := json.Marshal(redisCacheValue{Envelope: env})
	if err != nil {
		return fmt.Errorf("relay: marshal cache value: %w", err)
	}
	if err := c.client.Set(ctx, c.key(env.ID), payload, redisCacheTTL).Err(); err != nil {
		return fmt.Errorf("relay: redis set: %w", err)
	}
	return nil
}

func (c *redisCache) Get(ctx context.Context, id string) (Envelope, bool, error) {
	raw, err := c.client.Get(ctx, c.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Envelope{}, false, nil
	}
	if err != nil {
		return Envelope{}, false, fmt.Errorf("relay: redis get: %w", err)
	}
	var value redisCacheValue
	if err := json.Unmarshal(raw, &value); err != nil {
		return Envelope{}, false, fmt.Errorf("relay: unmarshal cache value: %w", err)
	}
	return value.Envelope, true, nil
}

func (c *redisCache) MarkDelivered(ctx context.Context, id string) error {
	raw, err := c.client.Get(ctx, c.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil // already evicted; nothing to flag
	}
	if err != nil {
		return fmt.Errorf("relay: redis get: %w", err)
	}
	var value redisCacheValue
	if err := json.Unmarshal(raw, &value); err != nil {
		return fmt.Errorf("relay: unmarshal cache value: %w", err)
	}
	value.Delivered = true
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("relay: marshal cache value: %w", err)
	}
	ttl := c.client.TTL(ctx, c.key(id)).Val()
	if ttl <= 0 {
		ttl = redisCacheTTL
	}
	if err := c.client.Set(ctx, c.key(id), payload, ttl).Err(); err != nil {
		return fmt.Errorf("relay: redis set: %w", err)
	}
	return nil
}
