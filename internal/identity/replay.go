package identity

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ReplayCache records seen token nonces. CheckAndSet returns true when the
// nonce is fresh and atomically records it for the TTL; a second call with
// the same nonce within the TTL returns false.
type ReplayCache interface {
	CheckAndSet(ctx context.Context, nonce string, ttl time.Duration) (bool, error)
}

// RedisReplayCache is the production replay cache. SETNX makes the
// check-and-insert atomic across server processes.
type RedisReplayCache struct {
	client *redis.Client
}

// NewRedisReplayCache wraps a redis client.
func NewRedisReplayCache(client *redis.Client) *RedisReplayCache {
	return &RedisReplayCache{client: client}
}

// CheckAndSet implements ReplayCache.
func (c *RedisReplayCache) CheckAndSet(ctx context.Context, nonce string, ttl time.Duration) (bool, error) {
	ok, err := c.client.SetNX(ctx, "replay:"+nonce, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("replay cache check: %w", err)
	}
	return ok, nil
}

// MemoryReplayCache is a bounded in-process replay cache for tests and
// single-node deployments without redis.
type MemoryReplayCache struct {
	mu    sync.Mutex
	cache *TTLCache[struct{}]
}

// NewMemoryReplayCache creates a memory replay cache bounded to maxSize
// entries with the given TTL.
func NewMemoryReplayCache(ttl time.Duration, maxSize int) *MemoryReplayCache {
	return &MemoryReplayCache{cache: NewTTLCache[struct{}](ttl, maxSize)}
}

// CheckAndSet implements ReplayCache.
func (c *MemoryReplayCache) CheckAndSet(_ context.Context, nonce string, _ time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, seen := c.cache.Get(nonce); seen {
		return false, nil
	}
	c.cache.Set(nonce, struct{}{})
	return true, nil
}
