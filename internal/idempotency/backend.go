package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// pendingSentinel marks an in-flight execution in the backend.
const pendingSentinel = "__pending__"

// RedisBackend stores records in redis under idem:<did>:<key> with native
// TTL expiry. SETNX makes the pending claim atomic across processes.
type RedisBackend struct {
	client *redis.Client
}

// NewRedisBackend wraps a redis client.
func NewRedisBackend(client *redis.Client) *RedisBackend {
	return &RedisBackend{client: client}
}

func redisKey(key string) string { return "idem:" + key }

// Get implements Backend.
func (b *RedisBackend) Get(ctx context.Context, key string) (Record, bool, bool, error) {
	val, err := b.client.Get(ctx, redisKey(key)).Result()
	if err == redis.Nil {
		return Record{}, false, false, nil
	}
	if err != nil {
		return Record{}, false, false, fmt.Errorf("reading idempotency record: %w", err)
	}
	if val == pendingSentinel {
		return Record{}, false, true, nil
	}
	var rec Record
	if err := json.Unmarshal([]byte(val), &rec); err != nil {
		return Record{}, false, false, fmt.Errorf("decoding idempotency record: %w", err)
	}
	return rec, true, false, nil
}

// PutPending implements Backend.
func (b *RedisBackend) PutPending(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	won, err := b.client.SetNX(ctx, redisKey(key), pendingSentinel, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claiming idempotency key: %w", err)
	}
	return won, nil
}

// Complete implements Backend.
func (b *RedisBackend) Complete(ctx context.Context, key string, rec Record, ttl time.Duration) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding idempotency record: %w", err)
	}
	if err := b.client.Set(ctx, redisKey(key), data, ttl).Err(); err != nil {
		return fmt.Errorf("writing idempotency record: %w", err)
	}
	return nil
}

// Release implements Backend.
func (b *RedisBackend) Release(ctx context.Context, key string) error {
	if err := b.client.Del(ctx, redisKey(key)).Err(); err != nil {
		return fmt.Errorf("releasing idempotency key: %w", err)
	}
	return nil
}

// MemoryBackend is an in-process Backend for tests and single-node use.
type MemoryBackend struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	rec     Record
	pending bool
	expiry  time.Time
}

// NewMemoryBackend creates an empty memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{entries: make(map[string]memoryEntry)}
}

// Get implements Backend.
func (b *MemoryBackend) Get(_ context.Context, key string) (Record, bool, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[key]
	if !ok || time.Now().After(e.expiry) {
		delete(b.entries, key)
		return Record{}, false, false, nil
	}
	if e.pending {
		return Record{}, false, true, nil
	}
	return e.rec, true, false, nil
}

// PutPending implements Backend.
func (b *MemoryBackend) PutPending(_ context.Context, key string, ttl time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.entries[key]; ok && time.Now().Before(e.expiry) {
		return false, nil
	}
	b.entries[key] = memoryEntry{pending: true, expiry: time.Now().Add(ttl)}
	return true, nil
}

// Complete implements Backend.
func (b *MemoryBackend) Complete(_ context.Context, key string, rec Record, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[key] = memoryEntry{rec: rec, expiry: time.Now().Add(ttl)}
	return nil
}

// Release implements Backend.
func (b *MemoryBackend) Release(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, key)
	return nil
}
