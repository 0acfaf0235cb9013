// Package idempotency provides request-level at-most-once execution for
// write endpoints. Responses are cached by (DID, idempotency key) with a
// bounded TTL; repeat submissions return the recorded response without
// re-executing the handler, so duplicates never reach the epoch actor.
// In-process concurrent duplicates collapse through singleflight — of N
// simultaneous submissions with one key, exactly one handler runs and all N
// callers receive the identical response.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/cloakroom-chat/cloakroom/internal/dserr"
)

// Record is a cached handler response.
type Record struct {
	Status      int    `json:"status"`
	Body        []byte `json:"body"`
	Fingerprint string `json:"fingerprint"`
}

// Backend stores records and pending markers. Implementations must make
// PutPending atomic so exactly one process wins a cross-process race.
type Backend interface {
	// Get returns the completed record for key, or ok=false. pending
	// reports an in-flight execution owned by another process.
	Get(ctx context.Context, key string) (rec Record, ok bool, pending bool, err error)
	// PutPending atomically claims key. Returns false when another
	// execution already holds or completed it.
	PutPending(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Complete replaces the pending marker with the final record.
	Complete(ctx context.Context, key string, rec Record, ttl time.Duration) error
	// Release drops the pending marker after a failed execution so the
	// client can safely retry.
	Release(ctx context.Context, key string) error
}

// Cache coordinates idempotent execution over a Backend.
type Cache struct {
	backend Backend
	ttl     time.Duration
	group   singleflight.Group

	// pollInterval/pollBudget shape how long a cross-process duplicate
	// waits for the owning execution to finish.
	pollInterval time.Duration
	pollBudget   time.Duration
}

// New creates a Cache with the given response TTL.
func New(backend Backend, ttl time.Duration) *Cache {
	return &Cache{
		backend:      backend,
		ttl:          ttl,
		pollInterval: 50 * time.Millisecond,
		pollBudget:   3 * time.Second,
	}
}

// Fingerprint hashes the request identity (method, path, body) for replay
// payload comparison.
func Fingerprint(method, path string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write([]byte(path))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// Do executes fn at most once per (did, key) within the TTL. Concurrent
// callers share the single execution's response; a later repeat returns the
// cached record, or Conflict when its payload fingerprint differs from the
// recorded one. Responses with 5xx status are not cached so transient
// failures stay retryable.
func (c *Cache) Do(ctx context.Context, did, key, fingerprint string, fn func() (Record, error)) (Record, error) {
	full := did + ":" + key

	v, err, _ := c.group.Do(full, func() (interface{}, error) {
		return c.doOnce(ctx, full, fingerprint, fn)
	})
	if err != nil {
		return Record{}, err
	}
	return v.(Record), nil
}

func (c *Cache) doOnce(ctx context.Context, full, fingerprint string, fn func() (Record, error)) (Record, error) {
	rec, ok, pending, err := c.backend.Get(ctx, full)
	if err != nil {
		return Record{}, dserr.Internal(fmt.Errorf("idempotency lookup: %w", err))
	}
	if ok {
		if rec.Fingerprint != fingerprint {
			return Record{}, dserr.Conflict("idempotency key was used with a different payload")
		}
		return rec, nil
	}
	if pending {
		return c.awaitCompletion(ctx, full)
	}

	won, err := c.backend.PutPending(ctx, full, c.ttl)
	if err != nil {
		return Record{}, dserr.Internal(fmt.Errorf("idempotency claim: %w", err))
	}
	if !won {
		// Lost a cross-process race between Get and PutPending.
		return c.awaitCompletion(ctx, full)
	}

	rec, err = fn()
	if err != nil {
		_ = c.backend.Release(ctx, full)
		return Record{}, err
	}
	rec.Fingerprint = fingerprint

	if rec.Status >= 500 {
		_ = c.backend.Release(ctx, full)
		return rec, nil
	}
	if err := c.backend.Complete(ctx, full, rec, c.ttl); err != nil {
		return Record{}, dserr.Internal(fmt.Errorf("idempotency record: %w", err))
	}
	return rec, nil
}

// awaitCompletion polls for the owning execution's record. Waiters observed
// the request mid-flight, so they receive the shared response without a
// fingerprint comparison, matching in-process singleflight semantics.
func (c *Cache) awaitCompletion(ctx context.Context, full string) (Record, error) {
	deadline := time.Now().Add(c.pollBudget)
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return Record{}, dserr.Internal(ctx.Err())
		case <-ticker.C:
		}

		rec, ok, pending, err := c.backend.Get(ctx, full)
		if err != nil {
			return Record{}, dserr.Internal(fmt.Errorf("idempotency poll: %w", err))
		}
		if ok {
			return rec, nil
		}
		if !pending {
			// Owner released without recording (handler failure); the
			// caller should retry the request.
			return Record{}, dserr.Conflict("concurrent request with this idempotency key failed; retry")
		}
		if time.Now().After(deadline) {
			return Record{}, dserr.Conflict("request with this idempotency key is still in flight")
		}
	}
}
