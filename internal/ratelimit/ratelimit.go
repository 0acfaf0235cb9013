// Package ratelimit implements per-principal and per-IP token buckets with
// method-specific capacities. Buckets live in a shared map guarded by a
// mutex; a periodic sweep drops buckets idle beyond a threshold so memory
// stays bounded under churn.
package ratelimit

import (
	"math"
	"sync"
	"time"
)

// Quota is a token bucket shape: burst capacity and steady refill rate.
type Quota struct {
	Capacity int
	Refill   float64 // tokens per second
}

// Default per-method quotas. Message send is generous; conversation create
// and member report are strict to resist abuse.
var defaultQuotas = map[string]Quota{
	"sendMessage":           {Capacity: 100, Refill: 10},
	"getMessages":           {Capacity: 120, Refill: 20},
	"subscribeEvents":       {Capacity: 30, Refill: 1},
	"createConvo":           {Capacity: 10, Refill: 0.1},
	"registerDevice":        {Capacity: 10, Refill: 0.05},
	"publishKeyPackage":     {Capacity: 200, Refill: 5},
	"consumeKeyPackage":     {Capacity: 60, Refill: 2},
	"addMembers":            {Capacity: 30, Refill: 1},
	"removeMember":          {Capacity: 30, Refill: 1},
	"promoteAdmin":          {Capacity: 20, Refill: 0.5},
	"demoteAdmin":           {Capacity: 20, Refill: 0.5},
	"markNeedsRejoin":       {Capacity: 10, Refill: 0.2},
	"deliverWelcome":        {Capacity: 30, Refill: 1},
	"getWelcome":            {Capacity: 60, Refill: 2},
	"reportMember":          {Capacity: 5, Refill: 0.05},
	"registerDeviceToken":   {Capacity: 10, Refill: 0.2},
	"unregisterDeviceToken": {Capacity: 10, Refill: 0.2},
}

// fallbackQuota covers methods without an explicit entry.
var fallbackQuota = Quota{Capacity: 60, Refill: 5}

type bucket struct {
	tokens   float64
	lastFill time.Time
	lastUsed time.Time
}

// Limiter holds the shared bucket map. The zero value is not usable; call New.
type Limiter struct {
	mu       sync.Mutex
	buckets  map[string]*bucket
	quotas   map[string]Quota
	ipQuota  Quota
	now      func() time.Time
}

// New creates a Limiter. overrides replaces built-in method quotas per entry;
// ipQuota shapes the per-client-IP bucket used on unauthenticated paths.
func New(overrides map[string]Quota, ipQuota Quota) *Limiter {
	quotas := make(map[string]Quota, len(defaultQuotas))
	for m, q := range defaultQuotas {
		quotas[m] = q
	}
	for m, q := range overrides {
		if q.Capacity > 0 && q.Refill > 0 {
			quotas[m] = q
		}
	}
	if ipQuota.Capacity <= 0 || ipQuota.Refill <= 0 {
		ipQuota = Quota{Capacity: 120, Refill: 2}
	}
	return &Limiter{
		buckets: make(map[string]*bucket),
		quotas:  quotas,
		ipQuota: ipQuota,
		now:     time.Now,
	}
}

// quotaFor returns the quota for a method.
func (l *Limiter) quotaFor(method string) Quota {
	if q, ok := l.quotas[method]; ok {
		return q
	}
	return fallbackQuota
}

// AllowPrincipal consumes one token from the (DID, method) bucket. When the
// bucket is empty it returns false and the seconds until a token is
// available — throttled callers always receive a retry hint, never a silent
// drop.
func (l *Limiter) AllowPrincipal(did, method string) (bool, int) {
	return l.allow("did:"+did+"|"+method, l.quotaFor(method))
}

// AllowIP consumes one token from the per-client-IP bucket.
func (l *Limiter) AllowIP(ip string) (bool, int) {
	return l.allow("ip:"+ip, l.ipQuota)
}

func (l *Limiter) allow(key string, q Quota) (bool, int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: float64(q.Capacity), lastFill: now}
		l.buckets[key] = b
	}

	elapsed := now.Sub(b.lastFill).Seconds()
	if elapsed > 0 {
		b.tokens = math.Min(float64(q.Capacity), b.tokens+elapsed*q.Refill)
		b.lastFill = now
	}
	b.lastUsed = now

	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}

	retry := int(math.Ceil((1 - b.tokens) / q.Refill))
	if retry < 1 {
		retry = 1
	}
	return false, retry
}

// Sweep drops buckets idle beyond the threshold and returns how many were
// evicted. Run periodically by the background workers.
func (l *Limiter) Sweep(idle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-idle)
	evicted := 0
	for key, b := range l.buckets {
		if b.lastUsed.Before(cutoff) {
			delete(l.buckets, key)
			evicted++
		}
	}
	return evicted
}

// Len returns the current bucket count.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
