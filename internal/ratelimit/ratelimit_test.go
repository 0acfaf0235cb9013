package ratelimit

import (
	"testing"
	"time"
)

// fixedClock lets tests advance time deterministically.
type fixedClock struct{ t time.Time }

func (c *fixedClock) now() time.Time        { return c.t }
func (c *fixedClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(overrides map[string]Quota) (*Limiter, *fixedClock) {
	l := New(overrides, Quota{Capacity: 3, Refill: 1})
	clk := &fixedClock{t: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)}
	l.now = clk.now
	return l, clk
}

func TestBurstThenThrottle(t *testing.T) {
	l, _ := newTestLimiter(map[string]Quota{"sendMessage": {Capacity: 3, Refill: 1}})

	for i := 0; i < 3; i++ {
		ok, _ := l.AllowPrincipal("did:plc:a", "sendMessage")
		if !ok {
			t.Fatalf("request %d should be allowed", i)
		}
	}
	ok, retry := l.AllowPrincipal("did:plc:a", "sendMessage")
	if ok {
		t.Fatal("4th request should be throttled")
	}
	if retry < 1 {
		t.Errorf("retry hint = %d, want >= 1", retry)
	}
}

func TestRefillRestoresTokens(t *testing.T) {
	l, clk := newTestLimiter(map[string]Quota{"sendMessage": {Capacity: 2, Refill: 1}})

	l.AllowPrincipal("did:plc:a", "sendMessage")
	l.AllowPrincipal("did:plc:a", "sendMessage")
	if ok, _ := l.AllowPrincipal("did:plc:a", "sendMessage"); ok {
		t.Fatal("bucket should be empty")
	}

	clk.advance(2 * time.Second)
	if ok, _ := l.AllowPrincipal("did:plc:a", "sendMessage"); !ok {
		t.Fatal("refilled bucket should allow")
	}
}

func TestPrincipalsAreIsolated(t *testing.T) {
	l, _ := newTestLimiter(map[string]Quota{"createConvo": {Capacity: 1, Refill: 0.1}})

	if ok, _ := l.AllowPrincipal("did:plc:a", "createConvo"); !ok {
		t.Fatal("first principal should be allowed")
	}
	if ok, _ := l.AllowPrincipal("did:plc:a", "createConvo"); ok {
		t.Fatal("first principal should now be throttled")
	}
	if ok, _ := l.AllowPrincipal("did:plc:b", "createConvo"); !ok {
		t.Fatal("second principal has its own bucket")
	}
}

func TestMethodsAreIsolated(t *testing.T) {
	l, _ := newTestLimiter(map[string]Quota{
		"createConvo": {Capacity: 1, Refill: 0.1},
		"sendMessage": {Capacity: 5, Refill: 1},
	})

	l.AllowPrincipal("did:plc:a", "createConvo")
	if ok, _ := l.AllowPrincipal("did:plc:a", "createConvo"); ok {
		t.Fatal("createConvo bucket exhausted")
	}
	if ok, _ := l.AllowPrincipal("did:plc:a", "sendMessage"); !ok {
		t.Fatal("sendMessage bucket is separate")
	}
}

func TestIPBucket(t *testing.T) {
	l, _ := newTestLimiter(nil)
	for i := 0; i < 3; i++ {
		if ok, _ := l.AllowIP("198.51.100.7"); !ok {
			t.Fatalf("request %d should be allowed", i)
		}
	}
	ok, retry := l.AllowIP("198.51.100.7")
	if ok {
		t.Fatal("IP bucket should be exhausted")
	}
	if retry < 1 {
		t.Errorf("retry hint = %d", retry)
	}
}

func TestSweepEvictsIdleBuckets(t *testing.T) {
	l, clk := newTestLimiter(nil)

	l.AllowPrincipal("did:plc:a", "sendMessage")
	l.AllowPrincipal("did:plc:b", "sendMessage")
	if l.Len() != 2 {
		t.Fatalf("bucket count = %d", l.Len())
	}

	clk.advance(20 * time.Minute)
	l.AllowPrincipal("did:plc:b", "sendMessage") // refresh b

	evicted := l.Sweep(15 * time.Minute)
	if evicted != 1 {
		t.Errorf("evicted = %d, want 1", evicted)
	}
	if l.Len() != 1 {
		t.Errorf("bucket count after sweep = %d, want 1", l.Len())
	}
}

func TestOverridesApplied(t *testing.T) {
	l, _ := newTestLimiter(map[string]Quota{"reportMember": {Capacity: 1, Refill: 0.01}})
	if ok, _ := l.AllowPrincipal("did:plc:a", "reportMember"); !ok {
		t.Fatal("first report allowed")
	}
	if ok, _ := l.AllowPrincipal("did:plc:a", "reportMember"); ok {
		t.Fatal("override capacity of 1 should throttle the second report")
	}
}
