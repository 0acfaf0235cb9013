package workers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/cloakroom-chat/cloakroom/internal/metrics"
	"github.com/cloakroom-chat/cloakroom/internal/store"
)

// fakeRetention counts task invocations and can fail selected tasks.
type fakeRetention struct {
	mu               sync.Mutex
	messagesDeleted  []int64 // per-call return values; drained front to back
	eventsCalls      int
	welcomeCalls     int
	kpCalls          int
	rejoinCalls      int
	failEvents       bool
}

func (f *fakeRetention) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	return fn(nil)
}

func (f *fakeRetention) DeleteExpiredMessages(_ context.Context, _ store.Querier, _ int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.messagesDeleted) == 0 {
		return 0, nil
	}
	n := f.messagesDeleted[0]
	f.messagesDeleted = f.messagesDeleted[1:]
	return n, nil
}

func (f *fakeRetention) DeleteEventsBefore(_ context.Context, _ store.Querier, _ time.Duration) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.eventsCalls++
	if f.failEvents {
		return 0, errors.New("event compaction exploded")
	}
	return 3, nil
}

func (f *fakeRetention) FinalizeExpiredWelcomes(_ context.Context, _ pgx.Tx, _ time.Duration) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.welcomeCalls++
	return 1, nil
}

func (f *fakeRetention) DeleteConsumedWelcomes(_ context.Context, _ Querier, _ time.Duration) (int64, error) {
	return 0, nil
}

func (f *fakeRetention) PruneKeyPackages(_ context.Context, _ Querier, _ time.Duration) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kpCalls++
	return 2, nil
}

func (f *fakeRetention) ExpireRejoinRequests(_ context.Context, _ Querier, _ time.Duration) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejoinCalls++
	return 0, nil
}

type fakeSweeper struct {
	mu    sync.Mutex
	calls int
	idle  time.Duration
}

func (s *fakeSweeper) Sweep(idle time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.idle = idle
	return 1
}

func testManager(f *fakeRetention, rl, actors Sweeper) *Manager {
	return New(Config{
		Store:           f,
		Logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
		RateLimiter:     rl,
		Actors:          actors,
		SweepInterval:   time.Hour, // ticks driven manually in tests
		EventRetention:  7 * 24 * time.Hour,
		WelcomeGrace:    5 * time.Minute,
		KeyPackageKeep:  24 * time.Hour,
		RejoinTTL:       5 * time.Minute,
		RateLimiterIdle: 15 * time.Minute,
		ActorIdle:       10 * time.Minute,
	})
}

func TestRunOnceExecutesEveryTask(t *testing.T) {
	f := &fakeRetention{}
	rl := &fakeSweeper{}
	actors := &fakeSweeper{}
	m := testManager(f, rl, actors)

	m.runOnce(context.Background())

	if f.eventsCalls != 1 || f.welcomeCalls != 1 || f.kpCalls != 1 || f.rejoinCalls != 1 {
		t.Errorf("task calls: events=%d welcomes=%d kps=%d rejoins=%d",
			f.eventsCalls, f.welcomeCalls, f.kpCalls, f.rejoinCalls)
	}
	if rl.calls != 1 || actors.calls != 1 {
		t.Errorf("sweeper calls: ratelimit=%d actors=%d", rl.calls, actors.calls)
	}
	if rl.idle != 15*time.Minute || actors.idle != 10*time.Minute {
		t.Errorf("sweep thresholds: ratelimit=%v actors=%v", rl.idle, actors.idle)
	}
}

func TestMessageCompactionDrainsInBatches(t *testing.T) {
	// Two full batches then a partial one: the loop must keep deleting
	// until a batch comes back short.
	f := &fakeRetention{messagesDeleted: []int64{deleteBatch, deleteBatch, 17}}
	m := testManager(f, nil, nil)

	m.runOnce(context.Background())

	f.mu.Lock()
	remaining := len(f.messagesDeleted)
	f.mu.Unlock()
	if remaining != 0 {
		t.Errorf("compaction stopped early; %d batches unconsumed", remaining)
	}
}

func TestTaskFailureIsIsolated(t *testing.T) {
	f := &fakeRetention{failEvents: true}
	m := testManager(f, nil, nil)

	m.runOnce(context.Background())

	// Tasks after the failing one still ran.
	if f.welcomeCalls != 1 || f.kpCalls != 1 || f.rejoinCalls != 1 {
		t.Errorf("failure was not isolated: welcomes=%d kps=%d rejoins=%d",
			f.welcomeCalls, f.kpCalls, f.rejoinCalls)
	}
}

func TestSweepUpdatesActorGauge(t *testing.T) {
	f := &fakeRetention{}
	m := testManager(f, nil, &fakeSweeper{})
	m.cfg.Metrics = metrics.New(prometheus.NewRegistry())
	m.cfg.ActorCount = func() int { return 7 }

	m.runOnce(context.Background())

	if got := testutil.ToFloat64(m.cfg.Metrics.ActorsLive); got != 7 {
		t.Errorf("actors-live gauge = %v, want 7", got)
	}
}

func TestStartStop(t *testing.T) {
	f := &fakeRetention{}
	m := testManager(f, nil, nil)

	m.Start(context.Background())
	m.Stop() // must not hang
}
