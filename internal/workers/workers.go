// Package workers implements the background maintenance tasks of the
// delivery service: retention compaction for messages and event-stream
// envelopes, Welcome grace finalization, key-package pool pruning, rejoin
// request expiry, rate-limiter bucket sweeps, and idle epoch actor eviction.
// Each task runs on the shared sweep cadence; a failure in one task never
// stops the others.
package workers

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/cloakroom-chat/cloakroom/internal/metrics"
	"github.com/cloakroom-chat/cloakroom/internal/store"
)

// Retention is the slice of the store the workers drive. Implemented by
// *store.Store.
type Retention interface {
	WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error
	DeleteExpiredMessages(ctx context.Context, q store.Querier, batch int) (int64, error)
	DeleteEventsBefore(ctx context.Context, q store.Querier, retention time.Duration) (int64, error)
	FinalizeExpiredWelcomes(ctx context.Context, tx pgx.Tx, grace time.Duration) (int64, error)
	DeleteConsumedWelcomes(ctx context.Context, q Querier, grace time.Duration) (int64, error)
	PruneKeyPackages(ctx context.Context, q Querier, consumedRetention time.Duration) (int64, error)
	ExpireRejoinRequests(ctx context.Context, q Querier, ttl time.Duration) (int64, error)
}

// Querier aliases the store query interface.
type Querier = store.Querier

// Sweeper evicts idle in-memory state (rate-limiter buckets, epoch actors).
type Sweeper interface {
	Sweep(idle time.Duration) int
}

// Config holds the manager's dependencies and policy knobs.
type Config struct {
	Store   Retention
	Querier store.Querier
	Logger  *slog.Logger

	// Sweepers are named for logging; the manager calls each on every tick.
	RateLimiter Sweeper
	Actors      Sweeper

	// ActorCount reports live epoch actors after a sweep; feeds the
	// actors-live gauge when metrics are enabled.
	ActorCount func() int
	Metrics    *metrics.Metrics

	SweepInterval   time.Duration
	EventRetention  time.Duration
	WelcomeGrace    time.Duration
	KeyPackageKeep  time.Duration
	RejoinTTL       time.Duration
	RateLimiterIdle time.Duration
	ActorIdle       time.Duration
}

// Manager owns the background task loop.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

const deleteBatch = 1000

// New creates a Manager.
func New(cfg Config) *Manager {
	return &Manager{cfg: cfg, logger: cfg.Logger}
}

// Start launches the task loop. Call Stop to drain it.
func (m *Manager) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.runOnce(ctx)
			}
		}
	}()

	m.logger.Info("background workers started",
		slog.Duration("interval", m.cfg.SweepInterval),
	)
}

// Stop halts the loop and waits for an in-flight tick to finish.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.logger.Info("background workers stopped")
}

// runOnce executes every maintenance task with error isolation.
func (m *Manager) runOnce(ctx context.Context) {
	m.compactMessages(ctx)
	m.compactEvents(ctx)
	m.finalizeWelcomes(ctx)
	m.pruneKeyPackages(ctx)
	m.expireRejoins(ctx)
	m.sweepInMemory()
}

func (m *Manager) compactMessages(ctx context.Context) {
	total := int64(0)
	for {
		if ctx.Err() != nil {
			return
		}
		n, err := m.cfg.Store.DeleteExpiredMessages(ctx, m.cfg.Querier, deleteBatch)
		if err != nil {
			m.logger.Error("message compaction failed", slog.String("error", err.Error()))
			return
		}
		total += n
		if n < deleteBatch {
			break
		}
	}
	if total > 0 {
		m.logger.Info("expired messages compacted", slog.Int64("deleted", total))
	}
}

func (m *Manager) compactEvents(ctx context.Context) {
	n, err := m.cfg.Store.DeleteEventsBefore(ctx, m.cfg.Querier, m.cfg.EventRetention)
	if err != nil {
		m.logger.Error("event-stream compaction failed", slog.String("error", err.Error()))
		return
	}
	if n > 0 {
		m.logger.Info("event-stream entries compacted", slog.Int64("deleted", n))
	}
}

func (m *Manager) finalizeWelcomes(ctx context.Context) {
	var finalized int64
	err := m.cfg.Store.WithTx(ctx, func(tx pgx.Tx) error {
		var err error
		finalized, err = m.cfg.Store.FinalizeExpiredWelcomes(ctx, tx, m.cfg.WelcomeGrace)
		return err
	})
	if err != nil {
		m.logger.Error("welcome finalization failed", slog.String("error", err.Error()))
		return
	}
	if finalized > 0 {
		m.logger.Info("welcomes finalized past grace", slog.Int64("count", finalized))
	}

	if _, err := m.cfg.Store.DeleteConsumedWelcomes(ctx, m.cfg.Querier, m.cfg.WelcomeGrace); err != nil {
		m.logger.Error("consumed welcome cleanup failed", slog.String("error", err.Error()))
	}
}

func (m *Manager) pruneKeyPackages(ctx context.Context) {
	n, err := m.cfg.Store.PruneKeyPackages(ctx, m.cfg.Querier, m.cfg.KeyPackageKeep)
	if err != nil {
		m.logger.Error("key-package pruning failed", slog.String("error", err.Error()))
		return
	}
	if n > 0 {
		m.logger.Info("key packages pruned", slog.Int64("deleted", n))
	}
}

func (m *Manager) expireRejoins(ctx context.Context) {
	n, err := m.cfg.Store.ExpireRejoinRequests(ctx, m.cfg.Querier, m.cfg.RejoinTTL)
	if err != nil {
		m.logger.Error("rejoin expiry failed", slog.String("error", err.Error()))
		return
	}
	if n > 0 {
		m.logger.Info("stale rejoin requests dropped", slog.Int64("count", n))
	}
}

func (m *Manager) sweepInMemory() {
	if m.cfg.RateLimiter != nil {
		if n := m.cfg.RateLimiter.Sweep(m.cfg.RateLimiterIdle); n > 0 {
			m.logger.Debug("rate-limiter buckets evicted", slog.Int("count", n))
		}
	}
	if m.cfg.Actors != nil {
		if n := m.cfg.Actors.Sweep(m.cfg.ActorIdle); n > 0 {
			m.logger.Debug("idle epoch actors evicted", slog.Int("count", n))
		}
	}
	if m.cfg.Metrics != nil && m.cfg.ActorCount != nil {
		m.cfg.Metrics.ActorsLive.Set(float64(m.cfg.ActorCount()))
	}
}
