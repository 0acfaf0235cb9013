// Package database owns the PostgreSQL connection pool and the embedded
// schema migrations. Queries live in internal/store; this package only
// dials, tunes, and versions the database. pgx is used directly — the
// delivery service's hot path is a handful of hand-written statements per
// epoch-actor transaction, and an ORM would just obscure them.
package database

import (
	"context"
	"embed"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations
var migrationsFS embed.FS

// Pool sizing and liveness knobs. Actors hold a connection only for the
// duration of one transaction, so moderate lifetimes are enough; the health
// check keeps long-idle connections from going stale under low traffic.
const (
	minConns        = 2
	connMaxLifetime = 30 * time.Minute
	connMaxIdle     = 5 * time.Minute
	healthInterval  = 30 * time.Second
)

// DB wraps the pgx pool for the rest of the service.
type DB struct {
	Pool   *pgxpool.Pool
	logger *slog.Logger
}

// New dials PostgreSQL and verifies the connection with a ping. maxConns
// bounds the pool; every epoch actor transaction and every read path draws
// from it.
func New(ctx context.Context, databaseURL string, maxConns int, logger *slog.Logger) (*DB, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("database URL: %w", err)
	}
	cfg.MaxConns = int32(maxConns)
	cfg.MinConns = minConns
	cfg.MaxConnLifetime = connMaxLifetime
	cfg.MaxConnIdleTime = connMaxIdle
	cfg.HealthCheckPeriod = healthInterval

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("opening pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	logger.Info("database ready",
		slog.String("host", cfg.ConnConfig.Host),
		slog.String("database", cfg.ConnConfig.Database),
		slog.Int("max_conns", maxConns),
	)
	return &DB{Pool: pool, logger: logger}, nil
}

// HealthCheck executes a trivial query to confirm the pool is serving.
func (db *DB) HealthCheck(ctx context.Context) error {
	var one int
	if err := db.Pool.QueryRow(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("database health check: %w", err)
	}
	return nil
}

// Close drains the pool.
func (db *DB) Close() {
	db.logger.Info("closing database pool")
	db.Pool.Close()
}

// withMigrator opens a migrator over the embedded SQL files, runs fn, and
// closes both the source and database handles, preferring fn's error over
// close errors.
func withMigrator(databaseURL string, fn func(m *migrate.Migrate) error) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("embedded migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, databaseURL)
	if err != nil {
		return fmt.Errorf("opening migrator: %w", err)
	}

	fnErr := fn(m)
	srcErr, dbErr := m.Close()
	if fnErr != nil {
		return fnErr
	}
	if srcErr != nil {
		return fmt.Errorf("closing migration source: %w", srcErr)
	}
	if dbErr != nil {
		return fmt.Errorf("closing migration connection: %w", dbErr)
	}
	return nil
}

// MigrateUp applies all pending migrations. Already-current is not an error.
func MigrateUp(databaseURL string, logger *slog.Logger) error {
	return withMigrator(databaseURL, func(m *migrate.Migrate) error {
		if err := m.Up(); err != nil && err != migrate.ErrNoChange {
			return fmt.Errorf("migrating up: %w", err)
		}
		version, dirty, err := m.Version()
		if err != nil && err != migrate.ErrNilVersion {
			return fmt.Errorf("reading schema version: %w", err)
		}
		logger.Info("schema current",
			slog.Uint64("version", uint64(version)),
			slog.Bool("dirty", dirty),
		)
		return nil
	})
}

// MigrateDown rolls back every migration, dropping all delivery-service
// tables. Meant for development databases only.
func MigrateDown(databaseURL string, logger *slog.Logger) error {
	return withMigrator(databaseURL, func(m *migrate.Migrate) error {
		logger.Warn("rolling back all migrations")
		if err := m.Down(); err != nil && err != migrate.ErrNoChange {
			return fmt.Errorf("migrating down: %w", err)
		}
		return nil
	})
}

// MigrateStatus reports the current schema version and dirty flag.
func MigrateStatus(databaseURL string) (version uint, dirty bool, err error) {
	err = withMigrator(databaseURL, func(m *migrate.Migrate) error {
		v, d, verr := m.Version()
		if verr != nil && verr != migrate.ErrNilVersion {
			return fmt.Errorf("reading schema version: %w", verr)
		}
		version, dirty = v, d
		return nil
	})
	return version, dirty, err
}
