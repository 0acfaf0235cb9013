// Package store is the storage layer of the delivery service. It wraps a pgx
// connection pool with typed queries over conversations, members, devices,
// messages, key packages, welcomes, and the event stream. Ordering-sensitive
// writes run inside serializable transactions taken out by the epoch actor;
// the conversation row lock is the second line of defense behind actor
// serialization.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Querier is satisfied by both *pgxpool.Pool and pgx.Tx so every query method
// can run standalone or inside a transaction.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store provides typed access to the delivery service schema.
type Store struct {
	Pool   *pgxpool.Pool
	logger *slog.Logger
}

// New creates a Store over the given pool.
func New(pool *pgxpool.Pool, logger *slog.Logger) *Store {
	return &Store{Pool: pool, logger: logger}
}

// serializationFailure reports whether err is a retryable serialization or
// deadlock failure (SQLSTATE 40001 / 40P01).
func serializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

// UniqueViolation reports whether err is a unique-constraint violation,
// optionally restricted to the named constraint.
func UniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}

const maxTxAttempts = 3

// WithTx runs fn inside a serializable transaction, retrying a bounded number
// of times on serialization failures before surfacing the error. The epoch
// actor calls this once per mailbox message.
func (s *Store) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	var lastErr error
	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		err := s.runTx(ctx, fn)
		if err == nil {
			return nil
		}
		if serializationFailure(err) && attempt < maxTxAttempts {
			lastErr = err
			continue
		}
		return err
	}
	return fmt.Errorf("serializable retries exhausted: %w", lastErr)
}

// runTx executes one transaction attempt. The deferred rollback releases the
// transaction if fn panics; after a successful commit it is a no-op.
func (s *Store) runTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// Now returns the database-free wall clock, truncated to microseconds to
// match PostgreSQL timestamptz precision.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
