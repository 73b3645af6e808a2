// Package pg is the Postgres-backed store.Gateway, grounded on the pgx
// driver used across the example pack for durable state.
package pg

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lazyaf/engine/internal/clock"
	"github.com/lazyaf/engine/internal/lazyerr"
	"github.com/lazyaf/engine/internal/store"
)

// Store is a store.Gateway backed by a pgxpool.Pool.
type Store struct {
	pool  *pgxpool.Pool
	clock clock.Clock
}

// New wraps an already-configured pool.
func New(pool *pgxpool.Pool, c clock.Clock) *Store {
	return &Store{pool: pool, clock: c}
}

var _ store.Gateway = (*Store)(nil)

type ctxKey struct{}

// querier is the subset of *pgxpool.Pool and pgx.Tx this package needs, so
// every method below works identically inside and outside a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *Store) q(ctx context.Context) querier {
	if tx, ok := ctx.Value(ctxKey{}).(pgx.Tx); ok {
		return tx
	}
	return s.pool
}

// Atomic runs fn with a pgx.Tx bound into the context; every Gateway method
// called with that context participates in the same transaction. A nested
// Atomic call flattens into the outer transaction rather than opening a
// second one.
func (s *Store) Atomic(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(ctxKey{}).(pgx.Tx); ok {
		return fn(ctx)
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return wrapConn(err)
	}
	txCtx := context.WithValue(ctx, ctxKey{}, tx)
	if err := fn(txCtx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapConn(err)
	}
	return nil
}

func wrapConn(err error) error {
	return lazyerr.Wrap(lazyerr.KindTransient, "database connection failure", err)
}

func notFoundOrErr(err error, resource, id string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return store.NotFound(resource, id)
	}
	return wrapConn(err)
}

// affected reports whether a CommandTag touched at least one row.
func affected(tag pgconn.CommandTag) bool {
	return tag.RowsAffected() > 0
}
