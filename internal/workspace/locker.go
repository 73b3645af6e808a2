package workspace

import (
	"context"
	"hash/fnv"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lazyaf/engine/internal/lazyerr"
)

// Locker grants exclusive access to one workspace ID for the duration of a
// step's container run. Resolves Open Question #1 (single-node vs
// multi-node workspace locking): workspace.MemLocker backs single-process
// deployments, workspace.PGLocker backs deployments where multiple engine
// instances share one Postgres database.
type Locker interface {
	// Lock blocks until the workspace is exclusively held, or ctx is done.
	Lock(ctx context.Context, workspaceID string) (unlock func(), err error)
}

// MemLocker is a per-process Locker backed by one mutex per workspace ID.
type MemLocker struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewMemLocker returns an empty MemLocker.
func NewMemLocker() *MemLocker {
	return &MemLocker{locks: make(map[string]*sync.Mutex)}
}

var _ Locker = (*MemLocker)(nil)

func (l *MemLocker) Lock(ctx context.Context, workspaceID string) (func(), error) {
	l.mu.Lock()
	m, ok := l.locks[workspaceID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[workspaceID] = m
	}
	l.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.Lock()
		close(done)
	}()

	select {
	case <-done:
		return m.Unlock, nil
	case <-ctx.Done():
		go func() { <-done; m.Unlock() }()
		return nil, lazyerr.Wrap(lazyerr.KindTimeout, "lock workspace "+workspaceID, ctx.Err())
	}
}

// PGLocker is a cluster-wide Locker backed by Postgres session-level
// advisory locks, used when multiple engine instances share one database.
type PGLocker struct {
	pool *pgxpool.Pool
}

// NewPGLocker wraps an existing connection pool.
func NewPGLocker(pool *pgxpool.Pool) *PGLocker {
	return &PGLocker{pool: pool}
}

var _ Locker = (*PGLocker)(nil)

func (l *PGLocker) Lock(ctx context.Context, workspaceID string) (func(), error) {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, lazyerr.Wrap(lazyerr.KindTransient, "acquire connection for workspace lock", err)
	}

	key := lockKey(workspaceID)
	if _, err := conn.Exec(ctx, "SELECT pg_advisory_lock($1)", key); err != nil {
		conn.Release()
		return nil, lazyerr.Wrap(lazyerr.KindTransient, "acquire advisory lock for workspace "+workspaceID, err)
	}

	unlock := func() {
		_, _ = conn.Exec(context.Background(), "SELECT pg_advisory_unlock($1)", key)
		conn.Release()
	}
	return unlock, nil
}

// lockKey hashes a workspace ID to the signed 64-bit integer
// pg_advisory_lock expects.
func lockKey(workspaceID string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(workspaceID))
	return int64(h.Sum64())
}
