package resolver

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// lockClass namespaces resolver run locks inside the shared advisory lock
// space so other jobs can coexist on the same database.
const lockClass = int32(4210)

// advisoryConn is the slice of pgxpool.Conn the lock needs. Tests inject a
// fake to exercise contention paths without a database.
type advisoryConn interface {
	QueryRow(ctx context.Context, sql string, args ...any) row
	Exec(ctx context.Context, sql string, args ...any) error
	Release()
}

type row interface {
	Scan(dest ...any) error
}

type poolConn struct{ conn *pgxpool.Conn }

func (p poolConn) QueryRow(ctx context.Context, sql string, args ...any) row {
	return p.conn.QueryRow(ctx, sql, args...)
}

func (p poolConn) Exec(ctx context.Context, sql string, args ...any) error {
	_, err := p.conn.Exec(ctx, sql, args...)
	return err
}

func (p poolConn) Release() { p.conn.Release() }

// RunLock serializes resolver runs per partition using a Postgres advisory
// lock held on a dedicated connection for the duration of the run.
type RunLock struct {
	acquire func(ctx context.Context) (advisoryConn, error)
}

// NewRunLock builds a lock backed by the given pool.
func NewRunLock(pool *pgxpool.Pool) *RunLock {
	if pool == nil {
		panic("resolver: pool required")
	}
	return &RunLock{
		acquire: func(ctx context.Context) (advisoryConn, error) {
			conn, err := pool.Acquire(ctx)
			if err != nil {
				return nil, err
			}
			return poolConn{conn: conn}, nil
		},
	}
}

// TryLock attempts to take the partition lock. It returns (release, true)
// when this process now holds the lock, and (nil, false) when another run
// already holds it. The release func must be called exactly once.
func (l *RunLock) TryLock(ctx context.Context, partition int32) (func(), bool, error) {
	conn, err := l.acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("resolver: acquire lock conn: %w", err)
	}
	var got bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1, $2)`, lockClass, partition).Scan(&got); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("resolver: try advisory lock: %w", err)
	}
	if !got {
		conn.Release()
		return nil, false, nil
	}
	release := func() {
		// Unlock on the same connection that took the lock. Best effort:
		// releasing the connection drops the lock regardless.
		_ = conn.Exec(context.Background(), `SELECT pg_advisory_unlock($1, $2)`, lockClass, partition)
		conn.Release()
	}
	return release, true, nil
}
