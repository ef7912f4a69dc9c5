package storage

import (
	"context"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

// leaderLockKey is the advisory lock held by the active watchdog.
const leaderLockKey = 42

// Leader holds a session-level advisory lock on a dedicated connection, so
// only one watchdog ticks at a time.
type Leader struct {
	pool *pgxpool.Pool

	mu   sync.Mutex
	conn *pgxpool.Conn
}

func NewLeader(pool *pgxpool.Pool) *Leader { return &Leader{pool: pool} }

// TryLead reports whether this process holds leadership, acquiring it if free.
func (l *Leader) TryLead(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn != nil {
		if err := l.conn.Ping(ctx); err == nil {
			return true, nil
		}
		// The session died and took the lock with it.
		l.conn.Release()
		l.conn = nil
	}

	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return false, errors.Wrap(err, "acquire leader conn")
	}
	var ok bool
	if err := conn.QueryRow(ctx, `select pg_try_advisory_lock($1)`, leaderLockKey).Scan(&ok); err != nil {
		conn.Release()
		return false, errors.Wrap(err, "advisory lock")
	}
	if !ok {
		conn.Release()
		return false, nil
	}
	l.conn = conn
	return true, nil
}

func (l *Leader) Resign(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return
	}
	_, _ = l.conn.Exec(ctx, `select pg_advisory_unlock($1)`, leaderLockKey)
	l.conn.Release()
	l.conn = nil
}
