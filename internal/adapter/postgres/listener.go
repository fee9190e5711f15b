package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ChangeChannel is the NOTIFY channel the tasks trigger publishes on.
const ChangeChannel = "task_changes"

// Listener implements broadcast.Feed over LISTEN/NOTIFY.
type Listener struct {
	pool    *pgxpool.Pool
	backoff time.Duration
}

// NewListener creates a Listener using a dedicated connection from pool.
func NewListener(pool *pgxpool.Pool) *Listener {
	return &Listener{pool: pool, backoff: time.Second}
}

// Listen calls fn with each changed task id until ctx is done. On
// reconnect it calls fn("") since notifications may have been missed.
func (l *Listener) Listen(ctx context.Context, fn func(taskID string)) error {
	first := true
	for {
		err := l.listenOnce(ctx, fn, !first)
		if ctx.Err() != nil {
			return nil
		}
		first = false
		slog.Warn("task change listener disconnected, reconnecting", "error", err, "backoff", l.backoff)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(l.backoff):
		}
	}
}

func (l *Listener) listenOnce(ctx context.Context, fn func(string), resync bool) error {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+ChangeChannel); err != nil {
		return fmt.Errorf("listen %s: %w", ChangeChannel, err)
	}
	if resync {
		fn("")
	}
	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		fn(n.Payload)
	}
}
