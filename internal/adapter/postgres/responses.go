package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Responses stores idempotency responses in idempotency_responses. Expired
// rows read as missing and are overwritten by the next claim.
type Responses struct {
	pool *pgxpool.Pool
}

// NewResponses creates a Responses using pool.
func NewResponses(pool *pgxpool.Pool) *Responses {
	return &Responses{pool: pool}
}

func (r *Responses) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := r.pool.QueryRow(ctx,
		`SELECT value FROM idempotency_responses WHERE key = $1 AND expires_at > $2`,
		key, time.Now().UTC()).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get idempotency response: %w", err)
	}
	return value, true, nil
}

func (r *Responses) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO idempotency_responses (key, value, expires_at) VALUES ($1, $2, $3)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at`,
		key, value, time.Now().UTC().Add(ttl))
	if err != nil {
		return fmt.Errorf("set idempotency response: %w", err)
	}
	return nil
}

// SetIfAbsent inserts key, or replaces a row that has expired. The row lock
// taken by ON CONFLICT lets only one concurrent claim through.
func (r *Responses) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	tag, err := r.pool.Exec(ctx,
		`INSERT INTO idempotency_responses (key, value, expires_at) VALUES ($1, $2, $3)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at
		 WHERE idempotency_responses.expires_at <= $4`,
		key, value, now.Add(ttl), now)
	if err != nil {
		return false, fmt.Errorf("claim idempotency key: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *Responses) Delete(ctx context.Context, key string) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM idempotency_responses WHERE key = $1`, key); err != nil {
		return fmt.Errorf("delete idempotency response: %w", err)
	}
	return nil
}

// PurgeExpired removes expired responses and returns how many were dropped.
func (r *Responses) PurgeExpired(ctx context.Context) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM idempotency_responses WHERE expires_at <= $1`, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("purge idempotency responses: %w", err)
	}
	return tag.RowsAffected(), nil
}

// RunPurge calls PurgeExpired every interval until ctx is done.
func (r *Responses) RunPurge(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := r.PurgeExpired(ctx)
			if err != nil {
				slog.WarnContext(ctx, "purge idempotency responses", "error", err)
				continue
			}
			if n > 0 {
				slog.DebugContext(ctx, "purged idempotency responses", "count", n)
			}
		}
	}
}
