package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/QuinnGao/AI-Subtitle-Learner/internal/domain/artifact"
)

// Cache is the durable cache.Cache tier backed by the cache_entries table.
type Cache struct {
	pool *pgxpool.Pool
}

// NewCache creates a Cache using pool.
func NewCache(pool *pgxpool.Pool) *Cache {
	return &Cache{pool: pool}
}

func (c *Cache) Get(ctx context.Context, fingerprint string) (artifact.Entry, bool, error) {
	var e artifact.Entry
	err := c.pool.QueryRow(ctx,
		`SELECT fingerprint, artifact_ref, created_at FROM cache_entries WHERE fingerprint = $1`,
		fingerprint).Scan(&e.Fingerprint, &e.ArtifactRef, &e.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return artifact.Entry{}, false, nil
	}
	if err != nil {
		return artifact.Entry{}, false, fmt.Errorf("get cache entry: %w", err)
	}
	e.CreatedAt = e.CreatedAt.UTC()
	return e, true, nil
}

// PutIfAbsent inserts entry unless the fingerprint exists and returns the
// stored winner either way.
func (c *Cache) PutIfAbsent(ctx context.Context, entry artifact.Entry) (artifact.Entry, error) {
	_, err := c.pool.Exec(ctx,
		`INSERT INTO cache_entries (fingerprint, artifact_ref, created_at)
		 VALUES ($1, $2, $3) ON CONFLICT (fingerprint) DO NOTHING`,
		entry.Fingerprint, entry.ArtifactRef, entry.CreatedAt)
	if err != nil {
		return artifact.Entry{}, fmt.Errorf("put cache entry: %w", err)
	}
	won, found, err := c.Get(ctx, entry.Fingerprint)
	if err != nil {
		return artifact.Entry{}, err
	}
	if !found {
		return artifact.Entry{}, fmt.Errorf("put cache entry %s: row vanished", entry.Fingerprint)
	}
	return won, nil
}
