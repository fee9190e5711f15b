// Package tiered layers a process-local L1 in front of the authoritative
// artifact cache.
package tiered

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/QuinnGao/AI-Subtitle-Learner/internal/domain/artifact"
	"github.com/QuinnGao/AI-Subtitle-Learner/internal/port/cache"
)

// Cache reads L1 first and falls back to L2, filling L1 on L2 hits.
// Writes go to L2 only; L1 is filled with whatever L2 reports as the winner,
// so L1 never holds an entry L2 would contradict.
type Cache struct {
	l1    cache.Local
	l2    cache.Cache
	l1TTL time.Duration
}

// New creates a tiered cache. l1TTL bounds how long an entry stays in L1.
func New(l1 cache.Local, l2 cache.Cache, l1TTL time.Duration) *Cache {
	return &Cache{l1: l1, l2: l2, l1TTL: l1TTL}
}

func (c *Cache) Get(ctx context.Context, fingerprint string) (artifact.Entry, bool, error) {
	if data, found, err := c.l1.Get(ctx, fingerprint); err == nil && found {
		var e artifact.Entry
		if json.Unmarshal(data, &e) == nil {
			return e, true, nil
		}
		_ = c.l1.Delete(ctx, fingerprint)
	}

	e, found, err := c.l2.Get(ctx, fingerprint)
	if err != nil || !found {
		return e, found, err
	}
	c.fill(ctx, e)
	return e, true, nil
}

func (c *Cache) PutIfAbsent(ctx context.Context, entry artifact.Entry) (artifact.Entry, error) {
	won, err := c.l2.PutIfAbsent(ctx, entry)
	if err != nil {
		return artifact.Entry{}, err
	}
	c.fill(ctx, won)
	return won, nil
}

func (c *Cache) fill(ctx context.Context, e artifact.Entry) {
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	if err := c.l1.Set(ctx, e.Fingerprint, data, c.l1TTL); err != nil {
		slog.Debug("l1 cache fill failed", "fingerprint", e.Fingerprint, "error", err)
	}
}
