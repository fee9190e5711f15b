// Package ristretto provides the in-process L1 tier of the artifact cache.
package ristretto

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

// avgEntryBytes is the expected size of one encoded artifact entry, used to
// size ristretto's admission counters.
const avgEntryBytes = 160

// Cache wraps a ristretto cache keyed by fingerprint. It is lossy: a Set may
// be dropped by the admission policy, callers always fall back to L2.
type Cache struct {
	c *ristretto.Cache[string, []byte]

	claimMu sync.Mutex
}

// New creates a ristretto-backed cache bounded to maxCostBytes of values.
func New(maxCostBytes int64) (*Cache, error) {
	if maxCostBytes <= 0 {
		return nil, fmt.Errorf("ristretto: max cost must be positive, got %d", maxCostBytes)
	}
	c, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: max(maxCostBytes/avgEntryBytes*10, 1000),
		MaxCost:     maxCostBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("ristretto: %w", err)
	}
	return &Cache{c: c}, nil
}

func (c *Cache) Get(_ context.Context, key string) ([]byte, bool, error) {
	val, found := c.c.Get(key)
	return val, found, nil
}

// Set stores value and waits for the write buffer to apply it, so a Get
// right after a fill sees the entry unless admission rejected it.
func (c *Cache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.c.SetWithTTL(key, value, int64(len(value)), ttl)
	c.c.Wait()
	return nil
}

// SetIfAbsent stores value unless key is present. It is atomic within the
// process only, which is all a single-process deployment needs. A value
// refused by admission still reports true.
func (c *Cache) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	c.claimMu.Lock()
	defer c.claimMu.Unlock()
	if _, found := c.c.Get(key); found {
		return false, nil
	}
	return true, c.Set(ctx, key, value, ttl)
}

func (c *Cache) Delete(_ context.Context, key string) error {
	c.c.Del(key)
	return nil
}

// Close releases the cache's background goroutines.
func (c *Cache) Close() {
	c.c.Close()
}
