package memory

import (
	"context"
	"sync"

	"github.com/QuinnGao/AI-Subtitle-Learner/internal/domain/artifact"
)

// Cache is an in-memory cache.Cache with first-writer-wins semantics.
type Cache struct {
	mu      sync.Mutex
	entries map[string]artifact.Entry
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[string]artifact.Entry)}
}

func (c *Cache) Get(_ context.Context, fingerprint string) (artifact.Entry, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[fingerprint]
	return e, ok, nil
}

func (c *Cache) PutIfAbsent(_ context.Context, entry artifact.Entry) (artifact.Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[entry.Fingerprint]; ok {
		return e, nil
	}
	c.entries[entry.Fingerprint] = entry
	return entry, nil
}
