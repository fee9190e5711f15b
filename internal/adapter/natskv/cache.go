// Package natskv implements the artifact cache port on a NATS JetStream
// key-value bucket.
package natskv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/QuinnGao/AI-Subtitle-Learner/internal/domain/artifact"
)

// Cache stores artifact entries in a JetStream KV bucket. First-writer-wins
// comes from kv.Create, which fails when the key already holds a value.
type Cache struct {
	kv jetstream.KeyValue
}

// New creates a NATS KV-backed cache.
func New(kv jetstream.KeyValue) *Cache {
	return &Cache{kv: kv}
}

// Get retrieves an entry from the bucket.
func (c *Cache) Get(ctx context.Context, fingerprint string) (artifact.Entry, bool, error) {
	kve, err := c.kv.Get(ctx, fingerprint)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return artifact.Entry{}, false, nil
		}
		return artifact.Entry{}, false, fmt.Errorf("natskv get %s: %w", fingerprint, err)
	}
	var e artifact.Entry
	if err := json.Unmarshal(kve.Value(), &e); err != nil {
		return artifact.Entry{}, false, fmt.Errorf("natskv decode %s: %w", fingerprint, err)
	}
	return e, true, nil
}

// PutIfAbsent creates the key unless it exists and returns the stored winner.
func (c *Cache) PutIfAbsent(ctx context.Context, entry artifact.Entry) (artifact.Entry, error) {
	data, err := json.Marshal(entry)
	if err != nil {
		return artifact.Entry{}, fmt.Errorf("natskv encode: %w", err)
	}
	_, err = c.kv.Create(ctx, entry.Fingerprint, data)
	if err == nil {
		return entry, nil
	}
	if !errors.Is(err, jetstream.ErrKeyExists) {
		return artifact.Entry{}, fmt.Errorf("natskv create %s: %w", entry.Fingerprint, err)
	}
	won, found, err := c.Get(ctx, entry.Fingerprint)
	if err != nil {
		return artifact.Entry{}, err
	}
	if !found {
		return artifact.Entry{}, fmt.Errorf("natskv create %s: key vanished", entry.Fingerprint)
	}
	return won, nil
}
