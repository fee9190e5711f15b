// Package cache defines the port interfaces for the content-addressed
// artifact cache.
package cache

import (
	"context"
	"time"

	"github.com/QuinnGao/AI-Subtitle-Learner/internal/domain/artifact"
)

// Cache maps stage fingerprints to artifact references.
// Entries are immutable: the first writer for a fingerprint wins and every
// later PutIfAbsent returns the winner unchanged.
type Cache interface {
	Get(ctx context.Context, fingerprint string) (artifact.Entry, bool, error)
	PutIfAbsent(ctx context.Context, entry artifact.Entry) (artifact.Entry, error)
}

// Local is a process-local, lossy cache layered in front of a Cache.
type Local interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
