// Package objectstore defines the port for durable artifact blobs.
package objectstore

import (
	"context"
	"io"
)

// Store keeps artifact bodies addressed by key. Keys are derived from
// fingerprints, so a body written once never changes.
type Store interface {
	// Put uploads r under key. size may be -1 when unknown.
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	// Get opens key for reading. Missing keys yield domain.ErrNotFound.
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Exists(ctx context.Context, key string) (bool, error)
}
