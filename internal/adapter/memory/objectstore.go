package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/QuinnGao/AI-Subtitle-Learner/internal/domain"
)

// ObjectStore keeps artifact bodies in memory.
type ObjectStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewObjectStore returns an empty object store.
func NewObjectStore() *ObjectStore {
	return &ObjectStore{objects: make(map[string][]byte)}
}

func (o *ObjectStore) Put(_ context.Context, key string, r io.Reader, _ int64, _ string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("read object %s: %w", key, err)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.objects[key] = data
	return nil
}

func (o *ObjectStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	data, ok := o.objects[key]
	if !ok {
		return nil, fmt.Errorf("object %s: %w", key, domain.ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (o *ObjectStore) Exists(_ context.Context, key string) (bool, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	_, ok := o.objects[key]
	return ok, nil
}
