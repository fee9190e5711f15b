package middleware_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/QuinnGao/AI-Subtitle-Learner/internal/middleware"
)

type memStore struct {
	mu   sync.Mutex
	data map[string][]byte
	ttls map[string]time.Duration
}

func newMemStore() *memStore {
	return &memStore{data: map[string][]byte{}, ttls: map[string]time.Duration{}}
}

func (m *memStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	m.ttls[key] = ttl
	return nil
}

func (m *memStore) SetIfAbsent(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[key]; ok {
		return false, nil
	}
	m.data[key] = value
	m.ttls[key] = ttl
	return true, nil
}

func (m *memStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	delete(m.ttls, key)
	return nil
}

type failingStore struct{ *memStore }

func (failingStore) SetIfAbsent(context.Context, string, []byte, time.Duration) (bool, error) {
	return false, errors.New("store down")
}

func countingHandler(calls *atomic.Int32, status int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		n := calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"call":` + string(rune('0'+n)) + `}`))
	})
}

func doPost(h http.Handler, path, key string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(`{}`))
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestIdempotencyReplaysSuccess(t *testing.T) {
	store := newMemStore()
	var calls atomic.Int32
	h := middleware.Idempotency(store, time.Hour)(countingHandler(&calls, http.StatusAccepted))

	first := doPost(h, "/task", "k1")
	second := doPost(h, "/task", "k1")

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, http.StatusAccepted, second.Code)
	assert.Equal(t, first.Body.String(), second.Body.String())
	assert.Equal(t, "true", second.Header().Get("Idempotent-Replayed"))
	assert.Equal(t, "application/json", second.Header().Get("Content-Type"))
	for _, ttl := range store.ttls {
		assert.Equal(t, time.Hour, ttl)
	}
}

func TestIdempotencySkipsFailures(t *testing.T) {
	store := newMemStore()
	var calls atomic.Int32
	h := middleware.Idempotency(store, time.Hour)(countingHandler(&calls, http.StatusTooManyRequests))

	doPost(h, "/task", "k1")
	doPost(h, "/task", "k1")

	assert.Equal(t, int32(2), calls.Load())
	assert.Empty(t, store.data)
}

func TestIdempotencyWithoutKeyOrOnGet(t *testing.T) {
	store := newMemStore()
	var calls atomic.Int32
	h := middleware.Idempotency(store, time.Hour)(countingHandler(&calls, http.StatusOK))

	doPost(h, "/task", "")
	doPost(h, "/task", "")

	req := httptest.NewRequest(http.MethodGet, "/task/1", http.NoBody)
	req.Header.Set("Idempotency-Key", "k1")
	h.ServeHTTP(httptest.NewRecorder(), req)
	h.ServeHTTP(httptest.NewRecorder(), req)

	assert.Equal(t, int32(4), calls.Load())
	assert.Empty(t, store.data)
}

func TestIdempotencyKeyScopedByPath(t *testing.T) {
	store := newMemStore()
	var calls atomic.Int32
	h := middleware.Idempotency(store, time.Hour)(countingHandler(&calls, http.StatusOK))

	doPost(h, "/task", "k1")
	doPost(h, "/other", "k1")

	assert.Equal(t, int32(2), calls.Load())
	require.Len(t, store.data, 2)
}

func TestIdempotencyRejectsLongKey(t *testing.T) {
	var calls atomic.Int32
	h := middleware.Idempotency(newMemStore(), time.Hour)(countingHandler(&calls, http.StatusOK))

	rec := doPost(h, "/task", strings.Repeat("k", 129))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Zero(t, calls.Load())
}

func TestIdempotencySharedStoreAcrossInstances(t *testing.T) {
	store := newMemStore()
	var calls atomic.Int32
	a := middleware.Idempotency(store, time.Hour)(countingHandler(&calls, http.StatusAccepted))
	b := middleware.Idempotency(store, time.Hour)(countingHandler(&calls, http.StatusAccepted))

	first := doPost(a, "/task", "k1")
	second := doPost(b, "/task", "k1")

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, first.Body.String(), second.Body.String())
	assert.Equal(t, "true", second.Header().Get("Idempotent-Replayed"))
}

func TestIdempotencyRejectsDuplicateInFlight(t *testing.T) {
	store := newMemStore()
	entered := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	slow := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		close(entered)
		<-release
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"task_id":"t1"}`))
	})
	h := middleware.Idempotency(store, time.Hour)(slow)

	done := make(chan *httptest.ResponseRecorder)
	go func() { done <- doPost(h, "/task", "k1") }()
	<-entered

	dup := doPost(h, "/task", "k1")
	assert.Equal(t, http.StatusConflict, dup.Code)
	assert.Equal(t, "1", dup.Header().Get("Retry-After"))

	close(release)
	first := <-done
	assert.Equal(t, http.StatusAccepted, first.Code)

	again := doPost(h, "/task", "k1")
	assert.Equal(t, http.StatusAccepted, again.Code)
	assert.Equal(t, `{"task_id":"t1"}`, again.Body.String())
	assert.Equal(t, int32(1), calls.Load())
}

func TestIdempotencyFailureReleasesClaim(t *testing.T) {
	store := newMemStore()
	var status atomic.Int32
	status.Store(http.StatusTooManyRequests)
	var calls atomic.Int32
	h := middleware.Idempotency(store, time.Hour)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(int(status.Load()))
	}))

	assert.Equal(t, http.StatusTooManyRequests, doPost(h, "/task", "k1").Code)
	status.Store(http.StatusAccepted)
	assert.Equal(t, http.StatusAccepted, doPost(h, "/task", "k1").Code)
	assert.Equal(t, http.StatusAccepted, doPost(h, "/task", "k1").Code)
	assert.Equal(t, int32(2), calls.Load())
}

func TestIdempotencyStoreErrorRunsHandler(t *testing.T) {
	var calls atomic.Int32
	h := middleware.Idempotency(failingStore{newMemStore()}, time.Hour)(countingHandler(&calls, http.StatusAccepted))

	assert.Equal(t, http.StatusAccepted, doPost(h, "/task", "k1").Code)
	assert.Equal(t, http.StatusAccepted, doPost(h, "/task", "k1").Code)
	assert.Equal(t, int32(2), calls.Load())
}
