package logger

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Closer allows flushing and stopping the async handler.
type Closer interface {
	Close()
}

type nopCloser struct{}

func (nopCloser) Close() {}

// asyncCore is shared by an AsyncHandler and every handler derived from it
// through WithAttrs or WithGroup.
type asyncCore struct {
	ch      chan asyncRecord
	wg      sync.WaitGroup
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
}

type asyncRecord struct {
	h   slog.Handler
	rec slog.Record
}

// AsyncHandler hands records to background writers through a bounded
// channel. Records are dropped, and counted, when the channel is full.
type AsyncHandler struct {
	inner slog.Handler
	core  *asyncCore
}

// NewAsyncHandler creates an AsyncHandler with the given channel capacity and worker count.
func NewAsyncHandler(inner slog.Handler, chanSize, workers int) *AsyncHandler {
	core := &asyncCore{ch: make(chan asyncRecord, chanSize)}
	for range max(workers, 1) {
		core.wg.Add(1)
		go func() {
			defer core.wg.Done()
			for r := range core.ch {
				_ = r.h.Handle(context.Background(), r.rec)
			}
		}()
	}
	return &AsyncHandler{inner: inner, core: core}
}

// Enabled delegates to the inner handler.
func (h *AsyncHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle enqueues the record.
func (h *AsyncHandler) Handle(_ context.Context, rec slog.Record) error { //nolint:gocritic // slog.Handler interface requires value receiver
	h.core.mu.RLock()
	defer h.core.mu.RUnlock()
	if h.core.closed {
		h.core.dropped.Add(1)
		return nil
	}
	select {
	case h.core.ch <- asyncRecord{h: h.inner, rec: rec.Clone()}:
	default:
		h.core.dropped.Add(1)
	}
	return nil
}

func (h *AsyncHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &AsyncHandler{inner: h.inner.WithAttrs(attrs), core: h.core}
}

func (h *AsyncHandler) WithGroup(name string) slog.Handler {
	return &AsyncHandler{inner: h.inner.WithGroup(name), core: h.core}
}

// DroppedCount returns the number of dropped records.
func (h *AsyncHandler) DroppedCount() int64 {
	return h.core.dropped.Load()
}

// Close stops accepting records and waits for queued ones to be written.
func (h *AsyncHandler) Close() {
	h.core.mu.Lock()
	if !h.core.closed {
		h.core.closed = true
		close(h.core.ch)
	}
	h.core.mu.Unlock()
	h.core.wg.Wait()
}
