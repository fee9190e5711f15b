// Package messagequeue defines the message queue port (interface) and the
// stage message envelope carried on it.
package messagequeue

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Handler processes a message received from the queue.
// Returning nil acknowledges the message. Returning a *DeferError asks the
// transport to redeliver it after the given delay. Any other error is
// negatively acknowledged for prompt redelivery.
type Handler func(ctx context.Context, subject string, data []byte) error

// Queue is the port interface for publishing to and consuming from
// per-stage subjects.
type Queue interface {
	// Publish sends a message to the given subject. It returns ErrQueueFull
	// when the transport itself rejects the message for capacity.
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe registers a handler for messages on the given subject.
	// Each subscription processes one message at a time; call Subscribe
	// repeatedly for parallel consumers. The returned function cancels it.
	Subscribe(ctx context.Context, subject string, handler Handler) (cancel func(), err error)

	// Depth returns the number of messages waiting on subject.
	Depth(ctx context.Context, subject string) (int, error)

	// Drain gracefully drains all subscriptions before closing.
	Drain() error

	// Close shuts down the queue connection immediately.
	Close() error

	// IsConnected reports whether the queue is currently connected.
	IsConnected() bool
}

// ErrQueueFull is returned by Publish when the transport is at capacity.
var ErrQueueFull = errors.New("queue full")

// DeferError asks the transport to redeliver the message after Delay
// without counting it as a failure.
type DeferError struct {
	Delay time.Duration
}

func (e *DeferError) Error() string { return fmt.Sprintf("deferred for %s", e.Delay) }

// Defer returns a *DeferError for d.
func Defer(d time.Duration) error { return &DeferError{Delay: d} }

// AsDefer reports whether err asks for deferred redelivery.
func AsDefer(err error) (time.Duration, bool) {
	var de *DeferError
	if errors.As(err, &de) {
		return de.Delay, true
	}
	return 0, false
}

// Retry-count header shared by transports that track redeliveries.
const HeaderRetryCount = "Retry-Count"
