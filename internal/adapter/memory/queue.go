package memory

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/QuinnGao/AI-Subtitle-Learner/internal/port/messagequeue"
)

const defaultMaxDeliver = 5

// Queue is an in-process messagequeue.Queue. Failed messages are redelivered
// after RetryDelay until MaxDeliver attempts, then moved to "<subject>.dlq".
type Queue struct {
	MaxDeliver int
	RetryDelay time.Duration

	mu       sync.Mutex
	subjects map[string]*subjectQueue
	closed   bool
	wg       sync.WaitGroup
	stop     chan struct{}
}

type envelope struct {
	data       []byte
	deliveries int
}

type subjectQueue struct {
	items    []envelope
	deferred int
	signal   chan struct{}
}

// NewQueue returns an open in-memory queue.
func NewQueue() *Queue {
	return &Queue{
		MaxDeliver: defaultMaxDeliver,
		RetryDelay: 100 * time.Millisecond,
		subjects:   make(map[string]*subjectQueue),
		stop:       make(chan struct{}),
	}
}

func (q *Queue) subject(name string) *subjectQueue {
	sq, ok := q.subjects[name]
	if !ok {
		sq = &subjectQueue{signal: make(chan struct{}, 1)}
		q.subjects[name] = sq
	}
	return sq
}

func (q *Queue) push(subject string, env envelope) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return errors.New("queue closed")
	}
	sq := q.subject(subject)
	sq.items = append(sq.items, env)
	select {
	case sq.signal <- struct{}{}:
	default:
	}
	return nil
}

// Publish appends data to subject.
func (q *Queue) Publish(_ context.Context, subject string, data []byte) error {
	return q.push(subject, envelope{data: append([]byte(nil), data...)})
}

// Depth counts waiting and deferred messages on subject.
func (q *Queue) Depth(_ context.Context, subject string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	sq, ok := q.subjects[subject]
	if !ok {
		return 0, nil
	}
	return len(sq.items) + sq.deferred, nil
}

func (q *Queue) pop(subject string) (envelope, chan struct{}, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	sq := q.subject(subject)
	if len(sq.items) == 0 {
		return envelope{}, sq.signal, false
	}
	env := sq.items[0]
	sq.items = sq.items[1:]
	if len(sq.items) > 0 {
		select {
		case sq.signal <- struct{}{}:
		default:
		}
	}
	return env, sq.signal, true
}

// Subscribe starts one consumer goroutine for subject.
func (q *Queue) Subscribe(ctx context.Context, subject string, handler messagequeue.Handler) (func(), error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, errors.New("queue closed")
	}
	q.wg.Add(1)
	q.mu.Unlock()

	subCtx, cancel := context.WithCancel(ctx)
	go func() {
		defer q.wg.Done()
		for {
			env, signal, ok := q.pop(subject)
			if !ok {
				select {
				case <-signal:
					continue
				case <-subCtx.Done():
					return
				case <-q.stop:
					return
				}
			}
			q.deliver(subCtx, subject, env, handler)
		}
	}()
	return cancel, nil
}

func (q *Queue) deliver(ctx context.Context, subject string, env envelope, handler messagequeue.Handler) {
	env.deliveries++
	err := handler(ctx, subject, env.data)
	if err == nil {
		return
	}
	if d, ok := messagequeue.AsDefer(err); ok {
		env.deliveries--
		q.later(subject, env, d)
		return
	}
	if env.deliveries >= q.MaxDeliver {
		slog.Error("message exceeded max deliveries, moving to dlq", "subject", subject, "deliveries", env.deliveries, "error", err)
		_ = q.push(subject+".dlq", envelope{data: env.data})
		return
	}
	slog.Warn("message handler failed, redelivering", "subject", subject, "deliveries", env.deliveries, "error", err)
	q.later(subject, env, q.RetryDelay)
}

func (q *Queue) later(subject string, env envelope, d time.Duration) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.subject(subject).deferred++
	q.mu.Unlock()

	time.AfterFunc(d, func() {
		q.mu.Lock()
		q.subject(subject).deferred--
		q.mu.Unlock()
		_ = q.push(subject, env)
	})
}

// Drain stops consumers after their in-flight message and closes the queue.
func (q *Queue) Drain() error {
	return q.Close()
}

// Close stops all consumers.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.stop)
	q.mu.Unlock()
	q.wg.Wait()
	return nil
}

// IsConnected reports whether the queue is open.
func (q *Queue) IsConnected() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return !q.closed
}
