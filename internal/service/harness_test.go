package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/QuinnGao/AI-Subtitle-Learner/internal/adapter/memory"
	"github.com/QuinnGao/AI-Subtitle-Learner/internal/domain/stage"
	"github.com/QuinnGao/AI-Subtitle-Learner/internal/port/messagequeue"
	"github.com/QuinnGao/AI-Subtitle-Learner/internal/port/stagehandler"
	"github.com/QuinnGao/AI-Subtitle-Learner/internal/resilience"
)

// recQueue is a messagequeue.Queue that only records publishes; tests pull
// messages and hand them to the worker synchronously.
type recQueue struct {
	mu         sync.Mutex
	subjects   map[string][][]byte
	publishErr error
}

func newRecQueue() *recQueue { return &recQueue{subjects: make(map[string][][]byte)} }

func (q *recQueue) Publish(_ context.Context, subject string, data []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.publishErr != nil {
		return q.publishErr
	}
	q.subjects[subject] = append(q.subjects[subject], append([]byte(nil), data...))
	return nil
}

func (q *recQueue) Subscribe(context.Context, string, messagequeue.Handler) (func(), error) {
	return func() {}, nil
}

func (q *recQueue) Depth(_ context.Context, subject string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.subjects[subject]), nil
}

func (q *recQueue) Drain() error      { return nil }
func (q *recQueue) Close() error      { return nil }
func (q *recQueue) IsConnected() bool { return true }

func (q *recQueue) pop(subject string) ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	msgs := q.subjects[subject]
	if len(msgs) == 0 {
		return nil, false
	}
	q.subjects[subject] = msgs[1:]
	return msgs[0], true
}

func (q *recQueue) peek(t *testing.T, subject string) messagequeue.StageMessage {
	t.Helper()
	q.mu.Lock()
	defer q.mu.Unlock()
	msgs := q.subjects[subject]
	require.NotEmpty(t, msgs, "no message on %s", subject)
	msg, err := messagequeue.Decode(subject, msgs[len(msgs)-1])
	require.NoError(t, err)
	return msg
}

// clock is a manually advanced time source.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeStage is a scripted stagehandler.Handler.
type fakeStage struct {
	stage stage.Stage
	calls atomic.Int32
	run   func(ctx context.Context, in stage.Input, report stage.ProgressFunc, call int) (stage.Output, error)
}

func (f *fakeStage) Stage() stage.Stage { return f.stage }

func (f *fakeStage) Run(ctx context.Context, in stage.Input, report stage.ProgressFunc) (stage.Output, error) {
	call := int(f.calls.Add(1))
	if f.run != nil {
		return f.run(ctx, in, report, call)
	}
	report(100, "")
	return stage.Output{Ref: fmt.Sprintf("%s/%s", f.stage, in.Fingerprint)}, nil
}

type harness struct {
	clock      *clock
	store      *memory.Store
	queue      *recQueue
	cache      *memory.Cache
	tasks      *TaskService
	dispatcher *Dispatcher
	artifacts  *ArtifactCache
	worker     *Worker
	stages     map[stage.Stage]*fakeStage
}

func testPolicy() resilience.Policy {
	return resilience.Policy{MaxAttempts: 3, BaseDelay: 0, Multiplier: 2}
}

func newHarness(t *testing.T, maxDepth int) *harness {
	t.Helper()
	c := &clock{now: time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)}
	h := &harness{
		clock:  c,
		store:  memory.NewStore(),
		queue:  newRecQueue(),
		cache:  memory.NewCache(),
		stages: make(map[stage.Stage]*fakeStage),
	}
	h.tasks = NewTaskService(h.store, 30*time.Second)
	h.tasks.now = c.Now
	h.dispatcher = NewDispatcher(h.queue, h.store, testPolicy(), maxDepth)
	h.dispatcher.now = c.Now
	h.artifacts = NewArtifactCache(h.cache)
	h.artifacts.now = c.Now

	var handlers []stagehandler.Handler
	for _, s := range stage.All {
		f := &fakeStage{stage: s}
		h.stages[s] = f
		handlers = append(handlers, f)
	}
	h.worker = NewWorker(WorkerConfig{RenewInterval: 10 * time.Millisecond}, h.tasks, h.dispatcher, h.artifacts, h.queue, handlers...)
	h.worker.now = c.Now
	return h
}

// deliver hands the oldest message on s to the worker and reports what the
// worker returned. ok is false when the queue was empty.
func (h *harness) deliver(t *testing.T, s stage.Stage) (ok bool, err error) {
	t.Helper()
	data, ok := h.queue.pop(s.Subject())
	if !ok {
		return false, nil
	}
	err = h.worker.HandleMessage(context.Background(), s.Subject(), data)
	if err != nil {
		var de *messagequeue.DeferError
		if !errors.As(err, &de) {
			// Nak: the transport would redeliver.
			require.NoError(t, h.queue.Publish(context.Background(), s.Subject(), data))
		}
	}
	return true, err
}

// drain delivers messages until every stage queue is empty.
func (h *harness) drain(t *testing.T) {
	t.Helper()
	for range 50 {
		progressed := false
		for _, s := range stage.All {
			if ok, _ := h.deliver(t, s); ok {
				progressed = true
			}
		}
		if !progressed {
			return
		}
	}
	t.Fatal("queues did not drain")
}
