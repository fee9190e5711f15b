package service

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/QuinnGao/AI-Subtitle-Learner/internal/domain/task"
	"github.com/QuinnGao/AI-Subtitle-Learner/internal/port/broadcast"
)

// StatusNotifier turns Task Store change notifications into per-task
// snapshot streams. Snapshots are always re-read through the TaskService,
// so a pushed snapshot is exactly what a poll would return.
type StatusNotifier struct {
	tasks     *TaskService
	feed      broadcast.Feed
	keepAlive time.Duration

	mu   sync.Mutex
	subs map[string]map[chan struct{}]struct{}
}

// NewStatusNotifier creates a StatusNotifier fed by feed.
func NewStatusNotifier(tasks *TaskService, feed broadcast.Feed, keepAlive time.Duration) *StatusNotifier {
	return &StatusNotifier{
		tasks:     tasks,
		feed:      feed,
		keepAlive: keepAlive,
		subs:      make(map[string]map[chan struct{}]struct{}),
	}
}

// KeepAlive returns the keep-alive interval push transports should use.
func (n *StatusNotifier) KeepAlive() time.Duration { return n.keepAlive }

// Run consumes the change feed until ctx is done.
func (n *StatusNotifier) Run(ctx context.Context) error {
	return n.feed.Listen(ctx, n.Notify)
}

// Notify wakes the watchers of taskID; an empty id wakes every watcher.
func (n *StatusNotifier) Notify(taskID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if taskID == "" {
		for _, set := range n.subs {
			wake(set)
		}
		return
	}
	wake(n.subs[taskID])
}

func wake(set map[chan struct{}]struct{}) {
	for ch := range set {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (n *StatusNotifier) subscribe(id string) chan struct{} {
	ch := make(chan struct{}, 1)
	n.attach(id, ch)
	return ch
}

// attach adds ch to the watchers of id.
func (n *StatusNotifier) attach(id string, ch chan struct{}) {
	n.mu.Lock()
	defer n.mu.Unlock()
	set, ok := n.subs[id]
	if !ok {
		set = make(map[chan struct{}]struct{})
		n.subs[id] = set
	}
	set[ch] = struct{}{}
}

func (n *StatusNotifier) unsubscribe(id string, ch chan struct{}) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.subs[id], ch)
	if len(n.subs[id]) == 0 {
		delete(n.subs, id)
	}
}

// Subscribers returns the number of live watchers of id.
func (n *StatusNotifier) Subscribers(id string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.subs[id])
}

// Watch streams snapshots of task id: the current one first, then one per
// observable change. A batch is also woken by changes to its items, whose
// progress it rolls up. The channel closes after the terminal snapshot or
// when ctx is done. Unknown tasks fail synchronously with domain.ErrNotFound.
func (n *StatusNotifier) Watch(ctx context.Context, id string) (<-chan task.Snapshot, error) {
	signal := n.subscribe(id)
	first, err := n.tasks.Snapshot(ctx, id, false)
	if err != nil {
		n.unsubscribe(id, signal)
		return nil, err
	}

	out := make(chan task.Snapshot)
	go func() {
		defer close(out)
		watched := map[string]bool{id: true}
		defer func() {
			for w := range watched {
				n.unsubscribe(w, signal)
			}
		}()
		follow := func(s task.Snapshot) {
			if s.Type != task.TypeBatch {
				return
			}
			added := false
			for _, c := range s.ChildIDs {
				if !watched[c] {
					watched[c] = true
					n.attach(c, signal)
					added = true
				}
			}
			// Re-read once so a change made before attach is not missed.
			if added {
				select {
				case signal <- struct{}{}:
				default:
				}
			}
		}

		var last []byte
		send := func(s task.Snapshot) bool {
			b, err := json.Marshal(s)
			if err == nil && bytes.Equal(b, last) {
				return true
			}
			last = b
			select {
			case out <- s:
				return true
			case <-ctx.Done():
				return false
			}
		}

		follow(first)
		if !send(first) || first.IsTerminal() {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case <-signal:
			}
			snap, err := n.tasks.Snapshot(ctx, id, false)
			if err != nil {
				if ctx.Err() == nil {
					slog.Warn("notifier re-read failed", "task_id", id, "error", err)
				}
				continue
			}
			follow(snap)
			if !send(snap) || snap.IsTerminal() {
				return
			}
		}
	}()
	return out, nil
}
