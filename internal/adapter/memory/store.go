// Package memory provides in-process implementations of the storage, queue,
// cache and object store ports for single-binary deployments and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/QuinnGao/AI-Subtitle-Learner/internal/domain"
	"github.com/QuinnGao/AI-Subtitle-Learner/internal/domain/deadletter"
	"github.com/QuinnGao/AI-Subtitle-Learner/internal/domain/task"
)

// Store is an in-memory database.Store and broadcast.Feed.
// Listeners are invoked synchronously after each committed write and must
// not block.
type Store struct {
	mu          sync.RWMutex
	tasks       map[string]*task.Task
	deadLetters []deadletter.DeadLetter

	lmu       sync.RWMutex
	listeners map[int]func(string)
	nextID    int
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		tasks:     make(map[string]*task.Task),
		listeners: make(map[int]func(string)),
	}
}

func (s *Store) CreateTask(_ context.Context, t *task.Task) error {
	s.mu.Lock()
	if _, ok := s.tasks[t.ID]; ok {
		s.mu.Unlock()
		return fmt.Errorf("create task %s: %w", t.ID, domain.ErrConflict)
	}
	c := t.Clone()
	c.Version = 1
	s.tasks[t.ID] = c
	t.Version = 1
	s.mu.Unlock()

	s.notify(t.ID)
	return nil
}

func (s *Store) GetTask(_ context.Context, id string) (*task.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("get task %s: %w", id, domain.ErrNotFound)
	}
	return t.Clone(), nil
}

func (s *Store) ListChildren(_ context.Context, parentID string) ([]task.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []task.Task
	for _, t := range s.tasks {
		if t.ParentID == parentID {
			out = append(out, *t.Clone())
		}
	}
	sortByQueued(out)
	return out, nil
}

func (s *Store) UpdateTask(_ context.Context, t *task.Task) error {
	s.mu.Lock()
	cur, ok := s.tasks[t.ID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("update task %s: %w", t.ID, domain.ErrNotFound)
	}
	if cur.Version != t.Version {
		s.mu.Unlock()
		return fmt.Errorf("update task %s: %w", t.ID, domain.ErrConflict)
	}
	c := t.Clone()
	c.Version++
	s.tasks[t.ID] = c
	t.Version = c.Version
	s.mu.Unlock()

	s.notify(t.ID)
	return nil
}

func (s *Store) ListStale(_ context.Context, now, orphanBefore time.Time) ([]task.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []task.Task
	for _, t := range s.tasks {
		if t.Status != task.StatusRunning || t.Stage == "" {
			continue
		}
		expired := t.Lease != nil && !t.Lease.ExpiresAt.After(now)
		orphaned := t.Lease == nil && t.UpdatedAt.Before(orphanBefore)
		if expired || orphaned {
			out = append(out, *t.Clone())
		}
	}
	sortByQueued(out)
	return out, nil
}

func (s *Store) ListOverBudget(_ context.Context, queuedBefore time.Time) ([]task.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []task.Task
	for _, t := range s.tasks {
		if !t.Status.IsTerminal() && t.QueuedAt.Before(queuedBefore) {
			out = append(out, *t.Clone())
		}
	}
	sortByQueued(out)
	return out, nil
}

func (s *Store) CreateDeadLetter(_ context.Context, d *deadletter.DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.deadLetters {
		if s.deadLetters[i].ID == d.ID {
			return fmt.Errorf("create dead letter %s: %w", d.ID, domain.ErrConflict)
		}
	}
	s.deadLetters = append(s.deadLetters, *d)
	return nil
}

// ListDeadLetters returns the newest records first.
func (s *Store) ListDeadLetters(_ context.Context, limit int) ([]deadletter.DeadLetter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]deadletter.DeadLetter, 0, len(s.deadLetters))
	for i := len(s.deadLetters) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, s.deadLetters[i])
	}
	return out, nil
}

func (s *Store) GetDeadLetter(_ context.Context, id string) (*deadletter.DeadLetter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := range s.deadLetters {
		if s.deadLetters[i].ID == id {
			d := s.deadLetters[i]
			return &d, nil
		}
	}
	return nil, fmt.Errorf("get dead letter %s: %w", id, domain.ErrNotFound)
}

// Subscribe registers fn for change notifications until the returned
// function is called.
func (s *Store) Subscribe(fn func(taskID string)) (unsubscribe func()) {
	s.lmu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.lmu.Unlock()

	return func() {
		s.lmu.Lock()
		delete(s.listeners, id)
		s.lmu.Unlock()
	}
}

// Listen implements broadcast.Feed.
func (s *Store) Listen(ctx context.Context, fn func(taskID string)) error {
	unsubscribe := s.Subscribe(fn)
	defer unsubscribe()
	<-ctx.Done()
	return nil
}

func (s *Store) notify(taskID string) {
	s.lmu.RLock()
	defer s.lmu.RUnlock()
	for _, fn := range s.listeners {
		fn(taskID)
	}
}

func sortByQueued(ts []task.Task) {
	sort.Slice(ts, func(i, j int) bool {
		if ts[i].QueuedAt.Equal(ts[j].QueuedAt) {
			return ts[i].ID < ts[j].ID
		}
		return ts[i].QueuedAt.Before(ts[j].QueuedAt)
	})
}
