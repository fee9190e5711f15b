// Package database defines the database store port (interface).
package database

import (
	"context"
	"time"

	"github.com/QuinnGao/AI-Subtitle-Learner/internal/domain/deadletter"
	"github.com/QuinnGao/AI-Subtitle-Learner/internal/domain/task"
)

// Store is the port interface for durable task and dead-letter state.
type Store interface {
	// Tasks
	CreateTask(ctx context.Context, t *task.Task) error
	GetTask(ctx context.Context, id string) (*task.Task, error)
	ListChildren(ctx context.Context, parentID string) ([]task.Task, error)
	// UpdateTask persists t if its Version still matches the stored row and
	// bumps Version. A stale version yields domain.ErrConflict.
	UpdateTask(ctx context.Context, t *task.Task) error
	// ListStale returns running tasks whose lease expired before now, or
	// that hold no lease and were last touched before orphanBefore.
	ListStale(ctx context.Context, now, orphanBefore time.Time) ([]task.Task, error)
	// ListOverBudget returns non-terminal tasks queued before the cutoff.
	ListOverBudget(ctx context.Context, queuedBefore time.Time) ([]task.Task, error)

	// Dead letters
	CreateDeadLetter(ctx context.Context, d *deadletter.DeadLetter) error
	ListDeadLetters(ctx context.Context, limit int) ([]deadletter.DeadLetter, error)
	GetDeadLetter(ctx context.Context, id string) (*deadletter.DeadLetter, error)
}
