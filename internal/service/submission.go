package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/QuinnGao/AI-Subtitle-Learner/internal/domain"
	"github.com/QuinnGao/AI-Subtitle-Learner/internal/domain/stage"
	"github.com/QuinnGao/AI-Subtitle-Learner/internal/domain/task"
)

// SubmissionService is the front door: it validates a request, creates the
// root task and enqueues its first stage.
type SubmissionService struct {
	tasks      *TaskService
	dispatcher *Dispatcher
}

// NewSubmissionService creates a SubmissionService.
func NewSubmissionService(tasks *TaskService, dispatcher *Dispatcher) *SubmissionService {
	return &SubmissionService{tasks: tasks, dispatcher: dispatcher}
}

// Submit creates a pending task and enqueues its first stage. Validation
// failures never reach the queue; a full queue yields domain.ErrBackpressure
// before any task is created.
func (s *SubmissionService) Submit(ctx context.Context, typ task.Type, params stage.Params) (*task.Task, error) {
	if _, err := typ.ValidateParams(params); err != nil {
		return nil, err
	}
	if typ == task.TypeBatch {
		return s.submitBatch(ctx, params)
	}
	first := typ.FirstStage()
	if err := s.dispatcher.CheckCapacity(ctx, first); err != nil {
		return nil, err
	}

	t, err := s.tasks.Create(ctx, typ, params, "")
	if err != nil {
		return nil, err
	}
	if err := s.dispatcher.Enqueue(ctx, t.ID, first, nil); err != nil {
		msg := "transient: could not enqueue task"
		if errors.Is(err, domain.ErrBackpressure) {
			msg = domain.ErrBackpressure.Error()
		}
		if _, ferr := s.tasks.Transition(context.WithoutCancel(ctx), t.ID, "", task.StatusFailed, msg); ferr != nil {
			slog.Error("fail unqueued task", "task_id", t.ID, "error", ferr)
		}
		return nil, fmt.Errorf("enqueue task %s: %w", t.ID, err)
	}
	slog.Info("task submitted", "task_id", t.ID, "type", typ, "stage", first)
	return t, nil
}

// submitBatch creates a running batch parent and one enqueued child per
// URL. The batch is admitted as a whole: capacity is checked once and the
// items bypass the depth bound, like chained stages.
func (s *SubmissionService) submitBatch(ctx context.Context, params stage.Params) (*task.Task, error) {
	first := task.ItemType.FirstStage()
	if err := s.dispatcher.CheckCapacity(ctx, first); err != nil {
		return nil, err
	}
	parent, err := s.tasks.Create(ctx, task.TypeBatch, params, "")
	if err != nil {
		return nil, err
	}
	id := parent.ID
	if parent, err = s.tasks.StartBatch(ctx, id); err != nil {
		return nil, fmt.Errorf("start batch %s: %w", id, err)
	}

	for i := range parent.InputParams.URLs {
		child, _, err := s.tasks.SpawnItem(ctx, parent, i)
		if err != nil {
			s.abortBatch(ctx, parent.ID)
			return nil, fmt.Errorf("spawn batch item %d: %w", i, err)
		}
		if err := s.dispatcher.Reenqueue(ctx, child.ID, child.Stage); err != nil {
			slog.Error("enqueue batch item", "task_id", child.ID, "parent_id", parent.ID, "error", err)
			if _, ferr := s.tasks.Transition(context.WithoutCancel(ctx), child.ID, "", task.StatusFailed,
				"transient: could not enqueue task"); ferr != nil {
				slog.Error("fail unqueued batch item", "task_id", child.ID, "error", ferr)
			}
		}
	}
	slog.Info("batch submitted", "task_id", parent.ID, "items", len(parent.InputParams.URLs), "stage", first)
	return s.tasks.Get(ctx, parent.ID)
}

// abortBatch cancels the items spawned so far and fails the parent.
func (s *SubmissionService) abortBatch(ctx context.Context, id string) {
	ctx = context.WithoutCancel(ctx)
	if _, err := s.tasks.RequestCancel(ctx, id); err != nil {
		slog.Error("cancel aborted batch", "task_id", id, "error", err)
	}
	if _, err := s.tasks.Transition(ctx, id, "", task.StatusFailed, "transient: could not start batch items"); err != nil &&
		!errors.Is(err, domain.ErrInvalidTransition) {
		slog.Error("fail aborted batch", "task_id", id, "error", err)
	}
}

// Cancel requests cancellation of a task.
func (s *SubmissionService) Cancel(ctx context.Context, id string) (*task.Task, error) {
	t, err := s.tasks.RequestCancel(ctx, id)
	if err != nil {
		return nil, err
	}
	slog.Info("task cancel requested", "task_id", id, "status", t.Status)
	return t, nil
}
