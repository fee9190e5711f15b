// Package service holds the task lifecycle, dispatch, worker and push services.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/QuinnGao/AI-Subtitle-Learner/internal/domain"
	"github.com/QuinnGao/AI-Subtitle-Learner/internal/domain/stage"
	"github.com/QuinnGao/AI-Subtitle-Learner/internal/domain/task"
	"github.com/QuinnGao/AI-Subtitle-Learner/internal/port/database"
)

// maxConflictRetries bounds the optimistic read-modify-write loop.
const maxConflictRetries = 32

// childNamespace seeds deterministic child ids so a redelivered parent
// stage re-finds the child it already created.
var childNamespace = uuid.MustParse("6f1c8f0e-3d0a-4d35-9a53-5c1b0f2d8e71")

// TaskService is the lifecycle manager: every task mutation goes through it.
type TaskService struct {
	store     database.Store
	leaseTTL  time.Duration
	telemetry Telemetry
	now       func() time.Time
}

// NewTaskService creates a new TaskService.
func NewTaskService(store database.Store, leaseTTL time.Duration) *TaskService {
	return &TaskService{store: store, leaseTTL: leaseTTL, telemetry: NopTelemetry, now: time.Now}
}

// SetTelemetry installs a telemetry sink.
func (s *TaskService) SetTelemetry(t Telemetry) { s.telemetry = t }

// LeaseTTL returns the configured lease duration.
func (s *TaskService) LeaseTTL() time.Duration { return s.leaseTTL }

// Create validates params and stores a new pending task.
func (s *TaskService) Create(ctx context.Context, typ task.Type, params stage.Params, parentID string) (*task.Task, error) {
	p, err := typ.ValidateParams(params)
	if err != nil {
		return nil, err
	}
	t := task.New(uuid.NewString(), typ, p, parentID, s.now().UTC())
	if err := s.store.CreateTask(ctx, t); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	s.telemetry.TaskSubmitted(ctx, typ)
	return t, nil
}

// Get returns a task by ID.
func (s *TaskService) Get(ctx context.Context, id string) (*task.Task, error) {
	return s.store.GetTask(ctx, id)
}

// Snapshot returns the client view of a task, joined with its children
// when withChildren is set.
func (s *TaskService) Snapshot(ctx context.Context, id string, withChildren bool) (task.Snapshot, error) {
	t, err := s.store.GetTask(ctx, id)
	if err != nil {
		return task.Snapshot{}, err
	}
	snap := t.Snapshot()
	live := t.Type == task.TypeBatch && !t.Status.IsTerminal()
	if (!withChildren && !live) || len(t.ChildIDs) == 0 {
		return snap, nil
	}
	children, err := s.store.ListChildren(ctx, id)
	if err != nil {
		return task.Snapshot{}, fmt.Errorf("list children: %w", err)
	}
	if live {
		snap.Progress, snap.Message = task.Rollup(t, children)
	}
	if withChildren {
		for i := range children {
			snap.Children = append(snap.Children, children[i].Snapshot())
		}
	}
	return snap, nil
}

// mutate applies fn to a fresh copy of the task and writes it back,
// retrying on optimistic-lock conflicts. fn returning task.ErrUnchanged
// skips the write; changed reports whether a write happened.
func (s *TaskService) mutate(ctx context.Context, id string, fn func(t *task.Task, now time.Time) error) (t *task.Task, changed bool, err error) {
	for range maxConflictRetries {
		t, err = s.store.GetTask(ctx, id)
		if err != nil {
			return nil, false, err
		}
		now := s.now().UTC()
		if err := fn(t, now); err != nil {
			if errors.Is(err, task.ErrUnchanged) {
				return t, false, nil
			}
			return t, false, err
		}
		t.UpdatedAt = now
		err = s.store.UpdateTask(ctx, t)
		if errors.Is(err, domain.ErrConflict) {
			slog.Debug("task update conflict, retrying", "task_id", id)
			continue
		}
		if err != nil {
			return nil, false, fmt.Errorf("update task %s: %w", id, err)
		}
		return t, true, nil
	}
	return nil, false, fmt.Errorf("update task %s: %w", id, domain.ErrConflict)
}

func fence(t *task.Task, holder string) error {
	if holder != "" && !t.HoldsLease(holder) {
		return domain.ErrLeaseLost
	}
	return nil
}

// UpdateProgress records progress for a running task. A non-empty holder
// fences the write to the current lease holder.
func (s *TaskService) UpdateProgress(ctx context.Context, id, holder string, progress int, message string) error {
	_, _, err := s.mutate(ctx, id, func(t *task.Task, _ time.Time) error {
		if err := fence(t, holder); err != nil {
			return err
		}
		return t.ApplyProgress(progress, message)
	})
	return err
}

// Transition finalizes a task. Re-finalizing with the same status is a
// no-op. A non-empty holder fences the write to the current lease holder.
func (s *TaskService) Transition(ctx context.Context, id, holder string, to task.Status, errMsg string) (*task.Task, error) {
	t, changed, err := s.mutate(ctx, id, func(t *task.Task, now time.Time) error {
		if holder != "" && !t.Status.IsTerminal() {
			if err := fence(t, holder); err != nil {
				return err
			}
		}
		return t.Transition(to, errMsg, now)
	})
	if err != nil {
		return nil, err
	}
	if changed {
		s.telemetry.TaskFinalized(ctx, t.Type, t.Status)
		slog.Info("task finalized", "task_id", id, "status", t.Status, "error", t.Error)
		s.settleParent(ctx, t)
	}
	return t, nil
}

// AcquireLease claims a task for holder. It reports false, without error,
// when another holder has a valid lease or the task is already terminal.
func (s *TaskService) AcquireLease(ctx context.Context, id, holder string) (*task.Task, bool, error) {
	t, _, err := s.mutate(ctx, id, func(t *task.Task, now time.Time) error {
		return t.AcquireLease(holder, s.leaseTTL, now)
	})
	switch {
	case errors.Is(err, task.ErrLeaseHeld), errors.Is(err, domain.ErrInvalidTransition):
		return t, false, nil
	case err != nil:
		return nil, false, err
	}
	return t, true, nil
}

// RenewLease extends holder's lease and returns the fresh task, so the
// caller can observe a pending cancel request.
func (s *TaskService) RenewLease(ctx context.Context, id, holder string) (*task.Task, error) {
	t, _, err := s.mutate(ctx, id, func(t *task.Task, now time.Time) error {
		return t.RenewLease(holder, s.leaseTTL, now)
	})
	return t, err
}

// ReleaseLease drops holder's lease if still held.
func (s *TaskService) ReleaseLease(ctx context.Context, id, holder string) error {
	_, _, err := s.mutate(ctx, id, func(t *task.Task, _ time.Time) error {
		return t.ReleaseLease(holder)
	})
	return err
}

// Requeue returns a running task to pending ahead of a retry.
func (s *TaskService) Requeue(ctx context.Context, id, holder, message string) error {
	_, _, err := s.mutate(ctx, id, func(t *task.Task, _ time.Time) error {
		return t.Requeue(holder, message)
	})
	return err
}

// AdvanceStage hands the task to its next pipeline step.
func (s *TaskService) AdvanceStage(ctx context.Context, id, holder string, next task.Step) error {
	_, _, err := s.mutate(ctx, id, func(t *task.Task, _ time.Time) error {
		return t.AdvanceStage(holder, next)
	})
	return err
}

// SetOutput records an artifact reference under holder's lease.
func (s *TaskService) SetOutput(ctx context.Context, id, holder, name, ref string) (*task.Task, error) {
	t, _, err := s.mutate(ctx, id, func(t *task.Task, _ time.Time) error {
		if err := fence(t, holder); err != nil {
			return err
		}
		return t.SetOutput(name, ref)
	})
	return t, err
}

// Reclaim returns a task with an expired or orphaned lease to pending.
// changed is false when the task no longer qualifies.
func (s *TaskService) Reclaim(ctx context.Context, id string) (*task.Task, bool, error) {
	t, changed, err := s.mutate(ctx, id, func(t *task.Task, now time.Time) error {
		return t.Reclaim(now, now.Add(-s.leaseTTL))
	})
	if err == nil && changed && t.Status.IsTerminal() {
		s.telemetry.TaskFinalized(ctx, t.Type, t.Status)
		s.settleParent(ctx, t)
	}
	return t, changed, err
}

// RequestCancel cancels a pending task synchronously and flags a running
// one for cooperative cancellation.
func (s *TaskService) RequestCancel(ctx context.Context, id string) (*task.Task, error) {
	t, changed, err := s.mutate(ctx, id, func(t *task.Task, now time.Time) error {
		return t.RequestCancel(now)
	})
	if err != nil {
		return nil, err
	}
	if !changed {
		return t, nil
	}
	if t.Status == task.StatusCancelled {
		s.telemetry.TaskFinalized(ctx, t.Type, t.Status)
		s.settleParent(ctx, t)
	}
	if t.Type == task.TypeBatch {
		s.cancelItems(ctx, t)
		// Cancelling the items may have settled the batch already.
		if latest, err := s.store.GetTask(ctx, id); err == nil {
			t = latest
		}
	}
	return t, nil
}

// SpawnChild creates (or re-finds) the child of type typ for parent and
// records it in the parent's child_ids. The child id is derived from the
// parent id so repeated calls are idempotent.
func (s *TaskService) SpawnChild(ctx context.Context, parent *task.Task, typ task.Type) (child *task.Task, created bool, err error) {
	return s.spawn(ctx, parent, typ, string(typ), task.ChildParams(parent, typ))
}

// spawn creates the child named key under parent. The id is derived from
// parent id and key.
func (s *TaskService) spawn(ctx context.Context, parent *task.Task, typ task.Type, key string, raw stage.Params) (child *task.Task, created bool, err error) {
	id := uuid.NewSHA1(childNamespace, []byte(parent.ID+":"+key)).String()
	params, err := typ.ValidateParams(raw)
	if err != nil {
		return nil, false, fmt.Errorf("child params: %w", err)
	}

	child = task.New(id, typ, params, parent.ID, s.now().UTC())
	err = s.store.CreateTask(ctx, child)
	switch {
	case errors.Is(err, domain.ErrConflict):
		if child, err = s.store.GetTask(ctx, id); err != nil {
			return nil, false, err
		}
	case err != nil:
		return nil, false, fmt.Errorf("create child task: %w", err)
	default:
		created = true
		s.telemetry.TaskSubmitted(ctx, typ)
	}

	if _, _, err := s.mutate(ctx, parent.ID, func(t *task.Task, _ time.Time) error {
		return t.AttachChild(id)
	}); err != nil {
		return nil, false, fmt.Errorf("attach child: %w", err)
	}
	return child, created, nil
}

// ListStale returns tasks the supervisor should reclaim.
func (s *TaskService) ListStale(ctx context.Context) ([]task.Task, error) {
	now := s.now().UTC()
	return s.store.ListStale(ctx, now, now.Add(-s.leaseTTL))
}

// ListOverBudget returns live tasks queued longer than budget ago.
func (s *TaskService) ListOverBudget(ctx context.Context, budget time.Duration) ([]task.Task, error) {
	return s.store.ListOverBudget(ctx, s.now().UTC().Add(-budget))
}
