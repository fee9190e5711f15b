package service

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/QuinnGao/AI-Subtitle-Learner/internal/domain"
	"github.com/QuinnGao/AI-Subtitle-Learner/internal/domain/task"
)

// StartBatch moves a batch parent to running.
func (s *TaskService) StartBatch(ctx context.Context, id string) (*task.Task, error) {
	t, _, err := s.mutate(ctx, id, func(t *task.Task, now time.Time) error {
		return t.Start(now)
	})
	return t, err
}

// SpawnItem creates (or re-finds) the child for item i of a batch parent.
func (s *TaskService) SpawnItem(ctx context.Context, parent *task.Task, i int) (*task.Task, bool, error) {
	params, err := task.ItemParams(parent, i)
	if err != nil {
		return nil, false, err
	}
	return s.spawn(ctx, parent, task.ItemType, string(task.ItemType)+":"+strconv.Itoa(i), params)
}

// settleParent finalizes child's batch parent once every item is terminal.
// Concurrent settlements converge: re-finalizing with the same status is a
// no-op.
func (s *TaskService) settleParent(ctx context.Context, child *task.Task) {
	if child.ParentID == "" {
		return
	}
	ctx = context.WithoutCancel(ctx)
	parent, err := s.store.GetTask(ctx, child.ParentID)
	if err != nil {
		slog.Error("load batch parent", "task_id", child.ID, "parent_id", child.ParentID, "error", err)
		return
	}
	if parent.Type != task.TypeBatch || parent.Status.IsTerminal() {
		return
	}
	children, err := s.store.ListChildren(ctx, parent.ID)
	if err != nil {
		slog.Error("list batch items", "parent_id", parent.ID, "error", err)
		return
	}
	status, msg, done := task.Settle(parent, children)
	if !done {
		return
	}
	if _, err := s.Transition(ctx, parent.ID, "", status, msg); err != nil && !errors.Is(err, domain.ErrInvalidTransition) {
		slog.Error("settle batch", "parent_id", parent.ID, "status", status, "error", err)
	}
}

// cancelItems forwards a cancel request on a batch to each of its items.
func (s *TaskService) cancelItems(ctx context.Context, parent *task.Task) {
	ctx = context.WithoutCancel(ctx)
	for _, id := range parent.ChildIDs {
		if _, err := s.RequestCancel(ctx, id); err != nil && !errors.Is(err, domain.ErrInvalidTransition) {
			slog.Error("cancel batch item", "parent_id", parent.ID, "task_id", id, "error", err)
		}
	}
}
