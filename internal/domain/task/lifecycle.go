package task

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/QuinnGao/AI-Subtitle-Learner/internal/domain"
)

// ErrUnchanged is returned by lifecycle methods whose effect is already in
// place. Callers treat it as success and skip the write.
var ErrUnchanged = errors.New("unchanged")

// ErrLeaseHeld is returned when another holder has an unexpired lease.
var ErrLeaseHeld = errors.New("lease held by another worker")

var allowedTransitions = map[Status]map[Status]struct{}{
	StatusPending: {
		StatusRunning:   {},
		StatusCancelled: {},
		StatusFailed:    {},
	},
	StatusRunning: {
		StatusPending:   {},
		StatusCompleted: {},
		StatusFailed:    {},
		StatusCancelled: {},
	},
}

func canTransition(from, to Status) bool {
	_, ok := allowedTransitions[from][to]
	return ok
}

func invalid(from, to Status) error {
	return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, from, to)
}

// Transition moves the task into a terminal status. Repeating the current
// terminal status is a no-op.
func (t *Task) Transition(to Status, errMsg string, now time.Time) error {
	if !to.IsTerminal() {
		return invalid(t.Status, to)
	}
	if t.Status.IsTerminal() {
		if t.Status == to {
			return ErrUnchanged
		}
		return invalid(t.Status, to)
	}
	if !canTransition(t.Status, to) {
		return invalid(t.Status, to)
	}

	t.Status = to
	t.Lease = nil
	completed := now
	t.CompletedAt = &completed
	switch to {
	case StatusCompleted:
		t.Progress = 100
		t.Message = "completed"
		t.Error = ""
	case StatusFailed:
		t.Message = "failed"
		t.Error = errMsg
	case StatusCancelled:
		t.Message = "cancelled"
	}
	return nil
}

// ApplyProgress records progress for a running task. Values below the stored
// progress are clamped up; values above 100 are clamped down.
func (t *Task) ApplyProgress(progress int, message string) error {
	if t.Status != StatusRunning {
		return fmt.Errorf("%w: progress update on %s task", domain.ErrInvalidTransition, t.Status)
	}
	progress = max(progress, t.Progress)
	progress = min(progress, 100)
	if progress == t.Progress && (message == "" || message == t.Message) {
		return ErrUnchanged
	}
	t.Progress = progress
	if message != "" {
		t.Message = message
	}
	return nil
}

// HoldsLease reports whether holder currently owns the lease.
func (t *Task) HoldsLease(holder string) bool {
	return t.Lease != nil && t.Lease.HolderID == holder
}

// AcquireLease claims the task for holder. The first acquisition moves a
// pending task to running and stamps started_at.
func (t *Task) AcquireLease(holder string, ttl time.Duration, now time.Time) error {
	if t.Status.IsTerminal() {
		return invalid(t.Status, StatusRunning)
	}
	if t.Lease != nil && t.Lease.ExpiresAt.After(now) {
		return ErrLeaseHeld
	}
	if t.Status == StatusPending {
		t.Status = StatusRunning
	}
	if t.StartedAt == nil {
		started := now
		t.StartedAt = &started
	}
	t.Lease = &Lease{HolderID: holder, ExpiresAt: now.Add(ttl)}
	return nil
}

// RenewLease extends holder's lease.
func (t *Task) RenewLease(holder string, ttl time.Duration, now time.Time) error {
	if t.Status != StatusRunning || !t.HoldsLease(holder) {
		return domain.ErrLeaseLost
	}
	t.Lease.ExpiresAt = now.Add(ttl)
	return nil
}

// ReleaseLease drops holder's lease. Releasing a lease not held is a no-op.
func (t *Task) ReleaseLease(holder string) error {
	if !t.HoldsLease(holder) {
		return ErrUnchanged
	}
	t.Lease = nil
	return nil
}

// Requeue hands a running task back to pending for a delayed retry.
// Progress is kept.
func (t *Task) Requeue(holder, message string) error {
	if t.Status != StatusRunning || !t.HoldsLease(holder) {
		return domain.ErrLeaseLost
	}
	t.Status = StatusPending
	t.Lease = nil
	if message != "" {
		t.Message = message
	}
	return nil
}

// AdvanceStage moves a running task to its next step and releases the
// lease so the worker on the next stage queue can claim it.
func (t *Task) AdvanceStage(holder string, next Step) error {
	if t.Status != StatusRunning || !t.HoldsLease(holder) {
		return domain.ErrLeaseLost
	}
	t.Stage = next.Stage
	t.Lease = nil
	return nil
}

// Reclaim returns a running task whose lease expired (or which has sat
// without a lease since orphanBefore) to pending. A task with a pending
// cancel request is cancelled instead.
func (t *Task) Reclaim(now, orphanBefore time.Time) error {
	if t.Status != StatusRunning || t.Stage == "" {
		return ErrUnchanged
	}
	expired := t.Lease != nil && !t.Lease.ExpiresAt.After(now)
	orphaned := t.Lease == nil && t.UpdatedAt.Before(orphanBefore)
	if !expired && !orphaned {
		return ErrUnchanged
	}
	if t.CancelRequested {
		return t.Transition(StatusCancelled, "", now)
	}
	t.Status = StatusPending
	t.Lease = nil
	t.Message = "worker lease expired, requeued"
	return nil
}

// RequestCancel cancels a pending task immediately and flags a running one
// for cooperative cancellation.
func (t *Task) RequestCancel(now time.Time) error {
	switch t.Status {
	case StatusPending:
		return t.Transition(StatusCancelled, "", now)
	case StatusRunning:
		if t.CancelRequested {
			return ErrUnchanged
		}
		t.CancelRequested = true
		t.Message = "cancelling"
		return nil
	case StatusCancelled:
		return ErrUnchanged
	default:
		return invalid(t.Status, StatusCancelled)
	}
}

// Start moves a pending task that runs no stage of its own, such as a
// batch, to running. It takes no lease.
func (t *Task) Start(now time.Time) error {
	if t.Stage != "" {
		return fmt.Errorf("%w: %s task runs stage %s", domain.ErrInvalidTransition, t.Type, t.Stage)
	}
	switch t.Status {
	case StatusRunning:
		return ErrUnchanged
	case StatusPending:
	default:
		return invalid(t.Status, StatusRunning)
	}
	t.Status = StatusRunning
	started := now
	t.StartedAt = &started
	t.Message = "running"
	return nil
}

// AttachChild appends a spawned child id once.
func (t *Task) AttachChild(childID string) error {
	if slices.Contains(t.ChildIDs, childID) {
		return ErrUnchanged
	}
	t.ChildIDs = append(t.ChildIDs, childID)
	return nil
}

// SetOutput records a named artifact reference.
func (t *Task) SetOutput(name, ref string) error {
	if t.OutputRefs[name] == ref {
		return ErrUnchanged
	}
	if t.OutputRefs == nil {
		t.OutputRefs = make(map[string]string)
	}
	t.OutputRefs[name] = ref
	return nil
}

// Clone returns a deep copy safe to mutate independently.
func (t *Task) Clone() *Task {
	c := *t
	c.InputParams = t.InputParams
	c.InputParams.URLs = slices.Clone(t.InputParams.URLs)
	if t.OutputRefs != nil {
		c.OutputRefs = make(map[string]string, len(t.OutputRefs))
		for k, v := range t.OutputRefs {
			c.OutputRefs[k] = v
		}
	}
	c.ChildIDs = slices.Clone(t.ChildIDs)
	if t.Lease != nil {
		l := *t.Lease
		c.Lease = &l
	}
	if t.StartedAt != nil {
		s := *t.StartedAt
		c.StartedAt = &s
	}
	if t.CompletedAt != nil {
		s := *t.CompletedAt
		c.CompletedAt = &s
	}
	return &c
}
