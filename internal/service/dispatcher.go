package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/QuinnGao/AI-Subtitle-Learner/internal/domain"
	"github.com/QuinnGao/AI-Subtitle-Learner/internal/domain/deadletter"
	"github.com/QuinnGao/AI-Subtitle-Learner/internal/domain/stage"
	"github.com/QuinnGao/AI-Subtitle-Learner/internal/port/alert"
	"github.com/QuinnGao/AI-Subtitle-Learner/internal/port/database"
	"github.com/QuinnGao/AI-Subtitle-Learner/internal/port/messagequeue"
	"github.com/QuinnGao/AI-Subtitle-Learner/internal/resilience"
)

// Dispatcher routes stage messages onto per-stage queues and owns the
// retry and dead-letter policy.
type Dispatcher struct {
	queue     messagequeue.Queue
	store     database.Store
	policy    resilience.Policy
	maxDepth  int
	telemetry Telemetry
	alerts    Alerter
	now       func() time.Time
}

// NewDispatcher creates a Dispatcher. maxDepth <= 0 disables the depth bound.
func NewDispatcher(queue messagequeue.Queue, store database.Store, policy resilience.Policy, maxDepth int) *Dispatcher {
	return &Dispatcher{
		queue:     queue,
		store:     store,
		policy:    policy,
		maxDepth:  maxDepth,
		telemetry: NopTelemetry,
		alerts:    nopAlerter{},
		now:       time.Now,
	}
}

// SetTelemetry installs a telemetry sink.
func (d *Dispatcher) SetTelemetry(t Telemetry) { d.telemetry = t }

// SetAlerts installs the operator alert sink.
func (d *Dispatcher) SetAlerts(a Alerter) { d.alerts = a }

// Policy returns the retry policy in effect.
func (d *Dispatcher) Policy() resilience.Policy { return d.policy }

// CheckCapacity fails with domain.ErrBackpressure when the stage queue is
// at its depth bound.
func (d *Dispatcher) CheckCapacity(ctx context.Context, s stage.Stage) error {
	if d.maxDepth <= 0 {
		return nil
	}
	depth, err := d.queue.Depth(ctx, s.Subject())
	if err != nil {
		return fmt.Errorf("queue depth %s: %w", s, err)
	}
	if depth >= d.maxDepth {
		d.telemetry.BackpressureRejected(ctx, s)
		return fmt.Errorf("%s queue holds %d messages: %w", s, depth, domain.ErrBackpressure)
	}
	return nil
}

// Enqueue publishes the first attempt of stage s for a task. It fails fast
// with domain.ErrBackpressure when the stage queue is full.
func (d *Dispatcher) Enqueue(ctx context.Context, taskID string, s stage.Stage, payload json.RawMessage) error {
	if err := d.CheckCapacity(ctx, s); err != nil {
		return err
	}
	return d.publish(ctx, messagequeue.StageMessage{TaskID: taskID, Stage: s, Payload: payload, AttemptCount: 1})
}

func (d *Dispatcher) publish(ctx context.Context, msg messagequeue.StageMessage) error {
	subject, data, err := messagequeue.Encode(msg)
	if err != nil {
		return err
	}
	if err := d.queue.Publish(ctx, subject, data); err != nil {
		if errors.Is(err, messagequeue.ErrQueueFull) {
			d.telemetry.BackpressureRejected(ctx, msg.Stage)
			return fmt.Errorf("publish %s: %w", subject, domain.ErrBackpressure)
		}
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	slog.Debug("stage message published", "task_id", msg.TaskID, "stage", msg.Stage, "attempt", msg.AttemptCount)
	return nil
}

// Retry schedules the next attempt of msg after the policy's backoff, or
// dead-letters it when the attempt budget is spent. exhausted reports the
// latter. Retries bypass the depth bound: work already admitted is never
// dropped for capacity.
func (d *Dispatcher) Retry(ctx context.Context, msg messagequeue.StageMessage, cause error) (exhausted bool, err error) {
	if d.policy.Exhausted(msg.AttemptCount) {
		return true, d.DeadLetter(ctx, msg, cause)
	}
	next := msg
	next.AttemptCount = msg.AttemptCount + 1
	notBefore := d.now().UTC().Add(d.policy.Delay(msg.AttemptCount))
	next.NotBefore = &notBefore

	if err := d.publish(ctx, next); err != nil {
		return false, err
	}
	d.telemetry.Retried(ctx, msg.Stage)
	slog.Warn("stage scheduled for retry",
		"task_id", msg.TaskID, "stage", msg.Stage,
		"attempt", next.AttemptCount, "not_before", notBefore, "error", cause)
	return false, nil
}

// Reenqueue publishes a fresh attempt for a reclaimed task, bypassing the
// depth bound.
func (d *Dispatcher) Reenqueue(ctx context.Context, taskID string, s stage.Stage) error {
	return d.publish(ctx, messagequeue.StageMessage{TaskID: taskID, Stage: s, AttemptCount: 1})
}

// DeadLetter records msg for operator inspection and mirrors it onto the
// stage's dead-letter subject. The raw cause is kept only in the record.
func (d *Dispatcher) DeadLetter(ctx context.Context, msg messagequeue.StageMessage, cause error) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	dl := &deadletter.DeadLetter{
		ID:           uuid.NewString(),
		TaskID:       msg.TaskID,
		Stage:        msg.Stage,
		Payload:      payload,
		AttemptCount: msg.AttemptCount,
		Class:        domain.Classify(cause).String(),
		CreatedAt:    d.now().UTC(),
	}
	if cause != nil {
		dl.Error = cause.Error()
	}
	if err := d.store.CreateDeadLetter(ctx, dl); err != nil {
		return fmt.Errorf("store dead letter: %w", err)
	}
	if err := d.queue.Publish(ctx, msg.Stage.DeadLetterSubject(), payload); err != nil {
		slog.Warn("dead letter mirror publish failed", "task_id", msg.TaskID, "stage", msg.Stage, "error", err)
	}
	d.telemetry.DeadLettered(ctx, msg.Stage)
	slog.Error("stage message dead-lettered",
		"task_id", msg.TaskID, "stage", msg.Stage, "attempt", msg.AttemptCount, "class", dl.Class, "error", cause)
	d.alerts.Notify(ctx, alert.Alert{
		Event:   alert.EventDeadLetter,
		Level:   "error",
		Title:   fmt.Sprintf("%s message dead-lettered", msg.Stage),
		Message: fmt.Sprintf("attempt %d, class %s: %s", msg.AttemptCount, dl.Class, dl.Error),
		TaskID:  msg.TaskID,
		Stage:   string(msg.Stage),
	})
	return nil
}

// ListDeadLetters returns the newest dead letters first.
func (d *Dispatcher) ListDeadLetters(ctx context.Context, limit int) ([]deadletter.DeadLetter, error) {
	return d.store.ListDeadLetters(ctx, limit)
}

// GetDeadLetter returns one dead letter by ID.
func (d *Dispatcher) GetDeadLetter(ctx context.Context, id string) (*deadletter.DeadLetter, error) {
	return d.store.GetDeadLetter(ctx, id)
}

// QueueConnected reports transport connectivity for health checks.
func (d *Dispatcher) QueueConnected() bool { return d.queue.IsConnected() }
