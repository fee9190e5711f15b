package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/QuinnGao/AI-Subtitle-Learner/internal/domain"
	"github.com/QuinnGao/AI-Subtitle-Learner/internal/domain/task"
	"github.com/QuinnGao/AI-Subtitle-Learner/internal/port/alert"
)

// Supervisor periodically reclaims tasks whose worker vanished and fails
// tasks that outlived their wall-clock budget.
type Supervisor struct {
	tasks      *TaskService
	dispatcher *Dispatcher
	interval   time.Duration
	budget     time.Duration
	telemetry  Telemetry
	alerts     Alerter
}

// NewSupervisor creates a Supervisor. budget <= 0 disables the wall-clock check.
func NewSupervisor(tasks *TaskService, dispatcher *Dispatcher, interval, budget time.Duration) *Supervisor {
	return &Supervisor{tasks: tasks, dispatcher: dispatcher, interval: interval, budget: budget, telemetry: NopTelemetry, alerts: nopAlerter{}}
}

// SetTelemetry installs a telemetry sink.
func (s *Supervisor) SetTelemetry(t Telemetry) { s.telemetry = t }

// SetAlerts installs the operator alert sink.
func (s *Supervisor) SetAlerts(a Alerter) { s.alerts = a }

// Run sweeps every interval until ctx is done.
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one reclaim and budget pass.
func (s *Supervisor) Sweep(ctx context.Context) {
	if s.budget > 0 {
		s.enforceBudget(ctx)
	}
	s.reclaim(ctx)
}

func (s *Supervisor) reclaim(ctx context.Context) {
	stale, err := s.tasks.ListStale(ctx)
	if err != nil {
		slog.Error("list stale tasks failed", "error", err)
		return
	}
	for i := range stale {
		t, changed, err := s.tasks.Reclaim(ctx, stale[i].ID)
		if err != nil {
			slog.Error("reclaim task failed", "task_id", stale[i].ID, "error", err)
			continue
		}
		if !changed || t.Status != task.StatusPending {
			continue
		}
		s.telemetry.LeaseReclaimed(ctx)
		if err := s.dispatcher.Reenqueue(ctx, t.ID, t.Stage); err != nil {
			slog.Error("re-enqueue reclaimed task failed", "task_id", t.ID, "stage", t.Stage, "error", err)
			continue
		}
		slog.Warn("task reclaimed after lease expiry", "task_id", t.ID, "stage", t.Stage, "progress", t.Progress)
	}
}

func (s *Supervisor) enforceBudget(ctx context.Context) {
	over, err := s.tasks.ListOverBudget(ctx, s.budget)
	if err != nil {
		slog.Error("list over-budget tasks failed", "error", err)
		return
	}
	for i := range over {
		_, err := s.tasks.Transition(ctx, over[i].ID, "", task.StatusFailed, "fatal: wall-clock budget exceeded")
		if err != nil {
			if !errors.Is(err, domain.ErrInvalidTransition) {
				slog.Error("fail over-budget task", "task_id", over[i].ID, "error", err)
			}
			continue
		}
		s.alerts.Notify(ctx, alert.Alert{
			Event:   alert.EventBudgetExceeded,
			Level:   "warning",
			Title:   "task exceeded wall-clock budget",
			Message: fmt.Sprintf("failed after %s in stage %s", s.budget, over[i].Stage),
			TaskID:  over[i].ID,
			Stage:   string(over[i].Stage),
		})
	}
}
