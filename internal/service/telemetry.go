package service

import (
	"context"
	"time"

	"github.com/QuinnGao/AI-Subtitle-Learner/internal/domain/stage"
	"github.com/QuinnGao/AI-Subtitle-Learner/internal/domain/task"
)

// Telemetry receives service-level measurements. The otel adapter provides
// the production implementation.
type Telemetry interface {
	TaskSubmitted(ctx context.Context, typ task.Type)
	TaskFinalized(ctx context.Context, typ task.Type, status task.Status)
	StageFinished(ctx context.Context, s stage.Stage, outcome string, d time.Duration)
	CacheLookup(ctx context.Context, s stage.Stage, hit bool)
	Retried(ctx context.Context, s stage.Stage)
	DeadLettered(ctx context.Context, s stage.Stage)
	LeaseReclaimed(ctx context.Context)
	BackpressureRejected(ctx context.Context, s stage.Stage)
	// StartStage opens a trace span around one stage execution.
	StartStage(ctx context.Context, s stage.Stage, taskID string, attempt int) (context.Context, func(err error))
}

type nopTelemetry struct{}

func (nopTelemetry) TaskSubmitted(context.Context, task.Type)                          {}
func (nopTelemetry) TaskFinalized(context.Context, task.Type, task.Status)             {}
func (nopTelemetry) StageFinished(context.Context, stage.Stage, string, time.Duration) {}
func (nopTelemetry) CacheLookup(context.Context, stage.Stage, bool)                    {}
func (nopTelemetry) Retried(context.Context, stage.Stage)                              {}
func (nopTelemetry) DeadLettered(context.Context, stage.Stage)                         {}
func (nopTelemetry) LeaseReclaimed(context.Context)                                    {}
func (nopTelemetry) BackpressureRejected(context.Context, stage.Stage)                 {}
func (nopTelemetry) StartStage(ctx context.Context, _ stage.Stage, _ string, _ int) (context.Context, func(error)) {
	return ctx, func(error) {}
}

// NopTelemetry discards all measurements.
var NopTelemetry Telemetry = nopTelemetry{}
