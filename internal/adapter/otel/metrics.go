package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/QuinnGao/AI-Subtitle-Learner/internal/domain/stage"
	"github.com/QuinnGao/AI-Subtitle-Learner/internal/domain/task"
)

const instrumentationName = "sublearn"

// Telemetry implements service.Telemetry with OTEL instruments.
type Telemetry struct {
	tracer trace.Tracer

	submitted    metric.Int64Counter
	finalized    metric.Int64Counter
	stageRuns    metric.Int64Counter
	stageSeconds metric.Float64Histogram
	cacheLookups metric.Int64Counter
	retries      metric.Int64Counter
	deadLetters  metric.Int64Counter
	reclaims     metric.Int64Counter
	rejected     metric.Int64Counter
}

// NewTelemetry creates all instruments on mp and tp. Pass otel.GetMeterProvider()
// and otel.GetTracerProvider() after Init.
func NewTelemetry(mp metric.MeterProvider, tp trace.TracerProvider) (*Telemetry, error) {
	meter := mp.Meter(instrumentationName)
	t := &Telemetry{tracer: tp.Tracer(instrumentationName)}
	var err error

	if t.submitted, err = meter.Int64Counter("sublearn.tasks.submitted",
		metric.WithDescription("Tasks accepted by POST /task")); err != nil {
		return nil, err
	}
	if t.finalized, err = meter.Int64Counter("sublearn.tasks.finalized",
		metric.WithDescription("Tasks reaching a terminal status")); err != nil {
		return nil, err
	}
	if t.stageRuns, err = meter.Int64Counter("sublearn.stage.runs",
		metric.WithDescription("Stage executions by outcome")); err != nil {
		return nil, err
	}
	if t.stageSeconds, err = meter.Float64Histogram("sublearn.stage.duration_seconds",
		metric.WithDescription("Stage execution time in seconds"), metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if t.cacheLookups, err = meter.Int64Counter("sublearn.cache.lookups",
		metric.WithDescription("Artifact cache lookups by result")); err != nil {
		return nil, err
	}
	if t.retries, err = meter.Int64Counter("sublearn.stage.retries",
		metric.WithDescription("Transient failures rescheduled with backoff")); err != nil {
		return nil, err
	}
	if t.deadLetters, err = meter.Int64Counter("sublearn.stage.dead_letters",
		metric.WithDescription("Messages moved to the dead-letter store")); err != nil {
		return nil, err
	}
	if t.reclaims, err = meter.Int64Counter("sublearn.lease.reclaims",
		metric.WithDescription("Expired leases returned to pending")); err != nil {
		return nil, err
	}
	if t.rejected, err = meter.Int64Counter("sublearn.queue.backpressure",
		metric.WithDescription("Submissions rejected because a stage queue was full")); err != nil {
		return nil, err
	}
	return t, nil
}

func stageAttr(s stage.Stage) attribute.KeyValue { return attribute.String("stage", string(s)) }

func (t *Telemetry) TaskSubmitted(ctx context.Context, typ task.Type) {
	t.submitted.Add(ctx, 1, metric.WithAttributes(attribute.String("type", string(typ))))
}

func (t *Telemetry) TaskFinalized(ctx context.Context, typ task.Type, status task.Status) {
	t.finalized.Add(ctx, 1, metric.WithAttributes(
		attribute.String("type", string(typ)), attribute.String("status", string(status))))
}

func (t *Telemetry) StageFinished(ctx context.Context, s stage.Stage, outcome string, d time.Duration) {
	attrs := metric.WithAttributes(stageAttr(s), attribute.String("outcome", outcome))
	t.stageRuns.Add(ctx, 1, attrs)
	t.stageSeconds.Record(ctx, d.Seconds(), attrs)
}

func (t *Telemetry) CacheLookup(ctx context.Context, s stage.Stage, hit bool) {
	t.cacheLookups.Add(ctx, 1, metric.WithAttributes(stageAttr(s), attribute.Bool("hit", hit)))
}

func (t *Telemetry) Retried(ctx context.Context, s stage.Stage) {
	t.retries.Add(ctx, 1, metric.WithAttributes(stageAttr(s)))
}

func (t *Telemetry) DeadLettered(ctx context.Context, s stage.Stage) {
	t.deadLetters.Add(ctx, 1, metric.WithAttributes(stageAttr(s)))
}

func (t *Telemetry) LeaseReclaimed(ctx context.Context) {
	t.reclaims.Add(ctx, 1)
}

func (t *Telemetry) BackpressureRejected(ctx context.Context, s stage.Stage) {
	t.rejected.Add(ctx, 1, metric.WithAttributes(stageAttr(s)))
}
