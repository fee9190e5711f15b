package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/QuinnGao/AI-Subtitle-Learner/internal/domain"
	"github.com/QuinnGao/AI-Subtitle-Learner/internal/domain/stage"
)

// StartStage starts a span for one stage execution. The returned func ends
// it, recording err and its classification when non-nil.
func (t *Telemetry) StartStage(ctx context.Context, s stage.Stage, taskID string, attempt int) (context.Context, func(error)) {
	ctx, span := t.tracer.Start(ctx, "stage."+string(s),
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("task.id", taskID),
			attribute.String("stage", string(s)),
			attribute.Int("attempt", attempt),
		),
	)
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetAttributes(attribute.String("error.class", domain.Classify(err).String()))
			span.SetStatus(codes.Error, domain.Sanitize(err))
		}
		span.End()
	}
}
