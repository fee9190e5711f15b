package otel

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/QuinnGao/AI-Subtitle-Learner/internal/config"
	"github.com/QuinnGao/AI-Subtitle-Learner/internal/domain"
	"github.com/QuinnGao/AI-Subtitle-Learner/internal/domain/stage"
	"github.com/QuinnGao/AI-Subtitle-Learner/internal/domain/task"
)

func newTestTelemetry(t *testing.T) (*Telemetry, *sdkmetric.ManualReader, *tracetest.SpanRecorder) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	tel, err := NewTelemetry(mp, tp)
	require.NoError(t, err)
	return tel, reader, sr
}

func counterTotal(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "%s is not an int64 sum", name)
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	return total
}

func TestTelemetryCounters(t *testing.T) {
	tel, reader, _ := newTestTelemetry(t)
	ctx := context.Background()

	tel.TaskSubmitted(ctx, task.TypeAnalysis)
	tel.TaskSubmitted(ctx, task.TypeAnalysis)
	tel.TaskFinalized(ctx, task.TypeAnalysis, task.StatusCompleted)
	tel.CacheLookup(ctx, stage.Download, true)
	tel.CacheLookup(ctx, stage.Download, false)
	tel.Retried(ctx, stage.Transcribe)
	tel.DeadLettered(ctx, stage.Transcribe)
	tel.LeaseReclaimed(ctx)
	tel.BackpressureRejected(ctx, stage.Download)
	tel.StageFinished(ctx, stage.Download, "completed", 2*time.Second)

	assert.Equal(t, int64(2), counterTotal(t, reader, "sublearn.tasks.submitted"))
	assert.Equal(t, int64(1), counterTotal(t, reader, "sublearn.tasks.finalized"))
	assert.Equal(t, int64(2), counterTotal(t, reader, "sublearn.cache.lookups"))
	assert.Equal(t, int64(1), counterTotal(t, reader, "sublearn.stage.retries"))
	assert.Equal(t, int64(1), counterTotal(t, reader, "sublearn.stage.dead_letters"))
	assert.Equal(t, int64(1), counterTotal(t, reader, "sublearn.lease.reclaims"))
	assert.Equal(t, int64(1), counterTotal(t, reader, "sublearn.queue.backpressure"))
	assert.Equal(t, int64(1), counterTotal(t, reader, "sublearn.stage.runs"))
}

func TestStartStageRecordsError(t *testing.T) {
	tel, _, sr := newTestTelemetry(t)

	_, end := tel.StartStage(context.Background(), stage.Transcribe, "t-1", 2)
	end(domain.Transient("speech recognition unavailable", errors.New("dial tcp: refused")))

	_, end = tel.StartStage(context.Background(), stage.Download, "t-2", 1)
	end(nil)

	spans := sr.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "stage.transcribe", spans[0].Name())
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Equal(t, "transient: speech recognition unavailable", spans[0].Status().Description)
	assert.Equal(t, codes.Unset, spans[1].Status().Code)
}

func TestInitDisabledIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), config.OTEL{Enabled: false})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestHTTPMiddlewarePassesThrough(t *testing.T) {
	h := HTTPMiddleware("test")(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
}
