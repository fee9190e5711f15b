package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/QuinnGao/AI-Subtitle-Learner/internal/config"
)

func TestNewAttachesServiceAndContextIDs(t *testing.T) {
	var buf bytes.Buffer
	l, closer := NewWithWriter(config.Logging{Level: "debug", Service: "test-svc"}, &buf)
	defer closer.Close()

	ctx := WithTaskID(WithRequestID(context.Background(), "req-1"), "task-9")
	l.InfoContext(ctx, "claimed", "stage", "download")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "test-svc", rec["service"])
	assert.Equal(t, "req-1", rec["request_id"])
	assert.Equal(t, "task-9", rec["task_id"])
	assert.Equal(t, "download", rec["stage"])
}

func TestNewAsyncFlushesOnClose(t *testing.T) {
	var buf bytes.Buffer
	l, closer := NewWithWriter(config.Logging{Level: "info", Service: "svc", Async: true}, &buf)
	l.Info("one")
	l.Debug("filtered")
	closer.Close()

	assert.Contains(t, buf.String(), `"msg":"one"`)
	assert.NotContains(t, buf.String(), "filtered")
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"debug", "DEBUG"},
		{"info", "INFO"},
		{"warn", "WARN"},
		{"warning", "WARN"},
		{"error", "ERROR"},
		{"unknown", "INFO"},
		{"", "INFO"},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.want, parseLevel(tt.input).String())
		})
	}
}

func TestContextIDs(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, RequestID(ctx))
	assert.Empty(t, TaskID(ctx))

	ctx = WithRequestID(ctx, "req-123")
	assert.Equal(t, "req-123", RequestID(ctx))
}
