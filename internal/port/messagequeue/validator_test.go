package messagequeue

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/QuinnGao/AI-Subtitle-Learner/internal/domain/stage"
)

func TestDecodeValid(t *testing.T) {
	msg, err := Decode("stages.download", []byte(`{"task_id":"t1","stage":"download","attempt_count":2}`))
	require.NoError(t, err)
	assert.Equal(t, "t1", msg.TaskID)
	assert.Equal(t, stage.Download, msg.Stage)
	assert.Equal(t, 2, msg.AttemptCount)
}

func TestDecodeDefaultsAttempt(t *testing.T) {
	msg, err := Decode("stages.subtitle", []byte(`{"task_id":"t1","stage":"subtitle"}`))
	require.NoError(t, err)
	assert.Equal(t, 1, msg.AttemptCount)
}

func TestDecodeRejects(t *testing.T) {
	tests := []struct {
		name    string
		subject string
		data    string
	}{
		{"not json", "stages.download", `{"task_id":`},
		{"wrong type", "stages.download", `{"task_id":42,"stage":"download"}`},
		{"missing task", "stages.download", `{"stage":"download"}`},
		{"unknown stage", "stages.render", `{"task_id":"t","stage":"render"}`},
		{"subject mismatch", "stages.download", `{"task_id":"t","stage":"transcribe"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.subject, []byte(tt.data))
			assert.Error(t, err)
		})
	}
}

func TestEncodeRoutesByStage(t *testing.T) {
	nb := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	subject, data, err := Encode(StageMessage{TaskID: "t1", Stage: stage.Transcribe, AttemptCount: 1, NotBefore: &nb})
	require.NoError(t, err)
	assert.Equal(t, "stages.transcribe", subject)

	msg, err := Decode(subject, data)
	require.NoError(t, err)
	require.NotNil(t, msg.NotBefore)
	assert.True(t, nb.Equal(*msg.NotBefore))
}

func TestAsDefer(t *testing.T) {
	d, ok := AsDefer(fmt.Errorf("gate: %w", Defer(3*time.Second)))
	assert.True(t, ok)
	assert.Equal(t, 3*time.Second, d)

	_, ok = AsDefer(errors.New("boom"))
	assert.False(t, ok)
}
