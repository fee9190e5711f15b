package task

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/QuinnGao/AI-Subtitle-Learner/internal/domain"
	"github.com/QuinnGao/AI-Subtitle-Learner/internal/domain/stage"
)

func TestAnalysisPipeline(t *testing.T) {
	p := TypeAnalysis.Pipeline()
	require.Len(t, p, 2)
	assert.Equal(t, stage.Download, TypeAnalysis.FirstStage())

	next, ok := TypeAnalysis.Next(stage.Download)
	require.True(t, ok)
	assert.Equal(t, stage.Transcribe, next.Stage)
	assert.Equal(t, 60, next.Band.Start)
	assert.Equal(t, TypeSubtitleProcessing, next.Spawn)

	_, ok = TypeAnalysis.Next(stage.Transcribe)
	assert.False(t, ok)

	assert.Equal(t, stage.Subtitle, TypeSubtitleProcessing.FirstStage())
}

func TestValidateParams(t *testing.T) {
	tests := []struct {
		name    string
		typ     Type
		params  stage.Params
		wantErr bool
	}{
		{"analysis ok", TypeAnalysis, stage.Params{URL: "https://youtu.be/abc"}, false},
		{"analysis missing url", TypeAnalysis, stage.Params{}, true},
		{"analysis bad scheme", TypeAnalysis, stage.Params{URL: "file:///etc/passwd"}, true},
		{"transcription ok", TypeTranscription, stage.Params{AudioRef: "audio/x.mp3"}, false},
		{"transcription missing ref", TypeTranscription, stage.Params{URL: "https://a.b/c"}, true},
		{"subtitle ok", TypeSubtitleProcessing, stage.Params{TranscriptRef: "t.json"}, false},
		{"translate needs target", TypeSubtitleProcessing, stage.Params{TranscriptRef: "t.json", NeedTranslate: true}, true},
		{"unknown type", Type("render"), stage.Params{}, true},
		{"batch ok", TypeBatch, stage.Params{URLs: []string{"https://youtu.be/a", "https://youtu.be/b"}}, false},
		{"batch empty", TypeBatch, stage.Params{}, true},
		{"batch bad url", TypeBatch, stage.Params{URLs: []string{"https://youtu.be/a", "ftp://x"}}, true},
		{"urls outside batch", TypeAnalysis, stage.Params{URL: "https://youtu.be/a", URLs: []string{"https://youtu.be/b"}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.typ.ValidateParams(tt.params)
			if tt.wantErr {
				assert.ErrorIs(t, err, domain.ErrValidation)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestValidateParamsNormalizes(t *testing.T) {
	p, err := TypeAnalysis.ValidateParams(stage.Params{URL: "https://youtu.be/abc", Language: "EN"})
	require.NoError(t, err)
	assert.Equal(t, "https://www.youtube.com/watch?v=abc", p.URL)
	assert.Equal(t, "en", p.Language)
}

func TestSnapshotProjection(t *testing.T) {
	tk := newAnalysis()
	s := tk.Snapshot()
	assert.Equal(t, "t-1", s.TaskID)
	assert.Equal(t, StatusPending, s.Status)
	assert.Equal(t, 0, s.Progress)
	assert.False(t, s.IsTerminal())
}
