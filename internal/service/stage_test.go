package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/QuinnGao/AI-Subtitle-Learner/internal/adapter/memory"
	"github.com/QuinnGao/AI-Subtitle-Learner/internal/domain"
	"github.com/QuinnGao/AI-Subtitle-Learner/internal/domain/stage"
	"github.com/QuinnGao/AI-Subtitle-Learner/internal/domain/subtitle"
)

type fakeASR struct {
	got string
	err error
}

func (f *fakeASR) Transcribe(_ context.Context, audio io.Reader, _, language string) (*subtitle.Transcript, error) {
	if f.err != nil {
		return nil, f.err
	}
	b, _ := io.ReadAll(audio)
	f.got = string(b)
	return &subtitle.Transcript{Language: language, Segments: []subtitle.Segment{{Start: 0, End: 2, Text: "hello world"}}}, nil
}

type upperProvider struct{ calls int }

func (p *upperProvider) Name() string { return "upper" }
func (p *upperProvider) Translate(_ context.Context, texts []string, _ string) ([]string, error) {
	p.calls++
	out := make([]string, len(texts))
	for i, t := range texts {
		out[i] = strings.ToUpper(t)
	}
	return out, nil
}

func nopReport(int, string) {}

func TestTranscribeStageStoresTranscript(t *testing.T) {
	ctx := context.Background()
	objects := memory.NewObjectStore()
	require.NoError(t, objects.Put(ctx, "audio/x.mp3", strings.NewReader("mp3-bytes"), 9, "audio/mpeg"))
	engine := &fakeASR{}

	out, err := NewTranscribeStage(objects, engine).Run(ctx, stage.Input{
		TaskID:      "t1",
		Fingerprint: "transcribe-abc",
		Params:      stage.Params{Language: "en"},
		Artifacts:   map[string]string{"audio": "audio/x.mp3"},
	}, nopReport)
	require.NoError(t, err)
	assert.Equal(t, "transcripts/transcribe-abc.json", out.Ref)
	assert.Equal(t, "mp3-bytes", engine.got)

	rc, err := objects.Get(ctx, out.Ref)
	require.NoError(t, err)
	defer rc.Close()
	var tr subtitle.Transcript
	require.NoError(t, json.NewDecoder(rc).Decode(&tr))
	assert.Equal(t, "en", tr.Language)
	require.Len(t, tr.Segments, 1)
}

func TestTranscribeStageClassifiesErrors(t *testing.T) {
	ctx := context.Background()
	objects := memory.NewObjectStore()

	_, err := NewTranscribeStage(objects, &fakeASR{}).Run(ctx, stage.Input{Params: stage.Params{AudioRef: "audio/missing.mp3"}}, nopReport)
	assert.Equal(t, domain.ClassFatal, domain.Classify(err))

	require.NoError(t, objects.Put(ctx, "audio/x.mp3", strings.NewReader("x"), 1, ""))
	engineErr := domain.Transient("asr rate limited", errors.New("429"))
	_, err = NewTranscribeStage(objects, &fakeASR{err: engineErr}).Run(ctx, stage.Input{Params: stage.Params{AudioRef: "audio/x.mp3"}}, nopReport)
	assert.Equal(t, domain.ClassTransient, domain.Classify(err))
}

func TestSubtitleStageTranslatesAndRenders(t *testing.T) {
	ctx := context.Background()
	objects := memory.NewObjectStore()
	body, err := json.Marshal(subtitle.Transcript{Language: "en", Segments: []subtitle.Segment{{Start: 0, End: 1.5, Text: "good morning"}}})
	require.NoError(t, err)
	require.NoError(t, objects.Put(ctx, "transcripts/a.json", strings.NewReader(string(body)), int64(len(body)), ""))

	provider := &upperProvider{}
	st := NewSubtitleStage(objects, provider, subtitle.Budget{MaxCJK: 25, MaxEnglish: 20})
	assert.Equal(t, "cjk25/en20/upper", st.CacheVariant())

	out, err := st.Run(ctx, stage.Input{
		Fingerprint: "subtitle-abc",
		Params:      stage.Params{TranscriptRef: "transcripts/a.json", NeedTranslate: true, TargetLanguage: "de"},
	}, nopReport)
	require.NoError(t, err)
	assert.Equal(t, "subtitles/subtitle-abc.srt", out.Ref)
	assert.Equal(t, 1, provider.calls)

	rc, err := objects.Get(ctx, out.Ref)
	require.NoError(t, err)
	defer rc.Close()
	srt, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Contains(t, string(srt), "good morning")
	assert.Contains(t, string(srt), "GOOD MORNING")
	assert.Contains(t, string(srt), "00:00:00,000 --> 00:00:01,500")
}

func TestSubtitleStageRejectsCorruptTranscript(t *testing.T) {
	ctx := context.Background()
	objects := memory.NewObjectStore()
	require.NoError(t, objects.Put(ctx, "transcripts/bad.json", strings.NewReader("{"), 1, ""))

	_, err := NewSubtitleStage(objects, &upperProvider{}, subtitle.Budget{MaxCJK: 25, MaxEnglish: 20}).
		Run(ctx, stage.Input{Params: stage.Params{TranscriptRef: "transcripts/bad.json"}}, nopReport)
	assert.Equal(t, domain.ClassFatal, domain.Classify(err))
}
