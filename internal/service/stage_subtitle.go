package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/QuinnGao/AI-Subtitle-Learner/internal/domain"
	"github.com/QuinnGao/AI-Subtitle-Learner/internal/domain/stage"
	"github.com/QuinnGao/AI-Subtitle-Learner/internal/domain/subtitle"
	"github.com/QuinnGao/AI-Subtitle-Learner/internal/port/objectstore"
	"github.com/QuinnGao/AI-Subtitle-Learner/internal/port/translate"
)

const translateBatch = 20

// SubtitleStage splits a transcript into display lines, optionally
// translates them and renders an SRT file.
type SubtitleStage struct {
	objects  objectstore.Store
	provider translate.Provider
	budget   subtitle.Budget
}

// NewSubtitleStage creates the subtitle stage handler.
func NewSubtitleStage(objects objectstore.Store, provider translate.Provider, budget subtitle.Budget) *SubtitleStage {
	return &SubtitleStage{objects: objects, provider: provider, budget: budget}
}

func (s *SubtitleStage) Stage() stage.Stage { return stage.Subtitle }

// CacheVariant folds the line budget and translation provider into the
// fingerprint.
func (s *SubtitleStage) CacheVariant() string {
	return fmt.Sprintf("cjk%d/en%d/%s", s.budget.MaxCJK, s.budget.MaxEnglish, s.provider.Name())
}

func (s *SubtitleStage) Run(ctx context.Context, in stage.Input, report stage.ProgressFunc) (stage.Output, error) {
	ref := in.Params.TranscriptRef
	if a := in.Artifacts[stage.Transcribe.ArtifactName()]; a != "" {
		ref = a
	}
	tr, err := s.load(ctx, ref)
	if err != nil {
		return stage.Output{}, err
	}
	report(10, "splitting subtitles")
	segs := subtitle.Split(tr.Segments, s.budget)

	if in.Params.NeedTranslate {
		if err := s.translate(ctx, segs, in.Params.TargetLanguage, report); err != nil {
			return stage.Output{}, err
		}
	}

	report(95, "rendering subtitles")
	key := "subtitles/" + in.Fingerprint + ".srt"
	if err := putOnce(ctx, s.objects, key, []byte(subtitle.RenderSRT(segs)), "application/x-subrip"); err != nil {
		return stage.Output{}, err
	}
	return stage.Output{Ref: key}, nil
}

func (s *SubtitleStage) load(ctx context.Context, ref string) (*subtitle.Transcript, error) {
	rc, err := s.objects.Get(ctx, ref)
	if err != nil {
		return nil, storeError("transcript not found", "object store unavailable", err)
	}
	defer rc.Close()
	body, err := io.ReadAll(rc)
	if err != nil {
		return nil, domain.Transient("object store unavailable", err)
	}
	var tr subtitle.Transcript
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, domain.Fatal("transcript is not valid JSON", err)
	}
	return &tr, nil
}

func (s *SubtitleStage) translate(ctx context.Context, segs []subtitle.Segment, target string, report stage.ProgressFunc) error {
	for startIdx := 0; startIdx < len(segs); startIdx += translateBatch {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(startIdx+translateBatch, len(segs))
		texts := make([]string, 0, end-startIdx)
		for _, seg := range segs[startIdx:end] {
			texts = append(texts, seg.Text)
		}
		out, err := s.provider.Translate(ctx, texts, target)
		if err != nil {
			return err
		}
		if len(out) != len(texts) {
			return domain.Transient("translation returned a partial batch",
				fmt.Errorf("got %d lines for %d inputs", len(out), len(texts)))
		}
		for i, t := range out {
			segs[startIdx+i].Translation = t
		}
		report(10+80*end/len(segs), "translating subtitles")
	}
	return nil
}
