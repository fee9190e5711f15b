package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"path"

	"github.com/QuinnGao/AI-Subtitle-Learner/internal/domain"
	"github.com/QuinnGao/AI-Subtitle-Learner/internal/domain/stage"
	"github.com/QuinnGao/AI-Subtitle-Learner/internal/port/asr"
	"github.com/QuinnGao/AI-Subtitle-Learner/internal/port/objectstore"
)

// TranscribeStage sends the downloaded audio to the ASR engine and stores
// the transcript as JSON.
type TranscribeStage struct {
	objects objectstore.Store
	engine  asr.Engine
}

// NewTranscribeStage creates the transcribe stage handler.
func NewTranscribeStage(objects objectstore.Store, engine asr.Engine) *TranscribeStage {
	return &TranscribeStage{objects: objects, engine: engine}
}

func (s *TranscribeStage) Stage() stage.Stage { return stage.Transcribe }

func (s *TranscribeStage) Run(ctx context.Context, in stage.Input, report stage.ProgressFunc) (stage.Output, error) {
	ref := in.Params.AudioRef
	if a := in.Artifacts[stage.Download.ArtifactName()]; a != "" {
		ref = a
	}
	audio, err := s.objects.Get(ctx, ref)
	if err != nil {
		return stage.Output{}, storeError("audio not found", "object store unavailable", err)
	}
	defer audio.Close()

	report(10, "transcribing")
	transcript, err := s.engine.Transcribe(ctx, audio, path.Base(ref), in.Params.Language)
	if err != nil {
		return stage.Output{}, err
	}
	report(90, "saving transcript")

	body, err := json.Marshal(transcript)
	if err != nil {
		return stage.Output{}, domain.Fatal("could not encode transcript", err)
	}
	key := "transcripts/" + in.Fingerprint + ".json"
	if err := putOnce(ctx, s.objects, key, body, "application/json"); err != nil {
		return stage.Output{}, err
	}
	return stage.Output{Ref: key}, nil
}

// putOnce writes body under key unless it already exists. Artifact keys
// derive from fingerprints, so an existing body is identical.
func putOnce(ctx context.Context, objects objectstore.Store, key string, body []byte, contentType string) error {
	exists, err := objects.Exists(ctx, key)
	if err != nil {
		return domain.Transient("object store unavailable", err)
	}
	if exists {
		return nil
	}
	if err := objects.Put(ctx, key, bytes.NewReader(body), int64(len(body)), contentType); err != nil {
		return domain.Transient("object store unavailable", err)
	}
	return nil
}

func storeError(missing, unavailable string, err error) error {
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Fatal(missing, err)
	}
	return domain.Transient(unavailable, err)
}
