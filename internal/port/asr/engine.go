// Package asr defines the speech recognition collaborator port.
package asr

import (
	"context"
	"io"

	"github.com/QuinnGao/AI-Subtitle-Learner/internal/domain/subtitle"
)

// Engine turns audio into a timed transcript.
type Engine interface {
	Transcribe(ctx context.Context, audio io.Reader, filename, language string) (*subtitle.Transcript, error)
}
