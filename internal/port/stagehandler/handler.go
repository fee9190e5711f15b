// Package stagehandler defines the contract between the worker pipeline
// and the code that performs one stage.
package stagehandler

import (
	"context"

	"github.com/QuinnGao/AI-Subtitle-Learner/internal/domain/stage"
)

// Handler runs one stage for one task. Errors should be classified with
// domain.Transient or domain.Fatal; unclassified errors count as fatal.
// Handlers must return promptly once ctx is done.
type Handler interface {
	Stage() stage.Stage
	Run(ctx context.Context, in stage.Input, report stage.ProgressFunc) (stage.Output, error)
}

// Variant is implemented by handlers whose configuration changes the
// artifact they produce. The value is folded into the fingerprint.
type Variant interface {
	CacheVariant() string
}

// VariantOf returns h's cache variant, or "" if it has none.
func VariantOf(h Handler) string {
	if v, ok := h.(Variant); ok {
		return v.CacheVariant()
	}
	return ""
}
