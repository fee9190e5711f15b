// Package identity registers the "none" translation provider, which
// leaves lines untranslated.
package identity

import (
	"context"

	"github.com/QuinnGao/AI-Subtitle-Learner/internal/port/translate"
)

func init() {
	translate.Register("none", func(map[string]string) (translate.Provider, error) {
		return Provider{}, nil
	})
}

// Provider returns its input unchanged.
type Provider struct{}

func (Provider) Name() string { return "none" }

func (Provider) Translate(_ context.Context, texts []string, _ string) ([]string, error) {
	out := make([]string, len(texts))
	copy(out, texts)
	return out, nil
}
