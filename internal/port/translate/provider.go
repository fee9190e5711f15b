// Package translate defines the translation provider port and its registry.
package translate

import "context"

// Provider translates a batch of lines into target. The result has the
// same length and order as texts.
type Provider interface {
	Name() string
	Translate(ctx context.Context, texts []string, target string) ([]string, error)
}
