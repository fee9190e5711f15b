package domain

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	raw := errors.New("HTTP 503 from upstream: <html>...")
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"transient", Transient("asr rate limited", raw), ClassTransient},
		{"wrapped transient", fmt.Errorf("stage: %w", Transient("timeout", raw)), ClassTransient},
		{"fatal", Fatal("unsupported format", raw), ClassFatal},
		{"cancelled sentinel", fmt.Errorf("checkpoint: %w", ErrCancelled), ClassCancelled},
		{"context canceled", context.Canceled, ClassCancelled},
		{"deadline", context.DeadlineExceeded, ClassTransient},
		{"unclassified", raw, ClassFatal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestSanitizeDropsRawCause(t *testing.T) {
	raw := errors.New("provider said: secret-token-123")
	got := Sanitize(fmt.Errorf("run: %w", Transient("translation provider unavailable", raw)))
	assert.Equal(t, "transient: translation provider unavailable", got)
	assert.NotContains(t, got, "secret")

	assert.Equal(t, "fatal: internal error", Sanitize(raw))
	assert.Equal(t, "", Sanitize(nil))
}

func TestFromStatus(t *testing.T) {
	tests := []struct {
		status int
		want   Class
	}{
		{400, ClassFatal},
		{404, ClassFatal},
		{408, ClassTransient},
		{429, ClassTransient},
		{500, ClassTransient},
		{503, ClassTransient},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(FromStatus("asr failed", tt.status, assert.AnError)), tt.status)
	}
}
