// Package cachetest holds the conformance suite every cache.Cache
// implementation must pass.
package cachetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/QuinnGao/AI-Subtitle-Learner/internal/domain/artifact"
	"github.com/QuinnGao/AI-Subtitle-Learner/internal/port/cache"
)

// Run exercises c. Each call must receive an empty cache; keys are
// prefixed with the test name so shared backends stay isolated.
func Run(t *testing.T, c cache.Cache) {
	t.Helper()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	key := func(s string) string { return "transcribe-" + s }

	t.Run("Miss", func(t *testing.T) {
		_, found, err := c.Get(ctx, key("missing"))
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("PutThenGet", func(t *testing.T) {
		won, err := c.PutIfAbsent(ctx, artifact.Entry{Fingerprint: key("put"), ArtifactRef: "transcripts/a.json", CreatedAt: now})
		require.NoError(t, err)
		assert.Equal(t, "transcripts/a.json", won.ArtifactRef)

		got, found, err := c.Get(ctx, key("put"))
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, "transcripts/a.json", got.ArtifactRef)
	})

	t.Run("FirstWriterWins", func(t *testing.T) {
		_, err := c.PutIfAbsent(ctx, artifact.Entry{Fingerprint: key("fww"), ArtifactRef: "first", CreatedAt: now})
		require.NoError(t, err)
		won, err := c.PutIfAbsent(ctx, artifact.Entry{Fingerprint: key("fww"), ArtifactRef: "second", CreatedAt: now.Add(time.Second)})
		require.NoError(t, err)
		assert.Equal(t, "first", won.ArtifactRef)

		got, _, err := c.Get(ctx, key("fww"))
		require.NoError(t, err)
		assert.Equal(t, "first", got.ArtifactRef)
	})

	t.Run("ConcurrentWritersAgree", func(t *testing.T) {
		const writers = 8
		var wg sync.WaitGroup
		results := make([]string, writers)
		errs := make([]error, writers)
		for i := range writers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				won, err := c.PutIfAbsent(ctx, artifact.Entry{
					Fingerprint: key("race"),
					ArtifactRef: fmt.Sprintf("ref-%d", i),
					CreatedAt:   now,
				})
				results[i], errs[i] = won.ArtifactRef, err
			}()
		}
		wg.Wait()
		for i := range writers {
			require.NoError(t, errs[i])
			assert.Equal(t, results[0], results[i], "all writers must observe one winner")
		}
		got, _, err := c.Get(ctx, key("race"))
		require.NoError(t, err)
		assert.Equal(t, results[0], got.ArtifactRef)
	})
}
