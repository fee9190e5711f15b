// Package responsetest holds the conformance suite for idempotency
// response stores.
package responsetest

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/QuinnGao/AI-Subtitle-Learner/internal/middleware"
)

// Run exercises s. Shared backends must pass a store whose keys are not
// used by any other test.
func Run(t *testing.T, s middleware.ResponseStore) {
	t.Helper()
	ctx := context.Background()

	t.Run("Miss", func(t *testing.T) {
		_, found, err := s.Get(ctx, "idem:missing")
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("ClaimThenReplace", func(t *testing.T) {
		ok, err := s.SetIfAbsent(ctx, "idem:claim", []byte(`{"pending":true}`), time.Minute)
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = s.SetIfAbsent(ctx, "idem:claim", []byte(`{"pending":true}`), time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, s.Set(ctx, "idem:claim", []byte(`{"status_code":202}`), time.Hour))
		val, found, err := s.Get(ctx, "idem:claim")
		require.NoError(t, err)
		require.True(t, found)
		assert.JSONEq(t, `{"status_code":202}`, string(val))
	})

	t.Run("DeleteReleases", func(t *testing.T) {
		ok, err := s.SetIfAbsent(ctx, "idem:release", []byte(`{"pending":true}`), time.Minute)
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, s.Delete(ctx, "idem:release"))

		_, found, err := s.Get(ctx, "idem:release")
		require.NoError(t, err)
		assert.False(t, found)

		ok, err = s.SetIfAbsent(ctx, "idem:release", []byte(`{"pending":true}`), time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("ClaimExpires", func(t *testing.T) {
		ok, err := s.SetIfAbsent(ctx, "idem:expire", []byte(`{"pending":true}`), 200*time.Millisecond)
		require.NoError(t, err)
		require.True(t, ok)

		assert.Eventually(t, func() bool {
			ok, err := s.SetIfAbsent(ctx, "idem:expire", []byte(`{"pending":true}`), time.Minute)
			return err == nil && ok
		}, 5*time.Second, 50*time.Millisecond)
	})

	t.Run("ConcurrentClaimsHaveOneWinner", func(t *testing.T) {
		var wins atomic.Int32
		var wg sync.WaitGroup
		for range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := s.SetIfAbsent(ctx, "idem:race", []byte(`{"pending":true}`), time.Minute)
				assert.NoError(t, err)
				if ok {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())
	})
}
