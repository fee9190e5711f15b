package redis_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"

	"github.com/QuinnGao/AI-Subtitle-Learner/internal/adapter/redis"
	"github.com/QuinnGao/AI-Subtitle-Learner/internal/config"
	"github.com/QuinnGao/AI-Subtitle-Learner/internal/middleware/responsetest"
	"github.com/QuinnGao/AI-Subtitle-Learner/internal/port/cache/cachetest"
)

func testClient(t *testing.T) *goredis.Client {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("requires REDIS_ADDR")
	}
	client, err := redis.NewClient(context.Background(), config.Redis{Addr: addr})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestCacheConformance(t *testing.T) {
	client := testClient(t)
	prefix := fmt.Sprintf("sublearn:test:%d:", time.Now().UnixNano())
	cachetest.Run(t, redis.New(client, prefix))
}

func TestResponsesConformance(t *testing.T) {
	client := testClient(t)
	prefix := fmt.Sprintf("sublearn:test-idem:%d:", time.Now().UnixNano())
	responsetest.Run(t, redis.NewResponses(client, prefix))
}
