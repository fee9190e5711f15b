package minio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/QuinnGao/AI-Subtitle-Learner/internal/config"
	"github.com/QuinnGao/AI-Subtitle-Learner/internal/domain"
)

func TestNormalizeEndpoint(t *testing.T) {
	tests := []struct {
		in     string
		secure bool
		want   string
	}{
		{"minio:9000", false, "minio:9000"},
		{"http://minio:9000", false, "minio:9000"},
		{"minio", false, "minio:9000"},
		{"s3.example.com", true, "s3.example.com:443"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, normalizeEndpoint(tt.in, tt.secure), tt.in)
	}
}

func TestStoreRoundTrip(t *testing.T) {
	endpoint := os.Getenv("MINIO_ENDPOINT")
	if endpoint == "" {
		t.Skip("requires MINIO_ENDPOINT")
	}
	ctx := context.Background()
	s, err := New(ctx, config.ObjectStore{
		Endpoint:  endpoint,
		AccessKey: os.Getenv("MINIO_ACCESS_KEY"),
		SecretKey: os.Getenv("MINIO_SECRET_KEY"),
		Bucket:    "sublearn-test",
	})
	require.NoError(t, err)

	key := fmt.Sprintf("transcripts/test-%d.json", time.Now().UnixNano())
	ok, err := s.Exists(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.Get(ctx, key)
	assert.True(t, errors.Is(err, domain.ErrNotFound))

	body := `{"segments":[]}`
	require.NoError(t, s.Put(ctx, key, strings.NewReader(body), int64(len(body)), "application/json"))

	ok, err = s.Exists(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)

	rc, err := s.Get(ctx, key)
	require.NoError(t, err)
	defer rc.Close()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, body, string(got))
}
