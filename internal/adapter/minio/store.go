// Package minio implements the object store port on an S3-compatible
// MinIO bucket.
package minio

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/QuinnGao/AI-Subtitle-Learner/internal/config"
	"github.com/QuinnGao/AI-Subtitle-Learner/internal/domain"
)

// Store keeps artifact bodies in a single bucket.
type Store struct {
	client *minio.Client
	bucket string
}

// normalizeEndpoint strips a scheme and fills in the default port, so both
// "http://minio:9000" and "minio" are accepted.
func normalizeEndpoint(endpoint string, secure bool) string {
	if strings.Contains(endpoint, "://") {
		if u, err := url.Parse(endpoint); err == nil {
			endpoint = u.Host
		}
	}
	if !strings.Contains(endpoint, ":") {
		if secure {
			return endpoint + ":443"
		}
		return endpoint + ":9000"
	}
	return endpoint
}

// New connects to MinIO and creates the bucket if it does not exist.
func New(ctx context.Context, cfg config.ObjectStore) (*Store, error) {
	endpoint := normalizeEndpoint(cfg.Endpoint, cfg.Secure)
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("minio bucket check %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("minio make bucket %s: %w", cfg.Bucket, err)
		}
		slog.Info("minio bucket created", "bucket", cfg.Bucket)
	}
	slog.Info("minio connected", "endpoint", endpoint, "bucket", cfg.Bucket)
	return &Store{client: client, bucket: cfg.Bucket}, nil
}

func isNoSuchKey(err error) bool {
	code := minio.ToErrorResponse(err).Code
	return code == "NoSuchKey" || code == "NotFound"
}

func (s *Store) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	_, err := s.client.PutObject(ctx, s.bucket, key, r, size, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("minio put %s: %w", key, err)
	}
	return nil
}

// Get stats the object first, since minio-go opens objects lazily and would
// otherwise report a missing key only on the first Read.
func (s *Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("minio get %s: %w", key, err)
	}
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		if isNoSuchKey(err) {
			return nil, fmt.Errorf("object %s: %w", key, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("minio stat %s: %w", key, err)
	}
	return obj, nil
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if isNoSuchKey(err) {
		return false, nil
	}
	return false, fmt.Errorf("minio stat %s: %w", key, err)
}
