// Package redis implements the artifact cache port on redis.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/QuinnGao/AI-Subtitle-Learner/internal/config"
	"github.com/QuinnGao/AI-Subtitle-Learner/internal/domain/artifact"
)

// DefaultPrefix namespaces cache keys in a shared redis.
const DefaultPrefix = "sublearn:cache:"

// Cache keeps artifact entries as JSON strings under prefix+fingerprint.
// Entries never expire; SETNX gives first-writer-wins.
type Cache struct {
	client *redis.Client
	prefix string
}

// NewClient opens a redis client for cfg and verifies it with PING.
func NewClient(ctx context.Context, cfg config.Redis) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	return client, nil
}

// New creates a redis-backed cache. An empty prefix uses DefaultPrefix.
func New(client *redis.Client, prefix string) *Cache {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Cache{client: client, prefix: prefix}
}

func (c *Cache) Get(ctx context.Context, fingerprint string) (artifact.Entry, bool, error) {
	data, err := c.client.Get(ctx, c.prefix+fingerprint).Bytes()
	if errors.Is(err, redis.Nil) {
		return artifact.Entry{}, false, nil
	}
	if err != nil {
		return artifact.Entry{}, false, fmt.Errorf("redis get %s: %w", fingerprint, err)
	}
	var e artifact.Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return artifact.Entry{}, false, fmt.Errorf("redis decode %s: %w", fingerprint, err)
	}
	return e, true, nil
}

func (c *Cache) PutIfAbsent(ctx context.Context, entry artifact.Entry) (artifact.Entry, error) {
	data, err := json.Marshal(entry)
	if err != nil {
		return artifact.Entry{}, fmt.Errorf("redis encode: %w", err)
	}
	set, err := c.client.SetNX(ctx, c.prefix+entry.Fingerprint, data, 0).Result()
	if err != nil {
		return artifact.Entry{}, fmt.Errorf("redis setnx %s: %w", entry.Fingerprint, err)
	}
	if set {
		return entry, nil
	}
	won, found, err := c.Get(ctx, entry.Fingerprint)
	if err != nil {
		return artifact.Entry{}, err
	}
	if !found {
		return artifact.Entry{}, fmt.Errorf("redis setnx %s: key vanished", entry.Fingerprint)
	}
	return won, nil
}
