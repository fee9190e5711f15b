package service

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/QuinnGao/AI-Subtitle-Learner/internal/domain/artifact"
	"github.com/QuinnGao/AI-Subtitle-Learner/internal/domain/stage"
	"github.com/QuinnGao/AI-Subtitle-Learner/internal/port/cache"
)

// ArtifactCache fronts the cache port with fingerprinting, in-process
// request coalescing and hit/miss accounting.
type ArtifactCache struct {
	backend   cache.Cache
	group     singleflight.Group
	telemetry Telemetry
	now       func() time.Time
}

// NewArtifactCache creates an ArtifactCache over backend.
func NewArtifactCache(backend cache.Cache) *ArtifactCache {
	return &ArtifactCache{backend: backend, telemetry: NopTelemetry, now: time.Now}
}

// SetTelemetry installs a telemetry sink.
func (c *ArtifactCache) SetTelemetry(t Telemetry) { c.telemetry = t }

// Fingerprint derives the cache key for s over input.
func (c *ArtifactCache) Fingerprint(s stage.Stage, input stage.CacheInput) (string, error) {
	return artifact.Fingerprint(s, input)
}

type lookup struct {
	entry artifact.Entry
	found bool
}

// Lookup returns the artifact ref stored under fingerprint, if any.
// Concurrent lookups of the same fingerprint share one backend call.
func (c *ArtifactCache) Lookup(ctx context.Context, s stage.Stage, fingerprint string) (string, bool, error) {
	v, err, _ := c.group.Do(fingerprint, func() (any, error) {
		e, found, err := c.backend.Get(ctx, fingerprint)
		return lookup{e, found}, err
	})
	if err != nil {
		return "", false, fmt.Errorf("cache get %s: %w", fingerprint, err)
	}
	l := v.(lookup)
	c.telemetry.CacheLookup(ctx, s, l.found)
	return l.entry.ArtifactRef, l.found, nil
}

// Store records ref under fingerprint and returns the winning ref: the
// first value ever stored for the fingerprint.
func (c *ArtifactCache) Store(ctx context.Context, fingerprint, ref string) (string, error) {
	won, err := c.backend.PutIfAbsent(ctx, artifact.Entry{
		Fingerprint: fingerprint,
		ArtifactRef: ref,
		CreatedAt:   c.now().UTC(),
	})
	if err != nil {
		return "", fmt.Errorf("cache put %s: %w", fingerprint, err)
	}
	return won.ArtifactRef, nil
}
