// Package artifact defines content-addressed cache entries for stage results.
package artifact

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/QuinnGao/AI-Subtitle-Learner/internal/domain/stage"
)

// Entry maps a stage fingerprint to the artifact a completed run produced.
// Entries are immutable once written.
type Entry struct {
	Fingerprint string    `json:"fingerprint"`
	ArtifactRef string    `json:"artifact_ref"`
	CreatedAt   time.Time `json:"created_at"`
}

// Fingerprint hashes the stage identity together with its canonical input.
// The result is prefixed with the stage name and is safe as a key in every
// cache backend (postgres, NATS KV, redis).
func Fingerprint(s stage.Stage, input stage.CacheInput) (string, error) {
	payload, err := json.Marshal(struct {
		Stage stage.Stage      `json:"stage"`
		Input stage.CacheInput `json:"input"`
	}{s, input})
	if err != nil {
		return "", fmt.Errorf("encode fingerprint input: %w", err)
	}
	sum := blake2b.Sum256(payload)
	return string(s) + "-" + hex.EncodeToString(sum[:]), nil
}
