// Package deadletter defines the record kept for messages that exhausted
// their retry budget or failed fatally.
package deadletter

import (
	"encoding/json"
	"time"

	"github.com/QuinnGao/AI-Subtitle-Learner/internal/domain/stage"
)

// DeadLetter is retained for operator inspection and never retried automatically.
type DeadLetter struct {
	ID           string          `json:"id"`
	TaskID       string          `json:"task_id"`
	Stage        stage.Stage     `json:"stage"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	AttemptCount int             `json:"attempt_count"`
	Class        string          `json:"class"`
	// Error is the raw cause, visible to operators only.
	Error     string    `json:"error"`
	CreatedAt time.Time `json:"created_at"`
}
