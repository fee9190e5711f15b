package messagequeue

import (
	"encoding/json"
	"time"

	"github.com/QuinnGao/AI-Subtitle-Learner/internal/domain/stage"
)

// StageMessage is the unit of work routed to a stage queue.
type StageMessage struct {
	TaskID       string          `json:"task_id"`
	Stage        stage.Stage     `json:"stage"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	AttemptCount int             `json:"attempt_count"`
	// NotBefore delays processing of a retried message until the backoff elapsed.
	NotBefore *time.Time `json:"not_before,omitempty"`
}
