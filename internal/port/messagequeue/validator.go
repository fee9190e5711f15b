package messagequeue

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/QuinnGao/AI-Subtitle-Learner/internal/domain/stage"
)

// Decode validates data as a StageMessage published on subject.
func Decode(subject string, data []byte) (StageMessage, error) {
	var msg StageMessage
	if !json.Valid(data) {
		return msg, fmt.Errorf("invalid JSON on subject %s", subject)
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, fmt.Errorf("schema validation failed for %s: %w", subject, err)
	}
	if msg.TaskID == "" {
		return msg, errors.New("task_id is required")
	}
	if !msg.Stage.Valid() {
		return msg, fmt.Errorf("unknown stage %q", msg.Stage)
	}
	if want := msg.Stage.Subject(); subject != want {
		return msg, fmt.Errorf("stage %s published on %s, want %s", msg.Stage, subject, want)
	}
	if msg.AttemptCount < 1 {
		msg.AttemptCount = 1
	}
	return msg, nil
}

// Encode marshals msg for publishing on its stage subject.
func Encode(msg StageMessage) (string, []byte, error) {
	if !msg.Stage.Valid() {
		return "", nil, fmt.Errorf("unknown stage %q", msg.Stage)
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return "", nil, fmt.Errorf("marshal stage message: %w", err)
	}
	return msg.Stage.Subject(), data, nil
}

// Subjects returns the subjects of the given stages.
func Subjects(stages ...stage.Stage) []string {
	out := make([]string, 0, len(stages))
	for _, s := range stages {
		out = append(out, s.Subject())
	}
	return out
}
