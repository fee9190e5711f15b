package task

import "time"

// Snapshot is the client-facing view of a task, shared by polling and push.
type Snapshot struct {
	TaskID          string            `json:"task_id"`
	Type            Type              `json:"type"`
	Status          Status            `json:"status"`
	Progress        int               `json:"progress"`
	Message         string            `json:"message"`
	Error           string            `json:"error,omitempty"`
	QueuedAt        time.Time         `json:"queued_at"`
	StartedAt       *time.Time        `json:"started_at,omitempty"`
	CompletedAt     *time.Time        `json:"completed_at,omitempty"`
	OutputRefs      map[string]string `json:"output_refs,omitempty"`
	ParentID        string            `json:"parent_id,omitempty"`
	ChildIDs        []string          `json:"child_ids,omitempty"`
	CancelRequested bool              `json:"cancel_requested,omitempty"`
	Children        []Snapshot        `json:"children,omitempty"`
}

// Snapshot projects t onto its client-facing view.
func (t *Task) Snapshot() Snapshot {
	c := t.Clone()
	return Snapshot{
		TaskID:          c.ID,
		Type:            c.Type,
		Status:          c.Status,
		Progress:        c.Progress,
		Message:         c.Message,
		Error:           c.Error,
		QueuedAt:        c.QueuedAt,
		StartedAt:       c.StartedAt,
		CompletedAt:     c.CompletedAt,
		OutputRefs:      c.OutputRefs,
		ParentID:        c.ParentID,
		ChildIDs:        c.ChildIDs,
		CancelRequested: c.CancelRequested,
	}
}

// IsTerminal reports whether the snapshot carries a final status.
func (s Snapshot) IsTerminal() bool { return s.Status.IsTerminal() }
