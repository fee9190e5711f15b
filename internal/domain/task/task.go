// Package task defines the Task entity, its lifecycle state machine and the
// stage pipeline each task type runs through.
package task

import (
	"fmt"
	"time"

	"github.com/QuinnGao/AI-Subtitle-Learner/internal/domain"
	"github.com/QuinnGao/AI-Subtitle-Learner/internal/domain/stage"
)

// Status represents the current state of a task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether no further transition may leave s.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Type selects the stage pipeline a task runs.
type Type string

const (
	TypeAnalysis           Type = "analysis"
	TypeTranscription      Type = "transcription"
	TypeSubtitleProcessing Type = "subtitle-processing"
	// TypeBatch runs no stage itself; it fans out one analysis child per
	// URL and settles once every child is terminal.
	TypeBatch Type = "batch"
)

// MaxBatchItems caps the URLs one batch may carry.
const MaxBatchItems = 100

// Lease is a worker's exclusive, time-bounded claim on a running task.
type Lease struct {
	HolderID  string    `json:"holder_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Task is a trackable unit of orchestrated work.
type Task struct {
	ID              string            `json:"id"`
	Type            Type              `json:"type"`
	Status          Status            `json:"status"`
	Progress        int               `json:"progress"`
	Message         string            `json:"message"`
	Error           string            `json:"error,omitempty"`
	Stage           stage.Stage       `json:"stage"`
	InputParams     stage.Params      `json:"input_params"`
	OutputRefs      map[string]string `json:"output_refs,omitempty"`
	ParentID        string            `json:"parent_id,omitempty"`
	ChildIDs        []string          `json:"child_ids,omitempty"`
	Lease           *Lease            `json:"lease,omitempty"`
	CancelRequested bool              `json:"cancel_requested,omitempty"`
	QueuedAt        time.Time         `json:"queued_at"`
	StartedAt       *time.Time        `json:"started_at,omitempty"`
	CompletedAt     *time.Time        `json:"completed_at,omitempty"`
	Version         int               `json:"version"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// New builds a pending task. Params must already be validated.
func New(id string, typ Type, params stage.Params, parentID string, now time.Time) *Task {
	return &Task{
		ID:          id,
		Type:        typ,
		Status:      StatusPending,
		Stage:       typ.FirstStage(),
		InputParams: params,
		ParentID:    parentID,
		QueuedAt:    now,
		UpdatedAt:   now,
	}
}

// Step is one stage of a pipeline together with the progress band it
// reports into. Spawn names a child task type created when the step succeeds.
type Step struct {
	Stage   stage.Stage
	Band    stage.Band
	Message string
	Spawn   Type
}

var pipelines = map[Type][]Step{
	TypeAnalysis: {
		{Stage: stage.Download, Band: stage.Band{Start: 10, End: 50}, Message: "downloading"},
		{Stage: stage.Transcribe, Band: stage.Band{Start: 60, End: 95}, Message: "transcribing", Spawn: TypeSubtitleProcessing},
	},
	TypeTranscription: {
		{Stage: stage.Transcribe, Band: stage.Band{Start: 10, End: 95}, Message: "transcribing"},
	},
	TypeSubtitleProcessing: {
		{Stage: stage.Subtitle, Band: stage.Band{Start: 10, End: 95}, Message: "processing subtitles"},
	},
	TypeBatch: nil,
}

// Valid reports whether t is a known task type.
func (t Type) Valid() bool {
	_, ok := pipelines[t]
	return ok
}

// Pipeline returns the ordered steps for t.
func (t Type) Pipeline() []Step { return pipelines[t] }

// FirstStage returns the stage a new task of type t is enqueued on.
func (t Type) FirstStage() stage.Stage {
	if p := pipelines[t]; len(p) > 0 {
		return p[0].Stage
	}
	return ""
}

// StepFor returns the step for s within t's pipeline.
func (t Type) StepFor(s stage.Stage) (Step, bool) {
	for _, st := range pipelines[t] {
		if st.Stage == s {
			return st, true
		}
	}
	return Step{}, false
}

// Next returns the step after s, if any.
func (t Type) Next(s stage.Stage) (Step, bool) {
	p := pipelines[t]
	for i := range p {
		if p[i].Stage == s && i+1 < len(p) {
			return p[i+1], true
		}
	}
	return Step{}, false
}

// ValidateParams normalizes p and checks the fields t requires.
func (t Type) ValidateParams(p stage.Params) (stage.Params, error) {
	if !t.Valid() {
		return p, fmt.Errorf("%w: unknown task type %q", domain.ErrValidation, t)
	}
	n, err := p.Normalize()
	if err != nil {
		return p, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	switch t {
	case TypeAnalysis:
		if n.URL == "" {
			return p, fmt.Errorf("%w: params.url is required", domain.ErrValidation)
		}
	case TypeTranscription:
		if n.AudioRef == "" {
			return p, fmt.Errorf("%w: params.audio_ref is required", domain.ErrValidation)
		}
	case TypeSubtitleProcessing:
		if n.TranscriptRef == "" {
			return p, fmt.Errorf("%w: params.transcript_ref is required", domain.ErrValidation)
		}
	case TypeBatch:
		if len(n.URLs) == 0 {
			return p, fmt.Errorf("%w: params.urls is required", domain.ErrValidation)
		}
		if len(n.URLs) > MaxBatchItems {
			return p, fmt.Errorf("%w: params.urls holds at most %d items", domain.ErrValidation, MaxBatchItems)
		}
	}
	if t != TypeBatch && len(n.URLs) > 0 {
		return p, fmt.Errorf("%w: params.urls is only valid for batch tasks", domain.ErrValidation)
	}
	if n.NeedTranslate && n.TargetLanguage == "" {
		return p, fmt.Errorf("%w: params.target_language is required when need_translate is set", domain.ErrValidation)
	}
	return n, nil
}

// ChildParams derives the input snapshot for a child of type child spawned
// by parent once the step producing its input has completed.
func ChildParams(parent *Task, child Type) stage.Params {
	p := stage.Params{
		Language:       parent.InputParams.Language,
		TargetLanguage: parent.InputParams.TargetLanguage,
		NeedTranslate:  parent.InputParams.NeedTranslate,
	}
	switch child {
	case TypeSubtitleProcessing:
		p.TranscriptRef = parent.OutputRefs[stage.Transcribe.ArtifactName()]
	case TypeTranscription:
		p.AudioRef = parent.OutputRefs[stage.Download.ArtifactName()]
	}
	return p
}

// ItemType is the child type a batch spawns per URL.
const ItemType = TypeAnalysis

// ItemParams derives the input snapshot for item i of a batch parent.
func ItemParams(parent *Task, i int) (stage.Params, error) {
	if parent.Type != TypeBatch || i < 0 || i >= len(parent.InputParams.URLs) {
		return stage.Params{}, fmt.Errorf("%w: no batch item %d on task %s", domain.ErrValidation, i, parent.ID)
	}
	return stage.Params{
		URL:            parent.InputParams.URLs[i],
		Language:       parent.InputParams.Language,
		TargetLanguage: parent.InputParams.TargetLanguage,
		NeedTranslate:  parent.InputParams.NeedTranslate,
	}, nil
}
