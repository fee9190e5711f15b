// Package stage defines pipeline stages, their queue subjects and the
// canonical inputs each stage is fingerprinted over.
package stage

import (
	"fmt"
	"strings"
)

// Stage identifies one step of a task pipeline.
type Stage string

const (
	Download   Stage = "download"
	Transcribe Stage = "transcribe"
	Subtitle   Stage = "subtitle"
)

// All lists every stage in pipeline order.
var All = []Stage{Download, Transcribe, Subtitle}

// subjectPrefix is the queue namespace shared by all stage subjects.
const subjectPrefix = "stages."

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	switch s {
	case Download, Transcribe, Subtitle:
		return true
	}
	return false
}

// Subject returns the queue subject for s. Each stage has its own queue so a
// backlog in one cannot starve the others.
func (s Stage) Subject() string { return subjectPrefix + string(s) }

// DeadLetterSubject returns the subject dead-lettered messages are copied to.
func (s Stage) DeadLetterSubject() string { return s.Subject() + ".dlq" }

// ArtifactName is the output_refs key a successful run of s writes.
func (s Stage) ArtifactName() string {
	switch s {
	case Download:
		return "audio"
	case Transcribe:
		return "transcript"
	case Subtitle:
		return "subtitle"
	}
	return string(s)
}

// FromSubject maps a queue subject back to its stage.
func FromSubject(subject string) (Stage, error) {
	s := Stage(strings.TrimPrefix(subject, subjectPrefix))
	if !s.Valid() {
		return "", fmt.Errorf("unknown stage subject %q", subject)
	}
	return s, nil
}

// Parse converts a configuration string into a Stage.
func Parse(v string) (Stage, error) {
	s := Stage(strings.ToLower(strings.TrimSpace(v)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown stage %q", v)
	}
	return s, nil
}

// Band is the slice of overall task progress a stage reports into.
type Band struct {
	Start int
	End   int
}

// At maps a stage-local percentage (0-100) onto the band.
func (b Band) At(pct int) int {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	return b.Start + (b.End-b.Start)*pct/100
}

// Output is the result of a stage run: a single artifact reference.
type Output struct {
	Ref string `json:"ref"`
}

// Input is everything a stage handler needs for one run.
type Input struct {
	TaskID      string
	Fingerprint string
	Params      Params
	// Artifacts holds refs produced by earlier stages of the same task.
	Artifacts map[string]string
}

// ProgressFunc reports stage-local progress (0-100) with a short message.
type ProgressFunc func(pct int, message string)
