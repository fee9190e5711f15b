// Package domain provides shared domain-level sentinel errors and the
// stage error taxonomy used to decide between retry, failure and cancellation.
package domain

import (
	"context"
	"errors"
)

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates a concurrent modification conflict (optimistic locking).
var ErrConflict = errors.New("conflict: resource was modified by another request")

// ErrValidation indicates a malformed request rejected before any work is queued.
var ErrValidation = errors.New("validation error")

// ErrInvalidTransition is returned when a lifecycle operation is not allowed
// from the task's current status.
var ErrInvalidTransition = errors.New("invalid transition")

// ErrBackpressure is returned when a stage queue is at capacity.
// Callers surface it as a retry-later condition.
var ErrBackpressure = errors.New("queue at capacity, retry later")

// ErrLeaseLost is returned when a worker writes under a lease it no longer holds.
var ErrLeaseLost = errors.New("lease lost")

// ErrCancelled marks user-initiated cancellation observed at a checkpoint.
var ErrCancelled = errors.New("cancelled")

// Class is the retry classification of a stage error.
type Class int

const (
	ClassFatal Class = iota
	ClassTransient
	ClassCancelled
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassCancelled:
		return "cancelled"
	default:
		return "fatal"
	}
}

// StageError carries a classification and a client-safe message alongside
// the underlying cause. Only Public ever reaches the task record.
type StageError struct {
	Class  Class
	Public string
	Err    error
}

func (e *StageError) Error() string {
	if e.Err == nil {
		return e.Public
	}
	return e.Public + ": " + e.Err.Error()
}

func (e *StageError) Unwrap() error { return e.Err }

// Transient wraps err as retryable (network, timeout, rate limit).
func Transient(public string, err error) error {
	return &StageError{Class: ClassTransient, Public: public, Err: err}
}

// Fatal wraps err as non-retryable.
func Fatal(public string, err error) error {
	return &StageError{Class: ClassFatal, Public: public, Err: err}
}

// FromStatus classifies a failed HTTP call to a collaborator: 408, 429 and
// 5xx are transient, any other status is fatal.
func FromStatus(public string, status int, err error) error {
	if status == 408 || status == 429 || status >= 500 {
		return Transient(public, err)
	}
	return Fatal(public, err)
}

// Classify reports how the dispatcher should treat err. Unclassified errors
// are fatal, except deadline expiry which is treated as a timeout.
func Classify(err error) Class {
	if err == nil {
		return ClassFatal
	}
	if errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled) {
		return ClassCancelled
	}
	var se *StageError
	if errors.As(err, &se) {
		return se.Class
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}
	return ClassFatal
}

// Sanitize returns the message recorded in a task's error field.
// Raw causes (provider bodies, stack details) are dropped.
func Sanitize(err error) string {
	if err == nil {
		return ""
	}
	var se *StageError
	if errors.As(err, &se) && se.Public != "" {
		return se.Class.String() + ": " + se.Public
	}
	switch Classify(err) {
	case ClassCancelled:
		return "cancelled"
	case ClassTransient:
		return "transient: operation timed out"
	default:
		return "fatal: internal error"
	}
}
