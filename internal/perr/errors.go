// Package perr implements the pipeline's error taxonomy: a closed set of
// error kinds that the orchestrator classifies every failure into, so retry
// policy, job-state transitions, and user-visible summaries can all switch
// on a single field instead of string-matching error messages.
package perr

import (
	"errors"
	"fmt"
)

// Kind is one of the error kinds the orchestrator recognizes. Unlike a
// sentinel error per failure site, a Kind is attached to arbitrary errors so
// the taxonomy stays fixed while the underlying causes vary.
type Kind string

const (
	ConfigError       Kind = "ConfigError"
	MissingInput      Kind = "MissingInput"
	CredentialMissing Kind = "CredentialMissing"
	SubprocessCrash   Kind = "SubprocessCrash"
	Timeout           Kind = "Timeout"
	Cancelled         Kind = "Cancelled"
	BudgetExceeded    Kind = "BudgetExceeded"
	CacheCorruption   Kind = "CacheCorruption"
	ValidationError   Kind = "ValidationError"
)

// Error wraps a cause with its taxonomy Kind and an optional stage name for
// attribution in stage records and user-visible summaries.
type Error struct {
	Kind  Kind
	Stage string
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("%s[%s]: %s", e.Kind, e.Stage, e.Msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// New creates a Kind-tagged error with a message.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap attaches a Kind to an existing error.
func Wrap(kind Kind, stage string, cause error) *Error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return &Error{Kind: kind, Stage: stage, Msg: msg, Cause: cause}
}

// WithStage returns a copy of e with Stage set.
func (e *Error) WithStage(stage string) *Error {
	cp := *e
	cp.Stage = stage
	return &cp
}

// KindOf extracts the Kind from err if it (or something it wraps) is a
// *Error. The second return is false for untagged errors.
func KindOf(err error) (Kind, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind, true
	}
	return "", false
}

// Retryable reports whether the orchestrator's retry-once policy applies to
// this kind, per the propagation policy in the spec's error taxonomy:
// Timeout and SubprocessCrash get one retry; everything else is fatal.
func Retryable(kind Kind) bool {
	switch kind {
	case Timeout, SubprocessCrash:
		return true
	default:
		return false
	}
}

// Fatal reports whether a job in `running` state should transition to
// `failed` on this error kind. CacheCorruption is explicitly not fatal: it
// invalidates a cache entry and falls through to a fresh compute.
func Fatal(kind Kind) bool {
	return kind != CacheCorruption
}
