package types

import (
	"errors"
	"fmt"
)

// ErrorKind is the machine-readable error taxonomy surfaced on every failed
// request. Kinds map one-to-one onto HTTP status codes at the server boundary.
type ErrorKind string

const (
	ErrInput              ErrorKind = "input_error"
	ErrPII                ErrorKind = "pii_failure"
	ErrDependency         ErrorKind = "dependency_unavailable"
	ErrTimeout            ErrorKind = "timeout"
	ErrValidationRejected ErrorKind = "validation_rejected"
	ErrOverloaded         ErrorKind = "overloaded"
	ErrIntegrity          ErrorKind = "integrity_error"
)

// PipelineError carries an error kind, the pipeline phase that produced it,
// and the wrapped cause. It is the only error shape that crosses the HTTP
// boundary.
type PipelineError struct {
	Kind    ErrorKind
	Phase   string
	Reason  string
	Verdict *ValidationVerdict // present only for validation_rejected
	cause   error
}

func (e *PipelineError) Error() string {
	if e.Phase != "" {
		return fmt.Sprintf("%s in phase %s: %s", e.Kind, e.Phase, e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *PipelineError) Unwrap() error { return e.cause }

// NewPipelineError builds a PipelineError wrapping cause (which may be nil).
func NewPipelineError(kind ErrorKind, phase, reason string, cause error) *PipelineError {
	if reason == "" && cause != nil {
		reason = cause.Error()
	}
	return &PipelineError{Kind: kind, Phase: phase, Reason: reason, cause: cause}
}

// KindOf extracts the error kind from err, defaulting to dependency_unavailable
// for unclassified failures.
func KindOf(err error) ErrorKind {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ErrDependency
}
