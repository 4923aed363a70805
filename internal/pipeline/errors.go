package pipeline

import (
	"errors"
	"fmt"
)

// Kind classifies why a run failed.
type Kind int

const (
	// KindModelUnavailable covers transport, quota, timeout and provider
	// failures of a model call. It is the only retryable kind.
	KindModelUnavailable Kind = iota + 1
	// KindMalformedOutput is returned when a stage that requires JSON
	// produced text that is not parseable JSON after sanitization.
	KindMalformedOutput
	// KindSchemaViolation is returned when the final JSON does not match the
	// Task Pack shape.
	KindSchemaViolation
	// KindCanceled is returned when the caller's context ended before a
	// stage could start.
	KindCanceled
)

func (k Kind) String() string {
	switch k {
	case KindModelUnavailable:
		return "ModelUnavailable"
	case KindMalformedOutput:
		return "MalformedOutput"
	case KindSchemaViolation:
		return "SchemaViolation"
	case KindCanceled:
		return "Canceled"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Error terminates a run. No Task Pack is produced alongside it.
type Error struct {
	Kind   Kind
	Stage  string
	Detail string
	// Raw is the model output that caused the failure, when there was one.
	Raw string
	Err error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("stage %s: %s", e.Stage, e.Kind)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether resubmitting the same work item may succeed.
func (e *Error) Retryable() bool { return e.Kind == KindModelUnavailable }

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) (Kind, bool) {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Kind, true
	}
	return 0, false
}
