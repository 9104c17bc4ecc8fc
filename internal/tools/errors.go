package tools

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a tool failure for the recovery layer.
type ErrorKind string

const (
	// KindTransient marks failures that are safe to retry (network I/O,
	// temporary unavailability).
	KindTransient ErrorKind = "transient"

	// KindFatal marks failures where retrying is pointless (malformed
	// input, missing tool).
	KindFatal ErrorKind = "fatal"
)

// ExecError is a classified tool execution failure. Tools classify their
// own errors; anything unclassified is treated as fatal.
type ExecError struct {
	Tool string
	Kind ErrorKind
	Err  error
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("tool %s: %s error: %v", e.Tool, e.Kind, e.Err)
}

func (e *ExecError) Unwrap() error {
	return e.Err
}

// Transient reports whether the failure is safe to retry. The recovery
// layer discovers this through the interface rather than the concrete
// type.
func (e *ExecError) Transient() bool {
	return e.Kind == KindTransient
}

// Transient wraps err as a retryable tool failure.
func Transient(tool string, err error) *ExecError {
	return &ExecError{Tool: tool, Kind: KindTransient, Err: err}
}

// Fatal wraps err as a non-retryable tool failure.
func Fatal(tool string, err error) *ExecError {
	return &ExecError{Tool: tool, Kind: KindFatal, Err: err}
}

// IsTransient reports whether err carries a transient classification.
func IsTransient(err error) bool {
	var t interface{ Transient() bool }
	return errors.As(err, &t) && t.Transient()
}
