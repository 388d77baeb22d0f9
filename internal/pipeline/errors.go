package pipeline

import (
	"errors"
	"fmt"
)

// ProcessError represents a failure while processing one measurement file.
//
// Failures include:
//   - Parse: the file is not a valid measurement payload
//   - Lookup miss: the machine has no active load plan
//   - Config: the sampling configuration yields zero shards
//   - Store: the database rejected a read or write
//
// ProcessError includes structured fields for diagnostics.
type ProcessError struct {
	// Code identifies the failure category.
	Code ProcessErrorCode

	// Path is the file that failed.
	Path string

	// Message is a human-readable description.
	Message string

	// Err is the underlying cause, when one exists.
	Err error
}

// ProcessErrorCode categorizes processing failures.
type ProcessErrorCode string

const (
	// CodeParse indicates the file contents could not be decoded.
	CodeParse ProcessErrorCode = "PARSE"

	// CodeLookupMiss indicates no active load plan for the machine.
	CodeLookupMiss ProcessErrorCode = "LOOKUP_MISS"

	// CodeConfig indicates an unusable sampling configuration.
	CodeConfig ProcessErrorCode = "CONFIG"

	// CodeStore indicates a database failure.
	CodeStore ProcessErrorCode = "STORE"
)

// Error implements the error interface.
func (e *ProcessError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (path=%s): %v", e.Code, e.Message, e.Path, e.Err)
	}
	return fmt.Sprintf("%s: %s (path=%s)", e.Code, e.Message, e.Path)
}

// Unwrap exposes the underlying cause for errors.Is/As chains.
func (e *ProcessError) Unwrap() error {
	return e.Err
}

// Retryable reports whether reprocessing the same file could succeed.
// Only store failures are transient; a bad payload or a missing load
// plan will fail the same way next time.
func (e *ProcessError) Retryable() bool {
	return e.Code == CodeStore
}

// IsParseError returns true if the error is a payload decode failure.
// Uses errors.As to handle wrapped errors.
func IsParseError(err error) bool {
	var pe *ProcessError
	if errors.As(err, &pe) {
		return pe.Code == CodeParse
	}
	return false
}
