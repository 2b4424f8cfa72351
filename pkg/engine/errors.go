// Package engine implements the datasource lifecycle orchestrator: the
// static dependency table, plan construction, and the idempotent
// create/delete walk across the four subsystem adapters.
package engine

import (
	"errors"
	"fmt"
)

// ErrorClass classifies a provisioning error for retry and reporting logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure. Re-running the
	// same create or delete unchanged is safe and may succeed.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassPermanent indicates invalid parameters or conflicting
	// remote state. Re-running repeats the same failure until the spec
	// or the remote system is fixed.
	ErrorClassPermanent ErrorClass = "permanent"

	// ErrorClassInternal indicates an orchestration invariant violation,
	// e.g. a step requiring an output its prerequisite never produced.
	// This signals a defect in the dependency table, not an environment
	// issue.
	ErrorClassInternal ErrorClass = "internal"
)

// Error is a classified provisioning error with step context.
type Error struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Step is the "subsystem/kind" step the error belongs to, if any.
	Step string `json:"step,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Step != "" {
		return fmt.Sprintf("[%s] %s (step=%s): %s", e.Class, e.Message, e.Step, e.unwrapMessage())
	}
	return fmt.Sprintf("[%s] %s: %s", e.Class, e.Message, e.unwrapMessage())
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) unwrapMessage() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return ""
}

// Is implements error equality for errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *Error {
	return &Error{Class: ErrorClassTransient, Message: message, Err: err}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *Error {
	return &Error{Class: ErrorClassPermanent, Message: message, Err: err}
}

// NewInternalError creates a new orchestration invariant error.
func NewInternalError(message string, err error) *Error {
	return &Error{Class: ErrorClassInternal, Message: message, Err: err}
}

// WithStep adds step context to an error.
func (e *Error) WithStep(step StepKey) *Error {
	e.Step = step.String()
	return e
}

// WithCode adds an error code to an error.
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	return e
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Class == ErrorClassPermanent
	}
	return false
}

// IsInternal returns true if the error is an orchestration invariant error.
func IsInternal(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Class == ErrorClassInternal
	}
	return false
}

// IsRetryable returns true if re-invoking the same operation may succeed.
// Only transient errors are retryable; the orchestrator itself never
// retries, it relies on the caller re-running create/delete.
func IsRetryable(err error) bool {
	return IsTransient(err)
}

// Classify returns the class of err, defaulting to permanent for
// unclassified errors so that unknown failures are never silently retried.
func Classify(err error) ErrorClass {
	var e *Error
	if errors.As(err, &e) {
		return e.Class
	}
	return ErrorClassPermanent
}

// Common error codes.
const (
	ErrCodeValidation    = "VALIDATION_ERROR"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeAlreadyExists = "ALREADY_EXISTS"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeThrottled     = "THROTTLED"
	ErrCodeUnavailable   = "UNAVAILABLE"
	ErrCodeInternal      = "INTERNAL_ERROR"
	ErrCodeUnknownKind   = "UNKNOWN_KIND"
	ErrCodeMissingOutput = "MISSING_PREREQUISITE_OUTPUT"
)
