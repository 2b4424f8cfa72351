package engine

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

// TestErrorClassification tests the class predicates across wrapping.
func TestErrorClassification(t *testing.T) {
	transient := NewTransientError("throttled", nil)
	permanent := NewPermanentError("bad request", nil)
	internal := NewInternalError("missing output", nil)

	if !IsTransient(transient) || IsTransient(permanent) || IsTransient(internal) {
		t.Error("IsTransient misclassified an error")
	}
	if !IsPermanent(permanent) || IsPermanent(transient) {
		t.Error("IsPermanent misclassified an error")
	}
	if !IsInternal(internal) || IsInternal(permanent) {
		t.Error("IsInternal misclassified an error")
	}

	wrapped := fmt.Errorf("step failed: %w", transient)
	if !IsTransient(wrapped) {
		t.Error("Expected classification to survive wrapping")
	}
	if !IsRetryable(wrapped) {
		t.Error("Expected transient error to be retryable")
	}
	if IsRetryable(permanent) {
		t.Error("Expected permanent error to not be retryable")
	}
}

// TestClassifyDefaultsToPermanent tests that unclassified errors are
// treated as permanent so they are never silently retried.
func TestClassifyDefaultsToPermanent(t *testing.T) {
	if got := Classify(errors.New("mystery")); got != ErrorClassPermanent {
		t.Errorf("Expected permanent default, got %q", got)
	}
	if got := Classify(NewTransientError("busy", nil)); got != ErrorClassTransient {
		t.Errorf("Expected transient, got %q", got)
	}
}

// TestErrorMessageIncludesStep tests the rendered message carries step
// context and the wrapped cause.
func TestErrorMessageIncludesStep(t *testing.T) {
	cause := errors.New("403 forbidden")
	err := NewPermanentError("assigning role", cause).
		WithCode(ErrCodeUnauthorized).
		WithStep(StepKey{Subsystem: SubsystemStorage, Kind: KindRoleAssignment})

	msg := err.Error()
	for _, want := range []string{"storage/role-assignment", "assigning role", "403 forbidden"} {
		if !strings.Contains(msg, want) {
			t.Errorf("Expected message to contain %q, got %q", want, msg)
		}
	}
	if !errors.Is(errors.Unwrap(err), cause) {
		t.Error("Expected Unwrap to return the cause")
	}
}

// TestErrorIsMatchesClassAndCode tests errors.Is comparison semantics.
func TestErrorIsMatchesClassAndCode(t *testing.T) {
	err := NewPermanentError("gone", nil).WithCode(ErrCodeNotFound)
	target := &Error{Class: ErrorClassPermanent, Code: ErrCodeNotFound}
	if !errors.Is(err, target) {
		t.Error("Expected match on class and code")
	}
	other := &Error{Class: ErrorClassPermanent, Code: ErrCodeThrottled}
	if errors.Is(err, other) {
		t.Error("Expected mismatch on differing code")
	}
}
