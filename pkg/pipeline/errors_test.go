package pipeline

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       *Error
		class     ErrorClass
		retryable bool
	}{
		{"validation", NewValidationError("bad input", nil), ErrorClassValidation, false},
		{"precondition", NewPreconditionError("report not ready", nil), ErrorClassPrecondition, true},
		{"conflict", NewConflictError("claim lost", nil), ErrorClassConflict, false},
		{"external", NewExternalError("analyzer failed", nil), ErrorClassExternal, false},
		{"transient", NewTransientError("store unavailable", nil), ErrorClassTransient, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			class, ok := ClassOf(tt.err)
			if !ok {
				t.Fatal("ClassOf did not recognize the error")
			}
			if class != tt.class {
				t.Errorf("class = %q, want %q", class, tt.class)
			}
			if got := IsRetryable(tt.err); got != tt.retryable {
				t.Errorf("IsRetryable = %v, want %v", got, tt.retryable)
			}
		})
	}
}

func TestClassSurvivesWrapping(t *testing.T) {
	base := NewPreconditionError("report not ready", nil).WithStage("logistics-planning")
	wrapped := fmt.Errorf("handling trigger: %w", base)

	if !IsPrecondition(wrapped) {
		t.Error("wrapped error lost its precondition class")
	}
	if !IsRetryable(wrapped) {
		t.Error("wrapped error no longer retryable")
	}

	class, ok := ClassOf(wrapped)
	if !ok || class != ErrorClassPrecondition {
		t.Errorf("ClassOf(wrapped) = %q, %v", class, ok)
	}
}

func TestClassOfPlainError(t *testing.T) {
	if _, ok := ClassOf(errors.New("plain")); ok {
		t.Error("plain error should have no class")
	}
	if IsRetryable(errors.New("plain")) {
		t.Error("plain error should not be retryable")
	}
}

func TestErrorMessageCarriesContext(t *testing.T) {
	cause := errors.New("connection refused")
	err := NewExternalError("analysis call failed", cause).
		WithStage("damage-analysis").
		WithRequest("req-0001")

	msg := err.Error()
	for _, want := range []string{"external", "analysis call failed", "req-0001", "connection refused"} {
		if !strings.Contains(msg, want) {
			t.Errorf("message %q missing %q", msg, want)
		}
	}
	if !errors.Is(err, cause) {
		t.Error("cause not reachable through Unwrap")
	}
}

func TestErrorIsMatchesByClass(t *testing.T) {
	a := NewConflictError("claim lost", nil)
	b := NewConflictError("other conflict", nil)
	c := NewTransientError("store down", nil)

	if !errors.Is(a, b) {
		t.Error("same-class errors should match")
	}
	if errors.Is(a, c) {
		t.Error("different-class errors should not match")
	}
}

func TestStatusTerminality(t *testing.T) {
	if AnalysisStatusAnalyzing.IsTerminal() {
		t.Error("analyzing must not be terminal")
	}
	if !AnalysisStatusComplete.IsTerminal() || !AnalysisStatusFailed.IsTerminal() {
		t.Error("complete and failed are terminal analysis states")
	}
	if PlanStatusPlanning.IsTerminal() {
		t.Error("planning must not be terminal")
	}
	if !PlanStatusComplete.IsTerminal() || !PlanStatusFailed.IsTerminal() {
		t.Error("complete and failed are terminal plan states")
	}
}
