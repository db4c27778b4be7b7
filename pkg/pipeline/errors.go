package pipeline

import (
	"errors"
	"fmt"
)

// ErrorClass classifies a pipeline error for retry and recovery decisions.
type ErrorClass string

const (
	// ErrorClassValidation covers malformed intake input, rejected
	// synchronously at the intake boundary.
	ErrorClassValidation ErrorClass = "validation"

	// ErrorClassPrecondition marks a stage invoked before its dependency's
	// record is visible. Handled by bounded redelivery, never by the caller.
	ErrorClassPrecondition ErrorClass = "precondition"

	// ErrorClassConflict marks a lost claim race or duplicate delivery.
	// Always absorbed as a benign no-op.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassExternal marks a failed or timed-out call to an external
	// analysis or planning function. Terminal for the request unless an
	// operator resubmits.
	ErrorClassExternal ErrorClass = "external"

	// ErrorClassTransient covers temporary store or bus failures that are
	// safe to retry via redelivery.
	ErrorClassTransient ErrorClass = "transient"
)

// Error is a classified pipeline error with stage and request context.
type Error struct {
	Class     ErrorClass `json:"class"`
	Message   string     `json:"message"`
	Stage     string     `json:"stage,omitempty"`
	RequestID string     `json:"request_id,omitempty"`
	Err       error      `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	if e.RequestID != "" {
		msg = fmt.Sprintf("%s (request=%s)", msg, e.RequestID)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %s", msg, e.Err.Error())
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is implements error equality for errors.Is: two pipeline errors match when
// their classes match.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Class == t.Class
}

// WithStage attaches the stage name to the error.
func (e *Error) WithStage(stage string) *Error {
	e.Stage = stage
	return e
}

// WithRequest attaches the request id to the error.
func (e *Error) WithRequest(requestID string) *Error {
	e.RequestID = requestID
	return e
}

// NewValidationError creates a validation-class error.
func NewValidationError(message string, err error) *Error {
	return &Error{Class: ErrorClassValidation, Message: message, Err: err}
}

// NewPreconditionError creates a precondition-class error.
func NewPreconditionError(message string, err error) *Error {
	return &Error{Class: ErrorClassPrecondition, Message: message, Err: err}
}

// NewConflictError creates a conflict-class error.
func NewConflictError(message string, err error) *Error {
	return &Error{Class: ErrorClassConflict, Message: message, Err: err}
}

// NewExternalError creates an external-class error.
func NewExternalError(message string, err error) *Error {
	return &Error{Class: ErrorClassExternal, Message: message, Err: err}
}

// NewTransientError creates a transient-class error.
func NewTransientError(message string, err error) *Error {
	return &Error{Class: ErrorClassTransient, Message: message, Err: err}
}

// ClassOf extracts the error class when err carries one.
func ClassOf(err error) (ErrorClass, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Class, true
	}
	return "", false
}

// IsValidation reports whether err is classified as a validation error.
func IsValidation(err error) bool {
	c, ok := ClassOf(err)
	return ok && c == ErrorClassValidation
}

// IsPrecondition reports whether err is classified as a precondition error.
func IsPrecondition(err error) bool {
	c, ok := ClassOf(err)
	return ok && c == ErrorClassPrecondition
}

// IsConflict reports whether err is classified as a conflict.
func IsConflict(err error) bool {
	c, ok := ClassOf(err)
	return ok && c == ErrorClassConflict
}

// IsExternal reports whether err is classified as an external function failure.
func IsExternal(err error) bool {
	c, ok := ClassOf(err)
	return ok && c == ErrorClassExternal
}

// IsTransient reports whether err is classified as transient.
func IsTransient(err error) bool {
	c, ok := ClassOf(err)
	return ok && c == ErrorClassTransient
}

// IsRetryable reports whether the trigger that produced err should be
// redelivered. Precondition and transient failures are safe to retry; the
// idempotency guard makes redelivery of anything else a no-op, but only
// these two classes ask for it.
func IsRetryable(err error) bool {
	return IsPrecondition(err) || IsTransient(err)
}
