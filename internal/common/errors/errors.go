// Package errors provides the typed application errors shared by every layer
// of the review service. Each error carries a Code that transports map onto
// HTTP statuses and gRPC codes.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Code classifies an application error.
type Code string

const (
	ErrCodeValidation        Code = "VALIDATION_ERROR"
	ErrCodeNotFound          Code = "NOT_FOUND"
	ErrCodePermission        Code = "PERMISSION_DENIED"
	ErrCodeInvalidTransition Code = "INVALID_TRANSITION"
	ErrCodeTerminal          Code = "WORKFLOW_TERMINAL"
	ErrCodeConflict          Code = "CONFLICT"
	ErrCodeInternal          Code = "INTERNAL"
)

// AppError is the concrete error type returned to facade callers.
type AppError struct {
	Code    Code
	Message string
	Field   string
	Err     error
}

// Error formats the field, message and cause.
func (e *AppError) Error() string {
	msg := e.Message
	if e.Field != "" {
		msg = fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *AppError) Unwrap() error { return e.Err }

// New creates an AppError with the given code.
func New(code Code, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// Newf creates an AppError with a formatted message.
func Newf(code Code, format string, args ...any) *AppError {
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(err error, code Code, message string) *AppError {
	return &AppError{Code: code, Message: message, Err: err}
}

// InvalidInput reports a malformed or missing action parameter.
func InvalidInput(field, message string) *AppError {
	return &AppError{Code: ErrCodeValidation, Field: field, Message: message}
}

// NotFound reports an unresolvable report, workflow or step id.
func NotFound(kind, id string) *AppError {
	return &AppError{Code: ErrCodeNotFound, Message: fmt.Sprintf("%s %q not found", kind, id)}
}

// PermissionDenied reports an actor that may not perform an action.
func PermissionDenied(message string) *AppError {
	return &AppError{Code: ErrCodePermission, Message: message}
}

// InvalidTransition reports an action that does not apply to the workflow's current state.
func InvalidTransition(format string, args ...any) *AppError {
	return Newf(ErrCodeInvalidTransition, format, args...)
}

// Terminal reports a mutation attempted on a finished workflow.
func Terminal(workflowID, status string) *AppError {
	return Newf(ErrCodeTerminal, "workflow %s is %s and can no longer change", workflowID, status)
}

// Conflict reports an optimistic version mismatch.
func Conflict(workflowID string, expected, actual int64) *AppError {
	return Newf(ErrCodeConflict, "workflow %s was modified concurrently (expected version %d, found %d)",
		workflowID, expected, actual)
}

// CodeOf returns the code of the first AppError in err's chain, or
// ErrCodeInternal when there is none.
func CodeOf(err error) Code {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternal
}

// IsValidation reports a ValidationError.
func IsValidation(err error) bool { return err != nil && CodeOf(err) == ErrCodeValidation }

// IsNotFound reports a NotFoundError.
func IsNotFound(err error) bool { return err != nil && CodeOf(err) == ErrCodeNotFound }

// IsPermission reports a PermissionError.
func IsPermission(err error) bool { return err != nil && CodeOf(err) == ErrCodePermission }

// IsInvalidTransition reports an InvalidTransitionError.
func IsInvalidTransition(err error) bool { return err != nil && CodeOf(err) == ErrCodeInvalidTransition }

// IsTerminal reports a WorkflowTerminalError.
func IsTerminal(err error) bool { return err != nil && CodeOf(err) == ErrCodeTerminal }

// IsConflict reports a ConflictError.
func IsConflict(err error) bool { return err != nil && CodeOf(err) == ErrCodeConflict }
