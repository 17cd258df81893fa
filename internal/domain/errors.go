package domain

import (
	"errors"
	"fmt"
)

// Common domain errors used across the application.
var (
	// ErrValidation is returned when a domain entity fails validation.
	// This is often wrapped with a more specific error message.
	ErrValidation = errors.New("validation failed")

	// ErrInvalidFormat is returned when data is not in the expected format.
	ErrInvalidFormat = errors.New("invalid format")

	// ErrInvalidID is returned when an ID is malformed or invalid.
	ErrInvalidID = errors.New("invalid ID")
)

// ErrorKind classifies a processing failure. The dispatcher decides between
// retrying and failing a task based on the kind.
type ErrorKind string

// Possible error kinds
const (
	KindInvalidRequest      ErrorKind = "invalid_request"
	KindUnsupportedTaskType ErrorKind = "unsupported_task_type"
	KindTransient           ErrorKind = "transient"
	KindTimeout             ErrorKind = "timeout"
	KindCancelled           ErrorKind = "cancelled"
	KindFatal               ErrorKind = "fatal"
)

// Retryable reports whether a failure of this kind may consume another attempt.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindTransient, KindTimeout:
		return true
	default:
		return false
	}
}

// TaskError is a classified processing failure.
type TaskError struct {
	Kind    ErrorKind
	Message string
	Details map[string]any
	Err     error
}

// Error implements the error interface.
func (e *TaskError) Error() string {
	if e.Err != nil && e.Message != "" {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error.
func (e *TaskError) Unwrap() error {
	return e.Err
}

// Reason returns the human readable failure reason.
func (e *TaskError) Reason() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return string(e.Kind)
}

// NewTaskError creates a TaskError of the given kind.
func NewTaskError(kind ErrorKind, message string, err error) *TaskError {
	return &TaskError{Kind: kind, Message: message, Err: err}
}

// InvalidRequest creates an invalid_request error.
func InvalidRequest(format string, args ...any) *TaskError {
	return &TaskError{Kind: KindInvalidRequest, Message: fmt.Sprintf(format, args...)}
}

// Transient wraps err as a retryable upstream failure.
func Transient(message string, err error) *TaskError {
	return &TaskError{Kind: KindTransient, Message: message, Err: err}
}

// Fatal wraps err as an impossible-state failure that is never retried.
func Fatal(message string, err error) *TaskError {
	return &TaskError{Kind: KindFatal, Message: message, Err: err}
}

// WithDetails attaches structured details and returns the error.
func (e *TaskError) WithDetails(details map[string]any) *TaskError {
	e.Details = details
	return e
}

// KindOf returns the kind of err. Unclassified errors are transient.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var te *TaskError
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindTransient
}

// DetailsOf returns the structured details attached to err, if any.
func DetailsOf(err error) map[string]any {
	var te *TaskError
	if errors.As(err, &te) {
		return te.Details
	}
	return nil
}
