package task

import "errors"

// Errors returned by the Service. They are mapped to transport status codes
// by the HTTP layer.
var (
	// ErrUnsupportedTaskType is returned when no processor is registered for a type.
	ErrUnsupportedTaskType = errors.New("unsupported task type")

	// ErrDuplicateTaskID is returned when a live queue entry already exists
	// for the task id, or the id belongs to another owner.
	ErrDuplicateTaskID = errors.New("duplicate task id")

	// ErrInvalidPriority is returned for an unknown priority value.
	ErrInvalidPriority = errors.New("invalid priority")

	// ErrInvalidRequest is returned when request data fails processor validation.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrTaskTerminal is returned when an operation requires a non-terminal task.
	ErrTaskTerminal = errors.New("task is in a terminal state")

	// ErrTaskProcessing is returned by regeneration of a task that is still running.
	ErrTaskProcessing = errors.New("task is processing")

	// ErrInsufficientCredits is returned by the credit collaborator.
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrBatchTooLarge is returned when a bulk call exceeds its limit.
	ErrBatchTooLarge = errors.New("batch too large")

	// ErrDuplicateRegistration is returned when a type is registered twice.
	ErrDuplicateRegistration = errors.New("task type already registered")

	// ErrCancelRequested is the cause attached to a run context cancelled by
	// a cancellation request.
	ErrCancelRequested = errors.New("cancellation requested")

	// ErrRunTimeout is the cause attached to a run context whose policy
	// timeout expired.
	ErrRunTimeout = errors.New("processing timed out")
)
