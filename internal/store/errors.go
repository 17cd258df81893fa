package store

import (
	"errors"
	"fmt"
)

// Common store errors used across all store implementations.
var (
	// ErrNotFound is returned when a requested entity does not exist in the store.
	ErrNotFound = errors.New("entity not found")

	// ErrDuplicate is returned when an operation would create a duplicate
	// of a unique entity (e.g., a second task with the same id).
	ErrDuplicate = errors.New("entity already exists")

	// ErrInvalidEntity is returned when an entity fails validation before
	// being stored. Check the wrapped error for specific validation details.
	ErrInvalidEntity = errors.New("invalid entity")

	// ErrInvalidTransition is returned when a queue entry or task is not in
	// a state that permits the requested operation.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrQueueEmpty is returned by ClaimNext when no entry is eligible.
	ErrQueueEmpty = errors.New("no eligible queue entry")

	// Entity-specific "not found" errors

	// ErrTaskNotFound indicates that the requested task record does not exist.
	ErrTaskNotFound = fmt.Errorf("%w: task", ErrNotFound)

	// ErrQueueEntryNotFound indicates that no queue entry exists for the task id.
	ErrQueueEntryNotFound = fmt.Errorf("%w: queue entry", ErrNotFound)

	// ErrQueueEntryActive indicates that a live queue entry already exists for the task id.
	ErrQueueEntryActive = fmt.Errorf("%w: active queue entry", ErrDuplicate)
)

// IsNotFoundError checks if the error is any kind of "not found" error.
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsDuplicateError checks if the error is any kind of "duplicate" error.
func IsDuplicateError(err error) bool {
	return errors.Is(err, ErrDuplicate)
}
