package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/phrazzld/studio-queue/internal/redact"
	"github.com/phrazzld/studio-queue/internal/store"
	"github.com/phrazzld/studio-queue/internal/task"
)

// MapErrorToStatusCode maps service and store errors to HTTP status codes
// so internal error types never reach clients.
func MapErrorToStatusCode(err error) int {
	switch {
	case store.IsNotFoundError(err):
		return http.StatusNotFound

	case errors.Is(err, task.ErrDuplicateTaskID),
		errors.Is(err, task.ErrTaskTerminal),
		errors.Is(err, task.ErrTaskProcessing),
		store.IsDuplicateError(err):
		return http.StatusConflict

	case errors.Is(err, task.ErrInsufficientCredits):
		return http.StatusPaymentRequired

	case errors.Is(err, task.ErrUnsupportedTaskType),
		errors.Is(err, task.ErrInvalidPriority),
		errors.Is(err, task.ErrInvalidRequest),
		errors.Is(err, task.ErrBatchTooLarge),
		errors.Is(err, store.ErrInvalidEntity):
		return http.StatusBadRequest

	default:
		return http.StatusInternalServerError
	}
}

// GetSafeErrorMessage returns a client-facing message for err. Validation
// failures keep their (redacted) reason because callers need it to fix the
// request; everything else gets a fixed message.
func GetSafeErrorMessage(err error) string {
	if err == nil {
		return "An unexpected error occurred"
	}

	switch {
	case errors.Is(err, store.ErrTaskNotFound):
		return "Task not found"
	case errors.Is(err, store.ErrQueueEntryNotFound):
		return "Queue entry not found"
	case store.IsNotFoundError(err):
		return "Not found"

	case errors.Is(err, task.ErrDuplicateTaskID):
		return "A task with this id is already queued or belongs to another owner"
	case errors.Is(err, task.ErrTaskTerminal):
		return "Task has already finished"
	case errors.Is(err, task.ErrTaskProcessing):
		return "Task is still processing"
	case errors.Is(err, task.ErrInsufficientCredits):
		return "Insufficient credits"

	case errors.Is(err, task.ErrUnsupportedTaskType),
		errors.Is(err, task.ErrInvalidPriority),
		errors.Is(err, task.ErrInvalidRequest),
		errors.Is(err, task.ErrBatchTooLarge):
		return capitalize(redact.Error(err))
	case errors.Is(err, store.ErrInvalidEntity):
		return "Invalid entity data"

	default:
		return "An unexpected error occurred"
	}
}

// SanitizeValidationError turns validator output into a short message
// naming the first offending field.
func SanitizeValidationError(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return fmt.Sprintf("Invalid %s: %s", fieldName(fe.Namespace()), getValidationTagMessage(fe.Tag()))
	}
	return "Validation error"
}

// fieldName drops the root struct name from a validator namespace, so
// "BulkCreateRequest.Tasks[3].TaskType" becomes "Tasks[3].TaskType".
func fieldName(namespace string) string {
	if _, rest, ok := strings.Cut(namespace, "."); ok {
		return rest
	}
	return namespace
}

// getValidationTagMessage maps validation tags to user-friendly error messages
func getValidationTagMessage(tag string) string {
	switch tag {
	case "required":
		return "required field"
	case "min", "gte":
		return "too small"
	case "max", "lte":
		return "too large"
	case "oneof":
		return "invalid value"
	case "dive":
		return "invalid element"
	default:
		return "validation failed"
	}
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
