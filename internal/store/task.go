package store

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/phrazzld/studio-queue/internal/domain"
)

// TaskFilter narrows ListTasks and CountTasks. Zero-valued fields do not filter.
type TaskFilter struct {
	OwnerID       string
	AccountID     string
	Statuses      []domain.Status
	Types         []string
	SourceGroupID string
	SourceIDs     []string
	TaskIDs       []string
	Limit         int
	Skip          int
}

// TaskUpdate describes a single atomic mutation of a task record. Every
// update appends exactly one event carrying Message and Details.
type TaskUpdate struct {
	Message string
	Details map[string]any

	// Status requests a transition; it is subject to domain.Status.Transition.
	Status domain.Status
	// Progress requests a new progress value; it never moves backwards.
	Progress *int

	ResultURL           *string
	ResultManifest      map[string]string
	ResultData          json.RawMessage
	ErrorMessage        *string
	ErrorDetails        map[string]any
	ClearError          bool
	EstimatedCompletion *time.Time

	// Reopen resets the task to PENDING with progress 0 regardless of its
	// current status. It is the only way out of a terminal state.
	Reopen bool
	// ClearResult drops result fields when reopening.
	ClearResult bool
	// RequestData replaces the stored request payload when reopening.
	RequestData json.RawMessage
}

// TaskStore defines the interface for task record persistence.
type TaskStore interface {
	// CreateTask saves a new task record with an initial "Task <status>" event.
	// It is idempotent on task id: when a record already exists it is returned
	// unchanged and created is false.
	CreateTask(ctx context.Context, task *domain.Task) (stored *domain.Task, created bool, err error)

	// GetTask retrieves a task by id.
	// Returns ErrTaskNotFound if the task does not exist.
	GetTask(ctx context.Context, id string) (*domain.Task, error)

	// ListTasks returns tasks matching the filter, newest-first by updated_at.
	ListTasks(ctx context.Context, filter TaskFilter) ([]*domain.Task, error)

	// CountTasks returns the number of tasks matching the filter, ignoring paging.
	CountTasks(ctx context.Context, filter TaskFilter) (int, error)

	// UpdateTask atomically appends an event and applies the coupled field
	// changes, returning the post-image.
	// Returns ErrTaskNotFound if the task does not exist.
	UpdateTask(ctx context.Context, id string, update TaskUpdate) (*domain.Task, error)

	// DeleteTask removes a task owned by ownerID.
	// Returns ErrTaskNotFound if no such task exists for that owner.
	DeleteTask(ctx context.Context, id, ownerID string) error
}

// InitialEventMessage is the message of the event written by CreateTask.
func InitialEventMessage(status domain.Status) string {
	return fmt.Sprintf("Task %s", strings.ToLower(string(status)))
}

// ApplyTaskUpdate mutates t according to u and returns the event to append.
// lastEventAt is the timestamp of the latest stored event, used to keep the
// log time-ordered. Store implementations call it while holding exclusive
// access to the record.
//
// An update moving a terminal task to a different terminal status returns
// ErrInvalidTransition and leaves t untouched.
func ApplyTaskUpdate(t *domain.Task, lastEventAt time.Time, u TaskUpdate, now time.Time) (domain.Event, error) {
	if !u.Reopen && t.Status.IsTerminal() && u.Status.IsTerminal() && u.Status != t.Status {
		return domain.Event{}, fmt.Errorf("%w: task %s is %s, cannot become %s",
			ErrInvalidTransition, t.ID, t.Status, u.Status)
	}

	ts := domain.NextEventTime(lastEventAt, now)
	event := domain.Event{
		Timestamp: ts,
		Message:   u.Message,
		Details:   maps.Clone(u.Details),
	}

	if u.Reopen {
		t.Status = domain.StatusPending
		t.Progress = 0
		t.ErrorMessage = ""
		t.ErrorDetails = nil
		t.EstimatedCompletion = nil
		if u.ClearResult {
			t.ResultURL = ""
			t.ResultManifest = nil
			t.ResultData = nil
		}
		if len(u.RequestData) > 0 {
			t.RequestData = u.RequestData
		}
		event.Status = t.Status
		event.Progress = domain.IntPtr(0)
		t.UpdatedAt = ts
		return event, nil
	}

	wasTerminal := t.Status.IsTerminal()
	if u.Status != "" {
		t.Status = t.Status.Transition(u.Status)
		event.Status = t.Status
	}

	if !wasTerminal {
		if u.Progress != nil {
			t.Progress = domain.NextProgress(t.Progress, u.Progress)
			event.Progress = domain.IntPtr(t.Progress)
		}
		if u.ResultURL != nil {
			t.ResultURL = *u.ResultURL
		}
		if u.ResultManifest != nil {
			t.ResultManifest = maps.Clone(u.ResultManifest)
		}
		if u.ResultData != nil {
			t.ResultData = u.ResultData
		}
		if u.ClearError {
			t.ErrorMessage = ""
			t.ErrorDetails = nil
		}
		if u.ErrorMessage != nil {
			t.ErrorMessage = *u.ErrorMessage
		}
		if u.ErrorDetails != nil {
			t.ErrorDetails = maps.Clone(u.ErrorDetails)
		}
		if u.EstimatedCompletion != nil {
			ec := *u.EstimatedCompletion
			t.EstimatedCompletion = &ec
		}
	}

	t.UpdatedAt = ts
	return event, nil
}

// CompletedUpdate builds the terminal success update. Non-empty warnings
// yield COMPLETED_WITH_WARNINGS.
func CompletedUpdate(resultURL string, manifest map[string]string, data json.RawMessage, message string, warnings []string) TaskUpdate {
	status := domain.StatusCompleted
	var details map[string]any
	if len(warnings) > 0 {
		status = domain.StatusCompletedWithWarnings
		details = map[string]any{"warnings": warnings}
	}
	if message == "" {
		message = "Task completed"
	}
	return TaskUpdate{
		Message:        message,
		Details:        details,
		Status:         status,
		Progress:       domain.IntPtr(100),
		ResultURL:      &resultURL,
		ResultManifest: manifest,
		ResultData:     data,
		ClearError:     true,
	}
}

// FailedUpdate builds the terminal failure update.
func FailedUpdate(errorMessage string, details map[string]any, manifest map[string]string, message string) TaskUpdate {
	if message == "" {
		message = "Task failed: " + errorMessage
	}
	return TaskUpdate{
		Message:        message,
		Details:        details,
		Status:         domain.StatusFailed,
		ErrorMessage:   &errorMessage,
		ErrorDetails:   details,
		ResultManifest: manifest,
	}
}

// CancelledUpdate builds the terminal cancellation update.
func CancelledUpdate(reason string, details map[string]any, message string) TaskUpdate {
	if message == "" {
		message = "Task cancelled"
	}
	merged := maps.Clone(details)
	if merged == nil {
		merged = map[string]any{}
	}
	if reason != "" {
		merged["reason"] = reason
	}
	return TaskUpdate{
		Message: message,
		Details: merged,
		Status:  domain.StatusCancelled,
	}
}

// ReopenUpdate builds the regeneration reset update.
func ReopenUpdate(clearResult bool, requestData json.RawMessage) TaskUpdate {
	message := "Task reset for regeneration"
	if !clearResult {
		message = "Task reopened for regeneration"
	}
	return TaskUpdate{
		Message:     message,
		Reopen:      true,
		ClearResult: clearResult,
		RequestData: requestData,
	}
}

// SetCompleted is a convenience for the terminal success write.
func SetCompleted(ctx context.Context, s TaskStore, id, resultURL string, manifest map[string]string, data json.RawMessage, message string, warnings ...string) (*domain.Task, error) {
	return s.UpdateTask(ctx, id, CompletedUpdate(resultURL, manifest, data, message, warnings))
}

// SetFailed is a convenience for the terminal failure write.
func SetFailed(ctx context.Context, s TaskStore, id, errorMessage string, details map[string]any, manifest map[string]string, message string) (*domain.Task, error) {
	return s.UpdateTask(ctx, id, FailedUpdate(errorMessage, details, manifest, message))
}

// SetCancelled is a convenience for the terminal cancellation write.
func SetCancelled(ctx context.Context, s TaskStore, id, reason string, details map[string]any, message string) (*domain.Task, error) {
	return s.UpdateTask(ctx, id, CancelledUpdate(reason, details, message))
}

// AppendEvent is a convenience for a progress or status event.
func AppendEvent(ctx context.Context, s TaskStore, id, message string, details map[string]any, status domain.Status, progress *int) (*domain.Task, error) {
	return s.UpdateTask(ctx, id, TaskUpdate{
		Message:  message,
		Details:  details,
		Status:   status,
		Progress: progress,
	})
}

// MatchesTask reports whether t satisfies every set field of f. In-memory
// implementations use it; SQL implementations translate the filter to a
// WHERE clause with the same semantics.
func (f TaskFilter) MatchesTask(t *domain.Task) bool {
	if f.OwnerID != "" && t.OwnerID != f.OwnerID {
		return false
	}
	if f.AccountID != "" && t.AccountID != f.AccountID {
		return false
	}
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, t.Status) {
		return false
	}
	if len(f.Types) > 0 && !slices.Contains(f.Types, t.Type) {
		return false
	}
	if f.SourceGroupID != "" && t.Source.GroupID != f.SourceGroupID {
		return false
	}
	if len(f.SourceIDs) > 0 && !slices.Contains(f.SourceIDs, t.Source.ID) {
		return false
	}
	if len(f.TaskIDs) > 0 && !slices.Contains(f.TaskIDs, t.ID) {
		return false
	}
	return true
}
