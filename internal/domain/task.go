package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status represents the lifecycle state of a task record.
type Status string

// Possible task status values
const (
	StatusPending               Status = "PENDING"
	StatusQueued                Status = "QUEUED"
	StatusProcessing            Status = "PROCESSING"
	StatusCancelling            Status = "CANCELLING"
	StatusCancelled             Status = "CANCELLED"
	StatusCompleted             Status = "COMPLETED"
	StatusCompletedWithWarnings Status = "COMPLETED_WITH_WARNINGS"
	StatusFailed                Status = "FAILED"
	StatusRetryScheduled        Status = "RETRY_SCHEDULED"
)

// Validation errors for Task
var (
	ErrEmptyTaskID     = errors.New("task ID cannot be empty")
	ErrEmptyOwnerID    = errors.New("task owner ID cannot be empty")
	ErrEmptyTaskType   = errors.New("task type cannot be empty")
	ErrInvalidStatus   = errors.New("invalid task status")
	ErrInvalidPriority = errors.New("invalid priority")
	ErrInvalidProgress = errors.New("progress must be between 0 and 100")
)

// Valid reports whether s is one of the known task statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusQueued, StatusProcessing, StatusCancelling, StatusCancelled,
		StatusCompleted, StatusCompletedWithWarnings, StatusFailed, StatusRetryScheduled:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether s is a sink state. COMPLETED_WITH_WARNINGS is
// terminal just like COMPLETED.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCompletedWithWarnings, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Transition returns the status a task in state s ends up in when an update
// requests next. Terminal states never change, and a task that is being
// cancelled stays CANCELLING until it reaches a terminal state.
func (s Status) Transition(next Status) Status {
	if next == "" || !next.Valid() || s.IsTerminal() {
		return s
	}
	if s == StatusCancelling && !next.IsTerminal() {
		return s
	}
	return next
}

// ParseStatus converts a case-insensitive string to a Status.
func ParseStatus(raw string) (Status, error) {
	s := Status(strings.ToUpper(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
	}
	return s, nil
}

// Priority orders queue selection; urgent work is claimed first.
type Priority string

// Possible priority values
const (
	PriorityUrgent Priority = "urgent"
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Priorities lists the tiers in selection order.
var Priorities = []Priority{PriorityUrgent, PriorityHigh, PriorityNormal, PriorityLow}

// Rank returns the selection tier of p, 0 being selected first.
// Unknown priorities rank after low.
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 0
	case PriorityHigh:
		return 1
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 3
	default:
		return 4
	}
}

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	return p.Rank() < 4
}

// ParsePriority converts a case-insensitive string to a Priority.
func ParsePriority(raw string) (Priority, error) {
	p := Priority(strings.ToLower(strings.TrimSpace(raw)))
	if !p.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidPriority, raw)
	}
	return p, nil
}

// Event is a single line of a task's append-only log.
type Event struct {
	Timestamp time.Time      `json:"timestamp"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Status    Status         `json:"status,omitempty"`
	Progress  *int           `json:"progress,omitempty"`
}

// SourceLabels are optional producer tags used to group related tasks.
type SourceLabels struct {
	Name    string `json:"source_name,omitempty"`
	ID      string `json:"source_id,omitempty"`
	GroupID string `json:"source_group_id,omitempty"`
}

// Task is the durable record of a user-initiated job.
type Task struct {
	ID                  string            `json:"task_id"`
	OwnerID             string            `json:"owner_id"`
	AccountID           string            `json:"account_id,omitempty"`
	Type                string            `json:"task_type"`
	Priority            Priority          `json:"priority"`
	Status              Status            `json:"status"`
	Progress            int               `json:"progress"`
	Events              []Event           `json:"events"`
	RequestData         json.RawMessage   `json:"request_data,omitempty"`
	ResultURL           string            `json:"result_url,omitempty"`
	ResultManifest      map[string]string `json:"result_manifest,omitempty"`
	ResultData          json.RawMessage   `json:"result_data,omitempty"`
	ErrorMessage        string            `json:"error_message,omitempty"`
	ErrorDetails        map[string]any    `json:"error_details,omitempty"`
	EstimatedCompletion *time.Time        `json:"estimated_completion,omitempty"`
	Source              SourceLabels      `json:"source"`
	CreatedAt           time.Time         `json:"created_at"`
	UpdatedAt           time.Time         `json:"updated_at"`
}

// Validate checks the identity fields of a task record.
func (t *Task) Validate() error {
	if strings.TrimSpace(t.ID) == "" {
		return ErrEmptyTaskID
	}
	if strings.TrimSpace(t.OwnerID) == "" {
		return ErrEmptyOwnerID
	}
	if strings.TrimSpace(t.Type) == "" {
		return ErrEmptyTaskType
	}
	if !t.Priority.Valid() {
		return ErrInvalidPriority
	}
	if !t.Status.Valid() {
		return ErrInvalidStatus
	}
	if t.Progress < 0 || t.Progress > 100 {
		return ErrInvalidProgress
	}
	return nil
}

// LastEvent returns the most recent event, or nil when the log is empty.
func (t *Task) LastEvent() *Event {
	if len(t.Events) == 0 {
		return nil
	}
	return &t.Events[len(t.Events)-1]
}

// NextProgress returns the progress value after an update requesting
// requested is applied to current. Progress never moves backwards and is
// clamped to [0,100].
func NextProgress(current int, requested *int) int {
	if requested == nil {
		return current
	}
	next := *requested
	if next > 100 {
		next = 100
	}
	if next < current {
		return current
	}
	if next < 0 {
		return 0
	}
	return next
}

// NextEventTime returns the timestamp to record for an event appended at now
// after last. Event timestamps never go backwards.
func NextEventTime(last, now time.Time) time.Time {
	if now.Before(last) {
		return last
	}
	return now
}

// IntPtr is a small helper for optional progress values.
func IntPtr(v int) *int {
	return &v
}
