package domain

import "time"

// QueueStatus is the scheduler-visible state of a queue entry.
type QueueStatus string

// Possible queue status values
const (
	QueueStatusQueued     QueueStatus = "QUEUED"
	QueueStatusProcessing QueueStatus = "PROCESSING"
	QueueStatusCancelling QueueStatus = "CANCELLING"
	QueueStatusCancelled  QueueStatus = "CANCELLED"
	QueueStatusCompleted  QueueStatus = "COMPLETED"
	QueueStatusFailed     QueueStatus = "FAILED"
)

// QueueStatuses lists every queue status, used to report zero counts.
var QueueStatuses = []QueueStatus{
	QueueStatusQueued, QueueStatusProcessing, QueueStatusCancelling,
	QueueStatusCancelled, QueueStatusCompleted, QueueStatusFailed,
}

// IsTerminal reports whether an entry in status s can never be selected again.
func (s QueueStatus) IsTerminal() bool {
	switch s {
	case QueueStatusCancelled, QueueStatusCompleted, QueueStatusFailed:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known queue status.
func (s QueueStatus) Valid() bool {
	for _, known := range QueueStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// QueueEntry is the retryable envelope of a task awaiting or undergoing
// execution. There is at most one entry per task id.
type QueueEntry struct {
	TaskID              string      `json:"task_id"`
	TaskType            string      `json:"task_type"`
	Priority            Priority    `json:"priority"`
	Status              QueueStatus `json:"status"`
	Attempts            int         `json:"attempts"`
	MaxAttempts         int         `json:"max_attempts"`
	TimeoutMinutes      int         `json:"timeout_minutes"`
	CreatedAt           time.Time   `json:"created_at"`
	UpdatedAt           time.Time   `json:"updated_at"`
	ProcessingStartedAt *time.Time  `json:"processing_started_at,omitempty"`
	CompletedAt         *time.Time  `json:"completed_at,omitempty"`
	FailedAt            *time.Time  `json:"failed_at,omitempty"`
	RetryAfter          *time.Time  `json:"retry_after,omitempty"`
	LastError           string      `json:"last_error,omitempty"`
	CancelRequested     bool        `json:"cancel_requested"`
	EstimatedCompletion *time.Time  `json:"estimated_completion,omitempty"`
}

// Eligible reports whether the entry may be claimed at now.
func (e *QueueEntry) Eligible(now time.Time) bool {
	if e.Status != QueueStatusQueued {
		return false
	}
	return e.RetryAfter == nil || !e.RetryAfter.After(now)
}

// ClaimsBefore reports whether e is selected before other under
// priority-then-age ordering.
func (e *QueueEntry) ClaimsBefore(other *QueueEntry) bool {
	if e.Priority.Rank() != other.Priority.Rank() {
		return e.Priority.Rank() < other.Priority.Rank()
	}
	if !e.CreatedAt.Equal(other.CreatedAt) {
		return e.CreatedAt.Before(other.CreatedAt)
	}
	return e.TaskID < other.TaskID
}

// Policy is the immutable execution policy of a task type.
type Policy struct {
	MaxAttempts              int      `json:"max_attempts"`
	TimeoutMinutes           int      `json:"timeout_minutes"`
	PriorityDefault          Priority `json:"priority_default"`
	RequiresCredits          bool     `json:"requires_credits"`
	EstimatedDurationMinutes int      `json:"estimated_duration_minutes"`
}

// Timeout returns the execution timeout as a duration.
func (p Policy) Timeout() time.Duration {
	return time.Duration(p.TimeoutMinutes) * time.Minute
}

// EstimatedDuration returns the expected run time as a duration.
func (p Policy) EstimatedDuration() time.Duration {
	return time.Duration(p.EstimatedDurationMinutes) * time.Minute
}
