package store

import (
	"context"
	"slices"
	"time"

	"github.com/phrazzld/studio-queue/internal/domain"
)

// QueueFilter narrows QueueStore.List. Zero-valued fields do not filter.
type QueueFilter struct {
	Statuses []domain.QueueStatus
	Types    []string
	TaskIDs  []string
	Limit    int
	Skip     int
}

// Matches reports whether e satisfies every set field of f.
func (f QueueFilter) Matches(e *domain.QueueEntry) bool {
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, e.Status) {
		return false
	}
	if len(f.Types) > 0 && !slices.Contains(f.Types, e.TaskType) {
		return false
	}
	if len(f.TaskIDs) > 0 && !slices.Contains(f.TaskIDs, e.TaskID) {
		return false
	}
	return true
}

// QueueStore defines the interface for queue entry persistence. There is at
// most one entry per task id; entries are never deleted by the engine.
type QueueStore interface {
	// Insert creates a QUEUED entry. An existing terminal entry for the same
	// task is reset in place with attempts zeroed.
	// Returns ErrQueueEntryActive if a non-terminal entry exists.
	Insert(ctx context.Context, taskID, taskType string, priority domain.Priority, policy domain.Policy) (*domain.QueueEntry, error)

	// Get returns the entry for a task id.
	// Returns ErrQueueEntryNotFound if none exists.
	Get(ctx context.Context, taskID string) (*domain.QueueEntry, error)

	// ClaimNext atomically moves the best eligible QUEUED entry to PROCESSING
	// under priority-then-age ordering and returns it. Concurrent callers
	// never receive the same entry.
	// Returns ErrQueueEmpty if nothing is eligible.
	ClaimNext(ctx context.Context) (*domain.QueueEntry, error)

	// MarkCompleted, MarkFailed and MarkCancelled are the terminal transitions.
	MarkCompleted(ctx context.Context, taskID string) error
	MarkFailed(ctx context.Context, taskID string, attempts int, lastError string) error
	MarkCancelled(ctx context.Context, taskID string) error

	// MarkCancelling flags a PROCESSING entry for cooperative cancellation.
	// Returns ErrInvalidTransition if the entry is not PROCESSING.
	MarkCancelling(ctx context.Context, taskID string) error

	// CancelIfQueued moves a QUEUED entry straight to CANCELLED. It reports
	// false without error when the entry is in any other state.
	CancelIfQueued(ctx context.Context, taskID string) (bool, error)

	// Requeue returns an entry to QUEUED with the given attempts and earliest
	// retry time, preserving its priority and created_at.
	Requeue(ctx context.Context, taskID string, attempts int, retryAfter *time.Time, lastError string) error

	// Touch refreshes updated_at of a PROCESSING entry.
	Touch(ctx context.Context, taskID string) error

	// SetEstimatedCompletion records the expected completion time.
	SetEstimatedCompletion(ctx context.Context, taskID string, at time.Time) error

	// IsCancelRequested reports the cancel_requested flag.
	IsCancelRequested(ctx context.Context, taskID string) (bool, error)

	// Position returns the 1-based position of a QUEUED entry among all
	// QUEUED entries under selection ordering, or 0 when it is not QUEUED.
	Position(ctx context.Context, taskID string) (int, error)

	// StatusCounts returns the number of entries per status.
	StatusCounts(ctx context.Context) (map[domain.QueueStatus]int, error)

	// CountsByType returns the number of non-terminal entries per task type.
	CountsByType(ctx context.Context) (map[string]int, error)

	// List returns entries matching the filter, newest-first by created_at.
	List(ctx context.Context, filter QueueFilter) ([]*domain.QueueEntry, error)

	// ListByStatus returns every entry in the given status.
	ListByStatus(ctx context.Context, status domain.QueueStatus) ([]*domain.QueueEntry, error)

	// FindStuck returns PROCESSING or CANCELLING entries whose updated_at is
	// older than olderThan.
	FindStuck(ctx context.Context, olderThan time.Time) ([]*domain.QueueEntry, error)
}
