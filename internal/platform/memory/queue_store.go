package memory

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/phrazzld/studio-queue/internal/domain"
	"github.com/phrazzld/studio-queue/internal/platform/logger"
	"github.com/phrazzld/studio-queue/internal/store"
)

// QueueStore implements store.QueueStore with a mutex-guarded map. Every
// operation holds the lock for its whole duration, which makes ClaimNext
// atomic across goroutines.
type QueueStore struct {
	mu      sync.Mutex
	entries map[string]*domain.QueueEntry
	logger  *slog.Logger
	now     func() time.Time
	notify  func(taskID string)
}

// Ensure QueueStore implements store.QueueStore interface
var _ store.QueueStore = (*QueueStore)(nil)

// NewQueueStore creates an empty in-memory queue store.
func NewQueueStore(logger *slog.Logger) *QueueStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &QueueStore{
		entries: make(map[string]*domain.QueueEntry),
		logger:  logger.With(slog.String("component", "memory_queue_store")),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source. It is intended for tests.
func (s *QueueStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// OnClaimable registers a callback invoked, outside the lock, whenever an
// entry becomes claimable. It plays the role of LISTEN/NOTIFY.
func (s *QueueStore) OnClaimable(fn func(taskID string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notify = fn
}

// Insert implements store.QueueStore.Insert.
func (s *QueueStore) Insert(
	ctx context.Context,
	taskID, taskType string,
	priority domain.Priority,
	policy domain.Policy,
) (*domain.QueueEntry, error) {
	s.mu.Lock()
	if existing, ok := s.entries[taskID]; ok && !existing.Status.IsTerminal() {
		s.mu.Unlock()
		return nil, store.ErrQueueEntryActive
	}

	now := s.now()
	e := &domain.QueueEntry{
		TaskID:         taskID,
		TaskType:       taskType,
		Priority:       priority,
		Status:         domain.QueueStatusQueued,
		MaxAttempts:    policy.MaxAttempts,
		TimeoutMinutes: policy.TimeoutMinutes,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.entries[taskID] = e
	out := cloneEntry(e)
	notify := s.notify
	s.mu.Unlock()

	logger.FromContextOrDefault(ctx, s.logger).Debug("queue entry inserted",
		slog.String("task_id", taskID),
		slog.String("priority", string(priority)))
	if notify != nil {
		notify(taskID)
	}
	return out, nil
}

// Get implements store.QueueStore.Get.
func (s *QueueStore) Get(_ context.Context, taskID string) (*domain.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[taskID]
	if !ok {
		return nil, store.ErrQueueEntryNotFound
	}
	return cloneEntry(e), nil
}

// ClaimNext implements store.QueueStore.ClaimNext.
func (s *QueueStore) ClaimNext(ctx context.Context) (*domain.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var best *domain.QueueEntry
	for _, e := range s.entries {
		if !e.Eligible(now) {
			continue
		}
		if best == nil || e.ClaimsBefore(best) {
			best = e
		}
	}
	if best == nil {
		return nil, store.ErrQueueEmpty
	}

	best.Status = domain.QueueStatusProcessing
	best.ProcessingStartedAt = &now
	best.UpdatedAt = now
	best.CancelRequested = false

	logger.FromContextOrDefault(ctx, s.logger).Info("queue entry claimed",
		slog.String("task_id", best.TaskID),
		slog.String("task_type", best.TaskType),
		slog.Int("attempts", best.Attempts))
	return cloneEntry(best), nil
}

// MarkCompleted implements store.QueueStore.MarkCompleted.
func (s *QueueStore) MarkCompleted(_ context.Context, taskID string) error {
	return s.transition(taskID, "complete", activeStatuses, func(e *domain.QueueEntry, now time.Time) {
		e.Status = domain.QueueStatusCompleted
		e.CompletedAt = &now
		e.RetryAfter = nil
	})
}

// MarkFailed implements store.QueueStore.MarkFailed.
func (s *QueueStore) MarkFailed(_ context.Context, taskID string, attempts int, lastError string) error {
	return s.transition(taskID, "fail", liveStatuses, func(e *domain.QueueEntry, now time.Time) {
		e.Status = domain.QueueStatusFailed
		e.FailedAt = &now
		e.Attempts = min(max(e.Attempts, attempts), e.MaxAttempts)
		e.LastError = lastError
		e.RetryAfter = nil
	})
}

// MarkCancelled implements store.QueueStore.MarkCancelled.
func (s *QueueStore) MarkCancelled(_ context.Context, taskID string) error {
	return s.transition(taskID, "cancel", liveStatuses, func(e *domain.QueueEntry, now time.Time) {
		e.Status = domain.QueueStatusCancelled
		e.CompletedAt = &now
		e.CancelRequested = true
		e.RetryAfter = nil
	})
}

// MarkCancelling implements store.QueueStore.MarkCancelling.
func (s *QueueStore) MarkCancelling(_ context.Context, taskID string) error {
	return s.transition(taskID, "request_cancel", activeStatuses, func(e *domain.QueueEntry, _ time.Time) {
		e.Status = domain.QueueStatusCancelling
		e.CancelRequested = true
	})
}

// CancelIfQueued implements store.QueueStore.CancelIfQueued.
func (s *QueueStore) CancelIfQueued(_ context.Context, taskID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[taskID]
	if !ok || e.Status != domain.QueueStatusQueued {
		return false, nil
	}
	now := s.now()
	e.Status = domain.QueueStatusCancelled
	e.CancelRequested = true
	e.CompletedAt = &now
	e.UpdatedAt = now
	e.RetryAfter = nil
	return true, nil
}

// Requeue implements store.QueueStore.Requeue.
func (s *QueueStore) Requeue(_ context.Context, taskID string, attempts int, retryAfter *time.Time, lastError string) error {
	err := s.transition(taskID, "requeue", []domain.QueueStatus{domain.QueueStatusProcessing}, func(e *domain.QueueEntry, _ time.Time) {
		e.Status = domain.QueueStatusQueued
		e.Attempts = max(e.Attempts, attempts)
		e.RetryAfter = nil
		if retryAfter != nil {
			ra := *retryAfter
			e.RetryAfter = &ra
		}
		e.LastError = lastError
		e.ProcessingStartedAt = nil
		e.CancelRequested = false
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	notify := s.notify
	s.mu.Unlock()
	if notify != nil {
		notify(taskID)
	}
	return nil
}

// Touch implements store.QueueStore.Touch.
func (s *QueueStore) Touch(_ context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[taskID]; ok && slices.Contains(activeStatuses, e.Status) {
		e.UpdatedAt = s.now()
	}
	return nil
}

// SetEstimatedCompletion implements store.QueueStore.SetEstimatedCompletion.
func (s *QueueStore) SetEstimatedCompletion(_ context.Context, taskID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[taskID]
	if !ok {
		return store.ErrQueueEntryNotFound
	}
	e.EstimatedCompletion = &at
	return nil
}

// IsCancelRequested implements store.QueueStore.IsCancelRequested.
func (s *QueueStore) IsCancelRequested(_ context.Context, taskID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[taskID]
	if !ok {
		return false, store.ErrQueueEntryNotFound
	}
	return e.CancelRequested, nil
}

// Position implements store.QueueStore.Position.
func (s *QueueStore) Position(_ context.Context, taskID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	target, ok := s.entries[taskID]
	if !ok {
		return 0, store.ErrQueueEntryNotFound
	}
	if target.Status != domain.QueueStatusQueued {
		return 0, nil
	}

	pos := 1
	for _, e := range s.entries {
		if e != target && e.Status == domain.QueueStatusQueued && e.ClaimsBefore(target) {
			pos++
		}
	}
	return pos, nil
}

// StatusCounts implements store.QueueStore.StatusCounts.
func (s *QueueStore) StatusCounts(_ context.Context) (map[domain.QueueStatus]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[domain.QueueStatus]int, len(domain.QueueStatuses))
	for _, st := range domain.QueueStatuses {
		counts[st] = 0
	}
	for _, e := range s.entries {
		counts[e.Status]++
	}
	return counts, nil
}

// CountsByType implements store.QueueStore.CountsByType.
func (s *QueueStore) CountsByType(_ context.Context) (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[string]int)
	for _, e := range s.entries {
		if !e.Status.IsTerminal() {
			counts[e.TaskType]++
		}
	}
	return counts, nil
}

// List implements store.QueueStore.List.
func (s *QueueStore) List(_ context.Context, filter store.QueueFilter) ([]*domain.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*domain.QueueEntry
	for _, e := range s.entries {
		if filter.Matches(e) {
			matched = append(matched, e)
		}
	}
	slices.SortFunc(matched, func(a, b *domain.QueueEntry) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.TaskID, b.TaskID)
	})

	if filter.Skip > 0 {
		if filter.Skip >= len(matched) {
			return []*domain.QueueEntry{}, nil
		}
		matched = matched[filter.Skip:]
	}
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return cloneEntries(matched), nil
}

// ListByStatus implements store.QueueStore.ListByStatus.
func (s *QueueStore) ListByStatus(_ context.Context, status domain.QueueStatus) ([]*domain.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*domain.QueueEntry
	for _, e := range s.entries {
		if e.Status == status {
			matched = append(matched, e)
		}
	}
	slices.SortFunc(matched, func(a, b *domain.QueueEntry) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.TaskID, b.TaskID)
	})
	return cloneEntries(matched), nil
}

// FindStuck implements store.QueueStore.FindStuck.
func (s *QueueStore) FindStuck(_ context.Context, olderThan time.Time) ([]*domain.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stuck []*domain.QueueEntry
	for _, e := range s.entries {
		if slices.Contains(activeStatuses, e.Status) && e.UpdatedAt.Before(olderThan) {
			stuck = append(stuck, e)
		}
	}
	slices.SortFunc(stuck, func(a, b *domain.QueueEntry) int {
		return a.UpdatedAt.Compare(b.UpdatedAt)
	})
	return cloneEntries(stuck), nil
}

var (
	activeStatuses = []domain.QueueStatus{domain.QueueStatusProcessing, domain.QueueStatusCancelling}
	liveStatuses   = []domain.QueueStatus{
		domain.QueueStatusQueued, domain.QueueStatusProcessing, domain.QueueStatusCancelling,
	}
)

// transition applies fn when the entry is in one of the allowed statuses.
func (s *QueueStore) transition(taskID, op string, allowed []domain.QueueStatus, fn func(*domain.QueueEntry, time.Time)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[taskID]
	if !ok {
		return store.ErrQueueEntryNotFound
	}
	if !slices.Contains(allowed, e.Status) {
		return fmt.Errorf("%w: cannot %s entry in status %s", store.ErrInvalidTransition, op, e.Status)
	}
	now := s.now()
	fn(e, now)
	e.UpdatedAt = now
	return nil
}

func cloneEntry(e *domain.QueueEntry) *domain.QueueEntry {
	c := *e
	c.ProcessingStartedAt = copyTime(e.ProcessingStartedAt)
	c.CompletedAt = copyTime(e.CompletedAt)
	c.FailedAt = copyTime(e.FailedAt)
	c.RetryAfter = copyTime(e.RetryAfter)
	c.EstimatedCompletion = copyTime(e.EstimatedCompletion)
	return &c
}

func cloneEntries(entries []*domain.QueueEntry) []*domain.QueueEntry {
	out := make([]*domain.QueueEntry, len(entries))
	for i, e := range entries {
		out[i] = cloneEntry(e)
	}
	return out
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
