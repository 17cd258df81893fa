package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/studio-queue/internal/domain"
	"github.com/phrazzld/studio-queue/internal/events"
	"github.com/phrazzld/studio-queue/internal/platform/logger"
	"github.com/phrazzld/studio-queue/internal/store"
)

// Bulk operation limits
const (
	MaxBulkCreate     = 200
	MaxBulkRegenerate = 200
	MaxBulkCancel     = 100
)

// EnqueueRequest describes a task submitted by a producer.
type EnqueueRequest struct {
	// TaskID is optional; a UUID is generated when empty.
	TaskID      string
	OwnerID     string
	AccountID   string
	Type        string
	Priority    domain.Priority
	RequestData json.RawMessage
	Source      domain.SourceLabels
}

// ItemError reports the failure of one element of a bulk call.
type ItemError struct {
	Index  int    `json:"index"`
	TaskID string `json:"task_id,omitempty"`
	Error  string `json:"error"`
}

// BulkResult is the outcome of BulkCreate and BulkRegenerate.
type BulkResult struct {
	Tasks  []*domain.Task `json:"tasks"`
	Errors []ItemError    `json:"errors"`
}

// BulkCancelResult is the outcome of BulkCancel.
type BulkCancelResult struct {
	Cancelled []string    `json:"cancelled"`
	Skipped   []ItemError `json:"skipped"`
	Errors    []ItemError `json:"errors"`
}

// RegenerateRequest re-executes finished tasks.
type RegenerateRequest struct {
	TaskIDs []string
	// OwnerID scopes the lookup; empty means any owner.
	OwnerID string
	// ResetToPending clears the previous result before requeueing.
	ResetToPending bool
	// Force allows regenerating a task whose record still says PROCESSING
	// although it has no live queue entry.
	Force bool
	// Overrides are merged into the top level of the stored request data.
	Overrides map[string]any
}

// TaskQueueStatus is the queue view of a single task.
type TaskQueueStatus struct {
	TaskID              string             `json:"task_id"`
	Status              domain.QueueStatus `json:"status"`
	Position            int                `json:"position"`
	Attempts            int                `json:"attempts"`
	MaxAttempts         int                `json:"max_attempts"`
	EstimatedCompletion *time.Time         `json:"estimated_completion,omitempty"`
	RetryAfter          *time.Time         `json:"retry_after,omitempty"`
	LastError           string             `json:"last_error,omitempty"`
}

// QueueOverview is the global queue view.
type QueueOverview struct {
	CurrentProcessing string                     `json:"current_processing,omitempty"`
	CountsByStatus    map[domain.QueueStatus]int `json:"counts_by_status"`
	CountsByType      map[string]int             `json:"counts_by_type"`
	IsProcessing      bool                       `json:"is_processing"`
	IsPaused          bool                       `json:"is_paused"`
	SupportedTypes    []string                   `json:"supported_types"`
}

// ServiceOption customizes a Service.
type ServiceOption func(*Service)

// WithCredits sets the credit collaborator.
func WithCredits(credits CreditAccountant) ServiceOption {
	return func(s *Service) { s.credits = credits }
}

// WithServiceEmitter publishes enqueue and cancel events to emitter.
func WithServiceEmitter(emitter events.EventEmitter) ServiceOption {
	return func(s *Service) { s.emitter = emitter }
}

// WithServiceClock replaces the time source.
func WithServiceClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// WithIDGenerator replaces the task id generator.
func WithIDGenerator(newID func() string) ServiceOption {
	return func(s *Service) { s.newID = newID }
}

// Service is the entry point for producers and administrators. It never
// executes tasks; it only manipulates the stores and nudges the dispatcher.
type Service struct {
	tasks      store.TaskStore
	queue      store.QueueStore
	registry   *Registry
	dispatcher *Dispatcher
	credits    CreditAccountant
	emitter    events.EventEmitter
	logger     *slog.Logger
	now        func() time.Time
	newID      func() string
}

// NewService creates a Service.
func NewService(
	tasks store.TaskStore,
	queue store.QueueStore,
	registry *Registry,
	dispatcher *Dispatcher,
	logger *slog.Logger,
	opts ...ServiceOption,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		tasks:      tasks,
		queue:      queue,
		registry:   registry,
		dispatcher: dispatcher,
		credits:    UnlimitedCredits{},
		emitter:    events.NopEmitter{},
		logger:     logger.With(slog.String("component", "task_service")),
		now:        func() time.Time { return time.Now().UTC() },
		newID:      uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Enqueue creates the task record if absent, inserts a queue entry and
// makes sure the dispatcher is running.
func (s *Service) Enqueue(ctx context.Context, req EnqueueRequest) (*domain.Task, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	proc, policy, ok := s.registry.Lookup(req.Type)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedTaskType, req.Type)
	}

	priority := req.Priority
	if priority == "" {
		priority = policy.PriorityDefault
	}
	if !priority.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidPriority, priority)
	}

	if _, err := proc.ValidateRequest(req.RequestData); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidRequest, reasonOf(err))
	}

	if req.TaskID == "" {
		req.TaskID = s.newID()
	}

	if entry, err := s.queue.Get(ctx, req.TaskID); err == nil && !entry.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrDuplicateTaskID, req.TaskID, entry.Status)
	} else if err != nil && !store.IsNotFoundError(err) {
		return nil, fmt.Errorf("failed to check queue entry: %w", err)
	}

	existing, err := s.tasks.GetTask(ctx, req.TaskID)
	switch {
	case err == nil && existing.OwnerID != req.OwnerID:
		return nil, fmt.Errorf("%w: %s", ErrDuplicateTaskID, req.TaskID)
	case err == nil && existing.Status.IsTerminal():
		return nil, fmt.Errorf("%w: %s is %s", ErrTaskTerminal, req.TaskID, existing.Status)
	case err != nil && !store.IsNotFoundError(err):
		return nil, fmt.Errorf("failed to load task: %w", err)
	}

	if policy.RequiresCredits {
		if err := s.credits.Reserve(ctx, req.AccountID, req.TaskID, req.Type); err != nil {
			return nil, err
		}
	}

	stored, created, err := s.tasks.CreateTask(ctx, &domain.Task{
		ID:          req.TaskID,
		OwnerID:     req.OwnerID,
		AccountID:   req.AccountID,
		Type:        req.Type,
		Priority:    priority,
		Status:      domain.StatusPending,
		RequestData: req.RequestData,
		Source:      req.Source,
	})
	if err != nil {
		s.releaseCredits(ctx, policy, req.AccountID, req.TaskID)
		if errors.Is(err, store.ErrInvalidEntity) {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		return nil, fmt.Errorf("failed to create task: %w", err)
	}
	if created {
		log.Info("task created",
			slog.String("task_id", stored.ID),
			slog.String("task_type", stored.Type),
			slog.String("priority", string(priority)))
	}

	queued, err := s.enqueueExisting(ctx, stored, priority, policy)
	if err != nil && !errors.Is(err, ErrDuplicateTaskID) {
		s.releaseCredits(ctx, policy, req.AccountID, req.TaskID)
	}
	return queued, err
}

// releaseCredits refunds the reservation of a task that was not enqueued. A
// duplicate id shares its reservation with the live entry, so callers skip
// the refund in that case.
func (s *Service) releaseCredits(ctx context.Context, policy domain.Policy, accountID, taskID string) {
	if !policy.RequiresCredits {
		return
	}
	if err := s.credits.Refund(ctx, accountID, taskID); err != nil {
		logger.FromContextOrDefault(ctx, s.logger).Error("failed to refund credits",
			slog.String("task_id", taskID),
			slog.String("error", err.Error()))
	}
}

// enqueueExisting inserts a queue entry for a task record that already
// exists. The QUEUED event is written before the insert so it can never
// follow a PROCESSING event of the same execution.
func (s *Service) enqueueExisting(ctx context.Context, t *domain.Task, priority domain.Priority, policy domain.Policy) (*domain.Task, error) {
	log := logger.ForTask(logger.FromContextOrDefault(ctx, s.logger), t.ID, t.Type)

	_, err := store.AppendEvent(ctx, s.tasks, t.ID,
		fmt.Sprintf("Task queued with %s priority", priority),
		map[string]any{"priority": string(priority)},
		domain.StatusQueued, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to record queued event: %w", err)
	}

	if _, err := s.queue.Insert(ctx, t.ID, t.Type, priority, policy); err != nil {
		if errors.Is(err, store.ErrQueueEntryActive) {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateTaskID, t.ID)
		}
		log.Error("failed to insert queue entry", slog.String("error", err.Error()))
		if _, aerr := store.AppendEvent(ctx, s.tasks, t.ID,
			"Failed to enqueue task: "+err.Error(), nil, domain.StatusPending, nil); aerr != nil {
			log.Error("failed to record enqueue failure", slog.String("error", aerr.Error()))
		}
		return nil, fmt.Errorf("failed to enqueue task: %w", err)
	}

	updated, err := s.tasks.GetTask(ctx, t.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to reload task: %w", err)
	}

	emitLifecycle(ctx, s.emitter, log, events.TypeEnqueued, updated, 0, 0, map[string]any{"priority": priority})
	if err := s.dispatcher.EnsureRunning(); err != nil {
		log.Warn("failed to start dispatcher", slog.String("error", err.Error()))
	}
	return updated, nil
}

// GetTask returns a task. A non-empty ownerID restricts the lookup to that
// owner; other owners' tasks are reported as not found.
func (s *Service) GetTask(ctx context.Context, taskID, ownerID string) (*domain.Task, error) {
	t, err := s.tasks.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if ownerID != "" && t.OwnerID != ownerID {
		return nil, store.ErrTaskNotFound
	}
	return t, nil
}

// ListTasks returns a page of tasks and the total number of matches.
func (s *Service) ListTasks(ctx context.Context, filter store.TaskFilter) ([]*domain.Task, int, error) {
	tasks, err := s.tasks.ListTasks(ctx, filter)
	if err != nil {
		return nil, 0, err
	}
	total, err := s.tasks.CountTasks(ctx, filter)
	if err != nil {
		return nil, 0, err
	}
	return tasks, total, nil
}

// CountTasks returns the number of tasks matching filter.
func (s *Service) CountTasks(ctx context.Context, filter store.TaskFilter) (int, error) {
	return s.tasks.CountTasks(ctx, filter)
}

// DeleteTask removes a task. A queued entry is cancelled first and a running
// one is asked to stop; the dispatcher fails entries whose task has vanished.
func (s *Service) DeleteTask(ctx context.Context, taskID, ownerID string) error {
	t, err := s.GetTask(ctx, taskID, ownerID)
	if err != nil {
		return err
	}

	if !t.Status.IsTerminal() {
		cancelled, err := s.queue.CancelIfQueued(ctx, taskID)
		if err != nil {
			return fmt.Errorf("failed to cancel queue entry: %w", err)
		}
		if !cancelled {
			if err := s.queue.MarkCancelling(ctx, taskID); err != nil &&
				!errors.Is(err, store.ErrInvalidTransition) && !store.IsNotFoundError(err) {
				return fmt.Errorf("failed to request cancellation: %w", err)
			}
		}
	}

	if err := s.tasks.DeleteTask(ctx, taskID, t.OwnerID); err != nil {
		return err
	}
	logger.FromContextOrDefault(ctx, s.logger).Info("task deleted", slog.String("task_id", taskID))
	return nil
}

// CancelTask cancels a queued task immediately or asks a running one to
// stop at its next stage boundary.
func (s *Service) CancelTask(ctx context.Context, taskID, ownerID, reason string) (*domain.Task, error) {
	t, err := s.GetTask(ctx, taskID, ownerID)
	if err != nil {
		return nil, err
	}
	if t.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrTaskTerminal, taskID, t.Status)
	}
	if reason == "" {
		reason = "Cancelled by user"
	}

	cancelled, err := s.queue.CancelIfQueued(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to cancel queue entry: %w", err)
	}
	if cancelled {
		return s.finishCancel(ctx, t, reason)
	}

	entry, err := s.queue.Get(ctx, taskID)
	switch {
	case store.IsNotFoundError(err):
		return s.finishCancel(ctx, t, reason)
	case err != nil:
		return nil, fmt.Errorf("failed to load queue entry: %w", err)
	case entry.Status == domain.QueueStatusCancelling:
		return t, nil
	case entry.Status.IsTerminal():
		return s.finishCancel(ctx, t, reason)
	}

	if err := s.queue.MarkCancelling(ctx, taskID); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			// Finished between the two reads
			if cur, gerr := s.tasks.GetTask(ctx, taskID); gerr == nil && cur.Status.IsTerminal() {
				return nil, fmt.Errorf("%w: %s is %s", ErrTaskTerminal, taskID, cur.Status)
			}
		}
		return nil, fmt.Errorf("failed to request cancellation: %w", err)
	}

	updated, err := store.AppendEvent(ctx, s.tasks, taskID, "Cancellation requested",
		map[string]any{"reason": reason}, domain.StatusCancelling, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to record cancellation request: %w", err)
	}
	logger.FromContextOrDefault(ctx, s.logger).Info("cancellation requested for running task",
		slog.String("task_id", taskID))
	return updated, nil
}

func (s *Service) finishCancel(ctx context.Context, t *domain.Task, reason string) (*domain.Task, error) {
	updated, err := store.SetCancelled(ctx, s.tasks, t.ID, reason, nil, "")
	if err != nil {
		return nil, fmt.Errorf("failed to cancel task: %w", err)
	}
	emitLifecycle(ctx, s.emitter, s.logger, events.TypeCancelled, updated, 0, 0, map[string]any{"reason": reason})
	return updated, nil
}

// QueueStatus returns the queue view of one task.
func (s *Service) QueueStatus(ctx context.Context, taskID string) (*TaskQueueStatus, error) {
	entry, err := s.queue.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	pos, err := s.queue.Position(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return &TaskQueueStatus{
		TaskID:              entry.TaskID,
		Status:              entry.Status,
		Position:            pos,
		Attempts:            entry.Attempts,
		MaxAttempts:         entry.MaxAttempts,
		EstimatedCompletion: entry.EstimatedCompletion,
		RetryAfter:          entry.RetryAfter,
		LastError:           entry.LastError,
	}, nil
}

// Overview returns the global queue view.
func (s *Service) Overview(ctx context.Context) (*QueueOverview, error) {
	byStatus, err := s.queue.StatusCounts(ctx)
	if err != nil {
		return nil, err
	}
	byType, err := s.queue.CountsByType(ctx)
	if err != nil {
		return nil, err
	}
	return &QueueOverview{
		CurrentProcessing: s.dispatcher.CurrentTaskID(),
		CountsByStatus:    byStatus,
		CountsByType:      byType,
		IsProcessing:      s.dispatcher.IsRunning(),
		IsPaused:          s.dispatcher.IsPaused(),
		SupportedTypes:    s.registry.Types(),
	}, nil
}

// QueueList returns queue entries matching filter.
func (s *Service) QueueList(ctx context.Context, filter store.QueueFilter) ([]*domain.QueueEntry, error) {
	return s.queue.List(ctx, filter)
}

// BulkCreate enqueues up to MaxBulkCreate tasks. Invalid elements are
// reported per item and do not prevent the others from being enqueued.
func (s *Service) BulkCreate(ctx context.Context, reqs []EnqueueRequest) (*BulkResult, error) {
	if len(reqs) > MaxBulkCreate {
		return nil, fmt.Errorf("%w: %d tasks exceeds the limit of %d", ErrBatchTooLarge, len(reqs), MaxBulkCreate)
	}

	result := &BulkResult{Tasks: []*domain.Task{}, Errors: []ItemError{}}
	seen := make(map[string]int, len(reqs))
	for i, req := range reqs {
		if req.TaskID == "" {
			req.TaskID = s.newID()
		}
		if prev, dup := seen[req.TaskID]; dup {
			result.Errors = append(result.Errors, ItemError{
				Index:  i,
				TaskID: req.TaskID,
				Error:  fmt.Sprintf("duplicate task id in batch (first seen at index %d)", prev),
			})
			continue
		}
		seen[req.TaskID] = i

		t, err := s.Enqueue(ctx, req)
		if err != nil {
			result.Errors = append(result.Errors, ItemError{Index: i, TaskID: req.TaskID, Error: err.Error()})
			continue
		}
		result.Tasks = append(result.Tasks, t)
	}

	logger.FromContextOrDefault(ctx, s.logger).Info("bulk create finished",
		slog.Int("accepted", len(result.Tasks)),
		slog.Int("rejected", len(result.Errors)))
	return result, nil
}

// BulkRegenerate reopens and requeues existing tasks.
func (s *Service) BulkRegenerate(ctx context.Context, req RegenerateRequest) (*BulkResult, error) {
	if len(req.TaskIDs) > MaxBulkRegenerate {
		return nil, fmt.Errorf("%w: %d tasks exceeds the limit of %d", ErrBatchTooLarge, len(req.TaskIDs), MaxBulkRegenerate)
	}

	result := &BulkResult{Tasks: []*domain.Task{}, Errors: []ItemError{}}
	for i, id := range req.TaskIDs {
		t, err := s.regenerate(ctx, id, req)
		if err != nil {
			result.Errors = append(result.Errors, ItemError{Index: i, TaskID: id, Error: err.Error()})
			continue
		}
		result.Tasks = append(result.Tasks, t)
	}
	return result, nil
}

func (s *Service) regenerate(ctx context.Context, taskID string, req RegenerateRequest) (*domain.Task, error) {
	t, err := s.GetTask(ctx, taskID, req.OwnerID)
	if err != nil {
		return nil, err
	}
	if t.Status == domain.StatusProcessing && !req.Force {
		return nil, fmt.Errorf("%w: %s", ErrTaskProcessing, taskID)
	}
	if entry, err := s.queue.Get(ctx, taskID); err == nil && !entry.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: %s is already %s", ErrDuplicateTaskID, taskID, entry.Status)
	} else if err != nil && !store.IsNotFoundError(err) {
		return nil, fmt.Errorf("failed to check queue entry: %w", err)
	}

	proc, policy, ok := s.registry.Lookup(t.Type)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedTaskType, t.Type)
	}

	var data json.RawMessage
	if len(req.Overrides) > 0 {
		data, err = mergeOverrides(t.RequestData, req.Overrides)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		if _, err := proc.ValidateRequest(data); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrInvalidRequest, reasonOf(err))
		}
	}

	if policy.RequiresCredits {
		if err := s.credits.Reserve(ctx, t.AccountID, t.ID, t.Type); err != nil {
			return nil, err
		}
	}

	reopened, err := s.tasks.UpdateTask(ctx, taskID, store.ReopenUpdate(req.ResetToPending, data))
	if err != nil {
		s.releaseCredits(ctx, policy, t.AccountID, t.ID)
		return nil, fmt.Errorf("failed to reopen task: %w", err)
	}
	queued, err := s.enqueueExisting(ctx, reopened, t.Priority, policy)
	if err != nil && !errors.Is(err, ErrDuplicateTaskID) {
		s.releaseCredits(ctx, policy, t.AccountID, t.ID)
	}
	return queued, err
}

// mergeOverrides replaces top-level keys of a JSON object.
func mergeOverrides(raw json.RawMessage, overrides map[string]any) (json.RawMessage, error) {
	merged := make(map[string]any)
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &merged); err != nil {
			return nil, fmt.Errorf("stored request data is not an object: %w", err)
		}
	}
	for k, v := range overrides {
		merged[k] = v
	}
	return json.Marshal(merged)
}

// BulkCancel cancels up to MaxBulkCancel tasks. Terminal tasks are skipped.
func (s *Service) BulkCancel(ctx context.Context, taskIDs []string, ownerID, reason string) (*BulkCancelResult, error) {
	if len(taskIDs) > MaxBulkCancel {
		return nil, fmt.Errorf("%w: %d tasks exceeds the limit of %d", ErrBatchTooLarge, len(taskIDs), MaxBulkCancel)
	}

	result := &BulkCancelResult{Cancelled: []string{}, Skipped: []ItemError{}, Errors: []ItemError{}}
	for i, id := range taskIDs {
		_, err := s.CancelTask(ctx, id, ownerID, reason)
		switch {
		case err == nil:
			result.Cancelled = append(result.Cancelled, id)
		case errors.Is(err, ErrTaskTerminal):
			result.Skipped = append(result.Skipped, ItemError{Index: i, TaskID: id, Error: err.Error()})
		default:
			result.Errors = append(result.Errors, ItemError{Index: i, TaskID: id, Error: err.Error()})
		}
	}
	return result, nil
}

// RequeuePending enqueues PENDING tasks that carry request data but have no
// live queue entry. It returns the number of tasks requeued.
func (s *Service) RequeuePending(ctx context.Context) (int, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	const pageSize = 100
	var candidates []*domain.Task
	for skip := 0; ; skip += pageSize {
		page, err := s.tasks.ListTasks(ctx, store.TaskFilter{
			Statuses: []domain.Status{domain.StatusPending},
			Limit:    pageSize,
			Skip:     skip,
		})
		if err != nil {
			return 0, fmt.Errorf("failed to list pending tasks: %w", err)
		}
		candidates = append(candidates, page...)
		if len(page) < pageSize {
			break
		}
	}

	requeued := 0
	for _, t := range candidates {
		if len(t.RequestData) == 0 {
			continue
		}
		entry, err := s.queue.Get(ctx, t.ID)
		if err == nil && !entry.Status.IsTerminal() {
			continue
		}
		if err != nil && !store.IsNotFoundError(err) {
			log.Warn("failed to check queue entry", slog.String("task_id", t.ID), slog.String("error", err.Error()))
			continue
		}
		policy, ok := s.registry.Policy(t.Type)
		if !ok {
			log.Warn("pending task has unsupported type", slog.String("task_id", t.ID), slog.String("task_type", t.Type))
			continue
		}
		if _, err := s.enqueueExisting(ctx, t, t.Priority, policy); err != nil {
			log.Warn("failed to requeue pending task", slog.String("task_id", t.ID), slog.String("error", err.Error()))
			continue
		}
		requeued++
	}

	log.Info("pending tasks requeued", slog.Int("scanned", len(candidates)), slog.Int("requeued", requeued))
	return requeued, nil
}

// CleanupStuck fails every PROCESSING or CANCELLING entry whose last
// heartbeat is older than threshold. It returns the number of entries failed.
func (s *Service) CleanupStuck(ctx context.Context, threshold time.Duration) (int, error) {
	if threshold <= 0 {
		return 0, fmt.Errorf("threshold must be positive, got %s", threshold)
	}
	log := logger.FromContextOrDefault(ctx, s.logger)

	stuck, err := s.queue.FindStuck(ctx, s.now().Add(-threshold))
	if err != nil {
		return 0, fmt.Errorf("failed to find stuck entries: %w", err)
	}

	minutes := int(threshold / time.Minute)
	reason := fmt.Sprintf("stuck in processing > %d minutes", minutes)
	cleaned := 0
	for _, e := range stuck {
		if err := s.queue.MarkFailed(ctx, e.TaskID, e.Attempts, reason); err != nil {
			log.Warn("failed to fail stuck entry", slog.String("task_id", e.TaskID), slog.String("error", err.Error()))
			continue
		}
		details := map[string]any{
			"attempts":          e.Attempts,
			"max_attempts":      e.MaxAttempts,
			"threshold_minutes": minutes,
		}
		t, err := store.SetFailed(ctx, s.tasks, e.TaskID, reason, details, nil, "")
		if err != nil {
			log.Warn("failed to record stuck failure", slog.String("task_id", e.TaskID), slog.String("error", err.Error()))
		} else {
			emitLifecycle(ctx, s.emitter, log, events.TypeFailed, t, e.Attempts, 0, map[string]any{"error": reason})
		}
		cleaned++
	}

	if cleaned > 0 {
		log.Warn("stuck entries failed", slog.Int("count", cleaned), slog.Int("threshold_minutes", minutes))
	}
	return cleaned, nil
}

// StartDispatcher starts the dispatch loop.
func (s *Service) StartDispatcher() error {
	return s.dispatcher.Start()
}

// StopDispatcher stops the loop and keeps it stopped until resumed.
func (s *Service) StopDispatcher() {
	s.dispatcher.Pause()
}

// ResumeDispatcher clears a pause and starts the loop.
func (s *Service) ResumeDispatcher() error {
	return s.dispatcher.Resume()
}
