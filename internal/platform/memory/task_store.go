package memory

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/phrazzld/studio-queue/internal/domain"
	"github.com/phrazzld/studio-queue/internal/platform/logger"
	"github.com/phrazzld/studio-queue/internal/store"
)

// TaskStore implements store.TaskStore with a mutex-guarded map.
type TaskStore struct {
	mu     sync.Mutex
	tasks  map[string]*domain.Task
	logger *slog.Logger
	now    func() time.Time
}

// Ensure TaskStore implements store.TaskStore interface
var _ store.TaskStore = (*TaskStore)(nil)

// NewTaskStore creates an empty in-memory task store.
func NewTaskStore(logger *slog.Logger) *TaskStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &TaskStore{
		tasks:  make(map[string]*domain.Task),
		logger: logger.With(slog.String("component", "memory_task_store")),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source. It is intended for tests.
func (s *TaskStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// CreateTask implements store.TaskStore.CreateTask.
func (s *TaskStore) CreateTask(ctx context.Context, task *domain.Task) (*domain.Task, bool, error) {
	if err := task.Validate(); err != nil {
		return nil, false, fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.tasks[task.ID]; ok {
		return cloneTask(existing), false, nil
	}

	now := s.now()
	stored := cloneTask(task)
	stored.CreatedAt = now
	stored.UpdatedAt = now
	stored.Events = []domain.Event{{
		Timestamp: now,
		Message:   store.InitialEventMessage(stored.Status),
		Status:    stored.Status,
		Progress:  domain.IntPtr(stored.Progress),
	}}
	s.tasks[stored.ID] = stored

	logger.FromContextOrDefault(ctx, s.logger).Debug("task created",
		slog.String("task_id", stored.ID),
		slog.String("task_type", stored.Type))
	return cloneTask(stored), true, nil
}

// GetTask implements store.TaskStore.GetTask.
func (s *TaskStore) GetTask(_ context.Context, id string) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, store.ErrTaskNotFound
	}
	return cloneTask(t), nil
}

// ListTasks implements store.TaskStore.ListTasks.
func (s *TaskStore) ListTasks(_ context.Context, filter store.TaskFilter) ([]*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	matched := s.match(filter)
	slices.SortFunc(matched, func(a, b *domain.Task) int {
		if c := b.UpdatedAt.Compare(a.UpdatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})

	if filter.Skip > 0 {
		if filter.Skip >= len(matched) {
			return []*domain.Task{}, nil
		}
		matched = matched[filter.Skip:]
	}
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}

	out := make([]*domain.Task, len(matched))
	for i, t := range matched {
		out[i] = cloneTask(t)
	}
	return out, nil
}

// CountTasks implements store.TaskStore.CountTasks.
func (s *TaskStore) CountTasks(_ context.Context, filter store.TaskFilter) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.match(filter)), nil
}

// UpdateTask implements store.TaskStore.UpdateTask.
func (s *TaskStore) UpdateTask(_ context.Context, id string, update store.TaskUpdate) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, store.ErrTaskNotFound
	}

	var last time.Time
	if ev := t.LastEvent(); ev != nil {
		last = ev.Timestamp
	}
	event, err := store.ApplyTaskUpdate(t, last, update, s.now())
	if err != nil {
		return nil, err
	}
	t.Events = append(t.Events, event)
	return cloneTask(t), nil
}

// DeleteTask implements store.TaskStore.DeleteTask.
func (s *TaskStore) DeleteTask(ctx context.Context, id, ownerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok || t.OwnerID != ownerID {
		return store.ErrTaskNotFound
	}
	delete(s.tasks, id)

	logger.FromContextOrDefault(ctx, s.logger).Debug("task deleted", slog.String("task_id", id))
	return nil
}

func (s *TaskStore) match(filter store.TaskFilter) []*domain.Task {
	var matched []*domain.Task
	for _, t := range s.tasks {
		if filter.MatchesTask(t) {
			matched = append(matched, t)
		}
	}
	return matched
}

// cloneTask copies t deeply enough that callers cannot mutate stored state.
func cloneTask(t *domain.Task) *domain.Task {
	c := *t
	c.Events = make([]domain.Event, len(t.Events))
	for i, ev := range t.Events {
		ev.Details = maps.Clone(ev.Details)
		if ev.Progress != nil {
			ev.Progress = domain.IntPtr(*ev.Progress)
		}
		c.Events[i] = ev
	}
	c.RequestData = slices.Clone(t.RequestData)
	c.ResultData = slices.Clone(t.ResultData)
	c.ResultManifest = maps.Clone(t.ResultManifest)
	c.ErrorDetails = maps.Clone(t.ErrorDetails)
	if t.EstimatedCompletion != nil {
		ec := *t.EstimatedCompletion
		c.EstimatedCompletion = &ec
	}
	return &c
}
