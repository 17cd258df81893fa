package task

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"sync"

	"github.com/phrazzld/studio-queue/internal/domain"
	"github.com/phrazzld/studio-queue/internal/store"
)

// Run is the reporting handle a processor receives for one execution. It is
// bound to a single task id and safe for concurrent use.
type Run struct {
	// Task is a snapshot of the task record taken when the entry was claimed.
	Task *domain.Task
	// Entry is the claimed queue entry.
	Entry  *domain.QueueEntry
	Policy domain.Policy

	tasks  store.TaskStore
	queue  store.QueueStore
	logger *slog.Logger

	mu        sync.Mutex
	progress  int
	completed *domain.Task
}

func newRun(t *domain.Task, entry *domain.QueueEntry, policy domain.Policy, tasks store.TaskStore, queue store.QueueStore, logger *slog.Logger) *Run {
	return &Run{
		Task:     t,
		Entry:    entry,
		Policy:   policy,
		tasks:    tasks,
		queue:    queue,
		logger:   logger,
		progress: t.Progress,
	}
}

// TaskID returns the id of the task being processed.
func (r *Run) TaskID() string { return r.Task.ID }

// Attempt returns the 1-based number of the current execution.
func (r *Run) Attempt() int { return r.Entry.Attempts + 1 }

// Logger returns a logger annotated with the task identity.
func (r *Run) Logger() *slog.Logger { return r.logger }

// Event appends a PROCESSING event without changing progress.
func (r *Run) Event(ctx context.Context, message string, details map[string]any) error {
	return r.append(ctx, message, details, nil)
}

// Warning appends a PROCESSING event flagged as a warning.
func (r *Run) Warning(ctx context.Context, message string, details map[string]any) error {
	d := maps.Clone(details)
	if d == nil {
		d = make(map[string]any, 1)
	}
	d["level"] = "warning"
	return r.append(ctx, message, d, nil)
}

// Progress appends a PROCESSING event with a new progress value. Values
// below the last reported progress are raised to it.
func (r *Run) Progress(ctx context.Context, percent int, message string) error {
	r.mu.Lock()
	if percent < r.progress {
		percent = r.progress
	}
	percent = min(percent, 100)
	r.progress = percent
	r.mu.Unlock()

	return r.append(ctx, message, nil, domain.IntPtr(percent))
}

// CurrentProgress returns the last reported progress.
func (r *Run) CurrentProgress() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.progress
}

// CheckCancelled returns a cancelled TaskError when cancellation has been
// requested for this task or ctx has been cancelled for that reason.
// Processors call it between stages.
func (r *Run) CheckCancelled(ctx context.Context) error {
	if errors.Is(context.Cause(ctx), ErrCancelRequested) {
		return domain.NewTaskError(domain.KindCancelled, "cancelled by request", ErrCancelRequested)
	}
	requested, err := r.queue.IsCancelRequested(ctx, r.Task.ID)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.logger.Warn("failed to read cancellation flag", slog.String("error", err.Error()))
		return nil
	}
	if requested {
		return domain.NewTaskError(domain.KindCancelled, "cancelled by request", ErrCancelRequested)
	}
	return ctx.Err()
}

// Complete writes the terminal success record. Non-empty warnings produce
// COMPLETED_WITH_WARNINGS.
func (r *Run) Complete(ctx context.Context, result *Result) error {
	if result == nil {
		result = &Result{}
	}
	t, err := store.SetCompleted(ctx, r.tasks, r.Task.ID, result.URL, result.Manifest, result.Data, result.Message, result.Warnings...)
	if err != nil {
		return domain.Transient("failed to record completion", err)
	}

	r.mu.Lock()
	r.completed = t
	r.progress = 100
	r.mu.Unlock()
	return nil
}

// Completed reports whether Complete has been called successfully.
func (r *Run) Completed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.completed != nil
}

func (r *Run) append(ctx context.Context, message string, details map[string]any, progress *int) error {
	_, err := store.AppendEvent(ctx, r.tasks, r.Task.ID, message, details, domain.StatusProcessing, progress)
	if err != nil {
		return domain.Transient("failed to append task event", err)
	}
	// Heartbeat so long stages are not swept as stuck
	if err := r.queue.Touch(ctx, r.Task.ID); err != nil {
		r.logger.Debug("failed to touch queue entry", slog.String("error", err.Error()))
	}
	return nil
}
