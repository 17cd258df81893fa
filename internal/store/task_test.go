package store

import (
	"testing"
	"time"

	"github.com/phrazzld/studio-queue/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTask(status domain.Status, progress int) *domain.Task {
	return &domain.Task{
		ID:       "t1",
		OwnerID:  "owner",
		Type:     "quiz",
		Priority: domain.PriorityNormal,
		Status:   status,
		Progress: progress,
	}
}

func apply(t *testing.T, task *domain.Task, last time.Time, u TaskUpdate, now time.Time) domain.Event {
	t.Helper()
	ev, err := ApplyTaskUpdate(task, last, u, now)
	require.NoError(t, err)
	return ev
}

func TestApplyTaskUpdate_ProgressMonotonic(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	task := newTask(domain.StatusProcessing, 50)

	ev := apply(t, task, now, TaskUpdate{Message: "step", Progress: domain.IntPtr(20)}, now)
	assert.Equal(t, 50, task.Progress)
	require.NotNil(t, ev.Progress)
	assert.Equal(t, 50, *ev.Progress)

	apply(t, task, now, TaskUpdate{Message: "step", Progress: domain.IntPtr(70)}, now)
	assert.Equal(t, 70, task.Progress)
}

func TestApplyTaskUpdate_TimestampNeverGoesBack(t *testing.T) {
	t.Parallel()

	last := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	task := newTask(domain.StatusQueued, 0)

	ev := apply(t, task, last, TaskUpdate{Message: "late clock"}, last.Add(-time.Minute))
	assert.Equal(t, last, ev.Timestamp)
	assert.Equal(t, last, task.UpdatedAt)
}

func TestApplyTaskUpdate_TerminalIsSink(t *testing.T) {
	t.Parallel()

	now := time.Now()
	task := newTask(domain.StatusCompleted, 100)
	task.ResultURL = "https://cdn/final.mp4"

	ev := apply(t, task, now, TaskUpdate{Message: "late progress", Status: domain.StatusProcessing, Progress: domain.IntPtr(10)}, now)

	assert.Equal(t, domain.StatusCompleted, task.Status)
	assert.Equal(t, domain.StatusCompleted, ev.Status)
	assert.Equal(t, 100, task.Progress)
	assert.Equal(t, "https://cdn/final.mp4", task.ResultURL)
}

func TestApplyTaskUpdate_RejectsTerminalChange(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status domain.Status
		update TaskUpdate
	}{
		{"completed to failed", domain.StatusCompleted, FailedUpdate("late failure", nil, nil, "")},
		{"failed to completed", domain.StatusFailed, CompletedUpdate("https://cdn/late.mp4", nil, nil, "", nil)},
		{"cancelled to completed with warnings", domain.StatusCancelled, CompletedUpdate("", nil, nil, "", []string{"w"})},
		{"completed to cancelled", domain.StatusCompleted, CancelledUpdate("too late", nil, "")},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			now := time.Now()
			task := newTask(tc.status, 100)
			task.ErrorMessage = "original"
			before := *task

			_, err := ApplyTaskUpdate(task, now, tc.update, now)

			assert.ErrorIs(t, err, ErrInvalidTransition)
			assert.Equal(t, before, *task)
		})
	}
}

func TestApplyTaskUpdate_CancellingNotDowngraded(t *testing.T) {
	t.Parallel()

	now := time.Now()
	task := newTask(domain.StatusCancelling, 30)

	apply(t, task, now, TaskUpdate{Message: "scene 2", Status: domain.StatusProcessing, Progress: domain.IntPtr(40)}, now)
	assert.Equal(t, domain.StatusCancelling, task.Status)
	assert.Equal(t, 40, task.Progress)

	apply(t, task, now, CancelledUpdate("user request", nil, ""), now)
	assert.Equal(t, domain.StatusCancelled, task.Status)
}

func TestApplyTaskUpdate_CompletedWithWarnings(t *testing.T) {
	t.Parallel()

	now := time.Now()
	task := newTask(domain.StatusProcessing, 95)
	task.ErrorMessage = "previous attempt failed"

	manifest := map[string]string{"final.mp4": "https://cdn/t1/final.mp4"}
	ev := apply(t, task, now, CompletedUpdate("https://cdn/t1/final.mp4", manifest, nil, "", []string{"cleanup failed"}), now)

	assert.Equal(t, domain.StatusCompletedWithWarnings, task.Status)
	assert.Equal(t, 100, task.Progress)
	assert.Empty(t, task.ErrorMessage)
	assert.Equal(t, manifest, task.ResultManifest)
	assert.Equal(t, []string{"cleanup failed"}, ev.Details["warnings"])
}

func TestApplyTaskUpdate_Reopen(t *testing.T) {
	t.Parallel()

	now := time.Now()
	task := newTask(domain.StatusCompleted, 100)
	task.ResultURL = "https://cdn/old.mp4"
	task.RequestData = []byte(`{"topic":"old"}`)

	ev := apply(t, task, now, ReopenUpdate(true, []byte(`{"topic":"new"}`)), now)

	assert.Equal(t, domain.StatusPending, task.Status)
	assert.Equal(t, 0, task.Progress)
	assert.Empty(t, task.ResultURL)
	assert.JSONEq(t, `{"topic":"new"}`, string(task.RequestData))
	assert.Equal(t, "Task reset for regeneration", ev.Message)

	kept := newTask(domain.StatusFailed, 60)
	kept.ResultURL = "https://cdn/partial.mp4"
	ev = apply(t, kept, now, ReopenUpdate(false, nil), now)
	assert.Equal(t, domain.StatusPending, kept.Status)
	assert.Equal(t, "https://cdn/partial.mp4", kept.ResultURL)
	assert.Equal(t, "Task reopened for regeneration", ev.Message)
}

func TestTaskFilterMatches(t *testing.T) {
	t.Parallel()

	task := newTask(domain.StatusQueued, 0)
	task.AccountID = "acct"
	task.Source = domain.SourceLabels{ID: "lesson-1", GroupID: "course-9"}

	assert.True(t, TaskFilter{}.MatchesTask(task))
	assert.True(t, TaskFilter{OwnerID: "owner", SourceGroupID: "course-9"}.MatchesTask(task))
	assert.True(t, TaskFilter{SourceIDs: []string{"lesson-0", "lesson-1"}}.MatchesTask(task))
	assert.False(t, TaskFilter{AccountID: "other"}.MatchesTask(task))
	assert.False(t, TaskFilter{Statuses: []domain.Status{domain.StatusFailed}}.MatchesTask(task))
	assert.False(t, TaskFilter{TaskIDs: []string{"t2"}}.MatchesTask(task))
}

func TestInitialEventMessage(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "Task pending", InitialEventMessage(domain.StatusPending))
}
