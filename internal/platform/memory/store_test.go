package memory_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/phrazzld/studio-queue/internal/domain"
	"github.com/phrazzld/studio-queue/internal/platform/memory"
	"github.com/phrazzld/studio-queue/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testPolicy = domain.Policy{MaxAttempts: 3, TimeoutMinutes: 30, PriorityDefault: domain.PriorityNormal}

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTask(id, owner string) *domain.Task {
	return &domain.Task{
		ID:          id,
		OwnerID:     owner,
		AccountID:   "acct-1",
		Type:        "quiz",
		Priority:    domain.PriorityNormal,
		Status:      domain.StatusPending,
		RequestData: json.RawMessage(`{"topic":"Trees"}`),
		Source:      domain.SourceLabels{Name: "lms", ID: "lesson-" + id, GroupID: "course-1"},
	}
}

func TestTaskStore_CreateTask(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := memory.NewTaskStore(nil)

	stored, created, err := s.CreateTask(ctx, newTask("t1", "u1"))
	require.NoError(t, err)
	assert.True(t, created)
	require.Len(t, stored.Events, 1)
	assert.Equal(t, "Task pending", stored.Events[0].Message)
	assert.Equal(t, domain.StatusPending, stored.Events[0].Status)

	dup := newTask("t1", "u1")
	dup.RequestData = json.RawMessage(`{"topic":"Rivers"}`)
	again, created, err := s.CreateTask(ctx, dup)
	require.NoError(t, err)
	assert.False(t, created)
	assert.JSONEq(t, `{"topic":"Trees"}`, string(again.RequestData))

	_, _, err = s.CreateTask(ctx, &domain.Task{ID: "bad"})
	assert.ErrorIs(t, err, store.ErrInvalidEntity)
}

func TestTaskStore_ReturnedTasksAreCopies(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := memory.NewTaskStore(nil)

	_, _, err := s.CreateTask(ctx, newTask("t1", "u1"))
	require.NoError(t, err)

	got, err := s.GetTask(ctx, "t1")
	require.NoError(t, err)
	got.Status = domain.StatusFailed
	got.Events[0].Message = "mutated"

	again, err := s.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, again.Status)
	assert.Equal(t, "Task pending", again.Events[0].Message)
}

func TestTaskStore_UpdateTask(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := newFakeClock()
	s := memory.NewTaskStore(nil)
	s.SetClock(clock.Now)

	_, _, err := s.CreateTask(ctx, newTask("t1", "u1"))
	require.NoError(t, err)

	_, err = store.AppendEvent(ctx, s, "t1", "Rendering", nil, domain.StatusProcessing, domain.IntPtr(60))
	require.NoError(t, err)

	// The clock moving backwards must not reorder the log
	clock.Advance(-time.Hour)
	task, err := store.AppendEvent(ctx, s, "t1", "Late report", nil, "", domain.IntPtr(30))
	require.NoError(t, err)
	assert.Equal(t, 60, task.Progress)
	require.Len(t, task.Events, 3)
	assert.False(t, task.Events[2].Timestamp.Before(task.Events[1].Timestamp))

	task, err = store.SetCompleted(ctx, s, "t1", "https://cdn/quiz.json", nil, json.RawMessage(`{"n":3}`), "")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, task.Status)
	assert.Equal(t, 100, task.Progress)

	_, err = s.UpdateTask(ctx, "missing", store.TaskUpdate{Message: "x"})
	assert.ErrorIs(t, err, store.ErrTaskNotFound)
}

func TestTaskStore_ConcurrentAppendsRacingCompletion(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := memory.NewTaskStore(nil)

	_, _, err := s.CreateTask(ctx, newTask("t1", "u1"))
	require.NoError(t, err)

	const writers = 20
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			<-start
			_, err := store.AppendEvent(ctx, s, "t1", "step", nil, domain.StatusProcessing, domain.IntPtr(p*5))
			assert.NoError(t, err)
		}(i)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-start
		_, err := store.SetCompleted(ctx, s, "t1", "https://cdn/quiz.json", nil, nil, "")
		assert.NoError(t, err)
	}()
	close(start)
	wg.Wait()

	task, err := s.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, task.Status)
	assert.Equal(t, 100, task.Progress)
	assert.Equal(t, "https://cdn/quiz.json", task.ResultURL)
	require.Len(t, task.Events, writers+2)

	completed := 0
	for i, ev := range task.Events {
		if i > 0 {
			assert.False(t, ev.Timestamp.Before(task.Events[i-1].Timestamp), "event %d out of order", i)
		}
		if ev.Message == "Task completed" {
			completed++
		}
	}
	assert.Equal(t, 1, completed)
	assert.Equal(t, domain.StatusCompleted, task.LastEvent().Status)
}

func TestTaskStore_TerminalStatusCannotChange(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := memory.NewTaskStore(nil)

	_, _, err := s.CreateTask(ctx, newTask("t1", "u1"))
	require.NoError(t, err)
	_, err = store.SetFailed(ctx, s, "t1", "stuck in processing > 60 minutes", nil, nil, "")
	require.NoError(t, err)

	_, err = store.SetCompleted(ctx, s, "t1", "https://cdn/late.json", nil, nil, "")
	assert.ErrorIs(t, err, store.ErrInvalidTransition)

	task, err := s.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, task.Status)
	assert.Empty(t, task.ResultURL)
	assert.Len(t, task.Events, 2)
}

func TestTaskStore_ListCountDelete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := newFakeClock()
	s := memory.NewTaskStore(nil)
	s.SetClock(clock.Now)

	for _, id := range []string{"a", "b", "c"} {
		_, _, err := s.CreateTask(ctx, newTask(id, "u1"))
		require.NoError(t, err)
		clock.Advance(time.Second)
	}
	_, _, err := s.CreateTask(ctx, newTask("other", "u2"))
	require.NoError(t, err)

	list, err := s.ListTasks(ctx, store.TaskFilter{OwnerID: "u1"})
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "c", list[0].ID, "newest first")

	page, err := s.ListTasks(ctx, store.TaskFilter{OwnerID: "u1", Skip: 1, Limit: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "b", page[0].ID)

	empty, err := s.ListTasks(ctx, store.TaskFilter{OwnerID: "u1", Skip: 10})
	require.NoError(t, err)
	assert.Empty(t, empty)

	n, err := s.CountTasks(ctx, store.TaskFilter{SourceGroupID: "course-1", Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	assert.ErrorIs(t, s.DeleteTask(ctx, "a", "u2"), store.ErrTaskNotFound)
	require.NoError(t, s.DeleteTask(ctx, "a", "u1"))
	_, err = s.GetTask(ctx, "a")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestQueueStore_ClaimOrdering(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := newFakeClock()
	q := memory.NewQueueStore(nil)
	q.SetClock(clock.Now)

	insert := func(id string, p domain.Priority) {
		_, err := q.Insert(ctx, id, "quiz", p, testPolicy)
		require.NoError(t, err)
		clock.Advance(time.Second)
	}
	insert("low-1", domain.PriorityLow)
	insert("normal-1", domain.PriorityNormal)
	insert("urgent-1", domain.PriorityUrgent)
	insert("normal-2", domain.PriorityNormal)

	pos, err := q.Position(ctx, "normal-2")
	require.NoError(t, err)
	assert.Equal(t, 3, pos)

	var order []string
	for {
		e, err := q.ClaimNext(ctx)
		if errors.Is(err, store.ErrQueueEmpty) {
			break
		}
		require.NoError(t, err)
		assert.Equal(t, domain.QueueStatusProcessing, e.Status)
		order = append(order, e.TaskID)
	}
	assert.Equal(t, []string{"urgent-1", "normal-1", "normal-2", "low-1"}, order)

	pos, err = q.Position(ctx, "normal-2")
	require.NoError(t, err)
	assert.Zero(t, pos)
}

func TestQueueStore_ConcurrentClaimsAreExclusive(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q := memory.NewQueueStore(nil)

	const n = 50
	for i := 0; i < n; i++ {
		_, err := q.Insert(ctx, string(rune('A'+i)), "quiz", domain.PriorityNormal, testPolicy)
		require.NoError(t, err)
	}

	var (
		mu   sync.Mutex
		seen = map[string]int{}
		wg   sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				e, err := q.ClaimNext(ctx)
				if err != nil {
					return
				}
				mu.Lock()
				seen[e.TaskID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, n)
	for id, count := range seen {
		assert.Equal(t, 1, count, "entry %s claimed more than once", id)
	}
}

func TestQueueStore_InsertRules(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q := memory.NewQueueStore(nil)

	var notified []string
	q.OnClaimable(func(id string) { notified = append(notified, id) })

	_, err := q.Insert(ctx, "t1", "quiz", domain.PriorityHigh, testPolicy)
	require.NoError(t, err)
	_, err = q.Insert(ctx, "t1", "quiz", domain.PriorityHigh, testPolicy)
	assert.ErrorIs(t, err, store.ErrQueueEntryActive)

	_, err = q.ClaimNext(ctx)
	require.NoError(t, err)
	require.NoError(t, q.MarkFailed(ctx, "t1", 9, "boom"))

	failed, err := q.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 3, failed.Attempts, "attempts never exceed max_attempts")

	entry, err := q.Insert(ctx, "t1", "quiz", domain.PriorityLow, testPolicy)
	require.NoError(t, err)
	assert.Equal(t, domain.QueueStatusQueued, entry.Status)
	assert.Zero(t, entry.Attempts)
	assert.Empty(t, entry.LastError)
	assert.Equal(t, []string{"t1", "t1"}, notified)
}

func TestQueueStore_RetryAfterDefersClaim(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := newFakeClock()
	q := memory.NewQueueStore(nil)
	q.SetClock(clock.Now)

	_, err := q.Insert(ctx, "t1", "quiz", domain.PriorityNormal, testPolicy)
	require.NoError(t, err)
	_, err = q.ClaimNext(ctx)
	require.NoError(t, err)

	retryAt := clock.Now().Add(5 * time.Minute)
	require.NoError(t, q.Requeue(ctx, "t1", 1, &retryAt, "transient"))

	_, err = q.ClaimNext(ctx)
	assert.ErrorIs(t, err, store.ErrQueueEmpty)

	clock.Advance(5 * time.Minute)
	e, err := q.ClaimNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, e.Attempts)
	assert.Equal(t, "transient", e.LastError)
}

func TestQueueStore_CancellationTransitions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := newFakeClock()
	q := memory.NewQueueStore(nil)
	q.SetClock(clock.Now)

	_, err := q.Insert(ctx, "queued", "quiz", domain.PriorityNormal, testPolicy)
	require.NoError(t, err)
	assert.ErrorIs(t, q.MarkCancelling(ctx, "queued"), store.ErrInvalidTransition)

	ok, err := q.CancelIfQueued(ctx, "queued")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = q.CancelIfQueued(ctx, "queued")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = q.Insert(ctx, "running", "quiz", domain.PriorityNormal, testPolicy)
	require.NoError(t, err)
	_, err = q.ClaimNext(ctx)
	require.NoError(t, err)
	require.NoError(t, q.MarkCancelling(ctx, "running"))

	requested, err := q.IsCancelRequested(ctx, "running")
	require.NoError(t, err)
	assert.True(t, requested)

	clock.Advance(time.Hour)
	stuck, err := q.FindStuck(ctx, clock.Now().Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	assert.Equal(t, "running", stuck[0].TaskID)

	require.NoError(t, q.MarkCancelled(ctx, "running"))
	assert.ErrorIs(t, q.MarkCompleted(ctx, "running"), store.ErrInvalidTransition)
	assert.ErrorIs(t, q.MarkCompleted(ctx, "missing"), store.ErrQueueEntryNotFound)

	counts, err := q.StatusCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[domain.QueueStatusCancelled])
	assert.Equal(t, 0, counts[domain.QueueStatusQueued])

	byType, err := q.CountsByType(ctx)
	require.NoError(t, err)
	assert.Empty(t, byType)
}
