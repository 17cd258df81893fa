//go:build integration

package postgres_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/studio-queue/internal/domain"
	"github.com/phrazzld/studio-queue/internal/platform/postgres"
	"github.com/phrazzld/studio-queue/internal/store"
	"github.com/phrazzld/studio-queue/internal/testdb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var quizPolicy = domain.Policy{MaxAttempts: 2, TimeoutMinutes: 10, PriorityDefault: domain.PriorityNormal, EstimatedDurationMinutes: 5}

func newTestTask(owner string) *domain.Task {
	return &domain.Task{
		ID:          "it-" + uuid.NewString(),
		OwnerID:     owner,
		AccountID:   "acct-" + owner,
		Type:        "quiz",
		Priority:    domain.PriorityNormal,
		Status:      domain.StatusPending,
		RequestData: json.RawMessage(`{"topic":"Trees","count":3}`),
		Source:      domain.SourceLabels{Name: "lms", ID: "lesson-1", GroupID: "group-" + owner},
	}
}

func TestPostgresTaskStore_CreateIsIdempotent(t *testing.T) {
	t.Parallel()
	db := testdb.GetTestDBWithT(t)
	ctx := context.Background()
	tasks := postgres.NewPostgresTaskStore(db, nil)

	task := newTestTask("owner-" + uuid.NewString())
	stored, created, err := tasks.CreateTask(ctx, task)
	require.NoError(t, err)
	assert.True(t, created)
	require.Len(t, stored.Events, 1)
	assert.Equal(t, "Task pending", stored.Events[0].Message)

	again := *task
	again.RequestData = json.RawMessage(`{"topic":"Rivers"}`)
	second, created, err := tasks.CreateTask(ctx, &again)
	require.NoError(t, err)
	assert.False(t, created)
	assert.JSONEq(t, `{"topic":"Trees","count":3}`, string(second.RequestData))
	assert.Len(t, second.Events, 1)
}

func TestPostgresTaskStore_ConcurrentAppendsKeepEveryEvent(t *testing.T) {
	t.Parallel()
	db := testdb.GetTestDBWithT(t)
	ctx := context.Background()
	tasks := postgres.NewPostgresTaskStore(db, nil)

	task := newTestTask("owner-" + uuid.NewString())
	_, _, err := tasks.CreateTask(ctx, task)
	require.NoError(t, err)

	const writers = 10
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			<-start
			_, err := store.AppendEvent(ctx, tasks, task.ID, "step", nil, domain.StatusProcessing, domain.IntPtr(p*10))
			assert.NoError(t, err)
		}(i)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-start
		_, err := store.SetCompleted(ctx, tasks, task.ID, "https://cdn/x.json", nil, nil, "")
		assert.NoError(t, err)
	}()
	close(start)
	wg.Wait()

	got, err := tasks.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Len(t, got.Events, writers+2)
	assert.Equal(t, domain.StatusCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)
	assert.Equal(t, domain.StatusCompleted, got.LastEvent().Status)
	for i := 1; i < len(got.Events); i++ {
		assert.False(t, got.Events[i].Timestamp.Before(got.Events[i-1].Timestamp))
	}

	_, err = store.SetFailed(ctx, tasks, task.ID, "late failure", nil, nil, "")
	assert.ErrorIs(t, err, store.ErrInvalidTransition)
}

func TestPostgresTaskStore_ListCountDelete(t *testing.T) {
	t.Parallel()
	db := testdb.GetTestDBWithT(t)
	ctx := context.Background()
	tasks := postgres.NewPostgresTaskStore(db, nil)

	owner := "owner-" + uuid.NewString()
	for i := 0; i < 3; i++ {
		_, _, err := tasks.CreateTask(ctx, newTestTask(owner))
		require.NoError(t, err)
	}

	filter := store.TaskFilter{OwnerID: owner, Limit: 2}
	page, err := tasks.ListTasks(ctx, filter)
	require.NoError(t, err)
	assert.Len(t, page, 2)

	n, err := tasks.CountTasks(ctx, filter)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	err = tasks.DeleteTask(ctx, page[0].ID, "someone-else")
	assert.ErrorIs(t, err, store.ErrTaskNotFound)
	require.NoError(t, tasks.DeleteTask(ctx, page[0].ID, owner))

	_, err = tasks.GetTask(ctx, page[0].ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestPostgresQueueStore_ClaimIsExclusive(t *testing.T) {
	// Claims drain the shared queue, so these tests do not run in parallel.
	db := testdb.GetTestDBWithT(t)
	ctx := context.Background()
	queue := postgres.NewPostgresQueueStore(db, nil)

	id := "it-" + uuid.NewString()
	_, err := queue.Insert(ctx, id, "quiz", domain.PriorityUrgent, quizPolicy)
	require.NoError(t, err)

	_, err = queue.Insert(ctx, id, "quiz", domain.PriorityUrgent, quizPolicy)
	assert.ErrorIs(t, err, store.ErrDuplicate)

	var (
		mu      sync.Mutex
		winners int
		wg      sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				e, err := queue.ClaimNext(ctx)
				if errors.Is(err, store.ErrQueueEmpty) {
					return
				}
				if !assert.NoError(t, err) {
					return
				}
				if e.TaskID == id {
					mu.Lock()
					winners++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, winners)

	require.NoError(t, queue.MarkCompleted(ctx, id))
	err = queue.MarkCompleted(ctx, id)
	assert.ErrorIs(t, err, store.ErrInvalidTransition)

	// A terminal entry may be reinserted in place
	entry, err := queue.Insert(ctx, id, "quiz", domain.PriorityLow, quizPolicy)
	require.NoError(t, err)
	assert.Equal(t, domain.QueueStatusQueued, entry.Status)
	assert.Equal(t, 0, entry.Attempts)
}

func TestPostgresQueueStore_RequeueAndStuck(t *testing.T) {
	db := testdb.GetTestDBWithT(t)
	ctx := context.Background()
	queue := postgres.NewPostgresQueueStore(db, nil)

	id := "it-" + uuid.NewString()
	_, err := queue.Insert(ctx, id, "quiz", domain.PriorityNormal, quizPolicy)
	require.NoError(t, err)

	pos, err := queue.Position(ctx, id)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, pos, 1)

	var claimed *domain.QueueEntry
	for claimed == nil || claimed.TaskID != id {
		claimed, err = queue.ClaimNext(ctx)
		require.NoError(t, err)
	}

	stuck, err := queue.FindStuck(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Contains(t, entryIDs(stuck), id)

	retryAt := time.Now().Add(time.Hour)
	require.NoError(t, queue.Requeue(ctx, id, 1, &retryAt, "boom"))

	entry, err := queue.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.QueueStatusQueued, entry.Status)
	assert.Equal(t, 1, entry.Attempts)
	assert.Equal(t, "boom", entry.LastError)
	require.NotNil(t, entry.RetryAfter)

	cancelled, err := queue.CancelIfQueued(ctx, id)
	require.NoError(t, err)
	assert.True(t, cancelled)

	pos, err = queue.Position(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 0, pos)
}

func entryIDs(entries []*domain.QueueEntry) []string {
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.TaskID
	}
	return ids
}
