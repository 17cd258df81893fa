package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/phrazzld/studio-queue/internal/api/middleware"
	"github.com/phrazzld/studio-queue/internal/domain"
	"github.com/phrazzld/studio-queue/internal/platform/memory"
	"github.com/phrazzld/studio-queue/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// topicProcessor accepts {"topic": "..."} and is never run by these tests.
type topicProcessor struct {
	task.Defaults
}

func (topicProcessor) ValidateRequest(raw json.RawMessage) (any, error) {
	var req struct {
		Topic string `json:"topic"`
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, domain.InvalidRequest("malformed request: %v", err)
	}
	if req.Topic == "" {
		return nil, domain.InvalidRequest("topic is required")
	}
	return req, nil
}

func (topicProcessor) Process(context.Context, *task.Run, any) (*task.Result, error) {
	return &task.Result{}, nil
}

type testAPI struct {
	handler    http.Handler
	dispatcher *task.Dispatcher
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	registry := task.NewRegistry()
	require.NoError(t, registry.Register(task.TypeQuiz, task.DefaultPolicies[task.TypeQuiz],
		func() task.Processor { return topicProcessor{} }))

	tasks := memory.NewTaskStore(log)
	queue := memory.NewQueueStore(log)
	dispatcher := task.NewDispatcher(tasks, queue, registry, task.DefaultDispatcherConfig(), log)
	dispatcher.Pause()
	t.Cleanup(dispatcher.Close)

	service := task.NewService(tasks, queue, registry, dispatcher, log)
	return &testAPI{handler: NewRouter(service, log), dispatcher: dispatcher}
}

// do sends a request as owner (no identity headers when empty) and returns
// the recorder.
func (a *testAPI) do(t *testing.T, method, path, owner string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		switch b := body.(type) {
		case string:
			reader = bytes.NewBufferString(b)
		default:
			raw, err := json.Marshal(b)
			require.NoError(t, err)
			reader = bytes.NewReader(raw)
		}
	}
	req := httptest.NewRequest(method, path, reader)
	if owner != "" {
		req.Header.Set(middleware.OwnerHeader, owner)
		req.Header.Set(middleware.AccountHeader, "acct-"+owner)
	}
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func createBody(id, topic string) map[string]any {
	return map[string]any{
		"task_id":         id,
		"task_type":       task.TypeQuiz,
		"request_data":    map[string]any{"topic": topic},
		"source_group_id": "course-9",
	}
}

func TestCreateTask(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do(t, http.MethodPost, "/api/tasks", "owner-1", createBody("t1", "queues"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[domain.Task](t, rec)
	assert.Equal(t, "t1", created.ID)
	assert.Equal(t, "owner-1", created.OwnerID)
	assert.Equal(t, "acct-owner-1", created.AccountID)
	assert.Equal(t, domain.StatusQueued, created.Status)
	assert.Equal(t, domain.PriorityNormal, created.Priority)
	assert.Equal(t, "course-9", created.Source.GroupID)
	assert.NotEmpty(t, rec.Header().Get(middleware.TraceHeader))

	rec = a.do(t, http.MethodPost, "/api/tasks", "owner-1", createBody("t1", "queues"))
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCreateTask_Rejections(t *testing.T) {
	a := newTestAPI(t)

	tests := []struct {
		name    string
		owner   string
		body    any
		status  int
		message string
	}{
		{"missing owner", "", createBody("t1", "x"), http.StatusUnauthorized, "X-Owner-ID header required"},
		{"unsupported type", "owner-1", map[string]any{"task_type": "podcast", "request_data": map[string]any{"topic": "x"}},
			http.StatusBadRequest, "Unsupported task type: podcast"},
		{"invalid request data", "owner-1", createBody("t2", ""), http.StatusBadRequest, "Invalid request: topic is required"},
		{"invalid priority", "owner-1", map[string]any{"task_type": task.TypeQuiz, "priority": "whenever", "request_data": map[string]any{"topic": "x"}},
			http.StatusBadRequest, "Invalid priority: whenever"},
		{"missing task type", "owner-1", map[string]any{"request_data": map[string]any{"topic": "x"}},
			http.StatusBadRequest, "Invalid TaskType: required field"},
		{"unknown field", "owner-1", `{"task_type":"quiz","request_data":{"topic":"x"},"colour":"red"}`,
			http.StatusBadRequest, "Invalid request format"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := a.do(t, http.MethodPost, "/api/tasks", tc.owner, tc.body)
			assert.Equal(t, tc.status, rec.Code)
			resp := decode[map[string]string](t, rec)
			assert.Equal(t, tc.message, resp["error"])
		})
	}
}

func TestCreateTask_PriorityIsCaseInsensitive(t *testing.T) {
	a := newTestAPI(t)
	body := createBody("t1", "x")
	body["priority"] = "URGENT"

	rec := a.do(t, http.MethodPost, "/api/tasks", "owner-1", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, domain.PriorityUrgent, decode[domain.Task](t, rec).Priority)
}

func TestGetTask_ScopedToOwner(t *testing.T) {
	a := newTestAPI(t)
	require.Equal(t, http.StatusCreated, a.do(t, http.MethodPost, "/api/tasks", "owner-1", createBody("t1", "x")).Code)

	rec := a.do(t, http.MethodGet, "/api/tasks/t1", "owner-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[domain.Task](t, rec)
	require.Len(t, got.Events, 2)
	assert.Equal(t, domain.StatusPending, got.Events[0].Status)
	assert.Equal(t, domain.StatusQueued, got.LastEvent().Status)
	assert.Equal(t, domain.StatusQueued, got.Status)

	rec = a.do(t, http.MethodGet, "/api/tasks/t1", "owner-2", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Task not found", decode[map[string]string](t, rec)["error"])
}

func TestListAndCountTasks(t *testing.T) {
	a := newTestAPI(t)
	for _, id := range []string{"t1", "t2", "t3"} {
		require.Equal(t, http.StatusCreated, a.do(t, http.MethodPost, "/api/tasks", "owner-1", createBody(id, "x")).Code)
	}
	require.Equal(t, http.StatusCreated, a.do(t, http.MethodPost, "/api/tasks", "owner-2", createBody("other", "x")).Code)
	require.Equal(t, http.StatusOK, a.do(t, http.MethodPost, "/api/tasks/t2/cancel", "owner-1", nil).Code)

	rec := a.do(t, http.MethodGet, "/api/tasks?status=queued&limit=1", "owner-1", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	page := decode[TaskListResponse](t, rec)
	assert.Equal(t, 2, page.Total)
	assert.Len(t, page.Tasks, 1)
	assert.Equal(t, 1, page.Limit)

	rec = a.do(t, http.MethodGet, "/api/tasks/count?source_group_id=course-9", "owner-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 3, decode[CountResponse](t, rec).Count)

	rec = a.do(t, http.MethodGet, "/api/tasks?status=sleeping", "owner-1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = a.do(t, http.MethodGet, "/api/tasks?limit=-3", "owner-1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = a.do(t, http.MethodGet, "/api/tasks?limit=5000", "owner-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, MaxPageLimit, decode[TaskListResponse](t, rec).Limit)
}

func TestCancelTask(t *testing.T) {
	a := newTestAPI(t)
	require.Equal(t, http.StatusCreated, a.do(t, http.MethodPost, "/api/tasks", "owner-1", createBody("t1", "x")).Code)

	rec := a.do(t, http.MethodPost, "/api/tasks/t1/cancel", "owner-1", CancelRequest{Reason: "changed my mind"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, domain.StatusCancelled, decode[domain.Task](t, rec).Status)

	rec = a.do(t, http.MethodGet, "/api/queue/status/t1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode[task.TaskQueueStatus](t, rec)
	assert.Equal(t, domain.QueueStatusCancelled, status.Status)
	assert.Zero(t, status.Position)

	rec = a.do(t, http.MethodPost, "/api/tasks/t1/cancel", "owner-1", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestDeleteTask(t *testing.T) {
	a := newTestAPI(t)
	require.Equal(t, http.StatusCreated, a.do(t, http.MethodPost, "/api/tasks", "owner-1", createBody("t1", "x")).Code)

	assert.Equal(t, http.StatusNotFound, a.do(t, http.MethodDelete, "/api/tasks/t1", "owner-2", nil).Code)
	assert.Equal(t, http.StatusNoContent, a.do(t, http.MethodDelete, "/api/tasks/t1", "owner-1", nil).Code)
	assert.Equal(t, http.StatusNotFound, a.do(t, http.MethodGet, "/api/tasks/t1", "owner-1", nil).Code)

	rec := a.do(t, http.MethodGet, "/api/queue/status/t1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.QueueStatusCancelled, decode[task.TaskQueueStatus](t, rec).Status)
}

func TestBulkCreate(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do(t, http.MethodPost, "/api/tasks/bulk", "owner-1", map[string]any{
		"tasks": []any{createBody("b1", "one"), createBody("b2", ""), createBody("b3", "three")},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	result := decode[task.BulkResult](t, rec)
	assert.Len(t, result.Tasks, 2)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, 1, result.Errors[0].Index)
	assert.Equal(t, "b2", result.Errors[0].TaskID)

	rec = a.do(t, http.MethodPost, "/api/tasks/bulk", "owner-1", map[string]any{"tasks": []any{}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestQueueEndpoints(t *testing.T) {
	a := newTestAPI(t)
	for _, id := range []string{"t1", "t2"} {
		require.Equal(t, http.StatusCreated, a.do(t, http.MethodPost, "/api/tasks", "owner-1", createBody(id, "x")).Code)
	}

	rec := a.do(t, http.MethodGet, "/api/queue/status", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	overview := decode[task.QueueOverview](t, rec)
	assert.Equal(t, 2, overview.CountsByStatus[domain.QueueStatusQueued])
	assert.Equal(t, 2, overview.CountsByType[task.TypeQuiz])
	assert.Contains(t, overview.SupportedTypes, task.TypeQuiz)
	assert.True(t, overview.IsPaused)

	rec = a.do(t, http.MethodGet, "/api/queue/status/t2", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, decode[task.TaskQueueStatus](t, rec).Position)

	rec = a.do(t, http.MethodGet, "/api/queue/status/missing", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Queue entry not found", decode[map[string]string](t, rec)["error"])

	rec = a.do(t, http.MethodGet, "/api/queue/entries?status=QUEUED,processing", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[QueueEntriesResponse](t, rec).Entries, 2)

	rec = a.do(t, http.MethodGet, "/api/queue/entries?status=lost", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminEndpoints(t *testing.T) {
	a := newTestAPI(t)
	require.Equal(t, http.StatusCreated, a.do(t, http.MethodPost, "/api/tasks", "owner-1", createBody("t1", "x")).Code)
	require.Equal(t, http.StatusCreated, a.do(t, http.MethodPost, "/api/tasks", "owner-2", createBody("t2", "x")).Code)

	t.Run("cancel spans owners", func(t *testing.T) {
		rec := a.do(t, http.MethodPost, "/api/admin/cancel", "", BulkCancelRequest{TaskIDs: []string{"t1", "t2", "ghost"}})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		result := decode[task.BulkCancelResult](t, rec)
		assert.ElementsMatch(t, []string{"t1", "t2"}, result.Cancelled)
		require.Len(t, result.Errors, 1)
		assert.Equal(t, "ghost", result.Errors[0].TaskID)
	})

	t.Run("cleanup rejects a zero threshold", func(t *testing.T) {
		rec := a.do(t, http.MethodPost, "/api/admin/cleanup-stuck", "", CleanupStuckRequest{})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("cleanup with nothing stuck", func(t *testing.T) {
		rec := a.do(t, http.MethodPost, "/api/admin/cleanup-stuck", "", CleanupStuckRequest{ThresholdMinutes: 30})
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Zero(t, decode[AffectedResponse](t, rec).Affected)
	})

	t.Run("requeue pending", func(t *testing.T) {
		rec := a.do(t, http.MethodPost, "/api/admin/requeue-pending", "", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Zero(t, decode[AffectedResponse](t, rec).Affected)
	})

	t.Run("regenerate requires ids", func(t *testing.T) {
		rec := a.do(t, http.MethodPost, "/api/admin/regenerate", "", RegenerateRequest{})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("dispatcher stop and resume", func(t *testing.T) {
		rec := a.do(t, http.MethodPost, "/api/admin/dispatcher/stop", "", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.True(t, decode[DispatcherResponse](t, rec).Paused)

		rec = a.do(t, http.MethodPost, "/api/admin/dispatcher/resume", "", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		state := decode[DispatcherResponse](t, rec)
		assert.False(t, state.Paused)
		assert.True(t, state.Running)

		a.dispatcher.Pause()
	})
}

func TestHealth(t *testing.T) {
	a := newTestAPI(t)
	rec := a.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}
