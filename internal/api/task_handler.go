package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/phrazzld/studio-queue/internal/api/shared"
	"github.com/phrazzld/studio-queue/internal/domain"
	"github.com/phrazzld/studio-queue/internal/platform/logger"
	"github.com/phrazzld/studio-queue/internal/store"
	"github.com/phrazzld/studio-queue/internal/task"
)

// TaskService is the producer-facing part of task.Service.
type TaskService interface {
	Enqueue(ctx context.Context, req task.EnqueueRequest) (*domain.Task, error)
	BulkCreate(ctx context.Context, reqs []task.EnqueueRequest) (*task.BulkResult, error)
	GetTask(ctx context.Context, taskID, ownerID string) (*domain.Task, error)
	ListTasks(ctx context.Context, filter store.TaskFilter) ([]*domain.Task, int, error)
	CountTasks(ctx context.Context, filter store.TaskFilter) (int, error)
	DeleteTask(ctx context.Context, taskID, ownerID string) error
	CancelTask(ctx context.Context, taskID, ownerID, reason string) (*domain.Task, error)
}

var _ TaskService = (*task.Service)(nil)

// TaskHandler handles owner-scoped task requests. Every route expects
// RequireOwner to have run.
type TaskHandler struct {
	service TaskService
	logger  *slog.Logger
}

// NewTaskHandler creates a new TaskHandler
func NewTaskHandler(service TaskService, logger *slog.Logger) *TaskHandler {
	if logger == nil {
		// ALLOW-PANIC: Constructor enforcing required dependency
		panic("logger cannot be nil for TaskHandler")
	}
	return &TaskHandler{
		service: service,
		logger:  logger.With(slog.String("component", "task_handler")),
	}
}

// respondServiceError maps err to a status and safe message, logging the
// full error.
func respondServiceError(w http.ResponseWriter, r *http.Request, err error, fallback string) {
	status := MapErrorToStatusCode(err)
	msg := GetSafeErrorMessage(err)
	if status == http.StatusInternalServerError {
		msg = fallback
	}
	shared.RespondWithErrorAndLog(w, r, status, msg, err)
}

// decodeAndValidate reads the body into v and validates it, answering 400
// on failure.
func decodeAndValidate(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := shared.DecodeJSON(w, r, v); err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusBadRequest, "Invalid request format", err)
		return false
	}
	if err := shared.ValidateRequest(v); err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusBadRequest, SanitizeValidationError(err), err)
		return false
	}
	return true
}

// CreateTask handles POST /api/tasks
func (h *TaskHandler) CreateTask(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContextOrDefault(r.Context(), h.logger)
	owner, ok := ownerFromContext(w, r)
	if !ok {
		return
	}

	var req CreateTaskRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	t, err := h.service.Enqueue(r.Context(), req.toEnqueue(owner, shared.AccountID(r.Context())))
	if err != nil {
		respondServiceError(w, r, err, "Failed to enqueue task")
		return
	}

	log.Debug("task enqueued", slog.String("task_id", t.ID), slog.String("task_type", t.Type))
	shared.RespondWithJSON(w, r, http.StatusCreated, t)
}

// BulkCreate handles POST /api/tasks/bulk. Items fail independently; the
// response lists created tasks and per-item errors.
func (h *TaskHandler) BulkCreate(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerFromContext(w, r)
	if !ok {
		return
	}

	var req BulkCreateRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	account := shared.AccountID(r.Context())
	reqs := make([]task.EnqueueRequest, len(req.Tasks))
	for i, item := range req.Tasks {
		reqs[i] = item.toEnqueue(owner, account)
	}

	result, err := h.service.BulkCreate(r.Context(), reqs)
	if err != nil {
		respondServiceError(w, r, err, "Failed to enqueue tasks")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, result)
}

// GetTask handles GET /api/tasks/{id}
func (h *TaskHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerFromContext(w, r)
	if !ok {
		return
	}
	id, ok := taskIDParam(w, r)
	if !ok {
		return
	}

	t, err := h.service.GetTask(r.Context(), id, owner)
	if err != nil {
		respondServiceError(w, r, err, "Failed to get task")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, t)
}

// ListTasks handles GET /api/tasks. The owner filter always comes from the
// caller's identity.
func (h *TaskHandler) ListTasks(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerFromContext(w, r)
	if !ok {
		return
	}
	filter, err := parseTaskFilter(r)
	if err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusBadRequest, capitalize(err.Error()), err)
		return
	}
	filter.OwnerID = owner

	tasks, total, err := h.service.ListTasks(r.Context(), filter)
	if err != nil {
		respondServiceError(w, r, err, "Failed to list tasks")
		return
	}
	if tasks == nil {
		tasks = []*domain.Task{}
	}
	shared.RespondWithJSON(w, r, http.StatusOK, TaskListResponse{
		Tasks: tasks,
		Total: total,
		Limit: filter.Limit,
		Skip:  filter.Skip,
	})
}

// CountTasks handles GET /api/tasks/count
func (h *TaskHandler) CountTasks(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerFromContext(w, r)
	if !ok {
		return
	}
	filter, err := parseTaskFilter(r)
	if err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusBadRequest, capitalize(err.Error()), err)
		return
	}
	filter.OwnerID = owner
	filter.Limit, filter.Skip = 0, 0

	n, err := h.service.CountTasks(r.Context(), filter)
	if err != nil {
		respondServiceError(w, r, err, "Failed to count tasks")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, CountResponse{Count: n})
}

// DeleteTask handles DELETE /api/tasks/{id}. A queued or running task is
// cancelled before its records are removed.
func (h *TaskHandler) DeleteTask(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContextOrDefault(r.Context(), h.logger)
	owner, ok := ownerFromContext(w, r)
	if !ok {
		return
	}
	id, ok := taskIDParam(w, r)
	if !ok {
		return
	}

	if err := h.service.DeleteTask(r.Context(), id, owner); err != nil {
		respondServiceError(w, r, err, "Failed to delete task")
		return
	}
	log.Debug("task deleted", slog.String("task_id", id))
	w.WriteHeader(http.StatusNoContent)
}

// CancelTask handles POST /api/tasks/{id}/cancel. The body is optional.
func (h *TaskHandler) CancelTask(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerFromContext(w, r)
	if !ok {
		return
	}
	id, ok := taskIDParam(w, r)
	if !ok {
		return
	}

	var req CancelRequest
	if r.ContentLength != 0 && !decodeAndValidate(w, r, &req) {
		return
	}

	t, err := h.service.CancelTask(r.Context(), id, owner, req.Reason)
	if err != nil {
		respondServiceError(w, r, err, "Failed to cancel task")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, t)
}
