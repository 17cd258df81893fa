package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/phrazzld/studio-queue/internal/api/shared"
	"github.com/phrazzld/studio-queue/internal/domain"
	"github.com/phrazzld/studio-queue/internal/store"
	"github.com/phrazzld/studio-queue/internal/task"
)

// QueueService is the read-only queue view of task.Service.
type QueueService interface {
	Overview(ctx context.Context) (*task.QueueOverview, error)
	QueueStatus(ctx context.Context, taskID string) (*task.TaskQueueStatus, error)
	QueueList(ctx context.Context, filter store.QueueFilter) ([]*domain.QueueEntry, error)
}

var _ QueueService = (*task.Service)(nil)

// QueueHandler serves the queue status endpoints.
type QueueHandler struct {
	service QueueService
	logger  *slog.Logger
}

// NewQueueHandler creates a new QueueHandler
func NewQueueHandler(service QueueService, logger *slog.Logger) *QueueHandler {
	if logger == nil {
		// ALLOW-PANIC: Constructor enforcing required dependency
		panic("logger cannot be nil for QueueHandler")
	}
	return &QueueHandler{
		service: service,
		logger:  logger.With(slog.String("component", "queue_handler")),
	}
}

// Overview handles GET /api/queue/status
func (h *QueueHandler) Overview(w http.ResponseWriter, r *http.Request) {
	overview, err := h.service.Overview(r.Context())
	if err != nil {
		respondServiceError(w, r, err, "Failed to read queue status")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, overview)
}

// TaskQueueStatus handles GET /api/queue/status/{id}
func (h *QueueHandler) TaskQueueStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := taskIDParam(w, r)
	if !ok {
		return
	}
	status, err := h.service.QueueStatus(r.Context(), id)
	if err != nil {
		respondServiceError(w, r, err, "Failed to read queue status")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, status)
}

// QueueEntries handles GET /api/queue/entries
func (h *QueueHandler) QueueEntries(w http.ResponseWriter, r *http.Request) {
	filter, err := parseQueueFilter(r)
	if err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusBadRequest, capitalize(err.Error()), err)
		return
	}
	entries, err := h.service.QueueList(r.Context(), filter)
	if err != nil {
		respondServiceError(w, r, err, "Failed to list queue entries")
		return
	}
	if entries == nil {
		entries = []*domain.QueueEntry{}
	}
	shared.RespondWithJSON(w, r, http.StatusOK, QueueEntriesResponse{
		Entries: entries,
		Limit:   filter.Limit,
		Skip:    filter.Skip,
	})
}
