package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/phrazzld/studio-queue/internal/api/shared"
	"github.com/phrazzld/studio-queue/internal/platform/logger"
	"github.com/phrazzld/studio-queue/internal/task"
)

// AdminService is the operator-facing part of task.Service.
type AdminService interface {
	Overview(ctx context.Context) (*task.QueueOverview, error)
	StartDispatcher() error
	StopDispatcher()
	ResumeDispatcher() error
	CleanupStuck(ctx context.Context, threshold time.Duration) (int, error)
	RequeuePending(ctx context.Context) (int, error)
	BulkRegenerate(ctx context.Context, req task.RegenerateRequest) (*task.BulkResult, error)
	BulkCancel(ctx context.Context, taskIDs []string, ownerID, reason string) (*task.BulkCancelResult, error)
}

var _ AdminService = (*task.Service)(nil)

// AdminHandler serves operator endpoints. Admin calls act on tasks of any
// owner.
type AdminHandler struct {
	service AdminService
	logger  *slog.Logger
}

// NewAdminHandler creates a new AdminHandler
func NewAdminHandler(service AdminService, logger *slog.Logger) *AdminHandler {
	if logger == nil {
		// ALLOW-PANIC: Constructor enforcing required dependency
		panic("logger cannot be nil for AdminHandler")
	}
	return &AdminHandler{
		service: service,
		logger:  logger.With(slog.String("component", "admin_handler")),
	}
}

func (h *AdminHandler) respondDispatcherState(w http.ResponseWriter, r *http.Request) {
	overview, err := h.service.Overview(r.Context())
	if err != nil {
		respondServiceError(w, r, err, "Failed to read dispatcher state")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, DispatcherResponse{
		Running: overview.IsProcessing,
		Paused:  overview.IsPaused,
	})
}

// StartDispatcher handles POST /api/admin/dispatcher/start
func (h *AdminHandler) StartDispatcher(w http.ResponseWriter, r *http.Request) {
	if err := h.service.StartDispatcher(); err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusConflict, "Dispatcher could not be started", err)
		return
	}
	logger.FromContextOrDefault(r.Context(), h.logger).Info("dispatcher started by operator")
	h.respondDispatcherState(w, r)
}

// StopDispatcher handles POST /api/admin/dispatcher/stop. The running task
// finishes; nothing new is claimed until resume.
func (h *AdminHandler) StopDispatcher(w http.ResponseWriter, r *http.Request) {
	h.service.StopDispatcher()
	logger.FromContextOrDefault(r.Context(), h.logger).Info("dispatcher stopped by operator")
	h.respondDispatcherState(w, r)
}

// ResumeDispatcher handles POST /api/admin/dispatcher/resume
func (h *AdminHandler) ResumeDispatcher(w http.ResponseWriter, r *http.Request) {
	if err := h.service.ResumeDispatcher(); err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusConflict, "Dispatcher could not be resumed", err)
		return
	}
	logger.FromContextOrDefault(r.Context(), h.logger).Info("dispatcher resumed by operator")
	h.respondDispatcherState(w, r)
}

// CleanupStuck handles POST /api/admin/cleanup-stuck
func (h *AdminHandler) CleanupStuck(w http.ResponseWriter, r *http.Request) {
	var req CleanupStuckRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	n, err := h.service.CleanupStuck(r.Context(), time.Duration(req.ThresholdMinutes)*time.Minute)
	if err != nil {
		respondServiceError(w, r, err, "Failed to clean up stuck tasks")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, AffectedResponse{Affected: n})
}

// RequeuePending handles POST /api/admin/requeue-pending
func (h *AdminHandler) RequeuePending(w http.ResponseWriter, r *http.Request) {
	n, err := h.service.RequeuePending(r.Context())
	if err != nil {
		respondServiceError(w, r, err, "Failed to requeue pending tasks")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, AffectedResponse{Affected: n})
}

// Regenerate handles POST /api/admin/regenerate
func (h *AdminHandler) Regenerate(w http.ResponseWriter, r *http.Request) {
	var req RegenerateRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	result, err := h.service.BulkRegenerate(r.Context(), task.RegenerateRequest{
		TaskIDs:        req.TaskIDs,
		ResetToPending: req.ResetToPending,
		Force:          req.Force,
		Overrides:      req.Overrides,
	})
	if err != nil {
		respondServiceError(w, r, err, "Failed to regenerate tasks")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, result)
}

// Cancel handles POST /api/admin/cancel
func (h *AdminHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	var req BulkCancelRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	result, err := h.service.BulkCancel(r.Context(), req.TaskIDs, "", req.Reason)
	if err != nil {
		respondServiceError(w, r, err, "Failed to cancel tasks")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, result)
}
