package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	apiMiddleware "github.com/phrazzld/studio-queue/internal/api/middleware"
)

// Service is everything the HTTP surface needs from task.Service.
type Service interface {
	TaskService
	QueueService
	AdminService
}

// NewRouter creates the application router with all routes and middleware.
func NewRouter(service Service, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(apiMiddleware.NewTraceMiddleware(logger))

	taskHandler := NewTaskHandler(service, logger)
	queueHandler := NewQueueHandler(service, logger)
	adminHandler := NewAdminHandler(service, logger)

	r.Route("/api", func(r chi.Router) {
		// Producer endpoints, scoped to the caller
		r.Route("/tasks", func(r chi.Router) {
			r.Use(apiMiddleware.RequireOwner)
			r.Post("/", taskHandler.CreateTask)
			r.Get("/", taskHandler.ListTasks)
			r.Get("/count", taskHandler.CountTasks)
			r.Post("/bulk", taskHandler.BulkCreate)
			r.Get("/{id}", taskHandler.GetTask)
			r.Delete("/{id}", taskHandler.DeleteTask)
			r.Post("/{id}/cancel", taskHandler.CancelTask)
		})

		r.Get("/queue/status", queueHandler.Overview)
		r.Get("/queue/status/{id}", queueHandler.TaskQueueStatus)
		r.Get("/queue/entries", queueHandler.QueueEntries)

		r.Route("/admin", func(r chi.Router) {
			r.Post("/dispatcher/start", adminHandler.StartDispatcher)
			r.Post("/dispatcher/stop", adminHandler.StopDispatcher)
			r.Post("/dispatcher/resume", adminHandler.ResumeDispatcher)
			r.Post("/cleanup-stuck", adminHandler.CleanupStuck)
			r.Post("/requeue-pending", adminHandler.RequeuePending)
			r.Post("/regenerate", adminHandler.Regenerate)
			r.Post("/cancel", adminHandler.Cancel)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			logger.Error("failed to write health check response", slog.String("error", err.Error()))
		}
	})

	return r
}
