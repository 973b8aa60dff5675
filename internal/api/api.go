// Package api exposes the queue engine over HTTP for the desktop
// shell and remote callers.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/saiigo/xhs-data-helper-sub000/internal/db"
	"github.com/saiigo/xhs-data-helper-sub000/internal/scheduler"
	"github.com/saiigo/xhs-data-helper-sub000/internal/status"
	"github.com/saiigo/xhs-data-helper-sub000/internal/worker"
)

// Server represents the API server
type Server struct {
	db        *db.DB
	scheduler *scheduler.Scheduler
	bridge    *worker.Bridge
	broker    *status.Broker
	log       *logrus.Logger
	router    chi.Router
}

// NewServer creates a new API server
func NewServer(database *db.DB, sched *scheduler.Scheduler, bridge *worker.Bridge, broker *status.Broker, log *logrus.Logger) *Server {
	s := &Server{
		db:        database,
		scheduler: sched,
		bridge:    bridge,
		broker:    broker,
		log:       log,
		router:    chi.NewRouter(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := s.router

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(s.log))
	r.Use(middleware.Recoverer)
	r.Use(CORS)

	r.Get("/api/v1/health", s.HealthCheck)

	// Queue
	r.Post("/api/v1/queue", s.EnqueueJob)
	r.Get("/api/v1/queue", s.ListQueue)
	r.Get("/api/v1/queue/stats", s.QueueStats)
	r.Post("/api/v1/queue/start", s.StartQueue)
	r.Post("/api/v1/queue/stop", s.StopQueue)
	r.Post("/api/v1/queue/clear", s.ClearQueue)
	r.Delete("/api/v1/queue/{id}", s.RemoveQueueItem)
	r.Put("/api/v1/queue/{id}/priority", s.SetQueuePriority)

	// Task history
	r.Get("/api/v1/tasks", s.ListRecentTasks)
	r.Get("/api/v1/tasks/{id}", s.GetTask)
	r.Get("/api/v1/tasks/{id}/logs", s.GetTaskLogs)
	r.Delete("/api/v1/tasks/{id}", s.DeleteTask)

	// Credential validation
	r.Post("/api/v1/validate", s.ValidateCredentials)

	// Live status
	r.Get("/api/v1/status", s.GetStatus)
	r.Get("/api/v1/status/stream", s.StreamStatus)

	r.Handle("/metrics", promhttp.Handler())
}

// Router returns the chi router for use with http.Server
func (s *Server) Router() http.Handler {
	return s.router
}
