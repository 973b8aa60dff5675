package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/saiigo/xhs-data-helper-sub000/internal/db"
	"github.com/saiigo/xhs-data-helper-sub000/internal/job"
	"github.com/saiigo/xhs-data-helper-sub000/internal/scheduler"
)

// HealthCheck handles GET /api/v1/health
func (s *Server) HealthCheck(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// EnqueueJob handles POST /api/v1/queue
func (s *Server) EnqueueJob(w http.ResponseWriter, r *http.Request) {
	var req EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	spec := &job.Spec{
		Kind:   job.Kind(req.Kind),
		Params: req.Params,
		Save:   req.Save,
	}

	queueID, err := s.scheduler.Enqueue(spec, req.Priority)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Failed to enqueue job", err)
		return
	}

	s.jsonResponse(w, http.StatusCreated, EnqueueResponse{QueueID: queueID})
}

// ListQueue handles GET /api/v1/queue
func (s *Server) ListQueue(w http.ResponseWriter, r *http.Request) {
	statusFilter := db.QueueStatus(r.URL.Query().Get("status"))

	items, err := s.scheduler.ListItems(statusFilter)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "Failed to list queue", err)
		return
	}

	s.jsonResponse(w, http.StatusOK, QueueListResponse{Items: items, Total: len(items)})
}

// QueueStats handles GET /api/v1/queue/stats
func (s *Server) QueueStats(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, http.StatusOK, s.scheduler.Stats())
}

// StartQueue handles POST /api/v1/queue/start
func (s *Server) StartQueue(w http.ResponseWriter, r *http.Request) {
	result := s.scheduler.Start()
	code := http.StatusOK
	if !result.Success {
		code = http.StatusConflict
	}
	s.jsonResponse(w, code, SuccessResponse(result))
}

// StopQueue handles POST /api/v1/queue/stop
func (s *Server) StopQueue(w http.ResponseWriter, r *http.Request) {
	result := s.scheduler.Stop()
	code := http.StatusOK
	if !result.Success {
		code = http.StatusConflict
	}
	s.jsonResponse(w, code, SuccessResponse(result))
}

// ClearQueue handles POST /api/v1/queue/clear
func (s *Server) ClearQueue(w http.ResponseWriter, r *http.Request) {
	removed, err := s.scheduler.ClearCompleted()
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "Failed to clear queue", err)
		return
	}
	s.jsonResponse(w, http.StatusOK, ClearResponse{Removed: removed})
}

// RemoveQueueItem handles DELETE /api/v1/queue/{id}
func (s *Server) RemoveQueueItem(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid queue item ID", err)
		return
	}

	if err := s.scheduler.Remove(id); err != nil {
		if err == scheduler.ErrItemRunning {
			s.errorResponse(w, http.StatusConflict, "Item is currently executing", err)
			return
		}
		s.errorResponse(w, http.StatusNotFound, "Failed to remove queue item", err)
		return
	}

	s.jsonResponse(w, http.StatusOK, SuccessResponse{Success: true, Message: "Queue item removed"})
}

// SetQueuePriority handles PUT /api/v1/queue/{id}/priority
func (s *Server) SetQueuePriority(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid queue item ID", err)
		return
	}

	var req PriorityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	if err := s.scheduler.SetPriority(id, req.Priority); err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "Failed to set priority", err)
		return
	}

	s.jsonResponse(w, http.StatusOK, SuccessResponse{Success: true, Message: "Priority updated"})
}

// ListRecentTasks handles GET /api/v1/tasks
func (s *Server) ListRecentTasks(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
			limit = l
		}
	}

	tasks, err := s.db.GetRecentTasks(limit)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "Failed to fetch tasks", err)
		return
	}

	s.jsonResponse(w, http.StatusOK, TaskListResponse{Tasks: tasks, Total: len(tasks)})
}

// GetTask handles GET /api/v1/tasks/{id}
func (s *Server) GetTask(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid task ID", err)
		return
	}

	task, err := s.db.GetTask(id)
	if err != nil {
		s.errorResponse(w, http.StatusNotFound, "Task not found", err)
		return
	}

	s.jsonResponse(w, http.StatusOK, task)
}

// GetTaskLogs handles GET /api/v1/tasks/{id}/logs
func (s *Server) GetTaskLogs(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid task ID", err)
		return
	}

	// Check task exists
	if _, err := s.db.GetTask(id); err != nil {
		s.errorResponse(w, http.StatusNotFound, "Task not found", err)
		return
	}

	logs, err := s.db.GetTaskLogs(id)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "Failed to fetch task logs", err)
		return
	}

	s.jsonResponse(w, http.StatusOK, TaskLogsResponse{Logs: logs, Total: len(logs)})
}

// DeleteTask handles DELETE /api/v1/tasks/{id}
func (s *Server) DeleteTask(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid task ID", err)
		return
	}

	if err := s.db.DeleteTask(id); err != nil {
		s.errorResponse(w, http.StatusNotFound, "Failed to delete task", err)
		return
	}

	s.jsonResponse(w, http.StatusOK, SuccessResponse{Success: true, Message: "Task deleted"})
}

// ValidateCredentials handles POST /api/v1/validate
func (s *Server) ValidateCredentials(w http.ResponseWriter, r *http.Request) {
	var req ValidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	result := s.bridge.Validate(r.Context(), req.Payload)
	s.jsonResponse(w, http.StatusOK, result)
}

// GetStatus handles GET /api/v1/status
func (s *Server) GetStatus(w http.ResponseWriter, r *http.Request) {
	update := s.broker.Latest()
	if update == nil {
		s.jsonResponse(w, http.StatusOK, map[string]any{
			"status": string(s.scheduler.State()),
			"stats":  s.scheduler.Stats(),
		})
		return
	}
	s.jsonResponse(w, http.StatusOK, update)
}

// StreamStatus handles GET /api/v1/status/stream via SSE
func (s *Server) StreamStatus(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.errorResponse(w, http.StatusInternalServerError, "Streaming not supported", nil)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	sub := s.broker.Subscribe()
	defer s.broker.Unsubscribe(sub.ID)

	for {
		select {
		case <-r.Context().Done():
			return
		case <-sub.Done:
			return
		case update := <-sub.Updates:
			s.writeSSE(w, "status", update)
			flusher.Flush()
		case ev := <-sub.Events:
			s.writeSSE(w, "worker", ev)
			flusher.Flush()
		}
	}
}

func (s *Server) writeSSE(w http.ResponseWriter, event string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
}

// Helper functions

func (s *Server) jsonResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) errorResponse(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{
		Error: message,
	}
	if err != nil {
		resp.Details = err.Error()
	}
	s.jsonResponse(w, status, resp)
}
