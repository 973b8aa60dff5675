package api

import (
	"encoding/json"

	"github.com/saiigo/xhs-data-helper-sub000/internal/db"
	"github.com/saiigo/xhs-data-helper-sub000/internal/job"
)

// EnqueueRequest represents a job enqueue request
type EnqueueRequest struct {
	Kind     string          `json:"kind"`
	Params   json.RawMessage `json:"params"`
	Save     job.SaveConfig  `json:"save"`
	Priority int             `json:"priority"`
}

// EnqueueResponse carries the id of the new queue item
type EnqueueResponse struct {
	QueueID int64 `json:"queue_id"`
}

// PriorityRequest represents a priority change
type PriorityRequest struct {
	Priority int `json:"priority"`
}

// ValidateRequest carries an opaque credential payload for the worker
type ValidateRequest struct {
	Payload json.RawMessage `json:"payload"`
}

// QueueListResponse represents the queue contents
type QueueListResponse struct {
	Items []*db.QueueItem `json:"items"`
	Total int             `json:"total"`
}

// TaskListResponse represents recent task history
type TaskListResponse struct {
	Tasks []*db.Task `json:"tasks"`
	Total int        `json:"total"`
}

// TaskLogsResponse represents a task's log entries
type TaskLogsResponse struct {
	Logs  []*db.TaskLog `json:"logs"`
	Total int           `json:"total"`
}

// ClearResponse reports how many queue items were removed
type ClearResponse struct {
	Removed int64 `json:"removed"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// SuccessResponse represents a generic success response
type SuccessResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status string `json:"status"`
}
