package db

import (
	"encoding/json"
	"time"
)

// Task represents one execution attempt of a collection job
type Task struct {
	ID          int64           `json:"id"`
	Kind        string          `json:"kind"`
	Params      json.RawMessage `json:"params"`
	Status      TaskStatus      `json:"status"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Error       string          `json:"error,omitempty"`
	ResultCount int64           `json:"result_count"`
	SaveConfig  json.RawMessage `json:"save_config"`
}

// TaskStatus represents the status of a task
type TaskStatus string

const (
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusStopped   TaskStatus = "stopped"
	TaskStatusWarning   TaskStatus = "warning"
)

// Terminal reports whether the status is a final one.
func (s TaskStatus) Terminal() bool {
	return s != TaskStatusRunning
}

// TaskLog represents one event observed during a task's execution
type TaskLog struct {
	ID        int64           `json:"id"`
	TaskID    int64           `json:"task_id"`
	EventType string          `json:"event_type"`
	Level     string          `json:"level,omitempty"`
	Message   string          `json:"message,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// QueueItem represents one pending-or-processed request to run a job
type QueueItem struct {
	ID          int64           `json:"id"`
	Job         json.RawMessage `json:"job"`
	Priority    int             `json:"priority"`
	Status      QueueStatus     `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	TaskID      *int64          `json:"task_id,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// QueueStatus represents the status of a queue item
type QueueStatus string

const (
	QueueStatusPending   QueueStatus = "pending"
	QueueStatusRunning   QueueStatus = "running"
	QueueStatusCompleted QueueStatus = "completed"
	QueueStatusFailed    QueueStatus = "failed"
)

// QueueStats holds grouped queue item counts
type QueueStats struct {
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Total     int `json:"total"`
}
