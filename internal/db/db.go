package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the SQLite database connection. It is the only component
// that mutates tasks, task logs, and queue items.
type DB struct {
	conn *sql.DB
}

// New creates a new database connection
func New(dbPath string) (*DB, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create db directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return db, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		kind TEXT NOT NULL,
		params TEXT NOT NULL DEFAULT '{}',
		status TEXT NOT NULL DEFAULT 'running',
		started_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		completed_at DATETIME,
		error TEXT DEFAULT '',
		result_count INTEGER NOT NULL DEFAULT 0,
		save_config TEXT NOT NULL DEFAULT '{}'
	);

	CREATE TABLE IF NOT EXISTS task_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id INTEGER NOT NULL,
		event_type TEXT NOT NULL,
		level TEXT DEFAULT '',
		message TEXT DEFAULT '',
		metadata TEXT,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS queue_items (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		job TEXT NOT NULL,
		priority INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'pending',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		started_at DATETIME,
		completed_at DATETIME,
		task_id INTEGER,
		error TEXT DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	CREATE INDEX IF NOT EXISTS idx_tasks_started_at ON tasks(started_at);
	CREATE INDEX IF NOT EXISTS idx_task_logs_task_id ON task_logs(task_id);
	CREATE INDEX IF NOT EXISTS idx_task_logs_created_at ON task_logs(created_at);
	CREATE INDEX IF NOT EXISTS idx_queue_items_status ON queue_items(status);
	CREATE INDEX IF NOT EXISTS idx_queue_items_order ON queue_items(priority DESC, created_at ASC);
	`

	_, err := db.conn.Exec(schema)
	return err
}

// CreateTask inserts a new running task and returns its id
func (db *DB) CreateTask(kind string, params, saveConfig json.RawMessage) (int64, error) {
	if params == nil {
		params = json.RawMessage("{}")
	}
	if saveConfig == nil {
		saveConfig = json.RawMessage("{}")
	}
	result, err := db.conn.Exec(`
		INSERT INTO tasks (kind, params, status, started_at, save_config)
		VALUES (?, ?, ?, ?, ?)
	`, kind, string(params), TaskStatusRunning, time.Now(), string(saveConfig))
	if err != nil {
		return 0, fmt.Errorf("failed to create task: %w", err)
	}
	return result.LastInsertId()
}

// UpdateTaskStatus sets a task's status. Any status other than running
// also stamps completed_at. An empty error message and a nil result
// count leave the stored values untouched.
func (db *DB) UpdateTaskStatus(taskID int64, status TaskStatus, errMsg string, resultCount *int64) error {
	var completedAt any
	if status.Terminal() {
		completedAt = time.Now()
	}
	_, err := db.conn.Exec(`
		UPDATE tasks
		SET status = ?,
		    completed_at = ?,
		    error = COALESCE(NULLIF(?, ''), error),
		    result_count = COALESCE(?, result_count)
		WHERE id = ?
	`, status, completedAt, errMsg, resultCount, taskID)
	return err
}

// SetTaskResultCount updates only the result counter of a task
func (db *DB) SetTaskResultCount(taskID, count int64) error {
	_, err := db.conn.Exec("UPDATE tasks SET result_count = ? WHERE id = ?", count, taskID)
	return err
}

// LogEvent is the shape AddLog accepts; progress counters, when
// present, are extracted into the metadata column.
type LogEvent struct {
	Type    string
	Level   string
	Message string
	Current int
	Total   int
	Title   string
}

// AddLog appends one log row for a task
func (db *DB) AddLog(taskID int64, ev LogEvent) error {
	var metadata any
	if ev.Current != 0 || ev.Total != 0 || ev.Title != "" {
		data, err := json.Marshal(map[string]any{
			"current": ev.Current,
			"total":   ev.Total,
			"title":   ev.Title,
		})
		if err != nil {
			return fmt.Errorf("failed to marshal log metadata: %w", err)
		}
		metadata = string(data)
	}

	_, err := db.conn.Exec(`
		INSERT INTO task_logs (task_id, event_type, level, message, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, taskID, ev.Type, ev.Level, ev.Message, metadata, time.Now())
	if err != nil {
		return fmt.Errorf("failed to add log: %w", err)
	}
	return nil
}

// GetTask retrieves a task by ID
func (db *DB) GetTask(taskID int64) (*Task, error) {
	task := &Task{}
	var params, saveConfig string
	err := db.conn.QueryRow(`
		SELECT id, kind, params, status, started_at, completed_at, error, result_count, save_config
		FROM tasks WHERE id = ?
	`, taskID).Scan(&task.ID, &task.Kind, &params, &task.Status, &task.StartedAt,
		&task.CompletedAt, &task.Error, &task.ResultCount, &saveConfig)
	if err != nil {
		return nil, err
	}
	task.Params = json.RawMessage(params)
	task.SaveConfig = json.RawMessage(saveConfig)
	return task, nil
}

// GetTaskLogs retrieves all logs for a task, oldest first
func (db *DB) GetTaskLogs(taskID int64) ([]*TaskLog, error) {
	rows, err := db.conn.Query(`
		SELECT id, task_id, event_type, level, message, metadata, created_at
		FROM task_logs WHERE task_id = ? ORDER BY created_at ASC, id ASC
	`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []*TaskLog
	for rows.Next() {
		entry := &TaskLog{}
		var metadata sql.NullString
		err := rows.Scan(&entry.ID, &entry.TaskID, &entry.EventType, &entry.Level,
			&entry.Message, &metadata, &entry.CreatedAt)
		if err != nil {
			return nil, err
		}
		if metadata.Valid {
			entry.Metadata = json.RawMessage(metadata.String)
		}
		logs = append(logs, entry)
	}
	return logs, rows.Err()
}

// GetRecentTasks retrieves the most recently started tasks
func (db *DB) GetRecentTasks(limit int) ([]*Task, error) {
	rows, err := db.conn.Query(`
		SELECT id, kind, params, status, started_at, completed_at, error, result_count, save_config
		FROM tasks ORDER BY started_at DESC, id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		task := &Task{}
		var params, saveConfig string
		err := rows.Scan(&task.ID, &task.Kind, &params, &task.Status, &task.StartedAt,
			&task.CompletedAt, &task.Error, &task.ResultCount, &saveConfig)
		if err != nil {
			return nil, err
		}
		task.Params = json.RawMessage(params)
		task.SaveConfig = json.RawMessage(saveConfig)
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// DeleteTask deletes a task and all of its logs
func (db *DB) DeleteTask(taskID int64) error {
	// task_logs rows go with it via ON DELETE CASCADE
	result, err := db.conn.Exec("DELETE FROM tasks WHERE id = ?", taskID)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("task %d not found", taskID)
	}
	return nil
}

// FixStuckTasks transitions tasks left in running state past the
// staleness threshold to stopped. Called once at startup, before any
// new scheduling, to repair state left behind by an ungraceful
// shutdown.
func (db *DB) FixStuckTasks(staleThreshold time.Duration) (int64, error) {
	cutoff := time.Now().Add(-staleThreshold)
	result, err := db.conn.Exec(`
		UPDATE tasks
		SET status = ?, error = 'interrupted: no engine was supervising this task', completed_at = ?
		WHERE status = ? AND started_at < ?
	`, TaskStatusStopped, time.Now(), TaskStatusRunning, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// PruneLogs deletes log rows older than the retention horizon
func (db *DB) PruneLogs(horizon time.Duration) (int64, error) {
	cutoff := time.Now().Add(-horizon)
	result, err := db.conn.Exec("DELETE FROM task_logs WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// Enqueue inserts a pending queue item holding the job snapshot
func (db *DB) Enqueue(jobSnapshot json.RawMessage, priority int) (int64, error) {
	result, err := db.conn.Exec(`
		INSERT INTO queue_items (job, priority, status, created_at)
		VALUES (?, ?, ?, ?)
	`, string(jobSnapshot), priority, QueueStatusPending, time.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue: %w", err)
	}
	return result.LastInsertId()
}

// NextPending returns the highest-priority pending queue item, FIFO
// within equal priority, or nil when the queue is drained.
func (db *DB) NextPending() (*QueueItem, error) {
	row := db.conn.QueryRow(`
		SELECT id, job, priority, status, created_at, started_at, completed_at, task_id, error
		FROM queue_items WHERE status = ?
		ORDER BY priority DESC, created_at ASC, id ASC LIMIT 1
	`, QueueStatusPending)

	item, err := scanQueueItem(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return item, err
}

// SetQueueStatus transitions a queue item. Entering running binds the
// task id and stamps started_at; entering pending (a stop-revert)
// discards the binding; terminal states stamp completed_at.
func (db *DB) SetQueueStatus(queueID int64, status QueueStatus, taskID *int64, errMsg string) error {
	var err error
	switch status {
	case QueueStatusRunning:
		_, err = db.conn.Exec(`
			UPDATE queue_items SET status = ?, started_at = ?, task_id = ? WHERE id = ?
		`, status, time.Now(), taskID, queueID)
	case QueueStatusPending:
		_, err = db.conn.Exec(`
			UPDATE queue_items SET status = ?, started_at = NULL, task_id = NULL, error = '' WHERE id = ?
		`, status, queueID)
	default:
		_, err = db.conn.Exec(`
			UPDATE queue_items SET status = ?, completed_at = ?, error = ? WHERE id = ?
		`, status, time.Now(), errMsg, queueID)
	}
	return err
}

// RemoveQueueItem deletes a queue item unless it is running
func (db *DB) RemoveQueueItem(queueID int64) error {
	result, err := db.conn.Exec(`
		DELETE FROM queue_items WHERE id = ? AND status != ?
	`, queueID, QueueStatusRunning)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("queue item %d not found or still running", queueID)
	}
	return nil
}

// SetQueuePriority changes a queue item's priority
func (db *DB) SetQueuePriority(queueID int64, priority int) error {
	_, err := db.conn.Exec("UPDATE queue_items SET priority = ? WHERE id = ?", priority, queueID)
	return err
}

// ClearTerminal deletes every completed or failed queue item
func (db *DB) ClearTerminal() (int64, error) {
	result, err := db.conn.Exec(`
		DELETE FROM queue_items WHERE status IN (?, ?)
	`, QueueStatusCompleted, QueueStatusFailed)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// ListQueueItems returns queue items, optionally filtered by status,
// in the same order NextPending uses
func (db *DB) ListQueueItems(status QueueStatus) ([]*QueueItem, error) {
	query := `
		SELECT id, job, priority, status, created_at, started_at, completed_at, task_id, error
		FROM queue_items
	`
	args := []any{}
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, status)
	}
	query += " ORDER BY priority DESC, created_at ASC, id ASC"

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*QueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// QueueStats returns grouped queue item counts
func (db *DB) QueueStats() (QueueStats, error) {
	rows, err := db.conn.Query("SELECT status, COUNT(*) FROM queue_items GROUP BY status")
	if err != nil {
		return QueueStats{}, err
	}
	defer rows.Close()

	stats := QueueStats{}
	for rows.Next() {
		var status QueueStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return QueueStats{}, err
		}
		switch status {
		case QueueStatusPending:
			stats.Pending = count
		case QueueStatusRunning:
			stats.Running = count
		case QueueStatusCompleted:
			stats.Completed = count
		case QueueStatusFailed:
			stats.Failed = count
		}
		stats.Total += count
	}
	return stats, rows.Err()
}

// ResetRunningQueueItems reverts orphaned running queue items to
// pending. Called at startup: a restart means no process is backing
// them, so they become eligible for the next pull.
func (db *DB) ResetRunningQueueItems() (int64, error) {
	result, err := db.conn.Exec(`
		UPDATE queue_items SET status = ?, started_at = NULL, task_id = NULL
		WHERE status = ?
	`, QueueStatusPending, QueueStatusRunning)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanQueueItem(row rowScanner) (*QueueItem, error) {
	item := &QueueItem{}
	var jobSnapshot string
	err := row.Scan(&item.ID, &jobSnapshot, &item.Priority, &item.Status, &item.CreatedAt,
		&item.StartedAt, &item.CompletedAt, &item.TaskID, &item.Error)
	if err != nil {
		return nil, err
	}
	item.Job = json.RawMessage(jobSnapshot)
	return item, nil
}
