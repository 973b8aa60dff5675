package db

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) *DB {
	database, err := New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	return database
}

func TestCreateAndGetTask(t *testing.T) {
	database := setupTestDB(t)

	params := json.RawMessage(`{"keyword":"coffee"}`)
	save := json.RawMessage(`{"output_dir":"/tmp/out"}`)
	id, err := database.CreateTask("keyword", params, save)
	require.NoError(t, err)

	task, err := database.GetTask(id)
	require.NoError(t, err)
	assert.Equal(t, "keyword", task.Kind)
	assert.Equal(t, TaskStatusRunning, task.Status)
	assert.Nil(t, task.CompletedAt)
	assert.JSONEq(t, string(params), string(task.Params))
	assert.JSONEq(t, string(save), string(task.SaveConfig))
	assert.EqualValues(t, 0, task.ResultCount)
}

func TestUpdateTaskStatus(t *testing.T) {
	database := setupTestDB(t)

	id, err := database.CreateTask("keyword", nil, nil)
	require.NoError(t, err)

	count := int64(42)
	require.NoError(t, database.UpdateTaskStatus(id, TaskStatusCompleted, "", &count))

	task, err := database.GetTask(id)
	require.NoError(t, err)
	assert.Equal(t, TaskStatusCompleted, task.Status)
	require.NotNil(t, task.CompletedAt)
	assert.EqualValues(t, 42, task.ResultCount)
	assert.Empty(t, task.Error)
}

func TestUpdateTaskStatusCoalesces(t *testing.T) {
	database := setupTestDB(t)

	id, err := database.CreateTask("notes", nil, nil)
	require.NoError(t, err)

	count := int64(7)
	require.NoError(t, database.UpdateTaskStatus(id, TaskStatusRunning, "first error", &count))
	// Nil count and empty message must not reset stored values.
	require.NoError(t, database.UpdateTaskStatus(id, TaskStatusFailed, "", nil))

	task, err := database.GetTask(id)
	require.NoError(t, err)
	assert.Equal(t, TaskStatusFailed, task.Status)
	assert.Equal(t, "first error", task.Error)
	assert.EqualValues(t, 7, task.ResultCount)
}

func TestAddLogOrderingAndMetadata(t *testing.T) {
	database := setupTestDB(t)

	id, err := database.CreateTask("keyword", nil, nil)
	require.NoError(t, err)

	require.NoError(t, database.AddLog(id, LogEvent{Type: "log", Level: "info", Message: "starting"}))
	require.NoError(t, database.AddLog(id, LogEvent{Type: "progress", Current: 3, Total: 10, Title: "note A"}))
	require.NoError(t, database.AddLog(id, LogEvent{Type: "done", Message: "finished"}))

	logs, err := database.GetTaskLogs(id)
	require.NoError(t, err)
	require.Len(t, logs, 3)
	assert.Equal(t, "log", logs[0].EventType)
	assert.Equal(t, "progress", logs[1].EventType)
	assert.Equal(t, "done", logs[2].EventType)

	var meta map[string]any
	require.NoError(t, json.Unmarshal(logs[1].Metadata, &meta))
	assert.EqualValues(t, 3, meta["current"])
	assert.EqualValues(t, 10, meta["total"])
	assert.Equal(t, "note A", meta["title"])

	assert.Nil(t, logs[0].Metadata)
}

func TestAddLogRequiresExistingTask(t *testing.T) {
	database := setupTestDB(t)

	err := database.AddLog(9999, LogEvent{Type: "log", Message: "orphan"})
	assert.Error(t, err)
}

func TestDeleteTaskCascades(t *testing.T) {
	database := setupTestDB(t)

	first, err := database.CreateTask("keyword", nil, nil)
	require.NoError(t, err)
	second, err := database.CreateTask("author", nil, nil)
	require.NoError(t, err)

	require.NoError(t, database.AddLog(first, LogEvent{Type: "log", Message: "one"}))
	require.NoError(t, database.AddLog(second, LogEvent{Type: "log", Message: "two"}))

	require.NoError(t, database.DeleteTask(first))

	_, err = database.GetTask(first)
	assert.Error(t, err)

	logs, err := database.GetTaskLogs(first)
	require.NoError(t, err)
	assert.Empty(t, logs)

	// Neighbor untouched
	logs, err = database.GetTaskLogs(second)
	require.NoError(t, err)
	assert.Len(t, logs, 1)
}

func TestDeleteTaskNotFound(t *testing.T) {
	database := setupTestDB(t)
	assert.Error(t, database.DeleteTask(1234))
}

func TestFixStuckTasks(t *testing.T) {
	database := setupTestDB(t)

	stale, err := database.CreateTask("keyword", nil, nil)
	require.NoError(t, err)
	fresh, err := database.CreateTask("keyword", nil, nil)
	require.NoError(t, err)
	finished, err := database.CreateTask("keyword", nil, nil)
	require.NoError(t, err)
	require.NoError(t, database.UpdateTaskStatus(finished, TaskStatusCompleted, "", nil))

	// Backdate the stale task past the threshold.
	_, err = database.conn.Exec("UPDATE tasks SET started_at = ? WHERE id = ?",
		time.Now().Add(-20*time.Minute), stale)
	require.NoError(t, err)

	fixed, err := database.FixStuckTasks(10 * time.Minute)
	require.NoError(t, err)
	assert.EqualValues(t, 1, fixed)

	task, err := database.GetTask(stale)
	require.NoError(t, err)
	assert.Equal(t, TaskStatusStopped, task.Status)
	assert.Contains(t, task.Error, "interrupted")
	assert.NotNil(t, task.CompletedAt)

	task, err = database.GetTask(fresh)
	require.NoError(t, err)
	assert.Equal(t, TaskStatusRunning, task.Status)

	task, err = database.GetTask(finished)
	require.NoError(t, err)
	assert.Equal(t, TaskStatusCompleted, task.Status)
}

func TestPruneLogs(t *testing.T) {
	database := setupTestDB(t)

	id, err := database.CreateTask("keyword", nil, nil)
	require.NoError(t, err)
	require.NoError(t, database.AddLog(id, LogEvent{Type: "log", Message: "old"}))
	require.NoError(t, database.AddLog(id, LogEvent{Type: "log", Message: "new"}))

	_, err = database.conn.Exec("UPDATE task_logs SET created_at = ? WHERE message = 'old'",
		time.Now().Add(-48*time.Hour))
	require.NoError(t, err)

	pruned, err := database.PruneLogs(24 * time.Hour)
	require.NoError(t, err)
	assert.EqualValues(t, 1, pruned)

	logs, err := database.GetTaskLogs(id)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "new", logs[0].Message)
}

func TestGetRecentTasks(t *testing.T) {
	database := setupTestDB(t)

	for i := 0; i < 5; i++ {
		_, err := database.CreateTask("keyword", nil, nil)
		require.NoError(t, err)
	}

	tasks, err := database.GetRecentTasks(3)
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	// Newest first
	assert.Greater(t, tasks[0].ID, tasks[1].ID)
	assert.Greater(t, tasks[1].ID, tasks[2].ID)
}

func enqueueN(t *testing.T, database *DB, priorities ...int) []int64 {
	t.Helper()
	ids := make([]int64, 0, len(priorities))
	for _, p := range priorities {
		id, err := database.Enqueue(json.RawMessage(`{"kind":"keyword"}`), p)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	return ids
}

func TestQueueOrdering(t *testing.T) {
	database := setupTestDB(t)

	ids := enqueueN(t, database, 0, 5, 5)

	items, err := database.ListQueueItems("")
	require.NoError(t, err)
	require.Len(t, items, 3)
	// Priority descending, FIFO within equal priority.
	assert.Equal(t, ids[1], items[0].ID)
	assert.Equal(t, ids[2], items[1].ID)
	assert.Equal(t, ids[0], items[2].ID)

	next, err := database.NextPending()
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, ids[1], next.ID)
}

func TestNextPendingEmpty(t *testing.T) {
	database := setupTestDB(t)

	next, err := database.NextPending()
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestSetQueueStatusTransitions(t *testing.T) {
	database := setupTestDB(t)

	ids := enqueueN(t, database, 0)
	taskID, err := database.CreateTask("keyword", nil, nil)
	require.NoError(t, err)

	require.NoError(t, database.SetQueueStatus(ids[0], QueueStatusRunning, &taskID, ""))
	items, err := database.ListQueueItems(QueueStatusRunning)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.NotNil(t, items[0].TaskID)
	assert.Equal(t, taskID, *items[0].TaskID)
	assert.NotNil(t, items[0].StartedAt)

	// A running item cannot be dequeued again.
	next, err := database.NextPending()
	require.NoError(t, err)
	assert.Nil(t, next)

	// Stop-revert discards the binding.
	require.NoError(t, database.SetQueueStatus(ids[0], QueueStatusPending, nil, ""))
	next, err = database.NextPending()
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, ids[0], next.ID)
	assert.Nil(t, next.TaskID)
	assert.Nil(t, next.StartedAt)

	require.NoError(t, database.SetQueueStatus(ids[0], QueueStatusFailed, nil, "worker exploded"))
	items, err = database.ListQueueItems(QueueStatusFailed)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "worker exploded", items[0].Error)
	assert.NotNil(t, items[0].CompletedAt)
}

func TestRemoveQueueItem(t *testing.T) {
	database := setupTestDB(t)

	ids := enqueueN(t, database, 0, 0)
	require.NoError(t, database.SetQueueStatus(ids[0], QueueStatusRunning, nil, ""))

	// Running items are not removable.
	assert.Error(t, database.RemoveQueueItem(ids[0]))
	require.NoError(t, database.RemoveQueueItem(ids[1]))
	assert.Error(t, database.RemoveQueueItem(ids[1]))
}

func TestClearTerminal(t *testing.T) {
	database := setupTestDB(t)

	ids := enqueueN(t, database, 0, 0, 0, 0)
	require.NoError(t, database.SetQueueStatus(ids[0], QueueStatusCompleted, nil, ""))
	require.NoError(t, database.SetQueueStatus(ids[1], QueueStatusFailed, nil, "boom"))
	require.NoError(t, database.SetQueueStatus(ids[2], QueueStatusRunning, nil, ""))

	removed, err := database.ClearTerminal()
	require.NoError(t, err)
	assert.EqualValues(t, 2, removed)

	items, err := database.ListQueueItems("")
	require.NoError(t, err)
	require.Len(t, items, 2)
	for _, item := range items {
		assert.Contains(t, []QueueStatus{QueueStatusRunning, QueueStatusPending}, item.Status)
	}
}

func TestQueueStats(t *testing.T) {
	database := setupTestDB(t)

	ids := enqueueN(t, database, 0, 0, 0)
	require.NoError(t, database.SetQueueStatus(ids[0], QueueStatusCompleted, nil, ""))
	require.NoError(t, database.SetQueueStatus(ids[1], QueueStatusFailed, nil, "boom"))

	stats, err := database.QueueStats()
	require.NoError(t, err)
	assert.Equal(t, QueueStats{Pending: 1, Completed: 1, Failed: 1, Total: 3}, stats)
}

func TestResetRunningQueueItems(t *testing.T) {
	database := setupTestDB(t)

	ids := enqueueN(t, database, 0, 0)
	taskID, err := database.CreateTask("keyword", nil, nil)
	require.NoError(t, err)
	require.NoError(t, database.SetQueueStatus(ids[0], QueueStatusRunning, &taskID, ""))

	reset, err := database.ResetRunningQueueItems()
	require.NoError(t, err)
	assert.EqualValues(t, 1, reset)

	items, err := database.ListQueueItems(QueueStatusPending)
	require.NoError(t, err)
	require.Len(t, items, 2)
	for _, item := range items {
		assert.Nil(t, item.TaskID)
	}
}
