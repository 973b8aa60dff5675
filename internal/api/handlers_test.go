package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saiigo/xhs-data-helper-sub000/internal/db"
	"github.com/saiigo/xhs-data-helper-sub000/internal/scheduler"
	"github.com/saiigo/xhs-data-helper-sub000/internal/status"
	"github.com/saiigo/xhs-data-helper-sub000/internal/worker"
)

// testWorker answers both run and validate invocations. Run jobs finish
// immediately with four collected notes.
const testWorker = `#!/bin/sh
if [ "$1" = "validate" ]; then
  echo '{"type":"validation_result","valid":true,"message":"session ok"}'
  exit 0
fi
echo '{"type":"log","level":"info","message":"starting"}'
echo '{"type":"done","count":4}'
exit 0
`

func setupServer(t *testing.T) *httptest.Server {
	t.Helper()

	dir := t.TempDir()
	database, err := db.New(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })

	script := filepath.Join(dir, "worker.sh")
	require.NoError(t, os.WriteFile(script, []byte(testWorker), 0o755))

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	broker := status.NewBroker()
	bridge := worker.New(database, script, logger)
	sched := scheduler.New(database, bridge, broker, logger)
	sched.SetSettleDelay(5 * time.Millisecond)
	t.Cleanup(sched.Shutdown)

	server := NewServer(database, sched, bridge, broker, logger)
	ts := httptest.NewServer(server.Router())
	t.Cleanup(ts.Close)
	return ts
}

func doJSON(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()

	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func enqueueKeyword(t *testing.T, ts *httptest.Server, keyword string, priority int) int64 {
	t.Helper()

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/v1/queue", EnqueueRequest{
		Kind:     "keyword",
		Params:   json.RawMessage(fmt.Sprintf(`{"keyword":%q}`, keyword)),
		Priority: priority,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decode[EnqueueResponse](t, resp).QueueID
}

func getStats(t *testing.T, ts *httptest.Server) db.QueueStats {
	t.Helper()

	resp, err := http.Get(ts.URL + "/api/v1/queue/stats")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return decode[db.QueueStats](t, resp)
}

func TestHealthCheck(t *testing.T) {
	ts := setupServer(t)

	resp, err := http.Get(ts.URL + "/api/v1/health")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", decode[HealthResponse](t, resp).Status)
}

func TestEnqueueAndList(t *testing.T) {
	ts := setupServer(t)

	id := enqueueKeyword(t, ts, "coffee", 5)
	assert.NotZero(t, id)

	resp, err := http.Get(ts.URL + "/api/v1/queue")
	require.NoError(t, err)
	list := decode[QueueListResponse](t, resp)
	require.Equal(t, 1, list.Total)
	assert.Equal(t, id, list.Items[0].ID)
	assert.Equal(t, db.QueueStatusPending, list.Items[0].Status)

	assert.Equal(t, 1, getStats(t, ts).Pending)
}

func TestEnqueueRejectsInvalid(t *testing.T) {
	ts := setupServer(t)

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/v1/queue", EnqueueRequest{
		Kind:   "mystery",
		Params: json.RawMessage(`{}`),
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decode[ErrorResponse](t, resp)
	assert.Contains(t, body.Details, "unknown job kind")

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/v1/queue", bytes.NewBufferString("{broken"))
	require.NoError(t, err)
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp2.StatusCode)
}

func TestQueueLifecycle(t *testing.T) {
	ts := setupServer(t)

	enqueueKeyword(t, ts, "coffee", 0)

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/v1/queue/start", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, decode[SuccessResponse](t, resp).Success)

	require.Eventually(t, func() bool {
		return getStats(t, ts).Completed == 1
	}, 2*time.Second, 10*time.Millisecond)

	// Task history reflects the finished run.
	resp, err := http.Get(ts.URL + "/api/v1/tasks")
	require.NoError(t, err)
	tasks := decode[TaskListResponse](t, resp)
	require.Equal(t, 1, tasks.Total)
	task := tasks.Tasks[0]
	assert.Equal(t, db.TaskStatusCompleted, task.Status)
	assert.EqualValues(t, 4, task.ResultCount)

	resp, err = http.Get(fmt.Sprintf("%s/api/v1/tasks/%d", ts.URL, task.ID))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get(fmt.Sprintf("%s/api/v1/tasks/%d/logs", ts.URL, task.ID))
	require.NoError(t, err)
	logs := decode[TaskLogsResponse](t, resp)
	require.NotEmpty(t, logs.Logs)
	assert.Equal(t, "starting", logs.Logs[0].Message)

	// Stopping an idle queue is a conflict.
	resp = doJSON(t, http.MethodPost, ts.URL+"/api/v1/queue/stop", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()
}

func TestRemoveQueueItem(t *testing.T) {
	ts := setupServer(t)

	id := enqueueKeyword(t, ts, "coffee", 0)

	resp := doJSON(t, http.MethodDelete, fmt.Sprintf("%s/api/v1/queue/%d", ts.URL, id), nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, http.MethodDelete, ts.URL+"/api/v1/queue/9999", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, http.MethodDelete, ts.URL+"/api/v1/queue/abc", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestSetQueuePriority(t *testing.T) {
	ts := setupServer(t)

	a := enqueueKeyword(t, ts, "a", 0)
	b := enqueueKeyword(t, ts, "b", 0)

	resp := doJSON(t, http.MethodPut, fmt.Sprintf("%s/api/v1/queue/%d/priority", ts.URL, b), PriorityRequest{Priority: 10})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	listResp, err := http.Get(ts.URL + "/api/v1/queue")
	require.NoError(t, err)
	list := decode[QueueListResponse](t, listResp)
	require.Equal(t, 2, list.Total)
	assert.Equal(t, b, list.Items[0].ID)
	assert.Equal(t, a, list.Items[1].ID)
}

func TestDeleteTask(t *testing.T) {
	ts := setupServer(t)

	enqueueKeyword(t, ts, "coffee", 0)
	resp := doJSON(t, http.MethodPost, ts.URL+"/api/v1/queue/start", nil)
	resp.Body.Close()

	require.Eventually(t, func() bool {
		return getStats(t, ts).Completed == 1
	}, 2*time.Second, 10*time.Millisecond)

	tasksResp, err := http.Get(ts.URL + "/api/v1/tasks")
	require.NoError(t, err)
	tasks := decode[TaskListResponse](t, tasksResp)
	require.Equal(t, 1, tasks.Total)

	resp = doJSON(t, http.MethodDelete, fmt.Sprintf("%s/api/v1/tasks/%d", ts.URL, tasks.Tasks[0].ID), nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, http.MethodDelete, fmt.Sprintf("%s/api/v1/tasks/%d", ts.URL, tasks.Tasks[0].ID), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestValidateCredentials(t *testing.T) {
	ts := setupServer(t)

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/v1/validate", ValidateRequest{
		Payload: json.RawMessage(`{"cookie":"abc"}`),
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	result := decode[worker.ValidationResult](t, resp)
	assert.True(t, result.Valid)
	assert.Equal(t, "session ok", result.Message)
}

func TestGetStatus(t *testing.T) {
	ts := setupServer(t)

	resp, err := http.Get(ts.URL + "/api/v1/status")
	require.NoError(t, err)
	body := decode[map[string]any](t, resp)
	assert.Equal(t, "idle", body["status"])
}

func TestStatusStream(t *testing.T) {
	ts := setupServer(t)

	// The enqueue publishes a snapshot; a subscriber that connects
	// afterwards receives it as its first frame.
	enqueueKeyword(t, ts, "streamed", 0)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/api/v1/status/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := make(chan string, 1)
	go func() {
		buf := make([]byte, 4096)
		n, _ := resp.Body.Read(buf)
		reader <- string(buf[:n])
	}()

	select {
	case chunk := <-reader:
		assert.Contains(t, chunk, "event: status")
		assert.Contains(t, chunk, `"pending":1`)
	case <-time.After(2 * time.Second):
		t.Fatal("no SSE frame received")
	}
}
