// Package worker owns the lifecycle of the external collector process
// and translates its line-oriented output into typed events.
package worker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/saiigo/xhs-data-helper-sub000/internal/db"
	"github.com/saiigo/xhs-data-helper-sub000/internal/job"
)

// ErrWorkerBusy is returned by Start while a worker process is active
var ErrWorkerBusy = errors.New("a worker process is already running")

// Bridge spawns at most one worker process at a time, persists its
// events as task logs, and reports process exit as a terminal event.
type Bridge struct {
	store     *db.DB
	log       *logrus.Entry
	workerCmd string

	mu      sync.Mutex
	cmd     *exec.Cmd
	taskID  int64 // bound task; 0 once Stop has unbound it
	stopped bool
}

// New creates a bridge that invokes workerCmd for each job
func New(store *db.DB, workerCmd string, logger *logrus.Logger) *Bridge {
	return &Bridge{
		store:     store,
		log:       logger.WithField("component", "worker"),
		workerCmd: workerCmd,
	}
}

// Start creates the owning task row, spawns the worker process, and
// returns the event channel. The channel carries every parsed event
// plus one final synthetic exit event, then closes; the caller must
// drain it. Fails with ErrWorkerBusy while a process is active.
func (b *Bridge) Start(spec *job.Spec) (int64, <-chan Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.cmd != nil {
		return 0, nil, ErrWorkerBusy
	}

	payload, err := spec.Encode()
	if err != nil {
		return 0, nil, err
	}
	saveConfig, err := json.Marshal(spec.Save)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to encode save config: %w", err)
	}

	// The task row must exist before the process produces output so
	// every log insert has a referent.
	taskID, err := b.store.CreateTask(string(spec.Kind), spec.Params, saveConfig)
	if err != nil {
		return 0, nil, err
	}

	cmd := exec.Command(b.workerCmd, "run", payload)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return 0, nil, b.failSpawn(taskID, fmt.Errorf("failed to create stdout pipe: %w", err))
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return 0, nil, b.failSpawn(taskID, fmt.Errorf("failed to create stderr pipe: %w", err))
	}
	if err := cmd.Start(); err != nil {
		return 0, nil, b.failSpawn(taskID, fmt.Errorf("failed to start worker: %w", err))
	}

	b.cmd = cmd
	b.taskID = taskID
	b.stopped = false

	events := make(chan Event, 64)
	go b.supervise(cmd, stdout, stderr, taskID, events)

	b.log.WithFields(logrus.Fields{"task_id": taskID, "kind": spec.Kind}).Info("worker started")
	return taskID, events, nil
}

// failSpawn finalizes a task whose worker never launched
func (b *Bridge) failSpawn(taskID int64, err error) error {
	_ = b.store.UpdateTaskStatus(taskID, db.TaskStatusFailed, err.Error(), nil)
	return err
}

// Stop requests termination of the active process and finalizes the
// bound task as stopped. Best effort: it signals the process and
// returns without waiting for exit. The task is unbound first, so
// trailing events from the dying process are dropped rather than
// appended to a finalized task.
func (b *Bridge) Stop() {
	b.mu.Lock()
	cmd := b.cmd
	taskID := b.taskID
	b.taskID = 0
	b.stopped = true
	b.mu.Unlock()

	if cmd == nil {
		return
	}

	if taskID != 0 {
		if err := b.store.UpdateTaskStatus(taskID, db.TaskStatusStopped, "stopped by user", nil); err != nil {
			b.log.WithError(err).Error("failed to finalize stopped task")
		}
	}

	if cmd.Process != nil {
		if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
			b.log.WithError(err).Warn("failed to signal worker process")
		}
	}
	b.log.WithField("task_id", taskID).Info("worker stop requested")
}

// IsRunning reports whether a worker process is active
func (b *Bridge) IsRunning() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cmd != nil
}

// CurrentTaskID returns the bound task id, if any
func (b *Bridge) CurrentTaskID() (int64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.taskID, b.taskID != 0
}

// boundTask returns the task logs should attach to, 0 when unbound
func (b *Bridge) boundTask() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.taskID
}

// runOutcome accumulates what the event stream revealed about the run
type runOutcome struct {
	mu         sync.Mutex
	sawError   bool
	lastErr    string
	sawDone    bool
	doneCount  int64
	doneStatus string
}

func (o *runOutcome) recordError(msg string) {
	o.mu.Lock()
	o.sawError = true
	if msg != "" {
		o.lastErr = msg
	}
	o.mu.Unlock()
}

func (o *runOutcome) recordDone(ev Event) {
	o.mu.Lock()
	o.sawDone = true
	o.doneCount = ev.Count
	o.doneStatus = ev.Status
	o.mu.Unlock()
}

// supervise consumes the process output, persists events, and emits
// the terminal exit event once the process is gone.
func (b *Bridge) supervise(cmd *exec.Cmd, stdout, stderr io.Reader, taskID int64, events chan<- Event) {
	outcome := &runOutcome{}

	// stderr lines become synthetic error events, handled identically
	// to parsed ones
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			b.deliver(Event{Type: EventError, Message: line, TaskID: taskID}, outcome, events)
		}
	}()

	b.readFrames(stdout, taskID, outcome, events)
	wg.Wait()

	cmdErr := cmd.Wait()

	b.mu.Lock()
	stopped := b.stopped
	b.cmd = nil
	b.taskID = 0
	b.mu.Unlock()

	final, errMsg := b.finalize(taskID, stopped, cmdErr, outcome)
	events <- Event{Type: EventExit, TaskID: taskID, Final: final, Message: errMsg}
	close(events)
}

// readFrames parses the strict line protocol on stdout. A trailing
// frame without its newline terminator is dropped, not parsed.
func (b *Bridge) readFrames(stdout io.Reader, taskID int64, outcome *runOutcome, events chan<- Event) {
	reader := bufio.NewReaderSize(stdout, 64*1024)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if len(bytes.TrimSpace(line)) > 0 {
				b.log.WithField("task_id", taskID).Warn("dropping unterminated worker frame")
			}
			if err != io.EOF {
				b.log.WithError(err).Error("worker stdout read failed")
			}
			return
		}

		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}

		ev, err := parseEvent(line)
		if err != nil {
			b.log.WithError(err).WithField("task_id", taskID).Warn("dropping malformed worker line")
			continue
		}
		ev.TaskID = taskID
		b.deliver(ev, outcome, events)
	}
}

// deliver persists one event for the bound task and forwards it
func (b *Bridge) deliver(ev Event, outcome *runOutcome, events chan<- Event) {
	switch ev.Type {
	case EventError:
		outcome.recordError(ev.Message)
	case EventDone:
		outcome.recordDone(ev)
	}

	if bound := b.boundTask(); bound != 0 {
		if err := b.store.AddLog(bound, logEvent(ev)); err != nil {
			b.log.WithError(err).Error("failed to persist worker event")
		}
	}

	events <- ev
}

// finalize maps the process outcome onto the task's terminal status
func (b *Bridge) finalize(taskID int64, stopped bool, cmdErr error, outcome *runOutcome) (db.TaskStatus, string) {
	if stopped {
		// Stop already finalized the task
		return db.TaskStatusStopped, ""
	}

	outcome.mu.Lock()
	defer outcome.mu.Unlock()

	var resultCount *int64
	if outcome.sawDone {
		resultCount = &outcome.doneCount
	}

	var final db.TaskStatus
	var errMsg string
	switch {
	case cmdErr != nil:
		errMsg = outcome.lastErr
		if errMsg == "" {
			errMsg = fmt.Sprintf("worker exited abnormally: %v", cmdErr)
		}
		final = db.TaskStatusFailed
	case outcome.sawError:
		errMsg = outcome.lastErr
		if errMsg == "" {
			errMsg = "worker reported an error"
		}
		final = db.TaskStatusFailed
	case outcome.doneStatus == "warning":
		final = db.TaskStatusWarning
	default:
		final = db.TaskStatusCompleted
	}

	if err := b.store.UpdateTaskStatus(taskID, final, errMsg, resultCount); err != nil {
		b.log.WithError(err).Error("failed to finalize task")
	}
	b.log.WithFields(logrus.Fields{"task_id": taskID, "status": final}).Info("worker finished")
	return final, errMsg
}

// ValidationResult is the outcome of a credential validation run
type ValidationResult struct {
	Valid    bool            `json:"valid"`
	Message  string          `json:"message,omitempty"`
	UserInfo json.RawMessage `json:"userInfo,omitempty"`
}

// Validate spawns a short-lived worker invocation for a synchronous
// credential check. It creates no task and persists nothing; any parse
// failure or non-zero exit is reported as an invalid result.
func (b *Bridge) Validate(ctx context.Context, payload json.RawMessage) *ValidationResult {
	cmd := exec.CommandContext(ctx, b.workerCmd, "validate", string(payload))
	out, err := cmd.Output()
	if err != nil {
		return &ValidationResult{Valid: false, Message: fmt.Sprintf("validation worker failed: %v", err)}
	}

	// The result is the last structured line of output.
	lines := bytes.Split(bytes.TrimSpace(out), []byte("\n"))
	last := bytes.TrimSpace(lines[len(lines)-1])

	ev, err := parseEvent(last)
	if err != nil || ev.Type != EventValidation {
		return &ValidationResult{Valid: false, Message: "validation produced no parseable result"}
	}
	return &ValidationResult{Valid: ev.Valid, Message: ev.Message, UserInfo: ev.UserInfo}
}
