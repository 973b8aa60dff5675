// Package scheduler serializes collection jobs: it owns the queue
// state machine and runs at most one job at a time through the worker
// bridge.
package scheduler

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/saiigo/xhs-data-helper-sub000/internal/db"
	"github.com/saiigo/xhs-data-helper-sub000/internal/job"
	"github.com/saiigo/xhs-data-helper-sub000/internal/metrics"
	"github.com/saiigo/xhs-data-helper-sub000/internal/status"
	"github.com/saiigo/xhs-data-helper-sub000/internal/webhook"
	"github.com/saiigo/xhs-data-helper-sub000/internal/worker"
)

// State is the scheduler's queue status
type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
	StatePaused  State = "paused"
)

// ErrItemRunning is returned when removing the actively executing item
var ErrItemRunning = errors.New("cannot remove the item that is currently executing")

// Runner is the slice of the worker bridge the scheduler depends on
type Runner interface {
	Start(spec *job.Spec) (int64, <-chan worker.Event, error)
	Stop()
	IsRunning() bool
}

// Result reports the outcome of a start/stop request
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Scheduler pulls pending queue items and runs them one at a time.
// Its in-memory state mirrors the store; the store stays the source
// of truth.
type Scheduler struct {
	store  *db.DB
	runner Runner
	broker *status.Broker
	log    *logrus.Entry

	settle     time.Duration
	feishu     *webhook.Feishu
	webhookURL string

	mu      sync.Mutex
	state   State
	current *db.QueueItem

	wake chan struct{}
	quit chan struct{}
	done chan struct{}
}

// New creates a scheduler and starts its pull loop. The loop parks
// until Start is called.
func New(store *db.DB, runner Runner, broker *status.Broker, logger *logrus.Logger) *Scheduler {
	s := &Scheduler{
		store:  store,
		runner: runner,
		broker: broker,
		log:    logger.WithField("component", "scheduler"),
		settle: 500 * time.Millisecond,
		feishu: webhook.NewFeishu(),
		state:  StateIdle,
		wake:   make(chan struct{}, 1),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go s.loop()
	return s
}

// SetSettleDelay overrides the pause between a terminal event and the
// next pull
func (s *Scheduler) SetSettleDelay(d time.Duration) {
	s.settle = d
}

// SetWebhook enables Feishu notifications for terminal jobs
func (s *Scheduler) SetWebhook(url string) {
	s.webhookURL = url
}

// Shutdown stops the pull loop. It does not touch queue state; a
// mid-flight item is repaired by the startup sweep on the next boot.
func (s *Scheduler) Shutdown() {
	close(s.quit)
	<-s.done
}

// State returns the current queue status
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// CurrentItem returns the item being executed, if any
func (s *Scheduler) CurrentItem() *db.QueueItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Enqueue validates and stores a job description, then publishes the
// new queue composition
func (s *Scheduler) Enqueue(spec *job.Spec, priority int) (int64, error) {
	if err := spec.Validate(); err != nil {
		return 0, err
	}
	snapshot, err := json.Marshal(spec)
	if err != nil {
		return 0, err
	}

	id, err := s.store.Enqueue(snapshot, priority)
	if err != nil {
		return 0, err
	}

	metrics.JobsEnqueued.WithLabelValues(string(spec.Kind)).Inc()
	s.log.WithFields(logrus.Fields{"queue_id": id, "kind": spec.Kind, "priority": priority}).Info("job enqueued")
	s.publish()
	return id, nil
}

// Start begins pulling pending items
func (s *Scheduler) Start() Result {
	s.mu.Lock()
	if s.state == StateRunning {
		s.mu.Unlock()
		return Result{Success: false, Message: "queue is already running"}
	}
	if s.runner.IsRunning() {
		s.mu.Unlock()
		return Result{Success: false, Message: "a task is already running"}
	}
	s.state = StateRunning
	s.mu.Unlock()

	s.publish()
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return Result{Success: true, Message: "queue started"}
}

// Stop pauses the queue. An in-flight item is reverted to pending and
// its worker is signalled; the revert does not wait for process exit.
func (s *Scheduler) Stop() Result {
	s.mu.Lock()
	if s.state == StateIdle {
		s.mu.Unlock()
		return Result{Success: false, Message: "queue is not running"}
	}
	s.state = StatePaused
	current := s.current
	s.current = nil
	s.mu.Unlock()

	if s.runner.IsRunning() {
		s.runner.Stop()
		metrics.JobsStopped.Inc()
	}

	if current != nil {
		if err := s.store.SetQueueStatus(current.ID, db.QueueStatusPending, nil, ""); err != nil {
			s.log.WithError(err).Error("failed to revert stopped queue item")
		}
	}

	s.publish()
	return Result{Success: true, Message: "queue paused"}
}

// Remove deletes a queue item, refusing the one actively executing
func (s *Scheduler) Remove(queueID int64) error {
	s.mu.Lock()
	if s.current != nil && s.current.ID == queueID {
		s.mu.Unlock()
		return ErrItemRunning
	}
	s.mu.Unlock()

	if err := s.store.RemoveQueueItem(queueID); err != nil {
		return err
	}
	s.publish()
	return nil
}

// SetPriority changes a queue item's priority
func (s *Scheduler) SetPriority(queueID int64, priority int) error {
	if err := s.store.SetQueuePriority(queueID, priority); err != nil {
		return err
	}
	s.publish()
	return nil
}

// ClearCompleted deletes all terminal queue items
func (s *Scheduler) ClearCompleted() (int64, error) {
	removed, err := s.store.ClearTerminal()
	if err != nil {
		return 0, err
	}
	s.publish()
	return removed, nil
}

// ListItems returns queue items, optionally filtered by status
func (s *Scheduler) ListItems(statusFilter db.QueueStatus) ([]*db.QueueItem, error) {
	return s.store.ListQueueItems(statusFilter)
}

// Stats returns the queue counts. Best effort: a storage error yields
// the zero value because stats back passive display.
func (s *Scheduler) Stats() db.QueueStats {
	stats, err := s.store.QueueStats()
	if err != nil {
		s.log.WithError(err).Error("failed to read queue stats")
		return db.QueueStats{}
	}
	return stats
}

// loop is the pull loop: woken by Start, it drains pending items one
// at a time until the queue empties or the state leaves running.
func (s *Scheduler) loop() {
	defer close(s.done)
	for {
		select {
		case <-s.quit:
			return
		case <-s.wake:
		}

		for s.State() == StateRunning {
			item, err := s.store.NextPending()
			if err != nil {
				s.log.WithError(err).Error("failed to pull next queue item")
				s.toIdle()
				break
			}
			if item == nil {
				s.toIdle()
				break
			}

			s.runItem(item)

			select {
			case <-s.quit:
				return
			case <-time.After(s.settle):
			}
		}
	}
}

func (s *Scheduler) toIdle() {
	s.mu.Lock()
	if s.state == StateRunning {
		s.state = StateIdle
	}
	s.current = nil
	s.mu.Unlock()
	s.publish()
}

// runItem executes one queue item to its terminal event
func (s *Scheduler) runItem(item *db.QueueItem) {
	spec, err := job.Decode(item.Job)
	if err != nil {
		s.log.WithError(err).WithField("queue_id", item.ID).Error("corrupt job snapshot")
		_ = s.store.SetQueueStatus(item.ID, db.QueueStatusFailed, nil, "corrupt job snapshot: "+err.Error())
		s.publish()
		return
	}

	taskID, events, err := s.runner.Start(spec)
	if err != nil {
		s.log.WithError(err).WithField("queue_id", item.ID).Error("failed to start worker")
		_ = s.store.SetQueueStatus(item.ID, db.QueueStatusFailed, nil, err.Error())
		metrics.JobsFailed.WithLabelValues(string(spec.Kind)).Inc()
		s.publish()
		return
	}

	s.mu.Lock()
	s.current = item
	s.mu.Unlock()

	if err := s.store.SetQueueStatus(item.ID, db.QueueStatusRunning, &taskID, ""); err != nil {
		s.log.WithError(err).Error("failed to mark queue item running")
	}
	s.publish()

	// Drain the event channel to exhaustion. This also holds the loop
	// back after a stop() until the old process actually exits, so a
	// dying worker can never interleave with the next item.
	for ev := range events {
		if ev.Type != worker.EventExit {
			metrics.WorkerEvents.WithLabelValues(string(ev.Type)).Inc()
			s.broker.PublishEvent(ev)
			continue
		}
		s.finishItem(item, spec, taskID, ev)
	}
}

// finishItem maps the terminal event onto the queue item
func (s *Scheduler) finishItem(item *db.QueueItem, spec *job.Spec, taskID int64, ev worker.Event) {
	s.mu.Lock()
	stillCurrent := s.current != nil && s.current.ID == item.ID
	if stillCurrent {
		s.current = nil
	}
	s.mu.Unlock()

	if !stillCurrent {
		// stop() already reverted this item; the terminal event of the
		// signalled process carries nothing left to record.
		return
	}

	switch ev.Final {
	case db.TaskStatusCompleted, db.TaskStatusWarning:
		_ = s.store.SetQueueStatus(item.ID, db.QueueStatusCompleted, &taskID, "")
		metrics.JobsCompleted.WithLabelValues(string(spec.Kind)).Inc()
	case db.TaskStatusStopped:
		// The worker was stopped out from under us before this item was
		// registered as current; make it re-eligible.
		_ = s.store.SetQueueStatus(item.ID, db.QueueStatusPending, nil, "")
	default:
		_ = s.store.SetQueueStatus(item.ID, db.QueueStatusFailed, &taskID, ev.Message)
		metrics.JobsFailed.WithLabelValues(string(spec.Kind)).Inc()
	}

	s.log.WithFields(logrus.Fields{"queue_id": item.ID, "task_id": taskID, "status": ev.Final}).Info("job finished")
	s.notify(taskID)
	s.publish()
}

// notify sends the terminal task to the configured Feishu webhook
func (s *Scheduler) notify(taskID int64) {
	if s.webhookURL == "" {
		return
	}
	task, err := s.store.GetTask(taskID)
	if err != nil {
		s.log.WithError(err).Error("failed to load task for notification")
		return
	}
	go func() {
		if err := s.feishu.SendResult(s.webhookURL, task); err != nil {
			s.log.WithError(err).Warn("failed to send webhook notification")
		}
	}()
}

// publish pushes the current state snapshot to the status broker
func (s *Scheduler) publish() {
	stats := s.Stats()
	metrics.QueuePending.Set(float64(stats.Pending))

	s.mu.Lock()
	update := status.Update{
		Status:      string(s.state),
		CurrentItem: s.current,
		Stats:       stats,
	}
	s.mu.Unlock()

	s.broker.PublishUpdate(update)
}
