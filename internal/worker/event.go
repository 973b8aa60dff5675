package worker

import (
	"encoding/json"
	"fmt"

	"github.com/saiigo/xhs-data-helper-sub000/internal/db"
)

// EventType discriminates worker protocol records
type EventType string

const (
	EventLog        EventType = "log"
	EventProgress   EventType = "progress"
	EventMedia      EventType = "media"
	EventDone       EventType = "done"
	EventError      EventType = "error"
	EventValidation EventType = "validation_result"

	// EventExit is synthesized by the bridge when the worker process
	// terminates; it never appears on the wire.
	EventExit EventType = "exit"
)

// Event is one parsed worker protocol record
type Event struct {
	Type    EventType `json:"type"`
	Level   string    `json:"level,omitempty"`
	Message string    `json:"message,omitempty"`

	// progress fields
	Current int    `json:"current,omitempty"`
	Total   int    `json:"total,omitempty"`
	Title   string `json:"title,omitempty"`

	// done fields; Status may be "warning" for partial success
	Count  int64    `json:"count,omitempty"`
	Files  []string `json:"files,omitempty"`
	Status string   `json:"status,omitempty"`

	// validation_result fields
	Valid    bool            `json:"valid,omitempty"`
	UserInfo json.RawMessage `json:"userInfo,omitempty"`

	// Filled in by the bridge, not part of the wire protocol.
	TaskID int64         `json:"-"`
	Final  db.TaskStatus `json:"-"` // set on the synthetic exit event
}

// parseEvent decodes one protocol line and rejects unknown record types
func parseEvent(line []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(line, &ev); err != nil {
		return Event{}, fmt.Errorf("invalid worker record: %w", err)
	}
	switch ev.Type {
	case EventLog, EventProgress, EventMedia, EventDone, EventError, EventValidation:
		return ev, nil
	default:
		return Event{}, fmt.Errorf("unknown worker record type: %q", ev.Type)
	}
}

// logEvent converts an event to the shape the store persists
func logEvent(ev Event) db.LogEvent {
	return db.LogEvent{
		Type:    string(ev.Type),
		Level:   ev.Level,
		Message: ev.Message,
		Current: ev.Current,
		Total:   ev.Total,
		Title:   ev.Title,
	}
}
