package domain

import (
	"encoding/json"
	"time"
)

// EventType names one kind of lifecycle transition in the audit log.
type EventType string

const (
	EventCreated   EventType = "created"
	EventPickedUp  EventType = "picked_up"
	EventRetried   EventType = "retried"
	EventFailed    EventType = "failed"
	EventCompleted EventType = "completed"
	EventRequeued  EventType = "requeued"
)

// TaskEvent is one append-only audit record. Events are never updated or
// deleted, and the queue never reads them back to make decisions.
type TaskEvent struct {
	ID        string          `json:"id"`
	TaskID    string          `json:"task_id"`
	Type      EventType       `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}
