package model

import (
	"time"
)

// EventType represents the type of run lifecycle event.
type EventType string

const (
	EventTypeRunCreated     EventType = "run.created"
	EventTypeRunCompleted   EventType = "run.completed"
	EventTypeRunFailed      EventType = "run.failed"
	EventTypeRunTimeout     EventType = "run.timeout"
	EventTypeRunCancelled   EventType = "run.cancelled"
	EventTypeMessageCreated EventType = "message.created"
)

// RunEvent is an entry of the run event log.
type RunEvent struct {
	ID        string    `json:"id"`
	ThreadID  string    `json:"thread_id"`
	RunID     string    `json:"run_id,omitempty"`
	MessageID string    `json:"message_id,omitempty"`
	Type      EventType `json:"type"`
	Status    RunStatus `json:"status,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	Sequence  uint64    `json:"sequence,omitempty"`
}

// ErrorEvent represents an error event.
type ErrorEvent struct {
	Error      string `json:"error"`
	Code       string `json:"code,omitempty"`
	Type       string `json:"type,omitempty"`
	RetryAfter string `json:"retry_after,omitempty"`
}

// HeartbeatEvent represents a heartbeat event.
type HeartbeatEvent struct {
	Timestamp time.Time `json:"timestamp"`
}
