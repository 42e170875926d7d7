package model

import (
	"fmt"
)

// RunStatus is the lifecycle state of a remote run.
type RunStatus string

const (
	RunStatusQueued         RunStatus = "queued"
	RunStatusInProgress     RunStatus = "in_progress"
	RunStatusRequiresAction RunStatus = "requires_action"
	RunStatusCancelling     RunStatus = "cancelling"
	RunStatusCompleted      RunStatus = "completed"
	RunStatusFailed         RunStatus = "failed"
	RunStatusCancelled      RunStatus = "cancelled"
	RunStatusExpired        RunStatus = "expired"
	RunStatusIncomplete     RunStatus = "incomplete"
)

// Cancellable reports whether a run in this status should be cancelled
// before a new run is created on the same thread.
func (s RunStatus) Cancellable() bool {
	switch s {
	case RunStatusQueued, RunStatusInProgress, RunStatusRequiresAction:
		return true
	}
	return false
}

// Active reports whether the run still occupies its thread.
func (s RunStatus) Active() bool {
	return s.Cancellable() || s == RunStatusCancelling
}

// Terminal reports whether the run has stopped.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled, RunStatusExpired, RunStatusIncomplete:
		return true
	}
	return false
}

// RunError is the last_error reported by the remote for a run.
type RunError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Run is the transient view of a remote run. It is never persisted.
type Run struct {
	ID          string    `json:"id"`
	ThreadID    string    `json:"thread_id"`
	AssistantID string    `json:"assistant_id"`
	Status      RunStatus `json:"status"`
	LastError   *RunError `json:"last_error,omitempty"`
	CreatedAt   int64     `json:"created_at"`
}

// RunFailedError is returned when a run ends in a terminal status other
// than completed.
type RunFailedError struct {
	RunID     string
	Status    RunStatus
	LastError *RunError
}

func (e *RunFailedError) Error() string {
	if e.LastError != nil {
		return fmt.Sprintf("run %s %s: %s: %s", e.RunID, e.Status, e.LastError.Code, e.LastError.Message)
	}
	return fmt.Sprintf("run %s %s", e.RunID, e.Status)
}

// RunResponse is the response of a synchronous run.
type RunResponse struct {
	RunID          string    `json:"run_id"`
	Status         RunStatus `json:"status"`
	LastError      *RunError `json:"last_error,omitempty"`
	Content        string    `json:"content"`
	UserMessage    *Message  `json:"user_message"`
	AssistantReply *Reply    `json:"assistant_reply"`
}

// PollRunResponse is the response when polling an asynchronous run.
type PollRunResponse struct {
	Run            Run    `json:"run"`
	AssistantReply *Reply `json:"assistant_reply,omitempty"`
}

// ListRunsResponse is the response for listing runs.
type ListRunsResponse struct {
	Runs []Run `json:"runs"`
}
