package service

import (
	"errors"
	"fmt"

	"github.com/capitalize-ai/assistants-relay/internal/store"
)

var (
	// ErrNotFound is returned when a local record does not exist.
	ErrNotFound = store.ErrNotFound
	// ErrTimeout matches every *TimeoutError.
	ErrTimeout = errors.New("timed out")
	// ErrNoReply is returned when a completed run produced no assistant message.
	ErrNoReply = errors.New("run completed without an assistant reply")
	// ErrThreadNotSynced is returned for threads without a remote counterpart.
	ErrThreadNotSynced = errors.New("thread has no remote counterpart")
	// ErrUnsupportedFile is returned for uploads outside the accepted types.
	ErrUnsupportedFile = errors.New("unsupported file type")
	// ErrFileTooLarge is returned for uploads above the size limit.
	ErrFileTooLarge = errors.New("file too large")
)

// ValidationError is a rejected request field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// TimeoutError reports a bounded wait that ran out.
type TimeoutError struct {
	// Phase is "drain" while waiting for earlier runs to stop, "poll" while
	// waiting for the new run, or "file_batch" while a vector store indexes.
	Phase    string
	Attempts int
	Err      error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %d attempts", e.Phase, e.Attempts)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

func (e *TimeoutError) Unwrap() error {
	return e.Err
}
