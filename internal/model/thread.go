package model

import (
	"time"
)

// Thread is a conversation scope owned by one assistant.
type Thread struct {
	ID          string    `json:"id" gorm:"primaryKey;size:36"`
	AssistantID string    `json:"assistant_id" gorm:"size:64;index;not null"`
	RemoteID    *string   `json:"remote_id,omitempty" gorm:"size:64;uniqueIndex"`
	Title       string    `json:"title,omitempty" gorm:"size:256"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Synced reports whether the thread has a remote counterpart.
func (t *Thread) Synced() bool {
	return t.RemoteID != nil && *t.RemoteID != ""
}

// CreateThreadRequest is the request to create a new thread.
type CreateThreadRequest struct {
	Title string `json:"title"`
}

// ListThreadsResponse is the response for listing threads.
type ListThreadsResponse struct {
	Threads []Thread `json:"threads"`
	Total   int      `json:"total"`
}
