package model

import (
	"time"

	"gorm.io/datatypes"
)

// Role represents the role of a message sender.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is an ordered entry of a thread. Local and remote views of the
// same message share this type; RemoteID is set once the two are matched.
type Message struct {
	ID        string                      `json:"id" gorm:"primaryKey;size:36"`
	ThreadID  string                      `json:"thread_id" gorm:"size:36;index;not null"`
	Role      Role                        `json:"role" gorm:"size:16;not null"`
	Content   string                      `json:"content" gorm:"type:text"`
	FileIDs   datatypes.JSONSlice[string] `json:"file_ids,omitempty"`
	RemoteID  *string                     `json:"remote_id,omitempty" gorm:"size:64;index"`
	RunID     *string                     `json:"run_id,omitempty" gorm:"size:64;index"`
	CreatedAt time.Time                   `json:"created_at"`
	UpdatedAt time.Time                   `json:"updated_at"`
}

// SendMessageRequest is the request to add a message or run a thread.
type SendMessageRequest struct {
	Content string   `json:"content"`
	FileIDs []string `json:"file_ids,omitempty"`
}

// ModifyMessageRequest is the request to replace the content of a message.
type ModifyMessageRequest struct {
	Content string `json:"content"`
}

// ListMessagesResponse is the response for listing messages.
type ListMessagesResponse struct {
	Messages []Message `json:"messages"`
	Total    int       `json:"total"`
}

// Reply is the assistant reply returned by a synchronous run.
type Reply struct {
	ID      string `json:"id"`
	Role    Role   `json:"role"`
	Content string `json:"content"`
}
