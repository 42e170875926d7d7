// Package model defines data structures for the assistants relay.
package model

import (
	"time"

	"gorm.io/datatypes"
)

// Assistant is the local cache of a remote assistant.
type Assistant struct {
	ID            string                      `json:"id" gorm:"primaryKey;size:64" yaml:"id"`
	Name          string                      `json:"name" gorm:"size:256" yaml:"name"`
	Model         string                      `json:"model" gorm:"size:64;not null" yaml:"model"`
	Instructions  string                      `json:"instructions" gorm:"type:text" yaml:"instructions"`
	Tools         datatypes.JSONSlice[string] `json:"tools" yaml:"tools"`
	VectorStoreID string                      `json:"vector_store_id,omitempty" gorm:"size:64" yaml:"vector_store_id"`
	CreatedAt     time.Time                   `json:"created_at" yaml:"-"`
	UpdatedAt     time.Time                   `json:"updated_at" yaml:"-"`
}

// CreateAssistantRequest is the request to create an assistant.
type CreateAssistantRequest struct {
	Name         string   `json:"name"`
	Model        string   `json:"model"`
	Instructions string   `json:"instructions"`
	Tools        []string `json:"tools,omitempty"`
	Temperature  *float32 `json:"temperature,omitempty"`
	TopP         *float32 `json:"top_p,omitempty"`
}

// UpdateAssistantRequest is the request to update an assistant.
// Nil fields are left untouched.
type UpdateAssistantRequest struct {
	Name         *string  `json:"name,omitempty"`
	Model        *string  `json:"model,omitempty"`
	Instructions *string  `json:"instructions,omitempty"`
	Tools        []string `json:"tools,omitempty"`
	Temperature  *float32 `json:"temperature,omitempty"`
	TopP         *float32 `json:"top_p,omitempty"`
}

// ListAssistantsResponse is the response for listing assistants.
type ListAssistantsResponse struct {
	Assistants []Assistant `json:"assistants"`
	Total      int         `json:"total"`
}

// VectorStoreResponse describes the vector stores attached to an assistant.
type VectorStoreResponse struct {
	AssistantID    string   `json:"assistant_id"`
	VectorStoreIDs []string `json:"vector_store_ids"`
}
