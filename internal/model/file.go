package model

import (
	"time"
)

// File is an uploaded document ingested into an assistant's vector store.
type File struct {
	ID            string    `json:"id" gorm:"primaryKey;size:64"`
	AssistantID   string    `json:"assistant_id" gorm:"size:64;index;not null"`
	VectorStoreID string    `json:"vector_store_id" gorm:"size:64"`
	Name          string    `json:"name" gorm:"size:512"`
	MimeType      string    `json:"mime_type" gorm:"size:128"`
	Size          int64     `json:"size"`
	LocalPath     string    `json:"-" gorm:"size:1024"`
	Attached      bool      `json:"attached" gorm:"-"`
	CreatedAt     time.Time `json:"created_at"`
}

// ListFilesResponse is the response for listing files.
type ListFilesResponse struct {
	Files []File `json:"files"`
	Total int    `json:"total"`
}
