// Package remote wraps the OpenAI Assistants API used by the relay.
//
// Every operation maps 1:1 to a remote endpoint. Nothing is retried here;
// failures surface as *Error with the remote status, code, type, message
// and Retry-After hint untouched.
package remote

import (
	"context"
	"io"

	"github.com/sashabaranov/go-openai"
)

// ListMessagesOptions filters a message listing.
type ListMessagesOptions struct {
	RunID string
	Order string
	Limit int
}

// Client is the set of remote operations the relay depends on.
type Client interface {
	// Runs
	CreateRun(ctx context.Context, threadID string, req openai.RunRequest) (openai.Run, error)
	GetRun(ctx context.Context, threadID, runID string) (openai.Run, error)
	CancelRun(ctx context.Context, threadID, runID string) (openai.Run, error)
	ListRuns(ctx context.Context, threadID string) ([]openai.Run, error)
	// StreamRun creates a run with stream=true and returns the raw
	// text/event-stream body. The caller must close it.
	StreamRun(ctx context.Context, threadID string, req openai.RunRequest) (io.ReadCloser, error)

	// Messages
	CreateMessage(ctx context.Context, threadID string, req openai.MessageRequest) (openai.Message, error)
	ListMessages(ctx context.Context, threadID string, opts ListMessagesOptions) ([]openai.Message, error)
	GetMessage(ctx context.Context, threadID, messageID string) (openai.Message, error)
	ModifyMessage(ctx context.Context, threadID, messageID string, metadata map[string]string) (openai.Message, error)
	DeleteMessage(ctx context.Context, threadID, messageID string) error

	// Threads
	CreateThread(ctx context.Context) (openai.Thread, error)
	DeleteThread(ctx context.Context, threadID string) error

	// Assistants
	CreateAssistant(ctx context.Context, req openai.AssistantRequest) (openai.Assistant, error)
	GetAssistant(ctx context.Context, assistantID string) (openai.Assistant, error)
	ListAssistants(ctx context.Context) ([]openai.Assistant, error)
	ModifyAssistant(ctx context.Context, assistantID string, req openai.AssistantRequest) (openai.Assistant, error)
	DeleteAssistant(ctx context.Context, assistantID string) error

	// Files and vector stores
	UploadFile(ctx context.Context, name string, data []byte) (openai.File, error)
	DeleteFile(ctx context.Context, fileID string) error
	CreateVectorStore(ctx context.Context, name string) (openai.VectorStore, error)
	CreateFileBatch(ctx context.Context, vectorStoreID string, fileIDs []string) (openai.VectorStoreFileBatch, error)
	GetFileBatch(ctx context.Context, vectorStoreID, batchID string) (openai.VectorStoreFileBatch, error)
	ListVectorStoreFiles(ctx context.Context, vectorStoreID string) ([]openai.VectorStoreFile, error)
	DeleteVectorStoreFile(ctx context.Context, vectorStoreID, fileID string) error
}

// MessageText joins the text parts of a remote message.
func MessageText(m openai.Message) string {
	var text string
	for _, part := range m.Content {
		if part.Text != nil {
			text += part.Text.Value
		}
	}
	return text
}
