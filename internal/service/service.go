// Package service provides business logic for the assistants relay.
package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/capitalize-ai/assistants-relay/internal/model"
	"github.com/capitalize-ai/assistants-relay/pkg/logger"
)

// Store is the local persistence used by the services. *store.Store
// implements it.
type Store interface {
	UpsertAssistant(ctx context.Context, a *model.Assistant) error
	GetAssistant(ctx context.Context, id string) (*model.Assistant, error)
	ListAssistants(ctx context.Context) ([]model.Assistant, error)
	SetAssistantVectorStore(ctx context.Context, id, vectorStoreID string) error
	DeleteAssistant(ctx context.Context, id string) error

	CreateThread(ctx context.Context, t *model.Thread) error
	GetThread(ctx context.Context, id string) (*model.Thread, error)
	ListThreads(ctx context.Context, assistantID string) ([]model.Thread, error)
	DeleteThread(ctx context.Context, id string) error

	CreateMessage(ctx context.Context, m *model.Message) error
	ListMessages(ctx context.Context, threadID string) ([]model.Message, error)
	GetMessage(ctx context.Context, threadID, id string) (*model.Message, error)
	FindMessageByRun(ctx context.Context, threadID, runID string, role model.Role) (*model.Message, error)
	FindMessageByRemoteID(ctx context.Context, threadID, remoteID string) (*model.Message, error)
	UpdateMessageContent(ctx context.Context, threadID, id, content string) (*model.Message, error)
	LinkMessage(ctx context.Context, id string, remoteID, runID *string) error
	DeleteMessage(ctx context.Context, threadID, id string) error

	CreateFile(ctx context.Context, f *model.File) error
	GetFile(ctx context.Context, assistantID, id string) (*model.File, error)
	ListFiles(ctx context.Context, assistantID string) ([]model.File, error)
	MarkFileIngested(ctx context.Context, id, vectorStoreID string) error
	DeleteFile(ctx context.Context, assistantID, id string) error
}

// EventPublisher appends run lifecycle events to the event log.
type EventPublisher interface {
	PublishRunEvent(ctx context.Context, event *model.RunEvent) (uint64, error)
}

type nopPublisher struct{}

func (nopPublisher) PublishRunEvent(context.Context, *model.RunEvent) (uint64, error) {
	return 0, nil
}

// NopPublisher discards events. Used when the event log is disabled.
var NopPublisher EventPublisher = nopPublisher{}

// eventEmitter publishes events best effort: failures are logged and the
// caller carries on.
type eventEmitter struct {
	publisher EventPublisher
	logger    *logger.Logger
}

func (e eventEmitter) emit(ctx context.Context, event model.RunEvent) {
	event.ID = uuid.Must(uuid.NewV7()).String()
	event.CreatedAt = time.Now().UTC()
	if _, err := e.publisher.PublishRunEvent(context.WithoutCancel(ctx), &event); err != nil {
		e.logger.Warn("failed to publish run event",
			zap.String("type", string(event.Type)),
			zap.String("thread_id", event.ThreadID),
			zap.Error(err),
		)
	}
}

func ptr[T any](v T) *T {
	return &v
}
