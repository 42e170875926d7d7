package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/capitalize-ai/assistants-relay/internal/lock"
	"github.com/capitalize-ai/assistants-relay/internal/model"
	"github.com/capitalize-ai/assistants-relay/internal/remote"
	"github.com/capitalize-ai/assistants-relay/pkg/logger"
)

// ThreadService handles thread operations.
type ThreadService struct {
	store      Store
	remote     remote.Client
	locker     lock.Locker
	assistants *AssistantService
	logger     *logger.Logger
}

// NewThreadService creates a new thread service.
func NewThreadService(st Store, rc remote.Client, locker lock.Locker, assistants *AssistantService, log *logger.Logger) *ThreadService {
	return &ThreadService{
		store:      st,
		remote:     rc,
		locker:     locker,
		assistants: assistants,
		logger:     log.Named("threads"),
	}
}

// Create creates a remote thread and its local mirror.
func (s *ThreadService) Create(ctx context.Context, assistantID string, req *model.CreateThreadRequest) (*model.Thread, error) {
	if _, err := s.assistants.Get(ctx, assistantID); err != nil {
		return nil, err
	}

	rt, err := s.remote.CreateThread(ctx)
	if err != nil {
		return nil, fmt.Errorf("create remote thread: %w", err)
	}

	thread := &model.Thread{
		AssistantID: assistantID,
		RemoteID:    ptr(rt.ID),
		Title:       req.Title,
	}
	if err := s.store.CreateThread(ctx, thread); err != nil {
		return nil, fmt.Errorf("failed to store thread: %w", err)
	}

	s.logger.Info("thread created",
		zap.String("thread_id", thread.ID),
		zap.String("remote_id", rt.ID),
		zap.String("assistant_id", assistantID),
	)
	return thread, nil
}

// Get retrieves a thread by ID.
func (s *ThreadService) Get(ctx context.Context, threadID string) (*model.Thread, error) {
	thread, err := s.store.GetThread(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("get thread %s: %w", threadID, err)
	}
	return thread, nil
}

// List retrieves the threads of an assistant.
func (s *ThreadService) List(ctx context.Context, assistantID string) (*model.ListThreadsResponse, error) {
	threads, err := s.store.ListThreads(ctx, assistantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list threads: %w", err)
	}
	return &model.ListThreadsResponse{Threads: threads, Total: len(threads)}, nil
}

// Delete removes a thread remotely and locally, together with its
// messages. A thread already gone remotely is still removed locally.
func (s *ThreadService) Delete(ctx context.Context, threadID string) error {
	thread, err := s.Get(ctx, threadID)
	if err != nil {
		return err
	}

	release, err := s.locker.Acquire(ctx, threadLockKey(threadID))
	if err != nil {
		return fmt.Errorf("acquire thread lock: %w", err)
	}
	defer release()

	if thread.Synced() {
		if err := s.remote.DeleteThread(ctx, *thread.RemoteID); err != nil && !remote.IsNotFound(err) {
			return fmt.Errorf("delete remote thread: %w", err)
		}
	}
	if err := s.store.DeleteThread(ctx, threadID); err != nil {
		return fmt.Errorf("delete thread %s: %w", threadID, err)
	}

	s.logger.Info("thread deleted", zap.String("thread_id", threadID))
	return nil
}
