package service

import (
	"context"
	"fmt"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/capitalize-ai/assistants-relay/internal/lock"
	"github.com/capitalize-ai/assistants-relay/internal/model"
	"github.com/capitalize-ai/assistants-relay/internal/remote"
	"github.com/capitalize-ai/assistants-relay/pkg/logger"
	"github.com/capitalize-ai/assistants-relay/pkg/metrics"
)

// matchWindow bounds how far apart a local and a remote copy of the same
// message may have been created.
const matchWindow = 2 * time.Minute

// MessageService handles message operations outside of runs.
type MessageService struct {
	store  Store
	remote remote.Client
	locker lock.Locker
	logger *logger.Logger
}

// NewMessageService creates a new message service.
func NewMessageService(st Store, rc remote.Client, locker lock.Locker, log *logger.Logger) *MessageService {
	return &MessageService{
		store:  st,
		remote: rc,
		locker: locker,
		logger: log.Named("messages"),
	}
}

func (s *MessageService) thread(ctx context.Context, threadID string) (*model.Thread, error) {
	thread, err := s.store.GetThread(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("get thread %s: %w", threadID, err)
	}
	return thread, nil
}

// List returns the thread's messages in creation order. With sync set,
// remote messages are first matched against local ones and missing ones
// imported.
func (s *MessageService) List(ctx context.Context, threadID string, sync bool) (*model.ListMessagesResponse, error) {
	thread, err := s.thread(ctx, threadID)
	if err != nil {
		return nil, err
	}

	if sync && thread.Synced() {
		release, err := s.locker.Acquire(ctx, threadLockKey(threadID))
		if err != nil {
			return nil, fmt.Errorf("acquire thread lock: %w", err)
		}
		err = s.reconcile(ctx, thread)
		release()
		if err != nil {
			s.logger.Warn("message reconciliation failed", zap.String("thread_id", threadID), zap.Error(err))
		}
	}

	msgs, err := s.store.ListMessages(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	return &model.ListMessagesResponse{Messages: msgs, Total: len(msgs)}, nil
}

// reconcile links local messages to their remote copies by role, content
// and nearest creation time, and imports remote messages with no local copy.
// Imported messages are placed after every local message that precedes them
// remotely, since remote timestamps only have second precision.
func (s *MessageService) reconcile(ctx context.Context, thread *model.Thread) error {
	remoteMsgs, err := s.remote.ListMessages(ctx, *thread.RemoteID, remote.ListMessagesOptions{Order: "asc"})
	if err != nil {
		return err
	}
	local, err := s.store.ListMessages(ctx, thread.ID)
	if err != nil {
		return err
	}

	linked := make(map[string]time.Time, len(local))
	for _, m := range local {
		if m.RemoteID != nil {
			linked[*m.RemoteID] = m.CreatedAt
		}
	}

	var floor time.Time
	for _, rm := range remoteMsgs {
		if at, ok := linked[rm.ID]; ok {
			floor = latest(floor, at)
			continue
		}
		content := remote.MessageText(rm)
		createdAt := time.Unix(int64(rm.CreatedAt), 0).UTC()

		if i := nearestUnlinked(local, model.Role(rm.Role), content, createdAt); i >= 0 {
			if err := s.store.LinkMessage(ctx, local[i].ID, ptr(rm.ID), rm.RunID); err != nil {
				s.logger.Warn("failed to link message", zap.String("message_id", local[i].ID), zap.Error(err))
				continue
			}
			local[i].RemoteID = ptr(rm.ID)
			floor = latest(floor, local[i].CreatedAt)
			continue
		}

		if !createdAt.After(floor) {
			createdAt = floor.Add(time.Microsecond).UTC()
		}
		imported := &model.Message{
			ThreadID:  thread.ID,
			Role:      model.Role(rm.Role),
			Content:   content,
			RemoteID:  ptr(rm.ID),
			RunID:     rm.RunID,
			CreatedAt: createdAt,
		}
		if err := s.store.CreateMessage(ctx, imported); err != nil {
			s.logger.Warn("failed to import remote message", zap.String("remote_id", rm.ID), zap.Error(err))
			continue
		}
		floor = createdAt
	}
	return nil
}

func latest(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}

func nearestUnlinked(local []model.Message, role model.Role, content string, at time.Time) int {
	best := -1
	var bestGap time.Duration
	for i, m := range local {
		if m.RemoteID != nil || m.Role != role || m.Content != content {
			continue
		}
		gap := m.CreatedAt.Sub(at).Abs()
		if gap > matchWindow {
			continue
		}
		if best < 0 || gap < bestGap {
			best, bestGap = i, gap
		}
	}
	return best
}

// Add appends a user message to the thread without starting a run.
func (s *MessageService) Add(ctx context.Context, threadID string, req *model.SendMessageRequest) (*model.Message, error) {
	thread, err := s.thread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if !thread.Synced() {
		return nil, ErrThreadNotSynced
	}

	release, err := s.locker.Acquire(ctx, threadLockKey(threadID))
	if err != nil {
		return nil, fmt.Errorf("acquire thread lock: %w", err)
	}
	defer release()

	mreq := openai.MessageRequest{Role: string(openai.ThreadMessageRoleUser), Content: req.Content}
	for _, id := range req.FileIDs {
		mreq.Attachments = append(mreq.Attachments, openai.ThreadAttachment{
			FileID: id,
			Tools:  []openai.ThreadAttachmentTool{{Type: string(openai.AssistantToolTypeFileSearch)}},
		})
	}
	rm, err := s.remote.CreateMessage(ctx, *thread.RemoteID, mreq)
	if err != nil {
		return nil, fmt.Errorf("create remote message: %w", err)
	}

	msg := &model.Message{
		ThreadID: threadID,
		Role:     model.RoleUser,
		Content:  req.Content,
		FileIDs:  req.FileIDs,
		RemoteID: ptr(rm.ID),
	}
	if err := s.store.CreateMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("failed to store message: %w", err)
	}
	metrics.MessagesTotal.WithLabelValues(string(model.RoleUser)).Inc()
	return msg, nil
}

// Get retrieves a message by ID.
func (s *MessageService) Get(ctx context.Context, threadID, messageID string) (*model.Message, error) {
	msg, err := s.store.GetMessage(ctx, threadID, messageID)
	if err != nil {
		return nil, fmt.Errorf("get message %s: %w", messageID, err)
	}
	return msg, nil
}

// Modify replaces the local content of a message. The remote API does not
// allow content edits, so the remote copy is only tagged as edited.
func (s *MessageService) Modify(ctx context.Context, threadID, messageID string, req *model.ModifyMessageRequest) (*model.Message, error) {
	msg, err := s.store.UpdateMessageContent(ctx, threadID, messageID, req.Content)
	if err != nil {
		return nil, fmt.Errorf("update message %s: %w", messageID, err)
	}

	if msg.RemoteID != nil {
		thread, err := s.thread(ctx, threadID)
		if err == nil && thread.Synced() {
			_, err = s.remote.ModifyMessage(ctx, *thread.RemoteID, *msg.RemoteID, map[string]string{
				"edited_at": msg.UpdatedAt.Format(time.RFC3339),
			})
		}
		if err != nil {
			s.logger.Warn("failed to tag remote message as edited", zap.String("message_id", messageID), zap.Error(err))
		}
	}
	return msg, nil
}

// Delete removes a message remotely and locally. Deleting it again
// returns ErrNotFound.
func (s *MessageService) Delete(ctx context.Context, threadID, messageID string) error {
	msg, err := s.Get(ctx, threadID, messageID)
	if err != nil {
		return err
	}

	if msg.RemoteID != nil {
		thread, err := s.thread(ctx, threadID)
		if err != nil {
			return err
		}
		if thread.Synced() {
			if err := s.remote.DeleteMessage(ctx, *thread.RemoteID, *msg.RemoteID); err != nil && !remote.IsNotFound(err) {
				return fmt.Errorf("delete remote message: %w", err)
			}
		}
	}

	if err := s.store.DeleteMessage(ctx, threadID, messageID); err != nil {
		return fmt.Errorf("delete message %s: %w", messageID, err)
	}
	return nil
}
