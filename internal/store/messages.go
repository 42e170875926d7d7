package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/capitalize-ai/assistants-relay/internal/model"
)

// CreateMessage appends a message to its thread.
func (s *Store) CreateMessage(ctx context.Context, m *model.Message) error {
	if m.ID == "" {
		m.ID = uuid.Must(uuid.NewV7()).String()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	return s.db.WithContext(ctx).Create(m).Error
}

// ListMessages returns the thread's messages in creation order.
func (s *Store) ListMessages(ctx context.Context, threadID string) ([]model.Message, error) {
	var out []model.Message
	err := s.db.WithContext(ctx).
		Where("thread_id = ?", threadID).
		Order("created_at ASC, id ASC").
		Find(&out).Error
	return out, err
}

func (s *Store) GetMessage(ctx context.Context, threadID, id string) (*model.Message, error) {
	var m model.Message
	err := s.db.WithContext(ctx).First(&m, "id = ? AND thread_id = ?", id, threadID).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &m, nil
}

// LatestMessageByRole returns the most recent message with the given role.
func (s *Store) LatestMessageByRole(ctx context.Context, threadID string, role model.Role) (*model.Message, error) {
	var m model.Message
	err := s.db.WithContext(ctx).
		Where("thread_id = ? AND role = ?", threadID, role).
		Order("created_at DESC, id DESC").
		First(&m).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &m, nil
}

// FindMessageByRun returns the message with the given role produced by a run.
func (s *Store) FindMessageByRun(ctx context.Context, threadID, runID string, role model.Role) (*model.Message, error) {
	var m model.Message
	err := s.db.WithContext(ctx).
		Where("thread_id = ? AND run_id = ? AND role = ?", threadID, runID, role).
		First(&m).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &m, nil
}

// FindMessageByRemoteID returns the local copy of a remote message.
func (s *Store) FindMessageByRemoteID(ctx context.Context, threadID, remoteID string) (*model.Message, error) {
	var m model.Message
	err := s.db.WithContext(ctx).
		Where("thread_id = ? AND remote_id = ?", threadID, remoteID).
		Order("created_at ASC, id ASC").
		First(&m).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &m, nil
}

func (s *Store) UpdateMessageContent(ctx context.Context, threadID, id, content string) (*model.Message, error) {
	tx := s.db.WithContext(ctx).Model(&model.Message{}).
		Where("id = ? AND thread_id = ?", id, threadID).
		Updates(map[string]any{"content": content, "updated_at": time.Now().UTC()})
	if tx.Error != nil {
		return nil, tx.Error
	}
	if tx.RowsAffected == 0 {
		return nil, ErrNotFound
	}
	return s.GetMessage(ctx, threadID, id)
}

// LinkMessage records the remote identifiers of a local message. Nil
// arguments leave the column untouched.
func (s *Store) LinkMessage(ctx context.Context, id string, remoteID, runID *string) error {
	updates := map[string]any{}
	if remoteID != nil {
		updates["remote_id"] = *remoteID
	}
	if runID != nil {
		updates["run_id"] = *runID
	}
	if len(updates) == 0 {
		return nil
	}
	tx := s.db.WithContext(ctx).Model(&model.Message{}).Where("id = ?", id).Updates(updates)
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteMessage removes a message. A second delete returns ErrNotFound.
func (s *Store) DeleteMessage(ctx context.Context, threadID, id string) error {
	tx := s.db.WithContext(ctx).Where("id = ? AND thread_id = ?", id, threadID).Delete(&model.Message{})
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
