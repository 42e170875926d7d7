package store

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/capitalize-ai/assistants-relay/internal/model"
)

func (s *Store) CreateThread(ctx context.Context, t *model.Thread) error {
	if t.ID == "" {
		t.ID = uuid.Must(uuid.NewV7()).String()
	}
	return s.db.WithContext(ctx).Create(t).Error
}

func (s *Store) GetThread(ctx context.Context, id string) (*model.Thread, error) {
	var t model.Thread
	if err := s.db.WithContext(ctx).First(&t, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &t, nil
}

func (s *Store) ListThreads(ctx context.Context, assistantID string) ([]model.Thread, error) {
	var out []model.Thread
	err := s.db.WithContext(ctx).
		Where("assistant_id = ?", assistantID).
		Order("created_at ASC, id ASC").
		Find(&out).Error
	return out, err
}

// DeleteThread removes a thread and cascades to its messages.
func (s *Store) DeleteThread(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("thread_id = ?", id).Delete(&model.Message{}).Error; err != nil {
			return err
		}
		res := tx.Where("id = ?", id).Delete(&model.Thread{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}
