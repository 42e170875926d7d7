package store

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/capitalize-ai/assistants-relay/internal/model"
)

// UpsertAssistant inserts or refreshes a cached assistant.
func (s *Store) UpsertAssistant(ctx context.Context, a *model.Assistant) error {
	a.UpdatedAt = time.Now()
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "model", "instructions", "tools", "vector_store_id", "updated_at"}),
	}).Create(a).Error
}

func (s *Store) GetAssistant(ctx context.Context, id string) (*model.Assistant, error) {
	var a model.Assistant
	if err := s.db.WithContext(ctx).First(&a, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &a, nil
}

func (s *Store) ListAssistants(ctx context.Context) ([]model.Assistant, error) {
	var out []model.Assistant
	err := s.db.WithContext(ctx).Order("created_at ASC, id ASC").Find(&out).Error
	return out, err
}

// SetAssistantVectorStore caches the vector store used for uploads.
func (s *Store) SetAssistantVectorStore(ctx context.Context, id, vectorStoreID string) error {
	tx := s.db.WithContext(ctx).Model(&model.Assistant{}).Where("id = ?", id).
		Updates(map[string]any{"vector_store_id": vectorStoreID, "updated_at": time.Now()})
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteAssistant removes the assistant together with its threads,
// messages and file records.
func (s *Store) DeleteAssistant(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		threadIDs := tx.Model(&model.Thread{}).Select("id").Where("assistant_id = ?", id)
		if err := tx.Where("thread_id IN (?)", threadIDs).Delete(&model.Message{}).Error; err != nil {
			return err
		}
		if err := tx.Where("assistant_id = ?", id).Delete(&model.Thread{}).Error; err != nil {
			return err
		}
		if err := tx.Where("assistant_id = ?", id).Delete(&model.File{}).Error; err != nil {
			return err
		}
		res := tx.Where("id = ?", id).Delete(&model.Assistant{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}
