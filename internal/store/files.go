package store

import (
	"context"

	"github.com/capitalize-ai/assistants-relay/internal/model"
)

func (s *Store) CreateFile(ctx context.Context, f *model.File) error {
	return s.db.WithContext(ctx).Create(f).Error
}

func (s *Store) GetFile(ctx context.Context, assistantID, id string) (*model.File, error) {
	var f model.File
	if err := s.db.WithContext(ctx).First(&f, "id = ? AND assistant_id = ?", id, assistantID).Error; err != nil {
		return nil, notFound(err)
	}
	return &f, nil
}

func (s *Store) ListFiles(ctx context.Context, assistantID string) ([]model.File, error) {
	var out []model.File
	err := s.db.WithContext(ctx).
		Where("assistant_id = ?", assistantID).
		Order("created_at ASC, id ASC").
		Find(&out).Error
	return out, err
}

// MarkFileIngested records the vector store that indexed the file and
// forgets its temporary copy.
func (s *Store) MarkFileIngested(ctx context.Context, id, vectorStoreID string) error {
	tx := s.db.WithContext(ctx).Model(&model.File{}).
		Where("id = ?", id).
		Updates(map[string]any{"vector_store_id": vectorStoreID, "local_path": ""})
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) DeleteFile(ctx context.Context, assistantID, id string) error {
	tx := s.db.WithContext(ctx).Where("id = ? AND assistant_id = ?", id, assistantID).Delete(&model.File{})
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
