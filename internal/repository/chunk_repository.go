package repository

import (
	"fmt"

	"gorm.io/gorm"

	"docuchat/internal/model"
)

type ChunkRepository struct {
	db *gorm.DB
}

func NewChunkRepository(db *gorm.DB) *ChunkRepository {
	return &ChunkRepository{db: db}
}

func (r *ChunkRepository) CreateBatch(chunks []model.DocumentChunk) error {
	if len(chunks) == 0 {
		return nil
	}
	if err := r.db.CreateInBatches(chunks, 100).Error; err != nil {
		return fmt.Errorf("create chunks failed: %w", err)
	}
	return nil
}

// GetByDocumentOrdinals fetches chunks matching (document_id, ordinal) pairs.
// Pairs that no longer have a backing row are simply absent from the result.
func (r *ChunkRepository) GetByDocumentOrdinals(pairs [][]interface{}) ([]model.DocumentChunk, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	var chunks []model.DocumentChunk
	if err := r.db.Where("(document_id, ordinal) IN ?", pairs).Find(&chunks).Error; err != nil {
		return nil, fmt.Errorf("get chunks by ordinal failed: %w", err)
	}
	return chunks, nil
}

func (r *ChunkRepository) ListByDocumentID(documentID uint) ([]model.DocumentChunk, error) {
	var chunks []model.DocumentChunk
	if err := r.db.Where("document_id = ?", documentID).Order("ordinal ASC").Find(&chunks).Error; err != nil {
		return nil, fmt.Errorf("list chunks failed: %w", err)
	}
	return chunks, nil
}

func (r *ChunkRepository) DeleteByDocumentID(documentID uint) error {
	if err := r.db.Where("document_id = ?", documentID).Delete(&model.DocumentChunk{}).Error; err != nil {
		return fmt.Errorf("delete chunks failed: %w", err)
	}
	return nil
}
