package repository

import (
	"errors"
	"fmt"

	"gorm.io/gorm"

	"docuchat/internal/model"
)

type DocumentRepository struct {
	db *gorm.DB
}

func NewDocumentRepository(db *gorm.DB) *DocumentRepository {
	return &DocumentRepository{db: db}
}

func (r *DocumentRepository) Create(doc *model.Document) error {
	if err := r.db.Create(doc).Error; err != nil {
		return fmt.Errorf("create document failed: %w", err)
	}
	return nil
}

func (r *DocumentRepository) GetByID(id uint) (*model.Document, error) {
	var doc model.Document
	if err := r.db.First(&doc, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get document failed: %w", err)
	}
	return &doc, nil
}

func (r *DocumentRepository) GetByIDAndUserID(id, userID uint) (*model.Document, error) {
	var doc model.Document
	if err := r.db.Where("id = ? AND user_id = ?", id, userID).First(&doc).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get document failed: %w", err)
	}
	return &doc, nil
}

// ListByUserIDAndSessionID lists documents for user; if sessionID is 0, lists all user's docs.
func (r *DocumentRepository) ListByUserIDAndSessionID(userID, sessionID uint) ([]model.Document, error) {
	q := r.db.Where("user_id = ?", userID)
	if sessionID != 0 {
		q = q.Where("session_id = ?", sessionID)
	}
	var list []model.Document
	if err := q.Order("created_at DESC").Find(&list).Error; err != nil {
		return nil, fmt.Errorf("list documents failed: %w", err)
	}
	return list, nil
}

// ListBySessionID returns document IDs for a session (for cascade delete).
func (r *DocumentRepository) ListBySessionID(sessionID uint) ([]uint, error) {
	var ids []uint
	if err := r.db.Model(&model.Document{}).Where("session_id = ?", sessionID).Pluck("id", &ids).Error; err != nil {
		return nil, fmt.Errorf("list document ids by session failed: %w", err)
	}
	return ids, nil
}

// ClaimProcessing performs the pending -> processing transition. It is a
// conditional update on the persisted status, so exactly one of any number of
// concurrent workers wins the claim even across processes.
func (r *DocumentRepository) ClaimProcessing(id uint) (bool, error) {
	result := r.db.Model(&model.Document{}).
		Where("id = ? AND status = ?", id, model.DocStatusPending).
		Update("status", model.DocStatusProcessing)
	if result.Error != nil {
		return false, fmt.Errorf("claim document failed: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// ResetToPending moves a document back to pending from the given status.
// Used to release a claim when quota is insufficient (retryable later) and to
// requeue a failed document for reprocessing.
func (r *DocumentRepository) ResetToPending(id uint, fromStatus string) (bool, error) {
	result := r.db.Model(&model.Document{}).
		Where("id = ? AND status = ?", id, fromStatus).
		Updates(map[string]interface{}{"status": model.DocStatusPending, "error_detail": ""})
	if result.Error != nil {
		return false, fmt.Errorf("reset document to pending failed: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (r *DocumentRepository) MarkCompleted(id uint, contentHash, text string, tokensUsed int64, chunkCount int) error {
	err := r.db.Model(&model.Document{}).
		Where("id = ? AND status = ?", id, model.DocStatusProcessing).
		Updates(map[string]interface{}{
			"status":       model.DocStatusCompleted,
			"content_hash": contentHash,
			"text":         text,
			"tokens_used":  tokensUsed,
			"chunk_count":  chunkCount,
			"error_detail": "",
		}).Error
	if err != nil {
		return fmt.Errorf("mark document completed failed: %w", err)
	}
	return nil
}

func (r *DocumentRepository) MarkFailed(id uint, detail string) error {
	err := r.db.Model(&model.Document{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":       model.DocStatusFailed,
			"error_detail": detail,
		}).Error
	if err != nil {
		return fmt.Errorf("mark document failed failed: %w", err)
	}
	return nil
}

// FindCompletedByHash returns another completed document of the same user
// with identical content, or nil.
func (r *DocumentRepository) FindCompletedByHash(userID uint, contentHash string, excludeID uint) (*model.Document, error) {
	var doc model.Document
	err := r.db.Where("user_id = ? AND content_hash = ? AND status = ? AND id <> ?",
		userID, contentHash, model.DocStatusCompleted, excludeID).
		Order("id ASC").
		First(&doc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find document by hash failed: %w", err)
	}
	return &doc, nil
}

func (r *DocumentRepository) Delete(id uint) error {
	if err := r.db.Delete(&model.Document{}, id).Error; err != nil {
		return fmt.Errorf("delete document failed: %w", err)
	}
	return nil
}
