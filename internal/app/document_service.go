package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"docuchat/internal/model"
	"docuchat/internal/pkg/textextract"
	"docuchat/internal/repository"
	"docuchat/internal/vectorstore"
)

var (
	ErrDocumentNotFound   = errors.New("document not found")
	ErrUnsupportedFormat  = errors.New("unsupported document format")
	ErrFileTooLarge       = errors.New("file exceeds upload size limit")
	ErrNotReprocessable   = errors.New("document is not in a reprocessable state")
	ErrDocumentProcessing = errors.New("document is still processing")
)

// IngestJobPublisher enqueues a document for asynchronous ingestion.
type IngestJobPublisher interface {
	Publish(ctx context.Context, documentID uint) error
}

type DocumentService struct {
	docs      *repository.DocumentRepository
	chunks    *repository.ChunkRepository
	index     *vectorstore.Manager
	publisher IngestJobPublisher

	uploadDir     string
	maxUploadSize int64
	log           *zap.Logger
}

type UploadInput struct {
	UserID    uint
	SessionID uint
	Filename  string
	Data      []byte
}

func NewDocumentService(
	docs *repository.DocumentRepository,
	chunks *repository.ChunkRepository,
	index *vectorstore.Manager,
	publisher IngestJobPublisher,
	dataDir string,
	maxUploadSizeMB int,
	log *zap.Logger,
) *DocumentService {
	if log == nil {
		log = zap.NewNop()
	}
	return &DocumentService{
		docs:          docs,
		chunks:        chunks,
		index:         index,
		publisher:     publisher,
		uploadDir:     filepath.Join(dataDir, "uploads"),
		maxUploadSize: int64(maxUploadSizeMB) * 1024 * 1024,
		log:           log,
	}
}

// Upload stores the raw file, records a pending document, and enqueues the
// ingest job. The heavy work (extraction, chunking, embedding) happens in the
// pipeline worker; the caller gets the pending document back immediately.
func (s *DocumentService) Upload(ctx context.Context, input UploadInput) (*model.Document, error) {
	filename := strings.TrimSpace(input.Filename)
	if filename == "" || len(input.Data) == 0 {
		return nil, ErrInvalidInput
	}
	if !textextract.SupportedExt(filename) {
		return nil, ErrUnsupportedFormat
	}
	if s.maxUploadSize > 0 && int64(len(input.Data)) > s.maxUploadSize {
		return nil, ErrFileTooLarge
	}

	userDir := filepath.Join(s.uploadDir, fmt.Sprintf("u%d", input.UserID))
	if err := os.MkdirAll(userDir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir failed: %w", err)
	}
	ext := strings.ToLower(filepath.Ext(filename))
	storedPath := filepath.Join(userDir, uuid.NewString()+ext)
	if err := os.WriteFile(storedPath, input.Data, 0o644); err != nil {
		return nil, fmt.Errorf("store upload failed: %w", err)
	}

	doc := &model.Document{
		UserID:     input.UserID,
		SessionID:  input.SessionID,
		Filename:   filename,
		StoredPath: storedPath,
		Status:     model.DocStatusPending,
	}
	if err := s.docs.Create(doc); err != nil {
		_ = os.Remove(storedPath)
		return nil, err
	}

	if err := s.publisher.Publish(ctx, doc.ID); err != nil {
		// Without a queued job the document would sit pending forever.
		if delErr := s.docs.Delete(doc.ID); delErr != nil {
			s.log.Error("rollback document after publish failure",
				zap.Uint("document_id", doc.ID), zap.Error(delErr))
		}
		_ = os.Remove(storedPath)
		return nil, fmt.Errorf("enqueue ingest job failed: %w", err)
	}
	return doc, nil
}

func (s *DocumentService) Get(userID, documentID uint) (*model.Document, error) {
	doc, err := s.docs.GetByIDAndUserID(documentID, userID)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, ErrDocumentNotFound
	}
	return doc, nil
}

// List returns the user's documents, optionally filtered to one session
// (sessionID 0 means all).
func (s *DocumentService) List(userID, sessionID uint) ([]model.Document, error) {
	return s.docs.ListByUserIDAndSessionID(userID, sessionID)
}

// Delete removes the document everywhere it lives: vector index records,
// chunk rows, the document row, and the stored file. The index is cleared
// first so retrieval never surfaces chunks whose document row is gone.
func (s *DocumentService) Delete(ctx context.Context, userID, documentID uint) error {
	doc, err := s.docs.GetByIDAndUserID(documentID, userID)
	if err != nil {
		return err
	}
	if doc == nil {
		return ErrDocumentNotFound
	}
	if doc.Status == model.DocStatusProcessing {
		return ErrDocumentProcessing
	}

	if err := s.index.DeleteByDocument(userID, documentID); err != nil {
		return fmt.Errorf("remove index records failed: %w", err)
	}
	if err := s.chunks.DeleteByDocumentID(documentID); err != nil {
		return err
	}
	if err := s.docs.Delete(documentID); err != nil {
		return err
	}
	if err := os.Remove(doc.StoredPath); err != nil && !os.IsNotExist(err) {
		s.log.Warn("remove stored file failed", zap.String("path", doc.StoredPath), zap.Error(err))
	}
	return nil
}

// Reprocess requeues a failed or stuck-pending document. Failed documents go
// back to pending first; a document that is processing or already completed
// is rejected.
func (s *DocumentService) Reprocess(ctx context.Context, userID, documentID uint) (*model.Document, error) {
	doc, err := s.docs.GetByIDAndUserID(documentID, userID)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, ErrDocumentNotFound
	}

	switch doc.Status {
	case model.DocStatusFailed:
		reset, err := s.docs.ResetToPending(doc.ID, model.DocStatusFailed)
		if err != nil {
			return nil, err
		}
		if !reset {
			// Status changed under us; treat like any non-reprocessable state.
			return nil, ErrNotReprocessable
		}
		doc.Status = model.DocStatusPending
		doc.ErrorDetail = ""
	case model.DocStatusPending:
		// Job may have been lost or deferred on quota; publish again.
	default:
		return nil, ErrNotReprocessable
	}

	if err := s.publisher.Publish(ctx, doc.ID); err != nil {
		return nil, fmt.Errorf("enqueue ingest job failed: %w", err)
	}
	return doc, nil
}

// DeleteBySession removes every document attached to a session. Used by the
// session cascade; per-document failures abort so the cascade can be retried.
func (s *DocumentService) DeleteBySession(ctx context.Context, userID, sessionID uint) error {
	ids, err := s.docs.ListBySessionID(sessionID)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := s.Delete(ctx, userID, id); err != nil && !errors.Is(err, ErrDocumentNotFound) {
			return err
		}
	}
	return nil
}
