// Package pipeline contains the asynchronous document ingestion path: claim a
// pending document, extract and chunk its text, reserve quota, embed the
// chunks, and publish them into the user's vector index.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"docuchat/internal/chunker"
	"docuchat/internal/model"
	"docuchat/internal/pkg/textextract"
	"docuchat/internal/quota"
	"docuchat/internal/repository"
	"docuchat/internal/vectorstore"
)

type BatchEmbedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

type Processor struct {
	docs     *repository.DocumentRepository
	chunks   *repository.ChunkRepository
	ledger   *quota.Ledger
	index    *vectorstore.Manager
	embedder BatchEmbedder
	splitter *chunker.Chunker

	embedBatchSize int
	embedTimeout   time.Duration
	log            *zap.Logger
}

func NewProcessor(
	docs *repository.DocumentRepository,
	chunks *repository.ChunkRepository,
	ledger *quota.Ledger,
	index *vectorstore.Manager,
	embedder BatchEmbedder,
	splitter *chunker.Chunker,
	embedBatchSize int,
	embedTimeout time.Duration,
	log *zap.Logger,
) *Processor {
	if embedBatchSize <= 0 {
		embedBatchSize = 10
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Processor{
		docs:           docs,
		chunks:         chunks,
		ledger:         ledger,
		index:          index,
		embedder:       embedder,
		splitter:       splitter,
		embedBatchSize: embedBatchSize,
		embedTimeout:   embedTimeout,
		log:            log,
	}
}

// Process runs a single document through the ingestion state machine. It is
// safe to call with an already-handled or unknown document ID; redelivered
// jobs become no-ops once the status has moved past pending.
//
// A quota.ExceededError leaves the document pending so it can be retried
// after the quota window resets; every other failure marks it failed with
// the cause recorded on the row.
func (p *Processor) Process(ctx context.Context, documentID uint) error {
	doc, err := p.docs.GetByID(documentID)
	if err != nil {
		return err
	}
	if doc == nil {
		p.log.Warn("ingest job for unknown document", zap.Uint("document_id", documentID))
		return nil
	}
	if doc.Status != model.DocStatusPending {
		return nil
	}

	if err := p.ledger.Reserve(ctx, doc.UserID, quota.ResourceDocuments, 1); err != nil {
		var exceeded *quota.ExceededError
		if errors.As(err, &exceeded) {
			p.log.Info("document quota exceeded, leaving pending",
				zap.Uint("document_id", doc.ID), zap.Uint("user_id", doc.UserID))
			return err
		}
		return err
	}

	claimed, err := p.docs.ClaimProcessing(doc.ID)
	if err != nil {
		p.release(ctx, doc.UserID, 1, 0)
		return err
	}
	if !claimed {
		// Another worker won the claim; our reservation is surplus.
		p.release(ctx, doc.UserID, 1, 0)
		return nil
	}

	raw, err := os.ReadFile(doc.StoredPath)
	if err != nil {
		return p.fail(ctx, doc, 1, 0, fmt.Errorf("read stored file failed: %w", err))
	}

	sum := sha256.Sum256(raw)
	contentHash := hex.EncodeToString(sum[:])

	text, err := textextract.Extract(raw, doc.Filename)
	if err != nil {
		return p.fail(ctx, doc, 1, 0, err)
	}

	// Identical content already ingested by this user: complete without
	// re-chunking or re-embedding. The original document's chunks keep
	// serving retrieval.
	dup, err := p.docs.FindCompletedByHash(doc.UserID, contentHash, doc.ID)
	if err != nil {
		return p.fail(ctx, doc, 1, 0, err)
	}
	if dup != nil {
		p.log.Info("duplicate content, skipping embedding",
			zap.Uint("document_id", doc.ID), zap.Uint("duplicate_of", dup.ID))
		if err := p.docs.MarkCompleted(doc.ID, contentHash, text, 0, 0); err != nil {
			return p.fail(ctx, doc, 1, 0, err)
		}
		return nil
	}

	pieces := p.splitter.Split(text)
	if len(pieces) == 0 {
		if err := p.docs.MarkCompleted(doc.ID, contentHash, text, 0, 0); err != nil {
			return p.fail(ctx, doc, 1, 0, err)
		}
		return nil
	}

	var totalTokens int64
	for _, c := range pieces {
		totalTokens += int64(c.TokenCount)
	}

	if err := p.ledger.Reserve(ctx, doc.UserID, quota.ResourceTokens, totalTokens); err != nil {
		var exceeded *quota.ExceededError
		if errors.As(err, &exceeded) {
			// Not enough token budget today. Unclaim so the document can be
			// retried, and give back the document slot.
			if _, resetErr := p.docs.ResetToPending(doc.ID, model.DocStatusProcessing); resetErr != nil {
				p.log.Error("unclaim document failed", zap.Uint("document_id", doc.ID), zap.Error(resetErr))
			}
			p.release(ctx, doc.UserID, 1, 0)
			return err
		}
		return p.fail(ctx, doc, 1, 0, err)
	}

	vectors, err := p.embedAll(ctx, pieces)
	if err != nil {
		return p.fail(ctx, doc, 1, totalTokens, fmt.Errorf("embed chunks failed: %w", err))
	}

	recordIDs, err := p.index.InsertDocument(doc.UserID, doc.ID, vectors)
	if err != nil {
		return p.fail(ctx, doc, 1, totalTokens, fmt.Errorf("index document failed: %w", err))
	}

	rows := make([]model.DocumentChunk, len(pieces))
	for i, c := range pieces {
		rows[i] = model.DocumentChunk{
			DocumentID: doc.ID,
			Ordinal:    c.Ordinal,
			Content:    c.Text,
			StartOff:   c.Start,
			EndOff:     c.End,
			TokenCount: c.TokenCount,
			VectorRef:  recordIDs[i],
		}
	}
	if err := p.chunks.CreateBatch(rows); err != nil {
		return p.fail(ctx, doc, 1, totalTokens, err)
	}

	if err := p.docs.MarkCompleted(doc.ID, contentHash, text, totalTokens, len(pieces)); err != nil {
		return p.fail(ctx, doc, 1, totalTokens, err)
	}

	p.log.Info("document ingested",
		zap.Uint("document_id", doc.ID),
		zap.Uint("user_id", doc.UserID),
		zap.Int("chunks", len(pieces)),
		zap.Int64("tokens", totalTokens))
	return nil
}

func (p *Processor) embedAll(ctx context.Context, pieces []chunker.Chunk) ([][]float32, error) {
	vectors := make([][]float32, 0, len(pieces))
	for start := 0; start < len(pieces); start += p.embedBatchSize {
		end := start + p.embedBatchSize
		if end > len(pieces) {
			end = len(pieces)
		}
		texts := make([]string, 0, end-start)
		for _, c := range pieces[start:end] {
			texts = append(texts, c.Text)
		}

		batchCtx := ctx
		var cancel context.CancelFunc
		if p.embedTimeout > 0 {
			batchCtx, cancel = context.WithTimeout(ctx, p.embedTimeout)
		}
		batch, err := p.embedder.EmbedBatch(batchCtx, texts)
		if cancel != nil {
			cancel()
		}
		if err != nil {
			return nil, err
		}
		vectors = append(vectors, batch...)
	}
	return vectors, nil
}

// fail records the failure on the document, gives back reservations, and
// clears any index records written before the error.
func (p *Processor) fail(ctx context.Context, doc *model.Document, docsReserved, tokensReserved int64, cause error) error {
	p.log.Error("document ingestion failed",
		zap.Uint("document_id", doc.ID), zap.Error(cause))

	if err := p.docs.MarkFailed(doc.ID, cause.Error()); err != nil {
		p.log.Error("mark document failed errored", zap.Uint("document_id", doc.ID), zap.Error(err))
	}
	if err := p.index.DeleteByDocument(doc.UserID, doc.ID); err != nil {
		p.log.Error("cleanup index records failed", zap.Uint("document_id", doc.ID), zap.Error(err))
	}
	p.release(ctx, doc.UserID, docsReserved, tokensReserved)
	return cause
}

func (p *Processor) release(ctx context.Context, userID uint, docs, tokens int64) {
	if docs > 0 {
		if err := p.ledger.CommitDelta(ctx, userID, quota.ResourceDocuments, -docs); err != nil {
			p.log.Error("release document reservation failed", zap.Uint("user_id", userID), zap.Error(err))
		}
	}
	if tokens > 0 {
		if err := p.ledger.CommitDelta(ctx, userID, quota.ResourceTokens, -tokens); err != nil {
			p.log.Error("release token reservation failed", zap.Uint("user_id", userID), zap.Error(err))
		}
	}
}
