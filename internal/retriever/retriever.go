// Package retriever turns a user question into the chunks most relevant to
// it: it embeds the query, searches the user's vector partition, and joins
// the hits back to the stored chunk text.
package retriever

import (
	"context"
	"fmt"

	"docuchat/internal/model"
	"docuchat/internal/vectorstore"
)

type QueryEmbedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

type ChunkLookup interface {
	GetByDocumentOrdinals(pairs [][]interface{}) ([]model.DocumentChunk, error)
}

// Result is one retrieved chunk with its similarity score.
type Result struct {
	ChunkID    uint
	DocumentID uint
	Ordinal    int
	Content    string
	Score      float64
}

type Retriever struct {
	embedder QueryEmbedder
	index    *vectorstore.Manager
	chunks   ChunkLookup
}

func NewRetriever(embedder QueryEmbedder, index *vectorstore.Manager, chunks ChunkLookup) *Retriever {
	return &Retriever{embedder: embedder, index: index, chunks: chunks}
}

// Retrieve returns up to k chunks for the user's query, best first. A user
// with no indexed documents gets an empty result, not an error.
func (r *Retriever) Retrieve(ctx context.Context, userID uint, query string, k int) ([]Result, error) {
	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query failed: %w", err)
	}

	hits, err := r.index.Search(userID, vec, k)
	if err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}
	if len(hits) == 0 {
		return nil, nil
	}

	pairs := make([][]interface{}, 0, len(hits))
	for _, h := range hits {
		pairs = append(pairs, []interface{}{h.Ref.DocumentID, h.Ref.Ordinal})
	}
	rows, err := r.chunks.GetByDocumentOrdinals(pairs)
	if err != nil {
		return nil, err
	}

	type key struct {
		doc uint
		ord int
	}
	byRef := make(map[key]*model.DocumentChunk, len(rows))
	for i := range rows {
		byRef[key{rows[i].DocumentID, rows[i].Ordinal}] = &rows[i]
	}

	results := make([]Result, 0, len(hits))
	for _, h := range hits {
		row, ok := byRef[key{h.Ref.DocumentID, h.Ref.Ordinal}]
		if !ok {
			// Index entry without a backing row; skip rather than fail the
			// whole query.
			continue
		}
		results = append(results, Result{
			ChunkID:    row.ID,
			DocumentID: row.DocumentID,
			Ordinal:    row.Ordinal,
			Content:    row.Content,
			Score:      float64(h.Score),
		})
	}
	return results, nil
}
