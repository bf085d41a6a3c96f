package vectorstore

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// partition holds one owner's records. Writes (insert, delete) are serialized
// by the write lock and persisted before they return; searches take the read
// lock, so an in-flight search sees either the full pre-delete or full
// post-delete record set for a document, never a partial view.
type partition struct {
	mu      sync.RWMutex
	owner   uint
	dim     int
	records []Record
}

func (p *partition) insert(ref ChunkRef, vec []float32) (string, error) {
	if err := p.checkDim(vec); err != nil {
		return "", err
	}
	if p.dim == 0 {
		p.dim = len(vec)
	}
	rec := Record{ID: uuid.NewString(), Ref: ref, Vector: vec}
	p.records = append(p.records, rec)
	return rec.ID, nil
}

func (p *partition) insertDocument(docID uint, vectors [][]float32) ([]string, error) {
	for _, v := range vectors {
		if err := p.checkDim(v); err != nil {
			return nil, err
		}
	}
	ids := make([]string, len(vectors))
	for i, v := range vectors {
		id, err := p.insert(ChunkRef{DocumentID: docID, Ordinal: i}, v)
		if err != nil {
			return nil, err
		}
		ids[i] = id
	}
	return ids, nil
}

func (p *partition) deleteByDocument(docID uint) int {
	kept := p.records[:0]
	removed := 0
	for _, rec := range p.records {
		if rec.Ref.DocumentID == docID {
			removed++
			continue
		}
		kept = append(kept, rec)
	}
	p.records = kept
	return removed
}

func (p *partition) search(query []float32, k int) ([]Hit, error) {
	if len(p.records) == 0 {
		return nil, nil
	}
	if len(query) != p.dim {
		return nil, fmt.Errorf("%w: query has %d dimensions, index has %d", ErrDimensionMismatch, len(query), p.dim)
	}

	hits := make([]Hit, len(p.records))
	order := make([]int, len(p.records))
	for i, rec := range p.records {
		hits[i] = Hit{RecordID: rec.ID, Ref: rec.Ref, Score: cosineSimilarity(query, rec.Vector)}
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return hits[order[a]].Score > hits[order[b]].Score
	})

	if k <= 0 || k > len(order) {
		k = len(order)
	}
	out := make([]Hit, k)
	for i := 0; i < k; i++ {
		out[i] = hits[order[i]]
	}
	return out, nil
}

func (p *partition) checkDim(vec []float32) error {
	if len(vec) == 0 {
		return fmt.Errorf("%w: empty vector", ErrDimensionMismatch)
	}
	if p.dim != 0 && len(vec) != p.dim {
		return fmt.Errorf("%w: vector has %d dimensions, index has %d", ErrDimensionMismatch, len(vec), p.dim)
	}
	return nil
}

func cosineSimilarity(a, b []float32) float32 {
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA <= 0 || normB <= 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}
