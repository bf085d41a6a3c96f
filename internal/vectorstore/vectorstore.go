// Package vectorstore implements the per-user embedding index.
//
// Each user owns one partition, persisted as a binary record log plus a JSON
// sidecar describing it. Cross-user isolation is structural: a partition is a
// separate file pair on disk and a separate in-memory structure, so a search
// scoped to one owner cannot observe another owner's records.
package vectorstore

import "errors"

var (
	// ErrDimensionMismatch means the embedding model changed without an index
	// migration. Fatal: requires operator intervention.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")

	// ErrModelMismatch means the partition on disk was built with a different
	// embedding model than the one configured. Fatal for the same reason.
	ErrModelMismatch = errors.New("embedding model mismatch")

	errCorrupt = errors.New("corrupt index pair")
)

// ChunkRef identifies a document chunk without depending on relational row IDs:
// the owning document plus the chunk's ordinal within it.
type ChunkRef struct {
	DocumentID uint
	Ordinal    int
}

// Record is the physical unit held by a partition.
type Record struct {
	ID     string // uuid
	Ref    ChunkRef
	Vector []float32
}

// Hit is one search result. Hits are ordered by descending cosine similarity,
// ties broken by insertion order (earlier record wins).
type Hit struct {
	RecordID string
	Ref      ChunkRef
	Score    float32
}
