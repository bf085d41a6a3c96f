package retriever

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docuchat/internal/model"
	"docuchat/internal/vectorstore"
)

type fakeEmbedder struct {
	vec []float32
	err error
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return f.vec, f.err
}

type fakeChunkLookup struct {
	rows []model.DocumentChunk
}

func (f *fakeChunkLookup) GetByDocumentOrdinals(pairs [][]interface{}) ([]model.DocumentChunk, error) {
	want := make(map[string]bool, len(pairs))
	for _, p := range pairs {
		want[fmt.Sprintf("%v-%v", p[0], p[1])] = true
	}
	var out []model.DocumentChunk
	for _, row := range f.rows {
		if want[fmt.Sprintf("%v-%v", row.DocumentID, row.Ordinal)] {
			out = append(out, row)
		}
	}
	return out, nil
}

func TestRetrieveRanksAndJoins(t *testing.T) {
	index, err := vectorstore.NewManager(t.TempDir(), "test-model", nil)
	require.NoError(t, err)

	_, err = index.Insert(1, vectorstore.ChunkRef{DocumentID: 10, Ordinal: 0}, []float32{1, 0})
	require.NoError(t, err)
	_, err = index.Insert(1, vectorstore.ChunkRef{DocumentID: 10, Ordinal: 1}, []float32{0, 1})
	require.NoError(t, err)
	_, err = index.Insert(1, vectorstore.ChunkRef{DocumentID: 11, Ordinal: 0}, []float32{0.9, 0.1})
	require.NoError(t, err)

	lookup := &fakeChunkLookup{rows: []model.DocumentChunk{
		{ID: 100, DocumentID: 10, Ordinal: 0, Content: "alpha"},
		{ID: 101, DocumentID: 10, Ordinal: 1, Content: "beta"},
		{ID: 102, DocumentID: 11, Ordinal: 0, Content: "gamma"},
	}}

	r := NewRetriever(&fakeEmbedder{vec: []float32{1, 0}}, index, lookup)
	results, err := r.Retrieve(context.Background(), 1, "question", 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "alpha", results[0].Content)
	assert.Equal(t, uint(100), results[0].ChunkID)
	assert.Equal(t, "gamma", results[1].Content)
	assert.Greater(t, results[0].Score, results[1].Score)
}

func TestRetrieveEmptyPartition(t *testing.T) {
	index, err := vectorstore.NewManager(t.TempDir(), "test-model", nil)
	require.NoError(t, err)

	r := NewRetriever(&fakeEmbedder{vec: []float32{1, 0}}, index, &fakeChunkLookup{})
	results, err := r.Retrieve(context.Background(), 7, "anything", 5)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestRetrieveSkipsMissingRows(t *testing.T) {
	index, err := vectorstore.NewManager(t.TempDir(), "test-model", nil)
	require.NoError(t, err)

	_, err = index.Insert(1, vectorstore.ChunkRef{DocumentID: 10, Ordinal: 0}, []float32{1, 0})
	require.NoError(t, err)
	_, err = index.Insert(1, vectorstore.ChunkRef{DocumentID: 10, Ordinal: 1}, []float32{0.5, 0.5})
	require.NoError(t, err)

	// Only one of the two indexed chunks has a relational row.
	lookup := &fakeChunkLookup{rows: []model.DocumentChunk{
		{ID: 100, DocumentID: 10, Ordinal: 0, Content: "alpha"},
	}}

	r := NewRetriever(&fakeEmbedder{vec: []float32{1, 0}}, index, lookup)
	results, err := r.Retrieve(context.Background(), 1, "question", 5)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "alpha", results[0].Content)
}
