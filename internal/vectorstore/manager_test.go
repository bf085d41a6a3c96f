package vectorstore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testModel = "text-embedding-v3"

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(t.TempDir(), testModel, nil)
	require.NoError(t, err)
	return m
}

func TestInsertAndSearchOrdering(t *testing.T) {
	m := newTestManager(t)

	_, err := m.Insert(1, ChunkRef{DocumentID: 10, Ordinal: 0}, []float32{1, 0, 0})
	require.NoError(t, err)
	_, err = m.Insert(1, ChunkRef{DocumentID: 10, Ordinal: 1}, []float32{0, 1, 0})
	require.NoError(t, err)
	_, err = m.Insert(1, ChunkRef{DocumentID: 11, Ordinal: 0}, []float32{0.9, 0.1, 0})
	require.NoError(t, err)

	hits, err := m.Search(1, []float32{1, 0, 0}, 2)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, ChunkRef{DocumentID: 10, Ordinal: 0}, hits[0].Ref)
	assert.Equal(t, ChunkRef{DocumentID: 11, Ordinal: 0}, hits[1].Ref)
	assert.Greater(t, hits[0].Score, hits[1].Score)
}

func TestSearchTiesBrokenByInsertionOrder(t *testing.T) {
	m := newTestManager(t)

	first, err := m.Insert(1, ChunkRef{DocumentID: 1, Ordinal: 0}, []float32{1, 0})
	require.NoError(t, err)
	second, err := m.Insert(1, ChunkRef{DocumentID: 2, Ordinal: 0}, []float32{2, 0}) // same direction, same cosine
	require.NoError(t, err)

	hits, err := m.Search(1, []float32{3, 0}, 2)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, first, hits[0].RecordID)
	assert.Equal(t, second, hits[1].RecordID)
}

func TestSearchKLargerThanPartition(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Insert(1, ChunkRef{DocumentID: 1, Ordinal: 0}, []float32{1, 1})
	require.NoError(t, err)

	hits, err := m.Search(1, []float32{1, 1}, 50)
	require.NoError(t, err)
	assert.Len(t, hits, 1)
}

func TestSearchEmptyPartition(t *testing.T) {
	m := newTestManager(t)
	hits, err := m.Search(42, []float32{1, 0}, 5)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestCrossUserIsolation(t *testing.T) {
	m := newTestManager(t)

	_, err := m.Insert(1, ChunkRef{DocumentID: 1, Ordinal: 0}, []float32{1, 0})
	require.NoError(t, err)
	_, err = m.Insert(2, ChunkRef{DocumentID: 2, Ordinal: 0}, []float32{1, 0})
	require.NoError(t, err)

	hits, err := m.Search(1, []float32{1, 0}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, uint(1), hits[0].Ref.DocumentID)

	hits, err = m.Search(2, []float32{1, 0}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, uint(2), hits[0].Ref.DocumentID)
}

func TestDimensionMismatch(t *testing.T) {
	m := newTestManager(t)

	_, err := m.Insert(1, ChunkRef{DocumentID: 1, Ordinal: 0}, []float32{1, 0, 0})
	require.NoError(t, err)

	_, err = m.Insert(1, ChunkRef{DocumentID: 1, Ordinal: 1}, []float32{1, 0})
	assert.ErrorIs(t, err, ErrDimensionMismatch)

	_, err = m.Search(1, []float32{1, 0}, 5)
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestInsertDocumentAllOrNothing(t *testing.T) {
	m := newTestManager(t)

	_, err := m.Insert(1, ChunkRef{DocumentID: 1, Ordinal: 0}, []float32{1, 0})
	require.NoError(t, err)

	// Second vector has the wrong dimension; nothing from the batch may land.
	_, err = m.InsertDocument(1, 2, [][]float32{{0, 1}, {0, 1, 0}})
	require.ErrorIs(t, err, ErrDimensionMismatch)

	n, err := m.Count(1)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestDeleteByDocument(t *testing.T) {
	m := newTestManager(t)

	_, err := m.InsertDocument(1, 7, [][]float32{{1, 0}, {0, 1}})
	require.NoError(t, err)
	_, err = m.InsertDocument(1, 8, [][]float32{{1, 1}})
	require.NoError(t, err)

	require.NoError(t, m.DeleteByDocument(1, 7))

	hits, err := m.Search(1, []float32{1, 0}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, uint(8), hits[0].Ref.DocumentID)
}

func TestPersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()

	m, err := NewManager(dir, testModel, nil)
	require.NoError(t, err)
	ids, err := m.InsertDocument(1, 3, [][]float32{{0.5, 0.25}, {0.1, 0.9}})
	require.NoError(t, err)
	require.Len(t, ids, 2)

	// Fresh manager over the same directory must see the same records.
	m2, err := NewManager(dir, testModel, nil)
	require.NoError(t, err)
	hits, err := m2.Search(1, []float32{0.1, 0.9}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, ChunkRef{DocumentID: 3, Ordinal: 1}, hits[0].Ref)
	assert.Equal(t, ids[1], hits[0].RecordID)
}

func TestModelMismatchRejected(t *testing.T) {
	dir := t.TempDir()

	m, err := NewManager(dir, testModel, nil)
	require.NoError(t, err)
	_, err = m.Insert(1, ChunkRef{DocumentID: 1, Ordinal: 0}, []float32{1})
	require.NoError(t, err)

	m2, err := NewManager(dir, "some-other-model", nil)
	require.NoError(t, err)
	_, err = m2.Search(1, []float32{1}, 1)
	assert.ErrorIs(t, err, ErrModelMismatch)
}

func TestCrashRecoveryDiscardsOrphanLog(t *testing.T) {
	dir := t.TempDir()

	m, err := NewManager(dir, testModel, nil)
	require.NoError(t, err)
	_, err = m.Insert(1, ChunkRef{DocumentID: 1, Ordinal: 0}, []float32{1, 0})
	require.NoError(t, err)

	// Simulate a crash between writing a new record log and flipping the
	// sidecar: an orphan log appears that the sidecar does not reference.
	orphan := filepath.Join(dir, "u1.99999999999999999.vec")
	require.NoError(t, os.WriteFile(orphan, []byte("partial write"), 0o644))

	m2, err := NewManager(dir, testModel, nil)
	require.NoError(t, err)
	hits, err := m2.Search(1, []float32{1, 0}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)

	_, statErr := os.Stat(orphan)
	assert.True(t, os.IsNotExist(statErr), "orphan log should be discarded on load")
}

func TestCorruptLogQuarantined(t *testing.T) {
	dir := t.TempDir()

	m, err := NewManager(dir, testModel, nil)
	require.NoError(t, err)
	_, err = m.Insert(1, ChunkRef{DocumentID: 1, Ordinal: 0}, []float32{1, 0})
	require.NoError(t, err)

	// Corrupt the referenced record log in place.
	raw, err := os.ReadFile(filepath.Join(dir, "u1.meta.json"))
	require.NoError(t, err)
	var mt meta
	require.NoError(t, json.Unmarshal(raw, &mt))
	require.NoError(t, os.WriteFile(filepath.Join(dir, mt.VecFile), []byte("garbage"), 0o644))

	m2, err := NewManager(dir, testModel, nil)
	require.NoError(t, err)
	_, err = m2.Search(1, []float32{1, 0}, 10)
	require.Error(t, err)

	// The broken pair is set aside; the partition starts over empty.
	hits, err := m2.Search(1, []float32{1, 0}, 10)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestConcurrentSearchDuringDelete(t *testing.T) {
	m := newTestManager(t)

	_, err := m.InsertDocument(1, 5, [][]float32{{1, 0}, {0, 1}, {1, 1}})
	require.NoError(t, err)
	_, err = m.InsertDocument(1, 6, [][]float32{{0.5, 0.5}})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			hits, err := m.Search(1, []float32{1, 0}, 10)
			assert.NoError(t, err)
			// Document 5 is visible in full or not at all.
			n := 0
			for _, h := range hits {
				if h.Ref.DocumentID == 5 {
					n++
				}
			}
			assert.Contains(t, []int{0, 3}, n)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, m.DeleteByDocument(1, 5))
	}()
	wg.Wait()

	n, err := m.Count(1)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
