package vectorstore

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// meta is the sidecar describing a partition's current record log. It is the
// pointer half of the file pair: a save writes a new record log under a fresh
// name, then atomically renames the sidecar over the old one. A crash between
// the two leaves the sidecar pointing at the previous, fully written log, so
// recovery is "discard the newer partial write": the orphaned log fails the
// reference check and is removed on load.
type meta struct {
	Owner      uint   `json:"owner"`
	Dimension  int    `json:"dimension"`
	Model      string `json:"model"`
	Similarity string `json:"similarity"`
	Count      int    `json:"count"`
	VecFile    string `json:"vec_file"`
	VecSize    int64  `json:"vec_size"`
	VecSHA256  string `json:"vec_sha256"`
	UpdatedAt  string `json:"updated_at"`
}

// Manager owns the partition set under one data directory. One partition per
// user, loaded lazily and cached.
type Manager struct {
	dir   string
	model string
	log   *zap.Logger

	mu    sync.Mutex
	parts map[uint]*partition
}

func NewManager(dir, model string, log *zap.Logger) (*Manager, error) {
	if strings.TrimSpace(model) == "" {
		return nil, fmt.Errorf("vectorstore: embedding model identifier is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create index dir failed: %w", err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{dir: dir, model: model, log: log, parts: make(map[uint]*partition)}, nil
}

// Insert appends one record to the owner's partition and persists it.
func (m *Manager) Insert(owner uint, ref ChunkRef, vec []float32) (string, error) {
	p, err := m.partition(owner)
	if err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	prevDim, prevLen := p.dim, len(p.records)
	id, err := p.insert(ref, vec)
	if err != nil {
		return "", err
	}
	if err := m.save(p); err != nil {
		p.dim, p.records = prevDim, p.records[:prevLen]
		return "", err
	}
	return id, nil
}

// InsertDocument appends one record per vector for a single document, all or
// nothing: either every vector is inserted and persisted, or the partition is
// unchanged. Ordinals follow the slice order.
func (m *Manager) InsertDocument(owner, docID uint, vectors [][]float32) ([]string, error) {
	if len(vectors) == 0 {
		return nil, nil
	}
	p, err := m.partition(owner)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	prevDim, prevLen := p.dim, len(p.records)
	ids, err := p.insertDocument(docID, vectors)
	if err != nil {
		p.dim, p.records = prevDim, p.records[:prevLen]
		return nil, err
	}
	if err := m.save(p); err != nil {
		p.dim, p.records = prevDim, p.records[:prevLen]
		return nil, err
	}
	return ids, nil
}

// Search returns up to k hits from the owner's partition, ordered by
// descending similarity. k larger than the partition returns everything.
func (m *Manager) Search(owner uint, query []float32, k int) ([]Hit, error) {
	p, err := m.partition(owner)
	if err != nil {
		return nil, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.search(query, k)
}

// DeleteByDocument removes every record for the document and persists the
// result before returning.
func (m *Manager) DeleteByDocument(owner, docID uint) error {
	p, err := m.partition(owner)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.deleteByDocument(docID) == 0 {
		return nil
	}
	return m.save(p)
}

// Count reports the number of records in the owner's partition.
func (m *Manager) Count(owner uint) (int, error) {
	p, err := m.partition(owner)
	if err != nil {
		return 0, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.records), nil
}

func (m *Manager) partition(owner uint) (*partition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.parts[owner]; ok {
		return p, nil
	}
	p, err := m.load(owner)
	if err != nil {
		return nil, err
	}
	m.parts[owner] = p
	return p, nil
}

func (m *Manager) metaPath(owner uint) string {
	return filepath.Join(m.dir, fmt.Sprintf("u%d.meta.json", owner))
}

func (m *Manager) load(owner uint) (*partition, error) {
	raw, err := os.ReadFile(m.metaPath(owner))
	if os.IsNotExist(err) {
		m.cleanup(owner, "")
		return &partition{owner: owner}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read index meta for user %d failed: %w", owner, err)
	}

	var mt meta
	if err := json.Unmarshal(raw, &mt); err != nil {
		return nil, m.quarantine(owner, fmt.Errorf("%w: unreadable meta: %v", errCorrupt, err))
	}
	if mt.Model != "" && mt.Model != m.model {
		return nil, fmt.Errorf("%w: index for user %d was built with %q, configured model is %q",
			ErrModelMismatch, owner, mt.Model, m.model)
	}

	data, err := os.ReadFile(filepath.Join(m.dir, mt.VecFile))
	if err != nil {
		return nil, m.quarantine(owner, fmt.Errorf("%w: missing record log %s: %v", errCorrupt, mt.VecFile, err))
	}
	sum := sha256.Sum256(data)
	if int64(len(data)) != mt.VecSize || hex.EncodeToString(sum[:]) != mt.VecSHA256 {
		return nil, m.quarantine(owner, fmt.Errorf("%w: record log %s does not match meta", errCorrupt, mt.VecFile))
	}
	dim, records, err := decodeRecords(data)
	if err != nil {
		return nil, m.quarantine(owner, err)
	}
	if dim != mt.Dimension || len(records) != mt.Count {
		return nil, m.quarantine(owner, fmt.Errorf("%w: record log %s disagrees with meta", errCorrupt, mt.VecFile))
	}

	m.cleanup(owner, mt.VecFile)
	return &partition{owner: owner, dim: dim, records: records}, nil
}

// save persists the partition: new record log under a fresh name first, then
// the sidecar renamed into place, then the superseded log removed. Caller
// holds the partition write lock.
func (m *Manager) save(p *partition) error {
	data, err := encodeRecords(p.dim, p.records)
	if err != nil {
		return fmt.Errorf("encode index for user %d failed: %w", p.owner, err)
	}

	vecName := fmt.Sprintf("u%d.%d.vec", p.owner, time.Now().UnixNano())
	vecPath := filepath.Join(m.dir, vecName)
	if err := writeFileSync(vecPath, data); err != nil {
		return fmt.Errorf("write record log failed: %w", err)
	}

	sum := sha256.Sum256(data)
	mt := meta{
		Owner:      p.owner,
		Dimension:  p.dim,
		Model:      m.model,
		Similarity: "cosine",
		Count:      len(p.records),
		VecFile:    vecName,
		VecSize:    int64(len(data)),
		VecSHA256:  hex.EncodeToString(sum[:]),
		UpdatedAt:  time.Now().UTC().Format(time.RFC3339Nano),
	}
	raw, err := json.MarshalIndent(&mt, "", "  ")
	if err != nil {
		return fmt.Errorf("encode index meta failed: %w", err)
	}

	metaPath := m.metaPath(p.owner)
	tmp := metaPath + ".tmp"
	if err := writeFileSync(tmp, raw); err != nil {
		_ = os.Remove(vecPath)
		return fmt.Errorf("write index meta failed: %w", err)
	}
	if err := os.Rename(tmp, metaPath); err != nil {
		_ = os.Remove(vecPath)
		_ = os.Remove(tmp)
		return fmt.Errorf("activate index meta failed: %w", err)
	}

	m.cleanup(p.owner, vecName)
	return nil
}

// cleanup removes record logs of the owner that the sidecar no longer (or
// never did) reference, including partial writes left by a crash.
func (m *Manager) cleanup(owner uint, keep string) {
	prefix := fmt.Sprintf("u%d.", owner)
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, prefix) || name == keep {
			continue
		}
		if strings.HasSuffix(name, ".vec") || strings.HasSuffix(name, ".tmp") {
			if err := os.Remove(filepath.Join(m.dir, name)); err == nil {
				m.log.Debug("removed stale index file", zap.String("file", name))
			}
		}
	}
}

// quarantine renames a corrupt pair aside and reports the pair as lost. The
// owner's documents stay intact in the relational store; reprocessing them
// rebuilds the partition by re-embedding.
func (m *Manager) quarantine(owner uint, cause error) error {
	metaPath := m.metaPath(owner)
	_ = os.Rename(metaPath, metaPath+".broken")
	m.log.Warn("quarantined corrupt index pair",
		zap.Uint("owner", owner),
		zap.Error(cause))
	return fmt.Errorf("index for user %d is corrupt, reprocess documents to rebuild: %w", owner, cause)
}

func writeFileSync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
