package store

import (
	"bufio"
	"context"
	"encoding/gob"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/coder/hnsw"
	"github.com/gofrs/flock"

	"github.com/autokb/faultmatch/internal/errors"
)

// VectorConfig configures the HNSW index. Cosine is the only metric: case
// vectors are unit-norm embeddings and the fusion layer expects cosine
// similarities in [-1, 1].
type VectorConfig struct {
	// Dimensions is the embedding dimension. Zero means "infer from the
	// first batch of vectors".
	Dimensions int

	// M is the maximum connections per graph layer.
	M int

	// EfSearch is the query-time search width.
	EfSearch int
}

// DefaultVectorConfig returns defaults sized for tens of thousands of
// fault cases.
func DefaultVectorConfig(dimensions int) VectorConfig {
	return VectorConfig{
		Dimensions: dimensions,
		M:          16,
		EfSearch:   64,
	}
}

// HNSWIndex is the semantic retriever's vector store, backed by a pure Go
// HNSW graph with a gob metadata sidecar for the string id mapping.
type HNSWIndex struct {
	mu     sync.RWMutex
	graph  *hnsw.Graph[uint64]
	config VectorConfig

	idMap   map[string]uint64 // case ID -> internal key
	keyMap  map[uint64]string // internal key -> case ID
	nextKey uint64

	closed bool
}

// hnswMetadata is the persisted id mapping sidecar.
type hnswMetadata struct {
	IDMap   map[string]uint64
	NextKey uint64
	Config  VectorConfig
}

// NewHNSWIndex creates an empty vector index.
func NewHNSWIndex(cfg VectorConfig) *HNSWIndex {
	if cfg.M == 0 {
		cfg.M = 16
	}
	if cfg.EfSearch == 0 {
		cfg.EfSearch = 64
	}

	graph := hnsw.NewGraph[uint64]()
	graph.Distance = hnsw.CosineDistance
	graph.M = cfg.M
	graph.EfSearch = cfg.EfSearch
	graph.Ml = 0.25

	return &HNSWIndex{
		graph:  graph,
		config: cfg,
		idMap:  make(map[string]uint64),
		keyMap: make(map[uint64]string),
	}
}

// Add inserts vectors with their IDs. An existing ID is lazily replaced:
// the old node stays in the graph but is orphaned from the id mapping, which
// avoids a coder/hnsw edge case when deleting the last node.
func (ix *HNSWIndex) Add(ctx context.Context, ids []string, vectors [][]float32) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	if len(ids) != len(vectors) {
		return fmt.Errorf("ids and vectors length mismatch: %d vs %d", len(ids), len(vectors))
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	if ix.closed {
		return fmt.Errorf("vector index is closed")
	}

	if ix.config.Dimensions == 0 {
		ix.config.Dimensions = len(vectors[0])
	}
	for _, v := range vectors {
		if len(v) != ix.config.Dimensions {
			return ErrDimensionMismatch{Expected: ix.config.Dimensions, Got: len(v)}
		}
	}

	for i, id := range ids {
		if oldKey, exists := ix.idMap[id]; exists {
			delete(ix.keyMap, oldKey)
			delete(ix.idMap, id)
		}

		key := ix.nextKey
		ix.nextKey++

		vec := make([]float32, len(vectors[i]))
		copy(vec, vectors[i])
		normalizeInPlace(vec)

		ix.graph.Add(hnsw.MakeNode(key, vec))
		ix.idMap[id] = key
		ix.keyMap[key] = id
	}
	return nil
}

// Search returns the k nearest cases by descending cosine similarity.
func (ix *HNSWIndex) Search(ctx context.Context, query []float32, k int) ([]VectorResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if ix.closed {
		return nil, fmt.Errorf("vector index is closed")
	}
	if len(query) != ix.config.Dimensions {
		return nil, ErrDimensionMismatch{Expected: ix.config.Dimensions, Got: len(query)}
	}
	if ix.graph.Len() == 0 || k <= 0 {
		return []VectorResult{}, nil
	}

	normalized := make([]float32, len(query))
	copy(normalized, query)
	normalizeInPlace(normalized)

	nodes := ix.graph.Search(normalized, k)

	results := make([]VectorResult, 0, len(nodes))
	for _, node := range nodes {
		id, ok := ix.keyMap[node.Key]
		if !ok {
			// Orphaned by a lazy replace.
			continue
		}
		distance := ix.graph.Distance(normalized, node.Value)
		results = append(results, VectorResult{
			ID:     id,
			Cosine: 1.0 - float64(distance),
		})
	}
	return results, nil
}

// Count returns the number of mapped vectors.
func (ix *HNSWIndex) Count() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if ix.closed {
		return 0
	}
	return len(ix.idMap)
}

// Dimensions returns the vector dimension the index was built with.
func (ix *HNSWIndex) Dimensions() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.config.Dimensions
}

// Save persists the graph to path and the id mapping to path+".meta",
// both via temp file + rename.
func (ix *HNSWIndex) Save(path string) error {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if ix.closed {
		return fmt.Errorf("vector index is closed")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create index directory: %w", err)
	}

	tmpPath := path + ".tmp"
	file, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create index file: %w", err)
	}
	if err := ix.graph.Export(file); err != nil {
		file.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("export graph: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close index file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename index file: %w", err)
	}

	return ix.saveMetadata(path + ".meta")
}

func (ix *HNSWIndex) saveMetadata(path string) error {
	tmpPath := path + ".tmp"
	file, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create metadata file: %w", err)
	}

	meta := hnswMetadata{
		IDMap:   ix.idMap,
		NextKey: ix.nextKey,
		Config:  ix.config,
	}
	if err := gob.NewEncoder(file).Encode(meta); err != nil {
		file.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("encode metadata: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close metadata file: %w", err)
	}
	return os.Rename(tmpPath, path)
}

// Load reads the graph and id mapping written by Save.
func (ix *HNSWIndex) Load(path string) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if ix.closed {
		return fmt.Errorf("vector index is closed")
	}

	if err := ix.loadMetadata(path + ".meta"); err != nil {
		return err
	}

	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open index file: %w", err)
	}
	defer file.Close()

	// coder/hnsw Import requires an io.ByteReader.
	if err := ix.graph.Import(bufio.NewReader(file)); err != nil {
		return errors.New(errors.ErrCodeCorruptIndex,
			fmt.Sprintf("vector index corrupt: %s", path), err)
	}
	return nil
}

func (ix *HNSWIndex) loadMetadata(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open metadata file: %w", err)
	}
	defer file.Close()

	var meta hnswMetadata
	if err := gob.NewDecoder(file).Decode(&meta); err != nil {
		return errors.New(errors.ErrCodeCorruptIndex,
			fmt.Sprintf("vector index metadata corrupt: %s", path), err)
	}

	ix.idMap = meta.IDMap
	ix.keyMap = make(map[uint64]string, len(meta.IDMap))
	ix.nextKey = meta.NextKey
	ix.config = meta.Config
	for id, key := range ix.idMap {
		ix.keyMap[key] = id
	}
	return nil
}

// Close releases the index.
func (ix *HNSWIndex) Close() error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.closed {
		return nil
	}
	ix.closed = true
	ix.graph = nil
	return nil
}

// Verify interface implementation.
var _ VectorIndex = (*HNSWIndex)(nil)

// LoadOrBuildHNSW loads the vector index when its cache is fresh and its
// dimension matches the encoder, otherwise re-encodes all documents and
// rebuilds under a file lock. encode receives every document text in input
// order and must return one vector per text.
func LoadOrBuildHNSW(ctx context.Context, indexPath, dataPath string, cfg VectorConfig, docs []Document,
	encode func(ctx context.Context, texts []string) ([][]float32, error)) (*HNSWIndex, error) {

	if indexPath != "" && !stale(indexPath, dataPath) {
		ix := NewHNSWIndex(cfg)
		if err := ix.Load(indexPath); err == nil {
			if cfg.Dimensions == 0 || ix.Dimensions() == cfg.Dimensions {
				return ix, nil
			}
			slog.Warn("vector index dimension mismatch, rebuilding",
				slog.Int("index", ix.Dimensions()),
				slog.Int("encoder", cfg.Dimensions))
		} else {
			slog.Warn("vector index unreadable, rebuilding",
				slog.String("path", indexPath),
				slog.String("error", err.Error()))
		}
	}

	if indexPath != "" {
		lock := flock.New(indexPath + ".lock")
		if err := lock.Lock(); err != nil {
			return nil, errors.New(errors.ErrCodeIndexLocked,
				fmt.Sprintf("acquiring vector index lock: %s", indexPath), err)
		}
		defer lock.Unlock()

		if !stale(indexPath, dataPath) {
			ix := NewHNSWIndex(cfg)
			if err := ix.Load(indexPath); err == nil &&
				(cfg.Dimensions == 0 || ix.Dimensions() == cfg.Dimensions) {
				return ix, nil
			}
		}
	}

	ix := NewHNSWIndex(cfg)
	if len(docs) > 0 {
		ids := make([]string, len(docs))
		texts := make([]string, len(docs))
		for i, d := range docs {
			ids[i] = d.ID
			texts[i] = d.Text
		}
		vectors, err := encode(ctx, texts)
		if err != nil {
			return nil, errors.New(errors.ErrCodeIndexFailed, "encoding case texts", err)
		}
		if len(vectors) != len(ids) {
			return nil, errors.New(errors.ErrCodeIndexFailed,
				fmt.Sprintf("encoder returned %d vectors for %d texts", len(vectors), len(ids)), nil)
		}
		if err := ix.Add(ctx, ids, vectors); err != nil {
			return nil, errors.New(errors.ErrCodeIndexFailed, "building vector index", err)
		}
	}
	if indexPath != "" {
		if err := ix.Save(indexPath); err != nil {
			slog.Warn("vector index save failed",
				slog.String("path", indexPath),
				slog.String("error", err.Error()))
		}
	}
	return ix, nil
}

// normalizeInPlace scales v to unit length. Zero vectors are left as-is.
func normalizeInPlace(v []float32) {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}
	if sumSquares == 0 {
		return
	}
	inv := float32(1.0 / math.Sqrt(sumSquares))
	for i := range v {
		v[i] *= inv
	}
}
