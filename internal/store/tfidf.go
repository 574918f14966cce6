package store

import (
	"context"
	"encoding/gob"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/gofrs/flock"

	"github.com/autokb/faultmatch/internal/errors"
)

// TFIDFConfig configures the keyword index.
type TFIDFConfig struct {
	// MinGram and MaxGram bound the character n-gram sizes. Character
	// n-grams sidestep word segmentation for the mixed Chinese/ASCII
	// corpus.
	MinGram int
	MaxGram int

	// ScoreScale multiplies the cosine similarity so raw keyword scores
	// live on a scale comparable to what full-text backends emit.
	ScoreScale float64
}

// DefaultTFIDFConfig returns the stock keyword index configuration.
func DefaultTFIDFConfig() TFIDFConfig {
	return TFIDFConfig{
		MinGram:    2,
		MaxGram:    4,
		ScoreScale: 20.0,
	}
}

// posting records one document's normalized weight for a term.
type posting struct {
	Doc    int32
	Weight float64
}

// tfidfModel is the fitted state persisted to the cache file.
type tfidfModel struct {
	Config   TFIDFConfig
	DocIDs   []string
	Vocab    map[string]int32
	IDF      []float64
	Postings [][]posting
}

// TFIDFIndex is a char-n-gram TF-IDF index over case texts. Documents are
// vectorized with smoothed IDF and L2 normalization, so scoring a query is
// a cosine similarity over the inverted lists.
type TFIDFIndex struct {
	mu     sync.RWMutex
	model  tfidfModel
	closed bool
}

// NewTFIDFIndex creates an empty keyword index.
func NewTFIDFIndex(cfg TFIDFConfig) *TFIDFIndex {
	if cfg.MinGram == 0 {
		cfg.MinGram = 2
	}
	if cfg.MaxGram == 0 {
		cfg.MaxGram = 4
	}
	if cfg.ScoreScale == 0 {
		cfg.ScoreScale = 20.0
	}
	return &TFIDFIndex{model: tfidfModel{Config: cfg, Vocab: make(map[string]int32)}}
}

// Build fits the index over docs, replacing any previous content.
func (idx *TFIDFIndex) Build(docs []Document) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.closed {
		return fmt.Errorf("keyword index is closed")
	}

	cfg := idx.model.Config
	model := tfidfModel{
		Config: cfg,
		DocIDs: make([]string, len(docs)),
		Vocab:  make(map[string]int32),
	}

	// First pass: vocabulary in first-occurrence order (keeps the fitted
	// model deterministic) and per-term document frequencies.
	df := []int{}
	docTerms := make([][]int32, len(docs))
	docCounts := make([]map[int32]int, len(docs))
	for d, doc := range docs {
		model.DocIDs[d] = doc.ID
		counts := make(map[int32]int)
		var order []int32
		for _, gram := range charNGrams(doc.Text, cfg.MinGram, cfg.MaxGram) {
			term, ok := model.Vocab[gram]
			if !ok {
				term = int32(len(model.Vocab))
				model.Vocab[gram] = term
				df = append(df, 0)
			}
			if counts[term] == 0 {
				order = append(order, term)
				df[term]++
			}
			counts[term]++
		}
		docTerms[d] = order
		docCounts[d] = counts
	}

	// Smoothed IDF: ln((1+N)/(1+df)) + 1.
	n := float64(len(docs))
	model.IDF = make([]float64, len(df))
	for t, f := range df {
		model.IDF[t] = math.Log((1+n)/(1+float64(f))) + 1
	}

	// Second pass: L2-normalized tf-idf weights into inverted lists.
	model.Postings = make([][]posting, len(df))
	for d := range docs {
		var norm float64
		for _, term := range docTerms[d] {
			w := float64(docCounts[d][term]) * model.IDF[term]
			norm += w * w
		}
		if norm == 0 {
			continue
		}
		norm = math.Sqrt(norm)
		for _, term := range docTerms[d] {
			w := float64(docCounts[d][term]) * model.IDF[term] / norm
			model.Postings[term] = append(model.Postings[term], posting{Doc: int32(d), Weight: w})
		}
	}

	idx.model = model
	return nil
}

// Search scores query against every indexed document and returns the top k
// by descending raw score (cosine similarity times ScoreScale). Documents
// with zero overlap are omitted.
func (idx *TFIDFIndex) Search(ctx context.Context, query string, k int) ([]KeywordResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if idx.closed {
		return nil, fmt.Errorf("keyword index is closed")
	}
	if k <= 0 || len(idx.model.DocIDs) == 0 {
		return []KeywordResult{}, nil
	}

	cfg := idx.model.Config
	counts := make(map[int32]int)
	var order []int32
	for _, gram := range charNGrams(query, cfg.MinGram, cfg.MaxGram) {
		term, ok := idx.model.Vocab[gram]
		if !ok {
			continue
		}
		if counts[term] == 0 {
			order = append(order, term)
		}
		counts[term]++
	}
	if len(order) == 0 {
		return []KeywordResult{}, nil
	}

	var norm float64
	for _, term := range order {
		w := float64(counts[term]) * idx.model.IDF[term]
		norm += w * w
	}
	norm = math.Sqrt(norm)

	scores := make(map[int32]float64)
	for _, term := range order {
		qw := float64(counts[term]) * idx.model.IDF[term] / norm
		for _, p := range idx.model.Postings[term] {
			scores[p.Doc] += qw * p.Weight
		}
	}

	results := make([]KeywordResult, 0, len(scores))
	for doc, cos := range scores {
		if cos <= 0 {
			continue
		}
		results = append(results, KeywordResult{
			ID:    idx.model.DocIDs[doc],
			Score: cos * cfg.ScoreScale,
		})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// Count returns the number of indexed documents.
func (idx *TFIDFIndex) Count() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.model.DocIDs)
}

// Save persists the fitted model to path via temp file + rename.
func (idx *TFIDFIndex) Save(path string) error {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if idx.closed {
		return fmt.Errorf("keyword index is closed")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create cache directory: %w", err)
	}

	tmpPath := path + ".tmp"
	file, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create cache file: %w", err)
	}
	if err := gob.NewEncoder(file).Encode(idx.model); err != nil {
		file.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("encode keyword index: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close cache file: %w", err)
	}
	return os.Rename(tmpPath, path)
}

// Load reads a fitted model from path, replacing any previous content.
func (idx *TFIDFIndex) Load(path string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.closed {
		return fmt.Errorf("keyword index is closed")
	}

	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open cache file: %w", err)
	}
	defer file.Close()

	var model tfidfModel
	if err := gob.NewDecoder(file).Decode(&model); err != nil {
		return errors.New(errors.ErrCodeCorruptIndex,
			fmt.Sprintf("keyword cache corrupt: %s", path), err)
	}
	idx.model = model
	return nil
}

// Close releases the index.
func (idx *TFIDFIndex) Close() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.closed = true
	idx.model = tfidfModel{}
	return nil
}

// Verify interface implementation.
var _ KeywordIndex = (*TFIDFIndex)(nil)

// LoadOrBuildTFIDF loads the keyword cache when it is fresh, otherwise
// rebuilds it from docs under a file lock and writes the cache back. A
// corrupt or unreadable cache falls through to a rebuild; a failed cache
// write degrades to in-memory operation rather than failing startup.
func LoadOrBuildTFIDF(cachePath, dataPath string, cfg TFIDFConfig, docs []Document) (*TFIDFIndex, error) {
	idx := NewTFIDFIndex(cfg)

	if cachePath != "" && !stale(cachePath, dataPath) {
		if err := idx.Load(cachePath); err == nil {
			return idx, nil
		} else {
			slog.Warn("keyword cache unreadable, rebuilding",
				slog.String("path", cachePath),
				slog.String("error", err.Error()))
		}
	}

	if cachePath != "" {
		lock := flock.New(cachePath + ".lock")
		if err := lock.Lock(); err != nil {
			return nil, errors.New(errors.ErrCodeIndexLocked,
				fmt.Sprintf("acquiring keyword index lock: %s", cachePath), err)
		}
		defer lock.Unlock()

		// Another process may have finished the rebuild while we waited.
		if !stale(cachePath, dataPath) {
			if err := idx.Load(cachePath); err == nil {
				return idx, nil
			}
		}
	}

	if err := idx.Build(docs); err != nil {
		return nil, errors.New(errors.ErrCodeIndexFailed, "building keyword index", err)
	}
	if cachePath != "" {
		if err := idx.Save(cachePath); err != nil {
			slog.Warn("keyword cache save failed",
				slog.String("path", cachePath),
				slog.String("error", err.Error()))
		}
	}
	return idx, nil
}

// charNGrams emits all character n-grams of s for sizes [minN, maxN],
// lowercased, in generation order. Strings shorter than minN produce no
// grams.
func charNGrams(s string, minN, maxN int) []string {
	runes := []rune(strings.ToLower(s))
	if len(runes) < minN {
		return nil
	}
	var grams []string
	for n := minN; n <= maxN && n <= len(runes); n++ {
		for i := 0; i+n <= len(runes); i++ {
			grams = append(grams, string(runes[i:i+n]))
		}
	}
	return grams
}
