package backend

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/analysis/lang/cjk"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"

	"github.com/autokb/faultmatch/internal/errors"
	"github.com/autokb/faultmatch/internal/kb"
)

// fieldBoosts weight the lexical disjunction, mirroring the remote
// adapter's multi_match boosts.
var fieldBoosts = map[string]float64{
	"text":        3.0,
	"tags":        2.0,
	"faultcode":   2.0,
	"system":      1.5,
	"part":        1.5,
	"vehicletype": 1.0,
}

// bleveCase is the indexed document shape.
type bleveCase struct {
	Text        string   `json:"text"`
	System      string   `json:"system"`
	Part        string   `json:"part"`
	Tags        []string `json:"tags"`
	VehicleType string   `json:"vehicletype"`
	FaultCode   string   `json:"faultcode"`
	Popularity  float64  `json:"popularity"`
}

// BleveBackend is the embedded stand-in for a remote cluster: an in-memory
// bleve index built from the loaded knowledge base. It serves the lexical
// and filter surface of the Searcher contract; kNN is not available, so
// remote-only flows report semantic_used=false when running embedded.
type BleveBackend struct {
	mu     sync.RWMutex
	index  bleve.Index
	cases  map[string]kb.Case
	closed bool
}

// NewBleveBackend builds the embedded index over cases.
func NewBleveBackend(cases []kb.Case) (*BleveBackend, error) {
	index, err := bleve.NewMemOnly(buildCaseMapping())
	if err != nil {
		return nil, errors.New(errors.ErrCodeIndexFailed, "creating embedded index", err)
	}

	b := &BleveBackend{
		index: index,
		cases: kb.IndexByID(cases),
	}

	batch := index.NewBatch()
	for _, c := range cases {
		doc := bleveCase{
			Text:        c.Text,
			System:      c.System,
			Part:        c.Part,
			Tags:        c.Tags,
			VehicleType: c.VehicleType,
			FaultCode:   c.FaultCode,
			Popularity:  c.Popularity,
		}
		if err := batch.Index(c.ID, doc); err != nil {
			return nil, errors.New(errors.ErrCodeIndexFailed,
				fmt.Sprintf("indexing case %s", c.ID), err)
		}
	}
	if err := index.Batch(batch); err != nil {
		return nil, errors.New(errors.ErrCodeIndexFailed, "building embedded index", err)
	}
	return b, nil
}

// buildCaseMapping indexes the description with the CJK analyzer (bigram
// tokenization for the Chinese corpus) and the facets verbatim for term
// filtering.
func buildCaseMapping() *mapping.IndexMappingImpl {
	textField := bleve.NewTextFieldMapping()
	textField.Analyzer = cjk.AnalyzerName
	textField.Store = true
	textField.IncludeTermVectors = true

	facetField := bleve.NewTextFieldMapping()
	facetField.Analyzer = keyword.Name
	facetField.Store = true

	popField := bleve.NewNumericFieldMapping()

	caseMapping := bleve.NewDocumentMapping()
	caseMapping.AddFieldMappingsAt("text", textField)
	caseMapping.AddFieldMappingsAt("system", facetField)
	caseMapping.AddFieldMappingsAt("part", facetField)
	caseMapping.AddFieldMappingsAt("tags", facetField)
	caseMapping.AddFieldMappingsAt("vehicletype", facetField)
	caseMapping.AddFieldMappingsAt("faultcode", facetField)
	caseMapping.AddFieldMappingsAt("popularity", popField)

	indexMapping := bleve.NewIndexMapping()
	indexMapping.DefaultMapping = caseMapping
	indexMapping.DefaultAnalyzer = cjk.AnalyzerName
	return indexMapping
}

// Search runs one lexical request. Vector requests return an error: the
// embedded backend has no stored embeddings.
func (b *BleveBackend) Search(ctx context.Context, req Request) (*Result, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, fmt.Errorf("embedded backend is closed")
	}
	if req.Vector != nil {
		return nil, errors.New(errors.ErrCodeSearchFailed,
			"embedded backend does not support vector search", nil)
	}
	if strings.TrimSpace(req.Query) == "" {
		return &Result{Hits: []Hit{}}, nil
	}

	searchRequest := bleve.NewSearchRequest(b.buildQuery(req))
	searchRequest.Size = req.Size
	if req.Highlight {
		searchRequest.Highlight = bleve.NewHighlightWithStyle("html")
		searchRequest.Highlight.AddField("text")
	}

	result, err := b.index.SearchInContext(ctx, searchRequest)
	if err != nil {
		return nil, errors.New(errors.ErrCodeSearchFailed, "embedded search failed", err)
	}

	out := &Result{
		Total: int(result.Total),
		Hits:  make([]Hit, 0, len(result.Hits)),
	}
	for _, hit := range result.Hits {
		c, ok := b.cases[hit.ID]
		if !ok {
			continue
		}
		h := Hit{
			ID:     hit.ID,
			Score:  hit.Score,
			Source: caseSource(c),
		}
		if len(hit.Fragments) > 0 {
			h.Highlight = hit.Fragments
		}
		out.Hits = append(out.Hits, h)
	}
	return out, nil
}

// buildQuery renders a boosted per-field disjunction plus term filters.
func (b *BleveBackend) buildQuery(req Request) query.Query {
	var should []query.Query
	for field, boost := range fieldBoosts {
		mq := bleve.NewMatchQuery(req.Query)
		mq.SetField(field)
		mq.SetBoost(boost)
		should = append(should, mq)
	}
	lexical := bleve.NewDisjunctionQuery(should...)

	filters := b.buildFilters(req.Filters)
	if len(filters) == 0 {
		return lexical
	}
	bq := bleve.NewBooleanQuery()
	bq.AddMust(lexical)
	for _, f := range filters {
		bq.AddMust(f)
	}
	return bq
}

func (b *BleveBackend) buildFilters(f Filters) []query.Query {
	var filters []query.Query
	add := func(field, value string) {
		if value == "" {
			return
		}
		tq := bleve.NewTermQuery(value)
		tq.SetField(field)
		filters = append(filters, tq)
	}
	add("system", f.System)
	add("part", f.Part)
	add("vehicletype", f.VehicleType)
	add("faultcode", f.FaultCode)
	return filters
}

// caseSource mirrors the payload shape a remote cluster would store.
func caseSource(c kb.Case) map[string]any {
	source := map[string]any{
		"text":       c.Text,
		"popularity": c.Popularity,
	}
	if c.System != "" {
		source["system"] = c.System
	}
	if c.Part != "" {
		source["part"] = c.Part
	}
	if len(c.Tags) > 0 {
		tags := make([]any, len(c.Tags))
		for i, t := range c.Tags {
			tags[i] = t
		}
		source["tags"] = tags
	}
	if c.VehicleType != "" {
		source["vehicletype"] = c.VehicleType
	}
	if c.FaultCode != "" {
		source["faultcode"] = c.FaultCode
	}
	for k, v := range c.Extra {
		if _, taken := source[k]; !taken {
			source[k] = v
		}
	}
	return source
}

// Stats summarizes the indexed corpus from the in-memory case table.
func (b *BleveBackend) Stats(_ context.Context) (*Stats, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, fmt.Errorf("embedded backend is closed")
	}

	stats := &Stats{
		DocCount:     len(b.cases),
		Systems:      make(map[string]int),
		VehicleTypes: make(map[string]int),
	}
	var popSum float64
	for _, c := range b.cases {
		if c.System != "" {
			stats.Systems[c.System]++
		}
		if c.VehicleType != "" {
			stats.VehicleTypes[c.VehicleType]++
		}
		popSum += c.Popularity
		if c.Popularity > stats.PopularityMax {
			stats.PopularityMax = c.Popularity
		}
	}
	if len(b.cases) > 0 {
		stats.PopularityAvg = popSum / float64(len(b.cases))
	}
	return stats, nil
}

// SupportsVector is false: no stored embeddings in embedded mode.
func (b *BleveBackend) SupportsVector() bool {
	return false
}

// Available reports readiness.
func (b *BleveBackend) Available(_ context.Context) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

// Close releases the index.
func (b *BleveBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.index.Close()
}

// Verify interface implementation at compile time.
var _ Searcher = (*BleveBackend)(nil)
