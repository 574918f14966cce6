package match

import (
	"math"
	"sort"
	"strings"

	"github.com/autokb/faultmatch/internal/calib"
	"github.com/autokb/faultmatch/internal/kb"
)

// tieEpsilon is the final-score distance within which candidates are
// considered tied and broken by rerank, cosine, then id.
const tieEpsilon = 1e-6

// RawHit is one (id, raw score) pair from a local retriever.
type RawHit struct {
	ID    string
	Score float64
}

// RemoteHit is one hit from the remote backend, carrying its own case
// payload and optional highlights.
type RemoteHit struct {
	ID        string
	Score     float64
	Case      kb.Case
	Highlight map[string][]string
}

// Inputs are the per-source candidate lists entering fusion. Keyword and
// remote scores share the bm25 raw-score family; semantic scores are
// cosines; rerank scores are raw cross-encoder logits keyed by id.
type Inputs struct {
	Keyword  []RawHit
	Semantic []RawHit
	Remote   []RemoteHit
	Rerank   map[string]float64
}

// Fusion merges per-source candidate lists into a single ranking on a
// common [0,1] scale.
type Fusion struct {
	weights calib.Weights
	p95     float64
}

// NewFusion creates a fusion engine. weights are normalized on entry;
// p95 is the popularity normalization constant.
func NewFusion(weights calib.Weights, p95 float64) *Fusion {
	if p95 <= 0 {
		p95 = defaultP95()
	}
	return &Fusion{weights: weights.Normalized(), p95: p95}
}

// defaultP95 anchors popularity normalization so the default reproduces
// the log1p(pop)/5 scaling the calibration profile assumes: e^5 - 1.
func defaultP95() float64 {
	return math.Expm1(5)
}

// Weights returns the normalized fusion weights.
func (f *Fusion) Weights() calib.Weights {
	return f.weights
}

// Fuse unions the source lists by id, normalizes each raw-score family
// with per-request logistic calibration, applies the structured priors,
// and returns candidates ordered by descending fused score, truncated to
// topN (non-positive topN returns everything).
//
// cases resolves local hits to their case records; remote hits carry
// their own. The weight of a source family absent from the entire union
// is redistributed proportionally over the present components, so a
// request without a reranker still spans the full [0,1] range.
func (f *Fusion) Fuse(inputs Inputs, hints Hints, cases map[string]kb.Case, topN int) []*Candidate {
	union := f.union(inputs, cases)
	if len(union) == 0 {
		return []*Candidate{}
	}

	f.normalizeFamilies(union)
	weights := f.effectiveWeights(union)

	for _, c := range union {
		c.KGPrior = kgPrior(c.Case, hints)
		c.PopularityNorm = popularityNorm(c.Case.Popularity, f.p95)

		c.Final = calib.Clamp01(weights.Rerank*c.Rerank +
			weights.Cosine*c.Cosine +
			weights.BM25*c.BM25 +
			weights.KGPrior*c.KGPrior +
			weights.Popularity*c.PopularityNorm)

		c.Why = whyTags(c)
		c.finalizeSources()
	}

	ordered := make([]*Candidate, 0, len(union))
	for _, c := range union {
		ordered = append(ordered, c)
	}
	sort.Slice(ordered, func(i, j int) bool {
		return less(ordered[i], ordered[j])
	})

	if topN > 0 && len(ordered) > topN {
		ordered = ordered[:topN]
	}
	return ordered
}

// union merges the source lists by id. The first-seen raw score per
// family wins, in source order keyword, semantic, remote.
func (f *Fusion) union(inputs Inputs, cases map[string]kb.Case) map[string]*Candidate {
	union := make(map[string]*Candidate,
		len(inputs.Keyword)+len(inputs.Semantic)+len(inputs.Remote))

	get := func(id string) *Candidate {
		if c, ok := union[id]; ok {
			return c
		}
		c := &Candidate{ID: id}
		if kc, ok := cases[id]; ok {
			c.Case = kc
		}
		union[id] = c
		return c
	}

	for _, hit := range inputs.Keyword {
		c := get(hit.ID)
		if c.BM25Raw == nil {
			score := hit.Score
			c.BM25Raw = &score
		}
		c.addSource(SourceKeyword)
	}
	for _, hit := range inputs.Semantic {
		c := get(hit.ID)
		if c.CosineRaw == nil {
			score := hit.Score
			c.CosineRaw = &score
		}
		c.addSource(SourceSemantic)
	}
	for _, hit := range inputs.Remote {
		c := get(hit.ID)
		if c.Case.ID == "" {
			c.Case = hit.Case
		}
		if c.BM25Raw == nil {
			score := hit.Score
			c.BM25Raw = &score
		}
		if c.Highlight == nil {
			c.Highlight = hit.Highlight
		}
		c.addSource(SourceRemote)
	}
	for id, raw := range inputs.Rerank {
		c, ok := union[id]
		if !ok {
			// The reranker only rescores fused candidates; an unknown id
			// cannot introduce one.
			continue
		}
		score := raw
		c.RerankRaw = &score
		c.addSource(SourceRerank)
	}
	return union
}

// normalizeFamilies maps each raw-score family through the logistic of
// its own per-request statistics. A candidate missing a present family
// keeps a normalized score of 0.
func (f *Fusion) normalizeFamilies(union map[string]*Candidate) {
	var bm25, cosine, rerank []float64
	for _, c := range union {
		if c.BM25Raw != nil {
			bm25 = append(bm25, *c.BM25Raw)
		}
		if c.CosineRaw != nil {
			cosine = append(cosine, *c.CosineRaw)
		}
		if c.RerankRaw != nil {
			rerank = append(rerank, *c.RerankRaw)
		}
	}
	bm25Stats := calib.ComputeStats(bm25)
	cosineStats := calib.ComputeStats(cosine)
	rerankStats := calib.ComputeStats(rerank)

	for _, c := range union {
		if c.BM25Raw != nil {
			c.BM25 = calib.LogisticFromStats(*c.BM25Raw, bm25Stats, 1.0)
		}
		if c.CosineRaw != nil {
			c.Cosine = calib.LogisticFromStats(*c.CosineRaw, cosineStats, 1.0)
		}
		if c.RerankRaw != nil {
			c.Rerank = calib.LogisticFromStats(*c.RerankRaw, rerankStats, 1.0)
		}
	}
}

// effectiveWeights redistributes the weight of absent score families
// proportionally over the present components. The structured priors
// always count as present.
func (f *Fusion) effectiveWeights(union map[string]*Candidate) calib.Weights {
	var hasBM25, hasCosine, hasRerank bool
	for _, c := range union {
		hasBM25 = hasBM25 || c.BM25Raw != nil
		hasCosine = hasCosine || c.CosineRaw != nil
		hasRerank = hasRerank || c.RerankRaw != nil
	}

	w := f.weights
	if !hasBM25 {
		w.BM25 = 0
	}
	if !hasCosine {
		w.Cosine = 0
	}
	if !hasRerank {
		w.Rerank = 0
	}
	if w.Sum() <= 0 {
		// Every weighted component is absent; final scores stay zero.
		return w
	}
	total := w.Sum()
	w.Rerank /= total
	w.Cosine /= total
	w.BM25 /= total
	w.KGPrior /= total
	w.Popularity /= total
	return w
}

// kgPrior scores structured-facet agreement between a case and the
// request hints: 1.0 for a system match, 0.7 for a part match, 0.5 for a
// loose substring match on both facets; the maximum applies. No hint
// means no prior.
func kgPrior(c kb.Case, hints Hints) float64 {
	if hints.System == "" && hints.Part == "" {
		return 0
	}
	prior := 0.0
	if hints.System != "" && equalFold(c.System, hints.System) {
		prior = 1.0
	}
	if hints.Part != "" && equalFold(c.Part, hints.Part) && prior < 0.7 {
		prior = 0.7
	}
	if prior == 0 && hints.System != "" && hints.Part != "" &&
		containsFold(c.System, hints.System) && containsFold(c.Part, hints.Part) {
		prior = 0.5
	}
	return prior
}

// popularityNorm maps unbounded popularity into [0,1] on a log scale
// anchored at the P95 estimate.
func popularityNorm(popularity, p95 float64) float64 {
	if popularity <= 0 {
		return 0
	}
	return math.Min(1, math.Log1p(popularity)/math.Log1p(p95))
}

// whyTags emits one tag per component above the threshold, in fixed
// component order.
func whyTags(c *Candidate) []string {
	var why []string
	if c.Cosine > whyThreshold {
		why = append(why, WhySemanticClose)
	}
	if c.BM25 > whyThreshold {
		why = append(why, WhyKeywordHit)
	}
	if c.KGPrior > whyThreshold {
		if c.KGPrior >= 1.0 {
			why = append(why, WhySystemMatch)
		} else {
			why = append(why, WhyPartMatch)
		}
	}
	if c.PopularityNorm > whyThreshold {
		why = append(why, WhyPopular)
	}
	if c.Rerank > whyThreshold {
		why = append(why, WhyRerankTop)
	}
	return why
}

func equalFold(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

// containsFold matches loosely in either direction, so a hint of 刹车片
// still lines up with a facet of 前刹车片.
func containsFold(facet, hint string) bool {
	facet = strings.ToLower(strings.TrimSpace(facet))
	hint = strings.ToLower(strings.TrimSpace(hint))
	if facet == "" || hint == "" {
		return false
	}
	return strings.Contains(facet, hint) || strings.Contains(hint, facet)
}

// less orders candidates by descending final score; ties within
// tieEpsilon fall back to higher rerank, higher cosine, then smaller id.
func less(a, b *Candidate) bool {
	if math.Abs(a.Final-b.Final) > tieEpsilon {
		return a.Final > b.Final
	}
	if a.Rerank != b.Rerank {
		return a.Rerank > b.Rerank
	}
	if a.Cosine != b.Cosine {
		return a.Cosine > b.Cosine
	}
	return a.ID < b.ID
}
