// Package match is the request pipeline core: it fuses candidates from the
// keyword, semantic, and remote retrievers onto a common [0,1] scale,
// routes the top score through the gray-zone state machine, and optionally
// adjudicates the gray band with the closed-set LLM picker.
package match

import (
	"github.com/autokb/faultmatch/internal/kb"
	"github.com/autokb/faultmatch/internal/llm"
)

// Source names a retrieval source that contributed to a candidate.
// Enumeration order is the canonical order for the sources list.
type Source string

const (
	SourceKeyword  Source = "keyword"
	SourceSemantic Source = "semantic"
	SourceRemote   Source = "remote"
	SourceRerank   Source = "rerank"
)

// sourceOrder fixes the rendering order of source tags.
var sourceOrder = []Source{SourceKeyword, SourceSemantic, SourceRemote, SourceRerank}

// Why tags, one per score component, emitted when the component exceeds
// the tag threshold. Order here is the emission order.
const (
	WhySemanticClose = "语义近"
	WhyKeywordHit    = "关键词命中"
	WhySystemMatch   = "系统一致"
	WhyPartMatch     = "部件相近"
	WhyPopular       = "高热度"
	WhyRerankTop     = "精排优"
)

// whyThreshold is the per-component score above which a why tag is
// emitted.
const whyThreshold = 0.6

// Candidate is one in-flight case during a request. It is created during
// retrieval fan-out, scored by fusion, consumed by the router, and
// discarded with the request.
type Candidate struct {
	ID   string
	Case kb.Case

	// Raw per-source scores, present only when that source contributed.
	BM25Raw   *float64
	CosineRaw *float64
	RerankRaw *float64

	// Normalized scores in [0,1].
	BM25   float64
	Cosine float64
	Rerank float64

	// Structured priors in [0,1].
	KGPrior        float64
	PopularityNorm float64

	// Final is the fused score in [0,1].
	Final float64

	// Sources lists contributors in enumeration order.
	Sources []Source

	// Why holds human-readable reason tags in fixed component order.
	Why []string

	// Highlight carries <mark>-tagged fragments from the remote backend.
	Highlight map[string][]string

	sourceSet map[Source]bool
}

// addSource records a contributor exactly once.
func (c *Candidate) addSource(s Source) {
	if c.sourceSet == nil {
		c.sourceSet = make(map[Source]bool, 4)
	}
	c.sourceSet[s] = true
}

// finalizeSources renders the source set in enumeration order.
func (c *Candidate) finalizeSources() {
	c.Sources = c.Sources[:0]
	for _, s := range sourceOrder {
		if c.sourceSet[s] {
			c.Sources = append(c.Sources, s)
		}
	}
}

// HasSource reports whether s contributed to this candidate.
func (c *Candidate) HasSource(s Source) bool {
	return c.sourceSet[s]
}

// Mode is the routing outcome for a request.
type Mode string

const (
	// ModeDirect returns the top candidate without adjudication.
	ModeDirect Mode = "direct"
	// ModeGray flags the top candidate for secondary adjudication.
	ModeGray Mode = "gray"
	// ModeReject declines the top candidate as below the gray band.
	ModeReject Mode = "reject"
	// ModeLLM is a gray decision upgraded by a concrete closed-set pick.
	ModeLLM Mode = "llm"
	// ModeNoMatch means no candidates were available at all. Callers can
	// always tell reject (scored too low) from no_match (nothing scored).
	ModeNoMatch Mode = "no_match"
)

// Decision is the routing verdict for a request.
type Decision struct {
	Mode       Mode      `json:"mode"`
	ChosenID   *string   `json:"chosen_id"`
	Confidence float64   `json:"confidence"`
	Reason     string    `json:"reason"`
	LLM        *llm.Pick `json:"llm"`
}

// Thresholds are the gray-zone boundaries.
type Thresholds struct {
	// Pass is the direct-answer floor.
	Pass float64
	// GrayLow is the gray-band floor; below it the match is rejected.
	GrayLow float64
}

// Hints are the optional structured facets accompanying a query.
type Hints struct {
	System      string
	Part        string
	VehicleType string
	FaultCode   string
	Model       string
	Year        string
}

// Empty reports whether no facet hint was provided.
func (h Hints) Empty() bool {
	return h.System == "" && h.Part == "" && h.VehicleType == "" &&
		h.FaultCode == "" && h.Model == "" && h.Year == ""
}
