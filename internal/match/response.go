package match

// CaseResult is one returned candidate. Score fields carry the
// normalized values, not the raw per-source scores.
type CaseResult struct {
	ID          string   `json:"id"`
	Text        string   `json:"text"`
	System      string   `json:"system,omitempty"`
	Part        string   `json:"part,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	VehicleType string   `json:"vehicletype,omitempty"`
	FaultCode   string   `json:"faultcode,omitempty"`
	Popularity  float64  `json:"popularity"`

	BM25Score   float64 `json:"bm25_score"`
	Cosine      float64 `json:"cosine"`
	RerankScore float64 `json:"rerank_score"`
	FinalScore  float64 `json:"final_score"`

	Why     []string `json:"why"`
	Sources []Source `json:"sources"`

	Highlight map[string][]string `json:"highlight,omitempty"`
}

// Metadata describes how a response was produced.
type Metadata struct {
	// Sources lists the retrievers that returned in time, in
	// enumeration order.
	Sources    []Source `json:"sources"`
	RerankUsed bool     `json:"rerank_used"`
	LLMUsed    bool     `json:"llm_used"`
}

// Response is the assembled result of one pipeline run.
type Response struct {
	// Query is the normalized query text.
	Query    string       `json:"query"`
	Total    int          `json:"total"`
	Top      []CaseResult `json:"top"`
	Decision Decision     `json:"decision"`
	Metadata Metadata     `json:"metadata"`
}

// resultFromCandidate projects a fused candidate onto the response shape.
func resultFromCandidate(c *Candidate) CaseResult {
	return CaseResult{
		ID:          c.ID,
		Text:        c.Case.Text,
		System:      c.Case.System,
		Part:        c.Case.Part,
		Tags:        c.Case.Tags,
		VehicleType: c.Case.VehicleType,
		FaultCode:   c.Case.FaultCode,
		Popularity:  c.Case.Popularity,
		BM25Score:   c.BM25,
		Cosine:      c.Cosine,
		RerankScore: c.Rerank,
		FinalScore:  c.Final,
		Why:         c.Why,
		Sources:     c.Sources,
		Highlight:   c.Highlight,
	}
}
