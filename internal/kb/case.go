// Package kb loads and models the fault-case knowledge base. The knowledge
// base is a flat file (JSONL by default, JSON array and CSV also accepted)
// loaded once at startup; cases are immutable afterwards.
package kb

// Case is one fault-case record. Fields beyond the known schema are
// preserved verbatim in Extra and never interpreted by the matching core.
type Case struct {
	ID          string         `json:"id"`
	Text        string         `json:"text"`
	System      string         `json:"system,omitempty"`
	Part        string         `json:"part,omitempty"`
	Tags        []string       `json:"tags,omitempty"`
	VehicleType string         `json:"vehicletype,omitempty"`
	FaultCode   string         `json:"faultcode,omitempty"`
	Popularity  float64        `json:"popularity,omitempty"`
	Extra       map[string]any `json:"extra,omitempty"`
}

// IndexByID builds an id lookup table over cases. Loader output has unique
// ids, so collisions cannot occur here.
func IndexByID(cases []Case) map[string]Case {
	byID := make(map[string]Case, len(cases))
	for _, c := range cases {
		byID[c.ID] = c
	}
	return byID
}
