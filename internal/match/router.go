package match

import (
	"fmt"

	"github.com/autokb/faultmatch/internal/llm"
)

// Router is the gray-zone state machine. It converts the fused ranking
// into a decision using the (pass, gray_low) threshold pair.
type Router struct {
	thresholds Thresholds
}

// NewRouter creates a router. Callers validate thresholds at config load;
// here they are taken as given.
func NewRouter(t Thresholds) *Router {
	return &Router{thresholds: t}
}

// Thresholds returns the configured boundaries.
func (r *Router) Thresholds() Thresholds {
	return r.thresholds
}

// Decide maps the top candidate's fused score onto a mode. The mapping is
// total and monotone in the score: raising it can only move the outcome
// along reject, gray, direct. An empty ranking is no_match, which is
// always distinguishable from reject.
func (r *Router) Decide(candidates []*Candidate) Decision {
	if len(candidates) == 0 {
		return Decision{
			Mode:       ModeNoMatch,
			Confidence: 0,
			Reason:     "no candidates",
		}
	}

	top := candidates[0]
	switch {
	case top.Final >= r.thresholds.Pass:
		id := top.ID
		return Decision{
			Mode:       ModeDirect,
			ChosenID:   &id,
			Confidence: top.Final,
			Reason:     "high confidence",
		}
	case top.Final >= r.thresholds.GrayLow:
		id := top.ID
		return Decision{
			Mode:       ModeGray,
			ChosenID:   &id,
			Confidence: top.Final,
			Reason:     "gray band",
		}
	default:
		return Decision{
			Mode:       ModeReject,
			Confidence: top.Final,
			Reason:     "below gray_low",
		}
	}
}

// Adjudicate folds a closed-set pick into a gray decision. A concrete
// pick upgrades the mode to llm with the picked id and the larger of the
// fused and picker confidences; UNKNOWN keeps the gray decision and
// appends the picker's reasoning. Non-gray decisions pass through
// untouched.
func (r *Router) Adjudicate(base Decision, candidates []*Candidate, pick *llm.Pick) Decision {
	if base.Mode != ModeGray || pick == nil {
		return base
	}

	out := base
	out.LLM = pick

	if pick.IsUnknown() {
		if pick.Reason != "" {
			out.Reason = fmt.Sprintf("gray band; llm: %s", pick.Reason)
		}
		return out
	}

	// Closed-set safety: the picker validates ids against its candidate
	// set, but an id that fell out of the ranking still cannot win.
	chosen := findCandidate(candidates, pick.ChosenID)
	if chosen == nil {
		out.Reason = "gray band; llm picked an unranked id"
		return out
	}

	id := chosen.ID
	out.Mode = ModeLLM
	out.ChosenID = &id
	out.Confidence = max(base.Confidence, pick.Confidence)
	out.Reason = pick.Reason
	if out.Reason == "" {
		out.Reason = "llm adjudication"
	}
	return out
}

func findCandidate(candidates []*Candidate, id string) *Candidate {
	for _, c := range candidates {
		if c.ID == id {
			return c
		}
	}
	return nil
}
