package server

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/autokb/faultmatch/internal/backend"
	"github.com/autokb/faultmatch/internal/errors"
	"github.com/autokb/faultmatch/internal/match"
)

// handleHealth reports liveness and which data sources this process can
// actually serve right now.
func (s *Server) handleHealth(c *gin.Context) {
	opensearchUp := false
	if s.cfg.Backend != nil {
		opensearchUp = s.cfg.Backend.Available(c.Request.Context())
	}
	c.JSON(http.StatusOK, gin.H{
		"status":               "ok",
		"opensearch_available": opensearchUp,
		"semantic_available":   s.cfg.SemanticAvailable,
		"data_sources":         s.cfg.DataSources,
	})
}

// handleMatch serves local fused retrieval with routing.
func (s *Server) handleMatch(c *gin.Context) {
	s.serveMatch(c, false)
}

// handleMatchHybrid adds the remote backend as an extra fused source.
func (s *Server) handleMatchHybrid(c *gin.Context) {
	s.serveMatch(c, true)
}

func (s *Server) serveMatch(c *gin.Context, hybrid bool) {
	q := c.Query("q")
	if q == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   errors.ErrCodeQueryEmpty,
			"message": "q is required",
		})
		return
	}

	query := match.Query{
		Text: q,
		Hints: match.Hints{
			System: c.Query("system"),
			Part:   c.Query("part"),
			Model:  c.Query("model"),
			Year:   c.Query("year"),
		},
		TopKVec: intQuery(c, "topk_vec", 0),
		TopKKw:  intQuery(c, "topk_kw", 0),
		TopN:    intQuery(c, "topn_return", 0),
		UseLLM:  boolQuery(c, "use_llm", true),
	}
	if hybrid {
		query.Hints.VehicleType = c.Query("vehicletype")
		query.UseRemote = boolQuery(c, "use_remote", true)
	}

	resp, err := s.cfg.Engine.Match(c.Request.Context(), query)
	if err != nil {
		s.writeError(c, err, resp)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// openSearchMatchRequest is the /opensearch/match body. Pointer fields
// distinguish "absent" from an explicit false.
type openSearchMatchRequest struct {
	Q              string   `json:"q"`
	System         string   `json:"system"`
	Part           string   `json:"part"`
	VehicleType    string   `json:"vehicletype"`
	FaultCode      string   `json:"fault_code"`
	Size           int      `json:"size"`
	UseDecision    *bool    `json:"use_decision"`
	UseSemantic    *bool    `json:"use_semantic"`
	SemanticWeight *float64 `json:"semantic_weight"`
	VectorK        int      `json:"vector_k"`
	UseLLM         bool     `json:"use_llm"`
	LLMTopN        int      `json:"llm_topn"`
}

// handleOpenSearchMatch serves remote-only matching.
func (s *Server) handleOpenSearchMatch(c *gin.Context) {
	var req openSearchMatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   errors.ErrCodeInvalidInput,
			"message": "malformed request body",
		})
		return
	}
	if req.Q == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   errors.ErrCodeQueryEmpty,
			"message": "q is required",
		})
		return
	}

	resp, err := s.cfg.Remote.Match(c.Request.Context(), match.RemoteQuery{
		Query: req.Q,
		Filters: backend.Filters{
			System:      req.System,
			Part:        req.Part,
			VehicleType: req.VehicleType,
			FaultCode:   req.FaultCode,
		},
		Size:           req.Size,
		UseDecision:    boolOrDefault(req.UseDecision, true),
		UseSemantic:    boolOrDefault(req.UseSemantic, true),
		SemanticWeight: req.SemanticWeight,
		VectorK:        req.VectorK,
		UseLLM:         req.UseLLM,
		LLMTopN:        req.LLMTopN,
	})
	if err != nil {
		s.writeError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// handleOpenSearchStats summarizes the indexed corpus plus the fusion
// weights this process matches with.
func (s *Server) handleOpenSearchStats(c *gin.Context) {
	if s.cfg.Backend == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   errors.ErrCodeBackendUnavailable,
			"message": "no search backend configured",
		})
		return
	}
	stats, err := s.cfg.Backend.Stats(c.Request.Context())
	if err != nil {
		s.writeError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"doc_count":      stats.DocCount,
		"systems":        stats.Systems,
		"vehicletypes":   stats.VehicleTypes,
		"popularity_avg": stats.PopularityAvg,
		"popularity_max": stats.PopularityMax,
		"fusion_weights": gin.H{
			"rerank":     s.cfg.Weights.Rerank,
			"cosine":     s.cfg.Weights.Cosine,
			"bm25":       s.cfg.Weights.BM25,
			"kg_prior":   s.cfg.Weights.KGPrior,
			"popularity": s.cfg.Weights.Popularity,
		},
	})
}

// writeError maps a coded error onto its HTTP status. When the pipeline
// produced a degraded response (all sources failed), it rides along so
// callers still see the no_match decision.
func (s *Server) writeError(c *gin.Context, err error, resp *match.Response) {
	status := errors.HTTPStatus(err)
	body := gin.H{
		"error":   errors.GetCode(err),
		"message": err.Error(),
	}
	if resp != nil {
		body["decision"] = resp.Decision
		body["query"] = resp.Query
	}
	attrs := []any{"status", status}
	for k, v := range errors.FormatForLog(err) {
		attrs = append(attrs, k, v)
	}
	s.logger.Warn("request failed", attrs...)
	c.JSON(status, body)
}

func intQuery(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

func boolQuery(c *gin.Context, name string, fallback bool) bool {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return v
}

func boolOrDefault(v *bool, fallback bool) bool {
	if v == nil {
		return fallback
	}
	return *v
}
