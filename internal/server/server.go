// Package server exposes the matching pipeline over HTTP. Handlers are
// thin: they parse and validate parameters, call into the match package,
// and translate coded errors onto status codes.
package server

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/autokb/faultmatch/internal/backend"
	"github.com/autokb/faultmatch/internal/calib"
	"github.com/autokb/faultmatch/internal/match"
)

// Config wires the server's collaborators.
type Config struct {
	Engine *match.Engine
	Remote *match.RemoteMatcher
	// Backend serves /opensearch/stats and the health probe.
	Backend backend.Searcher
	// SemanticAvailable reports whether the vector index loaded.
	SemanticAvailable bool
	// DataSources names the retrieval sources this process serves.
	DataSources []string
	// Weights are echoed in /opensearch/stats.
	Weights calib.Weights
	Logger  *slog.Logger
}

// Server is the HTTP surface.
type Server struct {
	cfg    Config
	logger *slog.Logger
	router *gin.Engine
}

// New builds the router. Gin runs in release mode; the caller owns
// listening and shutdown.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	s := &Server{cfg: cfg, logger: logger, router: router}

	router.Use(s.requestLog(), gin.Recovery())

	router.GET("/health", s.handleHealth)
	router.GET("/match", s.handleMatch)
	router.GET("/match/hybrid", s.handleMatchHybrid)
	router.POST("/opensearch/match", s.handleOpenSearchMatch)
	router.GET("/opensearch/stats", s.handleOpenSearchStats)

	return s
}

// Handler returns the http.Handler for this server.
func (s *Server) Handler() *gin.Engine {
	return s.router
}

// requestLog tags every request with an id and logs its outcome.
func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := uuid.NewString()
		c.Set("request_id", requestID)
		start := time.Now()

		c.Next()

		s.logger.Info("http request",
			slog.String("request_id", requestID),
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("elapsed", time.Since(start)))
	}
}
