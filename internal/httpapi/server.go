// Package httpapi exposes the pipeline over HTTP: a synchronous run
// endpoint, a server-sent-event stream with one event per stage, run
// history, health and metrics.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"ledger-insight/internal/metrics"
	"ledger-insight/internal/pipeline"
	"ledger-insight/internal/storage"
)

const (
	defaultListLimit = 20
	maxListLimit     = 200
	maxQueryLen      = 1000
)

// Streamer runs the pipeline, reporting each stage as it completes.
type Streamer interface {
	Stream(ctx context.Context, query string, observe pipeline.Observer) (*pipeline.Result, error)
}

// RunLister lists persisted runs.
type RunLister interface {
	ListRecentRuns(ctx context.Context, limit int) ([]storage.RunSummary, error)
}

// Options configure the handler set.
type Options struct {
	ReasoningEnabled bool
	Release          bool
}

// Server holds the gin router and its collaborators.
type Server struct {
	router   *gin.Engine
	pipeline Streamer
	runs     RunLister
	metrics  *metrics.Metrics
	opts     Options
	logger   zerolog.Logger
}

// New wires the routes. runs may be nil when persistence is disabled.
func New(p Streamer, runs RunLister, m *metrics.Metrics, opts Options, logger zerolog.Logger) *Server {
	if opts.Release {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		router:   gin.New(),
		pipeline: p,
		runs:     runs,
		metrics:  m,
		opts:     opts,
		logger:   logger.With().Str("component", "httpapi").Logger(),
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupMiddleware() {
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
		s.logger.Error().Interface("panic", recovered).Str("path", c.Request.URL.Path).Msg("panic recovered")
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))
	s.router.Use(s.metrics.Middleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		event := s.logger.Info()
		switch {
		case status >= 500:
			event = s.logger.Error()
		case status >= 400:
			event = s.logger.Warn()
		}
		event.Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Int64("latency_ms", time.Since(start).Milliseconds()).
			Msg("request completed")
	}
}

func (s *Server) setupRoutes() {
	s.router.GET("/metrics", s.metrics.Handler())

	api := s.router.Group("/api")
	api.GET("/health", s.healthHandler)
	api.POST("/run", s.runHandler)
	api.GET("/run/stream", s.streamHandler)
	api.GET("/runs", s.listRunsHandler)
}

func (s *Server) healthHandler(c *gin.Context) {
	mode := "off"
	if s.opts.ReasoningEnabled {
		mode = "claude"
	}
	c.JSON(http.StatusOK, gin.H{
		"ok":        true,
		"reasoning": mode,
		"storage":   s.runs != nil,
	})
}

type runRequest struct {
	Query string `json:"query"`
}

func (s *Server) runHandler(c *gin.Context) {
	var req runRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	query, ok := validQuery(c, req.Query)
	if !ok {
		return
	}

	result, err := s.pipeline.Stream(c.Request.Context(), query, nil)
	if err != nil {
		status, code := errorStatus(err)
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

// streamHandler emits one SSE event per stage, named after the stage, then a
// final "done" event with the full bundle or an "error" event.
func (s *Server) streamHandler(c *gin.Context) {
	query, ok := validQuery(c, c.Query("q"))
	if !ok {
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	result, err := s.pipeline.Stream(c.Request.Context(), query, func(ev pipeline.StageEvent) {
		c.SSEvent(string(ev.Stage), ev)
		c.Writer.Flush()
	})
	if err != nil {
		_, code := errorStatus(err)
		c.SSEvent("error", gin.H{"error": code, "message": err.Error()})
		c.Writer.Flush()
		return
	}
	c.SSEvent("done", result)
	c.Writer.Flush()
}

func (s *Server) listRunsHandler(c *gin.Context) {
	if s.runs == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "storage_disabled", "message": "Run history is not configured"})
		return
	}

	limit := defaultListLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit", "message": "limit must be a positive integer"})
			return
		}
		limit = min(parsed, maxListLimit)
	}

	runs, err := s.runs.ListRecentRuns(c.Request.Context(), limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("list runs failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed", "message": "Failed to list runs"})
		return
	}

	out := make([]gin.H, 0, len(runs))
	for _, r := range runs {
		out = append(out, gin.H{
			"id":         r.ID,
			"created_at": r.CreatedAt,
			"query":      r.QueryText,
			"risk_score": r.RiskScore.InexactFloat64(),
			"flag_count": r.FlagCount,
			"action":     r.ComplianceAction,
		})
	}
	c.JSON(http.StatusOK, gin.H{"runs": out})
}

// validQuery rejects blank or oversized queries at the boundary.
func validQuery(c *gin.Context, raw string) (string, bool) {
	query := strings.TrimSpace(raw)
	if query == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_query", "message": "query is required"})
		return "", false
	}
	if len(query) > maxQueryLen {
		c.JSON(http.StatusBadRequest, gin.H{"error": "query_too_long", "message": "query exceeds 1000 characters"})
		return "", false
	}
	return query, true
}

func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, pipeline.ErrEmptyQuery):
		return http.StatusBadRequest, "missing_query"
	case errors.Is(err, pipeline.ErrStageTimeout):
		return http.StatusGatewayTimeout, "stage_timeout"
	default:
		return http.StatusInternalServerError, "pipeline_failed"
	}
}
