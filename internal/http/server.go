// Package http serves the ingestd ops API: health, Prometheus metrics, run
// submission and lookup, and optionally search and batch embedding.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/fyrsmithlabs/ingestd/internal/ingest"
	"github.com/fyrsmithlabs/ingestd/internal/logging"
	"github.com/fyrsmithlabs/ingestd/internal/runs"
	"github.com/fyrsmithlabs/ingestd/internal/vectorstore"
	"github.com/fyrsmithlabs/ingestd/internal/worker"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Submitter schedules runs.
type Submitter interface {
	Submit(job worker.Job) (runs.Run, error)
}

// RunLookup returns run snapshots.
type RunLookup interface {
	Get(id string) (runs.Run, error)
}

// PoolStats reports worker occupancy for /health.
type PoolStats interface {
	Running() int
	Cap() int
}

// Searcher ranks a tenant's indexed chunks against a query vector.
type Searcher interface {
	Search(ctx context.Context, tenant ingest.TenantID, query []float32, k int) ([]vectorstore.RankedResult, error)
}

// Embedder turns texts into vectors.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
	ModelID() string
}

const (
	defaultSearchK = 10
	maxSearchK     = 100
	maxBatchTexts  = 256
)

// Config holds HTTP server configuration.
type Config struct {
	Host    string
	Port    int
	Version string
}

// Server provides the ops endpoints.
type Server struct {
	echo    *echo.Echo
	jobs    Submitter
	runs    RunLookup
	pool    PoolStats
	index   Searcher
	embed   Embedder
	logger  *zap.Logger
	config  *Config
	metrics *HTTPMetrics
}

// Option configures a Server.
type Option func(*Server)

// WithPoolStats adds worker occupancy to /health.
func WithPoolStats(p PoolStats) Option {
	return func(s *Server) { s.pool = p }
}

// WithSearch enables POST /api/v1/search and POST /api/v1/embeddings/batch.
func WithSearch(idx Searcher, emb Embedder) Option {
	return func(s *Server) {
		s.index = idx
		s.embed = emb
	}
}

// NewServer creates the server and registers its routes.
func NewServer(jobs Submitter, lookup RunLookup, logger *zap.Logger, cfg *Config, opts ...Option) (*Server, error) {
	if jobs == nil || lookup == nil {
		return nil, fmt.Errorf("submitter and run lookup are required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{Host: "localhost", Port: 9090}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:    e,
		jobs:    jobs,
		runs:    lookup,
		logger:  logger,
		config:  cfg,
		metrics: NewHTTPMetrics(logger),
	}
	for _, opt := range opts {
		opt(s)
	}

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(s.accessLog)
	e.Use(s.metrics.MetricsMiddleware())

	s.registerRoutes()
	return s, nil
}

// accessLog logs each request and carries the request ID in its context.
func (s *Server) accessLog(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		reqID := c.Response().Header().Get(echo.HeaderXRequestID)
		req := c.Request()
		c.SetRequest(req.WithContext(logging.WithRequestID(req.Context(), reqID)))

		err := next(c)

		s.logger.Info("http request",
			zap.String("method", req.Method),
			zap.String("uri", req.RequestURI),
			zap.Int("status", c.Response().Status),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", reqID),
		)
		return err
	}
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/runs", s.handleSubmitRun)
	v1.GET("/runs/:id", s.handleGetRun)
	if s.embed != nil {
		v1.POST("/embeddings/batch", s.handleEmbedBatch)
		if s.index != nil {
			v1.POST("/search", s.handleSearch)
		}
	}
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.echo }

func (s *Server) handleHealth(c echo.Context) error {
	resp := HealthResponse{Status: "ok", Version: s.config.Version}
	if s.pool != nil {
		resp.Workers = &WorkerStats{Running: s.pool.Running(), Capacity: s.pool.Cap()}
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleSubmitRun(c echo.Context) error {
	var req SubmitRunRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid run request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	run, err := s.jobs.Submit(worker.Job{TenantID: req.TenantID, Source: req.Source})
	switch {
	case err == nil:
	case errors.Is(err, ingest.ErrInvalidTenant), errors.Is(err, ingest.ErrInvalidSource):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, worker.ErrBusy), errors.Is(err, worker.ErrClosed):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.Error("submitting run failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to submit run")
	}

	return c.JSON(http.StatusAccepted, SubmitRunResponse{
		RunID:    run.ID,
		TenantID: run.TenantID,
		Status:   run.Status,
	})
}

func (s *Server) handleGetRun(c echo.Context) error {
	run, err := s.runs.Get(c.Param("id"))
	if errors.Is(err, runs.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "run not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, run)
}

func (s *Server) handleSearch(c echo.Context) error {
	var req SearchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := req.TenantID.Validate(); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Query == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query is required")
	}
	if req.K == 0 {
		req.K = defaultSearchK
	}
	if req.K < 0 || req.K > maxSearchK {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("k must be between 1 and %d", maxSearchK))
	}

	ctx := c.Request().Context()
	vecs, err := s.embed.Embed(ctx, []string{req.Query})
	if err == nil && len(vecs) != 1 {
		err = fmt.Errorf("got %d vectors for one query", len(vecs))
	}
	if err != nil {
		s.logger.Error("embedding search query failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadGateway, "failed to embed query")
	}

	results, err := s.index.Search(ctx, req.TenantID, vecs[0], req.K)
	switch {
	case err == nil:
	case errors.Is(err, vectorstore.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "index not found")
	case errors.Is(err, vectorstore.ErrDimensionMismatch):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		s.logger.Error("search failed", zap.String("tenant", req.TenantID.String()), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "search failed")
	}

	return c.JSON(http.StatusOK, SearchResponse{TenantID: req.TenantID, Results: results})
}

func (s *Server) handleEmbedBatch(c echo.Context) error {
	var req EmbedBatchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if len(req.Texts) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "texts is required")
	}
	if len(req.Texts) > maxBatchTexts {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, fmt.Sprintf("at most %d texts per batch", maxBatchTexts))
	}

	vecs, err := s.embed.Embed(c.Request().Context(), req.Texts)
	if err != nil {
		s.logger.Error("batch embedding failed", zap.Int("texts", len(req.Texts)), zap.Error(err))
		return echo.NewHTTPError(http.StatusBadGateway, "failed to embed texts")
	}
	return c.JSON(http.StatusOK, EmbedBatchResponse{
		Vectors:   vecs,
		Model:     s.embed.ModelID(),
		Dimension: s.embed.Dimension(),
	})
}

// Start listens on the configured address. It returns http.ErrServerClosed
// after Shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
