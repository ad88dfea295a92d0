// Package server provides the HTTP API for the crowd-wisdom engine.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/hyperjump/crowdwisdom/internal/batch"
	"github.com/hyperjump/crowdwisdom/internal/config"
	"github.com/hyperjump/crowdwisdom/internal/engine"
	"github.com/hyperjump/crowdwisdom/internal/metrics"
)

// BatchService triggers and reports on the re-clustering job.
type BatchService interface {
	Trigger(ctx context.Context, full bool) (batch.State, error)
	Status() batch.Status
}

// Server is the HTTP server for the crowd-wisdom API.
type Server struct {
	engine  *engine.Engine
	batch   BatchService // optional; nil disables the batch routes
	metrics *metrics.Metrics
	config  *config.ServerConfig
	logger  *zap.Logger
	server  *http.Server
}

// NewServer creates a server with the given dependencies.
func NewServer(
	eng *engine.Engine,
	batchSvc BatchService,
	m *metrics.Metrics,
	cfg *config.ServerConfig,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		engine:  eng,
		batch:   batchSvc,
		metrics: m,
		config:  cfg,
		logger:  logger,
	}
}

// Handler returns the API router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/queries", s.handleQuery)
		r.Post("/clusters/assign", s.handleAssign)
		r.Get("/clusters/best-templates", s.handleBestTemplates)
		r.Post("/templates", s.handleCreateTemplate)
		r.Post("/templates/select", s.handleSelect)
		r.Post("/usages", s.handleRecordUsage)
		r.Post("/feedback", s.handleFeedback)
		r.Post("/signals", s.handleSoftSignal)
		r.Get("/recommendations", s.handleRecommendations)
		r.Post("/batch/recluster", s.handleRecluster)
		r.Get("/batch/status", s.handleBatchStatus)
	})
	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	return r
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("Starting server", zap.String("addr", addr))
	return s.server.ListenAndServe()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}
