package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/pearmediallc/campaignlaunchermulti-sub007/internal/config"
	"github.com/pearmediallc/campaignlaunchermulti-sub007/internal/credential"
	"github.com/pearmediallc/campaignlaunchermulti-sub007/internal/launch"
	"github.com/pearmediallc/campaignlaunchermulti-sub007/internal/metrics"
	"github.com/pearmediallc/campaignlaunchermulti-sub007/internal/repository"
)

// Server is the HTTP API server
type Server struct {
	router       *chi.Mux
	httpServer   *http.Server
	orchestrator *launch.Orchestrator
	requests     *repository.RequestRepository
	failures     *repository.FailureRepository
	pool         *credential.Pool
	metrics      *metrics.Metrics
	config       *config.APIConfig
	metricsCfg   *config.MetricsConfig
	logger       *slog.Logger
	startTime    time.Time
}

// NewServer creates a new API server
func NewServer(orchestrator *launch.Orchestrator, requests *repository.RequestRepository,
	failures *repository.FailureRepository, pool *credential.Pool, m *metrics.Metrics,
	cfg *config.APIConfig, metricsCfg *config.MetricsConfig, logger *slog.Logger) *Server {

	s := &Server{
		router:       chi.NewRouter(),
		orchestrator: orchestrator,
		requests:     requests,
		failures:     failures,
		pool:         pool,
		metrics:      m,
		config:       cfg,
		metricsCfg:   metricsCfg,
		logger:       logger,
		startTime:    time.Now(),
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures the HTTP routes
func (s *Server) setupRoutes() {
	// Middleware
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Recoverer)

	// Health check (no auth required)
	s.router.Get("/health", s.handleHealth)

	if s.metricsCfg != nil && s.metricsCfg.Enabled {
		s.router.Handle(s.metricsCfg.Path, s.metrics.Handler())
	}

	// API v1 routes (auth required)
	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Post("/jobs", s.handleCreateJob)
		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/{id}", s.handleJobStatus)
		r.Delete("/jobs/{id}", s.handleCancelJob)
		r.Get("/queue", s.handleQueue)
		r.Delete("/queue/{id}", s.handleCancelRequest)
		r.Get("/failures", s.handleFailures)
	})
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Addr:           s.config.ListenAddr,
		Handler:        s.router,
		MaxHeaderBytes: s.config.MaxHeaderBytes,
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		IdleTimeout:    s.config.IdleTimeout,
	}

	s.logger.Info("starting HTTP API server", "addr", s.config.ListenAddr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP API server")
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
