// Package api provides the HTTP API server for the control plane.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/repobox/control-plane/internal/api/handlers"
	"github.com/repobox/control-plane/internal/api/health"
	"github.com/repobox/control-plane/internal/api/middleware"
	"github.com/repobox/control-plane/internal/cache"
	"github.com/repobox/control-plane/internal/logs"
	"github.com/repobox/control-plane/internal/orchestrator"
	"github.com/repobox/control-plane/internal/store"
	"github.com/repobox/control-plane/pkg/config"
)

// Version is the current version of the API server.
// This should be set at build time using ldflags.
var Version = "dev"

// Server represents the HTTP API server.
type Server struct {
	router        chi.Router
	httpServer    *http.Server
	engine        *orchestrator.Engine
	store         store.Store
	recorder      *logs.Recorder
	cache         *cache.Cache
	config        *config.Config
	logger        *slog.Logger
	healthChecker *health.Checker
}

// NewServer creates a new API server with the given dependencies.
func NewServer(cfg *config.Config, engine *orchestrator.Engine, st store.Store, rec *logs.Recorder, c *cache.Cache, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		engine:   engine,
		store:    st,
		recorder: rec,
		cache:    c,
		config:   cfg,
		logger:   logger,
	}

	s.healthChecker = health.NewChecker(Version)

	s.setupRouter()
	return s
}

// HealthChecker exposes the checker so callers can register component
// pingers (database, container engine).
func (s *Server) HealthChecker() *health.Checker {
	return s.healthChecker
}

// setupRouter configures the router with middleware and routes.
func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger(s.logger))
	r.Use(middleware.Recovery(s.logger))

	// The log stream holds its connection open; everything else gets a
	// request timeout.
	r.Group(func(r chi.Router) {
		logStreamHandler := handlers.NewLogStreamHandler(s.recorder, s.logger)
		r.Get("/v1/cases/{caseID}/logs/stream", logStreamHandler.Stream)
	})

	r.Group(func(r chi.Router) {
		r.Use(chimiddleware.Timeout(60 * time.Second))

		r.Get("/health", s.healthChecker.Handler())

		r.Route("/v1", func(r chi.Router) {
			casesHandler := handlers.NewCasesHandler(s.engine, s.logger)
			r.Route("/cases", func(r chi.Router) {
				r.Post("/", casesHandler.Create)
				r.Get("/", casesHandler.List)
				r.Route("/{caseID}", func(r chi.Router) {
					r.Get("/", casesHandler.Get)
					r.Get("/preflight", casesHandler.Preflight)
					r.Post("/stop", casesHandler.Stop)
					r.Post("/restart", casesHandler.Restart)
					r.Post("/retry", casesHandler.Retry)
					r.Post("/archive", casesHandler.Archive)
					r.Put("/analyze", casesHandler.SetAnalyzeState)
					r.Put("/visual", casesHandler.SetVisualState)

					logsHandler := handlers.NewLogsHandler(s.store, s.logger)
					r.Get("/logs", logsHandler.List)
				})
			})

			artifactsHandler := handlers.NewArtifactsHandler(s.cache, s.engine, s.logger)
			r.Get("/artifacts", artifactsHandler.Get)
			r.Put("/artifacts", artifactsHandler.Put)
			r.Post("/cases/{caseID}/artifacts", artifactsHandler.Report)
		})
	})

	s.router = r
}

// Start starts the HTTP server.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	s.logger.Info("starting API server", "addr", addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	}
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("shutting down API server")
	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.Server.ShutdownTimeout)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

// Router returns the chi router for testing purposes.
func (s *Server) Router() chi.Router {
	return s.router
}
