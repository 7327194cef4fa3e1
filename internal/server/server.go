// Package server exposes the thin HTTP admin surface: batch run triggers,
// run history, and service health.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/aristath/riskbatch/internal/batch"
	"github.com/aristath/riskbatch/internal/database"
)

// batchRunner is the slice of the orchestrator the server needs.
type batchRunner interface {
	Run(ctx context.Context, scope batch.Scope, backfill bool, source batch.Source) (*batch.RunSummary, error)
}

// onboarder is the slice of the onboarding driver the server needs.
type onboarder interface {
	Onboard(ctx context.Context, portfolioID string) (*batch.RunSummary, error)
}

// Config holds server configuration
type Config struct {
	Log          zerolog.Logger
	Port         int
	DevMode      bool
	PortfolioDB  *database.DB
	CacheDB      *database.DB
	RunsDB       *database.DB
	Orchestrator batchRunner
	Onboarding   onboarder
	Tracker      *batch.Tracker
	History      *batch.History
}

// Server represents the HTTP admin server
type Server struct {
	router      *chi.Mux
	server      *http.Server
	log         zerolog.Logger
	baseCtx     context.Context
	portfolioDB *database.DB
	cacheDB     *database.DB
	runsDB      *database.DB
	orc         batchRunner
	onboarding  onboarder
	tracker     *batch.Tracker
	history     *batch.History
	startedAt   time.Time
}

// New creates a new HTTP server. Background runs triggered over HTTP inherit
// baseCtx, so a service shutdown cancels them cooperatively.
func New(baseCtx context.Context, cfg Config) *Server {
	s := &Server{
		router:      chi.NewRouter(),
		log:         cfg.Log.With().Str("component", "server").Logger(),
		baseCtx:     baseCtx,
		portfolioDB: cfg.PortfolioDB,
		cacheDB:     cfg.CacheDB,
		runsDB:      cfg.RunsDB,
		orc:         cfg.Orchestrator,
		onboarding:  cfg.Onboarding,
		tracker:     cfg.Tracker,
		history:     cfg.History,
		startedAt:   time.Now().UTC(),
	}

	s.setupMiddleware(cfg.DevMode)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupMiddleware configures middleware
func (s *Server) setupMiddleware(devMode bool) {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Timeout(60 * time.Second))

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if !devMode {
		s.router.Use(middleware.Compress(5))
	}
}

// setupRoutes configures all routes
func (s *Server) setupRoutes() {
	// Liveness probe (no DB access)
	s.router.Get("/health", s.handleLiveness)

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Route("/batch", func(r chi.Router) {
			r.Post("/run", s.handleTriggerRun)
			r.Get("/runs", s.handleListRuns)
			r.Get("/runs/{id}", s.handleGetRun)
		})

		r.Post("/portfolios/{id}/onboard", s.handleOnboard)
	})
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// Router exposes the handler for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
