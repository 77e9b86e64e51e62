// Package server exposes the engine over HTTP: backtests, sanity
// reports, portfolio optimization, price imports, and cache
// administration.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/aristath/forge/internal/backtest"
	"github.com/aristath/forge/internal/cache"
	"github.com/aristath/forge/internal/config"
	"github.com/aristath/forge/internal/database"
	"github.com/aristath/forge/internal/optimizer"
	"github.com/aristath/forge/internal/prices"
	"github.com/aristath/forge/internal/sanity"
)

// Config holds everything the server needs.
type Config struct {
	Port      int
	Log       zerolog.Logger
	Cfg       *config.Config
	Engine    *backtest.Engine
	Sanity    *sanity.Analyzer
	Optimizer *optimizer.Optimizer
	Cache     *cache.Service
	Prices    *prices.Store
	Databases []*database.DB
	DevMode   bool
}

// Server is the HTTP front of the engine.
type Server struct {
	router    *chi.Mux
	server    *http.Server
	log       zerolog.Logger
	cfg       *config.Config
	engine    *backtest.Engine
	sanity    *sanity.Analyzer
	optimizer *optimizer.Optimizer
	cache     *cache.Service
	prices    *prices.Store
	databases []*database.DB
	startedAt time.Time
}

// New creates the HTTP server.
func New(cfg Config) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		log:       cfg.Log.With().Str("component", "server").Logger(),
		cfg:       cfg.Cfg,
		engine:    cfg.Engine,
		sanity:    cfg.Sanity,
		optimizer: cfg.Optimizer,
		cache:     cfg.Cache,
		prices:    cfg.Prices,
		databases: cfg.Databases,
		startedAt: time.Now(),
	}

	s.setupMiddleware(cfg.DevMode)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Router exposes the mux for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) setupMiddleware(devMode bool) {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)

	// Long Monte-Carlo runs need headroom beyond the usual minute.
	s.router.Use(middleware.Timeout(120 * time.Second))

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if !devMode {
		s.router.Use(middleware.Compress(5))
	}
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		r.Post("/backtest", s.handleBacktest)
		r.Post("/sanity", s.handleSanity)
		r.Post("/optimize", s.handleOptimize)

		r.Get("/benchmarks/{ticker}", s.handleBenchmark)

		r.Route("/prices", func(r chi.Router) {
			r.Post("/import", s.handlePriceImport)
		})

		r.Route("/cache", func(r chi.Router) {
			r.Get("/stats", s.handleCacheStats)
			r.Delete("/", s.handleCacheFlush)
			r.Delete("/{botId}", s.handleCacheInvalidateBot)
		})

		r.Route("/system", func(r chi.Router) {
			r.Get("/status", s.handleSystemStatus)
		})
	})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

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
