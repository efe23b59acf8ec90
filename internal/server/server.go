// Package server hosts the observability HTTP surface: health, per-agent
// status, circuit breaker state, quote-service counters, and a Prometheus
// exposition, behind the usual chi middleware stack.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/silverbrook-labs/tradecore/internal/breaker"
	"github.com/silverbrook-labs/tradecore/internal/domain"
	"github.com/silverbrook-labs/tradecore/internal/metrics"
	"github.com/silverbrook-labs/tradecore/internal/quote"
)

// AgentSnapshotter is satisfied by *supervisor.Supervisor. Accepting an
// interface (rather than importing internal/supervisor directly) keeps this
// package trivially testable with a stub roster.
type AgentSnapshotter interface {
	Snapshot() []domain.AgentRecord
}

// AgentStatus is the per-agent shape served at GET /agents.
type AgentStatus struct {
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
	Restarts  int       `json:"restarts"`
}

// Config bundles every dependency the server's handlers read from.
type Config struct {
	Log          zerolog.Logger
	Port         int
	DevMode      bool
	StartedAt    time.Time
	Agents       AgentSnapshotter
	Breakers     *breaker.Registry
	QuoteService *quote.Service
	Metrics      *metrics.Metrics
	AgentsTotal  int
}

// Server is the observability HTTP server hosted alongside the Supervisor.
type Server struct {
	router    *chi.Mux
	server    *http.Server
	log       zerolog.Logger
	startedAt time.Time
	agents    AgentSnapshotter
	breakers  *breaker.Registry
	quotes    *quote.Service
	metrics   *metrics.Metrics
	agentsTot int
}

// New builds a Server ready to Start.
func New(cfg Config) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		log:       cfg.Log.With().Str("component", "server").Logger(),
		startedAt: cfg.StartedAt,
		agents:    cfg.Agents,
		breakers:  cfg.Breakers,
		quotes:    cfg.QuoteService,
		metrics:   cfg.Metrics,
		agentsTot: cfg.AgentsTotal,
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

func (s *Server) setupMiddleware(devMode bool) {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Timeout(60 * time.Second))
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
	s.router.Get("/agents", s.handleAgents)
	s.router.Get("/breakers", s.handleBreakers)
	s.router.Get("/metrics/quote-service", s.handleQuoteServiceMetrics)

	if s.metrics != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}))
	}
}

// Start runs the HTTP server until it is shut down or fails.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("starting observability HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("shutting down observability HTTP server")
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
