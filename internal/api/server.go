// Package api exposes the decision pipeline over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/sells-group/advisor/internal/config"
	"github.com/sells-group/advisor/internal/decision"
	"github.com/sells-group/advisor/internal/model"
	"github.com/sells-group/advisor/internal/monitoring"
	"github.com/sells-group/advisor/internal/ratelimit"
	"github.com/sells-group/advisor/internal/store"
)

// maxBatchQueries bounds one batch request.
const maxBatchQueries = 200

// Decider is the orchestrator surface the API serves.
type Decider interface {
	Decide(ctx context.Context, q model.DecisionQuery) (*model.DecisionResult, error)
	Current(ctx context.Context, st model.SubjectType, id string) (*model.DecisionResult, error)
	Confirm(ctx context.Context, req decision.ConfirmRequest) (*model.DecisionResult, error)
	DecideBatch(ctx context.Context, queries []model.DecisionQuery, concurrency int) []decision.BatchItem
	List(ctx context.Context, f store.ResultFilter) ([]model.DecisionResult, error)
}

// StatsSource produces the monitoring snapshot.
type StatsSource interface {
	Collect(ctx context.Context, lookbackHours int) (*monitoring.MetricsSnapshot, error)
}

// Server wires handlers to their dependencies.
type Server struct {
	decider  Decider
	stats    StatsSource
	limiter  ratelimit.Limiter
	metrics  http.Handler
	pinger   func(context.Context) error
	auth     config.AuthConfig
	origins  []string
	lookback int
}

// Option configures a Server.
type Option func(*Server)

// WithStats enables GET /api/v1/stats.
func WithStats(s StatsSource, lookbackHours int) Option {
	return func(srv *Server) {
		srv.stats = s
		srv.lookback = lookbackHours
	}
}

// WithLimiter applies per-caller rate limiting to /api/v1.
func WithLimiter(l ratelimit.Limiter) Option {
	return func(s *Server) { s.limiter = l }
}

// WithMetrics mounts a Prometheus handler at /metrics.
func WithMetrics(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithHealthCheck makes /health report the result of ping.
func WithHealthCheck(ping func(context.Context) error) Option {
	return func(s *Server) { s.pinger = ping }
}

// WithAuth configures how the reviewer identity is read.
func WithAuth(cfg config.AuthConfig) Option {
	return func(s *Server) { s.auth = cfg }
}

// WithAllowedOrigins sets the CORS allow list. Empty allows any origin.
func WithAllowedOrigins(origins []string) Option {
	return func(s *Server) { s.origins = origins }
}

// New creates a Server.
func New(d Decider, opts ...Option) *Server {
	s := &Server{
		decider:  d,
		limiter:  ratelimit.Unlimited{},
		lookback: 24,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	origins := s.origins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", actorHeader},
		ExposedHeaders: []string{"Retry-After", "X-RateLimit-Limit", "X-RateLimit-Remaining"},
		MaxAge:         300,
	}))

	r.Get("/health", s.health)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.actor)
		r.Use(s.rateLimit)
		r.Use(middleware.Timeout(2 * time.Minute))

		r.Get("/decisions", s.listDecisions)
		r.Post("/decisions/batch", s.decideBatch)
		r.Route("/decisions/{subjectType}/{subjectID}", func(r chi.Router) {
			r.Post("/", s.decide)
			r.Get("/", s.current)
			r.Post("/confirm", s.confirm)
		})
		r.Get("/stats", s.statsSnapshot)
	})
	return r
}
