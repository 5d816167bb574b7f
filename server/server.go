// Package server exposes the imagerouter dispatcher as an OpenAI-style HTTP
// image generation API with a small admin surface.
package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ineyio/imagerouter"
	"github.com/ineyio/imagerouter/meter"
)

// Server serves the gateway API.
type Server struct {
	dispatcher *imagerouter.Dispatcher
	pool       *imagerouter.Pool
	apiKey     string
	adminKey   string
	reload     func(ctx context.Context) error
	metrics    *meter.PrometheusMeter
	gatherer   prometheus.Gatherer
	logger     *slog.Logger
}

// Option configures Server.
type Option func(*Server)

// WithAPIKey requires "Authorization: Bearer <key>" on every API route.
func WithAPIKey(key string) Option {
	return func(s *Server) { s.apiKey = key }
}

// WithAdminKey sets a separate bearer key for /admin routes. Without it the
// API key guards them.
func WithAdminKey(key string) Option {
	return func(s *Server) { s.adminKey = key }
}

// WithReloader enables POST /admin/reload.
func WithReloader(fn func(ctx context.Context) error) Option {
	return func(s *Server) { s.reload = fn }
}

// WithMetrics records HTTP metrics on m and serves g at /metrics.
func WithMetrics(m *meter.PrometheusMeter, g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.metrics = m
		s.gatherer = g
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// New creates a Server.
func New(d *imagerouter.Dispatcher, p *imagerouter.Pool, opts ...Option) *Server {
	s := &Server{dispatcher: d, pool: p}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.adminKey == "" {
		s.adminKey = s.apiKey
	}
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.accessLog)
	if s.metrics != nil {
		r.Use(s.observe)
	}

	r.Get("/health", s.handleHealth)
	if s.gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Group(func(r chi.Router) {
		r.Use(bearerAuth(s.apiKey))
		r.Post("/v1/images/generations", s.handleGenerate)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(bearerAuth(s.adminKey))
		r.Get("/tokens", s.handleListTokens)
		r.Post("/tokens/{id}/unban", s.handleUnban)
		r.Post("/reload", s.handleReload)
	})

	return r
}
