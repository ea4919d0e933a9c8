// Package server provides the chi server shell shared by the auth server, the
// gateway and the domain services: middleware, health, metrics and the JSON
// error fallbacks.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/tendant/dealer-sso/internal/metrics"
	"github.com/tendant/dealer-sso/internal/respond"
)

// Server represents the HTTP server.
type Server struct {
	router  *chi.Mux
	server  *http.Server
	health  *HealthHandler
	logger  *slog.Logger
	timeout time.Duration
	extra   []func(http.Handler) http.Handler
}

// Option configures the Server.
type Option func(*Server)

// WithLogger sets the logger for the server.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithRequestTimeout bounds handler execution. Zero disables the bound,
// which the gateway uses for streamed upstream responses.
func WithRequestTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.timeout = d
	}
}

// WithMiddleware adds middleware that runs after the defaults and before
// routing, for every route including health and metrics.
func WithMiddleware(mw ...func(http.Handler) http.Handler) Option {
	return func(s *Server) {
		s.extra = append(s.extra, mw...)
	}
}

// WithReadinessCheck adds a named check run by /readyz.
func WithReadinessCheck(name string, check Check) Option {
	return func(s *Server) {
		s.health.AddCheck(name, check)
	}
}

// NewServer creates a new HTTP server with default middleware.
func NewServer(addr string, opts ...Option) *Server {
	r := chi.NewRouter()

	s := &Server{
		router:  r,
		health:  NewHealthHandler(),
		logger:  slog.Default(),
		timeout: 30 * time.Second,
	}

	for _, opt := range opts {
		opt(s)
	}

	// Default middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if s.timeout > 0 {
		r.Use(middleware.Timeout(s.timeout))
	}
	r.Use(RequestLogger(s.logger))
	r.Use(metrics.Middleware)
	r.Use(s.extra...)

	r.NotFound(respond.NotFound)
	r.MethodNotAllowed(respond.MethodNotAllowed)

	r.Get("/healthz", s.health.Healthz)
	r.Get("/readyz", s.health.Readyz)
	r.Handle("/metrics", metrics.Handler())
	r.Get("/error", respond.ErrorPage)
	r.Post("/error", respond.ErrorPage)

	writeTimeout := 15 * time.Second
	if s.timeout == 0 {
		writeTimeout = 0
	}
	s.server = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       60 * time.Second,
	}

	return s
}

// RequestLogger logs one line per request with the chi request id.
func RequestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			defer func() {
				logger.Info("request",
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"duration", time.Since(start),
					"request_id", middleware.GetReqID(r.Context()),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

// Router returns the chi router for adding routes.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Health returns the health handler.
func (s *Server) Health() *HealthHandler {
	return s.health
}

// Handler returns the root handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.Info("starting server", "addr", s.server.Addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	return s.server.Shutdown(ctx)
}
