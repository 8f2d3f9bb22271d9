// Package server exposes the tenant context over HTTP.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/pedromerinno/mnnoschool/internal/config"
	"github.com/pedromerinno/mnnoschool/internal/health"
	"github.com/pedromerinno/mnnoschool/internal/metrics"
	"github.com/pedromerinno/mnnoschool/internal/middleware"
	"github.com/pedromerinno/mnnoschool/internal/tenantctx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Server represents the HTTP server.
type Server struct {
	router     *mux.Router
	httpServer *http.Server
	handlers   *Handlers
	health     *health.HealthChecker
	errors     *errorHandler
	metrics    *metrics.Metrics
	gatherer   prometheus.Gatherer
	logger     *zap.Logger
	cfg        *config.Config
}

// Option configures a Server
type Option func(*Server)

// WithMetrics records HTTP metrics on m and serves gatherer on the metrics path
func WithMetrics(m *metrics.Metrics, gatherer prometheus.Gatherer) Option {
	return func(s *Server) {
		s.metrics = m
		s.gatherer = gatherer
	}
}

// NewServer creates a new HTTP server and registers its routes.
func NewServer(cfg *config.Config, tc *tenantctx.Context, checker *health.HealthChecker, logger *zap.Logger, opts ...Option) *Server {
	router := mux.NewRouter()

	s := &Server{
		router:   router,
		handlers: NewHandlers(tc, logger),
		health:   checker,
		errors:   &errorHandler{logger: logger},
		logger:   logger,
		cfg:      cfg,
		httpServer: &http.Server{
			Addr:         net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
			Handler:      router,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
			IdleTimeout:  cfg.Server.IdleTimeout,
		},
	}
	for _, opt := range opts {
		opt(s)
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	chain := []func(http.Handler) http.Handler{
		middleware.Recovery(s.logger),
		middleware.RequestID,
		middleware.Logging(s.logger),
		middleware.CORS([]string{"*"}),
	}
	if s.metrics != nil {
		chain = append(chain, middleware.Metrics(s.metrics))
	}
	if s.cfg.RateLimiter.Enabled {
		limiter := middleware.NewRateLimiter(
			s.cfg.RateLimiter.RequestsPerSecond,
			s.cfg.RateLimiter.BurstSize,
			s.logger,
		)
		chain = append(chain, limiter.Limit)
	}
	chain = append(chain, middleware.Timeout(s.cfg.Server.RequestTimeout))
	s.router.Use(middleware.Chain(chain...))

	s.router.HandleFunc("/health/live", s.health.LivenessHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/health/ready", s.health.ReadinessHandler).Methods(http.MethodGet)

	if s.cfg.Metrics.Enabled && s.gatherer != nil {
		s.router.Handle(s.cfg.Metrics.Path, promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	v1 := s.router.PathPrefix("/v1").Subrouter()

	v1.HandleFunc("/session", s.handlers.StartSession).Methods(http.MethodPost)
	v1.HandleFunc("/session", s.handlers.EndSession).Methods(http.MethodDelete)

	v1.HandleFunc("/tenants", s.handlers.GetState).Methods(http.MethodGet)
	v1.HandleFunc("/tenants/refresh", s.handlers.Refresh).Methods(http.MethodPost)
	v1.HandleFunc("/tenants/selected", s.handlers.GetSelected).Methods(http.MethodGet)
	v1.HandleFunc("/tenants/selected", s.handlers.Select).Methods(http.MethodPut)
	v1.HandleFunc("/tenants/selected/admin", s.handlers.IsAdmin).Methods(http.MethodGet)

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.errors.WriteErrorResponse(w, r, http.StatusNotFound, ErrorCodeInvalidRequest, "endpoint not found")
	})
	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.errors.WriteErrorResponse(w, r, http.StatusMethodNotAllowed, ErrorCodeInvalidRequest, "method not allowed")
	})
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP server", zap.String("addr", s.httpServer.Addr))

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server and releases the session mount.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server")
	s.handlers.Close()
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}
