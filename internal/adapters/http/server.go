// Package http provides the HTTP server and handlers.
package http //nolint:revive // package name conflicts with stdlib but is acceptable in this context

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/jobrunner/rastercat/internal/application"
	"github.com/jobrunner/rastercat/internal/config"
	"github.com/jobrunner/rastercat/internal/logging"
	"github.com/jobrunner/rastercat/internal/ports/input"
)

// requestIDHeader carries the request id in both directions.
const requestIDHeader = "X-Request-ID"

// Rebuilder triggers a catalog rebuild.
type Rebuilder interface {
	TriggerRebuild(ctx context.Context) (application.RebuildResult, error)
}

// Mirrorer triggers a remote raster mirror pass.
type Mirrorer interface {
	TriggerMirror(ctx context.Context) (application.MirrorResult, error)
}

// Services bundles the application ports served over HTTP.
type Services struct {
	Resolver  input.FeatureResolver
	Catalog   input.CatalogReader
	Health    input.HealthChecker
	Rebuilder Rebuilder
	Mirror    Mirrorer // nil when rasters are not mirrored
}

// Metrics exposes request instrumentation and the scrape endpoint.
type Metrics interface {
	Middleware(next http.Handler) http.Handler
	Handler() http.Handler
}

// Server wraps the HTTP server with application handlers.
type Server struct {
	server   *http.Server
	router   *mux.Router
	services Services
	metrics  Metrics
	logger   *slog.Logger
	config   config.ServerConfig
	mcfg     config.MetricsConfig
}

// NewServer creates a new HTTP server. metrics may be nil.
func NewServer(
	cfg config.ServerConfig,
	mcfg config.MetricsConfig,
	services Services,
	metrics Metrics,
	logger *slog.Logger,
) *Server {
	s := &Server{
		services: services,
		metrics:  metrics,
		logger:   logger,
		config:   cfg,
		mcfg:     mcfg,
	}

	s.router = s.setupRoutes()

	s.server = &http.Server{
		Addr:              cfg.Address(),
		Handler:           s.router,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
	}

	return s
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() *mux.Router {
	r := mux.NewRouter()

	// Add middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	if s.metrics != nil && s.mcfg.Enabled {
		r.Use(s.metrics.Middleware)
	}

	// Add CORS middleware if configured
	if s.config.CORS.Enabled() {
		r.Use(s.corsMiddleware)
	}

	// Health endpoints
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/health/live", s.handleLiveness).Methods(http.MethodGet)
	r.HandleFunc("/health/ready", s.handleReadiness).Methods(http.MethodGet)

	// API v1
	api := r.PathPrefix("/api/v1").Subrouter()

	// Feature endpoints
	api.HandleFunc("/features", s.handleFeatures).Methods(http.MethodGet)
	api.HandleFunc("/features", s.handleFeaturesBatch).Methods(http.MethodPost)

	// Catalog endpoints
	api.HandleFunc("/catalog", s.handleCatalog).Methods(http.MethodGet)
	api.HandleFunc("/catalog/rasters", s.handleListRasters).Methods(http.MethodGet)
	api.HandleFunc("/catalog/rasters/{id}", s.handleGetRaster).Methods(http.MethodGet)
	api.HandleFunc("/catalog/coverage", s.handleCoverage).Methods(http.MethodGet)
	if s.services.Rebuilder != nil {
		api.HandleFunc("/catalog/rebuild", s.handleRebuild).Methods(http.MethodPost)
	}

	// Mirror endpoint (only if rasters come from remote storage)
	if s.services.Mirror != nil {
		api.HandleFunc("/mirror", s.handleMirror).Methods(http.MethodPost)
	}

	// Metrics endpoint
	if s.metrics != nil && s.mcfg.Enabled {
		r.Handle(s.mcfg.Path, s.metrics.Handler()).Methods(http.MethodGet)
	}

	// OpenAPI spec
	r.HandleFunc("/openapi.json", s.handleOpenAPI).Methods(http.MethodGet)

	return r
}

// Router returns the mux router.
func (s *Server) Router() *mux.Router {
	return s.router
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", "address", s.config.Address())
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// requestIDMiddleware attaches a request id to the context and response.
// An incoming X-Request-ID header is reused.
func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := logging.WithRequestID(r.Context(), r.Header.Get(requestIDHeader))
		w.Header().Set(requestIDHeader, logging.RequestID(ctx))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// loggingMiddleware logs incoming requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Wrap response writer to capture status code
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		s.logger.InfoContext(r.Context(), "request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"duration", time.Since(start),
			"remote_addr", r.RemoteAddr,
		)
	})
}

// recoveryMiddleware recovers from panics.
func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				s.logger.ErrorContext(r.Context(), "panic recovered", "error", err, "path", r.URL.Path)
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
