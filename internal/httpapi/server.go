// Package httpapi exposes the coverage and backfill engine over HTTP.
package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/candlekeep/candlekeep/internal/metrics"
)

type contextKey string

const requestIDKey contextKey = "request_id"

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// DefaultServerConfig returns local-only defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Host:           "127.0.0.1",
		Port:           8080,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   30 * time.Second,
		IdleTimeout:    60 * time.Second,
		RequestTimeout: 25 * time.Second,
	}
}

// Server is the HTTP front of the engine.
type Server struct {
	router   *mux.Router
	server   *http.Server
	handlers *Handlers
	config   ServerConfig
}

// NewServer builds the router and wires all routes.
func NewServer(config ServerConfig, handlers *Handlers, reg *metrics.Registry) *Server {
	router := mux.NewRouter()

	s := &Server{
		router:   router,
		handlers: handlers,
		config:   config,
	}

	router.Use(s.requestIDMiddleware)
	router.Use(s.loggingMiddleware)
	router.Use(s.timeoutMiddleware)

	api := router.PathPrefix("/v1").Subrouter()
	api.HandleFunc("/ensure-coverage", handlers.EnsureCoverage).Methods("POST")
	api.HandleFunc("/run-backfill-worker", handlers.RunWorker).Methods("POST")
	api.HandleFunc("/jobs/{id}", handlers.JobStatus).Methods("GET")

	router.HandleFunc("/health", handlers.Health).Methods("GET")
	router.Handle("/metrics", reg.Handler()).Methods("GET")
	router.NotFoundHandler = http.HandlerFunc(handlers.NotFound)

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", config.Host, config.Port),
		Handler:      router,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}
	return s
}

// Router exposes the handler tree for tests.
func (s *Server) Router() http.Handler { return s.router }

// Start blocks serving HTTP until Shutdown or failure.
func (s *Server) Start() error {
	log.Info().Str("addr", s.server.Addr).Msg("HTTP server listening")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("HTTP server shutting down")
	return s.server.Shutdown(ctx)
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.New().String()[:8]
		ctx := context.WithValue(r.Context(), requestIDKey, requestID)
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapper := &responseWrapper{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapper, r)

		log.Info().
			Str("request_id", requestID(r)).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapper.statusCode).
			Dur("duration", time.Since(start)).
			Msg("Request")
	})
}

func (s *Server) timeoutMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), s.config.RequestTimeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestID(r *http.Request) string {
	if id, ok := r.Context().Value(requestIDKey).(string); ok {
		return id
	}
	return "unknown"
}

// responseWrapper captures status codes for request logging.
type responseWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWrapper) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
