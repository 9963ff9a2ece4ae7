// Package httpapi binds the Control Surface onto a gorilla/mux HTTP
// transport (spec §6 Control API, explicitly transport-independent at the
// control package level). Grounded on internal/interfaces/http/server.go's
// Server shape: a mux.Router plus request-id/logging/timeout/CORS
// middleware chain and a responseWrapper for status capture, adapted here
// from a read-only candidates API onto spec §6's adapters/subscriptions/
// stats/pubsub endpoints, with zerolog replacing the teacher's stdlib log
// calls to match this repo's ambient logging.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/meteo-x/marketfeed/internal/control"
	"github.com/meteo-x/marketfeed/internal/errs"
	"github.com/meteo-x/marketfeed/internal/metrics"
)

// Config configures the Control API server.
type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

func (c *Config) applyDefaults() {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 60 * time.Second
	}
}

// Server is the Control API's HTTP transport.
type Server struct {
	router  *mux.Router
	server  *http.Server
	surface *control.Surface
	cfg     Config
}

// New builds a Server exposing surface over HTTP.
func New(cfg Config, surface *control.Surface) *Server {
	cfg.applyDefaults()
	r := mux.NewRouter()
	s := &Server{router: r, surface: surface, cfg: cfg}
	s.setupRoutes()
	s.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(requestIDMiddleware)
	s.router.Use(requestLoggingMiddleware)
	s.router.Use(jsonContentTypeMiddleware)

	s.router.HandleFunc("/adapters", s.handleAdapters).Methods(http.MethodGet)
	s.router.HandleFunc("/subscriptions", s.handleListSubscriptions).Methods(http.MethodGet)
	s.router.HandleFunc("/subscriptions", s.handleAddSubscription).Methods(http.MethodPost)
	s.router.HandleFunc("/subscriptions/{exchange}/{symbol:.+}", s.handleRemoveSubscription).Methods(http.MethodDelete)
	s.router.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	s.router.HandleFunc("/stats/stream", s.handleStatsStream).Methods(http.MethodGet)
	s.router.HandleFunc("/pubsub/status", s.handlePubsubStatus).Methods(http.MethodGet)
	s.router.HandleFunc("/pubsub/toggle", s.handlePubsubToggle).Methods(http.MethodPost)
	s.router.HandleFunc("/migrate", s.handleMigrate).Methods(http.MethodPost)
	s.router.Handle("/metrics", metrics.Handler())

	s.router.NotFoundHandler = http.HandlerFunc(notFound)
}

// Start serves until the process exits or ListenAndServe errors.
func (s *Server) Start() error {
	log.Info().Str("addr", s.cfg.Addr).Msg("control API listening")
	return s.server.ListenAndServe()
}

// Shutdown gracefully drains in-flight requests (spec §5 destroy grace
// period).
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("control API shutting down")
	return s.server.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("encode response")
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	if se, ok := err.(*errs.Error); ok {
		err = se.Redact()
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func notFound(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()[:8]
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

type requestIDKey struct{}

type statusCapture struct {
	http.ResponseWriter
	status int
}

func (w *statusCapture) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func requestLoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusCapture{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		log.Info().
			Str("request_id", fmt.Sprint(r.Context().Value(requestIDKey{}))).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapped.status).
			Dur("duration", time.Since(start)).
			Msg("control api request")
	})
}

func jsonContentTypeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}
