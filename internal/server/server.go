// Package server exposes the daemon's status/notification HTTP surface:
// a process health endpoint and the unified SSE event stream the status
// frontend consumes. It serves no account endpoints. It
// never accepts commands that mutate enforcement state — that boundary
// runs through the gateway and the dispatcher, not this API.
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

	"github.com/riskpilot/guardian/internal/events"
)

// Server is the status/notification HTTP surface (spec.md's supplemented
// process health + SSE stream endpoints).
type Server struct {
	router *chi.Mux
	http   *http.Server
	log    zerolog.Logger
}

// Config bundles everything the router needs to wire its handlers.
type Config struct {
	Log     zerolog.Logger
	Port    int
	DevMode bool
	Bus     *events.Bus
	Health  *HealthCollector
}

// New builds the router and its underlying http.Server; call Start to
// begin listening.
func New(cfg Config) *Server {
	s := &Server{
		router: chi.NewRouter(),
		log:    cfg.Log.With().Str("component", "server").Logger(),
	}

	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Timeout(30 * time.Second))
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	if !cfg.DevMode {
		s.router.Use(middleware.Compress(5))
	}

	healthHandlers := NewHealthHandlers(cfg.Health, s.log)
	eventsHandler := NewEventsStreamHandler(cfg.Bus, s.log)

	s.router.Get("/api/health", healthHandlers.HandleHealth)
	s.router.Get("/api/events/stream", eventsHandler.ServeHTTP)

	s.http = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // the SSE stream is long-lived; writes are bounded by flush cadence instead
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start runs the HTTP server until it errors or is shut down. Matches
// http.Server.ListenAndServe's contract: always returns a non-nil error,
// http.ErrServerClosed on a clean Shutdown.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("starting status API")
	return s.http.ListenAndServe()
}

// Shutdown drains in-flight requests (including open SSE connections)
// within ctx's deadline, per spec's configurable shutdown grace window.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("shutting down status API")
	return s.http.Shutdown(ctx)
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
			Msg("http request")
	})
}
