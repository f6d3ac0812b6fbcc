// Package api serves the ops endpoints of the collector: health, metrics,
// the event log and a live stream of ticks
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"sensorhub/internal/events"
	"sensorhub/internal/metrics"
)

// Server represents the ops HTTP server
type Server struct {
	router  *chi.Mux
	health  Health
	events  *events.Store
	metrics *metrics.Metrics
	live    *Hub
	logger  zerolog.Logger
	now     func() time.Time
}

// NewServer creates the ops server. events, m and live may be nil; their
// routes are then not registered.
func NewServer(health Health, store *events.Store, m *metrics.Metrics, live *Hub, logger zerolog.Logger) *Server {
	s := &Server{
		router:  chi.NewRouter(),
		health:  health,
		events:  store,
		metrics: m,
		live:    live,
		logger:  logger.With().Str("component", "api").Logger(),
		now:     time.Now,
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures all routes
func (s *Server) setupRoutes() {
	r := s.router

	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.wrap("/healthz", http.HandlerFunc(s.Healthz)))

	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}

	if s.events != nil {
		eventsHandler := NewEventsHandler(s.events)
		r.Get("/api/events", s.wrap("/api/events", http.HandlerFunc(eventsHandler.List)))
	}

	if s.live != nil {
		r.Get("/api/live", s.live.ServeHTTP)
	}
}

func (s *Server) wrap(route string, h http.Handler) http.HandlerFunc {
	if s.metrics == nil {
		return h.ServeHTTP
	}
	return s.metrics.WrapHandler(route, h).ServeHTTP
}

// requestLogger logs each request through zerolog
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		next.ServeHTTP(ww, r)

		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("requestId", middleware.GetReqID(r.Context())).
			Msg("Request")
	})
}

// Router returns the chi router
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Listen binds the ops address
func Listen(addr string) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to bind ops server: %w", err)
	}
	return ln, nil
}

// Serve serves on ln until ctx is cancelled. The listener is closed on return.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", ln.Addr().String()).Msg("Ops server listening")
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	if s.live != nil {
		s.live.Close()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
