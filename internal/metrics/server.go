package metrics

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Server exposes /metrics and /healthz over HTTP.
type Server struct {
	router chi.Router
	server *http.Server
	ready  func() bool
}

// ServerOptions configures the optional parts of the HTTP server.
type ServerOptions struct {
	// CORSOrigins, when non-empty, enables CORS for browser dashboards.
	CORSOrigins []string
	// Auth, when set, guards /metrics. /healthz stays open for probes.
	Auth func(http.Handler) http.Handler
}

// NewServer builds the HTTP server. ready reports whether the forwarding
// loop has reached its running state.
func NewServer(addr string, c *Collector, ready func() bool, opts ServerOptions) *Server {
	s := &Server{
		router: chi.NewRouter(),
		ready:  ready,
	}

	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)

	if len(opts.CORSOrigins) > 0 {
		s.router.Use(cors.Handler(cors.Options{
			AllowedOrigins: opts.CORSOrigins,
			AllowedMethods: []string{"GET", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Authorization"},
			MaxAge:         300,
		}))
	}

	s.router.Group(func(r chi.Router) {
		if opts.Auth != nil {
			r.Use(opts.Auth)
		}
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(c.Gatherer(), promhttp.HandlerOpts{}))
	})
	s.router.Get("/healthz", s.handleHealth)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the router, for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe blocks until the server stops. http.ErrServerClosed is
// returned after Shutdown.
func (s *Server) ListenAndServe() error {
	log.Info().Str("addr", s.server.Addr).Msg("监控服务监听中")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	running := s.ready != nil && s.ready()

	status := http.StatusOK
	state := "running"
	if !running {
		status = http.StatusServiceUnavailable
		state = "configuring"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"state": state})
}
