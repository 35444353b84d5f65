package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	apimw "github.com/chantrace/chantrace/internal/api/middleware"
	"github.com/chantrace/chantrace/internal/config"
	"github.com/chantrace/chantrace/internal/database"
	"github.com/chantrace/chantrace/internal/tracker"
)

// ChannelTracker exposes read-only snapshots of the channel tracker.
type ChannelTracker interface {
	Channels() []tracker.ChannelInfo
	Stats() tracker.Stats
}

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router  *chi.Mux
	cfg     *config.Config
	tracker ChannelTracker
	events  database.CallEventRepository
	feed    http.Handler
	secret  []byte
	limiter *apimw.IPRateLimiter
}

// NewServer creates the HTTP handler with all routes mounted. The feed
// handler may be nil to disable the WebSocket endpoint.
func NewServer(
	cfg *config.Config,
	ct ChannelTracker,
	events database.CallEventRepository,
	feedHandler http.Handler,
	registry *prometheus.Registry,
	secret []byte,
) *Server {
	s := &Server{
		router:  chi.NewRouter(),
		cfg:     cfg,
		tracker: ct,
		events:  events,
		feed:    feedHandler,
		secret:  secret,
		limiter: apimw.NewIPRateLimiter(apimw.DefaultRateLimitConfig()),
	}

	s.routes(registry)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close stops background middleware state (rate limiter cleanup).
func (s *Server) Close() {
	s.limiter.Stop()
}

// routes configures all middleware and mounts all route groups.
func (s *Server) routes(registry *prometheus.Registry) {
	r := s.router

	// Global middleware stack.
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(apimw.StructuredLogger)
	r.Use(apimw.Recoverer)
	r.Use(apimw.RateLimit(s.limiter))

	r.Route("/api/v1", func(r chi.Router) {
		// Unauthenticated routes.
		r.Get("/health", s.handleHealth)

		// Everything else requires a bearer token.
		r.Group(func(r chi.Router) {
			r.Use(apimw.RequireAuth(s.secret))

			r.Get("/channels", s.handleListChannels)
			r.Get("/stats", s.handleStats)

			r.Route("/calls", func(r chi.Router) {
				r.Get("/", s.handleListCallEvents)
				r.Get("/export", s.handleExportCallEvents)
				r.Post("/purge", s.handlePurgeCallEvents)
				r.Get("/{id}", s.handleGetCallEvent)
			})

			if s.feed != nil {
				r.Handle("/ws", s.feed)
			}
		})
	})

	// Prometheus scrape endpoint.
	if registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	}

	slog.Info("api routes mounted")
}

// handleHealth returns basic health status. Unauthenticated.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
