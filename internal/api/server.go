// Package api serves the operator HTTP surface: health, active calls, the
// recording catalog and Prometheus metrics.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/echomatrix/echomatrix/internal/api/middleware"
	"github.com/echomatrix/echomatrix/internal/config"
	"github.com/echomatrix/echomatrix/internal/registry"
)

// CallsProvider exposes the ids of currently confirmed calls.
type CallsProvider interface {
	ActiveCallIDs() []string
}

// Server holds handler dependencies and the chi router.
type Server struct {
	router  *chi.Mux
	reg     *registry.DB
	calls   CallsProvider
	cfg     *config.APIConfig
	limiter *middleware.IPRateLimiter
}

// NewServer mounts all routes. gatherer feeds /metrics; reg may be nil when
// the registry is disabled.
func NewServer(cfg *config.APIConfig, calls CallsProvider, reg *registry.DB, gatherer prometheus.Gatherer) *Server {
	rlCfg := middleware.DefaultRateLimitConfig()
	if cfg.RateLimit > 0 {
		rlCfg.Rate = rate.Limit(cfg.RateLimit)
	}
	if cfg.RateBurst > 0 {
		rlCfg.Burst = cfg.RateBurst
	}

	s := &Server{
		router:  chi.NewRouter(),
		reg:     reg,
		calls:   calls,
		cfg:     cfg,
		limiter: middleware.NewIPRateLimiter(rlCfg),
	}
	s.routes(gatherer)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close stops the rate limiter's background cleanup.
func (s *Server) Close() {
	s.limiter.Stop()
}

func (s *Server) routes(gatherer prometheus.Gatherer) {
	r := s.router

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.StructuredLogger)
	r.Use(middleware.RateLimit(s.limiter))

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.BearerAuth(s.cfg.BearerToken))
		r.Get("/calls", s.handleCalls)
		r.Get("/recordings", s.handleRecordings)
	})
}
