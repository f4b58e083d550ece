// Package server exposes the latest aircraft snapshot over HTTP and
// WebSocket in the dump1090 aircraft.json schema.
package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/abcd567a/dump1090/internal/logging"
)

// Options configures a Server.
type Options struct {
	// AllowedOrigins lists CORS origins; empty allows any origin
	AllowedOrigins []string

	// RateLimitPerSecond is the per-IP request rate; 0 disables limiting
	RateLimitPerSecond float64
	RateLimitBurst     int

	// TrustProxyHeaders takes the client address from X-Forwarded-For /
	// X-Real-IP. Enable only behind a reverse proxy that sets them.
	TrustProxyHeaders bool

	// Gatherer backs /metrics; nil uses the default registry
	Gatherer prometheus.Gatherer

	Metrics *Metrics
	Logger  *zap.SugaredLogger
}

// Server holds the HTTP router and its dependencies
type Server struct {
	router   *chi.Mux
	hub      *Hub
	logger   *zap.SugaredLogger
	upgrader websocket.Upgrader
	now      func() time.Time
}

// New builds the router for hub.
func New(hub *Hub, opts Options) *Server {
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	if opts.Logger == nil {
		opts.Logger = logging.GetLogger()
	}
	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	s := &Server{
		router: chi.NewRouter(),
		hub:    hub,
		logger: opts.Logger.Named("http"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(origins),
		},
		now: time.Now,
	}
	s.setupRoutes(opts, origins)
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes(opts Options, origins []string) {
	r := s.router

	r.Use(middleware.RequestID)
	if opts.TrustProxyHeaders {
		r.Use(middleware.RealIP)
	}
	r.Use(middleware.Recoverer)
	r.Use(requestMetrics(opts.Metrics, s.logger))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Cache-Control", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))

	r.Group(func(r chi.Router) {
		if opts.RateLimitPerSecond > 0 {
			r.Use(NewRateLimiter(opts.RateLimitPerSecond, opts.RateLimitBurst, opts.Metrics).Middleware)
		}
		r.Get("/data/aircraft.json", s.handleAircraft)
		r.Get("/data/status", s.handleStatus)
		r.Get("/ws", s.handleWebSocket)
	})
}

// handleAircraft serves the latest snapshot, or 503 when none is fresh.
func (s *Server) handleAircraft(w http.ResponseWriter, r *http.Request) {
	snapshot, ok := s.hub.Latest()
	if !ok {
		status := s.hub.Status(s.now())
		msg := "No aircraft data available"
		if status.LastError != "" {
			msg = status.LastError
		}
		respondJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"error": msg,
		})
		return
	}

	w.Header().Set("Cache-Control", "no-cache")
	respondJSON(w, http.StatusOK, snapshot)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.hub.Status(s.now()))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
	})
}

// handleWebSocket streams every snapshot to the client as a text frame.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("WebSocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}
	s.hub.Serve(conn)
}

func originChecker(origins []string) func(r *http.Request) bool {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		allowed[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || allowed[origin]
	}
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
