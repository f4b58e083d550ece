package server

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// limiterIdleTTL is how long a client's bucket survives without requests.
// A forgotten bucket is full again when recreated, so nothing is lost.
const limiterIdleTTL = 10 * time.Minute

// RateLimiter enforces a token bucket per client IP. Buckets of idle
// clients expire so the set stays bounded by recently active peers.
type RateLimiter struct {
	limit   rate.Limit
	burst   int
	idle    time.Duration
	metrics *Metrics

	mu       sync.Mutex
	limiters *cache.Cache
}

// NewRateLimiter allows perSecond sustained requests with the given burst
// for each client IP.
func NewRateLimiter(perSecond float64, burst int, metrics *Metrics) *RateLimiter {
	return newRateLimiter(perSecond, burst, limiterIdleTTL, metrics)
}

func newRateLimiter(perSecond float64, burst int, idle time.Duration, metrics *Metrics) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		limit:    rate.Limit(perSecond),
		burst:    burst,
		idle:     idle,
		metrics:  metrics,
		limiters: cache.New(idle, idle),
	}
}

func (rl *RateLimiter) getLimiter(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	limiter, ok := rl.limiters.Get(ip)
	if !ok {
		limiter = rate.NewLimiter(rl.limit, rl.burst)
	}
	// Re-set on every hit so expiry counts from the last request
	rl.limiters.Set(ip, limiter, rl.idle)
	return limiter.(*rate.Limiter)
}

// Clients returns the number of tracked client buckets.
func (rl *RateLimiter) Clients() int {
	return rl.limiters.ItemCount()
}

// Middleware rejects requests over the limit with 429. Clients are keyed by
// r.RemoteAddr, which is the socket peer unless the router rewrote it from
// trusted proxy headers.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = r.RemoteAddr
		}

		if !rl.getLimiter(ip).Allow() {
			rl.metrics.rateLimited()
			http.Error(w, "Too many requests", http.StatusTooManyRequests)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// statusRecorder wraps http.ResponseWriter to capture the status code.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.written {
		r.statusCode = code
		r.written = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if !r.written {
		r.statusCode = http.StatusOK
		r.written = true
	}
	return r.ResponseWriter.Write(b)
}

// Hijack lets the WebSocket upgrader take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.statusCode = http.StatusSwitchingProtocols
	r.written = true
	return h.Hijack()
}

// requestMetrics records Prometheus metrics and a structured log line for
// each request.
func requestMetrics(m *Metrics, logger *zap.SugaredLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			// The pattern is only known after routing.
			routePattern := "unknown"
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				routePattern = rctx.RoutePattern()
			}
			duration := time.Since(start)

			if m != nil {
				m.HTTPRequestsTotal.WithLabelValues(routePattern, r.Method, strconv.Itoa(wrapped.statusCode)).Inc()
				m.HTTPRequestDuration.WithLabelValues(routePattern, r.Method).Observe(duration.Seconds())
			}
			logger.Debugw("HTTP request completed",
				"method", r.Method,
				"endpoint", routePattern,
				"status_code", wrapped.statusCode,
				"duration_ms", duration.Milliseconds(),
				"remote", r.RemoteAddr,
			)
		})
	}
}
