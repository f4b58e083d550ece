package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the HTTP-side Prometheus metrics.
type Metrics struct {
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	RateLimitedTotal    prometheus.Counter
	Subscribers         prometheus.Gauge
}

// NewMetrics registers the server metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		HTTPRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "skyaware_http_requests_total",
				Help: "Total HTTP requests processed by endpoint, method, and status code",
			},
			[]string{"endpoint", "method", "status_code"},
		),
		HTTPRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "skyaware_http_request_duration_seconds",
				Help:    "HTTP request latency distribution in seconds",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"endpoint", "method"},
		),
		RateLimitedTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "skyaware_http_rate_limited_total",
			Help: "Requests rejected by the per-client rate limit",
		}),
		Subscribers: f.NewGauge(prometheus.GaugeOpts{
			Name: "skyaware_ws_subscribers",
			Help: "Connected WebSocket subscribers",
		}),
	}
}

func (m *Metrics) setSubscribers(n int) {
	if m != nil {
		m.Subscribers.Set(float64(n))
	}
}

func (m *Metrics) rateLimited() {
	if m != nil {
		m.RateLimitedTotal.Inc()
	}
}
