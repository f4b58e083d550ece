package feed

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments for a fetcher. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	MessagesTotal   prometheus.Counter
	DroppedTotal    prometheus.Counter
	EvictedTotal    prometheus.Counter
	SnapshotsTotal  *prometheus.CounterVec
	PollFailures    prometheus.Counter
	PollSkipped     prometheus.Counter
	ReconnectsTotal prometheus.Counter
	ConnState       prometheus.Gauge
	WorkingSetSize  prometheus.Gauge
}

// NewMetrics registers the feed metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		MessagesTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "skyaware_stream_messages_total",
			Help: "Incremental messages merged into the working set",
		}),
		DroppedTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "skyaware_stream_messages_dropped_total",
			Help: "Incremental messages discarded for lacking an identifier or failing to decode",
		}),
		EvictedTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "skyaware_stream_evicted_total",
			Help: "Aircraft evicted from the working set as stale",
		}),
		SnapshotsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "skyaware_snapshots_total",
			Help: "Snapshots delivered to the host by backend",
		}, []string{"backend"}),
		PollFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "skyaware_poll_failures_total",
			Help: "Poll requests that failed",
		}),
		PollSkipped: f.NewCounter(prometheus.CounterOpts{
			Name: "skyaware_poll_skipped_total",
			Help: "Poll ticks skipped because a request was still in flight",
		}),
		ReconnectsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "skyaware_stream_reconnects_total",
			Help: "Stream reconnect attempts after fresh credentials",
		}),
		ConnState: f.NewGauge(prometheus.GaugeOpts{
			Name: "skyaware_stream_connection_state",
			Help: "Stream connection state (0 connecting, 1 connected, 2 disconnected, 3 reconnecting, 4 failed)",
		}),
		WorkingSetSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "skyaware_stream_working_set_size",
			Help: "Aircraft currently held in the working set",
		}),
	}
}

func (m *Metrics) snapshot(backend string, workingSet int) {
	if m == nil {
		return
	}
	m.SnapshotsTotal.WithLabelValues(backend).Inc()
	if backend == streamName {
		m.WorkingSetSize.Set(float64(workingSet))
	}
}

func (m *Metrics) message(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.MessagesTotal.Inc()
	} else {
		m.DroppedTotal.Inc()
	}
}

func (m *Metrics) evicted(n int) {
	if m == nil || n == 0 {
		return
	}
	m.EvictedTotal.Add(float64(n))
}

func (m *Metrics) pollFailed() {
	if m != nil {
		m.PollFailures.Inc()
	}
}

func (m *Metrics) pollSkipped() {
	if m != nil {
		m.PollSkipped.Inc()
	}
}

func (m *Metrics) reconnect() {
	if m != nil {
		m.ReconnectsTotal.Inc()
	}
}

func (m *Metrics) state(s ConnState) {
	if m != nil {
		m.ConnState.Set(float64(s))
	}
}
