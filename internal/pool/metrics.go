package pool

import (
	"github.com/prometheus/client_golang/prometheus"
)

// poolMetrics holds Prometheus metrics for session bookkeeping.
type poolMetrics struct {
	sessions          *prometheus.GaugeVec
	handshakes        prometheus.Counter
	handshakeFailures prometheus.Counter
	reaped            prometheus.Counter
	invalidated       prometheus.Counter
	acquireWait       prometheus.Histogram
}

func newPoolMetrics(reg prometheus.Registerer) (*poolMetrics, error) {
	m := &poolMetrics{
		sessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "borges",
			Subsystem: "pool",
			Name:      "sessions",
			Help:      "Live upstream sessions by status",
		}, []string{"status"}),
		handshakes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "borges",
			Subsystem: "pool",
			Name:      "handshakes_total",
			Help:      "Total number of successful session handshakes",
		}),
		handshakeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "borges",
			Subsystem: "pool",
			Name:      "handshake_failures_total",
			Help:      "Total number of failed session handshakes",
		}),
		reaped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "borges",
			Subsystem: "pool",
			Name:      "reaped_total",
			Help:      "Total number of idle sessions removed past their TTL",
		}),
		invalidated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "borges",
			Subsystem: "pool",
			Name:      "invalidated_total",
			Help:      "Total number of sessions removed after the upstream rejected them",
		}),
		acquireWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "borges",
			Subsystem: "pool",
			Name:      "acquire_wait_seconds",
			Help:      "Time spent waiting for a free pool slot",
			Buckets:   []float64{.001, .01, .1, .5, 1, 5, 15, 30},
		}),
	}

	for _, c := range []prometheus.Collector{m.sessions, m.handshakes, m.handshakeFailures, m.reaped, m.invalidated, m.acquireWait} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *poolMetrics) recordHandshake(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.handshakeFailures.Inc()
		return
	}
	m.handshakes.Inc()
}

func (m *poolMetrics) recordReaped(n int) {
	if m != nil && n > 0 {
		m.reaped.Add(float64(n))
	}
}

func (m *poolMetrics) recordInvalidated() {
	if m != nil {
		m.invalidated.Inc()
	}
}

func (m *poolMetrics) observeWait(seconds float64) {
	if m != nil {
		m.acquireWait.Observe(seconds)
	}
}

func (m *poolMetrics) updateSessions(active, idle int) {
	if m != nil {
		m.sessions.WithLabelValues(Active.String()).Set(float64(active))
		m.sessions.WithLabelValues(Idle.String()).Set(float64(idle))
	}
}
