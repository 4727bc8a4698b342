package cache

import (
	"github.com/prometheus/client_golang/prometheus"
)

// cacheMetrics holds Prometheus metrics for cache operations.
type cacheMetrics struct {
	hits        prometheus.Counter
	misses      prometheus.Counter
	evictions   prometheus.Counter
	expirations prometheus.Counter
	entries     prometheus.Gauge
	bytes       prometheus.Gauge
}

// newCacheMetrics creates and registers cache metrics with reg.
func newCacheMetrics(reg prometheus.Registerer, name string) (*cacheMetrics, error) {
	labels := prometheus.Labels{"cache": name}
	m := &cacheMetrics{
		hits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "borges",
			Subsystem:   "cache",
			Name:        "hits_total",
			ConstLabels: labels,
			Help:        "Total number of cache hits",
		}),
		misses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "borges",
			Subsystem:   "cache",
			Name:        "misses_total",
			ConstLabels: labels,
			Help:        "Total number of cache misses, including expired reads",
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "borges",
			Subsystem:   "cache",
			Name:        "evictions_total",
			ConstLabels: labels,
			Help:        "Total number of entries evicted to respect capacity bounds",
		}),
		expirations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "borges",
			Subsystem:   "cache",
			Name:        "expirations_total",
			ConstLabels: labels,
			Help:        "Total number of entries removed on read past their TTL",
		}),
		entries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "borges",
			Subsystem:   "cache",
			Name:        "entries",
			ConstLabels: labels,
			Help:        "Current number of entries in cache",
		}),
		bytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "borges",
			Subsystem:   "cache",
			Name:        "bytes",
			ConstLabels: labels,
			Help:        "Estimated bytes held by cache entries",
		}),
	}

	for _, c := range []prometheus.Collector{m.hits, m.misses, m.evictions, m.expirations, m.entries, m.bytes} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *cacheMetrics) recordHit() {
	if m != nil {
		m.hits.Inc()
	}
}

func (m *cacheMetrics) recordMiss() {
	if m != nil {
		m.misses.Inc()
	}
}

func (m *cacheMetrics) recordEviction() {
	if m != nil {
		m.evictions.Inc()
	}
}

func (m *cacheMetrics) recordExpiration() {
	if m != nil {
		m.expirations.Inc()
	}
}

// updateSize sets the entry and byte gauges.
func (m *cacheMetrics) updateSize(entries int, bytes int64) {
	if m != nil {
		m.entries.Set(float64(entries))
		m.bytes.Set(float64(bytes))
	}
}
