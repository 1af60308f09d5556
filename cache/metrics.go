package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes cache behavior to Prometheus.
//
// Counters (namespace "flowmesh", subsystem "cache"):
//   - hits_total, misses_total, evictions_total, integrity_failures_total
//
// Wire into a Cache via Options.Metrics:
//
//	registry := prometheus.NewRegistry()
//	metrics := cache.NewMetrics(registry)
//	c, _ := cache.New(cache.Options{Signer: signer, Metrics: metrics})
type Metrics struct {
	hits              prometheus.Counter
	misses            prometheus.Counter
	evictions         prometheus.Counter
	integrityFailures prometheus.Counter
}

// NewMetrics registers the cache metric family with registry
// (prometheus.DefaultRegisterer when nil).
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		hits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "flowmesh", Subsystem: "cache", Name: "hits_total",
			Help: "Validation cache lookups served from a verified entry.",
		}),
		misses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "flowmesh", Subsystem: "cache", Name: "misses_total",
			Help: "Validation cache lookups that fell through to a producer.",
		}),
		evictions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "flowmesh", Subsystem: "cache", Name: "evictions_total",
			Help: "Entries evicted under capacity pressure.",
		}),
		integrityFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "flowmesh", Subsystem: "cache", Name: "integrity_failures_total",
			Help: "Entries discarded because checksum or signature verification failed.",
		}),
	}
}

type metricKind int

const (
	metricHit metricKind = iota
	metricMiss
	metricEviction
	metricIntegrityFailure
)

func (c *Cache) count(kind metricKind) {
	m := c.opts.Metrics
	if m == nil {
		return
	}
	switch kind {
	case metricHit:
		m.hits.Inc()
	case metricMiss:
		m.misses.Inc()
	case metricEviction:
		m.evictions.Inc()
	case metricIntegrityFailure:
		m.integrityFailures.Inc()
	}
}
