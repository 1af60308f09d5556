package exec

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes scheduler behavior to Prometheus (namespace
// "flowmesh", subsystem "scheduler"):
//
//   - inflight_steps (gauge): steps currently dispatched to workers
//   - queue_depth (gauge): executions waiting for an in-flight slot
//   - step_latency_seconds (histogram, by status): dispatch round-trip
//   - retries_total (counter): step retry attempts
//   - checkpoint_failures_total (counter): checkpoint write or
//     verification failures
type Metrics struct {
	inflight           prometheus.Gauge
	queueDepth         prometheus.Gauge
	stepLatency        *prometheus.HistogramVec
	retries            prometheus.Counter
	checkpointFailures prometheus.Counter
}

// NewMetrics registers the scheduler metric family with registry
// (prometheus.DefaultRegisterer when nil).
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		inflight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "flowmesh", Subsystem: "scheduler", Name: "inflight_steps",
			Help: "Steps currently dispatched and awaiting a worker reply.",
		}),
		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "flowmesh", Subsystem: "scheduler", Name: "queue_depth",
			Help: "Executions queued for an in-flight slot.",
		}),
		stepLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "flowmesh", Subsystem: "scheduler", Name: "step_latency_seconds",
			Help:    "Step dispatch round-trip latency.",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5, 10, 60},
		}, []string{"status"}),
		retries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "flowmesh", Subsystem: "scheduler", Name: "retries_total",
			Help: "Step retry attempts.",
		}),
		checkpointFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "flowmesh", Subsystem: "scheduler", Name: "checkpoint_failures_total",
			Help: "Checkpoint writes or verifications that failed.",
		}),
	}
}

func (m *Metrics) stepDispatched() {
	if m != nil {
		m.inflight.Inc()
	}
}

func (m *Metrics) stepSettled(status string, seconds float64) {
	if m != nil {
		m.inflight.Dec()
		m.stepLatency.WithLabelValues(status).Observe(seconds)
	}
}

func (m *Metrics) retried() {
	if m != nil {
		m.retries.Inc()
	}
}

func (m *Metrics) checkpointFailed() {
	if m != nil {
		m.checkpointFailures.Inc()
	}
}

func (m *Metrics) setQueueDepth(n int) {
	if m != nil {
		m.queueDepth.Set(float64(n))
	}
}
