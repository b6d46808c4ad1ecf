package bridge

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"intentbridge/internal/articulation"
	"intentbridge/internal/worker"
)

// Metrics holds the Prometheus collectors of one Bridge.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	QueueDepth      prometheus.Gauge
	InFlight        prometheus.Gauge
	WorkerStarts    prometheus.Counter
	WorkerState     *prometheus.GaugeVec
	ParsesTotal     *prometheus.CounterVec
}

// NewMetrics registers the bridge collectors with registerer. A nil
// registerer creates unregistered collectors.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "intentbridge_requests_total",
				Help: "Dispatched requests by outcome (ok or the failure kind)",
			},
			[]string{"outcome"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "intentbridge_request_duration_seconds",
				Help:    "Time from dispatch to response",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
			},
			[]string{"outcome"},
		),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "intentbridge_queue_depth",
			Help: "Requests waiting for dispatch",
		}),
		InFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "intentbridge_in_flight",
			Help: "1 while a request is with the worker",
		}),
		WorkerStarts: factory.NewCounter(prometheus.CounterOpts{
			Name: "intentbridge_worker_spawn_attempts_total",
			Help: "Worker spawn attempts",
		}),
		WorkerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "intentbridge_worker_state",
				Help: "1 for the current worker lifecycle state",
			},
			[]string{"state"},
		),
		ParsesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "intentbridge_parses_total",
				Help: "Answers parsed by method (strict, normalized, lenient, failed)",
			},
			[]string{"method"},
		),
	}
}

func (m *Metrics) recordRequest(outcome string, d time.Duration) {
	m.RequestsTotal.WithLabelValues(outcome).Inc()
	m.RequestDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

func (m *Metrics) recordParse(method articulation.ParseMethod) {
	m.ParsesTotal.WithLabelValues(string(method)).Inc()
}

// stateHook keeps WorkerState and WorkerStarts in step with the manager.
func (m *Metrics) stateHook(from, to worker.State) {
	m.WorkerState.WithLabelValues(from.String()).Set(0)
	m.WorkerState.WithLabelValues(to.String()).Set(1)
	if to == worker.StateStarting {
		m.WorkerStarts.Inc()
	}
}
