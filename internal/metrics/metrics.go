package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics represents the resilience layer metric set, registered on a
// private registry so multiple instances can coexist in one process.
type Metrics struct {
	registry *prometheus.Registry

	// Error recovery
	ErrorsTotal        *prometheus.CounterVec
	RecoveriesTotal    *prometheus.CounterVec
	NotificationsTotal *prometheus.CounterVec
	BreakerState       prometheus.Gauge
	BreakerTransitions *prometheus.CounterVec

	// Offline queue
	QueueDepth      *prometheus.GaugeVec
	QueueEvents     *prometheus.CounterVec
	DeliveryRetries prometheus.Counter
	BatchDuration   prometheus.Histogram

	// Connection health
	PingLatency       prometheus.Histogram
	PacketLoss        prometheus.Gauge
	QualityLevel      prometheus.Gauge
	Reconnects        prometheus.Counter
	SendsTotal        *prometheus.CounterVec
	SendsDeduplicated prometheus.Counter
}

// New creates the metric set on a fresh registry.
func New(namespace string) *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		ErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Classified failures by category and severity.",
		}, []string{"category", "severity"}),
		RecoveriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recoveries_total",
			Help:      "Recovery attempts by strategy and outcome.",
		}, []string{"strategy", "outcome"}),
		NotificationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "User notifications emitted by severity.",
		}, []string{"severity"}),
		BreakerState: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0 closed, 1 half-open, 2 open).",
		}),
		BreakerTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_transitions_total",
			Help:      "Circuit breaker transitions by target state.",
		}, []string{"state"}),

		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Messages currently queued by priority.",
		}, []string{"priority"}),
		QueueEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_events_total",
			Help:      "Queue lifecycle events (queued, sent, failed, expired, evicted).",
		}, []string{"event"}),
		DeliveryRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_retries_total",
			Help:      "Scheduled message delivery retries.",
		}),
		BatchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_duration_seconds",
			Help:      "Duration of queue processing passes.",
			Buckets:   prometheus.DefBuckets,
		}),

		PingLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ping_latency_seconds",
			Help:      "Round-trip ping latency.",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5},
		}),
		PacketLoss: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "packet_loss_ratio",
			Help:      "Observed ping loss ratio over the sample window.",
		}),
		QualityLevel: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_quality",
			Help:      "Connection quality tier (0 excellent .. 4 critical).",
		}),
		Reconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Transport reconnections observed.",
		}),
		SendsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sends_total",
			Help:      "Outbound sends by route (direct, queued) and outcome.",
		}, []string{"route", "outcome"}),
		SendsDeduplicated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sends_deduplicated_total",
			Help:      "Outbound sends dropped by the duplicate-suppression window.",
		}),
	}
}

// Registry exposes the private registry for the diagnostics endpoint.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
