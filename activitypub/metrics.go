package activitypub

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects federation counters for Prometheus scraping.
type Metrics struct {
	inboxOutcomes    *prometheus.CounterVec
	deliveryResults  *prometheus.CounterVec
	deliveryLatency  prometheus.Histogram
	breakerOpens     prometheus.Counter
	resolverFailures prometheus.Counter
}

// NewMetrics registers the federation metrics on the given registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		inboxOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mammut_inbox_activities_total",
			Help: "Inbound activities by type and outcome",
		}, []string{"type", "outcome"}),
		deliveryResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mammut_deliveries_total",
			Help: "Outbound delivery attempts by result",
		}, []string{"result"}),
		deliveryLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mammut_delivery_latency_seconds",
			Help:    "Latency of outbound delivery attempts",
			Buckets: prometheus.DefBuckets,
		}),
		breakerOpens: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mammut_circuit_breaker_opens_total",
			Help: "Times a destination circuit breaker opened",
		}),
		resolverFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mammut_resolver_failures_total",
			Help: "Failed remote actor/object resolutions",
		}),
	}

	reg.MustRegister(
		m.inboxOutcomes,
		m.deliveryResults,
		m.deliveryLatency,
		m.breakerOpens,
		m.resolverFailures,
	)

	return m
}

func (m *Metrics) RecordInboxOutcome(activityType string, outcome Outcome) {
	if m == nil {
		return
	}
	m.inboxOutcomes.WithLabelValues(activityType, string(outcome)).Inc()
}

func (m *Metrics) RecordDeliveryResult(result string) {
	if m == nil {
		return
	}
	m.deliveryResults.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordDeliveryLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.deliveryLatency.Observe(d.Seconds())
}

func (m *Metrics) RecordBreakerOpen() {
	if m == nil {
		return
	}
	m.breakerOpens.Inc()
}

func (m *Metrics) RecordResolverFailure() {
	if m == nil {
		return
	}
	m.resolverFailures.Inc()
}
