package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	tipMetricsOnce sync.Once
	tipRegistry    *TipMetrics
)

// TipMetrics records the tip lifecycle as seen by the gateway.
type TipMetrics struct {
	tipsCreated     *prometheus.CounterVec
	completions     *prometheus.CounterVec
	webhookEvents   *prometheus.CounterVec
	impactUnits     prometheus.Counter
	providerLatency *prometheus.HistogramVec
	auditDrift      prometheus.Gauge
	feedSubscribers prometheus.Gauge
}

// Tips returns the lazily-initialised tip metrics registered on the default
// Prometheus registry.
func Tips() *TipMetrics {
	tipMetricsOnce.Do(func() {
		tipRegistry = &TipMetrics{
			tipsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "ecotip",
				Subsystem: "ledger",
				Name:      "tips_created_total",
				Help:      "Pending tips created segmented by outcome.",
			}, []string{"outcome"}),
			completions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "ecotip",
				Subsystem: "ledger",
				Name:      "tip_completions_total",
				Help:      "Tip completion attempts segmented by result (applied, duplicate, not_found, error).",
			}, []string{"result"}),
			webhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "ecotip",
				Subsystem: "webhook",
				Name:      "events_total",
				Help:      "Processor webhook deliveries segmented by event kind and outcome.",
			}, []string{"kind", "outcome"}),
			impactUnits: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "ecotip",
				Subsystem: "impact",
				Name:      "units_total",
				Help:      "Impact units credited to creators.",
			}),
			providerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "ecotip",
				Subsystem: "processor",
				Name:      "call_duration_seconds",
				Help:      "Latency distribution for payment processor calls.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation", "outcome"}),
			auditDrift: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "ecotip",
				Subsystem: "audit",
				Name:      "drifting_creators",
				Help:      "Creators whose impact totals disagreed with completed tips in the last audit.",
			}),
			feedSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "ecotip",
				Subsystem: "feed",
				Name:      "subscribers",
				Help:      "Open live tip feed connections.",
			}),
		}
		prometheus.MustRegister(
			tipRegistry.tipsCreated,
			tipRegistry.completions,
			tipRegistry.webhookEvents,
			tipRegistry.impactUnits,
			tipRegistry.providerLatency,
			tipRegistry.auditDrift,
			tipRegistry.feedSubscribers,
		)
	})
	return tipRegistry
}

// RecordTipCreated counts a CreatePendingTip outcome such as "created",
// "not_payable" or "provider_error".
func (m *TipMetrics) RecordTipCreated(outcome string) {
	if m == nil {
		return
	}
	m.tipsCreated.WithLabelValues(labelOrUnknown(outcome)).Inc()
}

// RecordCompletion counts a CompleteTip result and, when applied, the units credited.
func (m *TipMetrics) RecordCompletion(result string, units int64) {
	if m == nil {
		return
	}
	m.completions.WithLabelValues(labelOrUnknown(result)).Inc()
	if result == "applied" && units > 0 {
		m.impactUnits.Add(float64(units))
	}
}

// RecordWebhook counts a processed webhook delivery.
func (m *TipMetrics) RecordWebhook(kind, outcome string) {
	if m == nil {
		return
	}
	m.webhookEvents.WithLabelValues(labelOrUnknown(kind), labelOrUnknown(outcome)).Inc()
}

// ObserveProvider records the latency of a processor call.
func (m *TipMetrics) ObserveProvider(operation string, err error, duration time.Duration) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.providerLatency.WithLabelValues(labelOrUnknown(operation), outcome).Observe(duration.Seconds())
}

// SetAuditDrift publishes the number of drifting creators found by the last audit.
func (m *TipMetrics) SetAuditDrift(count int) {
	if m == nil {
		return
	}
	m.auditDrift.Set(float64(count))
}

// FeedSubscribed adjusts the open feed connection gauge by delta.
func (m *TipMetrics) FeedSubscribed(delta int) {
	if m == nil {
		return
	}
	m.feedSubscribers.Add(float64(delta))
}

func labelOrUnknown(value string) string {
	if value == "" {
		return "unknown"
	}
	return value
}
