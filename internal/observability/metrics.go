// Package observability provides Prometheus metrics, health/readiness endpoints,
// structured logging, and OpenTelemetry tracing for Gatehouse.
package observability

import (
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome labels every admission decision. Exactly one outcome is recorded
// per request.
type Outcome string

const (
	OutcomeAdmitted      Outcome = "admitted"
	OutcomeAuthRejected  Outcome = "auth_rejected"
	OutcomeUnhealthy     Outcome = "unhealthy_rejected"
	OutcomeRateLimited   Outcome = "rate_limited"
	OutcomeTierMissing   Outcome = "tier_missing"
	OutcomeResolveFailed Outcome = "resolve_failed"
)

// defaultMaxConsumerSeries caps the per-consumer active_connections gauge
// cardinality when NewMetrics is called with maxConsumerSeries <= 0.
const defaultMaxConsumerSeries = 1000

// Metrics holds both Prometheus collectors and atomic counters for fast-path
// access in the admission hot path.
type Metrics struct {
	// Atomic counters for hot-path (no mutex, no allocation).
	admitted      int64
	authRejected  int64
	unhealthy     int64
	rateLimited   int64
	tierMissing   int64
	resolveFailed int64
	forwardErrors int64

	promRequests        *prometheus.CounterVec
	promRequestDuration *prometheus.HistogramVec
	promRateLimited     *prometheus.CounterVec
	promForwardErrors   prometheus.Counter

	promActiveConns *prometheus.GaugeVec
	promUpstreamUp  prometheus.Gauge
	promConsumers   prometheus.Gauge
	promTiers       prometheus.Gauge

	promReconcileEvents    *prometheus.CounterVec
	promReconcileMalformed *prometheus.CounterVec

	// Tenants are bounded entities, but a misbehaving control plane could
	// still churn thousands of them. The seen-set caps label cardinality.
	maxConsumerSeries int
	mu                sync.Mutex
	consumerSeen      map[string]struct{}
}

// NewMetrics creates and registers Prometheus metrics. maxConsumerSeries caps
// the number of distinct consumer label values on the active-connections
// gauge; <= 0 uses the default of 1000.
func NewMetrics(reg prometheus.Registerer, maxConsumerSeries int) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if maxConsumerSeries <= 0 {
		maxConsumerSeries = defaultMaxConsumerSeries
	}

	factory := promauto.With(reg)

	m := &Metrics{
		maxConsumerSeries: maxConsumerSeries,
		consumerSeen:      make(map[string]struct{}),
		promRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gatehouse",
			Name:      "requests_total",
			Help:      "Total requests by admission outcome.",
		}, []string{"outcome"}),
		promRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "gatehouse",
			Name:      "request_duration_seconds",
			Help:      "Request duration in seconds by admission outcome.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
		promRateLimited: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gatehouse",
			Name:      "rate_limited_total",
			Help:      "Total requests rejected by the quota cascade, per tier.",
		}, []string{"tier"}),
		promForwardErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gatehouse",
			Name:      "forward_errors_total",
			Help:      "Total admitted requests that failed during upstream forwarding.",
		}),
		promActiveConns: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "gatehouse",
			Name:      "active_connections",
			Help:      "In-flight proxied connections per consumer.",
		}, []string{"consumer"}),
		promUpstreamUp: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "gatehouse",
			Name:      "upstream_healthy",
			Help:      "Whether the upstream health probe is passing (1) or failing (0).",
		}),
		promConsumers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "gatehouse",
			Name:      "consumers",
			Help:      "Number of consumers in the registry.",
		}),
		promTiers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "gatehouse",
			Name:      "tiers",
			Help:      "Number of tiers in the registry.",
		}),
		promReconcileEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gatehouse",
			Name:      "reconcile_events_total",
			Help:      "Control-plane events applied, by resource and event kind.",
		}, []string{"resource", "kind"}),
		promReconcileMalformed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gatehouse",
			Name:      "reconcile_malformed_total",
			Help:      "Control-plane events skipped because the resource failed validation.",
		}, []string{"resource"}),
	}

	return m
}

// RecordRequest records one admission decision and its duration.
func (m *Metrics) RecordRequest(outcome Outcome, seconds float64) {
	switch outcome {
	case OutcomeAdmitted:
		atomic.AddInt64(&m.admitted, 1)
	case OutcomeAuthRejected:
		atomic.AddInt64(&m.authRejected, 1)
	case OutcomeUnhealthy:
		atomic.AddInt64(&m.unhealthy, 1)
	case OutcomeRateLimited:
		atomic.AddInt64(&m.rateLimited, 1)
	case OutcomeTierMissing:
		atomic.AddInt64(&m.tierMissing, 1)
	case OutcomeResolveFailed:
		atomic.AddInt64(&m.resolveFailed, 1)
	}
	m.promRequests.WithLabelValues(string(outcome)).Inc()
	m.promRequestDuration.WithLabelValues(string(outcome)).Observe(seconds)
}

// IncRateLimited increments the per-tier rate-limited counter. Tiers are a
// small operator-defined set, so the label is safe from cardinality blowups.
func (m *Metrics) IncRateLimited(tier string) {
	m.promRateLimited.WithLabelValues(tier).Inc()
}

// IncForwardErrors increments the upstream forwarding error counter.
func (m *Metrics) IncForwardErrors() {
	atomic.AddInt64(&m.forwardErrors, 1)
	m.promForwardErrors.Inc()
}

// SetActiveConnections sets the in-flight connection gauge for a consumer.
// Once maxConsumerSeries distinct consumers have been observed, gauges for
// further consumers are dropped rather than creating new series.
func (m *Metrics) SetActiveConnections(consumer string, n int64) {
	m.mu.Lock()
	if _, ok := m.consumerSeen[consumer]; !ok {
		if len(m.consumerSeen) >= m.maxConsumerSeries {
			m.mu.Unlock()
			return
		}
		m.consumerSeen[consumer] = struct{}{}
	}
	m.mu.Unlock()
	m.promActiveConns.WithLabelValues(consumer).Set(float64(n))
}

// DropConsumer removes a consumer's active-connections series. Called when
// a tenant is deleted so stale series don't linger until restart.
func (m *Metrics) DropConsumer(consumer string) {
	m.mu.Lock()
	delete(m.consumerSeen, consumer)
	m.mu.Unlock()
	m.promActiveConns.DeleteLabelValues(consumer)
}

// SetUpstreamHealthy records the upstream health probe state.
func (m *Metrics) SetUpstreamHealthy(healthy bool) {
	if healthy {
		m.promUpstreamUp.Set(1)
	} else {
		m.promUpstreamUp.Set(0)
	}
}

// SetConsumerCount sets the consumer registry size gauge.
func (m *Metrics) SetConsumerCount(n int) {
	m.promConsumers.Set(float64(n))
}

// SetTierCount sets the tier registry size gauge.
func (m *Metrics) SetTierCount(n int) {
	m.promTiers.Set(float64(n))
}

// IncReconcileEvent counts one applied control-plane event.
func (m *Metrics) IncReconcileEvent(resource, kind string) {
	m.promReconcileEvents.WithLabelValues(resource, kind).Inc()
}

// IncReconcileMalformed counts one skipped control-plane event.
func (m *Metrics) IncReconcileMalformed(resource string) {
	m.promReconcileMalformed.WithLabelValues(resource).Inc()
}

// MetricsSnapshot holds a point-in-time copy of all atomic counters.
type MetricsSnapshot struct {
	Admitted      int64 `json:"admitted"`
	AuthRejected  int64 `json:"auth_rejected"`
	Unhealthy     int64 `json:"unhealthy_rejected"`
	RateLimited   int64 `json:"rate_limited"`
	TierMissing   int64 `json:"tier_missing"`
	ResolveFailed int64 `json:"resolve_failed"`
	ForwardErrors int64 `json:"forward_errors"`
}

// Snapshot returns the current counter values.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Admitted:      atomic.LoadInt64(&m.admitted),
		AuthRejected:  atomic.LoadInt64(&m.authRejected),
		Unhealthy:     atomic.LoadInt64(&m.unhealthy),
		RateLimited:   atomic.LoadInt64(&m.rateLimited),
		TierMissing:   atomic.LoadInt64(&m.tierMissing),
		ResolveFailed: atomic.LoadInt64(&m.resolveFailed),
		ForwardErrors: atomic.LoadInt64(&m.forwardErrors),
	}
}
