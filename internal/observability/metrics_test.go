package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNewMetrics(t *testing.T) {
	t.Run("creates metrics with custom registry", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		m := NewMetrics(reg, 0)
		assert.NotNil(t, m)
		assert.NotNil(t, m.promRequests)
		assert.NotNil(t, m.promActiveConns)
		assert.Equal(t, defaultMaxConsumerSeries, m.maxConsumerSeries)
	})

	t.Run("honors custom series cap", func(t *testing.T) {
		m := NewMetrics(prometheus.NewRegistry(), 50)
		assert.Equal(t, 50, m.maxConsumerSeries)
	})
}

func TestMetricsRecordRequest(t *testing.T) {
	t.Run("admitted increments admitted counter", func(t *testing.T) {
		m := NewMetrics(prometheus.NewRegistry(), 0)
		m.RecordRequest(OutcomeAdmitted, 0.01)
		m.RecordRequest(OutcomeAdmitted, 0.02)

		snap := m.Snapshot()
		assert.Equal(t, int64(2), snap.Admitted)
	})

	t.Run("auth rejections increment auth counter", func(t *testing.T) {
		m := NewMetrics(prometheus.NewRegistry(), 0)
		m.RecordRequest(OutcomeAuthRejected, 0.001)

		snap := m.Snapshot()
		assert.Equal(t, int64(1), snap.AuthRejected)
		assert.Equal(t, int64(0), snap.Admitted)
	})

	t.Run("unhealthy rejections increment unhealthy counter", func(t *testing.T) {
		m := NewMetrics(prometheus.NewRegistry(), 0)
		m.RecordRequest(OutcomeUnhealthy, 0.001)

		snap := m.Snapshot()
		assert.Equal(t, int64(1), snap.Unhealthy)
	})

	t.Run("rate limited increments rate limited counter", func(t *testing.T) {
		m := NewMetrics(prometheus.NewRegistry(), 0)
		m.RecordRequest(OutcomeRateLimited, 0.001)

		snap := m.Snapshot()
		assert.Equal(t, int64(1), snap.RateLimited)
	})

	t.Run("tier missing increments tier missing counter", func(t *testing.T) {
		m := NewMetrics(prometheus.NewRegistry(), 0)
		m.RecordRequest(OutcomeTierMissing, 0.001)

		snap := m.Snapshot()
		assert.Equal(t, int64(1), snap.TierMissing)
	})

	t.Run("resolve failures increment resolve counter", func(t *testing.T) {
		m := NewMetrics(prometheus.NewRegistry(), 0)
		m.RecordRequest(OutcomeResolveFailed, 0.001)

		snap := m.Snapshot()
		assert.Equal(t, int64(1), snap.ResolveFailed)
	})

	t.Run("records per-outcome prometheus series", func(t *testing.T) {
		m := NewMetrics(prometheus.NewRegistry(), 0)
		m.RecordRequest(OutcomeAdmitted, 0.01)
		m.RecordRequest(OutcomeRateLimited, 0.01)

		assert.Equal(t, float64(1), testutil.ToFloat64(m.promRequests.WithLabelValues("admitted")))
		assert.Equal(t, float64(1), testutil.ToFloat64(m.promRequests.WithLabelValues("rate_limited")))
	})
}

func TestMetricsIncRateLimited(t *testing.T) {
	t.Run("counts rate limits per tier", func(t *testing.T) {
		m := NewMetrics(prometheus.NewRegistry(), 0)
		m.IncRateLimited("basic")
		m.IncRateLimited("basic")
		m.IncRateLimited("premium")

		assert.Equal(t, float64(2), testutil.ToFloat64(m.promRateLimited.WithLabelValues("basic")))
		assert.Equal(t, float64(1), testutil.ToFloat64(m.promRateLimited.WithLabelValues("premium")))
	})
}

func TestMetricsIncForwardErrors(t *testing.T) {
	t.Run("increments forward error counter", func(t *testing.T) {
		m := NewMetrics(prometheus.NewRegistry(), 0)
		m.IncForwardErrors()
		m.IncForwardErrors()

		snap := m.Snapshot()
		assert.Equal(t, int64(2), snap.ForwardErrors)
	})
}

func TestMetricsSetActiveConnections(t *testing.T) {
	t.Run("sets per-consumer gauge", func(t *testing.T) {
		m := NewMetrics(prometheus.NewRegistry(), 0)
		m.SetActiveConnections("alice", 3)

		assert.Equal(t, float64(3), testutil.ToFloat64(m.promActiveConns.WithLabelValues("alice")))

		m.SetActiveConnections("alice", 0)
		assert.Equal(t, float64(0), testutil.ToFloat64(m.promActiveConns.WithLabelValues("alice")))
	})

	t.Run("stops creating series beyond the cap", func(t *testing.T) {
		m := NewMetrics(prometheus.NewRegistry(), 2)
		m.SetActiveConnections("a", 1)
		m.SetActiveConnections("b", 1)
		m.SetActiveConnections("c", 1) // beyond cap, dropped

		assert.Equal(t, 2, testutil.CollectAndCount(m.promActiveConns))
	})

	t.Run("known consumers keep updating at the cap", func(t *testing.T) {
		m := NewMetrics(prometheus.NewRegistry(), 1)
		m.SetActiveConnections("a", 1)
		m.SetActiveConnections("a", 7)

		assert.Equal(t, float64(7), testutil.ToFloat64(m.promActiveConns.WithLabelValues("a")))
	})
}

func TestMetricsDropConsumer(t *testing.T) {
	t.Run("removes the consumer series", func(t *testing.T) {
		m := NewMetrics(prometheus.NewRegistry(), 0)
		m.SetActiveConnections("alice", 2)
		m.DropConsumer("alice")

		assert.Equal(t, 0, testutil.CollectAndCount(m.promActiveConns))
	})

	t.Run("frees a slot under the series cap", func(t *testing.T) {
		m := NewMetrics(prometheus.NewRegistry(), 1)
		m.SetActiveConnections("a", 1)
		m.DropConsumer("a")
		m.SetActiveConnections("b", 4)

		assert.Equal(t, float64(4), testutil.ToFloat64(m.promActiveConns.WithLabelValues("b")))
	})
}

func TestMetricsSetUpstreamHealthy(t *testing.T) {
	t.Run("reflects health transitions", func(t *testing.T) {
		m := NewMetrics(prometheus.NewRegistry(), 0)

		m.SetUpstreamHealthy(true)
		assert.Equal(t, float64(1), testutil.ToFloat64(m.promUpstreamUp))

		m.SetUpstreamHealthy(false)
		assert.Equal(t, float64(0), testutil.ToFloat64(m.promUpstreamUp))
	})
}

func TestMetricsRegistryGauges(t *testing.T) {
	t.Run("tracks consumer and tier counts", func(t *testing.T) {
		m := NewMetrics(prometheus.NewRegistry(), 0)
		m.SetConsumerCount(12)
		m.SetTierCount(3)

		assert.Equal(t, float64(12), testutil.ToFloat64(m.promConsumers))
		assert.Equal(t, float64(3), testutil.ToFloat64(m.promTiers))
	})
}

func TestMetricsReconcileCounters(t *testing.T) {
	t.Run("counts events per resource and kind", func(t *testing.T) {
		m := NewMetrics(prometheus.NewRegistry(), 0)
		m.IncReconcileEvent("queryports", "added")
		m.IncReconcileEvent("queryports", "added")
		m.IncReconcileEvent("servicetiers", "deleted")

		assert.Equal(t, float64(2), testutil.ToFloat64(m.promReconcileEvents.WithLabelValues("queryports", "added")))
		assert.Equal(t, float64(1), testutil.ToFloat64(m.promReconcileEvents.WithLabelValues("servicetiers", "deleted")))
	})

	t.Run("counts malformed objects per resource", func(t *testing.T) {
		m := NewMetrics(prometheus.NewRegistry(), 0)
		m.IncReconcileMalformed("queryports")

		assert.Equal(t, float64(1), testutil.ToFloat64(m.promReconcileMalformed.WithLabelValues("queryports")))
	})
}

func TestMetricsSnapshot(t *testing.T) {
	t.Run("returns point-in-time snapshot of all counters", func(t *testing.T) {
		m := NewMetrics(prometheus.NewRegistry(), 0)

		m.RecordRequest(OutcomeAdmitted, 0.01)
		m.RecordRequest(OutcomeAdmitted, 0.01)
		m.RecordRequest(OutcomeAuthRejected, 0.01)
		m.RecordRequest(OutcomeUnhealthy, 0.01)
		m.RecordRequest(OutcomeRateLimited, 0.01)
		m.RecordRequest(OutcomeTierMissing, 0.01)
		m.RecordRequest(OutcomeResolveFailed, 0.01)
		m.IncForwardErrors()

		snap := m.Snapshot()
		assert.Equal(t, int64(2), snap.Admitted)
		assert.Equal(t, int64(1), snap.AuthRejected)
		assert.Equal(t, int64(1), snap.Unhealthy)
		assert.Equal(t, int64(1), snap.RateLimited)
		assert.Equal(t, int64(1), snap.TierMissing)
		assert.Equal(t, int64(1), snap.ResolveFailed)
		assert.Equal(t, int64(1), snap.ForwardErrors)
	})
}
