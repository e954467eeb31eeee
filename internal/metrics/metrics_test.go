package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func read(t *testing.T, c prometheus.Metric) *dto.Metric {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return &m
}

func TestNilMetricsAreNoOps(t *testing.T) {
	var m *Metrics
	m.SagaCompleted("mint", true)
	m.StageFailed("mint", "ledger-mint", "user_rejected")
	m.EventNormalized("collectible.mint")
	m.ForwardFailed()
	m.Backfilled(3)
	m.SetSubscriptions(2)
	m.AlertsSent()
	m.AlertsDropped()
	m.Errors()
}

func TestInitIsIdempotentAndCounts(t *testing.T) {
	m := Init()
	if Init() != m {
		t.Fatalf("Init should return the same instance")
	}

	m.SagaCompleted("buy", false)
	m.StageFailed("buy", "read-listing", "stale_state")
	m.EventNormalized("marketplace.sold")
	m.EventNormalized("marketplace.sold")
	m.SetSubscriptions(5)

	if got := read(t, m.sagas.WithLabelValues("buy", "failure")).GetCounter().GetValue(); got != 1 {
		t.Fatalf("saga failures = %v", got)
	}
	if got := read(t, m.eventsByType.WithLabelValues("marketplace.sold")).GetCounter().GetValue(); got != 2 {
		t.Fatalf("events = %v", got)
	}
	if got := read(t, m.subscriptions).GetGauge().GetValue(); got != 5 {
		t.Fatalf("subscriptions = %v", got)
	}
}
