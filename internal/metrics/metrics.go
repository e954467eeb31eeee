package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus collectors. A nil *Metrics is a valid no-op.
type Metrics struct {
	sagas           *prometheus.CounterVec
	stageFailures   *prometheus.CounterVec
	eventsByType    *prometheus.CounterVec
	forwardFailures prometheus.Counter
	backfilled      prometheus.Counter
	subscriptions   prometheus.Gauge
	alertsSent      prometheus.Counter
	alertsDropped   prometheus.Counter
	errors          prometheus.Counter
}

var (
	once    sync.Once
	metrics *Metrics
)

// Init initializes global metrics (idempotent).
func Init() *Metrics {
	once.Do(func() {
		metrics = &Metrics{
			sagas: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "chainforge_sagas_total",
				Help: "Completed orchestrated operations by kind and outcome",
			}, []string{"kind", "outcome"}),
			stageFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "chainforge_saga_stage_failures_total",
				Help: "Saga failures by kind, failing stage and error kind",
			}, []string{"kind", "stage", "fault"}),
			eventsByType: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "chainforge_events_normalized_total",
				Help: "Ledger events normalized by the synchronizer",
			}, []string{"type"}),
			forwardFailures: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "chainforge_event_forward_failures_total",
				Help: "Events the backend of record did not accept",
			}),
			backfilled: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "chainforge_events_backfilled_total",
				Help: "Events replayed from history during catch-up",
			}),
			subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "chainforge_live_subscriptions",
				Help: "Live (contract, event) log subscriptions",
			}),
			alertsSent: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "chainforge_alerts_sent_total",
				Help: "Total number of alerts sent to sinks",
			}),
			alertsDropped: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "chainforge_alerts_dropped_total",
				Help: "Total number of alerts dropped (dedupe/rate-limit)",
			}),
			errors: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "chainforge_errors_total",
				Help: "Total number of errors encountered",
			}),
		}
		prometheus.MustRegister(
			metrics.sagas,
			metrics.stageFailures,
			metrics.eventsByType,
			metrics.forwardFailures,
			metrics.backfilled,
			metrics.subscriptions,
			metrics.alertsSent,
			metrics.alertsDropped,
			metrics.errors,
		)
	})
	return metrics
}

// SagaCompleted records a saga outcome.
func (m *Metrics) SagaCompleted(kind string, ok bool) {
	if m == nil {
		return
	}
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	m.sagas.WithLabelValues(kind, outcome).Inc()
}

// StageFailed records the stage a saga stopped at.
func (m *Metrics) StageFailed(kind, stage, fault string) {
	if m != nil {
		m.stageFailures.WithLabelValues(kind, stage, fault).Inc()
	}
}

// EventNormalized counts a decoded event.
func (m *Metrics) EventNormalized(eventType string) {
	if m != nil {
		m.eventsByType.WithLabelValues(eventType).Inc()
	}
}

// ForwardFailed counts an event the backend rejected or never received.
func (m *Metrics) ForwardFailed() {
	if m != nil {
		m.forwardFailures.Inc()
	}
}

// Backfilled counts events replayed during catch-up.
func (m *Metrics) Backfilled(n int) {
	if m != nil && n > 0 {
		m.backfilled.Add(float64(n))
	}
}

// SetSubscriptions sets the live subscription gauge.
func (m *Metrics) SetSubscriptions(n int) {
	if m != nil {
		m.subscriptions.Set(float64(n))
	}
}

// AlertsSent increments the alerts sent counter.
func (m *Metrics) AlertsSent() {
	if m != nil {
		m.alertsSent.Inc()
	}
}

// AlertsDropped increments the alerts dropped counter.
func (m *Metrics) AlertsDropped() {
	if m != nil {
		m.alertsDropped.Inc()
	}
}

// Errors increments the errors counter.
func (m *Metrics) Errors() {
	if m != nil {
		m.errors.Inc()
	}
}

// Handler returns an HTTP handler for /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
