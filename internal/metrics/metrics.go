// Package metrics exposes paging counters to Prometheus.
package metrics

import (
	"net/http"

	"github.com/KafClaw/KafPage/internal/events"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the paging collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	PagesCreated       *prometheus.CounterVec
	PagesDuplicate     *prometheus.CounterVec
	EscalationSteps    *prometheus.CounterVec
	NotificationsSent  *prometheus.CounterVec
	NotificationFailed *prometheus.CounterVec
	Acknowledgements   *prometheus.CounterVec
	Aborts             *prometheus.CounterVec
	TimeToAck          *prometheus.HistogramVec
}

// New builds and registers the collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		PagesCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kafpage_pages_created_total",
			Help: "Pages created from inbound alerts.",
		}, []string{"team"}),
		PagesDuplicate: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kafpage_pages_duplicate_total",
			Help: "Inbound alerts that matched an existing page.",
		}, []string{"team"}),
		EscalationSteps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kafpage_escalation_steps_total",
			Help: "Escalation steps executed.",
		}, []string{"team"}),
		NotificationsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kafpage_notification_batches_sent_total",
			Help: "Notification batches delivered.",
		}, []string{"team"}),
		NotificationFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kafpage_notification_batches_failed_total",
			Help: "Notification batches that failed to deliver.",
		}, []string{"team"}),
		Acknowledgements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kafpage_acknowledgements_total",
			Help: "Pages acknowledged.",
		}, []string{"team"}),
		Aborts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kafpage_escalation_aborts_total",
			Help: "Escalations stopped without an acknowledgement.",
		}, []string{"reason"}),
		TimeToAck: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kafpage_time_to_ack_seconds",
			Help:    "Time from page creation to acknowledgement.",
			Buckets: prometheus.ExponentialBuckets(30, 2, 12), // 30s to ~17h
		}, []string{"team"}),
	}
	m.registry.MustRegister(
		m.PagesCreated,
		m.PagesDuplicate,
		m.EscalationSteps,
		m.NotificationsSent,
		m.NotificationFailed,
		m.Acknowledgements,
		m.Aborts,
		m.TimeToAck,
		collectors.NewGoCollector(),
	)
	return m
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Observe updates counters from a page event. Subscribe it to the bus for
// every event type.
func (m *Metrics) Observe(ev *events.PageEvent) {
	switch ev.Type {
	case events.TypeCreated:
		m.PagesCreated.WithLabelValues(ev.Team).Inc()
	case events.TypeDuplicate:
		m.PagesDuplicate.WithLabelValues(ev.Team).Inc()
	case events.TypeEscalated:
		m.EscalationSteps.WithLabelValues(ev.Team).Inc()
		m.NotificationsSent.WithLabelValues(ev.Team).Add(float64(ev.Batches))
		m.NotificationFailed.WithLabelValues(ev.Team).Add(float64(len(ev.Failures)))
	case events.TypeAcknowledged:
		m.Acknowledgements.WithLabelValues(ev.Team).Inc()
		if ev.Age > 0 {
			m.TimeToAck.WithLabelValues(ev.Team).Observe(ev.Age.Seconds())
		}
	case events.TypeAborted:
		reason := ev.Reason
		if reason == "" {
			reason = "unknown"
		}
		m.Aborts.WithLabelValues(reason).Inc()
	}
}
