// Package metrics holds the service's private Prometheus registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Registry struct {
	registry        *prometheus.Registry
	routesTotal     *prometheus.CounterVec
	deliveriesTotal *prometheus.CounterVec
	eventsTotal     *prometheus.CounterVec
	timeoutRefunds  *prometheus.CounterVec
	adminActions    *prometheus.CounterVec
	dlqDepth        prometheus.Gauge
}

func New() *Registry {
	routes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "intentrails_routes_total",
		Help: "Route executions by outcome",
	}, []string{"status"})

	deliveries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "intentrails_deliveries_total",
		Help: "Bridge delivery confirmations by outcome",
	}, []string{"status"})

	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "intentrails_event_publish_total",
		Help: "Notification publish attempts by result",
	}, []string{"result"})

	refunds := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "intentrails_timeout_refunds_total",
		Help: "Settlements refunded by the timeout sweeper",
	}, []string{"result"})

	admin := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "intentrails_admin_actions_total",
		Help: "Owner-gated mutations by action and outcome",
	}, []string{"action", "status"})

	dlq := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "intentrails_dlq_depth",
		Help: "Number of undelivered notifications in the DLQ",
	})

	r := prometheus.NewRegistry()
	r.MustRegister(routes, deliveries, events, refunds, admin, dlq)

	return &Registry{
		registry:        r,
		routesTotal:     routes,
		deliveriesTotal: deliveries,
		eventsTotal:     events,
		timeoutRefunds:  refunds,
		adminActions:    admin,
		dlqDepth:        dlq,
	}
}

func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Gatherer exposes the registry for tests.
func (m *Registry) Gatherer() prometheus.Gatherer {
	return m.registry
}

func (m *Registry) IncRoute(status string) {
	m.routesTotal.WithLabelValues(status).Inc()
}

func (m *Registry) IncDelivery(status string) {
	m.deliveriesTotal.WithLabelValues(status).Inc()
}

func (m *Registry) IncAdmin(action, status string) {
	m.adminActions.WithLabelValues(action, status).Inc()
}

// IncPublish and SetDLQDepth let the notification emitter report delivery.
func (m *Registry) IncPublish(result string) {
	m.eventsTotal.WithLabelValues(result).Inc()
}

func (m *Registry) SetDLQDepth(depth int) {
	m.dlqDepth.Set(float64(depth))
}

// ObserveSweep records one sweeper pass.
func (m *Registry) ObserveSweep(refunded, failed int) {
	if refunded > 0 {
		m.timeoutRefunds.WithLabelValues("refunded").Add(float64(refunded))
	}
	if failed > 0 {
		m.timeoutRefunds.WithLabelValues("failed").Add(float64(failed))
	}
}
