// Package metrics exposes clipnet's Prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/MarcoPoloResearchLab/clipnet/internal/channels"
	"github.com/MarcoPoloResearchLab/clipnet/internal/gate"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	outcomeGranted = "granted"
	namespace      = "clipnet"
)

// Metrics holds every collector, registered on its own registry.
type Metrics struct {
	registry *prom.Registry

	gateDecisions    *prom.CounterVec
	subscriptions    *prom.GaugeVec
	eventsPublished  *prom.CounterVec
	eventDeliveries  *prom.CounterVec
	eventsDropped    *prom.CounterVec
	shares           *prom.CounterVec
	networkAdmission *prom.CounterVec
	imagesPurged     prom.Counter
	httpRequests     *prom.CounterVec
	httpDuration     *prom.HistogramVec
}

// New registers the collectors, plus the Go and process collectors, on a fresh registry.
func New() *Metrics {
	registry := prom.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		gateDecisions: factory.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "gate_decisions_total",
			Help:      "Subscription authorization decisions (Counter). outcome=granted or the refusal code.",
		}, []string{"kind", "outcome"}),
		subscriptions: factory.NewGaugeVec(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "realtime_subscriptions",
			Help:      "Open transport subscriptions (Gauge).",
		}, []string{"kind"}),
		eventsPublished: factory.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "realtime_events_published_total",
			Help:      "Events accepted for publication (Counter).",
		}, []string{"event"}),
		eventDeliveries: factory.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "realtime_event_deliveries_total",
			Help:      "Per-subscriber event deliveries (Counter).",
		}, []string{"event"}),
		eventsDropped: factory.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "realtime_events_dropped_total",
			Help:      "Events dropped because a subscriber buffer was full (Counter).",
		}, []string{"event"}),
		shares: factory.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "clipboard_shares_total",
			Help:      "Clipboard share triggers by outcome (Counter). outcome=published|invalid|error|rate_limited.",
		}, []string{"outcome"}),
		networkAdmission: factory.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "network_admissions_total",
			Help:      "Network roster queries by outcome (Counter). outcome=admitted|full|error.",
		}, []string{"outcome"}),
		imagesPurged: factory.NewCounter(prom.CounterOpts{
			Namespace: namespace,
			Name:      "images_purged_total",
			Help:      "Expired images removed (Counter).",
		}),
		httpRequests: factory.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "http_server_requests_total",
			Help:      "HTTP requests handled (Counter). Labels: method, route, status.",
		}, []string{"method", "route", "status"}),
		httpDuration: factory.NewHistogramVec(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "http_server_request_duration_seconds",
			Help:      "HTTP request duration in seconds (Histogram).",
			Buckets:   prom.DefBuckets,
		}, []string{"method", "route"}),
	}
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prom.Registry {
	return m.registry
}

// Handler serves the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RecordDecision counts a gate decision; an empty code is a grant.
func (m *Metrics) RecordDecision(kind channels.Kind, code gate.Code) {
	outcome := outcomeGranted
	if code != "" {
		outcome = string(code)
	}
	m.gateDecisions.WithLabelValues(string(kind), outcome).Inc()
}

func (m *Metrics) SubscriptionOpened(kind channels.Kind) {
	m.subscriptions.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) SubscriptionClosed(kind channels.Kind) {
	m.subscriptions.WithLabelValues(string(kind)).Dec()
}

func (m *Metrics) EventPublished(event string, subscribers int) {
	m.eventsPublished.WithLabelValues(event).Inc()
	m.eventDeliveries.WithLabelValues(event).Add(float64(subscribers))
}

func (m *Metrics) EventDropped(event string) {
	m.eventsDropped.WithLabelValues(event).Inc()
}

// ShareTriggered counts a trigger request outcome.
func (m *Metrics) ShareTriggered(outcome string) {
	m.shares.WithLabelValues(outcome).Inc()
}

// NetworkAdmission counts a roster query outcome.
func (m *Metrics) NetworkAdmission(outcome string) {
	m.networkAdmission.WithLabelValues(outcome).Inc()
}

// ImagesPurged counts removed images.
func (m *Metrics) ImagesPurged(count int64) {
	m.imagesPurged.Add(float64(count))
}

// ObserveHTTP records a finished HTTP request.
func (m *Metrics) ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}
