package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Authorization pipeline
	AuthzDecisionsTotal *prometheus.CounterVec

	// Webhook reconciliation
	WebhookEventsTotal       *prometheus.CounterVec
	WebhookProcessingSeconds *prometheus.HistogramVec
	AnalyticsEmitFailures    *prometheus.CounterVec

	// Entitlements
	EntitlementChecksTotal *prometheus.CounterVec
	EntitlementCacheTotal  *prometheus.CounterVec

	// Janitor
	WebhookEventsPruned prometheus.Counter
	GraceWindowsLapsed  prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		registry: registry,
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keel_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "keel_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		AuthzDecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keel_authz_decisions_total",
				Help: "Authorization pipeline decisions by stage and outcome",
			},
			[]string{"stage", "outcome"},
		),
		WebhookEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keel_webhook_events_total",
				Help: "Webhook deliveries by provider and outcome",
			},
			[]string{"provider", "outcome"},
		),
		WebhookProcessingSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "keel_webhook_processing_seconds",
				Help:    "Time spent reconciling a webhook delivery",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
			},
			[]string{"provider"},
		),
		AnalyticsEmitFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keel_analytics_emit_failures_total",
				Help: "Analytics events that could not be recorded",
			},
			[]string{"event"},
		),
		EntitlementChecksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keel_entitlement_checks_total",
				Help: "Feature access checks by feature and result",
			},
			[]string{"feature", "result"},
		),
		EntitlementCacheTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keel_entitlement_cache_total",
				Help: "Entitlement cache lookups by result",
			},
			[]string{"result"},
		),
		WebhookEventsPruned: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "keel_webhook_events_pruned_total",
				Help: "Idempotency records removed by the janitor",
			},
		),
		GraceWindowsLapsed: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "keel_grace_windows_lapsed",
				Help: "past_due subscriptions whose grace window has ended",
			},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.AuthzDecisionsTotal,
		m.WebhookEventsTotal,
		m.WebhookProcessingSeconds,
		m.AnalyticsEmitFailures,
		m.EntitlementChecksTotal,
		m.EntitlementCacheTotal,
		m.WebhookEventsPruned,
		m.GraceWindowsLapsed,
	)

	return m
}

// NewTestMetrics registers metrics on a fresh registry.
func NewTestMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordAuthz counts one pipeline decision. Nil receivers are ignored.
func (m *Metrics) RecordAuthz(stage, outcome string) {
	if m == nil {
		return
	}
	m.AuthzDecisionsTotal.WithLabelValues(stage, outcome).Inc()
}

// RecordWebhook counts one webhook delivery and its processing time.
func (m *Metrics) RecordWebhook(provider, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.WebhookEventsTotal.WithLabelValues(provider, outcome).Inc()
	m.WebhookProcessingSeconds.WithLabelValues(provider).Observe(duration.Seconds())
}

// RecordAnalyticsFailure counts an analytics event that was dropped.
func (m *Metrics) RecordAnalyticsFailure(event string) {
	if m == nil {
		return
	}
	m.AnalyticsEmitFailures.WithLabelValues(event).Inc()
}

// RecordEntitlementCheck counts a feature access decision.
func (m *Metrics) RecordEntitlementCheck(feature string, allowed bool) {
	if m == nil {
		return
	}
	result := "denied"
	if allowed {
		result = "allowed"
	}
	m.EntitlementChecksTotal.WithLabelValues(feature, result).Inc()
}

// RecordEntitlementCache counts an entitlement cache hit or miss.
func (m *Metrics) RecordEntitlementCache(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.EntitlementCacheTotal.WithLabelValues(result).Inc()
}

// RecordHTTPRequest records one served request.
func (m *Metrics) RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}
