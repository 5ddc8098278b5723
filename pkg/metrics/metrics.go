// Package metrics provides Prometheus metrics for dotchat
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the chat pipeline.
type Metrics struct {
	registry *prometheus.Registry

	// Generation gateway
	GenerationRequestsTotal *prometheus.CounterVec
	GenerationDuration      *prometheus.HistogramVec
	RateLimitDeniedTotal    prometheus.Counter

	// Chat pipeline
	ChatTurnsTotal       *prometheus.CounterVec
	ChatTurnDuration     prometheus.Histogram
	ChatRollbacksTotal   prometheus.Counter
	SummaryRegenerations *prometheus.CounterVec

	// HTTP boundary
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge
}

// NewMetrics creates all collectors on a private registry so several
// instances can coexist in one process (tests, embedded use).
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	m := &Metrics{registry: reg}

	m.GenerationRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dotchat_generation_requests_total",
			Help: "Total number of generation gateway calls by outcome",
		},
		[]string{"model", "status"},
	)

	m.GenerationDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dotchat_generation_duration_seconds",
			Help:    "Duration of admitted generation calls in seconds",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"model"},
	)

	m.RateLimitDeniedTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "dotchat_rate_limit_denied_total",
			Help: "Total number of generation calls denied by the rate limiter",
		},
	)

	m.ChatTurnsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dotchat_chat_turns_total",
			Help: "Total number of handled chat turns by outcome",
		},
		[]string{"status"},
	)

	m.ChatTurnDuration = factory.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dotchat_chat_turn_duration_seconds",
			Help:    "End-to-end duration of a chat turn in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	m.ChatRollbacksTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "dotchat_chat_rollbacks_total",
			Help: "Total number of chat turns rolled back after a failed step",
		},
	)

	m.SummaryRegenerations = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dotchat_summary_regenerations_total",
			Help: "Total number of full-history summary regenerations by outcome",
		},
		[]string{"status"},
	)

	m.HTTPRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dotchat_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "code"},
	)

	m.HTTPRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dotchat_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	m.HTTPRequestsInFlight = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "dotchat_http_requests_in_flight",
			Help: "Number of HTTP requests currently being served",
		},
	)

	return m
}

// Registry returns the registry backing these collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the exposition format for this instance's registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordGeneration(model, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.GenerationRequestsTotal.WithLabelValues(model, status).Inc()
	if duration > 0 {
		m.GenerationDuration.WithLabelValues(model).Observe(duration.Seconds())
	}
}

func (m *Metrics) RecordRateLimited(model string) {
	if m == nil {
		return
	}
	m.RateLimitDeniedTotal.Inc()
	m.GenerationRequestsTotal.WithLabelValues(model, "rate_limited").Inc()
}

func (m *Metrics) RecordChatTurn(status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.ChatTurnsTotal.WithLabelValues(status).Inc()
	m.ChatTurnDuration.Observe(duration.Seconds())
}

func (m *Metrics) RecordRollback() {
	if m == nil {
		return
	}
	m.ChatRollbacksTotal.Inc()
}

func (m *Metrics) RecordSummaryRegeneration(status string) {
	if m == nil {
		return
	}
	m.SummaryRegenerations.WithLabelValues(status).Inc()
}

func (m *Metrics) RecordHTTPRequest(route string, code string, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(route, code).Inc()
	m.HTTPRequestDuration.WithLabelValues(route).Observe(duration.Seconds())
}
