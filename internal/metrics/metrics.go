// Package metrics provides Prometheus metrics for the scheduler and the
// calendar sync engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all collectors on a private registry. A nil *Metrics is
// valid and records nothing, which keeps call sites free of checks.
type Metrics struct {
	SyncOperations    *prometheus.CounterVec
	TokenRefreshes    *prometheus.CounterVec
	SyncDisabled      *prometheus.CounterVec
	QueueDropped      prometheus.Counter
	QueueDepth        prometheus.Gauge
	HTTPRequests      *prometheus.CounterVec
	HTTPDuration      *prometheus.HistogramVec
	GeneratedSessions prometheus.Counter

	registry *prometheus.Registry
}

func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		SyncOperations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "questlog_sync_operations_total",
				Help: "Calendar sync operations by operation and result.",
			},
			[]string{"op", "result"},
		),
		TokenRefreshes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "questlog_token_refreshes_total",
				Help: "Provider token refresh attempts by outcome.",
			},
			[]string{"outcome"},
		),
		SyncDisabled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "questlog_sync_disabled_total",
				Help: "Times calendar sync was turned off for a user, by reason.",
			},
			[]string{"reason"},
		),
		QueueDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "questlog_sync_queue_dropped_total",
			Help: "Sync tasks dropped because the queue was full or stopped.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "questlog_sync_queue_depth",
			Help: "Sync tasks waiting for a worker.",
		}),
		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "questlog_http_requests_total",
				Help: "HTTP requests by route and status code.",
			},
			[]string{"route", "status"},
		),
		HTTPDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "questlog_http_request_duration_seconds",
				Help:    "HTTP request latency by route.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route"},
		),
		GeneratedSessions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "questlog_generated_sessions_total",
			Help: "Sessions persisted by schedule generation.",
		}),
		registry: reg,
	}

	reg.MustRegister(
		m.SyncOperations,
		m.TokenRefreshes,
		m.SyncDisabled,
		m.QueueDropped,
		m.QueueDepth,
		m.HTTPRequests,
		m.HTTPDuration,
		m.GeneratedSessions,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler returns an http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordSync(op, result string) {
	if m == nil {
		return
	}
	m.SyncOperations.WithLabelValues(op, result).Inc()
}

func (m *Metrics) RecordRefresh(outcome string) {
	if m == nil {
		return
	}
	m.TokenRefreshes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordSyncDisabled(reason string) {
	if m == nil {
		return
	}
	m.SyncDisabled.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordDropped() {
	if m == nil {
		return
	}
	m.QueueDropped.Inc()
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}

// ObserveRequest records one served HTTP request.
func (m *Metrics) ObserveRequest(route, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(route, status).Inc()
	m.HTTPDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}

func (m *Metrics) AddGeneratedSessions(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.GeneratedSessions.Add(float64(n))
}
