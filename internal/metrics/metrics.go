// Package metrics holds the Prometheus instrumentation shared by the
// ingestion and indexer services.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	sentinelRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	sentinelRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sentinel_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	sentinelCommitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_ledger_commits_total",
		Help: "Total ledger commit attempts by outcome.",
	}, []string{"status"})

	sentinelEventsIndexedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_events_indexed_total",
		Help: "Total ledger events folded into the severity aggregate, by kind and phase.",
	}, []string{"kind", "phase"})

	sentinelEventsDedupedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sentinel_events_deduped_total",
		Help: "Live events discarded because their sequence was already covered by replay.",
	})

	sentinelSeverityCounts = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sentinel_severity_counts",
		Help: "Current severity aggregate by level.",
	}, []string{"level"})

	sentinelWebhookDeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_webhook_deliveries_total",
		Help: "Total webhook deliveries by success status.",
	}, []string{"status"})
)

// PrometheusMiddleware returns a Gin middleware that records per-request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		sentinelRequestsTotal.WithLabelValues(method, path, status).Inc()
		sentinelRequestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// MetricsHandler returns a Gin handler that serves Prometheus metrics.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordCommit records a ledger commit attempt.
func RecordCommit(success bool) {
	if success {
		sentinelCommitsTotal.WithLabelValues("success").Inc()
	} else {
		sentinelCommitsTotal.WithLabelValues("failure").Inc()
	}
}

// RecordEventIndexed records a folded event. phase is "replay" or "live".
func RecordEventIndexed(kind, phase string) {
	sentinelEventsIndexedTotal.WithLabelValues(kind, phase).Inc()
}

// RecordEventDeduped records a live event discarded as a replay duplicate.
func RecordEventDeduped() {
	sentinelEventsDedupedTotal.Inc()
}

// SetSeverityGauge sets the aggregate gauge for a severity level.
func SetSeverityGauge(level string, count float64) {
	sentinelSeverityCounts.WithLabelValues(level).Set(count)
}

// RecordWebhookDelivery records a webhook delivery attempt.
func RecordWebhookDelivery(success bool) {
	if success {
		sentinelWebhookDeliveriesTotal.WithLabelValues("success").Inc()
	} else {
		sentinelWebhookDeliveriesTotal.WithLabelValues("failure").Inc()
	}
}
