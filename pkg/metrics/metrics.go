// Package metrics provides Prometheus instrumentation for extraction runs.
//
// # Overview
//
// A Collector owns its registry so several runs (or tests) never collide on
// registration. Components receive the Collector and record through its
// typed helpers:
//
//	collector := metrics.NewCollector(prometheus.NewRegistry())
//	collector.PageFetched("vendor", 1000)
//	collector.TokenRefresh("success")
//
// Extraction runs are short-lived batch jobs, so the usual way to expose the
// metrics is Push to a Pushgateway when the run finishes.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
)

const namespace = "intacct"

// Collector provides a centralized metrics collection interface for the extractor.
type Collector struct {
	registry *prometheus.Registry

	pagesFetched     *prometheus.CounterVec   // Pages handed off per object
	recordsExtracted *prometheus.CounterVec   // Records handed off per object
	tokenRefreshes   *prometheus.CounterVec   // Refresh attempts by result
	apiRetries       *prometheus.CounterVec   // Retried API calls by operation and reason
	requestDuration  *prometheus.HistogramVec // Upstream request latency
	objectRuns       *prometheus.CounterVec   // Finished object runs by status
	watermarkCommits *prometheus.CounterVec   // Committed watermarks per object
	lastSuccess      *prometheus.GaugeVec     // Unix time of the last successful object run
}

// NewCollector registers the extractor metrics on registry.
// A nil registry creates a private one.
func NewCollector(registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	factory := promauto.With(registry)

	return &Collector{
		registry: registry,
		pagesFetched: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pages_fetched_total",
			Help:      "Total number of pages fetched and handed off",
		}, []string{"object"}),
		recordsExtracted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_extracted_total",
			Help:      "Total number of records handed off to the output",
		}, []string{"object"}),
		tokenRefreshes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_refreshes_total",
			Help:      "Token refresh attempts by result",
		}, []string{"result"}),
		apiRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_retries_total",
			Help:      "Retried upstream calls by operation and reason",
		}, []string{"operation", "reason"}),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Upstream request latency in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"operation", "status"}),
		objectRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "object_runs_total",
			Help:      "Finished object extractions by status",
		}, []string{"object", "status"}),
		watermarkCommits: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "watermark_commits_total",
			Help:      "Committed watermarks per object",
		}, []string{"object"}),
		lastSuccess: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last successful extraction per object",
		}, []string{"object"}),
	}
}

// Registry returns the registry backing the collector.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// PageFetched records one handed-off page of n records.
func (c *Collector) PageFetched(object string, n int) {
	c.pagesFetched.WithLabelValues(object).Inc()
	c.recordsExtracted.WithLabelValues(object).Add(float64(n))
}

// TokenRefresh records a refresh attempt outcome (success, rejected, transient, persist_failed).
func (c *Collector) TokenRefresh(result string) {
	c.tokenRefreshes.WithLabelValues(result).Inc()
}

// APIRetry records a retried upstream call.
func (c *Collector) APIRetry(operation, reason string) {
	c.apiRetries.WithLabelValues(operation, reason).Inc()
}

// ObserveRequest records the latency of one upstream request.
func (c *Collector) ObserveRequest(operation, status string, d time.Duration) {
	c.requestDuration.WithLabelValues(operation, status).Observe(d.Seconds())
}

// ObjectFinished records the outcome of one object extraction.
func (c *Collector) ObjectFinished(object, status string) {
	c.objectRuns.WithLabelValues(object, status).Inc()
	if status == "success" {
		c.lastSuccess.WithLabelValues(object).SetToCurrentTime()
	}
}

// WatermarkCommitted records a committed watermark.
func (c *Collector) WatermarkCommitted(object string) {
	c.watermarkCommits.WithLabelValues(object).Inc()
}

// Push sends every collected metric to a Pushgateway under job.
func (c *Collector) Push(ctx context.Context, url, job string, grouping map[string]string) error {
	pusher := push.New(url, job).Gatherer(c.registry)
	for k, v := range grouping {
		pusher = pusher.Grouping(k, v)
	}
	return pusher.PushContext(ctx)
}

// Timer provides a simple timing mechanism for measuring operation durations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer and starts timing immediately.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Stop returns the elapsed duration since creation.
func (t *Timer) Stop() time.Duration {
	return time.Since(t.start)
}
