package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the global metrics container shared by every DFM service.
// Each service only touches the fields relevant to it (Process: HTTP +
// queue depth; Executor: node/adapter/cache; Scheduler: queue depth).
type Metrics struct {
	// HTTP ingress
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	// Pipeline execution
	NodesExecutedTotal  *prometheus.CounterVec
	NodeDuration        *prometheus.HistogramVec
	RequestsTotal       *prometheus.CounterVec
	RequestDuration     *prometheus.HistogramVec
	PipelineNodesTotal  prometheus.Histogram

	// Cache
	CacheHitsTotal   prometheus.Counter
	CacheMissesTotal prometheus.Counter
	CacheBytesTotal  prometheus.Gauge

	// Broker / queues
	QueueDepth        *prometheus.GaugeVec
	DelayedQueueDepth prometheus.Gauge

	// Adapters
	AdapterLatency   *prometheus.HistogramVec
	AdapterErrors    *prometheus.CounterVec
	CircuitBreakerState *prometheus.GaugeVec

	// System
	Goroutines prometheus.Gauge

	ServiceInfo *prometheus.GaugeVec
}

var defaultMetrics *Metrics

// InitMetrics initializes the metrics container under the given namespace
// and subsystem.
func InitMetrics(namespace, subsystem string) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP ingress requests",
			},
			[]string{"route", "method", "status"},
		),

		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "http_request_duration_seconds",
				Help:      "Duration of HTTP ingress requests",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"route", "method"},
		),

		HTTPRequestsInFlight: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "http_requests_in_flight",
				Help:      "Current number of HTTP ingress requests being processed",
			},
		),

		NodesExecutedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "nodes_executed_total",
				Help:      "Total number of pipeline nodes executed",
			},
			[]string{"api_class", "status"},
		),

		NodeDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "node_duration_seconds",
				Help:      "Duration of a single node's execution",
				Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"api_class"},
		),

		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "requests_total",
				Help:      "Total number of pipeline requests submitted",
			},
			[]string{"status"},
		),

		RequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "request_duration_seconds",
				Help:      "Duration of a pipeline request from submission to terminal state",
				Buckets:   []float64{.1, .5, 1, 5, 10, 30, 60, 300, 900},
			},
			[]string{"status"},
		),

		PipelineNodesTotal: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "pipeline_nodes_submitted",
				Help:      "Number of nodes in submitted pipelines",
				Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
			},
		),

		CacheHitsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "cache_hits_total",
				Help:      "Total number of cache hits by fingerprint",
			},
		),

		CacheMissesTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "cache_misses_total",
				Help:      "Total number of cache misses by fingerprint",
			},
		),

		CacheBytesTotal: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "cache_bytes_total",
				Help:      "Estimated bytes held by the content-addressable cache",
			},
		),

		QueueDepth: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "queue_depth",
				Help:      "Current depth of a broker queue",
			},
			[]string{"queue"},
		),

		DelayedQueueDepth: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "delayed_queue_depth",
				Help:      "Current depth of the scheduler's delayed sorted set",
			},
		),

		AdapterLatency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "adapter_latency_seconds",
				Help:      "Latency of adapter invocations",
				Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"provider", "adapter_class"},
		),

		AdapterErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "adapter_errors_total",
				Help:      "Total number of adapter invocation errors",
			},
			[]string{"provider", "adapter_class", "kind"},
		),

		CircuitBreakerState: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state per provider (0=closed, 1=half-open, 2=open)",
			},
			[]string{"provider"},
		),

		Goroutines: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "goroutines",
				Help:      "Current number of goroutines",
			},
		),

		ServiceInfo: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "service_info",
				Help:      "Service information",
			},
			[]string{"version", "environment"},
		),
	}

	defaultMetrics = m
	return m
}

// Get returns the global metrics container, initializing it with the
// default namespace if it hasn't been set up yet.
func Get() *Metrics {
	if defaultMetrics == nil {
		return InitMetrics("dfm", "")
	}
	return defaultMetrics
}

// RecordHTTPRequest records metrics for one HTTP ingress request.
func (m *Metrics) RecordHTTPRequest(route, method, status string, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(route, method, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(route, method).Observe(duration.Seconds())
}

// RecordNodeExecution records metrics for one node's execution.
func (m *Metrics) RecordNodeExecution(apiClass, status string, duration time.Duration) {
	m.NodesExecutedTotal.WithLabelValues(apiClass, status).Inc()
	m.NodeDuration.WithLabelValues(apiClass).Observe(duration.Seconds())
}

// RecordRequest records metrics for one pipeline request reaching a
// terminal state.
func (m *Metrics) RecordRequest(status string, duration time.Duration, nodeCount int) {
	m.RequestsTotal.WithLabelValues(status).Inc()
	m.RequestDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.PipelineNodesTotal.Observe(float64(nodeCount))
}

// RecordCacheLookup records a cache hit or miss.
func (m *Metrics) RecordCacheLookup(hit bool) {
	if hit {
		m.CacheHitsTotal.Inc()
	} else {
		m.CacheMissesTotal.Inc()
	}
}

// RecordAdapterCall records latency and, on failure, an error for one
// adapter invocation.
func (m *Metrics) RecordAdapterCall(provider, adapterClass string, duration time.Duration, errKind string) {
	m.AdapterLatency.WithLabelValues(provider, adapterClass).Observe(duration.Seconds())
	if errKind != "" {
		m.AdapterErrors.WithLabelValues(provider, adapterClass, errKind).Inc()
	}
}

// SetQueueDepth records the current depth of a named broker queue.
func (m *Metrics) SetQueueDepth(queue string, depth int) {
	m.QueueDepth.WithLabelValues(queue).Set(float64(depth))
}

// SetServiceInfo sets the service_info gauge.
func (m *Metrics) SetServiceInfo(version, environment string) {
	m.ServiceInfo.WithLabelValues(version, environment).Set(1)
}

// Handler returns the HTTP handler serving Prometheus's text exposition
// format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// StartMetricsServer starts a dedicated HTTP server exposing /metrics and
// /health on the given port.
func StartMetricsServer(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK")) //nolint:errcheck // health endpoint, write failures are not actionable
	})

	server := &http.Server{
		Addr:         ":" + strconv.Itoa(port),
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return server.ListenAndServe()
}
