package telemetry

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors served on /metrics. All methods are
// safe on a nil receiver so components can run without metrics.
type Metrics struct {
	// Summarizer metrics
	summaryFiles      *prometheus.CounterVec
	summaryChunks     prometheus.Counter
	agentCalls        *prometheus.CounterVec
	agentCallLatency  *prometheus.HistogramVec
	rateLimitRetries  prometheus.Counter
	summaryFastPath   prometheus.Counter
	summaryPassLength prometheus.Histogram

	// Run metrics
	runsActive prometheus.Gauge
	runsTotal  *prometheus.CounterVec

	// Event stream metrics
	eventSubscribers prometheus.Gauge
	eventsDropped    prometheus.Counter

	// HTTP metrics
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	registry *prometheus.Registry
}

// NewMetrics creates a metrics instance backed by its own registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		summaryFiles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "panelflow_summarizer_files_total",
				Help: "Corpus files seen by the summarizer partitioned by diff state",
			},
			[]string{"state"},
		),

		summaryChunks: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "panelflow_summarizer_chunks_total",
				Help: "Chunks produced by the map phase",
			},
		),

		agentCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "panelflow_agent_calls_total",
				Help: "Agent invocations partitioned by phase and status",
			},
			[]string{"phase", "status"},
		),

		agentCallLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "panelflow_agent_call_duration_seconds",
				Help:    "Agent call latency in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"phase"},
		),

		rateLimitRetries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "panelflow_summarizer_rate_limit_retries_total",
				Help: "Chunk summaries retried after a rate-limit error",
			},
		),

		summaryFastPath: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "panelflow_summarizer_fast_path_total",
				Help: "Summarization passes served entirely from cache",
			},
		),

		summaryPassLength: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "panelflow_summarizer_pass_duration_seconds",
				Help:    "Duration of full summarization passes",
				Buckets: []float64{1, 5, 15, 30, 60, 180, 600, 1800},
			},
		),

		runsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "panelflow_runs_active",
				Help: "Pipeline runs currently executing",
			},
		),

		runsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "panelflow_runs_total",
				Help: "Finished pipeline runs by status",
			},
			[]string{"status"},
		),

		eventSubscribers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "panelflow_event_subscribers",
				Help: "Connected event stream subscribers",
			},
		),

		eventsDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "panelflow_events_dropped_total",
				Help: "Events dropped because a subscriber buffer was full",
			},
		),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "panelflow_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),

		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "panelflow_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		registry: registry,
	}

	registry.MustRegister(
		m.summaryFiles,
		m.summaryChunks,
		m.agentCalls,
		m.agentCallLatency,
		m.rateLimitRetries,
		m.summaryFastPath,
		m.summaryPassLength,
		m.runsActive,
		m.runsTotal,
		m.eventSubscribers,
		m.eventsDropped,
		m.httpRequestsTotal,
		m.httpRequestDuration,
	)

	return m
}

// RecordDiff records the outcome of a content diff.
func (m *Metrics) RecordDiff(changed, unchanged, removed int) {
	if m == nil {
		return
	}
	m.summaryFiles.WithLabelValues("changed").Add(float64(changed))
	m.summaryFiles.WithLabelValues("unchanged").Add(float64(unchanged))
	m.summaryFiles.WithLabelValues("removed").Add(float64(removed))
}

// RecordChunks counts chunks produced for the map phase.
func (m *Metrics) RecordChunks(n int) {
	if m == nil {
		return
	}
	m.summaryChunks.Add(float64(n))
}

// RecordAgentCall records one agent invocation. phase is map, reduce, or node.
func (m *Metrics) RecordAgentCall(phase, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.agentCalls.WithLabelValues(phase, status).Inc()
	m.agentCallLatency.WithLabelValues(phase).Observe(duration.Seconds())
}

// RecordRateLimitRetry counts a rate-limit retry in the map phase.
func (m *Metrics) RecordRateLimitRetry() {
	if m == nil {
		return
	}
	m.rateLimitRetries.Inc()
}

// RecordFastPath counts a pass answered from the cached reduced summary.
func (m *Metrics) RecordFastPath() {
	if m == nil {
		return
	}
	m.summaryFastPath.Inc()
}

// RecordPass observes the duration of a full summarization pass.
func (m *Metrics) RecordPass(duration time.Duration) {
	if m == nil {
		return
	}
	m.summaryPassLength.Observe(duration.Seconds())
}

// RunStarted increments the active run gauge.
func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.runsActive.Inc()
}

// RunFinished decrements the active run gauge and counts the terminal status.
func (m *Metrics) RunFinished(status string) {
	if m == nil {
		return
	}
	m.runsActive.Dec()
	m.runsTotal.WithLabelValues(status).Inc()
}

// SubscriberAdded tracks a new event stream subscriber.
func (m *Metrics) SubscriberAdded() {
	if m == nil {
		return
	}
	m.eventSubscribers.Inc()
}

// SubscriberRemoved tracks a closed event stream subscriber.
func (m *Metrics) SubscriberRemoved() {
	if m == nil {
		return
	}
	m.eventSubscribers.Dec()
}

// RecordEventDropped counts an event a slow subscriber missed.
func (m *Metrics) RecordEventDropped() {
	if m == nil {
		return
	}
	m.eventsDropped.Inc()
}

// RecordHTTPRequest records an HTTP request.
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// Handler returns the Prometheus metrics HTTP handler.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// MetricsMiddleware creates HTTP middleware that records request metrics.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		m.RecordHTTPRequest(r.Method, endpointName(r.URL.Path), strconv.Itoa(wrapped.statusCode), time.Since(start))
	})
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush keeps the event stream working through the middleware.
func (rw *responseWriter) Flush() {
	if flusher, ok := rw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// endpointName collapses request paths into bounded label values.
func endpointName(path string) string {
	switch {
	case path == "/healthz":
		return "health"
	case path == "/metrics":
		return "metrics"
	case path == "/v1/events":
		return "events"
	case path == "/v1/outputs":
		return "outputs"
	case strings.HasPrefix(path, "/v1/pipelines/") && strings.Contains(path, "/runs"):
		return "runs"
	case strings.HasPrefix(path, "/v1/pipelines/") && strings.HasSuffix(path, "/complete"):
		return "node_complete"
	default:
		return "unknown"
	}
}
