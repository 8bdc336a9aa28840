package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	bodySizeBuckets     = []float64{100, 1024, 10240, 102400, 1048576}
)

// Metrics holds all Prometheus metric instruments for the engine.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Workflow metrics
	WorkflowStartsTotal     prometheus.Counter
	WorkflowFinishedTotal   *prometheus.CounterVec
	WorkflowSuspendedTotal  prometheus.Counter
	WorkflowResumedTotal    prometheus.Counter
	WorkflowActiveInstances prometheus.Gauge
	WorkflowStaleInstances  prometheus.Gauge
	StepOutcomesTotal       *prometheus.CounterVec

	// Ledger metrics
	LedgerDeductsTotal *prometheus.CounterVec
	LedgerRefundsTotal prometheus.Counter
	LedgerGrantsTotal  prometheus.Counter

	// Resume metrics
	ResumeTotal *prometheus.CounterVec

	// Backend collaborator metrics
	BreakerState *prometheus.GaugeVec

	// Idempotency metrics
	IdempotencyReplaysTotal prometheus.Counter
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "qg_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "qg_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "qg_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "qg_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// Workflow
		WorkflowStartsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "qg_workflow_starts_total",
			Help: "Total number of workflow instances started.",
		}),
		WorkflowFinishedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "qg_workflow_finished_total",
			Help: "Total number of workflow instances finished, by terminal status.",
		}, []string{"status"}),
		WorkflowSuspendedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "qg_workflow_suspended_total",
			Help: "Total number of instance suspensions at the review wait point.",
		}),
		WorkflowResumedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "qg_workflow_resumed_total",
			Help: "Total number of instances resumed by a reviewer decision.",
		}),
		WorkflowActiveInstances: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "qg_workflow_active_instances",
			Help: "Number of instances currently running or suspended.",
		}),
		WorkflowStaleInstances: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "qg_workflow_stale_instances",
			Help: "Running instances older than the staleness threshold at the last sweep.",
		}),
		StepOutcomesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "qg_workflow_step_outcomes_total",
			Help: "Step executions by step name and final outcome.",
		}, []string{"step", "outcome"}),

		// Ledger
		LedgerDeductsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "qg_ledger_deducts_total",
			Help: "Credit deduction attempts by result reason.",
		}, []string{"reason"}),
		LedgerRefundsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "qg_ledger_refunds_total",
			Help: "Total applied credit refunds.",
		}),
		LedgerGrantsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "qg_ledger_grants_total",
			Help: "Total applied credit grants.",
		}),

		// Resume
		ResumeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "qg_resume_total",
			Help: "Resume attempts by outcome (applied, conflict).",
		}, []string{"outcome"}),

		// Backend
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "qg_step_circuit_breaker_state",
			Help: "Circuit breaker state per step (0=closed, 1=half-open, 2=open).",
		}, []string{"step"}),

		// Idempotency
		IdempotencyReplaysTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "qg_idempotency_replays_total",
			Help: "Requests answered from the idempotency store.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		m.WorkflowStartsTotal,
		m.WorkflowFinishedTotal,
		m.WorkflowSuspendedTotal,
		m.WorkflowResumedTotal,
		m.WorkflowActiveInstances,
		m.WorkflowStaleInstances,
		m.StepOutcomesTotal,
		m.LedgerDeductsTotal,
		m.LedgerRefundsTotal,
		m.LedgerGrantsTotal,
		m.ResumeTotal,
		m.BreakerState,
		m.IdempotencyReplaysTotal,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// WorkflowStarted implements workflow.Metrics.
func (m *Metrics) WorkflowStarted() {
	m.WorkflowStartsTotal.Inc()
	m.WorkflowActiveInstances.Inc()
}

// WorkflowFinished implements workflow.Metrics.
func (m *Metrics) WorkflowFinished(status string) {
	m.WorkflowFinishedTotal.WithLabelValues(status).Inc()
	m.WorkflowActiveInstances.Dec()
}

// WorkflowSuspended implements workflow.Metrics.
func (m *Metrics) WorkflowSuspended() {
	m.WorkflowSuspendedTotal.Inc()
}

// WorkflowResumed implements workflow.Metrics.
func (m *Metrics) WorkflowResumed() {
	m.WorkflowResumedTotal.Inc()
}

// StepFinished implements workflow.Metrics.
func (m *Metrics) StepFinished(stepName, outcome string) {
	m.StepOutcomesTotal.WithLabelValues(stepName, outcome).Inc()
}

// StaleInstances implements workflow.Metrics.
func (m *Metrics) StaleInstances(count int) {
	m.WorkflowStaleInstances.Set(float64(count))
}

// RecordDeduct records a credit deduction attempt by reason.
func (m *Metrics) RecordDeduct(reason string) {
	m.LedgerDeductsTotal.WithLabelValues(reason).Inc()
}

// RecordRefund records an applied refund.
func (m *Metrics) RecordRefund() {
	m.LedgerRefundsTotal.Inc()
}

// RecordGrant records an applied grant.
func (m *Metrics) RecordGrant() {
	m.LedgerGrantsTotal.Inc()
}

// RecordResume records a resume attempt by outcome.
func (m *Metrics) RecordResume(outcome string) {
	m.ResumeTotal.WithLabelValues(outcome).Inc()
}

// SetBreakerState sets the circuit breaker state for a step.
// State: 0=closed, 1=half-open, 2=open.
func (m *Metrics) SetBreakerState(stepName string, state float64) {
	m.BreakerState.WithLabelValues(stepName).Set(state)
}

// RecordIdempotencyReplay records a request served from the idempotency
// store.
func (m *Metrics) RecordIdempotencyReplay() {
	m.IdempotencyReplaysTotal.Inc()
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics
// using chi's route pattern (not the actual URL path) to avoid label
// cardinality explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		duration := time.Since(start)
		pathPattern := routePattern(r)
		reqSize := 0
		if r.ContentLength > 0 {
			reqSize = int(r.ContentLength)
		}

		m.RecordHTTPRequest(r.Method, pathPattern, sw.status, duration, reqSize, sw.bytes)
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	// chi route patterns have trailing /*, remove it.
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// metricsResponseWriter wraps http.ResponseWriter to capture status and bytes.
type metricsResponseWriter struct {
	http.ResponseWriter
	status  int
	bytes   int
	written bool
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *metricsResponseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.written = true
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}
