package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pitabwire/offerdesk/model"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets     = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	approvalDurationBuckets = []float64{1, 2, 5, 10, 15, 30, 60, 120}
	bodySizeBuckets         = []float64{100, 1024, 10240, 102400, 1048576}
)

// Outcome label values.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// Metrics holds all Prometheus metric instruments for the service.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Wizard session metrics
	SessionsStartedTotal   *prometheus.CounterVec
	SessionsClosedTotal    *prometheus.CounterVec
	SessionsActive         *prometheus.GaugeVec
	FieldEditsTotal        *prometheus.CounterVec
	ValidationFailures     *prometheus.CounterVec
	DraftSavesTotal        *prometheus.CounterVec
	SubmissionsTotal       *prometheus.CounterVec

	// Approval metrics
	ApprovalStagesTotal *prometheus.CounterVec
	ApprovalsTotal      *prometheus.CounterVec
	ApprovalDuration    prometheus.Histogram

	// Cache metrics
	CapabilityCacheHitsTotal   prometheus.Counter
	CapabilityCacheMissesTotal prometheus.Counter
	OptionCacheHitsTotal       *prometheus.CounterVec
	OptionCacheMissesTotal     *prometheus.CounterVec

	// System metrics
	DefinitionReloadTotal *prometheus.CounterVec
	DefinitionsLoaded     prometheus.Gauge
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "offerdesk_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "offerdesk_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "offerdesk_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "offerdesk_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// Sessions
		SessionsStartedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "offerdesk_wizard_sessions_started_total",
			Help: "Total number of wizard sessions started.",
		}, []string{"schema_id", "resumed"}),
		SessionsClosedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "offerdesk_wizard_sessions_closed_total",
			Help: "Total number of wizard sessions closed.",
		}, []string{"schema_id", "reason"}),
		SessionsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "offerdesk_wizard_sessions_active",
			Help: "Number of open wizard sessions.",
		}, []string{"schema_id"}),
		FieldEditsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "offerdesk_wizard_field_edits_total",
			Help: "Total number of accepted field edits.",
		}, []string{"schema_id", "field_type"}),
		ValidationFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "offerdesk_wizard_validation_failures_total",
			Help: "Total number of failed step validations.",
		}, []string{"schema_id", "step_id"}),
		DraftSavesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "offerdesk_wizard_draft_saves_total",
			Help: "Total number of draft saves.",
		}, []string{"schema_id", "status"}),
		SubmissionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "offerdesk_wizard_submissions_total",
			Help: "Total number of offer submissions.",
		}, []string{"schema_id", "status"}),

		// Approval
		ApprovalStagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "offerdesk_approval_stages_total",
			Help: "Total number of approval stages entered.",
		}, []string{"stage"}),
		ApprovalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "offerdesk_approvals_total",
			Help: "Total number of completed approvals.",
		}, []string{"status"}),
		ApprovalDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "offerdesk_approval_duration_seconds",
			Help:    "Time from submission to approval in seconds.",
			Buckets: approvalDurationBuckets,
		}),

		// Cache
		CapabilityCacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "offerdesk_capability_cache_hits_total",
			Help: "Total capability cache hits.",
		}),
		CapabilityCacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "offerdesk_capability_cache_misses_total",
			Help: "Total capability cache misses.",
		}),
		OptionCacheHitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "offerdesk_option_cache_hits_total",
			Help: "Total option source cache hits.",
		}, []string{"source"}),
		OptionCacheMissesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "offerdesk_option_cache_misses_total",
			Help: "Total option source cache misses.",
		}, []string{"source"}),

		// System
		DefinitionReloadTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "offerdesk_definition_reload_total",
			Help: "Total definition reloads.",
		}, []string{"status"}),
		DefinitionsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "offerdesk_definitions_loaded",
			Help: "Number of loaded wizard schemas.",
		}),
	}

	reg.MustRegister(
		// HTTP
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		// Sessions
		m.SessionsStartedTotal,
		m.SessionsClosedTotal,
		m.SessionsActive,
		m.FieldEditsTotal,
		m.ValidationFailures,
		m.DraftSavesTotal,
		m.SubmissionsTotal,
		// Approval
		m.ApprovalStagesTotal,
		m.ApprovalsTotal,
		m.ApprovalDuration,
		// Cache
		m.CapabilityCacheHitsTotal,
		m.CapabilityCacheMissesTotal,
		m.OptionCacheHitsTotal,
		m.OptionCacheMissesTotal,
		// System
		m.DefinitionReloadTotal,
		m.DefinitionsLoaded,
	)

	return m
}

func outcome(err error) string {
	if err != nil {
		return StatusFailure
	}
	return StatusSuccess
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

// SessionStarted records a new wizard session.
func (m *Metrics) SessionStarted(schemaID string, resumed bool) {
	m.SessionsStartedTotal.WithLabelValues(schemaID, strconv.FormatBool(resumed)).Inc()
	m.SessionsActive.WithLabelValues(schemaID).Inc()
}

// SessionClosed records a closed wizard session.
func (m *Metrics) SessionClosed(schemaID, reason string) {
	m.SessionsClosedTotal.WithLabelValues(schemaID, reason).Inc()
	m.SessionsActive.WithLabelValues(schemaID).Dec()
}

// Submitted records a submission attempt that reached the offer store or
// failed validation.
func (m *Metrics) Submitted(schemaID string, err error) {
	m.SubmissionsTotal.WithLabelValues(schemaID, outcome(err)).Inc()
}

// FieldEdited records an accepted field edit.
func (m *Metrics) FieldEdited(schemaID string, fieldType model.FieldType) {
	m.FieldEditsTotal.WithLabelValues(schemaID, string(fieldType)).Inc()
}

// ValidationFailed records a step that failed validation.
func (m *Metrics) ValidationFailed(schemaID, stepID string, _ int) {
	m.ValidationFailures.WithLabelValues(schemaID, stepID).Inc()
}

// DraftSaved records a draft save.
func (m *Metrics) DraftSaved(schemaID string, err error) {
	m.DraftSavesTotal.WithLabelValues(schemaID, outcome(err)).Inc()
}

// RecordApprovalStage records entry into an approval stage.
func (m *Metrics) RecordApprovalStage(stage string) {
	m.ApprovalStagesTotal.WithLabelValues(stage).Inc()
}

// RecordApproval records the end of an approval run.
func (m *Metrics) RecordApproval(elapsed time.Duration, err error) {
	m.ApprovalsTotal.WithLabelValues(outcome(err)).Inc()
	m.ApprovalDuration.Observe(elapsed.Seconds())
}

// RecordCapabilityCacheHit records a capability cache hit.
func (m *Metrics) RecordCapabilityCacheHit() {
	m.CapabilityCacheHitsTotal.Inc()
}

// RecordCapabilityCacheMiss records a capability cache miss.
func (m *Metrics) RecordCapabilityCacheMiss() {
	m.CapabilityCacheMissesTotal.Inc()
}

// OptionCacheHit records an option source cache hit.
func (m *Metrics) OptionCacheHit(source string) {
	m.OptionCacheHitsTotal.WithLabelValues(source).Inc()
}

// OptionCacheMiss records an option source cache miss.
func (m *Metrics) OptionCacheMiss(source string) {
	m.OptionCacheMissesTotal.WithLabelValues(source).Inc()
}

// RecordDefinitionReload records a definition reload.
func (m *Metrics) RecordDefinitionReload(status string) {
	m.DefinitionReloadTotal.WithLabelValues(status).Inc()
}

// SetDefinitionsLoaded sets the number of loaded definitions.
func (m *Metrics) SetDefinitionsLoaded(count float64) {
	m.DefinitionsLoaded.Set(count)
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
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

// HandlerFor returns a /metrics handler serving the given gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	pattern = strings.ReplaceAll(pattern, "/*/", "/")
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
