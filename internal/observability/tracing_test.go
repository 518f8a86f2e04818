package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/pitabwire/offerdesk/internal/config"
)

// setupTestTracer installs an always-sampling provider that exports to
// memory.
func setupTestTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
	})
	return exporter
}

// --- InitTracing ---

func TestInitTracing(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.TracingConfig
		wantErr bool
	}{
		{"disabled", config.TracingConfig{Enabled: false}, false},
		{"stdout", config.TracingConfig{Enabled: true, Exporter: "stdout", SamplingRate: 1}, false},
		{"stdout forcing errors", config.TracingConfig{Enabled: true, Exporter: "stdout", SamplingRate: 0.1, ForceSampleErrors: true}, false},
		{"unsupported", config.TracingConfig{Enabled: true, Exporter: "zipkin"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			shutdown, err := InitTracing(context.Background(), tt.cfg, "offerdesk", "test")
			if tt.wantErr {
				if err == nil {
					t.Fatal("InitTracing() error = nil, want error")
				}
				return
			}
			if err != nil {
				t.Fatalf("InitTracing() error = %v", err)
			}
			if err := shutdown(context.Background()); err != nil {
				t.Errorf("shutdown() error = %v", err)
			}
		})
	}
}

// --- Spans ---

func TestStartSpan_createsSpan(t *testing.T) {
	exporter := setupTestTracer(t)

	ctx, span := StartSpan(context.Background(), "session.Submit",
		AttrSessionID.String("s-1"),
		AttrTenantID.String("house-1"),
	)
	span.End()

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Name != "session.Submit" {
		t.Errorf("span name = %q, want session.Submit", spans[0].Name)
	}
	attrs := spanAttrMap(spans[0])
	if attrs["offerdesk.session_id"] != "s-1" {
		t.Errorf("offerdesk.session_id = %q, want s-1", attrs["offerdesk.session_id"])
	}
	if attrs["offerdesk.tenant_id"] != "house-1" {
		t.Errorf("offerdesk.tenant_id = %q, want house-1", attrs["offerdesk.tenant_id"])
	}
	if trace.SpanFromContext(ctx) != span {
		t.Error("context should carry the created span")
	}
}

func TestStartSpan_parentChild(t *testing.T) {
	exporter := setupTestTracer(t)

	ctx, parent := StartSpan(context.Background(), "session.Submit")
	_, child := StartSpan(ctx, "offering.AddOffer")
	child.End()
	parent.End()

	spans := exporter.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}
	if spans[0].SpanContext.TraceID() != spans[1].SpanContext.TraceID() {
		t.Error("parent and child should share the same trace ID")
	}
	if spans[0].Parent.SpanID() != spans[1].SpanContext.SpanID() {
		t.Error("child parent span ID should match parent span ID")
	}
}

func TestEndSpanWithError(t *testing.T) {
	exporter := setupTestTracer(t)

	_, failed := StartSpan(context.Background(), "failed.op")
	EndSpanWithError(failed, errors.New("offer store unavailable"))
	_, ok := StartSpan(context.Background(), "ok.op")
	EndSpanWithError(ok, nil)

	spans := exporter.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}
	if spans[0].Status.Code != codes.Error || spans[0].Status.Description != "offer store unavailable" {
		t.Errorf("failed status = %+v, want Error with description", spans[0].Status)
	}
	if len(spans[0].Events) == 0 {
		t.Error("expected the error to be recorded as an event")
	}
	if spans[1].Status.Code == codes.Error {
		t.Error("status should not be Error when err is nil")
	}
}

func TestTraceIDFromContext(t *testing.T) {
	setupTestTracer(t)

	if got := TraceIDFromContext(context.Background()); got != "" {
		t.Errorf("TraceIDFromContext without span = %q, want empty", got)
	}
	ctx, span := StartSpan(context.Background(), "trace.id")
	defer span.End()
	if got, want := TraceIDFromContext(ctx), span.SpanContext().TraceID().String(); got != want {
		t.Errorf("TraceIDFromContext = %q, want %q", got, want)
	}
}

// --- Middleware ---

func TestTracingMiddleware_createsRootSpan(t *testing.T) {
	exporter := setupTestTracer(t)

	handler := TracingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/sessions/s-1", nil))

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	s := spans[0]
	if s.Name != "GET /api/v1/sessions/s-1" {
		t.Errorf("span name = %q", s.Name)
	}
	if s.SpanKind != trace.SpanKindServer {
		t.Errorf("span kind = %v, want Server", s.SpanKind)
	}
	if got := spanAttrMap(s)["http.request.method"]; got != "GET" {
		t.Errorf("http.request.method = %q, want GET", got)
	}
	if rec.Header().Get("Traceparent") == "" {
		t.Error("response should have Traceparent header")
	}
}

func TestTracingMiddleware_statusCodes(t *testing.T) {
	tests := []struct {
		status    int
		wantError bool
	}{
		{http.StatusOK, false},
		{http.StatusUnprocessableEntity, false},
		{http.StatusBadGateway, true},
	}
	for _, tt := range tests {
		exporter := setupTestTracer(t)
		handler := TracingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
		}))
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/v1/sessions/s-1/submit", nil))

		spans := exporter.GetSpans()
		if len(spans) != 1 {
			t.Fatalf("expected 1 span, got %d", len(spans))
		}
		if got := spans[0].Status.Code == codes.Error; got != tt.wantError {
			t.Errorf("status %d: error status = %v, want %v", tt.status, got, tt.wantError)
		}
	}
}

func TestTracingMiddleware_extractsTraceparent(t *testing.T) {
	exporter := setupTestTracer(t)

	handler := TracingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	req := httptest.NewRequest(http.MethodGet, "/api/v1/offers", nil)
	req.Header.Set("Traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if got := spans[0].SpanContext.TraceID().String(); got != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Errorf("trace ID = %q, want inbound trace ID", got)
	}
}

// --- Sampling ---

func TestNewSampler(t *testing.T) {
	for _, rate := range []float64{0, 0.5, 1, 2} {
		if s := newSampler(config.TracingConfig{SamplingRate: rate}); s == nil || s.Description() == "" {
			t.Errorf("newSampler(%v) = %v", rate, s)
		}
	}
	s := newSampler(config.TracingConfig{SamplingRate: 0.5, ForceSampleErrors: true})
	if _, ok := s.(*errorForceSampler); !ok {
		t.Fatalf("expected *errorForceSampler, got %T", s)
	}
}

func TestErrorSpanProcessor_exportsOnlyUnsampledErrors(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(&errorForceSampler{delegate: sdktrace.NeverSample()}),
		sdktrace.WithSyncer(exporter),
		sdktrace.WithSpanProcessor(&errorSpanProcessor{exporter: exporter}),
	)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	tracer := tp.Tracer("test")

	_, ok := tracer.Start(context.Background(), "ok.op")
	ok.End()
	_, failed := tracer.Start(context.Background(), "failed.op")
	EndSpanWithError(failed, errors.New("approval failed"))

	spans := exporter.GetSpans()
	if len(spans) != 1 || spans[0].Name != "failed.op" {
		t.Fatalf("exported spans = %v, want only failed.op", spans)
	}
}

// --- helpers ---

// spanAttrMap converts a span's attributes to a map[string]string for easier assertion.
func spanAttrMap(s tracetest.SpanStub) map[string]string {
	m := make(map[string]string)
	for _, a := range s.Attributes {
		m[string(a.Key)] = a.Value.Emit()
	}
	return m
}
