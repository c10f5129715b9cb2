package celeris

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func withRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})
	return sr
}

func spanAttr(span sdktrace.ReadOnlySpan, key attribute.Key) (attribute.Value, bool) {
	for _, kv := range span.Attributes() {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestTracing_RecordsSpan(t *testing.T) {
	sr := withRecorder(t)
	var inner trace.SpanContext
	handler := Tracing()(HandlerFunc(func(ctx *Context) error {
		inner = trace.SpanContextFromContext(ctx.Context())
		return ctx.String(200, "ok")
	}))

	ctx, _ := newTestContext("POST", "/upload?x=1", [2]string{"content-length", "42"})
	ctx.StreamID = 8
	if err := handler.ServeHTTP3(ctx); err != nil {
		t.Fatalf("ServeHTTP3() error = %v", err)
	}

	spans := sr.Ended()
	if len(spans) != 1 {
		t.Fatalf("Expected 1 span, got %d", len(spans))
	}
	span := spans[0]
	if span.Name() != "POST /upload" {
		t.Errorf("Expected span name 'POST /upload', got %q", span.Name())
	}
	if span.SpanKind() != trace.SpanKindServer {
		t.Errorf("Expected server span, got %v", span.SpanKind())
	}
	if v, ok := spanAttr(span, "http.stream_id"); !ok || v.AsInt64() != 8 {
		t.Errorf("Expected http.stream_id 8, got %v", v.Emit())
	}
	if v, ok := spanAttr(span, "http.request_content_length"); !ok || v.AsInt64() != 42 {
		t.Errorf("Expected content length 42, got %v", v.Emit())
	}
	if v, ok := spanAttr(span, "network.protocol.version"); !ok || v.AsString() != "3" {
		t.Errorf("Expected protocol version 3, got %v", v.Emit())
	}
	if span.Status().Code != codes.Ok {
		t.Errorf("Expected Ok status, got %v", span.Status().Code)
	}
	if inner.SpanID() != span.SpanContext().SpanID() {
		t.Error("Expected handler context to carry the request span")
	}
}

func TestTracing_ErrorStatus(t *testing.T) {
	sr := withRecorder(t)
	handler := Tracing()(HandlerFunc(func(_ *Context) error {
		return errors.New("failed")
	}))
	ctx, _ := newTestContext("GET", "/fail")
	_ = handler.ServeHTTP3(ctx)

	notFound := Tracing()(HandlerFunc(func(ctx *Context) error {
		return ctx.String(404, "missing")
	}))
	ctx, _ = newTestContext("GET", "/missing")
	_ = notFound.ServeHTTP3(ctx)

	spans := sr.Ended()
	if len(spans) != 2 {
		t.Fatalf("Expected 2 spans, got %d", len(spans))
	}
	for _, span := range spans {
		if span.Status().Code != codes.Error {
			t.Errorf("Expected Error status for %s, got %v", span.Name(), span.Status().Code)
		}
	}
	if len(spans[0].Events()) == 0 {
		t.Error("Expected the handler error recorded as an event")
	}
}

func TestTracing_PropagatesParent(t *testing.T) {
	sr := withRecorder(t)
	handler := TracingWithConfig(TracingConfig{Propagator: propagation.TraceContext{}})(HandlerFunc(func(ctx *Context) error {
		return ctx.NoContent(204)
	}))

	traceparent := "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"
	ctx, _ := newTestContext("GET", "/", [2]string{"traceparent", traceparent})
	_ = handler.ServeHTTP3(ctx)

	spans := sr.Ended()
	if len(spans) != 1 {
		t.Fatalf("Expected 1 span, got %d", len(spans))
	}
	if got := spans[0].SpanContext().TraceID().String(); got != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Errorf("Expected trace id from traceparent, got %s", got)
	}
	if got := spans[0].Parent().SpanID().String(); got != "00f067aa0ba902b7" {
		t.Errorf("Expected remote parent span, got %s", got)
	}
}

func TestTracingWithConfig_SkipPaths(t *testing.T) {
	sr := withRecorder(t)
	handler := TracingWithConfig(TracingConfig{SkipPaths: []string{"/health"}})(HandlerFunc(func(ctx *Context) error {
		return ctx.String(200, "ok")
	}))

	ctx, _ := newTestContext("GET", "/health?verbose=1")
	_ = handler.ServeHTTP3(ctx)
	if n := len(sr.Ended()); n != 0 {
		t.Errorf("Expected skipped path not traced, got %d spans", n)
	}
}

func TestHeaderCarrier(t *testing.T) {
	h := NewHeaders()
	carrier := &headerCarrier{headers: &h}
	carrier.Set("Traceparent", "value")

	if carrier.Get("traceparent") != "value" {
		t.Errorf("Expected value, got %s", carrier.Get("traceparent"))
	}
	keys := carrier.Keys()
	if len(keys) != 1 || keys[0] != "traceparent" {
		t.Errorf("Expected [traceparent], got %v", keys)
	}
}
