package otel

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func recorder(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})
	return exp
}

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig("test-service")

	if config.ServiceName != "test-service" {
		t.Errorf("Expected service name 'test-service', got '%s'", config.ServiceName)
	}
	if config.ServiceVersion == "" {
		t.Error("Service version should not be empty")
	}
	if config.CollectorEndpoint == "" {
		t.Error("Collector endpoint should not be empty")
	}
	if config.SamplingRate < 0.0 || config.SamplingRate > 1.0 {
		t.Errorf("Sampling rate out of bounds: %.2f", config.SamplingRate)
	}
}

func TestModelAttributes(t *testing.T) {
	attrs := ModelAttributes("ab12cd34", "", []string{"tv", "radio"})
	if len(attrs) != 2 {
		t.Fatalf("Expected 2 attributes without dataset, got %d", len(attrs))
	}
	if attrs[0].Key != AttrChannels || attrs[0].Value.AsString() != "tv,radio" {
		t.Errorf("channels attribute = %v", attrs[0])
	}
	if attrs := ModelAttributes("", "ds", nil); len(attrs) != 2 {
		t.Errorf("Expected 2 attributes without model id, got %d", len(attrs))
	}
}

func TestSamplerAndOptimizerAttributes(t *testing.T) {
	if attrs := SamplerAttributes(1000, 1000, 4); len(attrs) != 3 || attrs[2].Value.AsInt64() != 4 {
		t.Errorf("SamplerAttributes = %v", attrs)
	}
	if attrs := DiagnosticAttributes(1.01, 0, true); len(attrs) != 3 {
		t.Errorf("DiagnosticAttributes = %v", attrs)
	}
	if attrs := OptimizerAttributes("gradient", 1e5, true); attrs[1].Value.AsFloat64() != 1e5 {
		t.Errorf("OptimizerAttributes = %v", attrs)
	}
}

func TestStartSpanRecordsAttributes(t *testing.T) {
	exp := recorder(t)

	_, span := StartSpan(context.Background(), "model.fit", attribute.String("test.key", "test.value"))
	AddEvent(span, "sampling.done", AttrDivergences.Int(2))
	span.End()

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(spans))
	}
	s := spans[0]
	if s.Name != "model.fit" || s.InstrumentationScope.Name != TracerName {
		t.Errorf("span = %s from %s", s.Name, s.InstrumentationScope.Name)
	}
	if len(s.Attributes) != 1 || len(s.Events) != 1 {
		t.Errorf("attributes = %v, events = %v", s.Attributes, s.Events)
	}
}

func TestRecordError(t *testing.T) {
	exp := recorder(t)

	_, span := StartSpan(context.Background(), "model.predict")
	RecordError(span, nil, "ignored")
	RecordError(span, errors.New("not fitted"), "predict failed")
	span.End()

	s := exp.GetSpans()[0]
	if s.Status.Code != codes.Error || s.Status.Description != "not fitted" {
		t.Errorf("status = %+v", s.Status)
	}
	if len(s.Events) != 1 {
		t.Errorf("events = %v, want one exception event", s.Events)
	}
}
