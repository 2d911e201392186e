package otel

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation scope for spans started by this module.
const TracerName = "github.com/fractal-lba/mmm"

// Config holds OpenTelemetry configuration
type Config struct {
	ServiceName          string
	ServiceVersion       string
	Environment          string
	CollectorEndpoint    string
	CollectorInsecure    bool
	SamplingRate         float64 // 0.0 to 1.0
	MaxEventsPerSpan     int
	MaxAttributesPerSpan int
}

// DefaultConfig returns development defaults
func DefaultConfig(serviceName string) *Config {
	return &Config{
		ServiceName:          serviceName,
		ServiceVersion:       "0.1.0",
		Environment:          "development",
		CollectorEndpoint:    "localhost:4317",
		CollectorInsecure:    true,
		SamplingRate:         1.0,
		MaxEventsPerSpan:     128,
		MaxAttributesPerSpan: 128,
	}
}

// InitTracer installs a global tracer provider exporting over OTLP/gRPC.
func InitTracer(ctx context.Context, config *Config) (*sdktrace.TracerProvider, error) {
	if config == nil {
		config = DefaultConfig("mmm")
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(config.CollectorEndpoint)}
	if config.CollectorInsecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(5*time.Second),
			sdktrace.WithMaxQueueSize(2048),
			sdktrace.WithMaxExportBatchSize(512),
		),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(config.SamplingRate))),
		sdktrace.WithSpanLimits(sdktrace.SpanLimits{
			EventCountLimit:     config.MaxEventsPerSpan,
			AttributeCountLimit: config.MaxAttributesPerSpan,
		}),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return tp, nil
}

// Shutdown flushes and stops the tracer provider
func Shutdown(ctx context.Context, tp *sdktrace.TracerProvider) error {
	if tp == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return tp.Shutdown(ctx)
}

// StartSpan starts a span on the module tracer.
func StartSpan(ctx context.Context, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(TracerName).Start(ctx, spanName, trace.WithAttributes(attrs...))
}

// RecordError records an error on a span with optional message
func RecordError(span trace.Span, err error, message string) {
	if span == nil || err == nil {
		return
	}

	if message != "" {
		span.RecordError(err, trace.WithAttributes(
			attribute.String("error.message", message),
		))
	} else {
		span.RecordError(err)
	}

	span.SetStatus(codes.Error, err.Error())
}

// AddEvent adds an event to a span
func AddEvent(span trace.Span, name string, attrs ...attribute.KeyValue) {
	if span == nil {
		return
	}
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// Attribute keys for model spans
const (
	AttrModelID   = attribute.Key("mmm.model_id")
	AttrDatasetID = attribute.Key("mmm.dataset_id")
	AttrChannels  = attribute.Key("mmm.channels")
	AttrRows      = attribute.Key("mmm.rows")

	AttrDraws  = attribute.Key("mcmc.draws")
	AttrTune   = attribute.Key("mcmc.tune")
	AttrChains = attribute.Key("mcmc.chains")

	AttrRHatMax     = attribute.Key("mcmc.rhat_max")
	AttrDivergences = attribute.Key("mcmc.divergences")
	AttrConverged   = attribute.Key("mcmc.converged")

	AttrStrategy = attribute.Key("optimizer.strategy")
	AttrBudget   = attribute.Key("optimizer.budget")
	AttrSuccess  = attribute.Key("optimizer.success")
)

func ModelAttributes(modelID, datasetID string, channels []string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{AttrChannels.String(strings.Join(channels, ","))}
	if modelID != "" {
		attrs = append(attrs, AttrModelID.String(modelID))
	}
	if datasetID != "" {
		attrs = append(attrs, AttrDatasetID.String(datasetID))
	}
	return attrs
}

func SamplerAttributes(draws, tune, chains int) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrDraws.Int(draws),
		AttrTune.Int(tune),
		AttrChains.Int(chains),
	}
}

func DiagnosticAttributes(rhatMax float64, divergences int, converged bool) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrRHatMax.Float64(rhatMax),
		AttrDivergences.Int(divergences),
		AttrConverged.Bool(converged),
	}
}

func OptimizerAttributes(strategy string, budget float64, success bool) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrStrategy.String(strategy),
		AttrBudget.Float64(budget),
		AttrSuccess.Bool(success),
	}
}
