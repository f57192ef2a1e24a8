package observability

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

const defaultServiceName = "ephemera"

// Tracer opens spans around channel creation, reconcile ticks, deletions and
// platform calls. A nil *Tracer is valid and records nothing.
//
//	tracer, shutdown := observability.NewTracer(observability.TraceConfig{
//	    Endpoint: "localhost:4317",
//	})
//	defer shutdown(context.Background())
//
//	ctx, span := tracer.TraceReconcileTick(ctx, tick, driftCheck)
//	defer span.End()
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
	config   TraceConfig
}

// TraceConfig selects the OTLP collector and the resource attributes
// attached to every exported span.
type TraceConfig struct {
	ServiceName    string
	ServiceVersion string
	Environment    string

	// Endpoint is the OTLP gRPC collector address. Empty disables export.
	Endpoint string

	// SamplingRate is the recorded fraction of root spans; zero means 1.0.
	SamplingRate float64

	Attributes     map[string]string
	EnableInsecure bool

	// Logger reports an exporter that could not be built. Defaults to slog.Default().
	Logger *slog.Logger
}

// NewTracer returns a tracer and its shutdown func. Without an endpoint, or
// when the exporter cannot be built, spans go to the global no-op provider;
// the latter is logged as a warning.
func NewTracer(config TraceConfig) (*Tracer, func(context.Context) error) {
	if config.ServiceName == "" {
		config.ServiceName = defaultServiceName
	}
	if config.SamplingRate == 0 {
		config.SamplingRate = 1.0
	}

	provider, err := newProvider(config)
	if err != nil {
		logger := config.Logger
		if logger == nil {
			logger = slog.Default()
		}
		logger.Warn("tracing disabled: exporter setup failed",
			"endpoint", config.Endpoint,
			"error", err)
	}
	if provider == nil {
		return &Tracer{tracer: otel.Tracer(config.ServiceName), config: config},
			func(context.Context) error { return nil }
	}

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return &Tracer{provider: provider, tracer: provider.Tracer(config.ServiceName), config: config},
		provider.Shutdown
}

func newProvider(config TraceConfig) (*sdktrace.TracerProvider, error) {
	if config.Endpoint == "" {
		return nil, nil
	}

	exporter, err := newExporter(config)
	if err != nil {
		return nil, fmt.Errorf("otlp exporter: %w", err)
	}

	attrs := []attribute.KeyValue{
		semconv.ServiceName(config.ServiceName),
		semconv.ServiceVersion(config.ServiceVersion),
	}
	if config.Environment != "" {
		attrs = append(attrs, semconv.DeploymentEnvironment(config.Environment))
	}
	for k, v := range config.Attributes {
		attrs = append(attrs, attribute.String(k, v))
	}
	res, err := resource.New(context.Background(), resource.WithAttributes(attrs...))
	if err != nil {
		res = resource.Default()
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(samplerFor(config.SamplingRate))),
	), nil
}

var newExporter = func(config TraceConfig) (sdktrace.SpanExporter, error) {
	clientOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(config.Endpoint)}
	if config.EnableInsecure {
		clientOpts = append(clientOpts, otlptracegrpc.WithInsecure())
	}
	return otlptrace.New(context.Background(), otlptracegrpc.NewClient(clientOpts...))
}

func samplerFor(rate float64) sdktrace.Sampler {
	if rate >= 1 {
		return sdktrace.AlwaysSample()
	}
	if rate <= 0 {
		return sdktrace.NeverSample()
	}
	return sdktrace.TraceIDRatioBased(rate)
}

func (t *Tracer) start(ctx context.Context, name string, kind trace.SpanKind, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	tracer := otel.Tracer(defaultServiceName)
	if t != nil && t.tracer != nil {
		tracer = t.tracer
	}
	return tracer.Start(ctx, name, trace.WithSpanKind(kind), trace.WithAttributes(attrs...))
}

// TraceCreateResource spans one /createvc request.
func (t *Tracer) TraceCreateResource(ctx context.Context, guildID, visibility string) (context.Context, trace.Span) {
	return t.start(ctx, "lifecycle.create_resource", trace.SpanKindServer,
		attribute.String("guild.id", guildID),
		attribute.String("resource.visibility", visibility),
	)
}

// TraceReconcileTick spans one reconciler tick.
func (t *Tracer) TraceReconcileTick(ctx context.Context, tick uint64, driftCheck bool) (context.Context, trace.Span) {
	return t.start(ctx, "reconcile.tick", trace.SpanKindInternal,
		attribute.Int64("reconcile.tick", int64(tick)),
		attribute.Bool("reconcile.drift_check", driftCheck),
	)
}

// TraceDeletion spans the processing of one deletion request.
func (t *Tracer) TraceDeletion(ctx context.Context, resourceID string) (context.Context, trace.Span) {
	return t.start(ctx, "deletion.process", trace.SpanKindConsumer,
		attribute.String("resource.id", resourceID),
	)
}

// TracePlatformCall spans a single chat platform REST call.
func (t *Tracer) TracePlatformCall(ctx context.Context, op string) (context.Context, trace.Span) {
	return t.start(ctx, "platform."+op, trace.SpanKindClient,
		attribute.String("platform.op", op),
	)
}

// RecordError marks span as failed. A nil err is ignored.
func (t *Tracer) RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetAttributes sets attributes from alternating keys and values. Pairs
// with a non-string key and a trailing unpaired key are dropped.
func (t *Tracer) SetAttributes(span trace.Span, keyvals ...any) {
	attrs := make([]attribute.KeyValue, 0, len(keyvals)/2)
	for i := 0; i+1 < len(keyvals); i += 2 {
		if key, ok := keyvals[i].(string); ok {
			attrs = append(attrs, toAttribute(key, keyvals[i+1]))
		}
	}
	span.SetAttributes(attrs...)
}

func toAttribute(key string, val any) attribute.KeyValue {
	switch v := val.(type) {
	case string:
		return attribute.String(key, v)
	case int:
		return attribute.Int(key, v)
	case int64:
		return attribute.Int64(key, v)
	case bool:
		return attribute.Bool(key, v)
	case []string:
		return attribute.StringSlice(key, v)
	default:
		return attribute.String(key, fmt.Sprint(v))
	}
}
