// Package trace wraps OpenTelemetry's tracing SDK into the handful of
// spans this process actually emits: one around each claimed run's
// iteration loop, one around each LLM call, and one around each tool
// execution. Like internal/metrics, a span is purely observational --
// a Tracer that fails to export (or a nil *Tracer) must never change a
// run's outcome.
package trace

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// Tracer is a thin wrapper around an otel trace.Tracer, plus the span
// helpers this process's call sites actually use.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
	config   Config
}

// Config configures tracing.
type Config struct {
	// ServiceName identifies this process in exported traces.
	ServiceName string

	// ServiceVersion identifies the running build.
	ServiceVersion string

	// Environment is the deployment environment (production, staging, dev).
	Environment string

	// Endpoint is the OTLP gRPC collector endpoint (e.g.
	// "localhost:4317"). Empty disables export entirely -- Start still
	// returns usable spans, they're just never recorded.
	Endpoint string

	// SamplingRate is the fraction of traces recorded, in [0,1].
	// Defaults to 1.0 if zero.
	SamplingRate float64

	// EnableInsecure disables TLS on the OTLP connection. Dev only.
	EnableInsecure bool
}

// SpanOptions configures one span's creation.
type SpanOptions struct {
	Kind       trace.SpanKind
	Attributes []attribute.KeyValue
}

// New builds a Tracer from config, returning it alongside a shutdown
// func that must be called on process exit. If config.Endpoint is
// empty, or the OTLP exporter fails to construct, New falls back to a
// tracer that creates real spans but never exports them.
func New(config Config) (*Tracer, func(context.Context) error) {
	if config.Endpoint == "" {
		return noopTracer(config), func(context.Context) error { return nil }
	}

	if config.SamplingRate == 0 {
		config.SamplingRate = 1.0
	}
	if config.ServiceName == "" {
		config.ServiceName = "conductor"
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(config.Endpoint)}
	if config.EnableInsecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	exporter, err := otlptrace.New(context.Background(), otlptracegrpc.NewClient(opts...))
	if err != nil {
		return noopTracer(config), func(context.Context) error { return nil }
	}

	attrs := []attribute.KeyValue{
		semconv.ServiceName(config.ServiceName),
		semconv.ServiceVersion(config.ServiceVersion),
	}
	if config.Environment != "" {
		attrs = append(attrs, semconv.DeploymentEnvironment(config.Environment))
	}
	res, err := resource.New(context.Background(), resource.WithAttributes(attrs...))
	if err != nil {
		res = resource.Default()
	}

	var sampler sdktrace.Sampler
	switch {
	case config.SamplingRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case config.SamplingRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(config.SamplingRate)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(provider)

	t := &Tracer{provider: provider, tracer: provider.Tracer(config.ServiceName), config: config}
	return t, provider.Shutdown
}

func noopTracer(config Config) *Tracer {
	name := config.ServiceName
	if name == "" {
		name = "conductor"
	}
	return &Tracer{tracer: otel.Tracer(name), config: config}
}

// Start opens a span named name and returns the context carrying it.
// Safe to call on a nil *Tracer (global otel no-op tracer is used), so
// collaborators can hold a nil Tracer field before one is configured.
func (t *Tracer) Start(ctx context.Context, name string, opts ...SpanOptions) (context.Context, trace.Span) {
	tracer := otel.Tracer("conductor")
	if t != nil && t.tracer != nil {
		tracer = t.tracer
	}

	var options []trace.SpanStartOption
	if len(opts) > 0 {
		if opts[0].Kind != 0 {
			options = append(options, trace.WithSpanKind(opts[0].Kind))
		}
		if len(opts[0].Attributes) > 0 {
			options = append(options, trace.WithAttributes(opts[0].Attributes...))
		}
	}
	return tracer.Start(ctx, name, options...)
}

// RunIteration spans one engine.runToSuspend loop pass for a claimed
// run.
func (t *Tracer) RunIteration(ctx context.Context, runID, kind string, iteration int) (context.Context, trace.Span) {
	return t.Start(ctx, "run.iteration", SpanOptions{
		Kind: trace.SpanKindInternal,
		Attributes: []attribute.KeyValue{
			attribute.String("run.id", runID),
			attribute.String("run.kind", kind),
			attribute.Int("run.iteration", iteration),
		},
	})
}

// LLMRequest spans one provider.Complete call.
func (t *Tracer) LLMRequest(ctx context.Context, provider, model string) (context.Context, trace.Span) {
	return t.Start(ctx, fmt.Sprintf("llm.%s", provider), SpanOptions{
		Kind: trace.SpanKindClient,
		Attributes: []attribute.KeyValue{
			attribute.String("llm.provider", provider),
			attribute.String("llm.model", model),
		},
	})
}

// ToolExecution spans one tools.Registry.Execute call.
func (t *Tracer) ToolExecution(ctx context.Context, toolName string) (context.Context, trace.Span) {
	return t.Start(ctx, fmt.Sprintf("tool.%s", toolName), SpanOptions{
		Kind: trace.SpanKindInternal,
		Attributes: []attribute.KeyValue{
			attribute.String("tool.name", toolName),
		},
	})
}

// RecordError marks span failed, a no-op if err is nil.
func (t *Tracer) RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetAttributes attaches key/value pairs to span. Unrecognized value
// types are stringified with fmt.Sprintf.
func (t *Tracer) SetAttributes(span trace.Span, keyvals ...any) {
	span.SetAttributes(attributesFrom(keyvals)...)
}

func attributesFrom(keyvals []any) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(keyvals)/2)
	for i := 0; i+1 < len(keyvals); i += 2 {
		key, ok := keyvals[i].(string)
		if !ok {
			continue
		}
		attrs = append(attrs, attributeFromValue(key, keyvals[i+1]))
	}
	return attrs
}

func attributeFromValue(key string, val any) attribute.KeyValue {
	switch v := val.(type) {
	case string:
		return attribute.String(key, v)
	case int:
		return attribute.Int(key, v)
	case int64:
		return attribute.Int64(key, v)
	case float64:
		return attribute.Float64(key, v)
	case bool:
		return attribute.Bool(key, v)
	default:
		return attribute.String(key, fmt.Sprintf("%v", v))
	}
}

// GetTraceID returns the active span's trace ID, or "" if none.
func GetTraceID(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().IsValid() {
		return ""
	}
	return span.SpanContext().TraceID().String()
}
