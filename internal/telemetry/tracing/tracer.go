// Package tracing wraps OpenTelemetry span creation, trimmed to the
// single exporter and parent-based sampler this proxy's OtelConfig
// exposes.
package tracing

import (
	"context"
	"fmt"
	"time"

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

	"aspyx/internal/config"
)

// Tracer wraps an OpenTelemetry tracer so request-lifecycle spans
// (resolve, transform, translate, upstream call, augment, respond) share
// one construction path whether tracing is enabled or not.
type Tracer struct {
	tracer   trace.Tracer
	provider *sdktrace.TracerProvider
	enabled  bool
}

// New builds a Tracer from cfg. A disabled or nil config returns a noop
// tracer with negligible per-span overhead, so call sites never need a
// nil check.
func New(cfg *config.OtelConfig) (*Tracer, error) {
	if cfg == nil || !cfg.Enabled {
		return &Tracer{tracer: trace.NewNoopTracerProvider().Tracer("aspyx"), enabled: false}, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client := otlptracegrpc.NewClient(otlptracegrpc.WithEndpoint(cfg.ConnectionString), otlptracegrpc.WithInsecure())
	exporter, err := otlptrace.New(ctx, client)
	if err != nil {
		return nil, fmt.Errorf("tracing: build otlp exporter: %w", err)
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "aspyx"
	}
	serviceVersion := cfg.ServiceVersion
	if serviceVersion == "" {
		serviceVersion = "dev"
	}

	res, err := resource.New(context.Background(), resource.WithAttributes(
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(serviceVersion),
	))
	if err != nil {
		return nil, fmt.Errorf("tracing: build resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return &Tracer{tracer: provider.Tracer("aspyx"), provider: provider, enabled: true}, nil
}

// Start begins a span, delegating straight to the wrapped tracer.
func (t *Tracer) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, opts...)
}

// Shutdown flushes pending spans. Safe to call on a disabled tracer.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if !t.enabled || t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}

func (t *Tracer) Enabled() bool { return t.enabled }

// SetError marks span as failed and attaches err, mirroring the
// request-handling error path's errs.Error so a trace and a log line
// always agree on what went wrong.
func SetError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.SetAttributes(attribute.Bool("error", true), attribute.String("error.message", err.Error()))
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
