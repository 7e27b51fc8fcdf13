// Package observability provides OpenTelemetry tracing and RED metrics for
// the orchestrator and its HTTP surface. When disabled, every method is a
// cheap no-op so callers never guard their instrumentation.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string // e.g. "localhost:4317"
	Enabled        bool
	Insecure       bool
	BatchTimeout   time.Duration
}

// Provider owns the trace and metric pipelines plus the instruments the rest
// of the system records through.
type Provider struct {
	enabled        bool
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	logger         *slog.Logger

	requestCounter    metric.Int64Counter
	errorCounter      metric.Int64Counter
	durationHist      metric.Float64Histogram
	transitionCounter metric.Int64Counter
	circuitRejections metric.Int64Counter
}

// New creates the provider. A nil or disabled config yields a no-op provider.
func New(ctx context.Context, cfg *Config, logger *slog.Logger) (*Provider, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg == nil || !cfg.Enabled {
		return &Provider{enabled: false, tracer: noop.NewTracerProvider().Tracer(""), logger: logger}, nil
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
		semconv.DeploymentEnvironment(cfg.Environment),
	))
	if err != nil {
		return nil, fmt.Errorf("build otel resource: %w", err)
	}

	traceOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
	metricOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		traceOpts = append(traceOpts, otlptracegrpc.WithInsecure())
		metricOpts = append(metricOpts, otlpmetricgrpc.WithInsecure())
	}

	traceExp, err := otlptracegrpc.New(ctx, traceOpts...)
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}
	metricExp, err := otlpmetricgrpc.New(ctx, metricOpts...)
	if err != nil {
		return nil, fmt.Errorf("create metric exporter: %w", err)
	}

	batchTimeout := cfg.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = 5 * time.Second
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(traceExp, sdktrace.WithBatchTimeout(batchTimeout)),
	)
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
	)
	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))

	meter := mp.Meter(cfg.ServiceName)
	p := &Provider{
		enabled:        true,
		tracerProvider: tp,
		meterProvider:  mp,
		tracer:         tp.Tracer(cfg.ServiceName),
		logger:         logger,
	}
	if p.requestCounter, err = meter.Int64Counter("http.requests.total"); err != nil {
		return nil, err
	}
	if p.errorCounter, err = meter.Int64Counter("http.errors.total"); err != nil {
		return nil, err
	}
	if p.durationHist, err = meter.Float64Histogram("http.request.duration.ms"); err != nil {
		return nil, err
	}
	if p.transitionCounter, err = meter.Int64Counter("transaction.transitions.total"); err != nil {
		return nil, err
	}
	if p.circuitRejections, err = meter.Int64Counter("circuit.rejections.total"); err != nil {
		return nil, err
	}
	return p, nil
}

// StartSpan begins a span; no-op when disabled.
func (p *Provider) StartSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if p == nil || p.tracer == nil {
		return noop.NewTracerProvider().Tracer("").Start(ctx, name)
	}
	return p.tracer.Start(ctx, name)
}

// RecordRequest records one HTTP request for the RED dashboard.
func (p *Provider) RecordRequest(ctx context.Context, route string, status int, dur time.Duration) {
	if p == nil || !p.enabled {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("route", route),
		attribute.Int("status", status),
	)
	p.requestCounter.Add(ctx, 1, attrs)
	if status >= 500 {
		p.errorCounter.Add(ctx, 1, attrs)
	}
	p.durationHist.Record(ctx, float64(dur.Milliseconds()), attrs)
}

// RecordTransition records one real status transition.
func (p *Provider) RecordTransition(ctx context.Context, from, to string) {
	if p == nil || !p.enabled {
		return
	}
	p.transitionCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

// RecordCircuitRejection records a call rejected by an open circuit.
func (p *Provider) RecordCircuitRejection(ctx context.Context, key string) {
	if p == nil || !p.enabled {
		return
	}
	p.circuitRejections.Add(ctx, 1, metric.WithAttributes(attribute.String("collaborator", key)))
}

// Shutdown flushes and stops the pipelines.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || !p.enabled {
		return nil
	}
	var firstErr error
	if err := p.tracerProvider.Shutdown(ctx); err != nil {
		firstErr = err
	}
	if err := p.meterProvider.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
