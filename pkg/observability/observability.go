// Package observability provides the OpenTelemetry provider for the
// orchestrator: OTLP trace export plus RED (Rate, Errors, Duration) metrics
// for planning, execution and verification. Metrics are advisory: core
// correctness never depends on them, and a nil or disabled Provider is a
// safe no-op everywhere.
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

// Config configures the provider.
type Config struct {
	ServiceName    string
	ServiceVersion string
	OTLPEndpoint   string // e.g. "localhost:4317"
	Enabled        bool
	Insecure       bool
	BatchTimeout   time.Duration
}

// DefaultConfig returns a disabled provider config suitable for tests and
// library use; the binary enables export explicitly.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "arbiter",
		ServiceVersion: "0.3.0",
		OTLPEndpoint:   "localhost:4317",
		BatchTimeout:   5 * time.Second,
	}
}

// Provider owns the tracer, the meter and the RED instruments.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	logger         *slog.Logger

	taskCounter  metric.Int64Counter
	errorCounter metric.Int64Counter
	durationHist metric.Float64Histogram
	activeTasks  metric.Int64UpDownCounter
	cacheCounter metric.Int64Counter
	stealCounter metric.Int64Counter
}

// Enabled reports whether the provider exports anywhere.
func (p *Provider) Enabled() bool {
	return p != nil && p.config.Enabled
}

// New creates a provider. With Enabled=false no SDK state is initialized and
// every method is a no-op.
func New(ctx context.Context, cfg *Config) (*Provider, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 5 * time.Second
	}
	p := &Provider{
		config: cfg,
		logger: slog.Default().With("component", "observability"),
		tracer: noop.NewTracerProvider().Tracer("arbiter"),
	}
	if !cfg.Enabled {
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: create resource: %w", err)
	}

	if err := p.initTraces(ctx, res); err != nil {
		return nil, err
	}
	if err := p.initMetrics(ctx, res); err != nil {
		return nil, err
	}

	p.tracer = otel.Tracer("arbiter", trace.WithInstrumentationVersion(cfg.ServiceVersion))
	return p, p.initInstruments()
}

func (p *Provider) initTraces(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("observability: trace exporter: %w", err)
	}
	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(p.config.BatchTimeout)),
	)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))
	return nil
}

func (p *Provider) initMetrics(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("observability: metric exporter: %w", err)
	}
	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) initInstruments() error {
	meter := otel.Meter("arbiter")
	var err error
	if p.taskCounter, err = meter.Int64Counter("arbiter.tasks.total",
		metric.WithDescription("Tasks dispatched, by terminal status")); err != nil {
		return err
	}
	if p.errorCounter, err = meter.Int64Counter("arbiter.tasks.errors",
		metric.WithDescription("Task failures, by action")); err != nil {
		return err
	}
	if p.durationHist, err = meter.Float64Histogram("arbiter.task.duration",
		metric.WithDescription("Task duration in seconds"),
		metric.WithUnit("s")); err != nil {
		return err
	}
	if p.activeTasks, err = meter.Int64UpDownCounter("arbiter.tasks.active",
		metric.WithDescription("Tasks currently running")); err != nil {
		return err
	}
	if p.cacheCounter, err = meter.Int64Counter("arbiter.plancache.requests",
		metric.WithDescription("Plan cache lookups, by outcome")); err != nil {
		return err
	}
	if p.stealCounter, err = meter.Int64Counter("arbiter.worksteal.steals",
		metric.WithDescription("Successful work steals")); err != nil {
		return err
	}
	return nil
}

// StartSpan opens a span; safe on a nil or disabled provider.
func (p *Provider) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if p == nil || p.tracer == nil {
		return noop.NewTracerProvider().Tracer("arbiter").Start(ctx, name)
	}
	return p.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// TaskStarted increments the active-task gauge.
func (p *Provider) TaskStarted(ctx context.Context, action string) {
	if p == nil || p.activeTasks == nil {
		return
	}
	p.activeTasks.Add(ctx, 1, metric.WithAttributes(attribute.String("action", action)))
}

// TaskFinished records the terminal status and duration of a task.
func (p *Provider) TaskFinished(ctx context.Context, action, status string, d time.Duration) {
	if p == nil || p.taskCounter == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("action", action),
		attribute.String("status", status),
	)
	p.taskCounter.Add(ctx, 1, attrs)
	p.durationHist.Record(ctx, d.Seconds(), attrs)
	p.activeTasks.Add(ctx, -1, metric.WithAttributes(attribute.String("action", action)))
	if status == "FAILED" {
		p.errorCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("action", action)))
	}
}

// CacheLookup records a plan cache hit or miss.
func (p *Provider) CacheLookup(ctx context.Context, hit bool) {
	if p == nil || p.cacheCounter == nil {
		return
	}
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	p.cacheCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// StealRecorded counts one successful work steal.
func (p *Provider) StealRecorded(ctx context.Context) {
	if p == nil || p.stealCounter == nil {
		return
	}
	p.stealCounter.Add(ctx, 1)
}

// Shutdown flushes exporters. Safe on a disabled provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	var firstErr error
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			firstErr = err
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
