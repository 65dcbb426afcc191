// Package otel wires OpenTelemetry tracing and metrics for plugin
// invocations and reload cycles. When disabled every instrument is a no-op.
package otel

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	noopmetric "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/herald/internal/config"
)

const (
	TracerName = "herald"
	MeterName  = "herald"
	Version    = "v0.3.0"
)

// Exporter names accepted in otel.exporter.
const (
	ExporterOTLPHTTP = "otlp-http"
	ExporterStdout   = "stdout"
	ExporterNone     = "none"
)

const defaultOTLPEndpoint = "localhost:4318"

type Config = config.OTelConfig

// Provider bundles the tracer and meter handed to the runtime.
type Provider struct {
	Tracer trace.Tracer
	Meter  metric.Meter

	shutdown []func(context.Context) error
}

// Option adjusts Init. Tests use it to capture spans and metrics in memory.
type Option func(*initOptions)

type initOptions struct {
	spans  sdktrace.SpanExporter
	reader sdkmetric.Reader
	global bool
}

// WithSpanExporter bypasses the configured exporter. Spans are exported
// synchronously so callers can inspect them right after End.
func WithSpanExporter(exp sdktrace.SpanExporter) Option {
	return func(o *initOptions) { o.spans = exp }
}

// WithMetricReader attaches a reader to the meter provider.
func WithMetricReader(r sdkmetric.Reader) Option {
	return func(o *initOptions) { o.reader = r }
}

// Init builds the providers described by cfg. Shutdown must be called on exit.
func Init(ctx context.Context, cfg Config, opts ...Option) (*Provider, error) {
	o := initOptions{global: true}
	for _, opt := range opts {
		opt(&o)
	}
	if !cfg.Enabled {
		return &Provider{
			Tracer: nooptrace.NewTracerProvider().Tracer(TracerName),
			Meter:  noopmetric.NewMeterProvider().Meter(MeterName),
		}, nil
	}

	res, err := newResource(ctx, cfg.ServiceName)
	if err != nil {
		return nil, fmt.Errorf("otel resource: %w", err)
	}

	var spanOpt sdktrace.TracerProviderOption
	if o.spans != nil {
		o.global = false
		spanOpt = sdktrace.WithSyncer(o.spans)
	} else {
		exp, err := newSpanExporter(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("otel exporter: %w", err)
		}
		spanOpt = sdktrace.WithBatcher(exp)
	}
	tp := sdktrace.NewTracerProvider(
		spanOpt,
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRate(cfg.SampleRate)))),
	)
	if o.global {
		otel.SetTracerProvider(tp)
	}

	mpOpts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	if o.reader != nil {
		mpOpts = append(mpOpts, sdkmetric.WithReader(o.reader))
	}
	mp := sdkmetric.NewMeterProvider(mpOpts...)

	return &Provider{
		Tracer:   tp.Tracer(TracerName, trace.WithInstrumentationVersion(Version)),
		Meter:    mp.Meter(MeterName, metric.WithInstrumentationVersion(Version)),
		shutdown: []func(context.Context) error{tp.Shutdown, mp.Shutdown},
	}, nil
}

// Shutdown flushes pending telemetry. It is safe on a disabled provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	for _, fn := range p.shutdown {
		errs = append(errs, fn(ctx))
	}
	p.shutdown = nil
	return errors.Join(errs...)
}

func newResource(ctx context.Context, serviceName string) (*resource.Resource, error) {
	if serviceName == "" {
		serviceName = "herald"
	}
	return resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(Version),
		attribute.String("herald.version", Version),
	))
}

func sampleRate(r float64) float64 {
	if r <= 0 || r > 1 {
		return 1
	}
	return r
}

func newSpanExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Exporter)) {
	case ExporterOTLPHTTP, "":
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = defaultOTLPEndpoint
		}
		return otlptracehttp.New(ctx,
			otlptracehttp.WithEndpoint(endpoint),
			otlptracehttp.WithInsecure(),
		)
	case ExporterStdout:
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case ExporterNone:
		return discardExporter{}, nil
	default:
		return nil, fmt.Errorf("unknown exporter %q (supported: %s, %s, %s)", cfg.Exporter, ExporterOTLPHTTP, ExporterStdout, ExporterNone)
	}
}

// discardExporter keeps spans recording, for local correlation ids, without
// shipping them anywhere.
type discardExporter struct{}

func (discardExporter) ExportSpans(context.Context, []sdktrace.ReadOnlySpan) error { return nil }
func (discardExporter) Shutdown(context.Context) error                            { return nil }
