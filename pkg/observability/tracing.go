// Package observability sets up OpenTelemetry tracing for the extractor.
//
// Tracing is off unless enabled in configuration; the global tracer provider
// then stays the OpenTelemetry no-op and every span is free. When enabled,
// spans are batched to a stdout-format exporter writing to the configured
// writer (stderr for the CLI, keeping stdout for command output).
package observability

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ajitpratap0/intacct-extractor/pkg/config"
)

// ServiceName identifies the extractor in exported spans.
const ServiceName = "intacct-extractor"

// Tracing owns the tracer provider of a run.
type Tracing struct {
	provider *sdktrace.TracerProvider
	logger   *zap.Logger
}

// Option configures tracing setup.
type Option func(*options)

type options struct {
	writer   io.Writer
	exporter sdktrace.SpanExporter
	version  string
	logger   *zap.Logger
}

// WithWriter sets where the stdout exporter writes spans.
func WithWriter(w io.Writer) Option {
	return func(o *options) { o.writer = w }
}

// WithExporter replaces the stdout exporter, e.g. with an in-memory one in tests.
func WithExporter(exporter sdktrace.SpanExporter) Option {
	return func(o *options) { o.exporter = exporter }
}

// WithVersion sets the service version resource attribute.
func WithVersion(version string) Option {
	return func(o *options) { o.version = version }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// Init installs the global tracer provider described by cfg. It returns a
// Tracing whose Shutdown flushes pending spans; with tracing disabled the
// global provider is left untouched.
func Init(ctx context.Context, cfg config.TracingConfig, opts ...Option) (*Tracing, error) {
	o := &options{version: "dev", logger: zap.NewNop()}
	for _, opt := range opts {
		opt(o)
	}
	t := &Tracing{logger: o.logger}
	if !cfg.Enabled {
		return t, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(ServiceName),
			semconv.ServiceVersionKey.String(o.version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	exporter := o.exporter
	if exporter == nil {
		var exportOpts []stdouttrace.Option
		if o.writer != nil {
			exportOpts = append(exportOpts, stdouttrace.WithWriter(o.writer))
		}
		exporter, err = stdouttrace.New(exportOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
		}
	}

	t.provider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(cfg.SamplingRate)),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(5*time.Second)),
	)
	otel.SetTracerProvider(t.provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	o.logger.Debug("tracing enabled", zap.Float64("sampling_rate", cfg.SamplingRate))
	return t, nil
}

func sampler(rate float64) sdktrace.Sampler {
	switch {
	case rate <= 0:
		return sdktrace.NeverSample()
	case rate >= 1.0:
		return sdktrace.AlwaysSample()
	default:
		return sdktrace.TraceIDRatioBased(rate)
	}
}

// Enabled reports whether spans are exported.
func (t *Tracing) Enabled() bool {
	return t.provider != nil
}

// Tracer returns a named tracer from the global provider.
func (t *Tracing) Tracer(name string) trace.Tracer {
	if t.provider != nil {
		return t.provider.Tracer(name)
	}
	return otel.Tracer(name)
}

// Shutdown flushes and stops the tracer provider.
func (t *Tracing) Shutdown(ctx context.Context) error {
	if t.provider == nil {
		return nil
	}
	if err := t.provider.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown tracer: %w", err)
	}
	return nil
}
