// Package tracing wires the OpenTelemetry trace pipeline. Exporters are
// selected by name: "off" installs nothing (the global no-op tracer stays in
// place), "stdout" pretty-prints spans, "zipkin" ships them to a collector.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/exporters/zipkin"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/fluxorio/machina/pkg/logging"
)

// Exporter names.
const (
	ExporterOff    = "off"
	ExporterStdout = "stdout"
	ExporterZipkin = "zipkin"
)

// Config selects and configures the exporter.
type Config struct {
	// Exporter: off | stdout | zipkin. Empty means off.
	Exporter string
	// ZipkinURL is the collector endpoint, e.g.
	// "http://localhost:9411/api/v2/spans".
	ZipkinURL string
	// ServiceName names the traced service. Default "machina".
	ServiceName string
}

// Provider owns the installed tracer pipeline.
type Provider struct {
	tp     *sdktrace.TracerProvider
	logger logging.Logger
}

// Setup builds the trace pipeline and installs it as the global provider.
// With Exporter off it returns a nil Provider; Tracer on a nil Provider
// yields a no-op tracer, so callers never need to branch.
func Setup(cfg Config, logger logging.Logger) (*Provider, error) {
	if logger == nil {
		logger = logging.NewDefault()
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "machina"
	}

	var exporter sdktrace.SpanExporter
	var err error
	switch cfg.Exporter {
	case "", ExporterOff:
		return nil, nil
	case ExporterStdout:
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	case ExporterZipkin:
		exporter, err = zipkin.New(cfg.ZipkinURL)
	default:
		return nil, fmt.Errorf("tracing: unknown exporter %q", cfg.Exporter)
	}
	if err != nil {
		return nil, fmt.Errorf("tracing: create %s exporter: %w", cfg.Exporter, err)
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
	))
	if err != nil {
		return nil, fmt.Errorf("tracing: build resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	logger.Infof("tracing enabled: exporter %s", cfg.Exporter)
	return &Provider{tp: tp, logger: logger}, nil
}

// Tracer returns a tracer for the given instrumentation name. Safe on a nil
// Provider.
func (p *Provider) Tracer(name string) trace.Tracer {
	if p == nil {
		return otel.GetTracerProvider().Tracer(name)
	}
	return p.tp.Tracer(name)
}

// Shutdown flushes spans and stops the pipeline. Safe on a nil Provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	if err := p.tp.Shutdown(ctx); err != nil {
		return fmt.Errorf("tracing: shutdown: %w", err)
	}
	return nil
}
