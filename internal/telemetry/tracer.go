// Package telemetry wires OpenTelemetry tracing for the marketplace service.
package telemetry

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Options configures the tracer provider.
type Options struct {
	ServiceName string
	Version     string
	Writer      io.Writer // Span output; defaults to stdout
	Pretty      bool
	Sync        bool // Export spans synchronously, used by tests
}

// TracerProvider is the global tracer provider
var TracerProvider *sdktrace.TracerProvider

// InitTracer installs a tracer provider exporting spans as JSON and registers it globally
// together with the W3C trace context propagator.
func InitTracer(opts Options) (*sdktrace.TracerProvider, error) {
	if opts.Writer == nil {
		opts.Writer = os.Stdout
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}

	exporterOpts := []stdouttrace.Option{stdouttrace.WithWriter(opts.Writer)}
	if opts.Pretty {
		exporterOpts = append(exporterOpts, stdouttrace.WithPrettyPrint())
	}
	exporter, err := stdouttrace.New(exporterOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(opts.ServiceName),
			semconv.ServiceVersion(opts.Version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	spanProcessor := sdktrace.WithBatcher(exporter)
	if opts.Sync {
		spanProcessor = sdktrace.WithSyncer(exporter)
	}
	tp := sdktrace.NewTracerProvider(spanProcessor, sdktrace.WithResource(res))

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	TracerProvider = tp
	return tp, nil
}

// ShutdownTracer flushes and stops the global tracer provider.
func ShutdownTracer(ctx context.Context, logger *slog.Logger) {
	if TracerProvider == nil {
		return
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := TracerProvider.Shutdown(ctx); err != nil {
		logger.Error("tracer provider shutdown failed",
			"event", "tracer_shutdown_failed",
			"error", err.Error(),
		)
	}
	TracerProvider = nil
}
