// Package telemetry sets up tracing, metrics and the process logger.
package telemetry

import (
	"context"
	"errors"
	"fmt"

	"github.com/zoff-tech/sms-relay/pkg/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.10.0"
	"go.uber.org/multierr"
)

// ShutdownFunc flushes and stops the providers installed by Init.
type ShutdownFunc func(ctx context.Context) error

// Init installs the global tracer and meter providers and the W3C propagator.
// An empty TracingURL or MetricsURL leaves that signal without an exporter.
func Init(ctx context.Context, cfg config.Observability) (ShutdownFunc, error) {
	// Validate configuration
	if cfg.ServiceName == "" {
		return nil, errors.New("service name cannot be empty")
	}

	// Create a resource to describe the service
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.DeploymentEnvironmentKey.String(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tracerOpts := []trace.TracerProviderOption{trace.WithResource(res)}
	if cfg.TracingURL != "" {
		// Create an OTLP trace exporter
		client := otlptracehttp.NewClient(otlptracehttp.WithEndpointURL(cfg.TracingURL))
		traceExporter, err := otlptrace.New(ctx, client)
		if err != nil {
			return nil, fmt.Errorf("failed to create trace exporter: %w", err)
		}
		tracerOpts = append(tracerOpts, trace.WithBatcher(traceExporter))
	}

	meterOpts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	if cfg.MetricsURL != "" {
		metricExporter, err := otlpmetrichttp.New(ctx, otlpmetrichttp.WithEndpointURL(cfg.MetricsURL))
		if err != nil {
			return nil, fmt.Errorf("failed to create metric exporter: %w", err)
		}
		meterOpts = append(meterOpts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter)))
	}

	tp := trace.NewTracerProvider(tracerOpts...)
	mp := sdkmetric.NewMeterProvider(meterOpts...)
	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	// Return a shutdown function to clean up resources
	return func(ctx context.Context) error {
		return multierr.Combine(
			tp.Shutdown(ctx),
			mp.Shutdown(ctx),
		)
	}, nil
}
