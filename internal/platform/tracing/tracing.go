// Package tracing installs the global OpenTelemetry tracer provider. Spans
// are exported over OTLP/gRPC when tracing is enabled; otherwise the global
// no-op provider stays in place.
package tracing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/phrazzld/mediagen/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
)

// ShutdownFunc flushes pending spans and stops the exporter.
type ShutdownFunc func(ctx context.Context) error

func noopShutdown(context.Context) error { return nil }

// Setup configures tracing from cfg. The returned shutdown func is never nil.
func Setup(ctx context.Context, cfg config.TracingConfig, logger *slog.Logger) (ShutdownFunc, error) {
	if !cfg.Enabled {
		logger.Debug("tracing disabled")
		return noopShutdown, nil
	}
	if cfg.Endpoint == "" {
		return noopShutdown, errors.New("tracing endpoint cannot be empty")
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return noopShutdown, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	tp := newProvider(ctx, cfg, sdktrace.WithBatcher(exporter), logger)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	logger.Info("tracing enabled",
		"endpoint", cfg.Endpoint,
		"service_name", serviceName(cfg),
		"sample_ratio", cfg.SampleRatio)
	return tp.Shutdown, nil
}

func newProvider(ctx context.Context, cfg config.TracingConfig, processor sdktrace.TracerProviderOption, logger *slog.Logger) *sdktrace.TracerProvider {
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName(cfg))))
	if err != nil {
		logger.Warn("failed to build trace resource", "error", err)
		res = resource.Default()
	}

	return sdktrace.NewTracerProvider(
		processor,
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
	)
}

func serviceName(cfg config.TracingConfig) string {
	if cfg.ServiceName == "" {
		return "mediagen"
	}
	return cfg.ServiceName
}
