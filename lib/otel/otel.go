// Package otel sets up OpenTelemetry metric export for jocker.
package otel

import (
	"context"
	"fmt"

	"go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

// Config holds metric export settings.
type Config struct {
	// Endpoint is the OTLP gRPC collector address (host:port). Empty disables export.
	Endpoint string
	// Insecure disables TLS to the collector.
	Insecure bool

	ServiceName    string
	ServiceVersion string
}

// Enabled reports whether metrics are exported.
func (c Config) Enabled() bool {
	return c.Endpoint != ""
}

// Init installs a global meter provider that exports over OTLP gRPC.
// When export is disabled the global no-op provider stays in place.
// The returned shutdown flushes pending measurements and must be called
// before the process exits.
func Init(ctx context.Context, cfg Config) (shutdown func(context.Context) error, err error) {
	if !cfg.Enabled() {
		return func(context.Context) error { return nil }, nil
	}

	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create metric exporter: %w", err)
	}

	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
	))
	if err != nil {
		return nil, fmt.Errorf("build resource: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
		sdkmetric.WithResource(res),
	)
	// Go runtime metrics for long-running supervisors
	if err := runtime.Start(runtime.WithMeterProvider(provider)); err != nil {
		_ = provider.Shutdown(ctx)
		return nil, fmt.Errorf("start runtime metrics: %w", err)
	}

	otel.SetMeterProvider(provider)
	return provider.Shutdown, nil
}
