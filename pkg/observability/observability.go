// Package observability provides the OpenTelemetry metrics surface of the
// governance runtime and the structured-logging helpers shared by every
// component. Metrics are exported over OTLP gRPC; when disabled the
// provider degrades to no-op instruments so callers never branch.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Config configures the metrics provider.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string        // e.g. "localhost:4317"
	ExportInterval time.Duration // default 15s
	Enabled        bool
	Insecure       bool // dev only
}

// DefaultConfig returns the defaults used when no config file is present.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "cognigate",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		ExportInterval: 15 * time.Second,
		Enabled:        false,
	}
}

// Provider owns the meter provider lifecycle and the governance metric set.
type Provider struct {
	config        *Config
	meterProvider *sdkmetric.MeterProvider
	meter         metric.Meter
	logger        *slog.Logger

	Metrics *GovernanceMetrics
}

// New creates the provider. With Enabled false every instrument is a no-op
// and no exporter connection is opened.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}
	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}

	if !config.Enabled {
		p.meter = noop.NewMeterProvider().Meter("cognigate")
		m, err := newGovernanceMetrics(p.meter)
		if err != nil {
			return nil, err
		}
		p.Metrics = m
		p.logger.InfoContext(ctx, "observability disabled, using no-op instruments")
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
			attribute.String("cognigate.component", "core"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: creating resource failed: %w", err)
	}

	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(config.OTLPEndpoint),
	}
	if config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("observability: creating metric exporter failed: %w", err)
	}

	interval := config.ExportInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(interval),
		)),
	)
	otel.SetMeterProvider(p.meterProvider)

	p.meter = p.meterProvider.Meter("cognigate",
		metric.WithInstrumentationVersion(config.ServiceVersion),
	)
	m, err := newGovernanceMetrics(p.meter)
	if err != nil {
		return nil, err
	}
	p.Metrics = m

	p.logger.InfoContext(ctx, "observability initialized",
		"service", config.ServiceName,
		"environment", config.Environment,
		"endpoint", config.OTLPEndpoint)
	return p, nil
}

// Meter returns the configured meter.
func (p *Provider) Meter() metric.Meter { return p.meter }

// Shutdown flushes and stops the meter provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.meterProvider == nil {
		return nil
	}
	if err := p.meterProvider.Shutdown(ctx); err != nil {
		p.logger.ErrorContext(ctx, "failed to shutdown meter provider", "error", err)
		return err
	}
	return nil
}
