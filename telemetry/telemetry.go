// Package telemetry configures an OpenTelemetry meter provider for this
// module's own metrics: reconnect counts, sequencer gaps, and validator
// latency. Metrics only, no tracing — a pure ingestion library has no
// request spans worth exporting.
package telemetry

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

// Config controls whether and where metrics are exported. A zero Config
// (Enabled false) is the default: every Meter call resolves to the no-op
// provider and costs nothing.
type Config struct {
	Enabled        bool
	OTLPEndpoint   string
	OTLPInsecure   bool
	ServiceName    string
	MetricInterval time.Duration
}

// Provider owns the meter provider's lifecycle. A nil-safe zero value
// behaves like a disabled Config.
type Provider struct {
	meterProvider metric.MeterProvider
	shutdown      func(context.Context) error
}

// NewProvider builds a Provider from cfg. With cfg.Enabled false, Meter
// resolves to the no-op implementation and Shutdown is a no-op.
func NewProvider(ctx context.Context, cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{meterProvider: noop.NewMeterProvider(), shutdown: func(context.Context) error { return nil }}, nil
	}

	service := strings.TrimSpace(cfg.ServiceName)
	if service == "" {
		service = "meltfeed-ingest"
	}
	interval := cfg.MetricInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}

	res, err := resource.New(ctx, resource.WithAttributes(), resource.WithProcessRuntimeName())
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}

	opts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(stripScheme(cfg.OTLPEndpoint))}
	if cfg.OTLPInsecure {
		opts = append(opts, otlpmetrichttp.WithInsecure())
	}
	exporter, err := otlpmetrichttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create metric exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))),
	)
	otel.SetMeterProvider(mp)

	return &Provider{meterProvider: mp, shutdown: mp.Shutdown}, nil
}

// Meter returns a meter scoped to name.
func (p *Provider) Meter(name string) metric.Meter {
	if p == nil || p.meterProvider == nil {
		return noop.NewMeterProvider().Meter(name)
	}
	return p.meterProvider.Meter(name)
}

// Shutdown flushes and releases the underlying meter provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.shutdown == nil {
		return nil
	}
	return p.shutdown(ctx)
}

func stripScheme(endpoint string) string {
	endpoint = strings.TrimSpace(endpoint)
	endpoint = strings.TrimPrefix(endpoint, "https://")
	endpoint = strings.TrimPrefix(endpoint, "http://")
	return endpoint
}

// Metrics groups the counters/histograms the ingestion pipeline records.
// Every field is safe to use with a no-op Provider: instrument creation
// against the no-op meter returns working, side-effect-free instruments.
type Metrics struct {
	Reconnects       metric.Int64Counter
	SequencerGaps    metric.Int64Counter
	ValidatorLatency metric.Float64Histogram
	SnapshotLatency  metric.Float64Histogram
}

// NewMetrics builds the instrument set from meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	reconnects, err := meter.Int64Counter("ingest.reconnects",
		metric.WithDescription("count of reconnect cycles per exchange"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: reconnects counter: %w", err)
	}
	gaps, err := meter.Int64Counter("ingest.sequencer_gaps",
		metric.WithDescription("count of terminal sequencer discipline violations"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: sequencer gaps counter: %w", err)
	}
	validatorLatency, err := meter.Float64Histogram("ingest.validator_latency_ms",
		metric.WithDescription("time from subscribe frame sent to validation complete"), metric.WithUnit("ms"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: validator latency histogram: %w", err)
	}
	snapshotLatency, err := meter.Float64Histogram("ingest.snapshot_latency_ms",
		metric.WithDescription("time to fetch and apply an L2 REST snapshot"), metric.WithUnit("ms"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: snapshot latency histogram: %w", err)
	}
	return &Metrics{
		Reconnects:       reconnects,
		SequencerGaps:    gaps,
		ValidatorLatency: validatorLatency,
		SnapshotLatency:  snapshotLatency,
	}, nil
}
