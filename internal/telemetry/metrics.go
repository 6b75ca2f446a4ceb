// Package telemetry exposes the mediator's counters through OpenTelemetry.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Config controls metric export.
type Config struct {
	Enabled     bool          `mapstructure:"enabled"`
	Endpoint    string        `mapstructure:"endpoint"`
	Interval    time.Duration `mapstructure:"interval"`
	ServiceName string        `mapstructure:"service_name"`
}

// Metrics holds counter functions. Every field is always non-nil so callers
// never check for a disabled provider.
type Metrics struct {
	Request      func(mode string)
	Failure      func(code int)
	Recording    func(outcome string)
	ReplayMiss   func()
	PagesVisited func(n int64)
	Close        func()
}

// Nop returns Metrics that record nothing.
func Nop() *Metrics {
	return &Metrics{
		Request:      func(string) {},
		Failure:      func(int) {},
		Recording:    func(string) {},
		ReplayMiss:   func() {},
		PagesVisited: func(int64) {},
		Close:        func() {},
	}
}

// Setup creates the meter provider and counters. When export is disabled the
// returned Metrics are no-ops.
func Setup(ctx context.Context, cfg Config) (*Metrics, error) {
	if !cfg.Enabled {
		return Nop(), nil
	}

	r, err := newResource(cfg)
	if err != nil {
		return nil, fmt.Errorf("building resource: %w", err)
	}
	exporter, err := otlpmetrichttp.New(ctx,
		otlpmetrichttp.WithEndpoint(cfg.Endpoint),
		otlpmetrichttp.WithInsecure())
	if err != nil {
		return nil, fmt.Errorf("creating metric exporter: %w", err)
	}

	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))),
		sdkmetric.WithResource(r),
	)
	otel.SetMeterProvider(meterProvider)

	m, err := newMetrics(ctx, otel.Meter(cfg.ServiceName))
	if err != nil {
		_ = meterProvider.Shutdown(ctx)
		return nil, err
	}
	m.Close = func() {
		if err := meterProvider.Shutdown(context.Background()); err != nil {
			slog.Error("failed to shutdown metrics provider.", slog.String("err", err.Error()))
		}
	}
	return m, nil
}

func newMetrics(ctx context.Context, meter metric.Meter) (*Metrics, error) {
	requests, err := meter.Int64Counter("tapedeck.requests",
		metric.WithDescription("Requests routed by the network adapter"),
		metric.WithUnit("{requests}"))
	if err != nil {
		return nil, fmt.Errorf("creating request counter: %w", err)
	}
	failures, err := meter.Int64Counter("tapedeck.requests.failed",
		metric.WithDescription("Requests that ended in a classified failure"),
		metric.WithUnit("{requests}"))
	if err != nil {
		return nil, fmt.Errorf("creating failure counter: %w", err)
	}
	recordings, err := meter.Int64Counter("tapedeck.recordings",
		metric.WithDescription("Recordings settled, by outcome"),
		metric.WithUnit("{recordings}"))
	if err != nil {
		return nil, fmt.Errorf("creating recording counter: %w", err)
	}
	misses, err := meter.Int64Counter("tapedeck.replay.miss",
		metric.WithDescription("Replay lookups with no stored response"),
		metric.WithUnit("{requests}"))
	if err != nil {
		return nil, fmt.Errorf("creating replay miss counter: %w", err)
	}
	pages, err := meter.Int64Counter("tapedeck.scrape.pages",
		metric.WithDescription("Pages visited by the crawl engine"),
		metric.WithUnit("{pages}"))
	if err != nil {
		return nil, fmt.Errorf("creating page counter: %w", err)
	}

	return &Metrics{
		Request: func(mode string) {
			requests.Add(ctx, 1, metric.WithAttributes(attribute.String("mode", mode)))
		},
		Failure: func(code int) {
			failures.Add(ctx, 1, metric.WithAttributes(attribute.Int("code", code)))
		},
		Recording: func(outcome string) {
			recordings.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
		},
		ReplayMiss: func() {
			misses.Add(ctx, 1)
		},
		PagesVisited: func(n int64) {
			pages.Add(ctx, n)
		},
		Close: func() {},
	}, nil
}

func newResource(cfg Config) (*resource.Resource, error) {
	return resource.Merge(resource.Default(),
		resource.NewWithAttributes(semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceInstanceID(uuid.New().String()),
		))
}
