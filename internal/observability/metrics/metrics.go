package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes the tally roll instruments.
type Metrics struct {
	rolls             metric.Int64Counter
	rollErrors        metric.Int64Counter
	duplicatesRemoved metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				log.Info("shutting down meter provider")
				return provider.Shutdown(ctx)
			},
		})
	}

	log.Info("metrics initialized",
		zap.String("endpoint", cfg.ExporterEndpoint),
		zap.String("protocol", cfg.ExporterProtocol),
	)
	return provider, nil
}

// New configures the roll instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "tally"
	}
	meter := provider.Meter(name)

	rolls, err := meter.Int64Counter("tally_rolls_total",
		metric.WithDescription("Bucket rolls by granularity and outcome."))
	if err != nil {
		return nil, err
	}
	rollErrors, err := meter.Int64Counter("tally_roll_errors_total",
		metric.WithDescription("Failed bucket rolls by granularity and reason."))
	if err != nil {
		return nil, err
	}
	duplicates, err := meter.Int64Counter("tally_duplicates_removed_total",
		metric.WithDescription("Duplicate snapshot rows removed while rolling."))
	if err != nil {
		return nil, err
	}

	return &Metrics{
		rolls:             rolls,
		rollErrors:        rollErrors,
		duplicatesRemoved: duplicates,
	}, nil
}

func (m *Metrics) RecordRoll(ctx context.Context, granularity, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("granularity", granularity),
		attribute.String("outcome", outcome),
	)
	m.rolls.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordDuplicatesRemoved(ctx context.Context, granularity string, count int) {
	if m == nil || count <= 0 {
		return
	}
	attrs := FilterAttributes(attribute.String("granularity", granularity))
	m.duplicatesRemoved.Add(ctx, int64(count), metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordRollError(ctx context.Context, granularity string, err error) {
	if m == nil || err == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("granularity", granularity),
		attribute.String("reason", ClassifyJobReason(err)),
	)
	m.rollErrors.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{otlpmetrichttp.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

var allowedLabelKeys = map[attribute.Key]struct{}{
	"granularity": {},
	"outcome":     {},
	"reason":      {},
	"status_code": {},
	"endpoint":    {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
