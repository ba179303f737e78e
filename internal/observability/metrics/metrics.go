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

// Metrics exposes raffle-level instruments.
type Metrics struct {
	purchases           metric.Int64Counter
	ticketsSold         metric.Int64Counter
	paymentFailures     metric.Int64Counter
	bookkeepingFailures metric.Int64Counter
	winnersDrawn        metric.Int64Counter
	notifications       metric.Int64Counter
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
				if log != nil {
					log.Info("shutting down meter provider")
				}
				return provider.Shutdown(ctx)
			},
		})
	}

	if log != nil {
		log.Info("metrics initialized",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}

	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "ticketstack"
	}
	meter := provider.Meter(name)

	purchases, err := meter.Int64Counter("ticketstack_purchases_total")
	if err != nil {
		return nil, err
	}
	ticketsSold, err := meter.Int64Counter("ticketstack_tickets_sold_total")
	if err != nil {
		return nil, err
	}
	paymentFailures, err := meter.Int64Counter("ticketstack_payment_failures_total")
	if err != nil {
		return nil, err
	}
	bookkeepingFailures, err := meter.Int64Counter("ticketstack_bookkeeping_failures_total")
	if err != nil {
		return nil, err
	}
	winnersDrawn, err := meter.Int64Counter("ticketstack_winners_drawn_total")
	if err != nil {
		return nil, err
	}
	notifications, err := meter.Int64Counter("ticketstack_notifications_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		purchases:           purchases,
		ticketsSold:         ticketsSold,
		paymentFailures:     paymentFailures,
		bookkeepingFailures: bookkeepingFailures,
		winnersDrawn:        winnersDrawn,
		notifications:       notifications,
	}, nil
}

// RecordPurchase counts purchase attempts by outcome (completed, rejected, replayed, failed).
func (m *Metrics) RecordPurchase(ctx context.Context, outcome, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("outcome", strings.TrimSpace(outcome)),
		attribute.String("reason", strings.TrimSpace(reason)),
	)
	m.purchases.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordTicketsSold(ctx context.Context, category string, tickets int64) {
	if m == nil || tickets <= 0 {
		return
	}
	attrs := FilterAttributes(attribute.String("category", strings.TrimSpace(category)))
	m.ticketsSold.Add(ctx, tickets, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordPaymentFailure(ctx context.Context, provider, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("provider", strings.TrimSpace(provider)),
		attribute.String("reason", strings.TrimSpace(reason)),
	)
	m.paymentFailures.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordBookkeepingFailure(ctx context.Context, provider string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("provider", strings.TrimSpace(provider)))
	m.bookkeepingFailures.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordWinnerDrawn counts draw attempts by source (scheduler, operator) and outcome.
func (m *Metrics) RecordWinnerDrawn(ctx context.Context, source, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("source", strings.TrimSpace(source)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.winnersDrawn.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordNotification(ctx context.Context, kind, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("kind", strings.TrimSpace(kind)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.notifications.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
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
	"outcome":  {},
	"reason":   {},
	"provider": {},
	"category": {},
	"source":   {},
	"kind":     {},
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
