package metrics

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metrics groups the engine's business instruments.
type Metrics struct {
	CartMutations     metric.Int64Counter
	CheckoutSteps     metric.Int64Counter
	CheckoutFailures  metric.Int64Counter
	OrdersPlaced      metric.Int64Counter
	RevenueMinor      metric.Int64Counter
	CatalogQueryTime  metric.Float64Histogram
	PersistenceWrites metric.Int64Counter
}

func New(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.CartMutations, err = meter.Int64Counter("cart_mutations_total",
		metric.WithDescription("Cart mutations by operation")); err != nil {
		return nil, fmt.Errorf("failed to create cart_mutations_total: %w", err)
	}
	if m.CheckoutSteps, err = meter.Int64Counter("checkout_steps_total",
		metric.WithDescription("Checkout step transitions by target step")); err != nil {
		return nil, fmt.Errorf("failed to create checkout_steps_total: %w", err)
	}
	if m.CheckoutFailures, err = meter.Int64Counter("checkout_failures_total",
		metric.WithDescription("Checkout step failures by error class")); err != nil {
		return nil, fmt.Errorf("failed to create checkout_failures_total: %w", err)
	}
	if m.OrdersPlaced, err = meter.Int64Counter("orders_placed_total",
		metric.WithDescription("Orders created by the checkout pipeline")); err != nil {
		return nil, fmt.Errorf("failed to create orders_placed_total: %w", err)
	}
	if m.RevenueMinor, err = meter.Int64Counter("revenue_minor_units_total",
		metric.WithDescription("Grand total of placed orders in minor units")); err != nil {
		return nil, fmt.Errorf("failed to create revenue_minor_units_total: %w", err)
	}
	if m.CatalogQueryTime, err = meter.Float64Histogram("catalog_query_duration_seconds",
		metric.WithDescription("Catalog query latency"), metric.WithUnit("s")); err != nil {
		return nil, fmt.Errorf("failed to create catalog_query_duration_seconds: %w", err)
	}
	if m.PersistenceWrites, err = meter.Int64Counter("cart_persistence_writes_total",
		metric.WithDescription("Cart snapshot writes by outcome")); err != nil {
		return nil, fmt.Errorf("failed to create cart_persistence_writes_total: %w", err)
	}
	return m, nil
}

// Noop returns instruments that record nothing.
func Noop() *Metrics {
	m, err := New(noop.NewMeterProvider().Meter("noop"))
	if err != nil {
		panic(err)
	}
	return m
}

func (m *Metrics) CartMutation(ctx context.Context, op string) {
	m.CartMutations.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", op)))
}

func (m *Metrics) CheckoutStep(ctx context.Context, step string) {
	m.CheckoutSteps.Add(ctx, 1, metric.WithAttributes(attribute.String("step", step)))
}

func (m *Metrics) CheckoutFailure(ctx context.Context, step, class string) {
	m.CheckoutFailures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("step", step),
		attribute.String("class", class),
	))
}

func (m *Metrics) OrderPlaced(ctx context.Context, grandTotal int64, currency string) {
	attrs := metric.WithAttributes(attribute.String("currency", currency))
	m.OrdersPlaced.Add(ctx, 1, attrs)
	m.RevenueMinor.Add(ctx, grandTotal, attrs)
}

func (m *Metrics) CatalogQuery(ctx context.Context, start time.Time, sort string) {
	m.CatalogQueryTime.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.String("sort", sort)))
}

func (m *Metrics) PersistenceWrite(ctx context.Context, success bool) {
	m.PersistenceWrites.Add(ctx, 1, metric.WithAttributes(attribute.Bool("success", success)))
}
