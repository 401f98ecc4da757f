package metrics

import (
	"context"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ahrav/opstream/internal/application/executor"
)

var _ executor.ExecutionMetrics = (*executorMetrics)(nil)

// executorMetrics implements executor.ExecutionMetrics.
type executorMetrics struct {
	operationsStarted  metric.Int64Counter
	operationsFinished metric.Int64Counter
	itemsProcessed     metric.Int64Counter
	operationDuration  metric.Float64Histogram
}

// newExecutorMetrics creates a new executorMetrics instance.
func newExecutorMetrics(mp metric.MeterProvider) (*executorMetrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	m := new(executorMetrics)
	var err error

	if m.operationsStarted, err = meter.Int64Counter(
		"bulk_operations_started_total",
		metric.WithDescription("Total number of accepted bulk operations"),
	); err != nil {
		return nil, err
	}

	if m.operationsFinished, err = meter.Int64Counter(
		"bulk_operations_finished_total",
		metric.WithDescription("Total number of finished bulk operations by terminal status"),
	); err != nil {
		return nil, err
	}

	if m.itemsProcessed, err = meter.Int64Counter(
		"bulk_items_processed_total",
		metric.WithDescription("Total number of processed bulk operation items by outcome"),
	); err != nil {
		return nil, err
	}

	if m.operationDuration, err = meter.Float64Histogram(
		"bulk_operation_duration_seconds",
		metric.WithDescription("Duration of bulk operations in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *executorMetrics) IncOperationStarted(ctx context.Context, kind string) {
	m.operationsStarted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
	))
}

func (m *executorMetrics) IncOperationFinished(ctx context.Context, kind string, status string) {
	m.operationsFinished.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("status", status),
	))
}

func (m *executorMetrics) IncItemProcessed(ctx context.Context, kind string, success bool) {
	m.itemsProcessed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("success", strconv.FormatBool(success)),
	))
}

func (m *executorMetrics) ObserveOperationDuration(ctx context.Context, kind string, duration time.Duration) {
	m.operationDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("kind", kind),
	))
}
