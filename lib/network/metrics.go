package network

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the metrics instruments for network operations.
type Metrics struct {
	tapOperations metric.Int64Counter
}

// newNetworkMetrics creates and registers all network metrics.
func newNetworkMetrics(meter metric.Meter, m *Manager) (*Metrics, error) {
	tapOperations, err := meter.Int64Counter(
		"procurator_network_tap_operations_total",
		metric.WithDescription("Total number of TAP device operations"),
	)
	if err != nil {
		return nil, err
	}

	allocationsTotal, err := meter.Int64ObservableGauge(
		"procurator_network_allocations_total",
		metric.WithDescription("Total number of active address allocations"),
	)
	if err != nil {
		return nil, err
	}

	capacityTotal, err := meter.Int64ObservableGauge(
		"procurator_network_capacity_total",
		metric.WithDescription("Number of usable guest addresses in the subnet"),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.RegisterCallback(
		func(ctx context.Context, o metric.Observer) error {
			o.ObserveInt64(allocationsTotal, int64(m.pool.InUse()))
			o.ObserveInt64(capacityTotal, int64(m.pool.Usable()))
			return nil
		},
		allocationsTotal,
		capacityTotal,
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		tapOperations: tapOperations,
	}, nil
}

// recordTAPOperation records a TAP device operation.
func (m *Manager) recordTAPOperation(ctx context.Context, operation string, err error) {
	if m.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.metrics.tapOperations.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("operation", operation),
			attribute.String("status", status),
		))
}
