package vms

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// managerMetrics holds the instruments for VM operations.
type managerMetrics struct {
	createDuration   metric.Float64Histogram
	removeDuration   metric.Float64Histogram
	stateTransitions metric.Int64Counter
	restarts         metric.Int64Counter
	pollFailures     metric.Int64Counter
}

// newManagerMetrics creates and registers all VM manager metrics.
func newManagerMetrics(meter metric.Meter, m *Manager) (*managerMetrics, error) {
	createDuration, err := meter.Float64Histogram(
		"procurator_vms_create_duration_seconds",
		metric.WithDescription("Time to create and boot a VM"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	removeDuration, err := meter.Float64Histogram(
		"procurator_vms_remove_duration_seconds",
		metric.WithDescription("Time to destroy and evict a VM"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	stateTransitions, err := meter.Int64Counter(
		"procurator_vms_state_transitions_total",
		metric.WithDescription("Total number of VM status transitions"),
	)
	if err != nil {
		return nil, err
	}

	restarts, err := meter.Int64Counter(
		"procurator_vms_restarts_total",
		metric.WithDescription("Total number of automatic VM restarts"),
	)
	if err != nil {
		return nil, err
	}

	pollFailures, err := meter.Int64Counter(
		"procurator_vms_poll_failures_total",
		metric.WithDescription("Total number of failed status or metrics polls"),
	)
	if err != nil {
		return nil, err
	}

	// Register observable gauge for VM counts by status
	vmsTotal, err := meter.Int64ObservableGauge(
		"procurator_vms_total",
		metric.WithDescription("Total number of VMs by status"),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.RegisterCallback(
		func(ctx context.Context, o metric.Observer) error {
			counts := make(map[Status]int64)
			for _, rec := range m.snapshot() {
				counts[rec.currentStatus()]++
			}
			for status, count := range counts {
				o.ObserveInt64(vmsTotal, count,
					metric.WithAttributes(attribute.String("status", string(status))))
			}
			return nil
		},
		vmsTotal,
	)
	if err != nil {
		return nil, err
	}

	return &managerMetrics{
		createDuration:   createDuration,
		removeDuration:   removeDuration,
		stateTransitions: stateTransitions,
		restarts:         restarts,
		pollFailures:     pollFailures,
	}, nil
}

// recordDuration records operation duration.
func (m *Manager) recordDuration(ctx context.Context, op string, start time.Time, status string) {
	if m.metrics == nil {
		return
	}
	histogram := m.metrics.createDuration
	if op == "remove" {
		histogram = m.metrics.removeDuration
	}
	histogram.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.String("status", status)))
}

// recordStateTransition records a status transition.
func (m *Manager) recordStateTransition(ctx context.Context, from, to Status) {
	if m.metrics == nil {
		return
	}
	m.metrics.stateTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("from", string(from)),
			attribute.String("to", string(to)),
		))
}

func (m *Manager) recordRestart(ctx context.Context, success bool) {
	if m.metrics == nil {
		return
	}
	result := "success"
	if !success {
		result = "failed"
	}
	m.metrics.restarts.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

func (m *Manager) recordPollFailure(ctx context.Context, op string) {
	if m.metrics == nil {
		return
	}
	m.metrics.pollFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", op)))
}

// tracerOrNoop returns t, or a no-op tracer when tracing is disabled.
func tracerOrNoop(t trace.Tracer) trace.Tracer {
	if t == nil {
		return noop.NewTracerProvider().Tracer("")
	}
	return t
}
