package node

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the metrics instruments for the node loop.
type Metrics struct {
	queueWait       metric.Float64Histogram
	requestDuration metric.Float64Histogram
}

func newNodeMetrics(meter metric.Meter, messenger *Messenger) (*Metrics, error) {
	queueWait, err := meter.Float64Histogram(
		"procurator_node_queue_wait_seconds",
		metric.WithDescription("Time a request spent in the node queue"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	requestDuration, err := meter.Float64Histogram(
		"procurator_node_request_duration_seconds",
		metric.WithDescription("Time to process a node request"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	queueDepth, err := meter.Int64ObservableGauge(
		"procurator_node_queue_depth",
		metric.WithDescription("Requests waiting in the node queue"),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.RegisterCallback(
		func(ctx context.Context, o metric.Observer) error {
			o.ObserveInt64(queueDepth, int64(messenger.Len()))
			return nil
		},
		queueDepth,
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		queueWait:       queueWait,
		requestDuration: requestDuration,
	}, nil
}

func (n *Node) recordRequest(ctx context.Context, event string, wait, duration time.Duration, err error) {
	if n.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	n.metrics.queueWait.Record(ctx, wait.Seconds(), metric.WithAttributes(attribute.String("event", event)))
	n.metrics.requestDuration.Record(ctx, duration.Seconds(),
		metric.WithAttributes(
			attribute.String("event", event),
			attribute.String("status", status),
		))
}
