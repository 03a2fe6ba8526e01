package outbox

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type dispatcherMetrics struct {
	messagesDelivered    metric.Int64Counter
	messagesFailed       metric.Int64Counter
	messagesDeadLettered metric.Int64Counter
	messagesExpired      metric.Int64Counter
	messagesSkipped      metric.Int64Counter
	messagesDeferred     metric.Int64Counter
	messagesStateFailed  metric.Int64Counter
	dispatchLatency      metric.Float64Histogram
	batchSize            metric.Int64Gauge
}

func newDispatcherMetrics(provider metric.MeterProvider) (dispatcherMetrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	meter := provider.Meter("eventbox.outbox.dispatcher")

	var (
		metrics dispatcherMetrics
		err     error
	)

	metrics.messagesDelivered, err = meter.Int64Counter(
		"outbox.messages.delivered",
		metric.WithDescription("Number of outbox messages successfully published and marked delivered"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create outbox.messages.delivered counter: %w", err)
	}

	metrics.messagesFailed, err = meter.Int64Counter(
		"outbox.messages.failed",
		metric.WithDescription("Number of outbox messages that failed to publish and were rescheduled"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create outbox.messages.failed counter: %w", err)
	}

	metrics.messagesDeadLettered, err = meter.Int64Counter(
		"outbox.messages.dead_lettered",
		metric.WithDescription("Number of outbox messages moved to the terminal dead-letter state"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create outbox.messages.dead_lettered counter: %w", err)
	}

	metrics.messagesExpired, err = meter.Int64Counter(
		"outbox.messages.expired",
		metric.WithDescription("Number of outbox messages expired past their time to live"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create outbox.messages.expired counter: %w", err)
	}

	metrics.messagesSkipped, err = meter.Int64Counter(
		"outbox.messages.skipped",
		metric.WithDescription("Number of outbox messages suppressed by the duplicate detection window"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create outbox.messages.skipped counter: %w", err)
	}

	metrics.messagesDeferred, err = meter.Int64Counter(
		"outbox.messages.deferred",
		metric.WithDescription("Number of claimed outbox messages released because the broker circuit was open"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create outbox.messages.deferred counter: %w", err)
	}

	metrics.messagesStateFailed, err = meter.Int64Counter(
		"outbox.messages.state_update_failed",
		metric.WithDescription("Number of outbox messages published but not persisted as delivered"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create outbox.messages.state_update_failed counter: %w", err)
	}

	metrics.dispatchLatency, err = meter.Float64Histogram(
		"outbox.dispatch.latency",
		metric.WithDescription("Time taken per dispatch cycle"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create outbox.dispatch.latency histogram: %w", err)
	}

	metrics.batchSize, err = meter.Int64Gauge(
		"outbox.batch.size",
		metric.WithDescription("Number of outbox messages claimed in a dispatch cycle (due and reclaimed)"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create outbox.batch.size gauge: %w", err)
	}

	return metrics, nil
}
