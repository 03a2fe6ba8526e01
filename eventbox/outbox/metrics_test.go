//go:build unit

package outbox

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

type testMeterProvider struct {
	metric.MeterProvider
	meter metric.Meter
}

func (provider testMeterProvider) Meter(_ string, _ ...metric.MeterOption) metric.Meter {
	return provider.meter
}

type failingMeter struct {
	metric.Meter
	failOnName string
	failErr    error
}

func (meter failingMeter) Int64Counter(name string, options ...metric.Int64CounterOption) (metric.Int64Counter, error) {
	if name == meter.failOnName {
		return nil, meter.failErr
	}

	return meter.Meter.Int64Counter(name, options...)
}

func (meter failingMeter) Float64Histogram(name string, options ...metric.Float64HistogramOption) (metric.Float64Histogram, error) {
	if name == meter.failOnName {
		return nil, meter.failErr
	}

	return meter.Meter.Float64Histogram(name, options...)
}

func (meter failingMeter) Int64Gauge(name string, options ...metric.Int64GaugeOption) (metric.Int64Gauge, error) {
	if name == meter.failOnName {
		return nil, meter.failErr
	}

	return meter.Meter.Int64Gauge(name, options...)
}

func TestNewDispatcherMetrics_DefaultProvider(t *testing.T) {
	t.Parallel()

	metrics, err := newDispatcherMetrics(nil)
	require.NoError(t, err)
	require.NotNil(t, metrics.messagesDelivered)
	require.NotNil(t, metrics.messagesFailed)
	require.NotNil(t, metrics.messagesDeadLettered)
	require.NotNil(t, metrics.messagesExpired)
	require.NotNil(t, metrics.messagesSkipped)
	require.NotNil(t, metrics.messagesDeferred)
	require.NotNil(t, metrics.messagesStateFailed)
	require.NotNil(t, metrics.dispatchLatency)
	require.NotNil(t, metrics.batchSize)
}

func TestNewDispatcherMetrics_ErrorPaths(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		instrument string
		errText    string
	}{
		{name: "messagesDelivered counter", instrument: "outbox.messages.delivered", errText: "create outbox.messages.delivered counter"},
		{name: "messagesFailed counter", instrument: "outbox.messages.failed", errText: "create outbox.messages.failed counter"},
		{name: "messagesDeadLettered counter", instrument: "outbox.messages.dead_lettered", errText: "create outbox.messages.dead_lettered counter"},
		{name: "messagesExpired counter", instrument: "outbox.messages.expired", errText: "create outbox.messages.expired counter"},
		{name: "messagesSkipped counter", instrument: "outbox.messages.skipped", errText: "create outbox.messages.skipped counter"},
		{name: "messagesDeferred counter", instrument: "outbox.messages.deferred", errText: "create outbox.messages.deferred counter"},
		{name: "messagesStateFailed counter", instrument: "outbox.messages.state_update_failed", errText: "create outbox.messages.state_update_failed counter"},
		{name: "dispatchLatency histogram", instrument: "outbox.dispatch.latency", errText: "create outbox.dispatch.latency histogram"},
		{name: "batchSize gauge", instrument: "outbox.batch.size", errText: "create outbox.batch.size gauge"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			provider := testMeterProvider{
				MeterProvider: noop.NewMeterProvider(),
				meter: failingMeter{
					Meter:      noop.NewMeterProvider().Meter("test"),
					failOnName: tt.instrument,
					failErr:    errors.New("instrument creation failed"),
				},
			}

			_, err := newDispatcherMetrics(provider)
			require.Error(t, err)
			require.ErrorContains(t, err, tt.errText)
		})
	}
}
