//go:build unit

package outbox

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/AltairBanking/lib-eventbox/v2/eventbox/backoff"
)

func TestDefaultDispatcherConfig(t *testing.T) {
	t.Parallel()

	cfg := DefaultDispatcherConfig()

	require.Equal(t, 5*time.Second, cfg.PollInterval)
	require.Equal(t, 50, cfg.BatchSize)
	require.Equal(t, 10*time.Minute, cfg.ClaimTimeout)
	require.Equal(t, 10, cfg.MaxDeliveryCount)
	require.NoError(t, cfg.Reschedule.Validate())
	require.Equal(t, defaultRetryPolicy(), cfg.Reschedule)
	require.Nil(t, cfg.MeterProvider)
}

func TestDispatcherConfig_NormalizeFillsInvalidFields(t *testing.T) {
	t.Parallel()

	cfg := DispatcherConfig{
		PollInterval:     -time.Second,
		BatchSize:        0,
		ClaimTimeout:     0,
		MaxDeliveryCount: -1,
		Reschedule:       backoff.Policy{Limit: 0},
	}

	cfg.normalize()

	require.Equal(t, DefaultDispatcherConfig(), cfg)
}

func TestDispatcherConfig_NormalizeKeepsValidFields(t *testing.T) {
	t.Parallel()

	reschedule := backoff.Policy{
		InitialInterval: time.Second,
		MaxInterval:     time.Minute,
		Increment:       time.Second,
		Limit:           7,
	}

	cfg := DispatcherConfig{
		PollInterval:     time.Second,
		BatchSize:        5,
		ClaimTimeout:     time.Minute,
		MaxDeliveryCount: 3,
		Reschedule:       reschedule,
	}

	cfg.normalize()

	require.Equal(t, time.Second, cfg.PollInterval)
	require.Equal(t, 5, cfg.BatchSize)
	require.Equal(t, time.Minute, cfg.ClaimTimeout)
	require.Equal(t, 3, cfg.MaxDeliveryCount)
	require.Equal(t, reschedule, cfg.Reschedule)
}

func TestDispatcherOptions_ApplyToConfig(t *testing.T) {
	t.Parallel()

	reschedule := backoff.Policy{
		InitialInterval: 2 * time.Second,
		MaxInterval:     time.Minute,
		Increment:       time.Second,
		Limit:           4,
	}

	provider := noop.NewMeterProvider()

	dispatcher, err := NewDispatcher(
		&fakeRepo{},
		newTestTransport(t, okPublisher),
		nil,
		nil,
		WithPollInterval(time.Second),
		WithBatchSize(25),
		WithClaimTimeout(5*time.Minute),
		WithMaxDeliveryCount(6),
		WithReschedulePolicy(reschedule),
		WithMeterProvider(provider),
	)
	require.NoError(t, err)

	require.Equal(t, time.Second, dispatcher.cfg.PollInterval)
	require.Equal(t, 25, dispatcher.cfg.BatchSize)
	require.Equal(t, 5*time.Minute, dispatcher.cfg.ClaimTimeout)
	require.Equal(t, 6, dispatcher.cfg.MaxDeliveryCount)
	require.Equal(t, reschedule, dispatcher.cfg.Reschedule)
	require.Equal(t, provider, dispatcher.cfg.MeterProvider)
}

func TestWithDispatcherConfig_ReplacesWholeConfig(t *testing.T) {
	t.Parallel()

	cfg := DispatcherConfig{
		PollInterval:     2 * time.Second,
		BatchSize:        10,
		ClaimTimeout:     time.Minute,
		MaxDeliveryCount: 4,
		Reschedule: backoff.Policy{
			InitialInterval: time.Second,
			MaxInterval:     time.Minute,
			Increment:       time.Second,
			Limit:           4,
		},
	}

	dispatcher, err := NewDispatcher(
		&fakeRepo{},
		newTestTransport(t, okPublisher),
		nil,
		nil,
		WithDispatcherConfig(cfg),
	)
	require.NoError(t, err)

	require.Equal(t, cfg, dispatcher.cfg)
}

func TestWithDispatcherConfig_InvalidFieldsFallBack(t *testing.T) {
	t.Parallel()

	dispatcher, err := NewDispatcher(
		&fakeRepo{},
		newTestTransport(t, okPublisher),
		nil,
		nil,
		WithDispatcherConfig(DispatcherConfig{BatchSize: 25}),
	)
	require.NoError(t, err)

	require.Equal(t, 25, dispatcher.cfg.BatchSize)
	require.Equal(t, DefaultDispatcherConfig().PollInterval, dispatcher.cfg.PollInterval)
	require.Equal(t, DefaultDispatcherConfig().Reschedule, dispatcher.cfg.Reschedule)
}

func TestDispatcherOptions_IgnoreInvalidValues(t *testing.T) {
	t.Parallel()

	dispatcher, err := NewDispatcher(
		&fakeRepo{},
		newTestTransport(t, okPublisher),
		nil,
		nil,
		WithPollInterval(0),
		WithBatchSize(-1),
		WithClaimTimeout(-time.Second),
		WithMaxDeliveryCount(0),
		WithReschedulePolicy(backoff.Policy{Limit: -1}),
	)
	require.NoError(t, err)

	require.Equal(t, DefaultDispatcherConfig(), dispatcher.cfg)
}

func TestWithMeterProvider_NilTypedInterfaceStaysNil(t *testing.T) {
	t.Parallel()

	var provider *noop.MeterProvider

	dispatcher, err := NewDispatcher(
		&fakeRepo{},
		newTestTransport(t, okPublisher),
		nil,
		nil,
		WithMeterProvider(provider),
	)
	require.NoError(t, err)

	require.Nil(t, dispatcher.cfg.MeterProvider)
}
