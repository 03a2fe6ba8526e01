package outbox

import (
	"time"

	"github.com/AltairBanking/lib-eventbox/v2/eventbox/backoff"
	"github.com/AltairBanking/lib-eventbox/v2/eventbox/internal/nilcheck"
	"go.opentelemetry.io/otel/metric"
)

const (
	defaultPollInterval     = 5 * time.Second
	defaultBatchSize        = 50
	defaultClaimTimeout     = 10 * time.Minute
	defaultMaxDeliveryCount = 10
)

// DispatcherConfig controls dispatcher polling, claiming and pacing.
type DispatcherConfig struct {
	// PollInterval is the periodic interval between dispatch cycles.
	PollInterval time.Duration
	// BatchSize is the max number of messages claimed per cycle, covering
	// both reclaimed and newly due messages.
	BatchSize int
	// ClaimTimeout is the age after which a delivering claim is considered
	// abandoned and reclaimed for another instance.
	ClaimTimeout time.Duration
	// MaxDeliveryCount is the total attempt cap across cycles before a
	// message is dead-lettered.
	MaxDeliveryCount int
	// Reschedule paces cross-cycle retries: a failed message becomes due
	// again after Reschedule.Delay(attempts).
	Reschedule backoff.Policy
	// MeterProvider overrides the default global meter provider when set.
	MeterProvider metric.MeterProvider
}

// DefaultDispatcherConfig returns the baseline dispatcher configuration.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		PollInterval:     defaultPollInterval,
		BatchSize:        defaultBatchSize,
		ClaimTimeout:     defaultClaimTimeout,
		MaxDeliveryCount: defaultMaxDeliveryCount,
		Reschedule:       defaultRetryPolicy(),
		MeterProvider:    nil,
	}
}

func (cfg *DispatcherConfig) normalize() {
	defaults := DefaultDispatcherConfig()

	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaults.PollInterval
	}

	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}

	if cfg.ClaimTimeout <= 0 {
		cfg.ClaimTimeout = defaults.ClaimTimeout
	}

	if cfg.MaxDeliveryCount <= 0 {
		cfg.MaxDeliveryCount = defaults.MaxDeliveryCount
	}

	if cfg.Reschedule.Validate() != nil {
		cfg.Reschedule = defaults.Reschedule
	}
}

// DispatcherOption mutates dispatcher configuration at construction.
type DispatcherOption func(*Dispatcher)

// WithDispatcherConfig replaces the whole configuration at once. The
// incoming MeterProvider is preserved only when set; invalid fields fall
// back to the defaults during normalization.
func WithDispatcherConfig(cfg DispatcherConfig) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if nilcheck.Interface(cfg.MeterProvider) {
			cfg.MeterProvider = dispatcher.cfg.MeterProvider
		}

		dispatcher.cfg = cfg
	}
}

// WithPollInterval sets the dispatch polling interval.
func WithPollInterval(interval time.Duration) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if interval > 0 {
			dispatcher.cfg.PollInterval = interval
		}
	}
}

// WithBatchSize sets the maximum messages claimed in one dispatch cycle.
func WithBatchSize(size int) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if size > 0 {
			dispatcher.cfg.BatchSize = size
		}
	}
}

// WithClaimTimeout sets the age threshold for reclaiming abandoned claims.
func WithClaimTimeout(timeout time.Duration) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if timeout > 0 {
			dispatcher.cfg.ClaimTimeout = timeout
		}
	}
}

// WithMaxDeliveryCount sets the total attempt cap before dead-lettering.
func WithMaxDeliveryCount(count int) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if count > 0 {
			dispatcher.cfg.MaxDeliveryCount = count
		}
	}
}

// WithReschedulePolicy sets the cross-cycle retry pacing policy.
func WithReschedulePolicy(policy backoff.Policy) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if policy.Validate() == nil {
			dispatcher.cfg.Reschedule = policy
		}
	}
}

// WithMeterProvider injects a custom meter provider for dispatcher metrics.
// Passing nil keeps the default global OpenTelemetry meter provider.
func WithMeterProvider(provider metric.MeterProvider) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if nilcheck.Interface(provider) {
			dispatcher.cfg.MeterProvider = nil

			return
		}

		dispatcher.cfg.MeterProvider = provider
	}
}
