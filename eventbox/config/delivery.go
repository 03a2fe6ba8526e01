package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/AltairBanking/lib-eventbox/v2/eventbox"
	"github.com/AltairBanking/lib-eventbox/v2/eventbox/backoff"
	"github.com/AltairBanking/lib-eventbox/v2/eventbox/circuitbreaker"
	"github.com/AltairBanking/lib-eventbox/v2/eventbox/cron"
	"github.com/AltairBanking/lib-eventbox/v2/eventbox/outbox"
)

// ErrInvalidDelivery is returned by Delivery.Validate.
var ErrInvalidDelivery = errors.New("invalid delivery config")

// Delivery carries every delivery policy knob the dispatcher stack consumes.
// Values are whole units (seconds, minutes, hours, days) so they can be
// supplied as plain integers in the environment; the converter methods
// produce the typed configs the components take.
type Delivery struct {
	// QueryDelaySeconds is the pause between dispatch cycles.
	QueryDelaySeconds int `env:"OUTBOX_QUERY_DELAY_SECONDS"`

	// QueryMessageLimit caps how many messages one cycle claims.
	QueryMessageLimit int `env:"OUTBOX_QUERY_MESSAGE_LIMIT"`

	// DuplicateDetectionWindowMinutes sizes the window during which a second
	// sighting of a message id is treated as already in flight.
	DuplicateDetectionWindowMinutes int `env:"OUTBOX_DUPLICATE_DETECTION_WINDOW_MINUTES"`

	// RetryLimit bounds in-process publish attempts per delivery.
	RetryLimit int `env:"OUTBOX_RETRY_LIMIT"`

	// InitialRetryIntervalSeconds is the delay before the first retry.
	InitialRetryIntervalSeconds int `env:"OUTBOX_INITIAL_RETRY_INTERVAL_SECONDS"`

	// MaxRetryIntervalSeconds caps the delay between retries.
	MaxRetryIntervalSeconds int `env:"OUTBOX_MAX_RETRY_INTERVAL_SECONDS"`

	// RetryIntervalIncrementSeconds is added to the delay after every retry.
	// Zero yields a constant interval.
	RetryIntervalIncrementSeconds int `env:"OUTBOX_RETRY_INTERVAL_INCREMENT_SECONDS"`

	// TripThreshold is the failure count within the tracking period that
	// opens the broker circuit.
	TripThreshold int `env:"OUTBOX_TRIP_THRESHOLD"`

	// ActiveThreshold is the minimum request count within the tracking
	// period before the circuit may trip.
	ActiveThreshold int `env:"OUTBOX_ACTIVE_THRESHOLD"`

	// ResetIntervalMinutes is how long the circuit stays open before a
	// half-open probe.
	ResetIntervalMinutes int `env:"OUTBOX_RESET_INTERVAL_MINUTES"`

	// TrackingPeriodMinutes is the circuit's rolling statistics window.
	TrackingPeriodMinutes int `env:"OUTBOX_TRACKING_PERIOD_MINUTES"`

	// MaxDeliveryCount is the total attempt cap across cycles before a
	// message is dead-lettered.
	MaxDeliveryCount int `env:"OUTBOX_MAX_DELIVERY_COUNT"`

	// TimeToLiveHours is the expiry horizon stamped on new messages.
	TimeToLiveHours int `env:"OUTBOX_TIME_TO_LIVE_HOURS"`

	// ClaimTimeoutMinutes is the age after which a delivering claim counts
	// as abandoned and is reclaimed.
	ClaimTimeoutMinutes int `env:"OUTBOX_CLAIM_TIMEOUT_MINUTES"`

	// PublishTimeoutSeconds bounds each individual publish attempt.
	PublishTimeoutSeconds int `env:"OUTBOX_PUBLISH_TIMEOUT_SECONDS"`

	// RetentionDays is how long terminal rows are kept before purging.
	RetentionDays int `env:"OUTBOX_RETENTION_DAYS"`

	// PurgeBatchLimit caps rows deleted per janitor repository call.
	PurgeBatchLimit int `env:"OUTBOX_PURGE_BATCH_LIMIT"`

	// JanitorSchedule is the cron spec for retention sweeps.
	JanitorSchedule string `env:"OUTBOX_JANITOR_SCHEDULE"`
}

// DefaultDelivery returns the baseline knob set. The values match the
// component defaults so an empty environment yields the same behavior as
// constructing the components directly.
func DefaultDelivery() Delivery {
	return Delivery{
		QueryDelaySeconds:               5,
		QueryMessageLimit:               50,
		DuplicateDetectionWindowMinutes: 60,
		RetryLimit:                      3,
		InitialRetryIntervalSeconds:     1,
		MaxRetryIntervalSeconds:         30,
		RetryIntervalIncrementSeconds:   2,
		TripThreshold:                   5,
		ActiveThreshold:                 5,
		ResetIntervalMinutes:            1,
		TrackingPeriodMinutes:           1,
		MaxDeliveryCount:                10,
		TimeToLiveHours:                 7 * 24,
		ClaimTimeoutMinutes:             10,
		PublishTimeoutSeconds:           10,
		RetentionDays:                   30,
		PurgeBatchLimit:                 500,
		JanitorSchedule:                 "0 * * * *",
	}
}

// DeliveryFromEnv loads the knobs from the environment on top of the
// defaults and validates the result.
func DeliveryFromEnv() (Delivery, error) {
	delivery := DefaultDelivery()

	if err := eventbox.SetConfigFromEnvVars(&delivery); err != nil {
		return Delivery{}, fmt.Errorf("load delivery config: %w", err)
	}

	if err := delivery.Validate(); err != nil {
		return Delivery{}, err
	}

	return delivery, nil
}

// Validate rejects non-positive and inconsistent knob values.
func (d Delivery) Validate() error {
	positive := []struct {
		name  string
		value int
	}{
		{"QueryDelaySeconds", d.QueryDelaySeconds},
		{"QueryMessageLimit", d.QueryMessageLimit},
		{"DuplicateDetectionWindowMinutes", d.DuplicateDetectionWindowMinutes},
		{"RetryLimit", d.RetryLimit},
		{"InitialRetryIntervalSeconds", d.InitialRetryIntervalSeconds},
		{"MaxRetryIntervalSeconds", d.MaxRetryIntervalSeconds},
		{"TripThreshold", d.TripThreshold},
		{"ActiveThreshold", d.ActiveThreshold},
		{"ResetIntervalMinutes", d.ResetIntervalMinutes},
		{"TrackingPeriodMinutes", d.TrackingPeriodMinutes},
		{"MaxDeliveryCount", d.MaxDeliveryCount},
		{"TimeToLiveHours", d.TimeToLiveHours},
		{"ClaimTimeoutMinutes", d.ClaimTimeoutMinutes},
		{"PublishTimeoutSeconds", d.PublishTimeoutSeconds},
		{"RetentionDays", d.RetentionDays},
		{"PurgeBatchLimit", d.PurgeBatchLimit},
	}

	for _, knob := range positive {
		if knob.value <= 0 {
			return fmt.Errorf("%w: %s must be positive, got %d", ErrInvalidDelivery, knob.name, knob.value)
		}
	}

	if d.RetryIntervalIncrementSeconds < 0 {
		return fmt.Errorf("%w: RetryIntervalIncrementSeconds must not be negative, got %d",
			ErrInvalidDelivery, d.RetryIntervalIncrementSeconds)
	}

	if d.MaxRetryIntervalSeconds < d.InitialRetryIntervalSeconds {
		return fmt.Errorf("%w: MaxRetryIntervalSeconds %d is below InitialRetryIntervalSeconds %d",
			ErrInvalidDelivery, d.MaxRetryIntervalSeconds, d.InitialRetryIntervalSeconds)
	}

	if _, err := cron.Parse(d.JanitorSchedule); err != nil {
		return fmt.Errorf("%w: JanitorSchedule: %v", ErrInvalidDelivery, err)
	}

	return nil
}

// PollInterval returns the pause between dispatch cycles.
func (d Delivery) PollInterval() time.Duration {
	return time.Duration(d.QueryDelaySeconds) * time.Second
}

// DedupWindow returns the duplicate detection period.
func (d Delivery) DedupWindow() time.Duration {
	return time.Duration(d.DuplicateDetectionWindowMinutes) * time.Minute
}

// TimeToLive returns the message expiry horizon.
func (d Delivery) TimeToLive() time.Duration {
	return time.Duration(d.TimeToLiveHours) * time.Hour
}

// ClaimTimeout returns the abandoned-claim age threshold.
func (d Delivery) ClaimTimeout() time.Duration {
	return time.Duration(d.ClaimTimeoutMinutes) * time.Minute
}

// PublishTimeout returns the per-attempt publish bound.
func (d Delivery) PublishTimeout() time.Duration {
	return time.Duration(d.PublishTimeoutSeconds) * time.Second
}

// Retention returns how long terminal rows are kept.
func (d Delivery) Retention() time.Duration {
	return time.Duration(d.RetentionDays) * 24 * time.Hour
}

// RetryPolicy returns the in-process publish retry policy for the
// transport.
func (d Delivery) RetryPolicy() backoff.Policy {
	return backoff.Policy{
		InitialInterval: time.Duration(d.InitialRetryIntervalSeconds) * time.Second,
		MaxInterval:     time.Duration(d.MaxRetryIntervalSeconds) * time.Second,
		Increment:       time.Duration(d.RetryIntervalIncrementSeconds) * time.Second,
		Limit:           d.RetryLimit,
	}
}

// ReschedulePolicy returns the cross-cycle pacing policy. It follows the
// same interval contract as RetryPolicy but runs up to the total delivery
// cap, so a message's NextAttemptAt keeps growing between cycles.
func (d Delivery) ReschedulePolicy() backoff.Policy {
	policy := d.RetryPolicy()
	policy.Limit = d.MaxDeliveryCount

	return policy
}

// BreakerConfig returns the per-endpoint circuit breaker thresholds.
func (d Delivery) BreakerConfig() circuitbreaker.Config {
	return circuitbreaker.Config{
		TripThreshold:   d.TripThreshold,
		ActiveThreshold: d.ActiveThreshold,
		TrackingPeriod:  time.Duration(d.TrackingPeriodMinutes) * time.Minute,
		ResetInterval:   time.Duration(d.ResetIntervalMinutes) * time.Minute,
	}
}

// DispatcherConfig assembles the dispatcher knobs.
func (d Delivery) DispatcherConfig() outbox.DispatcherConfig {
	return outbox.DispatcherConfig{
		PollInterval:     d.PollInterval(),
		BatchSize:        d.QueryMessageLimit,
		ClaimTimeout:     d.ClaimTimeout(),
		MaxDeliveryCount: d.MaxDeliveryCount,
		Reschedule:       d.ReschedulePolicy(),
	}
}
