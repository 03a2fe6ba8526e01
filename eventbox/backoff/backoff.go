package backoff

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Policy is a bounded incremental retry policy: the delay before attempt n
// is InitialInterval + (n-1) * Increment, capped at MaxInterval, for at
// most Limit attempts. The resulting sequence is monotonically
// non-decreasing.
type Policy struct {
	// InitialInterval is the delay before the first retry.
	InitialInterval time.Duration
	// MaxInterval caps the delay between retries.
	MaxInterval time.Duration
	// Increment is added to the delay after every retry. Zero yields a
	// constant interval.
	Increment time.Duration
	// Limit is the maximum number of attempts, including the first.
	Limit int
}

// ErrInvalidPolicy is returned by Validate for inconsistent policies.
var ErrInvalidPolicy = errors.New("invalid backoff policy")

// Validate checks the policy invariants.
func (p Policy) Validate() error {
	if p.Limit < 1 {
		return fmt.Errorf("%w: limit must be at least 1, got %d", ErrInvalidPolicy, p.Limit)
	}

	if p.InitialInterval <= 0 {
		return fmt.Errorf("%w: initial interval must be positive, got %s", ErrInvalidPolicy, p.InitialInterval)
	}

	if p.Increment < 0 {
		return fmt.Errorf("%w: increment must not be negative, got %s", ErrInvalidPolicy, p.Increment)
	}

	if p.MaxInterval < p.InitialInterval {
		return fmt.Errorf("%w: max interval %s is below initial interval %s", ErrInvalidPolicy, p.MaxInterval, p.InitialInterval)
	}

	return nil
}

// Delay returns the pause before the given 1-based attempt. Attempts at or
// below 1 return InitialInterval. The result never exceeds MaxInterval.
func (p Policy) Delay(attempt int) time.Duration {
	steps := attempt - 1
	if steps <= 0 || p.Increment <= 0 {
		return min(p.InitialInterval, p.MaxInterval)
	}

	// Past this many steps the uncapped delay would exceed MaxInterval;
	// comparing step counts avoids multiplication overflow.
	capSteps := (p.MaxInterval - p.InitialInterval) / p.Increment
	if int64(steps) > int64(capSteps) {
		return p.MaxInterval
	}

	return p.InitialInterval + time.Duration(steps)*p.Increment
}

// Exhausted reports whether the given 1-based attempt is past the policy
// limit.
func (p Policy) Exhausted(attempt int) bool {
	return attempt > p.Limit
}

// WaitContext pauses for the given duration, returning early with the
// context error if ctx is done first. Zero and negative durations return
// immediately.
func WaitContext(ctx context.Context, duration time.Duration) error {
	if duration <= 0 {
		return nil
	}

	timer := time.NewTimer(duration)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("context done: %w", ctx.Err())
	}
}
