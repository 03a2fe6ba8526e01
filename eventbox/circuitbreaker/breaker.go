package circuitbreaker

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// State represents the breaker state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

var (
	// ErrOpenState is returned while the breaker is open and requests
	// fail fast without reaching the network.
	ErrOpenState = errors.New("circuit breaker is open")
	// ErrTooManyRequests is returned in half-open state when the single
	// allowed probe is already in flight.
	ErrTooManyRequests = errors.New("circuit breaker probe already in flight")
	// ErrInvalidConfig is returned by Config.Validate.
	ErrInvalidConfig = errors.New("invalid circuit breaker config")
)

// Config holds the breaker thresholds.
type Config struct {
	// TripThreshold is the number of failures within TrackingPeriod that
	// opens the breaker.
	TripThreshold int
	// ActiveThreshold is the minimum number of requests within
	// TrackingPeriod before the breaker may trip.
	ActiveThreshold int
	// TrackingPeriod is the rolling window over which requests and
	// failures are counted.
	TrackingPeriod time.Duration
	// ResetInterval is how long the breaker stays open before allowing a
	// half-open probe.
	ResetInterval time.Duration
}

// Validate checks the config invariants.
func (c Config) Validate() error {
	if c.TripThreshold < 1 {
		return fmt.Errorf("%w: trip threshold must be at least 1, got %d", ErrInvalidConfig, c.TripThreshold)
	}

	if c.ActiveThreshold < 1 {
		return fmt.Errorf("%w: active threshold must be at least 1, got %d", ErrInvalidConfig, c.ActiveThreshold)
	}

	if c.TrackingPeriod <= 0 {
		return fmt.Errorf("%w: tracking period must be positive, got %s", ErrInvalidConfig, c.TrackingPeriod)
	}

	if c.ResetInterval <= 0 {
		return fmt.Errorf("%w: reset interval must be positive, got %s", ErrInvalidConfig, c.ResetInterval)
	}

	return nil
}

// DefaultConfig provides balanced settings for most endpoints.
func DefaultConfig() Config {
	return Config{
		TripThreshold:   15,
		ActiveThreshold: 10,
		TrackingPeriod:  2 * time.Minute,
		ResetInterval:   time.Minute,
	}
}

// BrokerConfig provides fast failure detection for message broker
// endpoints.
func BrokerConfig() Config {
	return Config{
		TripThreshold:   5,
		ActiveThreshold: 5,
		TrackingPeriod:  time.Minute,
		ResetInterval:   30 * time.Second,
	}
}

// Counts reports the rolling-window statistics of a breaker.
type Counts struct {
	Requests  int
	Successes int
	Failures  int
}

type outcome struct {
	at      time.Time
	failure bool
}

// Breaker is an explicit circuit breaker state machine.
//
// Closed counts requests and failures over a rolling TrackingPeriod and
// opens once failures reach TripThreshold with at least ActiveThreshold
// requests observed. Open fails fast until ResetInterval has elapsed, then
// a single half-open probe decides between closing (probe success) and
// re-opening (probe failure).
type Breaker struct {
	cfg Config

	mu            sync.Mutex
	state         State
	window        []outcome
	openedAt      time.Time
	probeInFlight bool

	// now is replaceable in tests.
	now func() time.Time

	// onStateChange, when set, is invoked outside the lock after every
	// transition.
	onStateChange func(from, to State)
}

// New creates a closed Breaker with the given config. Invalid configs are
// rejected.
func New(cfg Config) (*Breaker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &Breaker{
		cfg:   cfg,
		state: StateClosed,
		now:   time.Now,
	}, nil
}

// Execute runs fn under the breaker policy. While open it returns
// ErrOpenState without calling fn; in half-open it admits a single probe
// and returns ErrTooManyRequests to concurrent callers.
func (breaker *Breaker) Execute(fn func() error) error {
	probe, err := breaker.beforeExecute()
	if err != nil {
		return err
	}

	fnErr := fn()

	breaker.afterExecute(fnErr, probe)

	return fnErr
}

// State returns the current state, accounting for an elapsed reset
// interval (an open breaker past its reset is reported half-open).
func (breaker *Breaker) State() State {
	breaker.mu.Lock()
	defer breaker.mu.Unlock()

	if breaker.state == StateOpen && breaker.now().Sub(breaker.openedAt) >= breaker.cfg.ResetInterval {
		return StateHalfOpen
	}

	return breaker.state
}

// Counts returns the rolling-window request statistics.
func (breaker *Breaker) Counts() Counts {
	breaker.mu.Lock()
	defer breaker.mu.Unlock()

	breaker.prune(breaker.now())

	counts := Counts{Requests: len(breaker.window)}

	for _, o := range breaker.window {
		if o.failure {
			counts.Failures++
		} else {
			counts.Successes++
		}
	}

	return counts
}

// Reset forces the breaker back to closed and clears the window.
func (breaker *Breaker) Reset() {
	breaker.mu.Lock()
	from := breaker.state
	breaker.state = StateClosed
	breaker.window = nil
	breaker.probeInFlight = false
	breaker.mu.Unlock()

	breaker.notify(from, StateClosed)
}

func (breaker *Breaker) beforeExecute() (probe bool, err error) {
	breaker.mu.Lock()

	switch breaker.state {
	case StateClosed:
		breaker.mu.Unlock()
		return false, nil

	case StateOpen:
		if breaker.now().Sub(breaker.openedAt) < breaker.cfg.ResetInterval {
			breaker.mu.Unlock()
			return false, ErrOpenState
		}

		from := breaker.state
		breaker.state = StateHalfOpen
		breaker.probeInFlight = true
		breaker.mu.Unlock()

		breaker.notify(from, StateHalfOpen)

		return true, nil

	case StateHalfOpen:
		if breaker.probeInFlight {
			breaker.mu.Unlock()
			return false, ErrTooManyRequests
		}

		breaker.probeInFlight = true
		breaker.mu.Unlock()

		return true, nil

	default:
		breaker.mu.Unlock()
		return false, ErrOpenState
	}
}

func (breaker *Breaker) afterExecute(fnErr error, probe bool) {
	breaker.mu.Lock()

	now := breaker.now()
	breaker.window = append(breaker.window, outcome{at: now, failure: fnErr != nil})
	breaker.prune(now)

	if probe {
		breaker.probeInFlight = false

		if breaker.state == StateHalfOpen {
			if fnErr == nil {
				breaker.state = StateClosed
				breaker.window = nil
				breaker.mu.Unlock()

				breaker.notify(StateHalfOpen, StateClosed)

				return
			}

			breaker.state = StateOpen
			breaker.openedAt = now
			breaker.mu.Unlock()

			breaker.notify(StateHalfOpen, StateOpen)

			return
		}

		breaker.mu.Unlock()

		return
	}

	if breaker.state == StateClosed && fnErr != nil && breaker.shouldTrip() {
		breaker.state = StateOpen
		breaker.openedAt = now
		breaker.mu.Unlock()

		breaker.notify(StateClosed, StateOpen)

		return
	}

	breaker.mu.Unlock()
}

// shouldTrip is called with the lock held and the window pruned.
func (breaker *Breaker) shouldTrip() bool {
	if len(breaker.window) < breaker.cfg.ActiveThreshold {
		return false
	}

	failures := 0

	for _, o := range breaker.window {
		if o.failure {
			failures++
		}
	}

	return failures >= breaker.cfg.TripThreshold
}

// prune drops outcomes older than the tracking period. Called with the
// lock held.
func (breaker *Breaker) prune(now time.Time) {
	cutoff := now.Add(-breaker.cfg.TrackingPeriod)

	keepFrom := 0
	for keepFrom < len(breaker.window) && !breaker.window[keepFrom].at.After(cutoff) {
		keepFrom++
	}

	if keepFrom > 0 {
		breaker.window = append(breaker.window[:0], breaker.window[keepFrom:]...)
	}
}

func (breaker *Breaker) notify(from, to State) {
	if from == to || breaker.onStateChange == nil {
		return
	}

	breaker.onStateChange(from, to)
}
