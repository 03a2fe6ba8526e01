package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/AltairBanking/lib-eventbox/v2/eventbox/backoff"
	"github.com/AltairBanking/lib-eventbox/v2/eventbox/circuitbreaker"
	"github.com/AltairBanking/lib-eventbox/v2/eventbox/dedup"
	"github.com/AltairBanking/lib-eventbox/v2/eventbox/internal/nilcheck"
	"github.com/AltairBanking/lib-eventbox/v2/eventbox/log"
)

const (
	defaultBrokerEndpoint = "broker"
	defaultPublishTimeout = 10 * time.Second
)

func defaultRetryPolicy() backoff.Policy {
	return backoff.Policy{
		InitialInterval: time.Second,
		MaxInterval:     30 * time.Second,
		Increment:       2 * time.Second,
		Limit:           3,
	}
}

// Publisher sends one outbox message to the broker. Implementations live
// in the rabbitmq and kafka packages.
type Publisher interface {
	Publish(ctx context.Context, message *Message) error
}

// PublisherFunc adapts a function to the Publisher interface.
type PublisherFunc func(ctx context.Context, message *Message) error

func (fn PublisherFunc) Publish(ctx context.Context, message *Message) error {
	return fn(ctx, message)
}

// Transport wraps a Publisher with the delivery policies: a duplicate
// detection window, a per-endpoint circuit breaker and bounded
// incremental retries. The skip-locked claim in the repository is the
// primary duplicate-delivery guard; the window only narrows the races the
// claim cannot see, such as a crashed instance whose claim was reclaimed
// while its publish was still in flight.
type Transport struct {
	publisher      Publisher
	window         dedup.Window
	breakers       *circuitbreaker.Manager
	breakerConfig  circuitbreaker.Config
	endpoint       string
	retry          backoff.Policy
	publishTimeout time.Duration
	classifier     RetryClassifier
	logger         log.Logger
}

// TransportOption customizes a Transport.
type TransportOption func(*Transport)

// WithDedupWindow installs the duplicate detection window. Defaults to
// dedup.Noop, which admits every claim.
func WithDedupWindow(window dedup.Window) TransportOption {
	return func(transport *Transport) {
		transport.window = window
	}
}

// WithBreakerManager shares a breaker manager across transports so state
// changes fan out to one listener set.
func WithBreakerManager(manager *circuitbreaker.Manager) TransportOption {
	return func(transport *Transport) {
		transport.breakers = manager
	}
}

// WithBreakerConfig overrides the breaker thresholds for the transport
// endpoint.
func WithBreakerConfig(cfg circuitbreaker.Config) TransportOption {
	return func(transport *Transport) {
		transport.breakerConfig = cfg
	}
}

// WithBrokerEndpoint names the breaker endpoint, so deployments with
// several brokers trip independently.
func WithBrokerEndpoint(endpoint string) TransportOption {
	return func(transport *Transport) {
		if endpoint != "" {
			transport.endpoint = endpoint
		}
	}
}

// WithRetryPolicy overrides the in-process publish retry policy.
func WithRetryPolicy(policy backoff.Policy) TransportOption {
	return func(transport *Transport) {
		transport.retry = policy
	}
}

// WithPublishTimeout bounds each individual publish attempt.
func WithPublishTimeout(timeout time.Duration) TransportOption {
	return func(transport *Transport) {
		if timeout > 0 {
			transport.publishTimeout = timeout
		}
	}
}

// WithRetryClassifier installs a classifier that marks errors as
// non-retryable. Such failures skip the remaining attempts and surface as
// ErrNonRetryable so the dispatcher dead-letters instead of rescheduling.
func WithRetryClassifier(classifier RetryClassifier) TransportOption {
	return func(transport *Transport) {
		transport.classifier = classifier
	}
}

// NewTransport wires a Publisher into the delivery policy chain.
func NewTransport(publisher Publisher, logger log.Logger, opts ...TransportOption) (*Transport, error) {
	if nilcheck.Interface(publisher) {
		return nil, ErrPublisherRequired
	}

	if nilcheck.Interface(logger) {
		logger = log.NewNop()
	}

	transport := &Transport{
		publisher:      publisher,
		window:         dedup.Noop{},
		breakerConfig:  circuitbreaker.BrokerConfig(),
		endpoint:       defaultBrokerEndpoint,
		retry:          defaultRetryPolicy(),
		publishTimeout: defaultPublishTimeout,
		logger:         logger,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(transport)
		}
	}

	if err := transport.retry.Validate(); err != nil {
		return nil, fmt.Errorf("retry policy: %w", err)
	}

	if transport.breakers == nil {
		transport.breakers = circuitbreaker.NewManager(logger)
	}

	return transport, nil
}

// Endpoint returns the breaker endpoint name the transport publishes
// through.
func (transport *Transport) Endpoint() string {
	return transport.endpoint
}

// Healthy reports whether the transport's breaker currently admits
// publishes.
func (transport *Transport) Healthy() bool {
	return transport.breakers.IsHealthy(transport.endpoint)
}

// Deliver publishes one message, applying the dedup window, the circuit
// breaker and the retry policy in that order.
//
// A second sighting of the message ID inside the window returns
// ErrDuplicateInFlight without touching the broker. Window errors fail
// open: the claim is the primary exclusion, so an unreachable window must
// not stall delivery. Circuit breaker rejections (ErrOpenState,
// ErrTooManyRequests) return immediately so the caller can release its
// claims instead of burning attempts against a dead endpoint.
func (transport *Transport) Deliver(ctx context.Context, message *Message) error {
	if message == nil {
		return ErrMessageRequired
	}

	if len(message.Payload) == 0 {
		return ErrPayloadRequired
	}

	first, err := transport.window.Claim(ctx, message.ID)
	if err != nil {
		transport.logger.Log(ctx, log.LevelWarn, "duplicate detection window unavailable, delivering anyway",
			log.String("message_id", message.ID.String()),
			log.Err(err),
		)
	} else if !first {
		return fmt.Errorf("%w: %s", ErrDuplicateInFlight, message.ID)
	}

	var lastErr error

	for attempt := 1; attempt <= transport.retry.Limit; attempt++ {
		err := transport.breakers.GetOrCreate(transport.endpoint, transport.breakerConfig).Execute(func() error {
			return transport.publishOnce(ctx, message)
		})
		if err == nil {
			return nil
		}

		if errors.Is(err, circuitbreaker.ErrOpenState) || errors.Is(err, circuitbreaker.ErrTooManyRequests) {
			return fmt.Errorf("broker circuit rejected publish for %s: %w", transport.endpoint, err)
		}

		lastErr = fmt.Errorf("publish attempt %d/%d failed: %w", attempt, transport.retry.Limit, err)

		if transport.isNonRetryable(err) {
			return fmt.Errorf("%w: %w", ErrNonRetryable, lastErr)
		}

		if attempt == transport.retry.Limit {
			break
		}

		if waitErr := backoff.WaitContext(ctx, transport.retry.Delay(attempt)); waitErr != nil {
			return fmt.Errorf("publish retry wait interrupted: %w", waitErr)
		}
	}

	return lastErr
}

func (transport *Transport) publishOnce(ctx context.Context, message *Message) error {
	publishCtx, cancel := context.WithTimeout(ctx, transport.publishTimeout)
	defer cancel()

	return transport.publisher.Publish(publishCtx, message)
}

func (transport *Transport) isNonRetryable(err error) bool {
	if err == nil || nilcheck.Interface(transport.classifier) {
		return false
	}

	return transport.classifier.IsNonRetryable(err)
}
