package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/AltairBanking/lib-eventbox/v2/eventbox/backoff"
	"github.com/AltairBanking/lib-eventbox/v2/eventbox/internal/nilcheck"
	libLog "github.com/AltairBanking/lib-eventbox/v2/eventbox/log"
	"github.com/AltairBanking/lib-eventbox/v2/eventbox/runtime"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher confirm errors.
var (
	// ErrConnectionRequired aliases ErrNilConnection for naming consistency in publisher constructors.
	ErrConnectionRequired     = ErrNilConnection
	ErrPublisherRequired      = errors.New("confirmable publisher is required")
	ErrChannelRequired        = errors.New("rabbitmq channel is required")
	ErrPublisherNotReady      = errors.New("confirmable publisher not initialized")
	ErrConfirmModeUnavailable = errors.New("channel does not support confirm mode")
	ErrPublishNacked          = errors.New("message was nacked by broker")
	ErrConfirmTimeout         = errors.New("confirmation timed out")
	ErrPublisherClosed        = errors.New("publisher is closed")
	ErrReconnectAfterClose    = errors.New("cannot reconnect: publisher was explicitly closed")
	ErrReconnectWhileOpen     = errors.New("cannot reconnect: publisher is still open, call Close first")
	ErrRecoveryExhausted      = errors.New("automatic recovery exhausted all attempts")
)

const (
	// DefaultConfirmTimeout is the default timeout for waiting on broker confirmation.
	DefaultConfirmTimeout = 5 * time.Second

	// confirmStreamBuffer sizes the confirmation channel. It must cover the
	// maximum number of unconfirmed messages or the broker library blocks.
	confirmStreamBuffer = 256

	// DefaultMaxRecoveryAttempts is the default number of recovery attempts before giving up.
	DefaultMaxRecoveryAttempts = 10

	// DefaultRecoveryBackoffInitial is the starting backoff duration for recovery retries.
	DefaultRecoveryBackoffInitial = 1 * time.Second

	// DefaultRecoveryBackoffMax is the maximum backoff duration between recovery retries.
	DefaultRecoveryBackoffMax = 30 * time.Second
)

// HealthState represents the current connection health of a ConfirmablePublisher.
type HealthState int

const (
	// HealthStateConnected indicates the publisher has a live AMQP channel
	// and can publish.
	HealthStateConnected HealthState = iota

	// HealthStateReconnecting indicates the channel was lost and recovery is
	// running.
	HealthStateReconnecting

	// HealthStateDisconnected indicates the publisher is closed or recovery
	// gave up. A new publisher must be created to resume publishing.
	HealthStateDisconnected
)

// String returns a human-readable representation of the health state.
func (h HealthState) String() string {
	switch h {
	case HealthStateConnected:
		return "connected"
	case HealthStateReconnecting:
		return "reconnecting"
	case HealthStateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// lifecycle tracks where the publisher is between construction and Close.
type lifecycle int

const (
	// lifecycleReady means the current session can publish.
	lifecycleReady lifecycle = iota
	// lifecycleDown means the channel was lost; recovery may still bring the
	// publisher back.
	lifecycleDown
	// lifecycleShutdown is terminal, entered only through Close.
	lifecycleShutdown
)

// ChannelProvider returns a fresh AMQP channel for recovery. The channel
// must be dedicated to this publisher; confirm-mode bookkeeping cannot be
// shared. Connection management stays inside the provider.
type ChannelProvider func() (ConfirmableChannel, error)

// HealthCallback is called when the publisher's connection health changes.
type HealthCallback func(HealthState)

// recoverySettings holds the auto-recovery configuration. A nil value on
// the publisher means recovery is disabled.
type recoverySettings struct {
	provider       ChannelProvider
	healthCallback HealthCallback
	maxAttempts    int
	backoffInitial time.Duration
	backoffMax     time.Duration
}

// ConfirmableChannel defines the interface for AMQP channel operations with confirms.
type ConfirmableChannel interface {
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	PublishWithContext(
		ctx context.Context,
		exchange, key string,
		mandatory, immediate bool,
		msg amqp.Publishing,
	) error
	Close() error
}

// channelSession bundles one channel with its confirm stream and liveness
// signal. Recovery swaps the whole session at once, so a publish that
// started on the old channel never reads the new channel's confirms.
type channelSession struct {
	ch       ConfirmableChannel
	confirms chan amqp.Confirmation
	gone     chan struct{}
	goneOnce sync.Once
	lostOnce sync.Once
}

func newChannelSession(ch ConfirmableChannel) (*channelSession, chan *amqp.Error) {
	confirms := make(chan amqp.Confirmation, confirmStreamBuffer)
	ch.NotifyPublish(confirms)

	closeNotify := ch.NotifyClose(make(chan *amqp.Error, 1))

	sess := &channelSession{
		ch:       ch,
		confirms: confirms,
		gone:     make(chan struct{}),
	}

	return sess, closeNotify
}

// end marks the session dead and unblocks any confirm waiter. Idempotent.
func (sess *channelSession) end() {
	sess.goneOnce.Do(func() { close(sess.gone) })
}

// ConfirmablePublisher wraps an AMQP channel with publisher confirms enabled.
//
// Publishing is serialized per publisher instance: one publish+confirm
// round trip is in flight at a time, which keeps the confirm stream in
// lockstep without delivery-tag bookkeeping. Shard across publishers for
// throughput.
type ConfirmablePublisher struct {
	// sendMu serializes the publish+confirm round trip and fences
	// session swaps against in-flight publishes.
	sendMu sync.Mutex

	mu             sync.RWMutex
	sess           *channelSession
	phase          lifecycle
	exhausted      bool
	health         HealthState
	recovery       *recoverySettings
	logger         libLog.Logger
	confirmTimeout time.Duration

	// stop aborts a running recovery loop. Closed exactly once by Close.
	stop     chan struct{}
	stopOnce sync.Once

	optionWarnings []string
}

// ConfirmablePublisherOption configures a ConfirmablePublisher.
type ConfirmablePublisherOption func(*ConfirmablePublisher)

// WithLogger sets a structured logger for the publisher.
func WithLogger(logger libLog.Logger) ConfirmablePublisherOption {
	return func(pub *ConfirmablePublisher) {
		if nilcheck.Interface(logger) {
			return
		}

		pub.logger = logger
	}
}

// WithConfirmTimeout sets the timeout for waiting on broker confirmation.
// Non-positive values are ignored with a warning once the logger is known.
func WithConfirmTimeout(timeout time.Duration) ConfirmablePublisherOption {
	return func(pub *ConfirmablePublisher) {
		if timeout <= 0 {
			pub.optionWarnings = append(pub.optionWarnings,
				fmt.Sprintf("rabbitmq: ignoring invalid confirm timeout %v, using default", timeout))

			return
		}

		pub.confirmTimeout = timeout
	}
}

// WithAutoRecovery enables automatic channel recovery through provider.
func WithAutoRecovery(provider ChannelProvider) ConfirmablePublisherOption {
	return func(pub *ConfirmablePublisher) {
		if provider == nil {
			return
		}

		pub.recoverySettings().provider = provider
	}
}

// WithMaxRecoveryAttempts sets maximum consecutive recovery attempts.
func WithMaxRecoveryAttempts(maxAttempts int) ConfirmablePublisherOption {
	return func(pub *ConfirmablePublisher) {
		if maxAttempts <= 0 {
			return
		}

		pub.recoverySettings().maxAttempts = maxAttempts
	}
}

// WithRecoveryBackoff sets the initial and max backoff durations for recovery.
func WithRecoveryBackoff(initial, maxBackoff time.Duration) ConfirmablePublisherOption {
	return func(pub *ConfirmablePublisher) {
		if initial <= 0 || maxBackoff <= 0 {
			return
		}

		if initial > maxBackoff {
			pub.optionWarnings = append(pub.optionWarnings,
				fmt.Sprintf("rabbitmq: ignoring invalid recovery backoff initial=%v max=%v", initial, maxBackoff))

			return
		}

		settings := pub.recoverySettings()
		settings.backoffInitial = initial
		settings.backoffMax = maxBackoff
	}
}

// WithHealthCallback registers a callback for health state changes.
func WithHealthCallback(fn HealthCallback) ConfirmablePublisherOption {
	return func(pub *ConfirmablePublisher) {
		if fn == nil {
			return
		}

		pub.recoverySettings().healthCallback = fn
	}
}

func (pub *ConfirmablePublisher) recoverySettings() *recoverySettings {
	if pub.recovery == nil {
		pub.recovery = &recoverySettings{
			maxAttempts:    DefaultMaxRecoveryAttempts,
			backoffInitial: DefaultRecoveryBackoffInitial,
			backoffMax:     DefaultRecoveryBackoffMax,
		}
	}

	return pub.recovery
}

// NewConfirmablePublisher creates a publisher with confirms enabled on the
// connection's current channel.
func NewConfirmablePublisher(
	conn *RabbitMQConnection,
	opts ...ConfirmablePublisherOption,
) (*ConfirmablePublisher, error) {
	if conn == nil {
		return nil, ErrConnectionRequired
	}

	channel := conn.ChannelSnapshot()
	if channel == nil {
		return nil, ErrChannelRequired
	}

	return NewConfirmablePublisherFromChannel(channel, opts...)
}

// NewConfirmablePublisherFromChannel creates a publisher from an existing channel.
func NewConfirmablePublisherFromChannel(
	ch ConfirmableChannel,
	opts ...ConfirmablePublisherOption,
) (*ConfirmablePublisher, error) {
	if nilcheck.Interface(ch) {
		return nil, ErrChannelRequired
	}

	if err := ch.Confirm(false); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfirmModeUnavailable, err)
	}

	sess, closeNotify := newChannelSession(ch)

	publisher := &ConfirmablePublisher{
		sess:           sess,
		phase:          lifecycleReady,
		health:         HealthStateConnected,
		logger:         libLog.NewNop(),
		confirmTimeout: DefaultConfirmTimeout,
		stop:           make(chan struct{}),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(publisher)
		}
	}

	publisher.flushOptionWarnings()
	publisher.watchSession(sess, closeNotify)

	return publisher, nil
}

func (pub *ConfirmablePublisher) flushOptionWarnings() {
	for _, warning := range pub.optionWarnings {
		logTo(pub.logger, libLog.LevelWarn, warning)
	}

	pub.optionWarnings = nil
}

// watchSession waits for the broker to close the channel and hands the
// event to the recovery path. The watcher is bound to its session, so a
// watcher from a replaced channel exits without touching publisher state.
func (pub *ConfirmablePublisher) watchSession(sess *channelSession, closeNotify <-chan *amqp.Error) {
	logger := pub.logger

	runtime.SafeGo(logger, "rabbitmq-channel-watcher", runtime.KeepRunning, func() {
		select {
		case amqpErr := <-closeNotify:
			pub.sessionDown(sess, amqpErr)
		case <-sess.gone:
		}
	})
}

// sessionDown handles the loss of sess, once, no matter how many paths
// observe it: the broker close event, a poisoned confirm stream, or both.
func (pub *ConfirmablePublisher) sessionDown(sess *channelSession, amqpErr *amqp.Error) {
	sess.lostOnce.Do(func() {
		sess.end()

		pub.mu.Lock()
		if pub.phase == lifecycleShutdown || pub.sess != sess {
			pub.mu.Unlock()

			return
		}

		pub.phase = lifecycleDown
		recovery := pub.recovery
		logger := pub.logger
		pub.mu.Unlock()

		if recovery == nil || recovery.provider == nil {
			pub.emitHealth(HealthStateDisconnected)

			return
		}

		pub.emitHealth(HealthStateReconnecting)

		cause := "unknown"
		if amqpErr != nil {
			cause = sanitizeAMQPErr(amqpErr, "")
		}

		logTo(logger, libLog.LevelWarn,
			fmt.Sprintf("rabbitmq: channel closed (%s), starting auto-recovery (max %d attempts)", cause, recovery.maxAttempts))

		pub.recoverLoop(recovery, logger)
	})
}

// recoverLoop redials until a fresh channel is installed, the attempt
// budget runs out, or Close aborts it.
func (pub *ConfirmablePublisher) recoverLoop(recovery *recoverySettings, logger libLog.Logger) {
	if !pub.detachForRecovery() {
		logTo(logger, libLog.LevelInfo, "rabbitmq: recovery aborted, publisher is shutting down")
		pub.emitHealth(HealthStateDisconnected)

		return
	}

	for attempt := 0; attempt < recovery.maxAttempts; attempt++ {
		select {
		case <-pub.stop:
			logTo(logger, libLog.LevelInfo, "rabbitmq: recovery aborted (publisher closed externally)")
			pub.emitHealth(HealthStateDisconnected)

			return
		default:
		}

		if !pub.sleepBackoff(recovery, logger, attempt) {
			pub.emitHealth(HealthStateDisconnected)

			return
		}

		if pub.redialOnce(recovery, logger, attempt) {
			pub.emitHealth(HealthStateConnected)

			return
		}
	}

	logTo(logger, libLog.LevelError,
		fmt.Sprintf("rabbitmq: auto-recovery failed after %d attempts, publisher is disconnected", recovery.maxAttempts))

	pub.mu.Lock()
	pub.exhausted = true
	pub.mu.Unlock()

	pub.emitHealth(HealthStateDisconnected)
}

// detachForRecovery tears the dead session out of the publisher. It takes
// sendMu, so an in-flight publish finishes before the swap. Returns false
// when the publisher was closed in the meantime.
func (pub *ConfirmablePublisher) detachForRecovery() bool {
	pub.sendMu.Lock()
	defer pub.sendMu.Unlock()

	pub.mu.Lock()

	if pub.phase == lifecycleShutdown {
		pub.mu.Unlock()

		return false
	}

	old := pub.sess
	pub.sess = nil
	pub.exhausted = false
	timeout := pub.confirmTimeout
	pub.mu.Unlock()

	if old != nil {
		old.end()

		if !nilcheck.Interface(old.ch) {
			_ = old.ch.Close()
		}

		drainConfirms(old.confirms, timeout)
	}

	return true
}

// sleepBackoff waits out the jittered delay before an attempt. Returns
// false when Close aborted the wait.
func (pub *ConfirmablePublisher) sleepBackoff(recovery *recoverySettings, logger libLog.Logger, attempt int) bool {
	delay := backoff.ExponentialWithJitter(recovery.backoffInitial, attempt)
	if delay > recovery.backoffMax {
		delay = backoff.FullJitter(recovery.backoffMax)
	}

	logTo(logger, libLog.LevelInfo,
		fmt.Sprintf("rabbitmq: recovery attempt %d/%d, backoff %v", attempt+1, recovery.maxAttempts, delay))

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-pub.stop:
		logTo(logger, libLog.LevelInfo, "rabbitmq: recovery aborted during backoff (publisher closed)")

		return false
	}
}

// redialOnce asks the provider for a channel and installs it. Returns true
// on success.
func (pub *ConfirmablePublisher) redialOnce(recovery *recoverySettings, logger libLog.Logger, attempt int) bool {
	newCh, err := recovery.provider()
	if err != nil {
		logTo(logger, libLog.LevelWarn,
			fmt.Sprintf("rabbitmq: recovery attempt %d/%d failed: %s", attempt+1, recovery.maxAttempts, sanitizeAMQPErr(err, "")))

		return false
	}

	if err := pub.Reconnect(newCh); err != nil {
		logTo(logger, libLog.LevelWarn,
			fmt.Sprintf("rabbitmq: recovery attempt %d/%d reconnect failed: %s", attempt+1, recovery.maxAttempts, sanitizeAMQPErr(err, "")))

		if !nilcheck.Interface(newCh) {
			_ = newCh.Close()
		}

		return false
	}

	logTo(logger, libLog.LevelInfo,
		fmt.Sprintf("rabbitmq: auto-recovery succeeded on attempt %d/%d", attempt+1, recovery.maxAttempts))

	return true
}

func (pub *ConfirmablePublisher) emitHealth(state HealthState) {
	pub.mu.Lock()
	pub.health = state
	recovery := pub.recovery
	pub.mu.Unlock()

	if recovery == nil || recovery.healthCallback == nil {
		return
	}

	recovery.healthCallback(state)
}

// Publish sends a message and waits for broker confirmation. It is an
// alias for PublishAndWaitConfirm.
func (pub *ConfirmablePublisher) Publish(
	ctx context.Context,
	exchange, routingKey string,
	mandatory, immediate bool,
	msg amqp.Publishing,
) error {
	if pub == nil {
		return ErrPublisherRequired
	}

	return pub.PublishAndWaitConfirm(ctx, exchange, routingKey, mandatory, immediate, msg)
}

// PublishAndWaitConfirm sends a message and synchronously waits for broker
// confirmation. Calls are serialized per publisher instance to keep the
// confirm stream in publish order.
func (pub *ConfirmablePublisher) PublishAndWaitConfirm(
	ctx context.Context,
	exchange, routingKey string,
	mandatory, immediate bool,
	msg amqp.Publishing,
) error {
	if pub == nil {
		return ErrPublisherRequired
	}

	if ctx == nil {
		ctx = context.Background()
	}

	pub.sendMu.Lock()
	defer pub.sendMu.Unlock()

	pub.mu.RLock()
	phase := pub.phase
	exhausted := pub.exhausted
	sess := pub.sess
	confirmTimeout := pub.confirmTimeout
	pub.mu.RUnlock()

	switch {
	case phase == lifecycleShutdown:
		return ErrPublisherClosed
	case phase == lifecycleDown:
		if exhausted {
			return fmt.Errorf("%w: %w", ErrPublisherClosed, ErrRecoveryExhausted)
		}

		return ErrPublisherClosed
	case sess == nil:
		return ErrPublisherNotReady
	}

	if err := sess.ch.PublishWithContext(ctx, exchange, routingKey, mandatory, immediate, msg); err != nil {
		return fmt.Errorf("publish: %w", err)
	}

	err := awaitConfirm(ctx, sess, confirmTimeout)
	if err != nil && confirmStreamPoisoned(err) {
		// A confirmation is still owed for this publish and would be
		// misattributed to the next one. Retire the whole session; the
		// watcher then drives auto-recovery once sendMu is released.
		pub.abandonSession(sess)
	}

	return err
}

// confirmStreamPoisoned reports whether err leaves an unconsumed
// confirmation behind, desynchronizing the publish/confirm pairing.
func confirmStreamPoisoned(err error) bool {
	return errors.Is(err, ErrConfirmTimeout) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// abandonSession retires sess after a poisoned confirm stream. Recovery is
// kicked off on a separate goroutine because the caller still holds sendMu
// and the recovery swap needs it.
//
// Must be called while holding sendMu.
func (pub *ConfirmablePublisher) abandonSession(sess *channelSession) {
	pub.mu.Lock()
	if pub.sess == sess {
		pub.phase = lifecycleDown
	}
	logger := pub.logger
	pub.mu.Unlock()

	sess.end()

	if !nilcheck.Interface(sess.ch) {
		_ = sess.ch.Close()
	}

	runtime.SafeGo(logger, "rabbitmq-session-retire", runtime.KeepRunning, func() {
		pub.sessionDown(sess, nil)
	})
}

func awaitConfirm(
	ctx context.Context,
	sess *channelSession,
	confirmTimeout time.Duration,
) error {
	guard := time.NewTimer(confirmTimeout)
	defer guard.Stop()

	select {
	case confirmation, open := <-sess.confirms:
		if !open {
			return ErrPublisherClosed
		}

		if !confirmation.Ack {
			return fmt.Errorf("%w: delivery_tag=%d", ErrPublishNacked, confirmation.DeliveryTag)
		}

		return nil

	case <-sess.gone:
		return ErrPublisherClosed

	case <-guard.C:
		return ErrConfirmTimeout

	case <-ctx.Done():
		return fmt.Errorf("context cancelled: %w", ctx.Err())
	}
}

// Close drains pending confirmations and permanently closes the publisher.
// After Close, Reconnect is rejected and callers should create a new publisher.
func (pub *ConfirmablePublisher) Close() error {
	if pub == nil {
		return ErrPublisherRequired
	}

	pub.sendMu.Lock()
	defer pub.sendMu.Unlock()

	pub.mu.Lock()

	if pub.phase == lifecycleShutdown {
		pub.mu.Unlock()

		return nil
	}

	pub.phase = lifecycleShutdown
	pub.exhausted = false
	sess := pub.sess
	pub.sess = nil
	confirmTimeout := pub.confirmTimeout
	pub.mu.Unlock()

	pub.stopOnce.Do(func() {
		if pub.stop != nil {
			close(pub.stop)
		}
	})

	if sess != nil {
		sess.end()

		if !nilcheck.Interface(sess.ch) {
			if err := sess.ch.Close(); err != nil {
				return fmt.Errorf("closing publisher channel: %w", err)
			}
		}

		drainConfirms(sess.confirms, confirmTimeout)
	}

	pub.emitHealth(HealthStateDisconnected)

	return nil
}

// Reconnect replaces the underlying AMQP channel with a fresh one.
//
// Caller contract:
//   - Reconnect is only valid after an operational loss (auto-recovery or a
//     broker-side channel close), never while the current session is live.
//   - After explicit Close the publisher is terminal and Reconnect returns
//     ErrReconnectAfterClose.
func (pub *ConfirmablePublisher) Reconnect(ch ConfirmableChannel) error {
	if pub == nil {
		return ErrPublisherRequired
	}

	if nilcheck.Interface(ch) {
		return ErrChannelRequired
	}

	pub.sendMu.Lock()
	defer pub.sendMu.Unlock()

	pub.mu.Lock()
	defer pub.mu.Unlock()

	if pub.phase == lifecycleShutdown {
		return ErrReconnectAfterClose
	}

	if pub.phase == lifecycleReady && pub.sess != nil {
		return ErrReconnectWhileOpen
	}

	if err := ch.Confirm(false); err != nil {
		return fmt.Errorf("%w: %w", ErrConfirmModeUnavailable, err)
	}

	sess, closeNotify := newChannelSession(ch)

	pub.sess = sess
	pub.phase = lifecycleReady
	pub.exhausted = false

	pub.watchSession(sess, closeNotify)

	return nil
}

// Channel returns the underlying channel for low-level operations.
//
// The return value can be nil when the publisher is closed, reconnecting,
// or not yet initialized. Call ChannelOrError when callers need explicit
// readiness errors.
func (pub *ConfirmablePublisher) Channel() ConfirmableChannel {
	if pub == nil {
		return nil
	}

	pub.mu.RLock()
	defer pub.mu.RUnlock()

	if pub.phase != lifecycleReady || pub.sess == nil {
		return nil
	}

	return pub.sess.ch
}

// ChannelOrError returns the underlying channel only when the publisher is ready.
func (pub *ConfirmablePublisher) ChannelOrError() (ConfirmableChannel, error) {
	if pub == nil {
		return nil, ErrPublisherRequired
	}

	pub.mu.RLock()
	defer pub.mu.RUnlock()

	if pub.phase != lifecycleReady {
		return nil, ErrPublisherClosed
	}

	if pub.sess == nil {
		return nil, ErrPublisherNotReady
	}

	return pub.sess.ch, nil
}

// HealthState returns the latest synchronous health state snapshot.
func (pub *ConfirmablePublisher) HealthState() HealthState {
	if pub == nil {
		return HealthStateDisconnected
	}

	pub.mu.RLock()
	defer pub.mu.RUnlock()

	return pub.health
}

// drainConfirms consumes leftover confirmations so the broker library is
// never blocked on a full notify channel, giving up after timeout.
func drainConfirms(confirms <-chan amqp.Confirmation, timeout time.Duration) {
	if confirms == nil {
		return
	}

	if timeout <= 0 {
		timeout = DefaultConfirmTimeout
	}

	grace := time.NewTimer(timeout)
	defer grace.Stop()

	for {
		select {
		case _, open := <-confirms:
			if !open {
				return
			}
		case <-grace.C:
			return
		}
	}
}

func logTo(logger libLog.Logger, level libLog.Level, message string) {
	if nilcheck.Interface(logger) {
		return
	}

	logger.Log(context.Background(), level, message)
}
