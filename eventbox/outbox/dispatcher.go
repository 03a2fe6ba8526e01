package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/AltairBanking/lib-eventbox/v2/eventbox"
	"github.com/AltairBanking/lib-eventbox/v2/eventbox/circuitbreaker"
	"github.com/AltairBanking/lib-eventbox/v2/eventbox/internal/nilcheck"
	"github.com/AltairBanking/lib-eventbox/v2/eventbox/log"
	"github.com/AltairBanking/lib-eventbox/v2/eventbox/opentelemetry"
	"github.com/AltairBanking/lib-eventbox/v2/eventbox/runtime"
)

// Dispatcher is the background delivery service. It is the only component
// that publishes committed outbox messages: each cycle expires overdue
// rows, reclaims abandoned claims, claims a batch of due messages and
// pushes them through the Transport, then persists the outcome of every
// attempt.
type Dispatcher struct {
	repo      Repository
	transport *Transport
	logger    log.Logger
	tracer    trace.Tracer
	cfg       DispatcherConfig

	stop       chan struct{}
	stopOnce   sync.Once
	runStateMu sync.Mutex
	running    bool
	cancelFunc context.CancelFunc
	dispatchWg sync.WaitGroup

	metrics dispatcherMetrics
}

var _ eventbox.App = (*Dispatcher)(nil)

// DispatchResult captures one dispatch cycle outcome.
type DispatchResult struct {
	// Expired counts messages marked expired before claiming.
	Expired int
	// Reclaimed counts abandoned claims returned to this cycle's batch.
	Reclaimed int
	// Processed counts messages a delivery was attempted for.
	Processed int
	// Delivered counts messages published and marked delivered.
	Delivered int
	// Failed counts messages rescheduled for a later cycle.
	Failed int
	// DeadLettered counts messages moved to the terminal failure state,
	// including those dead-lettered by the stale reclaim.
	DeadLettered int
	// Skipped counts messages suppressed by the duplicate detection window.
	Skipped int
	// Deferred counts claimed messages released because the broker circuit
	// was open.
	Deferred int
	// StateUpdateFailed counts messages whose delivery outcome could not be
	// persisted.
	StateUpdateFailed int
}

// NewDispatcher creates the delivery service around a repository and a
// transport.
func NewDispatcher(
	repo Repository,
	transport *Transport,
	logger log.Logger,
	tracer trace.Tracer,
	opts ...DispatcherOption,
) (*Dispatcher, error) {
	if nilcheck.Interface(repo) {
		return nil, ErrRepositoryRequired
	}

	if transport == nil {
		return nil, ErrTransportRequired
	}

	if nilcheck.Interface(tracer) {
		tracer = noop.NewTracerProvider().Tracer("eventbox.noop")
	}

	if nilcheck.Interface(logger) {
		logger = log.NewNop()
	}

	dispatcher := &Dispatcher{
		repo:      repo,
		transport: transport,
		logger:    logger,
		tracer:    tracer,
		cfg:       DefaultDispatcherConfig(),
		stop:      make(chan struct{}),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(dispatcher)
		}
	}

	dispatcher.cfg.normalize()

	metrics, err := newDispatcherMetrics(dispatcher.cfg.MeterProvider)
	if err != nil {
		return nil, fmt.Errorf("init outbox metrics: %w", err)
	}

	dispatcher.metrics = metrics

	return dispatcher, nil
}

// Run starts the dispatcher loop until Stop is called.
func (dispatcher *Dispatcher) Run(launcher *eventbox.Launcher) error {
	return dispatcher.RunContext(context.Background(), launcher)
}

// RunContext starts the dispatcher loop until Stop is called or ctx is cancelled.
func (dispatcher *Dispatcher) RunContext(parentCtx context.Context, launcher *eventbox.Launcher) error {
	if dispatcher == nil || dispatcher.repo == nil || dispatcher.transport == nil {
		return ErrDispatcherRequired
	}

	if parentCtx == nil {
		parentCtx = context.Background()
	}

	ctx, cancel := context.WithCancel(parentCtx)
	ctx = eventbox.ContextWithLogger(ctx, dispatcher.logger)
	ctx = eventbox.ContextWithTracer(ctx, dispatcher.tracer)

	if !dispatcher.registerRun(cancel) {
		cancel()

		return ErrDispatcherRunning
	}

	defer dispatcher.clearRun()

	if launcher != nil && launcher.Logger != nil {
		launcher.Logger.Log(context.Background(), log.LevelInfo, "outbox dispatcher started")
		defer launcher.Logger.Log(context.Background(), log.LevelInfo, "outbox dispatcher stopped")
	}

	defer runtime.RecoverAndLog(ctx, dispatcher.logger, "outbox", "dispatcher_run", runtime.KeepRunning)

	ticker := time.NewTicker(dispatcher.cfg.PollInterval)
	defer ticker.Stop()

	func() {
		dispatcher.dispatchWg.Add(1)
		defer dispatcher.dispatchWg.Done()

		initCtx, span := dispatcher.tracer.Start(ctx, "outbox.dispatcher.initial_dispatch")
		defer span.End()
		defer runtime.RecoverAndLog(initCtx, dispatcher.logger, "outbox", "dispatcher_initial", runtime.KeepRunning)

		dispatcher.dispatchCycle(initCtx)
	}()

	for {
		select {
		case <-dispatcher.stop:
			return nil
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			select {
			case <-dispatcher.stop:
				return nil
			case <-ctx.Done():
				return nil
			default:
			}

			func() {
				dispatcher.dispatchWg.Add(1)
				defer dispatcher.dispatchWg.Done()

				tickCtx, span := dispatcher.tracer.Start(ctx, "outbox.dispatcher.dispatch_once")
				defer span.End()
				defer runtime.RecoverAndLog(tickCtx, dispatcher.logger, "outbox", "dispatcher_tick", runtime.KeepRunning)

				dispatcher.dispatchCycle(tickCtx)
			}()
		}
	}
}

// Stop signals the dispatcher loop to stop.
func (dispatcher *Dispatcher) Stop() {
	if dispatcher == nil {
		return
	}

	dispatcher.stopOnce.Do(func() {
		dispatcher.runStateMu.Lock()
		cancel := dispatcher.cancelFunc
		stop := dispatcher.stop
		if stop == nil {
			stop = make(chan struct{})
			dispatcher.stop = stop
		}
		dispatcher.runStateMu.Unlock()

		if cancel != nil {
			cancel()
		}

		close(stop)
	})
}

// Shutdown waits for in-flight dispatch cycle completion.
func (dispatcher *Dispatcher) Shutdown(ctx context.Context) error {
	if dispatcher == nil {
		return nil
	}

	if ctx == nil {
		ctx = context.Background()
	}

	dispatcher.Stop()

	done := make(chan struct{})

	runtime.SafeGo(dispatcher.logger, "outbox.dispatcher_shutdown_wait", runtime.KeepRunning, func() {
		dispatcher.dispatchWg.Wait()
		close(done)
	})

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("dispatcher shutdown: %w", ctx.Err())
	}
}

// dispatchCycle runs one cycle and logs a summary when anything happened.
func (dispatcher *Dispatcher) dispatchCycle(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	logger, _, _ := eventbox.NewTrackingFromContext(ctx)
	if nilcheck.Interface(logger) {
		logger = dispatcher.logger
	}

	result := dispatcher.DispatchOnceResult(ctx)
	if result == (DispatchResult{}) {
		return
	}

	logger.Log(ctx, log.LevelDebug, "outbox dispatch cycle finished",
		log.Int("expired", result.Expired),
		log.Int("reclaimed", result.Reclaimed),
		log.Int("processed", result.Processed),
		log.Int("delivered", result.Delivered),
		log.Int("failed", result.Failed),
		log.Int("dead_lettered", result.DeadLettered),
		log.Int("skipped", result.Skipped),
		log.Int("deferred", result.Deferred),
		log.Int("state_update_failed", result.StateUpdateFailed),
	)
}

// DispatchOnce processes one dispatch cycle.
func (dispatcher *Dispatcher) DispatchOnce(ctx context.Context) int {
	return dispatcher.DispatchOnceResult(ctx).Processed
}

// DispatchOnceResult processes one dispatch cycle and returns counters.
//
// Delivery semantics are at-least-once: publish happens before the
// delivered mark. If state persistence fails after publish, consumers must
// remain idempotent.
func (dispatcher *Dispatcher) DispatchOnceResult(ctx context.Context) DispatchResult {
	if dispatcher == nil || dispatcher.repo == nil || dispatcher.transport == nil {
		return DispatchResult{}
	}

	if ctx == nil {
		ctx = context.Background()
	}

	logger := dispatcher.logger
	if nilcheck.Interface(logger) {
		logger = log.NewNop()
	}

	tracer := dispatcher.tracer
	if nilcheck.Interface(tracer) {
		tracer = noop.NewTracerProvider().Tracer("eventbox.noop")
	}

	start := time.Now().UTC()

	ctx, span := tracer.Start(ctx, "outbox.dispatch")
	defer span.End()

	var result DispatchResult

	now := time.Now().UTC()

	expired, err := dispatcher.repo.MarkExpired(ctx, now, dispatcher.cfg.BatchSize)
	if err != nil {
		opentelemetry.HandleSpanError(span, "failed to mark expired messages", err)
		log.SafeError(logger, ctx, "failed to mark expired outbox messages", err, false)
	}

	result.Expired = eventbox.SafeInt64ToInt(expired)

	messages, reclaimedCount, reclaimDeadLettered := dispatcher.collectMessages(ctx, span, logger, now)
	result.Reclaimed = reclaimedCount
	result.DeadLettered += eventbox.SafeInt64ToInt(reclaimDeadLettered)

	dispatcher.recordBatchSize(ctx, int64(len(messages)))

deliveryLoop:
	for index, message := range messages {
		if ctx.Err() != nil {
			// Remaining claims are recovered by the stale reclaim.
			break
		}

		if message == nil {
			continue
		}

		result.Processed++

		err := dispatcher.transport.Deliver(ctx, message)

		switch {
		case err == nil:
			dispatcher.markDelivered(ctx, logger, message, &result)
		case errors.Is(err, ErrDuplicateInFlight):
			// The claim stays in place; the stale reclaim returns the row
			// to the pool once the suppressing attempt has settled.
			logger.Log(ctx, log.LevelDebug, "outbox message suppressed by duplicate window",
				log.String("message_id", message.ID.String()),
			)

			result.Skipped++
		case errors.Is(err, circuitbreaker.ErrOpenState), errors.Is(err, circuitbreaker.ErrTooManyRequests):
			released := dispatcher.releaseClaims(ctx, logger, messages[index:])

			logger.Log(ctx, log.LevelWarn, "broker circuit open, deferring remaining claimed messages",
				log.String("endpoint", dispatcher.transport.Endpoint()),
				log.Int("deferred", released),
			)

			result.Deferred += released

			break deliveryLoop
		case errors.Is(err, ErrNonRetryable):
			dispatcher.markDeadLettered(ctx, logger, message, err, &result)
		default:
			dispatcher.markFailed(ctx, logger, message, err, &result)
		}
	}

	dispatcher.addCounters(ctx, result)
	dispatcher.recordDispatchLatency(ctx, time.Since(start).Seconds())
	setDispatchSpanAttributes(span, result)

	return result
}

// collectMessages gathers this cycle's batch: first abandoned claims older
// than the claim timeout, then newly due pending and failed messages, both
// bounded by BatchSize. Duplicates are removed by message id.
func (dispatcher *Dispatcher) collectMessages(
	ctx context.Context,
	span trace.Span,
	logger log.Logger,
	now time.Time,
) ([]*Message, int, int64) {
	staleBefore := now.Add(-dispatcher.cfg.ClaimTimeout)

	reclaimed, deadLettered, err := dispatcher.repo.ReclaimStale(
		ctx,
		staleBefore,
		dispatcher.cfg.BatchSize,
		dispatcher.cfg.MaxDeliveryCount,
	)
	if err != nil {
		opentelemetry.HandleSpanError(span, "failed to reclaim stale claims", err)
		log.SafeError(logger, ctx, "failed to reclaim stale outbox claims", err, false)
	}

	claimLimit := dispatcher.cfg.BatchSize - len(reclaimed)
	if claimLimit <= 0 {
		return deduplicateMessages(reclaimed), len(reclaimed), deadLettered
	}

	claimed, err := dispatcher.repo.ClaimDue(ctx, claimLimit)
	if err != nil {
		opentelemetry.HandleSpanError(span, "failed to claim due messages", err)
		log.SafeError(logger, ctx, "failed to claim due outbox messages", err, false)

		return deduplicateMessages(reclaimed), len(reclaimed), deadLettered
	}

	all := make([]*Message, 0, len(reclaimed)+len(claimed))
	all = append(all, reclaimed...)
	all = append(all, claimed...)

	return deduplicateMessages(all), len(reclaimed), deadLettered
}

func deduplicateMessages(messages []*Message) []*Message {
	if len(messages) == 0 {
		return messages
	}

	seen := make(map[uuid.UUID]bool, len(messages))
	result := make([]*Message, 0, len(messages))

	for _, message := range messages {
		if message == nil {
			continue
		}

		if seen[message.ID] {
			continue
		}

		seen[message.ID] = true
		result = append(result, message)
	}

	return result
}

func (dispatcher *Dispatcher) markDelivered(ctx context.Context, logger log.Logger, message *Message, result *DispatchResult) {
	if err := dispatcher.repo.MarkDelivered(ctx, message.ID, time.Now().UTC()); err != nil {
		logger.Log(ctx, log.LevelError,
			"outbox message published to broker but failed to persist DELIVERED state; message may be redelivered",
			log.String("message_id", message.ID.String()),
			log.String("error", sanitizeError(err)),
		)

		result.StateUpdateFailed++

		return
	}

	result.Delivered++
}

func (dispatcher *Dispatcher) markDeadLettered(ctx context.Context, logger log.Logger, message *Message, deliveryErr error, result *DispatchResult) {
	if err := dispatcher.repo.MarkDeadLettered(ctx, message.ID, sanitizeError(deliveryErr)); err != nil {
		logger.Log(ctx, log.LevelError, "failed to dead-letter outbox message",
			log.String("message_id", message.ID.String()),
			log.String("error", sanitizeError(err)),
		)

		result.StateUpdateFailed++

		return
	}

	result.DeadLettered++
}

func (dispatcher *Dispatcher) markFailed(ctx context.Context, logger log.Logger, message *Message, deliveryErr error, result *DispatchResult) {
	nextAttemptAt := time.Now().UTC().Add(dispatcher.cfg.Reschedule.Delay(message.Attempts + 1))

	status, err := dispatcher.repo.MarkFailed(
		ctx,
		message.ID,
		sanitizeError(deliveryErr),
		nextAttemptAt,
		dispatcher.cfg.MaxDeliveryCount,
	)
	if err != nil {
		logger.Log(ctx, log.LevelError, "failed to mark outbox message failed",
			log.String("message_id", message.ID.String()),
			log.String("error", sanitizeError(err)),
		)

		result.StateUpdateFailed++

		return
	}

	if status == StatusDeadLettered {
		result.DeadLettered++

		return
	}

	result.Failed++
}

// releaseClaims returns still-claimed messages to the pending pool without
// charging a delivery attempt. Used when the breaker opens mid-batch.
func (dispatcher *Dispatcher) releaseClaims(ctx context.Context, logger log.Logger, messages []*Message) int {
	ids := make([]uuid.UUID, 0, len(messages))

	for _, message := range messages {
		if message != nil {
			ids = append(ids, message.ID)
		}
	}

	if len(ids) == 0 {
		return 0
	}

	released, err := dispatcher.repo.Release(ctx, ids)
	if err != nil {
		// Unreleased claims are recovered by the stale reclaim, with the
		// attempt charged.
		log.SafeError(logger, ctx, "failed to release claimed outbox messages", err, false)
	}

	return eventbox.SafeInt64ToInt(released)
}

func (dispatcher *Dispatcher) addCounters(ctx context.Context, result DispatchResult) {
	addCounter(ctx, dispatcher.metrics.messagesDelivered, int64(result.Delivered))
	addCounter(ctx, dispatcher.metrics.messagesFailed, int64(result.Failed))
	addCounter(ctx, dispatcher.metrics.messagesDeadLettered, int64(result.DeadLettered))
	addCounter(ctx, dispatcher.metrics.messagesExpired, int64(result.Expired))
	addCounter(ctx, dispatcher.metrics.messagesSkipped, int64(result.Skipped))
	addCounter(ctx, dispatcher.metrics.messagesDeferred, int64(result.Deferred))
	addCounter(ctx, dispatcher.metrics.messagesStateFailed, int64(result.StateUpdateFailed))
}

func (dispatcher *Dispatcher) recordBatchSize(ctx context.Context, size int64) {
	if dispatcher.metrics.batchSize == nil {
		return
	}

	dispatcher.metrics.batchSize.Record(ctx, size)
}

func (dispatcher *Dispatcher) recordDispatchLatency(ctx context.Context, latencySeconds float64) {
	if dispatcher.metrics.dispatchLatency == nil {
		return
	}

	dispatcher.metrics.dispatchLatency.Record(ctx, latencySeconds)
}

func setDispatchSpanAttributes(span trace.Span, result DispatchResult) {
	span.SetAttributes(
		attribute.Int("outbox.dispatch.expired", result.Expired),
		attribute.Int("outbox.dispatch.reclaimed", result.Reclaimed),
		attribute.Int("outbox.dispatch.processed", result.Processed),
		attribute.Int("outbox.dispatch.delivered", result.Delivered),
		attribute.Int("outbox.dispatch.failed", result.Failed),
		attribute.Int("outbox.dispatch.dead_lettered", result.DeadLettered),
		attribute.Int("outbox.dispatch.skipped", result.Skipped),
		attribute.Int("outbox.dispatch.deferred", result.Deferred),
		attribute.Int("outbox.dispatch.state_update_failed", result.StateUpdateFailed),
	)
}

func (dispatcher *Dispatcher) registerRun(cancel context.CancelFunc) bool {
	dispatcher.runStateMu.Lock()
	defer dispatcher.runStateMu.Unlock()

	if dispatcher.running {
		return false
	}

	if dispatcher.stop == nil || isClosedSignal(dispatcher.stop) {
		dispatcher.stop = make(chan struct{})
		dispatcher.stopOnce = sync.Once{}
	}

	dispatcher.running = true
	dispatcher.cancelFunc = cancel

	return true
}

func (dispatcher *Dispatcher) clearRun() {
	dispatcher.runStateMu.Lock()
	defer dispatcher.runStateMu.Unlock()

	dispatcher.running = false
	dispatcher.cancelFunc = nil
}

func isClosedSignal(signal <-chan struct{}) bool {
	if signal == nil {
		return false
	}

	select {
	case <-signal:
		return true
	default:
		return false
	}
}

func addCounter(ctx context.Context, counter metric.Int64Counter, count int64) {
	if counter == nil || count == 0 {
		return
	}

	counter.Add(ctx, count)
}
