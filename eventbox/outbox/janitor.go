package outbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/AltairBanking/lib-eventbox/v2/eventbox"
	"github.com/AltairBanking/lib-eventbox/v2/eventbox/cron"
	"github.com/AltairBanking/lib-eventbox/v2/eventbox/internal/nilcheck"
	"github.com/AltairBanking/lib-eventbox/v2/eventbox/log"
	"github.com/AltairBanking/lib-eventbox/v2/eventbox/opentelemetry"
	"github.com/AltairBanking/lib-eventbox/v2/eventbox/runtime"
)

const (
	defaultRetention       = 30 * 24 * time.Hour
	defaultPurgeBatchLimit = 500
	defaultJanitorSpec     = "0 * * * *"
	defaultJanitorLockKey  = "eventbox:outbox:janitor"

	// maxPurgeRoundsPerRun bounds how long one run holds the cross-replica
	// lock; leftovers wait for the next scheduled run.
	maxPurgeRoundsPerRun = 10
)

// Locker serializes janitor runs across replicas. The redis package's lock
// manager satisfies it.
type Locker interface {
	WithLock(ctx context.Context, lockKey string, fn func(context.Context) error) error
}

// Janitor purges terminal outbox rows (delivered, dead-lettered, expired)
// older than the retention period on a cron schedule. With several replicas
// running, an optional Locker keeps the purge single-flight; a replica that
// loses the lock skips its run.
type Janitor struct {
	repo       Repository
	logger     log.Logger
	tracer     trace.Tracer
	schedule   cron.Schedule
	locker     Locker
	lockKey    string
	retention  time.Duration
	purgeLimit int

	stop       chan struct{}
	stopOnce   sync.Once
	runStateMu sync.Mutex
	running    bool
	cancelFunc context.CancelFunc
	purgeWg    sync.WaitGroup
}

var _ eventbox.App = (*Janitor)(nil)

// JanitorOption customizes a Janitor at construction.
type JanitorOption func(*Janitor)

// WithJanitorSchedule replaces the hourly default schedule.
func WithJanitorSchedule(schedule cron.Schedule) JanitorOption {
	return func(janitor *Janitor) {
		if !nilcheck.Interface(schedule) {
			janitor.schedule = schedule
		}
	}
}

// WithRetention sets how long terminal rows are kept before purging.
func WithRetention(retention time.Duration) JanitorOption {
	return func(janitor *Janitor) {
		if retention > 0 {
			janitor.retention = retention
		}
	}
}

// WithPurgeBatchLimit caps rows deleted per repository call.
func WithPurgeBatchLimit(limit int) JanitorOption {
	return func(janitor *Janitor) {
		if limit > 0 {
			janitor.purgeLimit = limit
		}
	}
}

// WithJanitorLock serializes runs across replicas under lockKey. An empty
// lockKey keeps the default.
func WithJanitorLock(locker Locker, lockKey string) JanitorOption {
	return func(janitor *Janitor) {
		if nilcheck.Interface(locker) {
			return
		}

		janitor.locker = locker

		if lockKey != "" {
			janitor.lockKey = lockKey
		}
	}
}

// NewJanitor creates the retention janitor around a repository.
func NewJanitor(
	repo Repository,
	logger log.Logger,
	tracer trace.Tracer,
	opts ...JanitorOption,
) (*Janitor, error) {
	if nilcheck.Interface(repo) {
		return nil, ErrRepositoryRequired
	}

	if nilcheck.Interface(tracer) {
		tracer = noop.NewTracerProvider().Tracer("eventbox.noop")
	}

	if nilcheck.Interface(logger) {
		logger = log.NewNop()
	}

	schedule, err := cron.Parse(defaultJanitorSpec)
	if err != nil {
		return nil, fmt.Errorf("parse janitor schedule: %w", err)
	}

	janitor := &Janitor{
		repo:       repo,
		logger:     logger,
		tracer:     tracer,
		schedule:   schedule,
		lockKey:    defaultJanitorLockKey,
		retention:  defaultRetention,
		purgeLimit: defaultPurgeBatchLimit,
		stop:       make(chan struct{}),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(janitor)
		}
	}

	return janitor, nil
}

// Run starts the janitor loop until Stop is called.
func (janitor *Janitor) Run(launcher *eventbox.Launcher) error {
	return janitor.RunContext(context.Background(), launcher)
}

// RunContext starts the janitor loop until Stop is called or ctx is cancelled.
// Runs fire at the schedule's times; there is no run at startup.
func (janitor *Janitor) RunContext(parentCtx context.Context, launcher *eventbox.Launcher) error {
	if janitor == nil || janitor.repo == nil {
		return ErrJanitorRequired
	}

	if janitor.schedule == nil {
		return ErrScheduleRequired
	}

	if parentCtx == nil {
		parentCtx = context.Background()
	}

	ctx, cancel := context.WithCancel(parentCtx)
	ctx = eventbox.ContextWithLogger(ctx, janitor.logger)
	ctx = eventbox.ContextWithTracer(ctx, janitor.tracer)

	if !janitor.registerRun(cancel) {
		cancel()

		return ErrJanitorRunning
	}

	defer janitor.clearRun()

	if launcher != nil && launcher.Logger != nil {
		launcher.Logger.Log(context.Background(), log.LevelInfo, "outbox janitor started")
		defer launcher.Logger.Log(context.Background(), log.LevelInfo, "outbox janitor stopped")
	}

	defer runtime.RecoverAndLog(ctx, janitor.logger, "outbox", "janitor_run", runtime.KeepRunning)

	for {
		next, err := janitor.schedule.Next(time.Now().UTC())
		if err != nil {
			log.SafeError(janitor.logger, ctx, "failed to compute next janitor run", err, false)

			return fmt.Errorf("compute next janitor run: %w", err)
		}

		timer := time.NewTimer(time.Until(next))

		select {
		case <-janitor.stop:
			timer.Stop()

			return nil
		case <-ctx.Done():
			timer.Stop()

			return nil
		case <-timer.C:
		}

		func() {
			janitor.purgeWg.Add(1)
			defer janitor.purgeWg.Done()
			defer runtime.RecoverAndLog(ctx, janitor.logger, "outbox", "janitor_purge", runtime.KeepRunning)

			janitor.runOnce(ctx)
		}()
	}
}

// Stop signals the janitor loop to stop.
func (janitor *Janitor) Stop() {
	if janitor == nil {
		return
	}

	janitor.stopOnce.Do(func() {
		janitor.runStateMu.Lock()
		cancel := janitor.cancelFunc
		stop := janitor.stop
		if stop == nil {
			stop = make(chan struct{})
			janitor.stop = stop
		}
		janitor.runStateMu.Unlock()

		if cancel != nil {
			cancel()
		}

		close(stop)
	})
}

// Shutdown waits for an in-flight purge to finish.
func (janitor *Janitor) Shutdown(ctx context.Context) error {
	if janitor == nil {
		return nil
	}

	if ctx == nil {
		ctx = context.Background()
	}

	janitor.Stop()

	done := make(chan struct{})

	runtime.SafeGo(janitor.logger, "outbox.janitor_shutdown_wait", runtime.KeepRunning, func() {
		janitor.purgeWg.Wait()
		close(done)
	})

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("janitor shutdown: %w", ctx.Err())
	}
}

// runOnce executes one purge, under the cross-replica lock when configured.
func (janitor *Janitor) runOnce(ctx context.Context) {
	logger, _, _ := eventbox.NewTrackingFromContext(ctx)
	if nilcheck.Interface(logger) {
		logger = janitor.logger
	}

	if janitor.locker == nil {
		janitor.PurgeOnce(ctx)

		return
	}

	err := janitor.locker.WithLock(ctx, janitor.lockKey, func(lockCtx context.Context) error {
		janitor.PurgeOnce(lockCtx)

		return nil
	})
	if err != nil {
		// Contention with another replica lands here too; the next
		// scheduled run retries.
		logger.Log(ctx, log.LevelDebug, "janitor purge run skipped",
			log.String("lock_key", janitor.lockKey),
			log.String("error", sanitizeError(err)),
		)
	}
}

// PurgeOnce removes one run's worth of terminal rows older than the
// retention period and returns how many were deleted.
func (janitor *Janitor) PurgeOnce(ctx context.Context) int64 {
	if janitor == nil || janitor.repo == nil {
		return 0
	}

	if ctx == nil {
		ctx = context.Background()
	}

	logger := janitor.logger
	if nilcheck.Interface(logger) {
		logger = log.NewNop()
	}

	tracer := janitor.tracer
	if nilcheck.Interface(tracer) {
		tracer = noop.NewTracerProvider().Tracer("eventbox.noop")
	}

	ctx, span := tracer.Start(ctx, "outbox.janitor.purge")
	defer span.End()

	olderThan := time.Now().UTC().Add(-janitor.retention)

	var total int64

	for round := 0; round < maxPurgeRoundsPerRun; round++ {
		if ctx.Err() != nil {
			break
		}

		purged, err := janitor.repo.PurgeFinalized(ctx, olderThan, janitor.purgeLimit)
		if err != nil {
			opentelemetry.HandleSpanError(span, "failed to purge finalized messages", err)
			log.SafeError(logger, ctx, "failed to purge finalized outbox messages", err, false)

			break
		}

		total += purged

		if purged < int64(janitor.purgeLimit) {
			break
		}
	}

	span.SetAttributes(attribute.Int64("outbox.janitor.purged", total))

	if total > 0 {
		logger.Log(ctx, log.LevelInfo, "purged finalized outbox messages",
			log.Int64("purged", total),
			log.Time("older_than", olderThan),
		)
	}

	return total
}

func (janitor *Janitor) registerRun(cancel context.CancelFunc) bool {
	janitor.runStateMu.Lock()
	defer janitor.runStateMu.Unlock()

	if janitor.running {
		return false
	}

	if janitor.stop == nil || isClosedSignal(janitor.stop) {
		janitor.stop = make(chan struct{})
		janitor.stopOnce = sync.Once{}
	}

	janitor.running = true
	janitor.cancelFunc = cancel

	return true
}

func (janitor *Janitor) clearRun() {
	janitor.runStateMu.Lock()
	defer janitor.runStateMu.Unlock()

	janitor.running = false
	janitor.cancelFunc = nil
}
