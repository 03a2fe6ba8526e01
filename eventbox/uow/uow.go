package uow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/AltairBanking/lib-eventbox/v2/eventbox/events"
	"github.com/AltairBanking/lib-eventbox/v2/eventbox/log"
)

// TxBeginner opens database transactions. *sql.DB satisfies it, as does the
// read/write-split resolver handle from the postgres package.
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// Hook observes the save lifecycle of a Session. The outbox interceptor is
// the canonical implementation.
type Hook interface {
	// BeforeCommit runs inside the open transaction, after business writes
	// and before commit. An error aborts the save and rolls the transaction
	// back.
	BeforeCommit(ctx context.Context, tx *sql.Tx, tracked []any) error

	// AfterCommit runs strictly after commit confirmation. The session logs
	// and swallows any error: the business data is already durable, so a
	// post-commit failure must never surface as an operation failure.
	AfterCommit(ctx context.Context, tracked []any) error

	// AfterRollback runs after the transaction has been aborted.
	AfterRollback(ctx context.Context, tracked []any)
}

// Session is a unit of work over a single database transaction. Business
// writes go through Tx; tracked entities are visible to hooks. Sessions are
// single-use and confined to one goroutine.
type Session struct {
	tx       *sql.Tx
	logger   log.Logger
	hooks    []Hook
	tracked  []any
	state    State
	finished bool
	cancel   context.CancelFunc
}

type sessionOptions struct {
	logger    log.Logger
	hooks     []Hook
	txOptions *sql.TxOptions
	txTimeout time.Duration
}

// Option customizes a Session at Begin time.
type Option func(*sessionOptions)

// WithLogger sets the session logger. Defaults to a nop logger.
func WithLogger(logger log.Logger) Option {
	return func(o *sessionOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithHooks registers save-lifecycle hooks in invocation order.
func WithHooks(hooks ...Hook) Option {
	return func(o *sessionOptions) {
		o.hooks = append(o.hooks, hooks...)
	}
}

// WithTxOptions sets the sql.TxOptions used to open the transaction.
func WithTxOptions(txOptions *sql.TxOptions) Option {
	return func(o *sessionOptions) {
		o.txOptions = txOptions
	}
}

// WithTxTimeout bounds the whole transaction with a deadline. The derived
// context is released when the session finishes.
func WithTxTimeout(timeout time.Duration) Option {
	return func(o *sessionOptions) {
		o.txTimeout = timeout
	}
}

// Begin opens a transaction on db and returns an idle Session bound to it.
func Begin(ctx context.Context, db TxBeginner, opts ...Option) (*Session, error) {
	if db == nil {
		return nil, ErrNilDB
	}

	options := sessionOptions{logger: log.NewNop()}
	for _, opt := range opts {
		opt(&options)
	}

	var cancel context.CancelFunc
	if options.txTimeout > 0 {
		// The transaction lives until this context does, so the cancel is
		// held on the session and released on finish, not deferred here.
		ctx, cancel = context.WithTimeout(ctx, options.txTimeout)
	}

	tx, err := db.BeginTx(ctx, options.txOptions)
	if err != nil {
		if cancel != nil {
			cancel()
		}

		return nil, fmt.Errorf("beginning transaction: %w", err)
	}

	return &Session{
		tx:     tx,
		logger: options.logger,
		hooks:  options.hooks,
		state:  StateIdle,
		cancel: cancel,
	}, nil
}

// Track registers entities participating in this unit of work. Entities that
// record domain events take part in outbox staging; the rest are visible to
// hooks but otherwise inert.
func (session *Session) Track(entities ...any) {
	session.tracked = append(session.tracked, entities...)
}

// Tx exposes the open transaction for business writes.
func (session *Session) Tx() *sql.Tx {
	return session.tx
}

// State reports the session's lifecycle position.
func (session *Session) State() State {
	return session.state
}

// Save drives the full save pipeline: pre-commit hooks inside the open
// transaction, commit, then post-commit hooks. A hook or commit failure rolls
// the transaction back and leaves tracked entities untouched, so a retry of
// the whole operation reproduces the same events.
func (session *Session) Save(ctx context.Context) error {
	if session.finished {
		return ErrFinished
	}

	if err := session.transition(StatePreCommit); err != nil {
		return err
	}

	for _, hook := range session.hooks {
		if err := hook.BeforeCommit(ctx, session.tx, session.tracked); err != nil {
			session.abort(ctx)

			return fmt.Errorf("pre-commit hook: %w", err)
		}
	}

	if err := session.tx.Commit(); err != nil {
		session.abort(ctx)

		return fmt.Errorf("committing transaction: %w", err)
	}

	session.finish()

	if err := session.transition(StateCommitted); err != nil {
		return err
	}

	for _, hook := range session.hooks {
		if err := hook.AfterCommit(ctx, session.tracked); err != nil {
			session.logger.Log(ctx, log.LevelError,
				"post-commit hook failed; pending events may be staged again on a later save in this process",
				log.Err(err))
		}
	}

	return session.transition(StateEventsCleared)
}

// Commit persists business writes without running any hook. Pending events on
// tracked entities are not staged and no consumer is notified; a warning is
// logged when such events exist. State changes with event consumers must use
// Save.
func (session *Session) Commit(ctx context.Context) error {
	if session.finished {
		return ErrFinished
	}

	if pending := session.pendingEventCount(); pending > 0 {
		session.logger.Log(ctx, log.LevelWarn,
			"plain commit skips event dispatch; pending events will not reach the outbox",
			log.Int("pending_events", pending))
	}

	if err := session.transition(StatePreCommit); err != nil {
		return err
	}

	if err := session.tx.Commit(); err != nil {
		session.abort(ctx)

		return fmt.Errorf("committing transaction: %w", err)
	}

	session.finish()

	return session.transition(StateCommitted)
}

// Rollback aborts the transaction and notifies hooks. Pending events remain
// attached to tracked entities.
func (session *Session) Rollback(ctx context.Context) error {
	if session.finished {
		return ErrFinished
	}

	session.abort(ctx)

	return nil
}

// abort rolls the transaction back, finishes the session, and notifies
// hooks. Safe to call when the transaction is already done.
func (session *Session) abort(ctx context.Context) {
	if err := session.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		session.logger.Log(ctx, log.LevelError, "rolling back transaction", log.Err(err))
	}

	session.finish()

	if err := session.transition(StateRolledBack); err != nil {
		session.logger.Log(ctx, log.LevelError, "recording rollback state", log.Err(err))
	}

	for _, hook := range session.hooks {
		hook.AfterRollback(ctx, session.tracked)
	}
}

// finish marks the transaction consumed and releases the timeout context.
func (session *Session) finish() {
	session.finished = true

	if session.cancel != nil {
		session.cancel()
		session.cancel = nil
	}
}

// pendingEventCount sums pending events across tracked event carriers.
func (session *Session) pendingEventCount() int {
	total := 0

	for _, entity := range session.tracked {
		if carrier, ok := entity.(events.Carrier); ok {
			total += len(carrier.PendingEvents())
		}
	}

	return total
}
