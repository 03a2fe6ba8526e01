package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/AltairBanking/lib-eventbox/v2/eventbox"
	"github.com/AltairBanking/lib-eventbox/v2/eventbox/internal/nilcheck"
	"github.com/AltairBanking/lib-eventbox/v2/eventbox/log"
	"github.com/AltairBanking/lib-eventbox/v2/eventbox/opentelemetry"
	"github.com/AltairBanking/lib-eventbox/v2/eventbox/outbox"
)

var (
	// ErrDBRequired indicates New was called without a database handle.
	ErrDBRequired = errors.New("postgres outbox repository requires a database handle")

	// ErrTransactionRequired indicates CreateBatchWithTx was called without
	// the caller's transaction.
	ErrTransactionRequired = errors.New("postgres outbox repository requires the caller's transaction")

	// ErrRepositoryNotInitialized indicates the repository was not built
	// through New.
	ErrRepositoryNotInitialized = errors.New("postgres outbox repository is not initialized")

	// ErrIDRequired indicates an operation received a nil message id.
	ErrIDRequired = errors.New("outbox message id is required")

	// ErrLimitMustBePositive indicates a batch operation received a
	// non-positive row limit.
	ErrLimitMustBePositive = errors.New("limit must be positive")

	// ErrMaxDeliveryCountMustBePositive indicates an operation received a
	// non-positive delivery attempt cap.
	ErrMaxDeliveryCountMustBePositive = errors.New("max delivery count must be positive")

	// ErrStateTransitionConflict indicates a guarded status change matched no
	// row, meaning another writer moved the message first.
	ErrStateTransitionConflict = errors.New("outbox message state changed concurrently")

	// ErrMessageNotFound indicates a lookup matched no row.
	ErrMessageNotFound = errors.New("outbox message not found")

	// ErrInvalidIdentifier indicates a table name failed PostgreSQL
	// identifier validation.
	ErrInvalidIdentifier = errors.New("invalid postgres identifier")
)

const (
	// DefaultTableName is the outbox table created by the bundled migrations.
	DefaultTableName = "outbox_messages"

	// statusEnum is the PostgreSQL enum type backing the status column.
	statusEnum = "outbox_message_status"

	defaultTransactionTimeout = 30 * time.Second

	// maxIdentifierLength is the PostgreSQL limit for unquoted identifiers.
	maxIdentifierLength = 63

	insertParamsPerMessage = 9

	// messageColumns lists the columns backing outbox.Message in scan order.
	// updated_at is maintained by every write but never read back.
	messageColumns = "id, message_type, payload, headers, status, attempts, created_at, delivered_at, next_attempt_at, expires_at, claimed_at, last_error"

	staleClaimExhaustedReason = "delivery attempts exhausted while the claim was stale"
)

var identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// DB is the database handle the repository needs. *sql.DB satisfies it.
// Outbox reads and writes both run on the primary pool, so callers using a
// primary/replica split should pass the primary handle.
type DB interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// Repository persists outbox messages in a PostgreSQL table.
//
// Every operation runs inside a transaction. Batch operations select their
// rows with FOR UPDATE SKIP LOCKED, so concurrent dispatcher replicas divide
// the backlog between them instead of blocking on or double-claiming the
// same rows. Single-row status changes guard on the expected current status
// and surface a lost race as ErrStateTransitionConflict.
type Repository struct {
	db                 DB
	tableName          string
	transactionTimeout time.Duration
}

var _ outbox.Repository = (*Repository)(nil)

// Option configures a Repository.
type Option func(*Repository) error

// WithTableName overrides the outbox table. The name is validated as a plain
// PostgreSQL identifier and always quoted when queries are built.
func WithTableName(name string) Option {
	return func(repo *Repository) error {
		if err := validateIdentifier(name); err != nil {
			return fmt.Errorf("table name: %w", err)
		}

		repo.tableName = name

		return nil
	}
}

// WithTransactionTimeout bounds operations whose caller context carries no
// deadline. Non-positive values keep the default.
func WithTransactionTimeout(timeout time.Duration) Option {
	return func(repo *Repository) error {
		if timeout > 0 {
			repo.transactionTimeout = timeout
		}

		return nil
	}
}

// New builds a Repository on the given database handle.
func New(db DB, opts ...Option) (*Repository, error) {
	if nilcheck.Interface(db) {
		return nil, ErrDBRequired
	}

	repo := &Repository{
		db:                 db,
		tableName:          DefaultTableName,
		transactionTimeout: defaultTransactionTimeout,
	}

	for _, opt := range opts {
		if err := opt(repo); err != nil {
			return nil, fmt.Errorf("applying postgres repository option: %w", err)
		}
	}

	return repo, nil
}

// CreateBatchWithTx stages messages on the caller's transaction so they
// commit or roll back together with the business rows that produced them.
// Rows always start PENDING with zero attempts, whatever the structs carry.
// The insert is idempotent on the message id, which lets a staging retry
// after a partial failure skip rows that already landed.
func (repo *Repository) CreateBatchWithTx(ctx context.Context, tx outbox.Tx, messages []*outbox.Message) error {
	_, tracer, _ := eventbox.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.create_outbox_messages")
	defer span.End()

	if err := repo.ready(); err != nil {
		opentelemetry.HandleSpanError(span, "outbox repository not ready", err)

		return err
	}

	if tx == nil {
		opentelemetry.HandleSpanError(span, "missing caller transaction", ErrTransactionRequired)

		return ErrTransactionRequired
	}

	if len(messages) == 0 {
		return nil
	}

	now := time.Now().UTC()

	var values strings.Builder

	args := make([]any, 0, len(messages)*insertParamsPerMessage)

	for index, message := range messages {
		if err := validateInsertMessage(message); err != nil {
			err = fmt.Errorf("outbox message %d: %w", index, err)
			opentelemetry.HandleSpanError(span, "invalid outbox message", err)

			return err
		}

		headers, err := encodeHeaders(message.Headers)
		if err != nil {
			err = fmt.Errorf("outbox message %d: %w", index, err)
			opentelemetry.HandleSpanError(span, "invalid outbox message headers", err)

			return err
		}

		if index > 0 {
			values.WriteString(", ")
		}

		base := index * insertParamsPerMessage
		fmt.Fprintf(&values,
			"($%d, $%d, $%d, $%d, $%d::%s, $%d, $%d, NULL, NULL, $%d, NULL, NULL, $%d)",
			base+1, base+2, base+3, base+4, base+5, statusEnum, base+6, base+7, base+8, base+9)

		createdAt, expiresAt := normalizedInsertValues(message, now)

		args = append(args,
			message.ID,
			message.MessageType,
			[]byte(message.Payload),
			headers,
			outbox.StatusPending.String(),
			0,
			createdAt,
			expiresAt,
			createdAt,
		)
	}

	query := fmt.Sprintf(
		"INSERT INTO %s (%s, updated_at) VALUES %s ON CONFLICT (id) DO NOTHING",
		repo.quotedTable(), messageColumns, values.String(),
	)

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		err = fmt.Errorf("inserting %d outbox messages: %w", len(messages), err)
		opentelemetry.HandleSpanError(span, "failed to insert outbox messages", err)

		return err
	}

	return nil
}

// ClaimDue claims up to limit deliverable messages: PENDING rows plus FAILED
// rows whose retry delay elapsed, oldest first. Claimed rows move to
// DELIVERING inside the same transaction that locked them, so another
// replica running the same query skips them entirely.
func (repo *Repository) ClaimDue(ctx context.Context, limit int) ([]*outbox.Message, error) {
	logger, tracer, _ := eventbox.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.claim_due_messages")
	defer span.End()

	if limit <= 0 {
		err := fmt.Errorf("%w: claim limit %d", ErrLimitMustBePositive, limit)
		opentelemetry.HandleSpanError(span, "invalid claim limit", err)

		return nil, err
	}

	now := time.Now().UTC()

	messages, err := withTx(ctx, repo, func(ctx context.Context, tx *sql.Tx) ([]*outbox.Message, error) {
		candidates, err := queryMessages(ctx, tx, fmt.Sprintf(
			`SELECT %s FROM %s
			  WHERE (status = $1::%s OR (status = $2::%s AND next_attempt_at <= $3))
			    AND expires_at > $3
			  ORDER BY created_at ASC
			  LIMIT $4
			  FOR UPDATE SKIP LOCKED`,
			messageColumns, repo.quotedTable(), statusEnum, statusEnum,
		), outbox.StatusPending.String(), outbox.StatusFailed.String(), now, limit)
		if err != nil {
			return nil, fmt.Errorf("selecting due outbox messages: %w", err)
		}

		if len(candidates) == 0 {
			return nil, nil
		}

		result, err := tx.ExecContext(ctx, fmt.Sprintf(
			`UPDATE %s
			    SET status = $1::%s, claimed_at = $2, updated_at = $2
			  WHERE id = ANY($3::uuid[]) AND status IN ($4::%s, $5::%s)`,
			repo.quotedTable(), statusEnum, statusEnum, statusEnum,
		), outbox.StatusDelivering.String(), now, uuidArray(collectMessageIDs(candidates)),
			outbox.StatusPending.String(), outbox.StatusFailed.String())
		if err != nil {
			return nil, fmt.Errorf("claiming due outbox messages: %w", err)
		}

		// Every selected row is locked by this transaction, so the claim
		// update must cover all of them.
		if err := ensureRowsAffectedExact(result, len(candidates)); err != nil {
			return nil, err
		}

		return candidates, nil
	})
	if err != nil {
		opentelemetry.HandleSpanError(span, "failed to claim due outbox messages", err)

		return nil, err
	}

	applyClaimState(messages, now)

	if len(messages) > 0 && logger.Enabled(log.LevelDebug) {
		logger.Log(ctx, log.LevelDebug, "claimed due outbox messages", log.Int("count", len(messages)))
	}

	return messages, nil
}

// ReclaimStale recovers DELIVERING rows whose claim started before
// staleBefore, meaning the claiming dispatcher died or lost its database
// connection mid-flight. Rows with attempts left are re-claimed for this
// dispatcher and charged one attempt; rows out of attempts are dead-lettered
// instead. Returns the re-claimed messages and the number dead-lettered.
func (repo *Repository) ReclaimStale(ctx context.Context, staleBefore time.Time, limit, maxDeliveryCount int) ([]*outbox.Message, int64, error) {
	logger, tracer, _ := eventbox.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.reclaim_stale_claims")
	defer span.End()

	if limit <= 0 {
		err := fmt.Errorf("%w: reclaim limit %d", ErrLimitMustBePositive, limit)
		opentelemetry.HandleSpanError(span, "invalid reclaim limit", err)

		return nil, 0, err
	}

	if maxDeliveryCount <= 0 {
		err := fmt.Errorf("%w: %d", ErrMaxDeliveryCountMustBePositive, maxDeliveryCount)
		opentelemetry.HandleSpanError(span, "invalid max delivery count", err)

		return nil, 0, err
	}

	now := time.Now().UTC()

	outcome, err := withTx(ctx, repo, func(ctx context.Context, tx *sql.Tx) (staleOutcome, error) {
		stale, err := queryMessages(ctx, tx, fmt.Sprintf(
			`SELECT %s FROM %s
			  WHERE status = $1::%s AND claimed_at <= $2
			  ORDER BY claimed_at ASC
			  LIMIT $3
			  FOR UPDATE SKIP LOCKED`,
			messageColumns, repo.quotedTable(), statusEnum,
		), outbox.StatusDelivering.String(), staleBefore.UTC(), limit)
		if err != nil {
			return staleOutcome{}, fmt.Errorf("selecting stale outbox claims: %w", err)
		}

		retry, exhausted := splitStaleClaims(stale, maxDeliveryCount)

		if len(retry) > 0 {
			// The rows stay DELIVERING under a fresh claim stamp. Flipping
			// them to PENDING would let another dispatcher claim them before
			// this one retries.
			result, err := tx.ExecContext(ctx, fmt.Sprintf(
				`UPDATE %s
				    SET attempts = attempts + 1, claimed_at = $1, updated_at = $1
				  WHERE id = ANY($2::uuid[]) AND status = $3::%s`,
				repo.quotedTable(), statusEnum,
			), now, uuidArray(collectMessageIDs(retry)), outbox.StatusDelivering.String())
			if err != nil {
				return staleOutcome{}, fmt.Errorf("reclaiming stale outbox claims: %w", err)
			}

			if err := ensureRowsAffectedExact(result, len(retry)); err != nil {
				return staleOutcome{}, err
			}
		}

		if len(exhausted) > 0 {
			result, err := tx.ExecContext(ctx, fmt.Sprintf(
				`UPDATE %s
				    SET status = $1::%s, attempts = attempts + 1, last_error = $2,
				        next_attempt_at = NULL, claimed_at = NULL, updated_at = $3
				  WHERE id = ANY($4::uuid[]) AND status = $5::%s`,
				repo.quotedTable(), statusEnum, statusEnum,
			), outbox.StatusDeadLettered.String(), staleClaimExhaustedReason, now,
				uuidArray(collectMessageIDs(exhausted)), outbox.StatusDelivering.String())
			if err != nil {
				return staleOutcome{}, fmt.Errorf("dead-lettering exhausted stale claims: %w", err)
			}

			if err := ensureRowsAffectedExact(result, len(exhausted)); err != nil {
				return staleOutcome{}, err
			}
		}

		return staleOutcome{retry: retry, deadLettered: int64(len(exhausted))}, nil
	})
	if err != nil {
		opentelemetry.HandleSpanError(span, "failed to reclaim stale outbox claims", err)

		return nil, 0, err
	}

	applyReclaimState(outcome.retry, now)

	if (len(outcome.retry) > 0 || outcome.deadLettered > 0) && logger.Enabled(log.LevelDebug) {
		logger.Log(ctx, log.LevelDebug, "reclaimed stale outbox claims",
			log.Int("reclaimed", len(outcome.retry)),
			log.Int64("dead_lettered", outcome.deadLettered),
		)
	}

	return outcome.retry, outcome.deadLettered, nil
}

// Release returns claimed rows to PENDING without charging an attempt, used
// when the dispatcher gives a batch back instead of attempting it. A
// concurrent stale reclaim may already have moved some rows, so a short
// count is tolerated and returned rather than treated as a conflict.
func (repo *Repository) Release(ctx context.Context, ids []uuid.UUID) (int64, error) {
	_, tracer, _ := eventbox.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.release_claims")
	defer span.End()

	if len(ids) == 0 {
		return 0, nil
	}

	now := time.Now().UTC()

	released, err := withTx(ctx, repo, func(ctx context.Context, tx *sql.Tx) (int64, error) {
		result, err := tx.ExecContext(ctx, fmt.Sprintf(
			`UPDATE %s
			    SET status = $1::%s, claimed_at = NULL, next_attempt_at = NULL, updated_at = $2
			  WHERE id = ANY($3::uuid[]) AND status = $4::%s`,
			repo.quotedTable(), statusEnum, statusEnum,
		), outbox.StatusPending.String(), now, uuidArray(ids), outbox.StatusDelivering.String())
		if err != nil {
			return 0, fmt.Errorf("releasing %d outbox claims: %w", len(ids), err)
		}

		return rowsAffected(result)
	})
	if err != nil {
		opentelemetry.HandleSpanError(span, "failed to release outbox claims", err)

		return 0, err
	}

	return released, nil
}

// MarkDelivered finalizes a claimed row as DELIVERED. A zero deliveredAt is
// replaced with the current time.
func (repo *Repository) MarkDelivered(ctx context.Context, id uuid.UUID, deliveredAt time.Time) error {
	_, tracer, _ := eventbox.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.mark_message_delivered")
	defer span.End()

	if id == uuid.Nil {
		opentelemetry.HandleSpanError(span, "missing message id", ErrIDRequired)

		return ErrIDRequired
	}

	now := time.Now().UTC()

	if deliveredAt.IsZero() {
		deliveredAt = now
	}

	err := execTx(ctx, repo, func(ctx context.Context, tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, fmt.Sprintf(
			`UPDATE %s
			    SET status = $1::%s, delivered_at = $2, claimed_at = NULL, next_attempt_at = NULL, updated_at = $3
			  WHERE id = $4 AND status = $5::%s`,
			repo.quotedTable(), statusEnum, statusEnum,
		), outbox.StatusDelivered.String(), deliveredAt.UTC(), now, id, outbox.StatusDelivering.String())
		if err != nil {
			return fmt.Errorf("marking outbox message %s delivered: %w", id, err)
		}

		return ensureRowsAffected(result, id, outbox.StatusDelivering)
	})
	if err != nil {
		opentelemetry.HandleSpanError(span, "failed to mark outbox message delivered", err)

		return err
	}

	return nil
}

// MarkFailed charges one attempt and schedules the next one. When the
// charged attempt reaches maxDeliveryCount the row is dead-lettered in the
// same statement, keeping the delivery error as last_error either way. The
// status the row ended in is returned so the caller can account the outcome.
func (repo *Repository) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string, nextAttemptAt time.Time, maxDeliveryCount int) (outbox.Status, error) {
	_, tracer, _ := eventbox.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.mark_message_failed")
	defer span.End()

	if id == uuid.Nil {
		opentelemetry.HandleSpanError(span, "missing message id", ErrIDRequired)

		return "", ErrIDRequired
	}

	if maxDeliveryCount <= 0 {
		err := fmt.Errorf("%w: %d", ErrMaxDeliveryCountMustBePositive, maxDeliveryCount)
		opentelemetry.HandleSpanError(span, "invalid max delivery count", err)

		return "", err
	}

	sanitized := outbox.SanitizeErrorMessage(errMsg)
	now := time.Now().UTC()

	status, err := withTx(ctx, repo, func(ctx context.Context, tx *sql.Tx) (outbox.Status, error) {
		row := tx.QueryRowContext(ctx, fmt.Sprintf(
			`UPDATE %s
			    SET status = CASE WHEN attempts + 1 >= $1 THEN '%s' ELSE '%s' END::%s,
			        attempts = attempts + 1,
			        last_error = $2,
			        next_attempt_at = CASE WHEN attempts + 1 >= $1 THEN NULL ELSE $3 END,
			        claimed_at = NULL,
			        updated_at = $4
			  WHERE id = $5 AND status = $6::%s
			  RETURNING status`,
			repo.quotedTable(), outbox.StatusDeadLettered, outbox.StatusFailed, statusEnum, statusEnum,
		), maxDeliveryCount, sanitized, nextAttemptAt.UTC(), now, id, outbox.StatusDelivering.String())

		var raw string
		if err := row.Scan(&raw); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return "", fmt.Errorf("%w: message %s is not %s", ErrStateTransitionConflict, id, outbox.StatusDelivering)
			}

			return "", fmt.Errorf("marking outbox message %s failed: %w", id, err)
		}

		status, err := outbox.ParseStatus(raw)
		if err != nil {
			return "", fmt.Errorf("reading outbox status after failure update: %w", err)
		}

		return status, nil
	})
	if err != nil {
		opentelemetry.HandleSpanError(span, "failed to mark outbox message failed", err)

		return "", err
	}

	return status, nil
}

// MarkDeadLettered finalizes a claimed row as DEAD_LETTERED, charging the
// attempt that produced the non-retryable outcome.
func (repo *Repository) MarkDeadLettered(ctx context.Context, id uuid.UUID, reason string) error {
	_, tracer, _ := eventbox.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.mark_message_dead_lettered")
	defer span.End()

	if id == uuid.Nil {
		opentelemetry.HandleSpanError(span, "missing message id", ErrIDRequired)

		return ErrIDRequired
	}

	sanitized := outbox.SanitizeErrorMessage(reason)
	now := time.Now().UTC()

	err := execTx(ctx, repo, func(ctx context.Context, tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, fmt.Sprintf(
			`UPDATE %s
			    SET status = $1::%s, attempts = attempts + 1, last_error = $2,
			        next_attempt_at = NULL, claimed_at = NULL, updated_at = $3
			  WHERE id = $4 AND status = $5::%s`,
			repo.quotedTable(), statusEnum, statusEnum,
		), outbox.StatusDeadLettered.String(), sanitized, now, id, outbox.StatusDelivering.String())
		if err != nil {
			return fmt.Errorf("dead-lettering outbox message %s: %w", id, err)
		}

		return ensureRowsAffected(result, id, outbox.StatusDelivering)
	})
	if err != nil {
		opentelemetry.HandleSpanError(span, "failed to dead-letter outbox message", err)

		return err
	}

	return nil
}

// MarkExpired expires PENDING and FAILED rows whose time to live elapsed at
// asOf, up to limit rows per call, and returns how many were expired.
// DELIVERING rows are left alone; an in-flight attempt may still finish.
func (repo *Repository) MarkExpired(ctx context.Context, asOf time.Time, limit int) (int64, error) {
	logger, tracer, _ := eventbox.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.mark_messages_expired")
	defer span.End()

	if limit <= 0 {
		err := fmt.Errorf("%w: expire limit %d", ErrLimitMustBePositive, limit)
		opentelemetry.HandleSpanError(span, "invalid expire limit", err)

		return 0, err
	}

	now := time.Now().UTC()

	if asOf.IsZero() {
		asOf = now
	}

	expired, err := withTx(ctx, repo, func(ctx context.Context, tx *sql.Tx) (int64, error) {
		result, err := tx.ExecContext(ctx, fmt.Sprintf(
			`UPDATE %s
			    SET status = $1::%s, next_attempt_at = NULL, updated_at = $2
			  WHERE id IN (
			        SELECT id FROM %s
			         WHERE status IN ($3::%s, $4::%s) AND expires_at <= $5
			         ORDER BY expires_at ASC
			         LIMIT $6
			         FOR UPDATE SKIP LOCKED)`,
			repo.quotedTable(), statusEnum, repo.quotedTable(), statusEnum, statusEnum,
		), outbox.StatusExpired.String(), now, outbox.StatusPending.String(),
			outbox.StatusFailed.String(), asOf.UTC(), limit)
		if err != nil {
			return 0, fmt.Errorf("expiring overdue outbox messages: %w", err)
		}

		return rowsAffected(result)
	})
	if err != nil {
		opentelemetry.HandleSpanError(span, "failed to expire outbox messages", err)

		return 0, err
	}

	if expired > 0 && logger.Enabled(log.LevelDebug) {
		logger.Log(ctx, log.LevelDebug, "expired outbox messages past their time to live", log.Int64("count", expired))
	}

	return expired, nil
}

// PurgeFinalized deletes terminal rows whose last write happened before
// olderThan, up to limit rows per call, and returns how many were removed.
func (repo *Repository) PurgeFinalized(ctx context.Context, olderThan time.Time, limit int) (int64, error) {
	logger, tracer, _ := eventbox.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.purge_finalized_messages")
	defer span.End()

	if limit <= 0 {
		err := fmt.Errorf("%w: purge limit %d", ErrLimitMustBePositive, limit)
		opentelemetry.HandleSpanError(span, "invalid purge limit", err)

		return 0, err
	}

	purged, err := withTx(ctx, repo, func(ctx context.Context, tx *sql.Tx) (int64, error) {
		result, err := tx.ExecContext(ctx, fmt.Sprintf(
			`DELETE FROM %s
			  WHERE id IN (
			        SELECT id FROM %s
			         WHERE status IN ($1::%s, $2::%s, $3::%s) AND updated_at <= $4
			         ORDER BY updated_at ASC
			         LIMIT $5
			         FOR UPDATE SKIP LOCKED)`,
			repo.quotedTable(), repo.quotedTable(), statusEnum, statusEnum, statusEnum,
		), outbox.StatusDelivered.String(), outbox.StatusDeadLettered.String(),
			outbox.StatusExpired.String(), olderThan.UTC(), limit)
		if err != nil {
			return 0, fmt.Errorf("purging finalized outbox messages: %w", err)
		}

		return rowsAffected(result)
	})
	if err != nil {
		opentelemetry.HandleSpanError(span, "failed to purge finalized outbox messages", err)

		return 0, err
	}

	if purged > 0 && logger.Enabled(log.LevelDebug) {
		logger.Log(ctx, log.LevelDebug, "purged finalized outbox messages", log.Int64("count", purged))
	}

	return purged, nil
}

// GetByID loads a single message without locking it. Intended for operational
// tooling and tests; the dispatcher never reads rows this way.
func (repo *Repository) GetByID(ctx context.Context, id uuid.UUID) (*outbox.Message, error) {
	_, tracer, _ := eventbox.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.get_message_by_id")
	defer span.End()

	if id == uuid.Nil {
		opentelemetry.HandleSpanError(span, "missing message id", ErrIDRequired)

		return nil, ErrIDRequired
	}

	message, err := withTx(ctx, repo, func(ctx context.Context, tx *sql.Tx) (*outbox.Message, error) {
		row := tx.QueryRowContext(ctx, fmt.Sprintf(
			"SELECT %s FROM %s WHERE id = $1", messageColumns, repo.quotedTable(),
		), id)

		message, err := scanMessage(row)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, fmt.Errorf("%w: %s", ErrMessageNotFound, id)
			}

			return nil, err
		}

		return message, nil
	})
	if err != nil {
		opentelemetry.HandleSpanError(span, "failed to load outbox message", err)

		return nil, err
	}

	return message, nil
}

type staleOutcome struct {
	retry        []*outbox.Message
	deadLettered int64
}

func (repo *Repository) ready() error {
	if repo == nil || repo.db == nil {
		return ErrRepositoryNotInitialized
	}

	return nil
}

func (repo *Repository) quotedTable() string {
	return quoteIdentifier(repo.tableName)
}

// withTx runs fn inside a transaction, applying the repository timeout when
// the caller context carries no deadline. The deferred rollback is a no-op
// once the transaction committed.
func withTx[T any](ctx context.Context, repo *Repository, fn func(ctx context.Context, tx *sql.Tx) (T, error)) (T, error) {
	var zero T

	if err := repo.ready(); err != nil {
		return zero, err
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, repo.transactionTimeout)
		defer cancel()
	}

	tx, err := repo.db.BeginTx(ctx, nil)
	if err != nil {
		return zero, fmt.Errorf("beginning outbox transaction: %w", err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	result, err := fn(ctx, tx)
	if err != nil {
		return zero, err
	}

	if err := tx.Commit(); err != nil {
		return zero, fmt.Errorf("committing outbox transaction: %w", err)
	}

	return result, nil
}

func execTx(ctx context.Context, repo *Repository, fn func(ctx context.Context, tx *sql.Tx) error) error {
	_, err := withTx(ctx, repo, func(ctx context.Context, tx *sql.Tx) (struct{}, error) {
		return struct{}{}, fn(ctx, tx)
	})

	return err
}

func queryMessages(ctx context.Context, tx *sql.Tx, query string, args ...any) ([]*outbox.Message, error) {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	defer func() {
		_ = rows.Close()
	}()

	var messages []*outbox.Message

	for rows.Next() {
		message, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}

		messages = append(messages, message)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating outbox message rows: %w", err)
	}

	return messages, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(scanner rowScanner) (*outbox.Message, error) {
	var (
		message     outbox.Message
		headersRaw  []byte
		deliveredAt sql.NullTime
		nextAttempt sql.NullTime
		claimedAt   sql.NullTime
		lastError   sql.NullString
	)

	err := scanner.Scan(
		&message.ID,
		&message.MessageType,
		&message.Payload,
		&headersRaw,
		&message.Status,
		&message.Attempts,
		&message.CreatedAt,
		&deliveredAt,
		&nextAttempt,
		&message.ExpiresAt,
		&claimedAt,
		&lastError,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}

		return nil, fmt.Errorf("scanning outbox message row: %w", err)
	}

	if len(headersRaw) > 0 {
		if err := json.Unmarshal(headersRaw, &message.Headers); err != nil {
			return nil, fmt.Errorf("decoding outbox message headers: %w", err)
		}
	}

	message.CreatedAt = message.CreatedAt.UTC()
	message.ExpiresAt = message.ExpiresAt.UTC()

	if deliveredAt.Valid {
		delivered := deliveredAt.Time.UTC()
		message.DeliveredAt = &delivered
	}

	if nextAttempt.Valid {
		next := nextAttempt.Time.UTC()
		message.NextAttemptAt = &next
	}

	if claimedAt.Valid {
		claimed := claimedAt.Time.UTC()
		message.ClaimedAt = &claimed
	}

	if lastError.Valid {
		message.LastError = lastError.String
	}

	return &message, nil
}

func validateInsertMessage(message *outbox.Message) error {
	if message == nil {
		return outbox.ErrMessageRequired
	}

	if message.ID == uuid.Nil {
		return ErrIDRequired
	}

	if strings.TrimSpace(message.MessageType) == "" {
		return outbox.ErrMessageTypeRequired
	}

	if len(message.Payload) == 0 {
		return outbox.ErrPayloadRequired
	}

	if !json.Valid(message.Payload) {
		return outbox.ErrPayloadNotJSON
	}

	return nil
}

// normalizedInsertValues fills the creation and expiry stamps when the caller
// left them unset.
func normalizedInsertValues(message *outbox.Message, now time.Time) (createdAt, expiresAt time.Time) {
	createdAt = message.CreatedAt.UTC()
	if message.CreatedAt.IsZero() {
		createdAt = now
	}

	expiresAt = message.ExpiresAt.UTC()
	if message.ExpiresAt.IsZero() {
		expiresAt = createdAt.Add(outbox.DefaultTimeToLive)
	}

	return createdAt, expiresAt
}

func encodeHeaders(headers map[string]string) ([]byte, error) {
	if len(headers) == 0 {
		return []byte("{}"), nil
	}

	encoded, err := json.Marshal(headers)
	if err != nil {
		return nil, fmt.Errorf("encoding outbox message headers: %w", err)
	}

	return encoded, nil
}

func splitStaleClaims(messages []*outbox.Message, maxDeliveryCount int) (retry, exhausted []*outbox.Message) {
	for _, message := range messages {
		if message.Attempts+1 >= maxDeliveryCount {
			exhausted = append(exhausted, message)
			continue
		}

		retry = append(retry, message)
	}

	return retry, exhausted
}

func applyClaimState(messages []*outbox.Message, claimedAt time.Time) {
	for _, message := range messages {
		claimed := claimedAt

		message.Status = outbox.StatusDelivering
		message.ClaimedAt = &claimed
	}
}

func applyReclaimState(messages []*outbox.Message, claimedAt time.Time) {
	for _, message := range messages {
		claimed := claimedAt

		message.Attempts++
		message.ClaimedAt = &claimed
	}
}

func collectMessageIDs(messages []*outbox.Message) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(messages))
	for _, message := range messages {
		ids = append(ids, message.ID)
	}

	return ids
}

// uuidArray renders ids as a PostgreSQL array literal. Passing the literal as
// a text parameter with a ::uuid[] cast keeps the statement driver-agnostic.
func uuidArray(ids []uuid.UUID) string {
	return "{" + strings.Join(eventbox.UUIDsToStrings(ids), ",") + "}"
}

func validateIdentifier(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty identifier", ErrInvalidIdentifier)
	}

	if len(name) > maxIdentifierLength {
		return fmt.Errorf("%w: %q exceeds %d characters", ErrInvalidIdentifier, name, maxIdentifierLength)
	}

	if !identifierPattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidIdentifier, name)
	}

	return nil
}

func quoteIdentifier(name string) string {
	cleaned := strings.ReplaceAll(name, "\x00", "")

	return `"` + strings.ReplaceAll(cleaned, `"`, `""`) + `"`
}

func rowsAffected(result sql.Result) (int64, error) {
	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reading affected row count: %w", err)
	}

	return count, nil
}

func ensureRowsAffected(result sql.Result, id uuid.UUID, from outbox.Status) error {
	count, err := rowsAffected(result)
	if err != nil {
		return err
	}

	if count == 0 {
		return fmt.Errorf("%w: message %s is not %s", ErrStateTransitionConflict, id, from)
	}

	return nil
}

func ensureRowsAffectedExact(result sql.Result, expected int) error {
	count, err := rowsAffected(result)
	if err != nil {
		return err
	}

	if count != int64(expected) {
		return fmt.Errorf("%w: updated %d of %d locked rows", ErrStateTransitionConflict, count, expected)
	}

	return nil
}
