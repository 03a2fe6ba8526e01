package outbox

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// Tx is the transactional handle used by CreateBatchWithTx.
//
// It intentionally aliases *sql.Tx so outbox staging runs on the same
// database/sql transaction as the business writes, with no adapter layer
// between the unit of work and the repository.
type Tx = *sql.Tx

// Repository defines persistence operations for outbox messages.
//
// Claim operations move rows to DELIVERING under row locks so concurrent
// dispatcher replicas never hold the same message; skip-locked selection is
// the primary exclusion mechanism and the duplicate detection window only a
// backstop.
type Repository interface {
	// CreateBatchWithTx stages messages inside the caller's transaction.
	CreateBatchWithTx(ctx context.Context, tx Tx, messages []*Message) error

	// ClaimDue claims up to limit deliverable messages: PENDING rows plus
	// FAILED rows whose retry delay elapsed, ordered by creation time.
	ClaimDue(ctx context.Context, limit int) ([]*Message, error)

	// ReclaimStale re-claims DELIVERING rows whose claim started before
	// staleBefore, charging one attempt; rows out of attempts are
	// dead-lettered instead. Returns the re-claimed messages and the number
	// dead-lettered.
	ReclaimStale(ctx context.Context, staleBefore time.Time, limit, maxDeliveryCount int) ([]*Message, int64, error)

	// Release returns claimed rows to PENDING without charging an attempt.
	Release(ctx context.Context, ids []uuid.UUID) (int64, error)

	// MarkDelivered finalizes a claimed row as DELIVERED.
	MarkDelivered(ctx context.Context, id uuid.UUID, deliveredAt time.Time) error

	// MarkFailed charges one attempt and schedules the next one, moving the
	// row to DEAD_LETTERED when attempts reach maxDeliveryCount. The
	// resulting status is returned.
	MarkFailed(ctx context.Context, id uuid.UUID, errMsg string, nextAttemptAt time.Time, maxDeliveryCount int) (Status, error)

	// MarkDeadLettered finalizes a claimed row as DEAD_LETTERED.
	MarkDeadLettered(ctx context.Context, id uuid.UUID, reason string) error

	// MarkExpired expires deliverable rows whose TTL elapsed at asOf and
	// returns how many were expired.
	MarkExpired(ctx context.Context, asOf time.Time, limit int) (int64, error)

	// PurgeFinalized deletes terminal rows finalized before olderThan and
	// returns how many were removed.
	PurgeFinalized(ctx context.Context, olderThan time.Time, limit int) (int64, error)
}
