//go:build integration

package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/AltairBanking/lib-eventbox/v2/eventbox/outbox"
)

type integrationFixture struct {
	ctx       context.Context
	db        *sql.DB
	repo      *Repository
	tableName string
}

func newIntegrationFixture(t *testing.T) *integrationFixture {
	t.Helper()

	dsn := strings.TrimSpace(os.Getenv("OUTBOX_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("OUTBOX_POSTGRES_DSN not set")
	}

	ctx := context.Background()

	db, err := sql.Open("pgx", dsn)
	require.NoError(t, err)

	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Errorf("cleanup: close db: %v", err)
		}
	})

	require.NoError(t, db.PingContext(ctx))

	tableName := "outbox_it_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]

	_, err = db.ExecContext(ctx, `
DO $$
BEGIN
	IF NOT EXISTS (SELECT 1 FROM pg_type WHERE typname = 'outbox_message_status') THEN
		CREATE TYPE outbox_message_status AS ENUM ('PENDING','DELIVERING','DELIVERED','FAILED','DEAD_LETTERED','EXPIRED');
	END IF;
END
$$;
`)
	require.NoError(t, err)

	_, err = db.ExecContext(ctx, fmt.Sprintf(`
CREATE TABLE %s (
	id UUID PRIMARY KEY,
	message_type VARCHAR(255) NOT NULL,
	payload JSONB NOT NULL,
	headers JSONB NOT NULL DEFAULT '{}'::jsonb,
	status outbox_message_status NOT NULL DEFAULT 'PENDING',
	attempts INT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL,
	delivered_at TIMESTAMPTZ,
	next_attempt_at TIMESTAMPTZ,
	expires_at TIMESTAMPTZ NOT NULL,
	claimed_at TIMESTAMPTZ,
	last_error VARCHAR(512),
	updated_at TIMESTAMPTZ NOT NULL
)`, quoteIdentifier(tableName)))
	require.NoError(t, err)

	t.Cleanup(func() {
		if _, err := db.ExecContext(context.Background(), "DROP TABLE IF EXISTS "+quoteIdentifier(tableName)); err != nil {
			t.Errorf("cleanup: drop table: %v", err)
		}
	})

	repo, err := New(db, WithTableName(tableName))
	require.NoError(t, err)

	return &integrationFixture{ctx: ctx, db: db, repo: repo, tableName: tableName}
}

func (f *integrationFixture) stage(t *testing.T, messages ...*outbox.Message) {
	t.Helper()

	tx, err := f.db.BeginTx(f.ctx, nil)
	require.NoError(t, err)

	require.NoError(t, f.repo.CreateBatchWithTx(f.ctx, tx, messages))
	require.NoError(t, tx.Commit())
}

func (f *integrationFixture) newMessage(t *testing.T) *outbox.Message {
	t.Helper()

	return &outbox.Message{
		ID:          uuid.New(),
		MessageType: "AccountCreatedEvent",
		Payload:     json.RawMessage(`{"balance":100}`),
		Headers:     map[string]string{outbox.HeaderEventType: "AccountCreatedEvent"},
	}
}

func (f *integrationFixture) setColumn(t *testing.T, id uuid.UUID, column string, value any) {
	t.Helper()

	_, err := f.db.ExecContext(f.ctx, fmt.Sprintf(
		"UPDATE %s SET %s = $1 WHERE id = $2", quoteIdentifier(f.tableName), column,
	), value, id)
	require.NoError(t, err)
}

func TestIntegrationStageAndClaimLifecycle(t *testing.T) {
	f := newIntegrationFixture(t)

	older := f.newMessage(t)
	newer := f.newMessage(t)

	f.stage(t, older)
	time.Sleep(5 * time.Millisecond)
	f.stage(t, newer)

	claimed, err := f.repo.ClaimDue(f.ctx, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	require.Equal(t, older.ID, claimed[0].ID)
	require.Equal(t, newer.ID, claimed[1].ID)

	for _, message := range claimed {
		require.Equal(t, outbox.StatusDelivering, message.Status)
		require.NotNil(t, message.ClaimedAt)
	}

	stored, err := f.repo.GetByID(f.ctx, older.ID)
	require.NoError(t, err)
	require.Equal(t, outbox.StatusDelivering, stored.Status)
	require.NotNil(t, stored.ClaimedAt)
	require.Equal(t, older.Headers, stored.Headers)

	// Everything deliverable is already claimed.
	second, err := f.repo.ClaimDue(f.ctx, 10)
	require.NoError(t, err)
	require.Empty(t, second)
}

func TestIntegrationClaimSkipsFutureRetryAndExpired(t *testing.T) {
	f := newIntegrationFixture(t)

	waiting := f.newMessage(t)
	overdue := f.newMessage(t)

	f.stage(t, waiting, overdue)

	f.setColumn(t, waiting.ID, "status", outbox.StatusFailed.String())
	f.setColumn(t, waiting.ID, "next_attempt_at", time.Now().UTC().Add(time.Hour))
	f.setColumn(t, overdue.ID, "expires_at", time.Now().UTC().Add(-time.Minute))

	claimed, err := f.repo.ClaimDue(f.ctx, 10)
	require.NoError(t, err)
	require.Empty(t, claimed)

	expired, err := f.repo.MarkExpired(f.ctx, time.Now().UTC(), 100)
	require.NoError(t, err)
	require.Equal(t, int64(1), expired)

	stored, err := f.repo.GetByID(f.ctx, overdue.ID)
	require.NoError(t, err)
	require.Equal(t, outbox.StatusExpired, stored.Status)
}

func TestIntegrationDeliveryOutcomes(t *testing.T) {
	f := newIntegrationFixture(t)

	message := f.newMessage(t)
	f.stage(t, message)

	claimed, err := f.repo.ClaimDue(f.ctx, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	deliveredAt := time.Now().UTC()
	require.NoError(t, f.repo.MarkDelivered(f.ctx, message.ID, deliveredAt))

	stored, err := f.repo.GetByID(f.ctx, message.ID)
	require.NoError(t, err)
	require.Equal(t, outbox.StatusDelivered, stored.Status)
	require.NotNil(t, stored.DeliveredAt)
	require.Nil(t, stored.ClaimedAt)

	// The row left DELIVERING, so a second finalize loses the status guard.
	err = f.repo.MarkDelivered(f.ctx, message.ID, time.Now().UTC())
	require.ErrorIs(t, err, ErrStateTransitionConflict)
}

func TestIntegrationMarkFailedRetryThenDeadLetter(t *testing.T) {
	f := newIntegrationFixture(t)

	message := f.newMessage(t)
	f.stage(t, message)

	claimed, err := f.repo.ClaimDue(f.ctx, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	status, err := f.repo.MarkFailed(f.ctx, message.ID, "broker timeout", time.Now().UTC().Add(time.Minute), 2)
	require.NoError(t, err)
	require.Equal(t, outbox.StatusFailed, status)

	stored, err := f.repo.GetByID(f.ctx, message.ID)
	require.NoError(t, err)
	require.Equal(t, 1, stored.Attempts)
	require.NotNil(t, stored.NextAttemptAt)
	require.Equal(t, "broker timeout", stored.LastError)

	f.setColumn(t, message.ID, "next_attempt_at", time.Now().UTC().Add(-time.Second))

	claimed, err = f.repo.ClaimDue(f.ctx, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, message.ID, claimed[0].ID)

	status, err = f.repo.MarkFailed(f.ctx, message.ID, "still unreachable", time.Now().UTC().Add(time.Minute), 2)
	require.NoError(t, err)
	require.Equal(t, outbox.StatusDeadLettered, status)

	stored, err = f.repo.GetByID(f.ctx, message.ID)
	require.NoError(t, err)
	require.Equal(t, 2, stored.Attempts)
	require.Nil(t, stored.NextAttemptAt)
	require.Equal(t, "still unreachable", stored.LastError)
}

func TestIntegrationReclaimStale(t *testing.T) {
	f := newIntegrationFixture(t)

	recoverable := f.newMessage(t)
	exhausted := f.newMessage(t)

	f.stage(t, recoverable, exhausted)

	claimed, err := f.repo.ClaimDue(f.ctx, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 2)

	staleStamp := time.Now().UTC().Add(-10 * time.Minute)
	f.setColumn(t, recoverable.ID, "claimed_at", staleStamp)
	f.setColumn(t, exhausted.ID, "claimed_at", staleStamp)
	f.setColumn(t, exhausted.ID, "attempts", 2)

	reclaimed, deadLettered, err := f.repo.ReclaimStale(f.ctx, time.Now().UTC().Add(-5*time.Minute), 10, 3)
	require.NoError(t, err)
	require.Equal(t, int64(1), deadLettered)
	require.Len(t, reclaimed, 1)
	require.Equal(t, recoverable.ID, reclaimed[0].ID)
	require.Equal(t, 1, reclaimed[0].Attempts)

	stored, err := f.repo.GetByID(f.ctx, recoverable.ID)
	require.NoError(t, err)
	require.Equal(t, outbox.StatusDelivering, stored.Status)
	require.NotNil(t, stored.ClaimedAt)
	require.True(t, stored.ClaimedAt.After(staleStamp))

	dead, err := f.repo.GetByID(f.ctx, exhausted.ID)
	require.NoError(t, err)
	require.Equal(t, outbox.StatusDeadLettered, dead.Status)
	require.Equal(t, 3, dead.Attempts)
	require.Nil(t, dead.ClaimedAt)
	require.Equal(t, staleClaimExhaustedReason, dead.LastError)
}

func TestIntegrationReleaseReturnsRowsToPending(t *testing.T) {
	f := newIntegrationFixture(t)

	message := f.newMessage(t)
	f.stage(t, message)

	claimed, err := f.repo.ClaimDue(f.ctx, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	released, err := f.repo.Release(f.ctx, []uuid.UUID{message.ID})
	require.NoError(t, err)
	require.Equal(t, int64(1), released)

	stored, err := f.repo.GetByID(f.ctx, message.ID)
	require.NoError(t, err)
	require.Equal(t, outbox.StatusPending, stored.Status)
	require.Nil(t, stored.ClaimedAt)

	// No attempt was charged, so the row is immediately claimable again.
	require.Equal(t, 0, stored.Attempts)

	claimed, err = f.repo.ClaimDue(f.ctx, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, message.ID, claimed[0].ID)
}

func TestIntegrationPurgeFinalized(t *testing.T) {
	f := newIntegrationFixture(t)

	delivered := f.newMessage(t)
	deadLettered := f.newMessage(t)
	pending := f.newMessage(t)

	f.stage(t, delivered, deadLettered, pending)

	f.setColumn(t, delivered.ID, "status", outbox.StatusDelivered.String())
	f.setColumn(t, deadLettered.ID, "status", outbox.StatusDeadLettered.String())

	oldStamp := time.Now().UTC().Add(-72 * time.Hour)
	for _, id := range []uuid.UUID{delivered.ID, deadLettered.ID, pending.ID} {
		f.setColumn(t, id, "updated_at", oldStamp)
	}

	purged, err := f.repo.PurgeFinalized(f.ctx, time.Now().UTC().Add(-48*time.Hour), 100)
	require.NoError(t, err)
	require.Equal(t, int64(2), purged)

	_, err = f.repo.GetByID(f.ctx, delivered.ID)
	require.ErrorIs(t, err, ErrMessageNotFound)

	stored, err := f.repo.GetByID(f.ctx, pending.ID)
	require.NoError(t, err)
	require.Equal(t, outbox.StatusPending, stored.Status)
}

func TestIntegrationCreateBatchIdempotent(t *testing.T) {
	f := newIntegrationFixture(t)

	message := f.newMessage(t)

	f.stage(t, message)
	f.stage(t, message)

	var count int

	row := f.db.QueryRowContext(f.ctx, fmt.Sprintf(
		"SELECT COUNT(*) FROM %s WHERE id = $1", quoteIdentifier(f.tableName),
	), message.ID)
	require.NoError(t, row.Scan(&count))
	require.Equal(t, 1, count)
}

func TestIntegrationConcurrentClaimsDoNotOverlap(t *testing.T) {
	f := newIntegrationFixture(t)

	const total = 20

	messages := make([]*outbox.Message, 0, total)
	for range total {
		messages = append(messages, f.newMessage(t))
	}

	f.stage(t, messages...)

	const workers = 4

	var (
		mu      sync.Mutex
		claimed = make(map[uuid.UUID]int)
		wg      sync.WaitGroup
	)

	claimErrs := make(chan error, workers)

	for range workers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for {
				batch, err := f.repo.ClaimDue(f.ctx, 5)
				if err != nil {
					claimErrs <- err
					return
				}

				if len(batch) == 0 {
					return
				}

				mu.Lock()
				for _, message := range batch {
					claimed[message.ID]++
				}
				mu.Unlock()
			}
		}()
	}

	wg.Wait()
	close(claimErrs)

	for err := range claimErrs {
		require.NoError(t, err)
	}

	require.Len(t, claimed, total)

	for id, count := range claimed {
		require.Equal(t, 1, count, "message %s claimed %d times", id, count)
	}
}
