//go:build unit

package outbox

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestInterceptor(t *testing.T, repo Repository) *SaveInterceptor {
	t.Helper()

	interceptor, err := NewSaveInterceptor(newTestWriter(t, repo), nil)
	require.NoError(t, err)

	return interceptor
}

func TestNewSaveInterceptor_RequiresWriter(t *testing.T) {
	t.Parallel()

	_, err := NewSaveInterceptor(nil, nil)
	require.ErrorIs(t, err, ErrWriterRequired)
}

func TestSaveInterceptor_BeforeCommitStagesPendingEvents(t *testing.T) {
	t.Parallel()

	repo := &fakeRepo{}
	interceptor := newTestInterceptor(t, repo)

	account := newTestAccount(t, "AccountCreatedEvent")

	require.NoError(t, interceptor.BeforeCommit(context.Background(), nil, []any{account}))
	require.Len(t, repo.createdMessages(), 1)

	// Staging must not clear; only a confirmed commit does.
	require.Len(t, account.PendingEvents(), 1)
}

func TestSaveInterceptor_BeforeCommitPropagatesStagingError(t *testing.T) {
	t.Parallel()

	repoErr := errors.New("insert failed")
	interceptor := newTestInterceptor(t, &fakeRepo{createErr: repoErr})

	account := newTestAccount(t, "AccountCreatedEvent")

	err := interceptor.BeforeCommit(context.Background(), nil, []any{account})
	require.ErrorIs(t, err, repoErr)
}

func TestSaveInterceptor_AfterCommitClearsCarriers(t *testing.T) {
	t.Parallel()

	interceptor := newTestInterceptor(t, &fakeRepo{})

	account := newTestAccount(t, "AccountCreatedEvent", "AccountClosedEvent")
	other := newTestAccount(t, "AccountSuspendedEvent")

	require.NoError(t, interceptor.AfterCommit(context.Background(), []any{account, "not a carrier", other}))

	require.Empty(t, account.PendingEvents())
	require.Empty(t, other.PendingEvents())
}

func TestSaveInterceptor_AfterCommitWithoutCarriersIsNoOp(t *testing.T) {
	t.Parallel()

	interceptor := newTestInterceptor(t, &fakeRepo{})

	require.NoError(t, interceptor.AfterCommit(context.Background(), []any{"not a carrier", nil}))
	require.NoError(t, interceptor.AfterCommit(context.Background(), nil))
}

func TestSaveInterceptor_AfterRollbackKeepsPendingEvents(t *testing.T) {
	t.Parallel()

	interceptor := newTestInterceptor(t, &fakeRepo{})

	account := newTestAccount(t, "AccountCreatedEvent")

	interceptor.AfterRollback(context.Background(), []any{account})

	// Events stay attached so a caller retry reproduces them.
	require.Len(t, account.PendingEvents(), 1)
}
