//go:build unit

package events

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// testAccount is a minimal aggregate root embedding a Recorder.
type testAccount struct {
	Recorder

	id uuid.UUID
}

func newTestAccount() *testAccount {
	return &testAccount{id: uuid.New()}
}

func (a *testAccount) AggregateID() uuid.UUID { return a.id }

func (a *testAccount) AggregateType() string { return "Account" }

func (a *testAccount) close() error {
	event, err := NewFromAggregate(a, "AccountClosedEvent", 1, nil)
	if err != nil {
		return err
	}

	a.AddEvent(event)

	return nil
}

func TestRecorderPreservesAppendOrder(t *testing.T) {
	t.Parallel()

	account := newTestAccount()

	first, err := NewFromAggregate(account, "AccountOpenedEvent", 1, nil)
	require.NoError(t, err)

	second, err := NewFromAggregate(account, "AccountClosedEvent", 1, nil)
	require.NoError(t, err)

	account.AddEvent(first)
	account.AddEvent(second)

	pending := account.PendingEvents()
	require.Len(t, pending, 2)
	require.Equal(t, first.ID, pending[0].ID)
	require.Equal(t, second.ID, pending[1].ID)
}

func TestRecorderDoesNotDeduplicate(t *testing.T) {
	t.Parallel()

	account := newTestAccount()

	event, err := NewFromAggregate(account, "AccountClosedEvent", 1, nil)
	require.NoError(t, err)

	account.AddEvent(event)
	account.AddEvent(event)

	require.Len(t, account.PendingEvents(), 2)
}

func TestPendingEventsReturnsSnapshot(t *testing.T) {
	t.Parallel()

	account := newTestAccount()
	require.NoError(t, account.close())

	pending := account.PendingEvents()
	require.Len(t, pending, 1)

	pending[0].Type = "Tampered"

	require.Equal(t, "AccountClosedEvent", account.PendingEvents()[0].Type)
}

func TestPendingEventsEmptyIsNil(t *testing.T) {
	t.Parallel()

	account := newTestAccount()

	require.Nil(t, account.PendingEvents())
}

func TestClearEventsIsIdempotent(t *testing.T) {
	t.Parallel()

	account := newTestAccount()
	require.NoError(t, account.close())
	require.Len(t, account.PendingEvents(), 1)

	account.ClearEvents()
	require.Empty(t, account.PendingEvents())

	account.ClearEvents()
	require.Empty(t, account.PendingEvents())
}

func TestRecorderSatisfiesCarrier(t *testing.T) {
	t.Parallel()

	var carrier Carrier = newTestAccount()

	require.Equal(t, "Account", carrier.AggregateType())
}
