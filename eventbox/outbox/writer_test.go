//go:build unit

package outbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/AltairBanking/lib-eventbox/v2/eventbox/events"
)

type testAccount struct {
	events.Recorder
	id uuid.UUID
}

func (account *testAccount) AggregateID() uuid.UUID { return account.id }

func (account *testAccount) AggregateType() string { return "Account" }

func newTestAccount(t *testing.T, eventTypes ...string) *testAccount {
	t.Helper()

	account := &testAccount{id: uuid.New()}

	for _, eventType := range eventTypes {
		event, err := events.NewFromAggregate(account, eventType, 1, map[string]any{"balance": 100})
		require.NoError(t, err)

		account.AddEvent(event)
	}

	return account
}

func newTestWriter(t *testing.T, repo Repository, opts ...WriterOption) *Writer {
	t.Helper()

	writer, err := NewWriter(repo, NewSourceResolver(), nil, nil, opts...)
	require.NoError(t, err)

	return writer
}

func TestNewWriter_Validation(t *testing.T) {
	t.Parallel()

	_, err := NewWriter(nil, NewSourceResolver(), nil, nil)
	require.ErrorIs(t, err, ErrRepositoryRequired)

	_, err = NewWriter(&fakeRepo{}, nil, nil, nil)
	require.ErrorIs(t, err, ErrSourceResolverRequired)
}

func TestWriter_StageAggregatesCreatesMessages(t *testing.T) {
	t.Parallel()

	repo := &fakeRepo{}
	writer := newTestWriter(t, repo)

	account := newTestAccount(t, "AccountCreatedEvent", "AccountClosedEvent")
	other := newTestAccount(t, "AccountSuspendedEvent")

	staged, err := writer.StageAggregates(context.Background(), nil, []any{account, "not a carrier", other})

	require.NoError(t, err)
	require.Equal(t, 3, staged)

	created := repo.createdMessages()
	require.Len(t, created, 3)
	require.Equal(t, "AccountCreatedEvent", created[0].MessageType)
	require.Equal(t, "AccountClosedEvent", created[1].MessageType)
	require.Equal(t, "AccountSuspendedEvent", created[2].MessageType)

	for _, message := range created {
		require.Equal(t, StatusPending, message.Status)
		require.Equal(t, "Account", message.Headers[HeaderSource])
	}
}

func TestWriter_StageAggregatesNothingPendingSkipsRepository(t *testing.T) {
	t.Parallel()

	repo := &fakeRepo{}
	writer := newTestWriter(t, repo)

	staged, err := writer.StageAggregates(context.Background(), nil, []any{
		newTestAccount(t),
		"not a carrier",
		nil,
	})

	require.NoError(t, err)
	require.Zero(t, staged)
	require.Zero(t, repo.createCallCount())
}

func TestWriter_StageAggregatesBuildFailureAborts(t *testing.T) {
	t.Parallel()

	repo := &fakeRepo{}
	writer := newTestWriter(t, repo)

	account := newTestAccount(t)
	// A zero event id cannot become an outbox message.
	account.AddEvent(events.DomainEvent{Type: "AccountCreatedEvent", Payload: []byte(`{}`)})

	staged, err := writer.StageAggregates(context.Background(), nil, []any{account})

	require.Error(t, err)
	require.ErrorContains(t, err, "building message for AccountCreatedEvent event")
	require.Zero(t, staged)
	require.Zero(t, repo.createCallCount())
}

func TestWriter_StageAggregatesRepositoryErrorAborts(t *testing.T) {
	t.Parallel()

	repoErr := errors.New("insert failed")
	repo := &fakeRepo{createErr: repoErr}
	writer := newTestWriter(t, repo)

	staged, err := writer.StageAggregates(context.Background(), nil, []any{
		newTestAccount(t, "AccountCreatedEvent"),
	})

	require.ErrorIs(t, err, repoErr)
	require.ErrorContains(t, err, "staging 1 outbox messages")
	require.Zero(t, staged)
}

func TestWriter_BuildMessageAppliesOptions(t *testing.T) {
	t.Parallel()

	writer := newTestWriter(t, &fakeRepo{},
		WithEnvironment("production"),
		WithTimeToLive(time.Hour),
	)

	event, err := events.New("AccountCreatedEvent", 1, uuid.New(), "Account", map[string]any{"balance": 100})
	require.NoError(t, err)

	message, err := writer.BuildMessage(context.Background(), event)
	require.NoError(t, err)

	require.Equal(t, "production", message.Headers[HeaderEnvironment])
	require.Equal(t, "3600000", message.Headers[HeaderTimeToLive])
	require.Equal(t, time.Hour, message.TimeToLive())
}
