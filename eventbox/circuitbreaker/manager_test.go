//go:build unit

package circuitbreaker

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recordingListener struct {
	mu          sync.Mutex
	transitions []string
}

func (l *recordingListener) OnStateChange(endpoint string, from, to State) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.transitions = append(l.transitions, endpoint+":"+string(from)+"->"+string(to))
}

func (l *recordingListener) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]string, len(l.transitions))
	copy(out, l.transitions)

	return out
}

func TestGetOrCreateReturnsSameBreaker(t *testing.T) {
	t.Parallel()

	m := NewManager(nil)

	first := m.GetOrCreate("rabbitmq-primary", BrokerConfig())
	second := m.GetOrCreate("rabbitmq-primary", DefaultConfig())

	require.Same(t, first, second)
}

func TestGetOrCreateFallsBackOnInvalidConfig(t *testing.T) {
	t.Parallel()

	m := NewManager(nil)

	breaker := m.GetOrCreate("rabbitmq-primary", Config{})
	require.NotNil(t, breaker)
	require.Equal(t, StateClosed, breaker.State())
}

func TestManagerExecuteAndHealth(t *testing.T) {
	t.Parallel()

	m := NewManager(nil)
	boom := errors.New("boom")

	require.True(t, m.IsHealthy("kafka-primary"))
	require.Equal(t, StateClosed, m.State("kafka-primary"))

	m.GetOrCreate("kafka-primary", Config{
		TripThreshold:   2,
		ActiveThreshold: 2,
		TrackingPeriod:  time.Minute,
		ResetInterval:   time.Minute,
	})

	require.ErrorIs(t, m.Execute("kafka-primary", func() error { return boom }), boom)
	require.ErrorIs(t, m.Execute("kafka-primary", func() error { return boom }), boom)

	require.False(t, m.IsHealthy("kafka-primary"))
	require.Equal(t, StateOpen, m.State("kafka-primary"))
	require.Equal(t, 2, m.Counts("kafka-primary").Failures)

	m.Reset("kafka-primary")
	require.True(t, m.IsHealthy("kafka-primary"))
}

func TestListenersObserveTransitions(t *testing.T) {
	t.Parallel()

	m := NewManager(nil)
	listener := &recordingListener{}
	m.RegisterStateChangeListener(listener)

	m.GetOrCreate("rabbitmq-primary", Config{
		TripThreshold:   1,
		ActiveThreshold: 1,
		TrackingPeriod:  time.Minute,
		ResetInterval:   time.Minute,
	})

	require.Error(t, m.Execute("rabbitmq-primary", func() error { return errors.New("x") }))

	require.Eventually(t, func() bool {
		transitions := listener.snapshot()
		return len(transitions) == 1 && transitions[0] == "rabbitmq-primary:closed->open"
	}, 2*time.Second, 10*time.Millisecond)
}
