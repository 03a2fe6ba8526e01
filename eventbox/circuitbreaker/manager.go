package circuitbreaker

import (
	"context"
	"sync"

	"github.com/AltairBanking/lib-eventbox/v2/eventbox/log"
	"github.com/AltairBanking/lib-eventbox/v2/eventbox/runtime"
)

// StateChangeListener is notified after a breaker transitions between
// states.
type StateChangeListener interface {
	OnStateChange(endpoint string, from, to State)
}

// Manager keeps one Breaker per endpoint and fans state transitions out to
// registered listeners.
type Manager struct {
	mu        sync.RWMutex
	breakers  map[string]*Breaker
	listeners []StateChangeListener
	logger    log.Logger
}

// NewManager creates an empty Manager.
func NewManager(logger log.Logger) *Manager {
	if logger == nil {
		logger = log.NewNop()
	}

	return &Manager{
		breakers: make(map[string]*Breaker),
		logger:   logger,
	}
}

// GetOrCreate returns the breaker registered for endpoint, creating it
// with cfg on first use. Invalid configs fall back to BrokerConfig.
func (m *Manager) GetOrCreate(endpoint string, cfg Config) *Breaker {
	m.mu.RLock()
	breaker, ok := m.breakers[endpoint]
	m.mu.RUnlock()

	if ok {
		return breaker
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if breaker, ok = m.breakers[endpoint]; ok {
		return breaker
	}

	breaker, err := New(cfg)
	if err != nil {
		m.logger.Log(context.Background(), log.LevelWarn, "invalid breaker config, using broker defaults",
			log.String("endpoint", endpoint),
			log.Err(err),
		)

		breaker, _ = New(BrokerConfig())
	}

	breaker.onStateChange = func(from, to State) {
		m.dispatchStateChange(endpoint, from, to)
	}

	m.breakers[endpoint] = breaker

	return breaker
}

// Execute runs fn through the endpoint's breaker, creating it with
// BrokerConfig when absent.
func (m *Manager) Execute(endpoint string, fn func() error) error {
	return m.GetOrCreate(endpoint, BrokerConfig()).Execute(fn)
}

// State returns the endpoint's breaker state, or closed when no breaker
// exists yet.
func (m *Manager) State(endpoint string) State {
	m.mu.RLock()
	breaker, ok := m.breakers[endpoint]
	m.mu.RUnlock()

	if !ok {
		return StateClosed
	}

	return breaker.State()
}

// Counts returns the endpoint's rolling statistics.
func (m *Manager) Counts(endpoint string) Counts {
	m.mu.RLock()
	breaker, ok := m.breakers[endpoint]
	m.mu.RUnlock()

	if !ok {
		return Counts{}
	}

	return breaker.Counts()
}

// IsHealthy reports whether the endpoint's breaker is not open.
func (m *Manager) IsHealthy(endpoint string) bool {
	return m.State(endpoint) != StateOpen
}

// Reset forces the endpoint's breaker back to closed.
func (m *Manager) Reset(endpoint string) {
	m.mu.RLock()
	breaker, ok := m.breakers[endpoint]
	m.mu.RUnlock()

	if ok {
		breaker.Reset()
	}
}

// RegisterStateChangeListener adds a listener for transitions on every
// managed breaker.
func (m *Manager) RegisterStateChangeListener(listener StateChangeListener) {
	if listener == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.listeners = append(m.listeners, listener)
}

// dispatchStateChange logs the transition and notifies listeners on their
// own goroutines so a slow listener cannot stall Execute callers.
func (m *Manager) dispatchStateChange(endpoint string, from, to State) {
	m.logger.Log(context.Background(), log.LevelWarn, "circuit breaker state change",
		log.String("endpoint", endpoint),
		log.String("from", string(from)),
		log.String("to", string(to)),
	)

	m.mu.RLock()
	listeners := make([]StateChangeListener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.RUnlock()

	for _, listener := range listeners {
		listener := listener

		runtime.SafeGo(m.logger, "circuitbreaker.state_change_listener", runtime.KeepRunning, func() {
			listener.OnStateChange(endpoint, from, to)
		})
	}
}
