package dedup

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryWindow is an in-process Window. It is safe for concurrent use and
// suits single-replica dispatchers and tests. Entries are swept lazily, at
// most once per detection period, so memory stays bounded by the claim rate
// times the period.
type MemoryWindow struct {
	mu        sync.Mutex
	period    time.Duration
	seen      map[uuid.UUID]time.Time
	lastSweep time.Time

	// now is replaceable in tests.
	now func() time.Time
}

// NewMemoryWindow builds a MemoryWindow with the given detection period.
func NewMemoryWindow(period time.Duration) (*MemoryWindow, error) {
	if period <= 0 {
		return nil, ErrInvalidPeriod
	}

	return &MemoryWindow{
		period: period,
		seen:   make(map[uuid.UUID]time.Time),
		now:    time.Now,
	}, nil
}

// Claim implements Window.
func (window *MemoryWindow) Claim(_ context.Context, id uuid.UUID) (bool, error) {
	if id == uuid.Nil {
		return false, ErrNilID
	}

	window.mu.Lock()
	defer window.mu.Unlock()

	now := window.now()
	window.sweep(now)

	if expiry, ok := window.seen[id]; ok && now.Before(expiry) {
		return false, nil
	}

	window.seen[id] = now.Add(window.period)

	return true, nil
}

// Len reports the number of tracked ids, including not-yet-swept expired
// entries. It exists for observability and tests.
func (window *MemoryWindow) Len() int {
	window.mu.Lock()
	defer window.mu.Unlock()

	return len(window.seen)
}

// sweep drops expired entries. Callers must hold window.mu.
func (window *MemoryWindow) sweep(now time.Time) {
	if now.Sub(window.lastSweep) < window.period {
		return
	}

	for id, expiry := range window.seen {
		if !now.Before(expiry) {
			delete(window.seen, id)
		}
	}

	window.lastSweep = now
}
