package events

import "github.com/google/uuid"

// Aggregate identifies an aggregate root. The save pipeline uses it for
// outbox headers and log fields instead of inspecting concrete types.
type Aggregate interface {
	AggregateID() uuid.UUID
	AggregateType() string
}

// Carrier is an Aggregate that records pending domain events. The unit of
// work stages outbox rows for every tracked Carrier before commit and calls
// ClearEvents only after the commit is confirmed. No other component may
// clear events.
type Carrier interface {
	Aggregate

	// PendingEvents enumerates recorded events in append order. The returned
	// slice is a snapshot; mutating it does not affect the carrier.
	PendingEvents() []DomainEvent

	// ClearEvents drops all pending events. Idempotent.
	ClearEvents()
}

// Recorder is the embeddable pending-event list for aggregate roots. The
// embedding type calls AddEvent from its own state-transition methods and
// gains the Carrier event methods for free:
//
//	type Account struct {
//	    events.Recorder
//	    id uuid.UUID
//	}
//
//	func (a *Account) Close() error {
//	    ...
//	    a.AddEvent(closedEvent)
//	    return nil
//	}
//
// A Recorder is confined to the request that owns the aggregate and is not
// safe for concurrent use.
type Recorder struct {
	pending []DomainEvent
}

// AddEvent appends event to the pending list. Order is preserved and no
// deduplication is applied; recording the same event twice enqueues it twice.
func (rec *Recorder) AddEvent(event DomainEvent) {
	rec.pending = append(rec.pending, event)
}

// PendingEvents returns a snapshot of the pending list in append order.
func (rec *Recorder) PendingEvents() []DomainEvent {
	if len(rec.pending) == 0 {
		return nil
	}

	snapshot := make([]DomainEvent, len(rec.pending))
	copy(snapshot, rec.pending)

	return snapshot
}

// ClearEvents empties the pending list. Safe to call on an empty recorder.
func (rec *Recorder) ClearEvents() {
	rec.pending = nil
}
