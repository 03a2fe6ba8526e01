// Package events defines the domain-event model for the transactional outbox.
//
// A DomainEvent is an immutable record of a business state change, stamped
// with the aggregate that produced it. Aggregate roots embed a Recorder to
// collect pending events in order; the save pipeline drains the recorder into
// outbox rows inside the business transaction and clears it only after the
// commit is confirmed.
//
// Aggregates are confined to the request that loaded them, so the Recorder
// performs no locking of its own.
package events
