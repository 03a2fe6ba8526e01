package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DomainEvent records a single business state change. The ID doubles as the
// deduplication and correlation key of the resulting outbox message, so it is
// assigned exactly once at construction. Treat the value as read-only after
// New returns; nothing in this module mutates it.
type DomainEvent struct {
	ID            uuid.UUID
	Type          string
	Version       int
	OccurredOn    time.Time
	AggregateID   uuid.UUID
	AggregateType string
	Payload       json.RawMessage
}

// New builds a DomainEvent stamped with a fresh id and the current UTC time.
// The payload may be any JSON-encodable value; []byte and json.RawMessage are
// taken as pre-encoded JSON and validated instead of re-encoded.
func New(eventType string, version int, aggregateID uuid.UUID, aggregateType string, payload any) (DomainEvent, error) {
	if eventType == "" {
		return DomainEvent{}, ErrEmptyEventType
	}

	if version < 1 {
		return DomainEvent{}, ErrInvalidVersion
	}

	if aggregateID == uuid.Nil {
		return DomainEvent{}, ErrNilAggregateID
	}

	if aggregateType == "" {
		return DomainEvent{}, ErrEmptyAggregateType
	}

	encoded, err := encodePayload(payload)
	if err != nil {
		return DomainEvent{}, err
	}

	return DomainEvent{
		ID:            uuid.New(),
		Type:          eventType,
		Version:       version,
		OccurredOn:    time.Now().UTC(),
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		Payload:       encoded,
	}, nil
}

// NewFromAggregate builds a DomainEvent bound to agg's identity.
func NewFromAggregate(agg Aggregate, eventType string, version int, payload any) (DomainEvent, error) {
	if agg == nil {
		return DomainEvent{}, ErrNilAggregate
	}

	return New(eventType, version, agg.AggregateID(), agg.AggregateType(), payload)
}

// encodePayload normalizes payload into owned JSON bytes. Pre-encoded input
// is copied so later caller mutations cannot leak into the event.
func encodePayload(payload any) (json.RawMessage, error) {
	switch typed := payload.(type) {
	case json.RawMessage:
		return copyValidJSON([]byte(typed))
	case []byte:
		return copyValidJSON(typed)
	default:
		encoded, err := json.Marshal(typed)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
		}

		return encoded, nil
	}
}

func copyValidJSON(raw []byte) (json.RawMessage, error) {
	if !json.Valid(raw) {
		return nil, ErrInvalidPayload
	}

	owned := make(json.RawMessage, len(raw))
	copy(owned, raw)

	return owned, nil
}
