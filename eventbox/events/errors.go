package events

import "errors"

var (
	// ErrEmptyEventType indicates a domain event without a type name.
	ErrEmptyEventType = errors.New("events: event type is empty")
	// ErrInvalidVersion indicates a schema version below 1.
	ErrInvalidVersion = errors.New("events: event version must be at least 1")
	// ErrNilAggregateID indicates a domain event not bound to an aggregate.
	ErrNilAggregateID = errors.New("events: aggregate id is nil")
	// ErrEmptyAggregateType indicates a domain event without an aggregate type.
	ErrEmptyAggregateType = errors.New("events: aggregate type is empty")
	// ErrInvalidPayload indicates a payload that could not be encoded as JSON.
	ErrInvalidPayload = errors.New("events: payload is not valid JSON")
	// ErrNilAggregate indicates a nil aggregate was passed where one is required.
	ErrNilAggregate = errors.New("events: aggregate is nil")
)
