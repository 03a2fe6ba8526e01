package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/AltairBanking/lib-eventbox/v2/eventbox/assert"
	"github.com/AltairBanking/lib-eventbox/v2/eventbox/events"
)

// Header keys carried by every outbox message. Values are strings so the
// header map survives JSONB storage and broker header tables unchanged.
const (
	HeaderEventType     = "EventType"
	HeaderAggregateID   = "AggregateId"
	HeaderVersion       = "Version"
	HeaderOccurredOn    = "OccurredOn"
	HeaderSource        = "Source"
	HeaderEnvironment   = "Environment"
	HeaderCorrelationID = "CorrelationId"
	HeaderMessageID     = "MessageId"
	HeaderTimeToLive    = "TimeToLive"
)

const (
	// DefaultTimeToLive bounds how long an undelivered message stays
	// deliverable before it is marked expired.
	DefaultTimeToLive = 7 * 24 * time.Hour

	// DefaultMaxPayloadBytes bounds the serialized payload size.
	DefaultMaxPayloadBytes = 1 << 20
)

// Message is a durable outbox row awaiting broker delivery. Its ID equals the
// ID of the domain event it was built from, which makes staging idempotent at
// the primary key and doubles as the broker MessageId and CorrelationId.
type Message struct {
	ID            uuid.UUID
	MessageType   string
	Payload       json.RawMessage
	Headers       map[string]string
	Status        Status
	Attempts      int
	CreatedAt     time.Time
	DeliveredAt   *time.Time
	NextAttemptAt *time.Time
	ExpiresAt     time.Time
	ClaimedAt     *time.Time
	LastError     string
}

// NewMessage builds a pending Message from a domain event. The source header
// is derived by resolver, env names the producing deployment, and ttl bounds
// deliverability (DefaultTimeToLive when zero).
func NewMessage(
	ctx context.Context,
	event events.DomainEvent,
	resolver *SourceResolver,
	env string,
	ttl time.Duration,
) (*Message, error) {
	asserter := assert.New(ctx, nil, "outbox", "outbox.new_message")

	if resolver == nil {
		return nil, ErrSourceResolverRequired
	}

	if err := asserter.That(ctx, event.ID != uuid.Nil, "event id is required"); err != nil {
		return nil, fmt.Errorf("outbox message id: %w", err)
	}

	if err := asserter.NotEmpty(ctx, event.Type, "event type is required"); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMessageTypeRequired, err)
	}

	if err := asserter.That(ctx, len(event.Payload) > 0, "payload is required"); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPayloadRequired, err)
	}

	if err := asserter.That(ctx, len(event.Payload) <= DefaultMaxPayloadBytes, "payload exceeds max size"); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPayloadTooLarge, err)
	}

	if err := asserter.That(ctx, json.Valid(event.Payload), "payload must be valid JSON"); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPayloadNotJSON, err)
	}

	if ttl == 0 {
		ttl = DefaultTimeToLive
	}

	if ttl < 0 {
		return nil, ErrInvalidTimeToLive
	}

	now := time.Now().UTC()

	return &Message{
		ID:          event.ID,
		MessageType: event.Type,
		Payload:     event.Payload,
		Headers: map[string]string{
			HeaderEventType:     event.Type,
			HeaderAggregateID:   event.AggregateID.String(),
			HeaderVersion:       strconv.Itoa(event.Version),
			HeaderOccurredOn:    event.OccurredOn.Format(time.RFC3339Nano),
			HeaderSource:        resolver.Resolve(event.Type),
			HeaderEnvironment:   env,
			HeaderCorrelationID: event.ID.String(),
			HeaderMessageID:     event.ID.String(),
			HeaderTimeToLive:    strconv.FormatInt(ttl.Milliseconds(), 10),
		},
		Status:    StatusPending,
		Attempts:  0,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}, nil
}

// TimeToLive reports the message TTL recorded in the headers, or
// DefaultTimeToLive when the header is absent or malformed.
func (message *Message) TimeToLive() time.Duration {
	raw, ok := message.Headers[HeaderTimeToLive]
	if !ok {
		return DefaultTimeToLive
	}

	millis, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || millis <= 0 {
		return DefaultTimeToLive
	}

	return time.Duration(millis) * time.Millisecond
}

// Expired reports whether the message TTL elapsed at the given instant.
func (message *Message) Expired(now time.Time) bool {
	return !message.ExpiresAt.IsZero() && !now.Before(message.ExpiresAt)
}
