package outbox

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/AltairBanking/lib-eventbox/v2/eventbox/events"
	"github.com/AltairBanking/lib-eventbox/v2/eventbox/internal/nilcheck"
	"github.com/AltairBanking/lib-eventbox/v2/eventbox/log"
)

// Writer stages pending domain events as outbox rows inside the business
// transaction. One message is created per pending event; a staging failure
// propagates so the unit of work aborts the whole transaction.
type Writer struct {
	repo     Repository
	resolver *SourceResolver
	logger   log.Logger
	tracer   trace.Tracer

	environment string
	timeToLive  time.Duration
}

// WriterOption customizes a Writer at construction.
type WriterOption func(*Writer)

// WithEnvironment sets the Environment header stamped on staged messages.
func WithEnvironment(env string) WriterOption {
	return func(writer *Writer) {
		writer.environment = env
	}
}

// WithTimeToLive overrides the message TTL. Zero keeps DefaultTimeToLive.
func WithTimeToLive(ttl time.Duration) WriterOption {
	return func(writer *Writer) {
		if ttl > 0 {
			writer.timeToLive = ttl
		}
	}
}

// NewWriter creates an outbox writer.
func NewWriter(
	repo Repository,
	resolver *SourceResolver,
	logger log.Logger,
	tracer trace.Tracer,
	opts ...WriterOption,
) (*Writer, error) {
	if nilcheck.Interface(repo) {
		return nil, ErrRepositoryRequired
	}

	if resolver == nil {
		return nil, ErrSourceResolverRequired
	}

	if nilcheck.Interface(logger) {
		logger = log.NewNop()
	}

	if nilcheck.Interface(tracer) {
		tracer = noop.NewTracerProvider().Tracer("eventbox.noop")
	}

	writer := &Writer{
		repo:       repo,
		resolver:   resolver,
		logger:     logger,
		tracer:     tracer,
		timeToLive: DefaultTimeToLive,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(writer)
		}
	}

	return writer, nil
}

// BuildMessage converts one domain event into a pending outbox message using
// the writer's environment and TTL.
func (writer *Writer) BuildMessage(ctx context.Context, event events.DomainEvent) (*Message, error) {
	return NewMessage(ctx, event, writer.resolver, writer.environment, writer.timeToLive)
}

// StageAggregates stages every pending event of every event-carrying entity
// in tracked, using the caller's transaction. Entities that do not record
// events are ignored. Returns the number of messages staged.
func (writer *Writer) StageAggregates(ctx context.Context, tx Tx, tracked []any) (int, error) {
	ctx, span := writer.tracer.Start(ctx, "outbox.stage_aggregates")
	defer span.End()

	var messages []*Message

	for _, entity := range tracked {
		carrier, ok := entity.(events.Carrier)
		if !ok {
			continue
		}

		for _, event := range carrier.PendingEvents() {
			message, err := writer.BuildMessage(ctx, event)
			if err != nil {
				return 0, fmt.Errorf("building message for %s event %s: %w", event.Type, event.ID, err)
			}

			messages = append(messages, message)
		}
	}

	if len(messages) == 0 {
		return 0, nil
	}

	if err := writer.repo.CreateBatchWithTx(ctx, tx, messages); err != nil {
		return 0, fmt.Errorf("staging %d outbox messages: %w", len(messages), err)
	}

	writer.logger.Log(ctx, log.LevelDebug, "staged outbox messages",
		log.Int("count", len(messages)))

	return len(messages), nil
}
