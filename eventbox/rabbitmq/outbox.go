package rabbitmq

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/AltairBanking/lib-eventbox/v2/eventbox/internal/nilcheck"
	"github.com/AltairBanking/lib-eventbox/v2/eventbox/log"
	libOpentelemetry "github.com/AltairBanking/lib-eventbox/v2/eventbox/opentelemetry"
	"github.com/AltairBanking/lib-eventbox/v2/eventbox/outbox"
	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPPublisher is the publish surface the outbox bridge needs.
// *ConfirmablePublisher satisfies it.
type AMQPPublisher interface {
	Publish(
		ctx context.Context,
		exchange, routingKey string,
		mandatory, immediate bool,
		msg amqp.Publishing,
	) error
}

// OutboxPublisher delivers outbox messages to the domain topic exchange
// and implements outbox.Publisher. The exchange name follows the broker
// naming contract and the routing key is the message type, so consumers
// bind with patterns like "Account*" or "#".
type OutboxPublisher struct {
	publisher AMQPPublisher
	exchange  string
	logger    log.Logger
}

// NewOutboxPublisher builds the bridge for the given domain. The exchange
// is "{domain}-events" per the naming contract.
func NewOutboxPublisher(publisher AMQPPublisher, domain string, logger log.Logger) (*OutboxPublisher, error) {
	if nilcheck.Interface(publisher) {
		return nil, ErrPublisherRequired
	}

	exchange, err := outbox.TopicName(domain)
	if err != nil {
		return nil, fmt.Errorf("outbox publisher: %w", err)
	}

	if nilcheck.Interface(logger) {
		logger = log.NewNop()
	}

	return &OutboxPublisher{
		publisher: publisher,
		exchange:  exchange,
		logger:    logger,
	}, nil
}

// Exchange returns the topic exchange this publisher targets.
func (bridge *OutboxPublisher) Exchange() string {
	if bridge == nil {
		return ""
	}

	return bridge.exchange
}

// Publish sends one outbox message, waiting for the broker confirm. The
// message headers travel as AMQP headers merged with the current trace
// context, and the remaining time to live becomes the per-message expiration
// so the broker never delivers past the outbox deadline.
func (bridge *OutboxPublisher) Publish(ctx context.Context, message *outbox.Message) error {
	if bridge == nil || nilcheck.Interface(bridge.publisher) {
		return ErrPublisherRequired
	}

	if message == nil {
		return outbox.ErrMessageRequired
	}

	if message.MessageType == "" {
		return outbox.ErrMessageTypeRequired
	}

	if ctx == nil {
		ctx = context.Background()
	}

	now := time.Now().UTC()
	if message.Expired(now) {
		return fmt.Errorf("publish outbox message %s: %w", message.ID, outbox.ErrMessageExpired)
	}

	publishing := buildOutboxPublishing(ctx, message, now)

	if err := bridge.publisher.Publish(ctx, bridge.exchange, message.MessageType, false, false, publishing); err != nil {
		return fmt.Errorf("publish outbox message %s: %w", message.ID, err)
	}

	bridge.logger.Log(ctx, log.LevelDebug, "published outbox message",
		log.String("message_id", message.ID.String()),
		log.String("exchange", bridge.exchange),
		log.String("routing_key", message.MessageType),
	)

	return nil
}

func buildOutboxPublishing(ctx context.Context, message *outbox.Message, now time.Time) amqp.Publishing {
	headers := make(map[string]any, len(message.Headers))
	for key, value := range message.Headers {
		headers[key] = value
	}

	merged := libOpentelemetry.PrepareQueueHeaders(ctx, headers)

	table := make(amqp.Table, len(merged))
	for key, value := range merged {
		table[key] = value
	}

	publishing := amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     message.ID.String(),
		CorrelationId: message.Headers[outbox.HeaderCorrelationID],
		Type:          message.MessageType,
		Timestamp:     message.CreatedAt,
		Headers:       table,
		Body:          message.Payload,
	}

	if publishing.CorrelationId == "" {
		publishing.CorrelationId = message.ID.String()
	}

	if remaining := message.ExpiresAt.Sub(now); !message.ExpiresAt.IsZero() && remaining > 0 {
		publishing.Expiration = strconv.FormatInt(remaining.Milliseconds(), 10)
	}

	return publishing
}

// EventTopologyConfig carries the optional knobs for DeclareEventTopology.
type EventTopologyConfig struct {
	BindingKey string
	QueueArgs  amqp.Table
}

// EventTopologyOption configures event topology declaration.
type EventTopologyOption func(*EventTopologyConfig)

// WithEventBindingKey narrows the subscription binding from the default "#"
// to a routing pattern such as "Account*".
func WithEventBindingKey(bindingKey string) EventTopologyOption {
	return func(cfg *EventTopologyConfig) {
		if bindingKey != "" {
			cfg.BindingKey = bindingKey
		}
	}
}

// WithEventQueueArgs sets declaration args for the subscription queue,
// typically GetDLXArgs for dead-letter wiring.
func WithEventQueueArgs(args amqp.Table) EventTopologyOption {
	return func(cfg *EventTopologyConfig) {
		if len(args) > 0 {
			cfg.QueueArgs = args
		}
	}
}

// DeclareEventExchange declares the durable "{domain}-events" topic exchange.
// Publish-only processes call it so the exchange exists before the first
// delivery; consumers get it through DeclareEventTopology.
func DeclareEventExchange(ch AMQPChannel, domain string) error {
	if nilcheck.Interface(ch) {
		return fmt.Errorf("declare event exchange: %w", ErrChannelRequired)
	}

	exchange, err := outbox.TopicName(domain)
	if err != nil {
		return fmt.Errorf("declare event exchange: %w", err)
	}

	if err := ch.ExchangeDeclare(
		exchange,
		defaultExchangeType,
		true,
		false,
		false,
		false,
		nil,
	); err != nil {
		return fmt.Errorf("declare %s exchange: %w", exchange, err)
	}

	return nil
}

// DeclareEventTopology declares the durable "{domain}-events" topic exchange,
// the durable "{consumer}-service" queue, and the binding between them.
// Producers and consumers both call it so startup order does not matter.
func DeclareEventTopology(ch AMQPChannel, domain, consumer string, opts ...EventTopologyOption) error {
	if nilcheck.Interface(ch) {
		return fmt.Errorf("declare event topology: %w", ErrChannelRequired)
	}

	exchange, err := outbox.TopicName(domain)
	if err != nil {
		return fmt.Errorf("declare event topology: %w", err)
	}

	queue, err := outbox.SubscriptionName(consumer)
	if err != nil {
		return fmt.Errorf("declare event topology: %w", err)
	}

	cfg := EventTopologyConfig{BindingKey: defaultBindingKey}

	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	if err := DeclareEventExchange(ch, domain); err != nil {
		return fmt.Errorf("declare event topology: %w", err)
	}

	if _, err := ch.QueueDeclare(
		queue,
		true,
		false,
		false,
		false,
		cfg.QueueArgs,
	); err != nil {
		return fmt.Errorf("declare %s queue: %w", queue, err)
	}

	if err := ch.QueueBind(
		queue,
		cfg.BindingKey,
		exchange,
		false,
		nil,
	); err != nil {
		return fmt.Errorf("bind %s to %s: %w", queue, exchange, err)
	}

	return nil
}
