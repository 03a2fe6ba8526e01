package kafka

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/AltairBanking/lib-eventbox/v2/eventbox/internal/nilcheck"
	"github.com/AltairBanking/lib-eventbox/v2/eventbox/log"
	libOpentelemetry "github.com/AltairBanking/lib-eventbox/v2/eventbox/opentelemetry"
	"github.com/AltairBanking/lib-eventbox/v2/eventbox/outbox"
)

// ErrWriterRequired indicates the publisher was built without a writer.
var ErrWriterRequired = errors.New("kafka message writer is required")

// MessageWriter is the write surface the publisher needs. *kafkago.Writer
// satisfies it.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
}

// Publisher delivers outbox messages to the domain topic and implements
// outbox.Publisher. Records are keyed by aggregate id, so the Hash balancer
// keeps every aggregate's events on one partition and consumers see them in
// dispatch order.
type Publisher struct {
	writer MessageWriter
	topic  string
	logger log.Logger
}

// NewPublisher builds the publisher for the given domain. The topic is
// "{domain}-events" per the naming contract.
func NewPublisher(writer MessageWriter, domain string, logger log.Logger) (*Publisher, error) {
	if nilcheck.Interface(writer) {
		return nil, ErrWriterRequired
	}

	topic, err := outbox.TopicName(domain)
	if err != nil {
		return nil, fmt.Errorf("kafka publisher: %w", err)
	}

	if nilcheck.Interface(logger) {
		logger = log.NewNop()
	}

	return &Publisher{
		writer: writer,
		topic:  topic,
		logger: logger,
	}, nil
}

// Topic returns the topic this publisher targets.
func (publisher *Publisher) Topic() string {
	if publisher == nil {
		return ""
	}

	return publisher.topic
}

// Publish sends one outbox message and waits for the all-replica
// acknowledgement. The outbox headers travel as record headers merged with
// the current trace context. Kafka has no per-record expiry, so messages
// past their time to live are refused here instead.
func (publisher *Publisher) Publish(ctx context.Context, message *outbox.Message) error {
	if publisher == nil || nilcheck.Interface(publisher.writer) {
		return ErrWriterRequired
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

	if message.Expired(time.Now().UTC()) {
		return fmt.Errorf("publish outbox message %s: %w", message.ID, outbox.ErrMessageExpired)
	}

	record := buildOutboxRecord(ctx, publisher.topic, message)

	if err := publisher.writer.WriteMessages(ctx, record); err != nil {
		return fmt.Errorf("publish outbox message %s: %w", message.ID, err)
	}

	publisher.logger.Log(ctx, log.LevelDebug, "published outbox message",
		log.String("message_id", message.ID.String()),
		log.String("topic", publisher.topic),
		log.String("partition_key", string(record.Key)),
	)

	return nil
}

func buildOutboxRecord(ctx context.Context, topic string, message *outbox.Message) kafkago.Message {
	headers := make(map[string]any, len(message.Headers))
	for key, value := range message.Headers {
		headers[key] = value
	}

	merged := libOpentelemetry.PrepareQueueHeaders(ctx, headers)

	keys := make([]string, 0, len(merged))
	for key := range merged {
		keys = append(keys, key)
	}

	sort.Strings(keys)

	recordHeaders := make([]kafkago.Header, 0, len(keys))
	for _, key := range keys {
		recordHeaders = append(recordHeaders, kafkago.Header{
			Key:   key,
			Value: headerValueBytes(merged[key]),
		})
	}

	key := message.Headers[outbox.HeaderAggregateID]
	if key == "" {
		key = message.ID.String()
	}

	return kafkago.Message{
		Topic:   topic,
		Key:     []byte(key),
		Value:   message.Payload,
		Headers: recordHeaders,
		Time:    message.CreatedAt,
	}
}

func headerValueBytes(value any) []byte {
	switch typed := value.(type) {
	case string:
		return []byte(typed)
	case []byte:
		return typed
	default:
		return []byte(fmt.Sprint(typed))
	}
}
