//go:build integration

package kafka

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tckafka "github.com/testcontainers/testcontainers-go/modules/kafka"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	libOpentelemetry "github.com/AltairBanking/lib-eventbox/v2/eventbox/opentelemetry"
	"github.com/AltairBanking/lib-eventbox/v2/eventbox/outbox"
)

const (
	testKafkaImage      = "confluentinc/confluent-local:7.5.0"
	testConsumeDeadline = 30 * time.Second
)

// setupKafkaContainer starts a single-node KRaft Kafka testcontainer and
// returns the bootstrap broker addresses and a cleanup function.
func setupKafkaContainer(t *testing.T) (brokers []string, cleanup func()) {
	t.Helper()

	ctx := context.Background()

	container, err := tckafka.Run(ctx, testKafkaImage, tckafka.WithClusterID("eventbox-test"))
	require.NoError(t, err, "failed to start Kafka container")

	brokers, err = container.Brokers(ctx)
	require.NoError(t, err, "failed to get broker addresses from container")
	require.NotEmpty(t, brokers, "container should expose at least one broker")

	return brokers, func() {
		require.NoError(t, container.Terminate(ctx), "failed to terminate Kafka container")
	}
}

// createTopic declares the topic on the controller broker so the first write
// does not race topic auto-creation.
func createTopic(t *testing.T, brokers []string, topic string) {
	t.Helper()

	conn, err := kafkago.Dial("tcp", brokers[0])
	require.NoError(t, err, "failed to dial bootstrap broker")

	defer conn.Close()

	controller, err := conn.Controller()
	require.NoError(t, err, "failed to resolve controller broker")

	controllerConn, err := kafkago.Dial("tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	require.NoError(t, err, "failed to dial controller broker")

	defer controllerConn.Close()

	err = controllerConn.CreateTopics(kafkago.TopicConfig{
		Topic:             topic,
		NumPartitions:     1,
		ReplicationFactor: 1,
	})
	require.NoError(t, err, "failed to create topic")
}

func newIntegrationMessage() *outbox.Message {
	id := uuid.New()
	now := time.Now().UTC()

	return &outbox.Message{
		ID:          id,
		MessageType: "AccountCreatedEvent",
		Payload:     []byte(`{"balance":100}`),
		Headers: map[string]string{
			outbox.HeaderEventType:     "AccountCreatedEvent",
			outbox.HeaderAggregateID:   uuid.NewString(),
			outbox.HeaderVersion:       "1",
			outbox.HeaderOccurredOn:    now.Format(time.RFC3339Nano),
			outbox.HeaderSource:        "Account",
			outbox.HeaderEnvironment:   "integration",
			outbox.HeaderCorrelationID: id.String(),
			outbox.HeaderMessageID:     id.String(),
			outbox.HeaderTimeToLive:    "3600000",
		},
		Status:    outbox.StatusPending,
		CreatedAt: now,
		ExpiresAt: now.Add(time.Hour),
	}
}

func readHeaderValue(headers []kafkago.Header, key string) string {
	for _, header := range headers {
		if header.Key == key {
			return string(header.Value)
		}
	}

	return ""
}

func TestIntegration_Kafka_HealthCheck(t *testing.T) {
	brokers, cleanup := setupKafkaContainer(t)
	defer cleanup()

	err := HealthCheck(context.Background(), brokers)
	require.NoError(t, err, "HealthCheck should succeed against a live broker")
}

func TestIntegration_Kafka_PublishAndConsume(t *testing.T) {
	brokers, cleanup := setupKafkaContainer(t)
	defer cleanup()

	ctx := context.Background()

	createTopic(t, brokers, "account-events")

	writer, err := NewWriter(Config{Brokers: brokers})
	require.NoError(t, err, "NewWriter should succeed")

	defer writer.Close()

	publisher, err := NewPublisher(writer, "account", nil)
	require.NoError(t, err, "NewPublisher should succeed")

	message := newIntegrationMessage()

	err = publisher.Publish(ctx, message)
	require.NoError(t, err, "Publish should succeed against a live broker")

	reader := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:   brokers,
		Topic:     "account-events",
		Partition: 0,
		MinBytes:  1,
		MaxBytes:  10 << 20,
		MaxWait:   500 * time.Millisecond,
	})

	defer reader.Close()

	require.NoError(t, reader.SetOffset(kafkago.FirstOffset))

	readCtx, cancel := context.WithTimeout(ctx, testConsumeDeadline)
	defer cancel()

	record, err := reader.ReadMessage(readCtx)
	require.NoError(t, err, "should consume the published record")

	assert.Equal(t, message.Headers[outbox.HeaderAggregateID], string(record.Key))
	assert.Equal(t, []byte(`{"balance":100}`), record.Value)
	assert.Equal(t, "AccountCreatedEvent", readHeaderValue(record.Headers, outbox.HeaderEventType))
	assert.Equal(t, message.ID.String(), readHeaderValue(record.Headers, outbox.HeaderMessageID))
	assert.Equal(t, message.ID.String(), readHeaderValue(record.Headers, outbox.HeaderCorrelationID))
	assert.Equal(t, "integration", readHeaderValue(record.Headers, outbox.HeaderEnvironment))
}

func TestIntegration_Kafka_TracePropagation(t *testing.T) {
	brokers, cleanup := setupKafkaContainer(t)
	defer cleanup()

	ctx := context.Background()

	createTopic(t, brokers, "ledger-events")

	// W3C propagation and a real tracer provider so spans carry valid ids.
	otel.SetTextMapPropagator(propagation.TraceContext{})

	tracerProvider := sdktrace.NewTracerProvider()

	defer func() {
		_ = tracerProvider.Shutdown(ctx)
	}()

	tracer := tracerProvider.Tracer("kafka-integration")

	writer, err := NewWriter(Config{Brokers: brokers})
	require.NoError(t, err)

	defer writer.Close()

	publisher, err := NewPublisher(writer, "ledger", nil)
	require.NoError(t, err)

	spanCtx, span := tracer.Start(ctx, "publish-outbox-message")
	wantTraceID := span.SpanContext().TraceID().String()

	message := newIntegrationMessage()

	err = publisher.Publish(spanCtx, message)
	span.End()
	require.NoError(t, err, "Publish should succeed with an active span")

	reader := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:   brokers,
		Topic:     "ledger-events",
		Partition: 0,
		MinBytes:  1,
		MaxBytes:  10 << 20,
		MaxWait:   500 * time.Millisecond,
	})

	defer reader.Close()

	require.NoError(t, reader.SetOffset(kafkago.FirstOffset))

	readCtx, cancel := context.WithTimeout(ctx, testConsumeDeadline)
	defer cancel()

	record, err := reader.ReadMessage(readCtx)
	require.NoError(t, err, "should consume the published record")

	require.NotEmpty(t, readHeaderValue(record.Headers, "traceparent"),
		"record should carry the injected trace context")

	brokerHeaders := make(map[string]any, len(record.Headers))
	for _, header := range record.Headers {
		brokerHeaders[header.Key] = string(header.Value)
	}

	extracted := libOpentelemetry.ExtractTraceContextFromQueueHeaders(context.Background(), brokerHeaders)
	assert.Equal(t, wantTraceID, libOpentelemetry.GetTraceIDFromContext(extracted),
		"consumer context should carry the producer trace id")
}
