package kafka

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	kafkago "github.com/segmentio/kafka-go"
)

const (
	defaultBatchTimeout = 10 * time.Millisecond
	defaultWriteTimeout = 10 * time.Second
	defaultMaxAttempts  = 3
	defaultDialTimeout  = 2 * time.Second
)

// ErrBrokersRequired indicates no broker address was configured.
var ErrBrokersRequired = errors.New("at least one kafka broker address is required")

// Config carries the writer knobs. Zero values fall back to defaults suited
// to one-at-a-time synchronous publishing.
type Config struct {
	// Brokers lists bootstrap addresses as host:port.
	Brokers []string

	// BatchSize bounds how many records one produce request carries.
	BatchSize int

	// BatchTimeout bounds how long a synchronous write waits for its batch
	// to flush. The default keeps single-record publishes prompt.
	BatchTimeout time.Duration

	// WriteTimeout bounds each produce round trip.
	WriteTimeout time.Duration

	// MaxAttempts bounds the writer's internal retries. Delivery retries
	// across attempts belong to the outbox transport, so this stays small.
	MaxAttempts int

	// AllowAutoTopicCreation lets the first write create a missing topic.
	AllowAutoTopicCreation bool
}

// NewWriter builds a *kafkago.Writer that waits for acknowledgement from all
// in-sync replicas and partitions by record key. The writer carries no fixed
// topic; Publisher stamps the topic on every record, so one writer can serve
// publishers for several domains. The caller owns the writer and must Close
// it on shutdown.
func NewWriter(cfg Config) (*kafkago.Writer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, ErrBrokersRequired
	}

	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = defaultBatchTimeout
	}

	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}

	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}

	return &kafkago.Writer{
		Addr:                   kafkago.TCP(cfg.Brokers...),
		Balancer:               &kafkago.Hash{},
		RequiredAcks:           kafkago.RequireAll,
		MaxAttempts:            cfg.MaxAttempts,
		BatchSize:              cfg.BatchSize,
		BatchTimeout:           cfg.BatchTimeout,
		WriteTimeout:           cfg.WriteTimeout,
		AllowAutoTopicCreation: cfg.AllowAutoTopicCreation,
	}, nil
}

// SplitBrokers parses a comma-separated broker list, trimming whitespace and
// dropping empty entries.
func SplitBrokers(raw string) []string {
	var brokers []string

	for _, broker := range strings.Split(raw, ",") {
		broker = strings.TrimSpace(broker)
		if broker != "" {
			brokers = append(brokers, broker)
		}
	}

	return brokers
}

// HealthCheck dials the first bootstrap broker to verify reachability.
func HealthCheck(ctx context.Context, brokers []string) error {
	if len(brokers) == 0 {
		return fmt.Errorf("kafka health check: %w", ErrBrokersRequired)
	}

	if ctx == nil {
		ctx = context.Background()
	}

	dialer := kafkago.Dialer{Timeout: defaultDialTimeout}

	conn, err := dialer.DialContext(ctx, "tcp", brokers[0])
	if err != nil {
		return fmt.Errorf("kafka health check: %w", err)
	}

	return conn.Close()
}
