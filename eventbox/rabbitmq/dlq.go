package rabbitmq

import (
	"fmt"
	"time"

	"github.com/AltairBanking/lib-eventbox/v2/eventbox/internal/nilcheck"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	defaultDLXExchangeName = "events.dlx"
	defaultDLQName         = "events.dlq"
	defaultExchangeType    = "topic"
	defaultBindingKey      = "#"
)

// AMQPChannel defines the AMQP channel operations required for topology
// declaration.
type AMQPChannel interface {
	ExchangeDeclare(
		name, kind string,
		durable, autoDelete, internal, noWait bool,
		args amqp.Table,
	) error
	QueueDeclare(
		name string,
		durable, autoDelete, exclusive, noWait bool,
		args amqp.Table,
	) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

// DLQTopologyConfig defines exchange/queue names for DLQ topology.
type DLQTopologyConfig struct {
	DLXExchangeName string
	DLQName         string
	ExchangeType    string
	BindingKey      string
	QueueMessageTTL time.Duration
	QueueMaxLength  int64
}

// DLQOption configures DLQ topology declaration.
type DLQOption func(*DLQTopologyConfig)

// WithDLXExchangeName overrides the dead-letter exchange name.
func WithDLXExchangeName(name string) DLQOption {
	return func(cfg *DLQTopologyConfig) {
		if name != "" {
			cfg.DLXExchangeName = name
		}
	}
}

// WithDLQName overrides the dead-letter queue name.
func WithDLQName(name string) DLQOption {
	return func(cfg *DLQTopologyConfig) {
		if name != "" {
			cfg.DLQName = name
		}
	}
}

// WithDLQExchangeType overrides the dead-letter exchange type.
func WithDLQExchangeType(exchangeType string) DLQOption {
	return func(cfg *DLQTopologyConfig) {
		if exchangeType != "" {
			cfg.ExchangeType = exchangeType
		}
	}
}

// WithDLQBindingKey overrides the queue binding key to the DLX.
func WithDLQBindingKey(bindingKey string) DLQOption {
	return func(cfg *DLQTopologyConfig) {
		if bindingKey != "" {
			cfg.BindingKey = bindingKey
		}
	}
}

// WithDLQMessageTTL sets x-message-ttl for the DLQ queue.
func WithDLQMessageTTL(ttl time.Duration) DLQOption {
	return func(cfg *DLQTopologyConfig) {
		if ttl > 0 {
			cfg.QueueMessageTTL = ttl
		}
	}
}

// WithDLQMaxLength sets x-max-length for the DLQ queue.
func WithDLQMaxLength(maxLength int64) DLQOption {
	return func(cfg *DLQTopologyConfig) {
		if maxLength > 0 {
			cfg.QueueMaxLength = maxLength
		}
	}
}

// DeclareDLQTopology declares the dead-letter exchange, the parking queue
// and the binding between them. Everything is durable; redeclaring an
// existing topology is a no-op on the broker side.
func DeclareDLQTopology(ch AMQPChannel, opts ...DLQOption) error {
	if nilcheck.Interface(ch) {
		return fmt.Errorf("declare dlq topology: %w", ErrChannelRequired)
	}

	cfg := DLQTopologyConfig{
		DLXExchangeName: defaultDLXExchangeName,
		DLQName:         defaultDLQName,
		ExchangeType:    defaultExchangeType,
		BindingKey:      defaultBindingKey,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	if err := cfg.declareExchange(ch); err != nil {
		return err
	}

	if err := cfg.declareQueue(ch); err != nil {
		return err
	}

	return cfg.bindQueue(ch)
}

func (cfg DLQTopologyConfig) declareExchange(ch AMQPChannel) error {
	err := ch.ExchangeDeclare(cfg.DLXExchangeName, cfg.ExchangeType, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("declare dlx exchange: %w", err)
	}

	return nil
}

func (cfg DLQTopologyConfig) declareQueue(ch AMQPChannel) error {
	if _, err := ch.QueueDeclare(cfg.DLQName, true, false, false, false, cfg.queueArgs()); err != nil {
		return fmt.Errorf("declare dlq queue: %w", err)
	}

	return nil
}

func (cfg DLQTopologyConfig) bindQueue(ch AMQPChannel) error {
	if err := ch.QueueBind(cfg.DLQName, cfg.BindingKey, cfg.DLXExchangeName, false, nil); err != nil {
		return fmt.Errorf("bind dlq to dlx: %w", err)
	}

	return nil
}

// queueArgs translates the optional queue limits into declaration args.
// Returns nil when no limit is set so the queue is declared without an
// arguments table.
func (cfg DLQTopologyConfig) queueArgs() amqp.Table {
	args := amqp.Table{}

	if cfg.QueueMessageTTL > 0 {
		// Sub-millisecond TTLs round up to 1ms; zero would disable expiry.
		millis := cfg.QueueMessageTTL.Milliseconds()
		if millis == 0 {
			millis = 1
		}

		args["x-message-ttl"] = millis
	}

	if cfg.QueueMaxLength > 0 {
		args["x-max-length"] = cfg.QueueMaxLength
	}

	if len(args) == 0 {
		return nil
	}

	return args
}

// GetDLXArgs returns queue declaration args that route rejected messages
// to the dead-letter exchange. Pass the result to DeclareEventTopology via
// WithEventQueueArgs.
func GetDLXArgs(dlxExchangeName string) amqp.Table {
	if dlxExchangeName == "" {
		dlxExchangeName = defaultDLXExchangeName
	}

	return amqp.Table{
		"x-dead-letter-exchange": dlxExchangeName,
	}
}
