// Command outbox-dispatcher runs the delivery side of the transactional
// outbox: it claims committed rows from PostgreSQL, publishes them to the
// configured broker with confirms, and purges terminal rows on a cron
// schedule.
//
// Configuration is environment-only. OUTBOX_DOMAIN, OUTBOX_DB_PRIMARY_DSN
// and OUTBOX_DB_NAME are required; the delivery knobs and the broker
// selection are documented in the config package. Setting
// OUTBOX_REDIS_ADDRESS upgrades duplicate detection to a shared window and
// serializes the janitor across replicas.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/AltairBanking/lib-eventbox/v2/eventbox"
	"github.com/AltairBanking/lib-eventbox/v2/eventbox/config"
	"github.com/AltairBanking/lib-eventbox/v2/eventbox/cron"
	"github.com/AltairBanking/lib-eventbox/v2/eventbox/dedup"
	"github.com/AltairBanking/lib-eventbox/v2/eventbox/kafka"
	"github.com/AltairBanking/lib-eventbox/v2/eventbox/log"
	"github.com/AltairBanking/lib-eventbox/v2/eventbox/outbox"
	outboxpg "github.com/AltairBanking/lib-eventbox/v2/eventbox/outbox/postgres"
	"github.com/AltairBanking/lib-eventbox/v2/eventbox/postgres"
	"github.com/AltairBanking/lib-eventbox/v2/eventbox/rabbitmq"
	"github.com/AltairBanking/lib-eventbox/v2/eventbox/redis"
	"github.com/AltairBanking/lib-eventbox/v2/eventbox/runtime"
	"github.com/AltairBanking/lib-eventbox/v2/eventbox/zap"
)

const (
	serviceName     = "outbox-dispatcher"
	shutdownTimeout = 30 * time.Second
)

func main() {
	eventbox.InitLocalEnvConfig()

	logger, _, err := zap.New(zap.Config{
		Environment: zap.Environment(config.String("ENV_NAME", "development")),
		Level:       config.String("LOG_LEVEL", ""),
		ScopeName:   serviceName,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", serviceName, err)
		os.Exit(1)
	}

	redis.SetPackageLogger(logger)

	if err := run(logger); err != nil {
		log.SafeError(logger, context.Background(), "outbox dispatcher failed", err, false)
		_ = logger.Sync(context.Background())
		os.Exit(1)
	}

	_ = logger.Sync(context.Background())
}

func run(logger log.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	delivery, err := config.DeliveryFromEnv()
	if err != nil {
		return err
	}

	broker, err := config.BrokerFromEnv()
	if err != nil {
		return err
	}

	domain, err := config.Required("OUTBOX_DOMAIN")
	if err != nil {
		return err
	}

	repo, closeDB, err := buildRepository(ctx, logger)
	if err != nil {
		return err
	}
	defer closeDB()

	publisher, closeBroker, err := buildPublisher(ctx, broker, domain, logger)
	if err != nil {
		return err
	}
	defer closeBroker()

	window, locker, closeRedis, err := buildRedisComponents(ctx, delivery, logger)
	if err != nil {
		return err
	}
	defer closeRedis()

	transport, err := outbox.NewTransport(publisher, logger,
		outbox.WithDedupWindow(window),
		outbox.WithBreakerConfig(delivery.BreakerConfig()),
		outbox.WithBrokerEndpoint(broker.NormalizedKind()),
		outbox.WithRetryPolicy(delivery.RetryPolicy()),
		outbox.WithPublishTimeout(delivery.PublishTimeout()),
	)
	if err != nil {
		return fmt.Errorf("init transport: %w", err)
	}

	tracer := otel.Tracer(serviceName)

	dispatcher, err := outbox.NewDispatcher(repo, transport, logger, tracer,
		outbox.WithDispatcherConfig(delivery.DispatcherConfig()),
	)
	if err != nil {
		return fmt.Errorf("init dispatcher: %w", err)
	}

	schedule, err := cron.Parse(delivery.JanitorSchedule)
	if err != nil {
		return fmt.Errorf("parse janitor schedule: %w", err)
	}

	janitorOpts := []outbox.JanitorOption{
		outbox.WithJanitorSchedule(schedule),
		outbox.WithRetention(delivery.Retention()),
		outbox.WithPurgeBatchLimit(delivery.PurgeBatchLimit),
	}

	if locker != nil {
		lockKey := config.String("OUTBOX_JANITOR_LOCK_KEY", "eventbox:outbox:janitor")
		janitorOpts = append(janitorOpts, outbox.WithJanitorLock(locker, lockKey))
	}

	janitor, err := outbox.NewJanitor(repo, logger, tracer, janitorOpts...)
	if err != nil {
		return fmt.Errorf("init janitor: %w", err)
	}

	// The launcher blocks until every app's Run returns, so the signal is
	// translated into a bounded drain of both loops from the side.
	runtime.SafeGo(logger, "shutdown_watcher", runtime.KeepRunning, func() {
		<-ctx.Done()

		logger.Log(context.Background(), log.LevelInfo, "shutdown signal received")

		drainCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := dispatcher.Shutdown(drainCtx); err != nil {
			log.SafeError(logger, drainCtx, "dispatcher shutdown", err, false)
		}

		if err := janitor.Shutdown(drainCtx); err != nil {
			log.SafeError(logger, drainCtx, "janitor shutdown", err, false)
		}
	})

	launcher := eventbox.NewLauncher(
		eventbox.WithLogger(logger),
		eventbox.RunApp("dispatcher", dispatcher),
		eventbox.RunApp("janitor", janitor),
	)

	return launcher.RunWithError()
}

// buildRepository migrates the schema, connects the primary/replica pair and
// wraps the primary in the outbox repository.
func buildRepository(ctx context.Context, logger log.Logger) (*outboxpg.Repository, func(), error) {
	primaryDSN, err := config.Required("OUTBOX_DB_PRIMARY_DSN")
	if err != nil {
		return nil, nil, err
	}

	databaseName, err := config.Required("OUTBOX_DB_NAME")
	if err != nil {
		return nil, nil, err
	}

	migrator, err := postgres.NewMigrator(postgres.MigrationConfig{
		PrimaryDSN:     primaryDSN,
		DatabaseName:   databaseName,
		MigrationsPath: config.String("OUTBOX_DB_MIGRATIONS_PATH", "migrations"),
		Logger:         logger,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("init migrator: %w", err)
	}

	if err := migrator.Up(ctx); err != nil {
		return nil, nil, fmt.Errorf("apply migrations: %w", err)
	}

	client, err := postgres.New(postgres.Config{
		PrimaryDSN: primaryDSN,
		ReplicaDSN: config.String("OUTBOX_DB_REPLICA_DSN", primaryDSN),
		Logger:     logger,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("init postgres: %w", err)
	}

	if err := client.Connect(ctx); err != nil {
		return nil, nil, fmt.Errorf("connect postgres: %w", err)
	}

	closeClient := func() {
		if err := client.Close(); err != nil {
			log.SafeError(logger, context.Background(), "close postgres", err, false)
		}
	}

	primary, err := client.Primary()
	if err != nil {
		closeClient()

		return nil, nil, fmt.Errorf("resolve primary connection: %w", err)
	}

	var repoOpts []outboxpg.Option
	if table := config.String("OUTBOX_DB_TABLE", ""); table != "" {
		repoOpts = append(repoOpts, outboxpg.WithTableName(table))
	}

	repo, err := outboxpg.New(primary, repoOpts...)
	if err != nil {
		closeClient()

		return nil, nil, fmt.Errorf("init outbox repository: %w", err)
	}

	return repo, closeClient, nil
}

// buildPublisher connects the selected broker backend and returns the
// outbox-facing publisher together with its closer.
func buildPublisher(
	ctx context.Context,
	broker config.Broker,
	domain string,
	logger log.Logger,
) (outbox.Publisher, func(), error) {
	switch broker.NormalizedKind() {
	case config.BrokerRabbitMQ:
		return buildRabbitMQPublisher(ctx, broker, domain, logger)
	case config.BrokerKafka:
		return buildKafkaPublisher(ctx, broker, domain, logger)
	default:
		return nil, nil, fmt.Errorf("%w: unknown kind %q", config.ErrInvalidBroker, broker.Kind)
	}
}

func buildRabbitMQPublisher(
	ctx context.Context,
	broker config.Broker,
	domain string,
	logger log.Logger,
) (outbox.Publisher, func(), error) {
	conn := &rabbitmq.RabbitMQConnection{
		ConnectionStringSource: broker.RabbitMQURI,
		Logger:                 logger,
	}

	if err := conn.ConnectContext(ctx); err != nil {
		return nil, nil, fmt.Errorf("connect rabbitmq: %w", err)
	}

	closeConn := func() {
		if err := conn.CloseContext(context.Background()); err != nil {
			log.SafeError(logger, context.Background(), "close rabbitmq connection", err, false)
		}
	}

	if err := rabbitmq.DeclareEventExchange(conn.ChannelSnapshot(), domain); err != nil {
		closeConn()

		return nil, nil, err
	}

	confirmable, err := rabbitmq.NewConfirmablePublisher(conn)
	if err != nil {
		closeConn()

		return nil, nil, fmt.Errorf("init confirmable publisher: %w", err)
	}

	bridge, err := rabbitmq.NewOutboxPublisher(confirmable, domain, logger)
	if err != nil {
		closeConn()

		return nil, nil, err
	}

	closer := func() {
		if err := confirmable.Close(); err != nil {
			log.SafeError(logger, context.Background(), "close rabbitmq publisher", err, false)
		}

		closeConn()
	}

	return bridge, closer, nil
}

func buildKafkaPublisher(
	ctx context.Context,
	broker config.Broker,
	domain string,
	logger log.Logger,
) (outbox.Publisher, func(), error) {
	brokers := broker.KafkaBrokerAddrs()

	if err := kafka.HealthCheck(ctx, brokers); err != nil {
		return nil, nil, err
	}

	writer, err := kafka.NewWriter(kafka.Config{Brokers: brokers})
	if err != nil {
		return nil, nil, fmt.Errorf("init kafka writer: %w", err)
	}

	publisher, err := kafka.NewPublisher(writer, domain, logger)
	if err != nil {
		_ = writer.Close()

		return nil, nil, err
	}

	closer := func() {
		if err := writer.Close(); err != nil {
			log.SafeError(logger, context.Background(), "close kafka writer", err, false)
		}
	}

	return publisher, closer, nil
}

// buildRedisComponents returns the duplicate detection window and, when
// Redis is configured, the cross-replica janitor lock. Without Redis the
// window is process-local and the janitor runs unlocked.
func buildRedisComponents(
	ctx context.Context,
	delivery config.Delivery,
	logger log.Logger,
) (dedup.Window, outbox.Locker, func(), error) {
	address := config.String("OUTBOX_REDIS_ADDRESS", "")

	if address == "" {
		window, err := dedup.NewMemoryWindow(delivery.DedupWindow())
		if err != nil {
			return nil, nil, nil, fmt.Errorf("init dedup window: %w", err)
		}

		return window, nil, func() {}, nil
	}

	cfg := redis.Config{
		Topology: redis.Topology{Standalone: &redis.StandaloneTopology{Address: address}},
		Logger:   logger,
	}

	if password := config.String("OUTBOX_REDIS_PASSWORD", ""); password != "" {
		cfg.Auth.StaticPassword = &redis.StaticPasswordAuth{Password: password}
	}

	client, err := redis.New(ctx, cfg)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("connect redis: %w", err)
	}

	closeClient := func() {
		if err := client.Close(); err != nil {
			log.SafeError(logger, context.Background(), "close redis", err, false)
		}
	}

	universal, err := client.GetClient(ctx)
	if err != nil {
		closeClient()

		return nil, nil, nil, fmt.Errorf("resolve redis client: %w", err)
	}

	window, err := dedup.NewRedisWindow(universal, delivery.DedupWindow())
	if err != nil {
		closeClient()

		return nil, nil, nil, fmt.Errorf("init dedup window: %w", err)
	}

	locker, err := redis.NewRedisLockManager(client)
	if err != nil {
		closeClient()

		return nil, nil, nil, fmt.Errorf("init lock manager: %w", err)
	}

	return window, locker, closeClient, nil
}
