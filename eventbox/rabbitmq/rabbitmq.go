package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/AltairBanking/lib-eventbox/v2/eventbox/assert"
	"github.com/AltairBanking/lib-eventbox/v2/eventbox/backoff"
	constant "github.com/AltairBanking/lib-eventbox/v2/eventbox/constants"
	"github.com/AltairBanking/lib-eventbox/v2/eventbox/log"
	libOpentelemetry "github.com/AltairBanking/lib-eventbox/v2/eventbox/opentelemetry"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// RabbitMQConnection is a hub which deals with rabbitmq connections and channels.
type RabbitMQConnection struct {
	mu                     sync.Mutex // protects connection and channel operations
	ConnectionStringSource string     `json:"-"`
	Connection             *amqp.Connection
	Queue                  string
	HealthCheckURL         string
	Host                   string
	Port                   string
	User                   string `json:"-"`
	Pass                   string `json:"-"`
	VHost                  string
	Channel                *amqp.Channel
	Logger                 log.Logger
	Connected              bool

	dialer                  func(string) (*amqp.Connection, error)
	dialerContext           func(context.Context, string) (*amqp.Connection, error)
	channelFactory          func(*amqp.Connection) (*amqp.Channel, error)
	channelFactoryContext   func(context.Context, *amqp.Connection) (*amqp.Channel, error)
	connectionCloser        func(*amqp.Connection) error
	connectionCloserContext func(context.Context, *amqp.Connection) error
	connectionClosedFn      func(*amqp.Connection) bool
	channelClosedFn         func(*amqp.Channel) bool
	channelCloser           func(*amqp.Channel) error
	channelCloserContext    func(context.Context, *amqp.Channel) error
	healthHTTPClient        *http.Client

	// AllowInsecureTLS must be set to true to explicitly acknowledge that
	// the health check HTTP client has TLS certificate verification disabled.
	// Without this flag, applyDefaults returns ErrInsecureTLS.
	AllowInsecureTLS bool

	// HealthCheckAllowedHosts restricts which hosts the management health
	// check may target. Entries are bare hosts, host:port pairs, or CIDR
	// ranges. A bare-host entry matches any port.
	HealthCheckAllowedHosts []string

	// RequireHealthCheckAllowedHosts makes the allowlist mandatory: health
	// checks fail with ErrHealthCheckAllowedHostsRequired until
	// HealthCheckAllowedHosts is configured.
	RequireHealthCheckAllowedHosts bool

	// AllowInsecureHealthCheck permits sending basic auth credentials to the
	// management API over plain http, or over https without an allowlist match.
	AllowInsecureHealthCheck bool

	// Reconnect rate-limiting: prevents thundering-herd reconnect storms
	// when the broker is down by enforcing exponential backoff between attempts.
	lastReconnectAttempt time.Time
	reconnectAttempts    int
}

const defaultRabbitMQHealthCheckTimeout = 5 * time.Second

// reconnectBackoffCap is the maximum delay between reconnect attempts.
const reconnectBackoffCap = 30 * time.Second

// healthCheckPath is the management API endpoint probed for broker alarms.
const healthCheckPath = "/api/health/checks/alarms"

// ErrInsecureTLS is returned when the health check HTTP client has TLS verification
// disabled without explicitly acknowledging the risk via AllowInsecureTLS.
var ErrInsecureTLS = errors.New("rabbitmq health check HTTP client has TLS verification disabled; set AllowInsecureTLS to acknowledge this risk")

// ErrNilConnection is returned when a method is called on a nil RabbitMQConnection.
var ErrNilConnection = errors.New("rabbitmq connection is nil")

// ErrInsecureHealthCheck is returned when basic auth credentials would travel
// over plain http without explicit opt-in via AllowInsecureHealthCheck.
var ErrInsecureHealthCheck = errors.New("rabbitmq health check would send credentials over plain http; set AllowInsecureHealthCheck to acknowledge this risk")

// ErrHealthCheckHostNotAllowed is returned when the health check URL targets a
// host outside the configured allowlist.
var ErrHealthCheckHostNotAllowed = errors.New("rabbitmq health check host is not in the allowlist")

// ErrHealthCheckAllowedHostsRequired is returned when the host allowlist is
// required but not configured.
var ErrHealthCheckAllowedHostsRequired = errors.New("rabbitmq health check requires HealthCheckAllowedHosts to be configured")

// nilConnectionAssert fires a telemetry assertion for nil-receiver calls and returns ErrNilConnection.
// The logger is intentionally nil here because this function is called on a nil *RabbitMQConnection
// receiver, so there is no struct instance from which to extract a logger. The assert package
// handles nil loggers gracefully by falling back to stderr.
func nilConnectionAssert(operation string) error {
	asserter := assert.New(context.Background(), nil, "rabbitmq", operation)
	_ = asserter.Never(context.Background(), "rabbitmq connection receiver is nil")

	return ErrNilConnection
}

// Connect keeps a singleton connection with rabbitmq.
func (rc *RabbitMQConnection) Connect() error {
	return rc.ConnectContext(context.Background())
}

// ConnectContext keeps a singleton connection with rabbitmq.
func (rc *RabbitMQConnection) ConnectContext(ctx context.Context) error {
	if rc == nil {
		return nilConnectionAssert("connect_context")
	}

	if ctx == nil {
		ctx = context.Background()
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("rabbitmq connect: %w", err)
	}

	tracer := otel.Tracer("rabbitmq")

	ctx, span := tracer.Start(ctx, "rabbitmq.connect")
	defer span.End()

	span.SetAttributes(attribute.String(constant.AttrDBSystem, constant.DBSystemRabbitMQ))

	rc.mu.Lock()

	if err := rc.applyDefaults(); err != nil {
		rc.mu.Unlock()

		libOpentelemetry.HandleSpanError(span, "Failed to apply defaults", err)

		return fmt.Errorf("rabbitmq connect: %w", err)
	}

	connStr := rc.ConnectionStringSource
	healthCheckURL := rc.HealthCheckURL
	healthUser := rc.User
	healthPass := rc.Pass
	healthClient := rc.healthHTTPClient
	healthPolicy := rc.healthCheckPolicyLocked()
	dialer := rc.dialerContext
	channelFactory := rc.channelFactoryContext
	connectionClosedFn := rc.connectionClosedFn
	connCloser := rc.connectionCloser
	logger := rc.logger()
	rc.mu.Unlock()

	logger.Log(context.Background(), log.LevelInfo, "connecting to rabbitmq")

	conn, err := dialer(ctx, connStr)
	if err != nil {
		logger.Log(context.Background(), log.LevelError, "failed to connect to rabbitmq", log.String("error_detail", sanitizeAMQPErr(err, connStr)))

		sanitizedErr := newSanitizedError(err, connStr, "failed to connect to rabbitmq")
		libOpentelemetry.HandleSpanError(span, "Failed to connect to rabbitmq", sanitizedErr)

		return sanitizedErr
	}

	ch, err := channelFactory(ctx, conn)
	if err == nil && ch == nil {
		err = errors.New("channel factory returned nil channel")
	}

	if err != nil {
		rc.closeConnectionWith(conn, connCloser)

		logger.Log(context.Background(), log.LevelError, "failed to open channel on rabbitmq", log.Err(err))

		libOpentelemetry.HandleSpanError(span, "Failed to open channel on rabbitmq", err)

		return fmt.Errorf("failed to open channel on rabbitmq: %w", err)
	}

	if err := rc.healthCheck(ctx, healthCheckURL, healthUser, healthPass, healthClient, healthPolicy, logger); err != nil {
		rc.closeConnectionWith(conn, connCloser)

		logger.Log(context.Background(), log.LevelError, "rabbitmq health check failed", log.Err(err))

		libOpentelemetry.HandleSpanError(span, "RabbitMQ health check failed", err)

		return fmt.Errorf("rabbitmq health check failed: %w", err)
	}

	logger.Log(context.Background(), log.LevelInfo, "connected to rabbitmq")

	rc.mu.Lock()
	if rc.Connection != nil && rc.Connection != conn && !connectionClosedFn(rc.Connection) {
		rc.mu.Unlock()

		rc.closeConnectionWith(conn, connCloser)

		return nil
	}

	rc.Connected = true
	rc.Connection = conn
	rc.Channel = ch
	rc.mu.Unlock()

	return nil
}

// EnsureChannel ensures that the channel is open and connected.
func (rc *RabbitMQConnection) EnsureChannel() error {
	return rc.EnsureChannelContext(context.Background())
}

// ensureChannelSnapshot captures state needed by EnsureChannelContext under the lock.
type ensureChannelSnapshot struct {
	connStr            string
	logger             log.Logger
	dialer             func(context.Context, string) (*amqp.Connection, error)
	channelFactory     func(context.Context, *amqp.Connection) (*amqp.Channel, error)
	connCloser         func(*amqp.Connection) error
	connectionClosedFn func(*amqp.Connection) bool
	needConnection     bool
	needChannel        bool
	existingConn       *amqp.Connection
}

// snapshotEnsureChannelState captures and returns a snapshot of state needed for channel
// ensuring, applying defaults and rate-limiting under the lock. Returns an error if
// defaults fail or the request is rate-limited.
func (rc *RabbitMQConnection) snapshotEnsureChannelState() (ensureChannelSnapshot, error) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if err := rc.applyDefaults(); err != nil {
		return ensureChannelSnapshot{}, fmt.Errorf("rabbitmq ensure channel: %w", err)
	}

	connectionClosedFn := rc.connectionClosedFn
	channelClosedFn := rc.channelClosedFn
	needConnection := rc.Connection == nil || connectionClosedFn(rc.Connection)
	needChannel := needConnection || rc.Channel == nil || channelClosedFn(rc.Channel)

	// Rate-limit reconnect attempts: if we've failed recently, enforce a
	// minimum delay before the next attempt to prevent reconnect storms.
	if needConnection && rc.reconnectAttempts > 0 {
		delay := backoff.ExponentialWithJitter(500*time.Millisecond, rc.reconnectAttempts)
		if delay > reconnectBackoffCap {
			delay = reconnectBackoffCap
		}

		if elapsed := time.Since(rc.lastReconnectAttempt); elapsed < delay {
			return ensureChannelSnapshot{}, fmt.Errorf("rabbitmq ensure channel: rate-limited (next attempt in %s)", delay-elapsed)
		}
	}

	return ensureChannelSnapshot{
		connStr:            rc.ConnectionStringSource,
		logger:             rc.logger(),
		dialer:             rc.dialerContext,
		channelFactory:     rc.channelFactoryContext,
		connCloser:         rc.connectionCloser,
		connectionClosedFn: connectionClosedFn,
		needConnection:     needConnection,
		needChannel:        needChannel,
		existingConn:       rc.Connection,
	}, nil
}

// EnsureChannelContext ensures that the channel is open and connected.
func (rc *RabbitMQConnection) EnsureChannelContext(ctx context.Context) error {
	if rc == nil {
		return nilConnectionAssert("ensure_channel_context")
	}

	if ctx == nil {
		ctx = context.Background()
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("rabbitmq ensure channel: %w", err)
	}

	tracer := otel.Tracer("rabbitmq")

	ctx, span := tracer.Start(ctx, "rabbitmq.ensure_channel")
	defer span.End()

	span.SetAttributes(attribute.String(constant.AttrDBSystem, constant.DBSystemRabbitMQ))

	snap, err := rc.snapshotEnsureChannelState()
	if err != nil {
		libOpentelemetry.HandleSpanError(span, "Failed to prepare ensure channel state", err)
		return err
	}

	if !snap.needChannel {
		return nil
	}

	var conn *amqp.Connection

	newConnection := false

	if snap.needConnection {
		rc.mu.Lock()
		rc.lastReconnectAttempt = time.Now()
		rc.mu.Unlock()

		conn, err = snap.dialer(ctx, snap.connStr)
		if err != nil {
			snap.logger.Log(context.Background(), log.LevelError, "failed to connect to rabbitmq", log.String("error_detail", sanitizeAMQPErr(err, snap.connStr)))

			rc.mu.Lock()
			rc.Connected = false
			rc.reconnectAttempts++
			rc.mu.Unlock()

			sanitizedErr := newSanitizedError(err, snap.connStr, "can't connect to rabbitmq")
			libOpentelemetry.HandleSpanError(span, "Failed to connect to rabbitmq", sanitizedErr)

			return sanitizedErr
		}

		newConnection = true
	} else {
		conn = snap.existingConn
	}

	ch, err := snap.channelFactory(ctx, conn)
	if err == nil && ch == nil {
		err = errors.New("channel factory returned nil channel")
	}

	if err != nil {
		rc.handleChannelFailure(conn, snap.existingConn, newConnection, snap.connCloser)

		snap.logger.Log(context.Background(), log.LevelError, "failed to open channel on rabbitmq", log.Err(err))

		libOpentelemetry.HandleSpanError(span, "Failed to open channel on rabbitmq", err)

		return fmt.Errorf("rabbitmq ensure channel: %w", err)
	}

	rc.mu.Lock()
	if newConnection {
		rc.Connection = conn
		rc.reconnectAttempts = 0
	}

	rc.Channel = ch
	rc.Connected = true
	rc.mu.Unlock()

	return nil
}

// GetNewConnect returns a pointer to the rabbitmq channel, initializing it if necessary.
func (rc *RabbitMQConnection) GetNewConnect() (*amqp.Channel, error) {
	return rc.GetNewConnectContext(context.Background())
}

// GetNewConnectContext returns a pointer to the rabbitmq channel, initializing it if necessary.
func (rc *RabbitMQConnection) GetNewConnectContext(ctx context.Context) (*amqp.Channel, error) {
	if rc == nil {
		return nil, nilConnectionAssert("get_new_connect_context")
	}

	if ctx == nil {
		ctx = context.Background()
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rc.mu.Lock()

	if err := rc.applyDefaults(); err != nil {
		rc.mu.Unlock()

		return nil, err
	}

	if rc.Connected && rc.Channel != nil && !rc.channelClosedFn(rc.Channel) {
		ch := rc.Channel
		rc.mu.Unlock()

		return ch, nil
	}
	rc.mu.Unlock()

	if err := rc.EnsureChannelContext(ctx); err != nil {
		rc.logger().Log(context.Background(), log.LevelError, "failed to ensure channel", log.Err(err))

		return nil, err
	}

	rc.mu.Lock()
	defer rc.mu.Unlock()

	if rc.Channel == nil {
		rc.Connected = false

		return nil, errors.New("rabbitmq channel not available")
	}

	return rc.Channel, nil
}

// ChannelSnapshot returns the current channel under the connection lock.
// The returned channel may be closed by the time the caller uses it; callers
// that need a live channel should go through GetNewConnectContext instead.
func (rc *RabbitMQConnection) ChannelSnapshot() *amqp.Channel {
	if rc == nil {
		return nil
	}

	rc.mu.Lock()
	defer rc.mu.Unlock()

	return rc.Channel
}

// HealthCheck probes the rabbitmq management API for broker alarms.
func (rc *RabbitMQConnection) HealthCheck() (bool, error) {
	return rc.HealthCheckContext(context.Background())
}

// HealthCheckContext probes the rabbitmq management API for broker alarms.
// It captures config fields under lock to avoid reading them during concurrent mutation.
func (rc *RabbitMQConnection) HealthCheckContext(ctx context.Context) (bool, error) {
	if rc == nil {
		return false, nilConnectionAssert("health_check_context")
	}

	if ctx == nil {
		ctx = context.Background()
	}

	tracer := otel.Tracer("rabbitmq")

	ctx, span := tracer.Start(ctx, "rabbitmq.health_check")
	defer span.End()

	span.SetAttributes(attribute.String(constant.AttrDBSystem, constant.DBSystemRabbitMQ))

	rc.mu.Lock()

	if err := rc.applyDefaults(); err != nil {
		rc.mu.Unlock()

		libOpentelemetry.HandleSpanError(span, "Failed to apply defaults", err)

		return false, fmt.Errorf("rabbitmq health check: %w", err)
	}

	healthURL := rc.HealthCheckURL
	user := rc.User
	pass := rc.Pass
	client := rc.healthHTTPClient
	policy := rc.healthCheckPolicyLocked()
	logger := rc.logger()
	rc.mu.Unlock()

	if err := rc.healthCheck(ctx, healthURL, user, pass, client, policy, logger); err != nil {
		libOpentelemetry.HandleSpanError(span, "RabbitMQ health check failed", err)

		return false, err
	}

	return true, nil
}

// healthCheckPolicyLocked builds the host policy snapshot for a health check.
// Callers must hold rc.mu.
func (rc *RabbitMQConnection) healthCheckPolicyLocked() healthCheckURLConfig {
	return healthCheckURLConfig{
		allowInsecure:       rc.AllowInsecureHealthCheck,
		hasBasicAuth:        rc.User != "" || rc.Pass != "",
		requireAllowedHosts: rc.RequireHealthCheckAllowedHosts,
		allowedHosts:        rc.HealthCheckAllowedHosts,
		derivedAllowedHosts: deriveAllowedHostsFromConnectionString(rc.ConnectionStringSource),
	}
}

// healthCheck is the internal implementation that operates on pre-captured config
// values and a policy snapshot, safe to call without holding the mutex.
func (rc *RabbitMQConnection) healthCheck(ctx context.Context, rawHealthURL, user, pass string, client *http.Client, policy healthCheckURLConfig, logger log.Logger) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if err := ctx.Err(); err != nil {
		logger.Log(context.Background(), log.LevelError, "context canceled during rabbitmq health check", log.Err(err))

		return fmt.Errorf("rabbitmq health check: %w", err)
	}

	healthURL, err := validateHealthCheckURLWithConfig(rawHealthURL, policy)
	if err != nil {
		logger.Log(context.Background(), log.LevelError, "invalid rabbitmq health check URL", log.Err(err))

		return fmt.Errorf("rabbitmq health check: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthURL, nil)
	if err != nil {
		logger.Log(context.Background(), log.LevelError, "failed to create rabbitmq health check request", log.Err(err))

		return fmt.Errorf("rabbitmq health check request: %w", err)
	}

	if user != "" || pass != "" {
		req.SetBasicAuth(user, pass)
	}

	if client == nil {
		client = &http.Client{Timeout: defaultRabbitMQHealthCheckTimeout}
	}

	resp, err := client.Do(req)
	if err != nil {
		logger.Log(context.Background(), log.LevelError, "failed to execute rabbitmq health check request", log.Err(err))

		return fmt.Errorf("rabbitmq health check request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		logger.Log(context.Background(), log.LevelError, "rabbitmq health check failed", log.String("status", resp.Status))

		return fmt.Errorf("rabbitmq health check returned status %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		logger.Log(context.Background(), log.LevelError, "failed to read rabbitmq health check response", log.Err(err))

		return fmt.Errorf("rabbitmq health check response: %w", err)
	}

	var result map[string]any

	err = json.Unmarshal(body, &result)
	if err != nil {
		logger.Log(context.Background(), log.LevelError, "failed to parse rabbitmq health check response", log.Err(err))

		return fmt.Errorf("rabbitmq health check response: %w", err)
	}

	if result == nil {
		logger.Log(context.Background(), log.LevelError, "rabbitmq health check response is empty or null")

		return errors.New("rabbitmq health check response is empty or null")
	}

	if status, ok := result["status"].(string); ok && status == "ok" {
		return nil
	}

	logger.Log(context.Background(), log.LevelError, "rabbitmq is not healthy")

	return errors.New("rabbitmq is not healthy")
}

// healthCheckURLConfig is an immutable snapshot of the health check host policy,
// captured under the connection lock so the HTTP request itself runs without it.
type healthCheckURLConfig struct {
	allowInsecure       bool
	hasBasicAuth        bool
	requireAllowedHosts bool
	allowedHosts        []string
	derivedAllowedHosts []string
}

// enforce applies the host policy to a parsed health check URL. An explicit
// allowlist always restricts the target host. Basic auth additionally requires
// plain-http opt-in and, over https, some allowlist match so credentials never
// travel to an unexpected host.
func (policy healthCheckURLConfig) enforce(parsedURL *url.URL) error {
	if policy.requireAllowedHosts && len(policy.allowedHosts) == 0 {
		return ErrHealthCheckAllowedHostsRequired
	}

	if policy.hasBasicAuth && !policy.allowInsecure && parsedURL.Scheme == "http" {
		return ErrInsecureHealthCheck
	}

	if len(policy.allowedHosts) > 0 {
		if !isHostAllowed(parsedURL.Host, policy.allowedHosts) {
			return ErrHealthCheckHostNotAllowed
		}

		return nil
	}

	if !policy.hasBasicAuth || policy.allowInsecure {
		return nil
	}

	// https with basic auth and no explicit allowlist: fall back to hosts
	// derived from the AMQP connection string.
	if len(policy.derivedAllowedHosts) == 0 {
		return ErrHealthCheckAllowedHostsRequired
	}

	if !isHostAllowed(parsedURL.Host, policy.derivedAllowedHosts) {
		return ErrHealthCheckHostNotAllowed
	}

	return nil
}

func (rc *RabbitMQConnection) applyDefaults() error {
	rc.applyConnectionDefaults()
	rc.applyChannelDefaults()

	return rc.applyHealthDefaults()
}

func (rc *RabbitMQConnection) applyConnectionDefaults() {
	if rc.dialer == nil {
		rc.dialer = amqp.Dial
	}

	if rc.dialerContext == nil {
		rc.dialerContext = func(_ context.Context, connectionString string) (*amqp.Connection, error) {
			return rc.dialer(connectionString)
		}
	}

	if rc.connectionCloser == nil {
		rc.connectionCloser = func(connection *amqp.Connection) error {
			if connection == nil {
				return nil
			}

			return connection.Close()
		}
	}

	if rc.connectionCloserContext == nil {
		rc.connectionCloserContext = func(_ context.Context, connection *amqp.Connection) error {
			return rc.connectionCloser(connection)
		}
	}

	if rc.connectionClosedFn == nil {
		rc.connectionClosedFn = func(connection *amqp.Connection) bool {
			if connection == nil {
				return true
			}

			return connection.IsClosed()
		}
	}
}

func (rc *RabbitMQConnection) applyChannelDefaults() {
	if rc.channelFactory == nil {
		rc.channelFactory = func(connection *amqp.Connection) (*amqp.Channel, error) {
			if connection == nil {
				return nil, errors.New("cannot create channel: connection is nil")
			}

			return connection.Channel()
		}
	}

	if rc.channelFactoryContext == nil {
		rc.channelFactoryContext = func(_ context.Context, connection *amqp.Connection) (*amqp.Channel, error) {
			return rc.channelFactory(connection)
		}
	}

	if rc.channelClosedFn == nil {
		rc.channelClosedFn = func(ch *amqp.Channel) bool {
			if ch == nil {
				return true
			}

			return ch.IsClosed()
		}
	}

	if rc.channelCloser == nil {
		rc.channelCloser = func(ch *amqp.Channel) error {
			if ch == nil {
				return nil
			}

			return ch.Close()
		}
	}

	if rc.channelCloserContext == nil {
		rc.channelCloserContext = func(_ context.Context, ch *amqp.Channel) error {
			return rc.channelCloser(ch)
		}
	}
}

func (rc *RabbitMQConnection) applyHealthDefaults() error {
	if rc.healthHTTPClient == nil {
		rc.healthHTTPClient = &http.Client{Timeout: defaultRabbitMQHealthCheckTimeout}

		return nil
	}

	transport, ok := rc.healthHTTPClient.Transport.(*http.Transport)
	if !ok || transport.TLSClientConfig == nil {
		return nil
	}

	if transport.TLSClientConfig.InsecureSkipVerify && !rc.AllowInsecureTLS {
		return ErrInsecureTLS
	}

	return nil
}

func (rc *RabbitMQConnection) closeConnectionWith(connection *amqp.Connection, closer func(*amqp.Connection) error) {
	if closer == nil {
		return
	}

	if err := closer(connection); err != nil {
		rc.logger().Log(context.Background(), log.LevelWarn, "failed to close rabbitmq connection during cleanup", log.Err(err))
	}
}

// handleChannelFailure cleans up after a failed channel creation in EnsureChannelContext.
// It conditionally closes the connection and resets the channel/connected state.
func (rc *RabbitMQConnection) handleChannelFailure(conn, existingConn *amqp.Connection, newConnection bool, connCloser func(*amqp.Connection) error) {
	if newConnection {
		rc.closeConnectionWith(conn, connCloser)
	}

	rc.mu.Lock()
	if newConnection && rc.Connection == existingConn {
		rc.Connection = nil
	}

	rc.Channel = nil
	rc.Connected = false
	rc.mu.Unlock()
}

// Close closes the rabbitmq channel and connection.
func (rc *RabbitMQConnection) Close() error {
	return rc.CloseContext(context.Background())
}

// CloseContext closes the rabbitmq channel and connection.
func (rc *RabbitMQConnection) CloseContext(ctx context.Context) error {
	if rc == nil {
		return nilConnectionAssert("close_context")
	}

	if ctx == nil {
		ctx = context.Background()
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("rabbitmq close: %w", err)
	}

	tracer := otel.Tracer("rabbitmq")

	ctx, span := tracer.Start(ctx, "rabbitmq.close")
	defer span.End()

	span.SetAttributes(attribute.String(constant.AttrDBSystem, constant.DBSystemRabbitMQ))

	rc.mu.Lock()
	_ = rc.applyDefaults() // Close must not fail on TLS validation; resources still need cleanup.
	channel := rc.Channel
	connection := rc.Connection
	chCloser := rc.channelCloserContext
	connCloser := rc.connectionCloserContext
	rc.Connection = nil
	rc.Channel = nil
	rc.Connected = false
	logger := rc.logger()
	rc.mu.Unlock()

	var closeErr error

	if channel != nil {
		if err := chCloser(ctx, channel); err != nil {
			closeErr = fmt.Errorf("failed to close rabbitmq channel: %w", err)
			logger.Log(context.Background(), log.LevelWarn, "failed to close rabbitmq channel", log.Err(err))
		}
	}

	if connection != nil {
		if err := connCloser(ctx, connection); err != nil {
			if closeErr == nil {
				closeErr = fmt.Errorf("failed to close rabbitmq connection: %w", err)
			} else {
				closeErr = errors.Join(closeErr, fmt.Errorf("failed to close rabbitmq connection: %w", err))
			}

			logger.Log(context.Background(), log.LevelWarn, "failed to close rabbitmq connection", log.Err(err))
		}
	}

	if closeErr != nil {
		libOpentelemetry.HandleSpanError(span, "Failed to close rabbitmq", closeErr)
	}

	return closeErr
}

func (rc *RabbitMQConnection) logger() log.Logger {
	if rc == nil || rc.Logger == nil {
		return &log.NopLogger{}
	}

	return rc.Logger
}

// validateHealthCheckURLWithConfig validates the health check URL, enforces the
// host policy, and appends the management health endpoint path if not already
// present. The URL should be the management API base
// (e.g. "http://host:15672"), NOT the full health endpoint.
func validateHealthCheckURLWithConfig(rawURL string, policy healthCheckURLConfig) (string, error) {
	healthURL := strings.TrimSpace(rawURL)
	if healthURL == "" {
		return "", errors.New("rabbitmq health check URL is empty")
	}

	parsedURL, err := url.Parse(healthURL)
	if err != nil {
		return "", err
	}

	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return "", errors.New("rabbitmq health check URL must use http or https")
	}

	if parsedURL.Host == "" {
		return "", errors.New("rabbitmq health check URL must include a host")
	}

	if parsedURL.User != nil {
		return "", errors.New("rabbitmq health check URL must not include user credentials")
	}

	if err := policy.enforce(parsedURL); err != nil {
		return "", err
	}

	// Only append the health endpoint path if not already present.
	normalized := strings.TrimSuffix(parsedURL.String(), "/")
	if strings.HasSuffix(normalized, healthCheckPath) {
		return normalized, nil
	}

	return normalized + healthCheckPath, nil
}

// deriveAllowedHostsFromConnectionString extracts the AMQP broker host so the
// management health check can default its allowlist to the broker it already
// talks to.
func deriveAllowedHostsFromConnectionString(connectionString string) []string {
	parsed, err := url.Parse(connectionString)
	if err != nil || parsed.Host == "" {
		return nil
	}

	hosts := []string{parsed.Host}
	if hostname := parsed.Hostname(); hostname != "" && hostname != parsed.Host {
		hosts = append(hosts, hostname)
	}

	return hosts
}

// isHostAllowed reports whether hostPort (the URL host, optionally with port)
// matches an allowlist entry. Entries may be bare hosts, host:port pairs, or
// CIDR ranges. A bare-host entry matches any port.
func isHostAllowed(hostPort string, allowedHosts []string) bool {
	candidateHost, candidatePort := splitHostMaybePort(hostPort)
	if candidateHost == "" {
		return false
	}

	candidateIP := net.ParseIP(candidateHost)

	for _, entry := range allowedHosts {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		if strings.Contains(entry, "/") {
			if _, network, err := net.ParseCIDR(entry); err == nil && candidateIP != nil && network.Contains(candidateIP) {
				return true
			}

			continue
		}

		allowedHost, allowedPort := splitHostMaybePort(entry)
		if allowedPort != "" && allowedPort != candidatePort {
			continue
		}

		if hostsEqual(candidateHost, allowedHost, candidateIP) {
			return true
		}
	}

	return false
}

// splitHostMaybePort splits host:port, tolerating bare hosts and bare IPv6
// literals (which contain colons but no port).
func splitHostMaybePort(hostPort string) (string, string) {
	host, port, err := net.SplitHostPort(hostPort)
	if err == nil {
		return host, port
	}

	return strings.Trim(hostPort, "[]"), ""
}

// hostsEqual compares hosts case-insensitively, treating IP literals as equal
// when they denote the same address (covers IPv4-mapped IPv6 forms).
func hostsEqual(candidateHost, allowedHost string, candidateIP net.IP) bool {
	if strings.EqualFold(candidateHost, allowedHost) {
		return true
	}

	if candidateIP == nil {
		return false
	}

	allowedIP := net.ParseIP(allowedHost)

	return allowedIP != nil && allowedIP.Equal(candidateIP)
}

// sanitizedError wraps an original error with a redacted message.
// Error() returns the sanitized message; Unwrap() returns the original
// so that errors.Is / errors.As still work for programmatic inspection.
type sanitizedError struct {
	original error
	message  string
}

// Error returns the sanitized message.
func (e *sanitizedError) Error() string { return e.message }

// Unwrap returns the original wrapped error.
func (e *sanitizedError) Unwrap() error { return e.original }

// newSanitizedError wraps err with a human-readable prefix and redacted connection string.
func newSanitizedError(err error, connectionString, prefix string) error {
	return fmt.Errorf("%s: %w", prefix, &sanitizedError{
		original: err,
		message:  sanitizeAMQPErr(err, connectionString),
	})
}

// sanitizeAMQPErr scrubs credentials from an AMQP error message. Every
// URL-shaped token in the message has its userinfo redacted, and when the
// connection string parses, its decoded password is additionally replaced
// wherever it appears standalone.
func sanitizeAMQPErr(err error, connectionString string) string {
	if err == nil {
		return ""
	}

	message := redactURLCredentials(err.Error())

	parsed, parseErr := url.Parse(connectionString)
	if parseErr != nil || parsed.User == nil {
		return message
	}

	if pass, ok := parsed.User.Password(); ok && pass != "" {
		message = strings.ReplaceAll(message, pass, "xxxxx")
	}

	return message
}

// redactURLCredentials replaces the password of every URL-shaped token in
// message with "xxxxx", preserving the surrounding text.
func redactURLCredentials(message string) string {
	if !strings.Contains(message, "@") {
		return message
	}

	var redacted strings.Builder

	redacted.Grow(len(message))

	for i := 0; i < len(message); {
		j := i
		for j < len(message) && !isASCIISpace(message[j]) {
			j++
		}

		if j > i {
			redacted.WriteString(redactURLToken(message[i:j]))
		}

		for j < len(message) && isASCIISpace(message[j]) {
			redacted.WriteByte(message[j])
			j++
		}

		i = j
	}

	return redacted.String()
}

func isASCIISpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

// redactURLToken redacts the userinfo of a single whitespace-delimited token.
// The last "@" is treated as the userinfo boundary, which also catches
// passwords containing a literal "@" or "/". When an earlier "@" shows the
// last one actually sits in the URL path, the authority-bounded fallback
// takes over.
func redactURLToken(token string) string {
	schemeIdx := strings.Index(token, "://")
	if schemeIdx < 0 {
		return token
	}

	rest := token[schemeIdx+3:]

	at := strings.LastIndex(rest, "@")
	if at < 0 {
		return token
	}

	userinfo := rest[:at]
	if slash := strings.IndexByte(userinfo, '/'); slash >= 0 && strings.Contains(userinfo[:slash], "@") {
		return redactURLCredentialsFallback(token)
	}

	colon := strings.IndexByte(userinfo, ':')
	if colon < 0 {
		return token
	}

	return token[:schemeIdx+3] + userinfo[:colon] + ":xxxxx" + rest[at:]
}

// redactURLCredentialsFallback bounds the credential search to the URL
// authority (everything before the first "/", "?", or "#") so at-signs in the
// path or query survive untouched.
func redactURLCredentialsFallback(token string) string {
	schemeIdx := strings.Index(token, "://")
	if schemeIdx < 0 {
		return token
	}

	rest := token[schemeIdx+3:]

	authority := rest
	if end := strings.IndexAny(rest, "/?#"); end >= 0 {
		authority = rest[:end]
	}

	at := strings.LastIndex(authority, "@")
	if at < 0 {
		return token
	}

	userinfo := authority[:at]

	colon := strings.IndexByte(userinfo, ':')
	if colon < 0 {
		return token
	}

	return token[:schemeIdx+3] + userinfo[:colon] + ":xxxxx" + rest[at:]
}

// BuildRabbitMQConnectionString constructs an AMQP connection string.
// If vhost is empty, the default vhost "/" is used (no path in URL).
// Special characters in user, password, and vhost are URL-encoded automatically.
// Supports IPv6 hosts (e.g., "[::1]").
func BuildRabbitMQConnectionString(protocol, user, pass, host, port, vhost string) string {
	u := &url.URL{Scheme: protocol}
	if user != "" || pass != "" {
		u.User = url.UserPassword(user, pass)
	}

	if port != "" {
		u.Host = net.JoinHostPort(host, port)
	} else {
		// Bracket bare IPv6 addresses to avoid malformed URLs (e.g., amqp://user:pass@::1)
		if strings.Contains(host, ":") && !strings.HasPrefix(host, "[") {
			u.Host = "[" + host + "]"
		} else {
			u.Host = host
		}
	}

	if vhost != "" {
		// Use QueryEscape instead of PathEscape because RabbitMQ vhost names may contain '/'
		// which must be percent-encoded as %2F. QueryEscape encodes '/' while PathEscape does not.
		// The subsequent ReplaceAll converts query-style space encoding (+) to path-style (%20).
		escapedVHost := url.QueryEscape(vhost)
		escapedVHost = strings.ReplaceAll(escapedVHost, "+", "%20")
		u.Path = "/" + vhost
		u.RawPath = "/" + escapedVHost
	}

	return u.String()
}
