package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/bxcodec/dbresolver/v2"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/AltairBanking/lib-eventbox/v2/eventbox/backoff"
	"github.com/AltairBanking/lib-eventbox/v2/eventbox/log"
)

const (
	driverName = "pgx"

	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 10
	defaultConnMaxLifetime = 30 * time.Minute
	defaultConnMaxIdleTime = 5 * time.Minute

	// reconnectBackoffBase seeds the jittered delay between consecutive
	// failed lazy-connect attempts; reconnectBackoffCap bounds it.
	reconnectBackoffBase = 1 * time.Second
	reconnectBackoffCap  = 30 * time.Second
)

var (
	// ErrInvalidConfig reports a Config or MigrationConfig that cannot be used.
	ErrInvalidConfig = errors.New("invalid postgres configuration")

	// ErrInvalidDatabaseName reports a database name that is not a plain
	// PostgreSQL identifier.
	ErrInvalidDatabaseName = errors.New("invalid database name")

	// ErrNilClient is returned by methods called on a nil *Client.
	ErrNilClient = errors.New("postgres client is nil")

	// ErrNilMigrator is returned by methods called on a nil *Migrator.
	ErrNilMigrator = errors.New("postgres migrator is nil")

	// ErrNilContext is returned when a nil context is passed in.
	ErrNilContext = errors.New("context is required")

	// ErrNotConnected is returned when a handle is requested before a
	// connection exists.
	ErrNotConnected = errors.New("postgres client is not connected")

	// ErrMigrationDirty reports a migration run aborted partway through,
	// leaving the schema_migrations table flagged dirty. Manual repair is
	// required before further migrations can run.
	ErrMigrationDirty = errors.New("database migration state is dirty")
)

var (
	urlCredentialsPattern = regexp.MustCompile(`://[^@\s]+@`)
	passwordParamPattern  = regexp.MustCompile(`(?i)(password=)([^\s&]+)`)
	sslFileParamPattern   = regexp.MustCompile(`(?i)(sslkey|sslcert|sslrootcert)=([^\s&]+)`)
	dbNamePattern         = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]{0,62}$`)
)

// Package-level dependency seams, replaced in tests.
var (
	dbOpenFn = sql.Open

	createResolverFn = func(primary, replica *sql.DB, _ log.Logger) (_ dbresolver.DB, err error) {
		// dbresolver.New panics rather than returning an error on bad input.
		defer func() {
			if recovered := recover(); recovered != nil {
				err = fmt.Errorf("resolver initialization panicked: %v", recovered)
			}
		}()

		resolver := dbresolver.New(
			dbresolver.WithPrimaryDBs(primary),
			dbresolver.WithReplicaDBs(replica),
			dbresolver.WithLoadBalancer(dbresolver.RoundRobinLB),
		)
		if resolver == nil {
			return nil, errors.New("resolver returned nil connection")
		}

		return resolver, nil
	}

	runMigrationsFn = runMigrations
)

// SanitizedError is a connection failure whose message has been scrubbed of
// credentials. Driver errors routinely echo the full DSN, so the message is
// sanitized at construction and Unwrap returns nil to keep chain traversal
// away from the raw cause.
type SanitizedError struct {
	msg string
}

func newSanitizedError(cause error, prefix string) *SanitizedError {
	if cause == nil {
		return nil
	}

	return &SanitizedError{msg: sanitizeSensitiveString(prefix + ": " + cause.Error())}
}

func (e *SanitizedError) Error() string { return e.msg }

// Unwrap returns nil. The original error stays unreachable so credentials
// embedded in it cannot leak through errors.Is or errors.As.
func (e *SanitizedError) Unwrap() error { return nil }

// Config describes a primary/replica PostgreSQL pair.
type Config struct {
	// PrimaryDSN is the read-write connection string.
	PrimaryDSN string

	// ReplicaDSN is the read-only connection string. Point it at the
	// primary when no replica exists.
	ReplicaDSN string

	Logger log.Logger

	MaxOpenConnections int
	MaxIdleConnections int
	ConnMaxLifetime    time.Duration
	ConnMaxIdleTime    time.Duration
}

func (c Config) withDefaults() Config {
	if c.Logger == nil {
		c.Logger = log.NewNop()
	}

	if c.MaxOpenConnections <= 0 {
		c.MaxOpenConnections = defaultMaxOpenConns
	}

	if c.MaxIdleConnections <= 0 {
		c.MaxIdleConnections = defaultMaxIdleConns
	}

	if c.ConnMaxLifetime <= 0 {
		c.ConnMaxLifetime = defaultConnMaxLifetime
	}

	if c.ConnMaxIdleTime <= 0 {
		c.ConnMaxIdleTime = defaultConnMaxIdleTime
	}

	return c
}

func (c Config) validate() error {
	if strings.TrimSpace(c.PrimaryDSN) == "" {
		return fmt.Errorf("%w: primary DSN is required", ErrInvalidConfig)
	}

	if strings.TrimSpace(c.ReplicaDSN) == "" {
		return fmt.Errorf("%w: replica DSN is required", ErrInvalidConfig)
	}

	if err := validateDSN(c.PrimaryDSN); err != nil {
		return err
	}

	return validateDSN(c.ReplicaDSN)
}

// Client manages a primary/replica PostgreSQL connection pair behind a
// dbresolver that routes reads to the replica and writes to the primary.
// The zero value is not usable; construct with New.
type Client struct {
	cfg Config

	mu                 sync.RWMutex
	primary            *sql.DB
	replica            *sql.DB
	resolver           dbresolver.DB
	connectAttempts    int
	lastConnectAttempt time.Time
}

// New validates cfg and returns an unconnected Client. Connect or the first
// Resolver call establishes the connection.
func New(cfg Config) (*Client, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &Client{cfg: cfg.withDefaults()}, nil
}

// Connect opens the primary and replica pools, builds the resolver, and
// verifies connectivity with a ping. On success any previous connection is
// closed after the new one is installed; on failure the previous connection
// is left untouched.
func (c *Client) Connect(ctx context.Context) error {
	if c == nil {
		return ErrNilClient
	}

	if ctx == nil {
		return ErrNilContext
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.connectLocked(ctx)
}

// connectLocked performs the connect and swap. Caller must hold the write lock.
func (c *Client) connectLocked(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	conn, err := c.buildConnection(ctx)
	if err != nil {
		return err
	}

	previous := connection{primary: c.primary, replica: c.replica, resolver: c.resolver}

	c.primary = conn.primary
	c.replica = conn.replica
	c.resolver = conn.resolver

	// Close failures on the old handles are logged, not returned: the
	// replacement connection is already installed.
	if previous.resolver != nil {
		if closeErr := previous.resolver.Close(); closeErr != nil {
			c.logAtLevel(ctx, log.LevelWarn, "closing previous postgres resolver", log.Err(closeErr))
		}
	}

	if closeErr := closeDB(previous.primary); closeErr != nil {
		c.logAtLevel(ctx, log.LevelWarn, "closing previous primary pool", log.Err(closeErr))
	}

	if closeErr := closeDB(previous.replica); closeErr != nil {
		c.logAtLevel(ctx, log.LevelWarn, "closing previous replica pool", log.Err(closeErr))
	}

	c.logAtLevel(ctx, log.LevelInfo, "connected to postgres")

	return nil
}

// connection bundles the handles produced by one connect attempt so they can
// be installed or discarded as a unit.
type connection struct {
	primary  *sql.DB
	replica  *sql.DB
	resolver dbresolver.DB
}

func (conn connection) close() {
	if conn.resolver != nil {
		_ = conn.resolver.Close()
	}

	_ = closeDB(conn.primary)
	_ = closeDB(conn.replica)
}

// buildConnection opens both pools, wires the resolver, applies pool limits,
// and pings. Everything it opened is closed again on failure.
func (c *Client) buildConnection(ctx context.Context) (connection, error) {
	warnInsecureDSN(ctx, c.cfg.Logger, c.cfg.PrimaryDSN, "primary")
	warnInsecureDSN(ctx, c.cfg.Logger, c.cfg.ReplicaDSN, "replica")

	primary, err := dbOpenFn(driverName, c.cfg.PrimaryDSN)
	if err != nil {
		return connection{}, newSanitizedError(err, "failed to open database")
	}

	replica, err := dbOpenFn(driverName, c.cfg.ReplicaDSN)
	if err != nil {
		_ = closeDB(primary)

		return connection{}, newSanitizedError(err, "failed to open database")
	}

	resolver, err := createResolverFn(primary, replica, c.cfg.Logger)
	if err != nil {
		_ = closeDB(primary)
		_ = closeDB(replica)

		return connection{}, newSanitizedError(err, "failed to create resolver")
	}

	conn := connection{primary: primary, replica: replica, resolver: resolver}

	resolver.SetMaxOpenConns(c.cfg.MaxOpenConnections)
	resolver.SetMaxIdleConns(c.cfg.MaxIdleConnections)
	resolver.SetConnMaxLifetime(c.cfg.ConnMaxLifetime)
	resolver.SetConnMaxIdleTime(c.cfg.ConnMaxIdleTime)

	if err := resolver.PingContext(ctx); err != nil {
		conn.close()

		return connection{}, newSanitizedError(err, "failed to ping database")
	}

	return conn, nil
}

// Resolver returns the connected resolver, lazily connecting on first use.
// Lazy reconnects after a failure are rate-limited with jittered exponential
// backoff so a dead database is not hammered by every caller that wants a
// handle.
func (c *Client) Resolver(ctx context.Context) (dbresolver.DB, error) {
	if c == nil {
		return nil, ErrNilClient
	}

	if ctx == nil {
		return nil, ErrNilContext
	}

	// Fast path: already connected.
	c.mu.RLock()

	if c.resolver != nil {
		resolver := c.resolver
		c.mu.RUnlock()

		return resolver, nil
	}

	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	// Double-check after acquiring the write lock.
	if c.resolver != nil {
		return c.resolver, nil
	}

	if c.connectAttempts > 0 {
		delay := backoff.ExponentialWithJitter(reconnectBackoffBase, c.connectAttempts)
		if delay > reconnectBackoffCap {
			delay = reconnectBackoffCap
		}

		if elapsed := time.Since(c.lastConnectAttempt); elapsed < delay {
			return nil, fmt.Errorf("postgres reconnect rate-limited (next attempt in %s)", delay-elapsed)
		}
	}

	c.lastConnectAttempt = time.Now()

	if err := c.connectLocked(ctx); err != nil {
		c.connectAttempts++

		return nil, err
	}

	c.connectAttempts = 0

	return c.resolver, nil
}

// Primary returns the read-write pool. Transactional work such as outbox
// staging must run here rather than through the resolver, which may route
// statements to a replica.
func (c *Client) Primary() (*sql.DB, error) {
	if c == nil {
		return nil, ErrNilClient
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.primary == nil {
		return nil, ErrNotConnected
	}

	return c.primary, nil
}

// IsConnected reports whether a resolver is currently installed. It does not
// probe the server.
func (c *Client) IsConnected() (bool, error) {
	if c == nil {
		return false, ErrNilClient
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.resolver != nil, nil
}

// Close releases the resolver and both pools. It is safe to call more than
// once and collects every close error it encounters.
func (c *Client) Close() error {
	if c == nil {
		return ErrNilClient
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error

	if c.resolver != nil {
		if err := c.resolver.Close(); err != nil {
			errs = append(errs, err)
		}

		c.resolver = nil
	}

	if err := closeDB(c.primary); err != nil {
		errs = append(errs, err)
	}

	c.primary = nil

	if err := closeDB(c.replica); err != nil {
		errs = append(errs, err)
	}

	c.replica = nil

	return errors.Join(errs...)
}

func (c *Client) logAtLevel(ctx context.Context, level log.Level, msg string, fields ...log.Field) {
	if c == nil || c.cfg.Logger == nil {
		return
	}

	c.cfg.Logger.Log(ctx, level, msg, fields...)
}

// MigrationConfig describes one migration run against a single database.
type MigrationConfig struct {
	// PrimaryDSN is the connection string of the database to migrate.
	PrimaryDSN string

	// DatabaseName names the target database inside the server. It must be
	// a plain identifier.
	DatabaseName string

	// MigrationsPath points at the directory of .sql migration files. When
	// empty, the path is derived from Component as
	// components/<component>/migrations relative to the working directory.
	MigrationsPath string

	Component string

	// AllowMultiStatements lets one migration file carry several
	// semicolon-separated statements. Those statements run outside a
	// transaction, so a mid-file failure leaves the schema partially
	// applied and the migration state dirty.
	AllowMultiStatements bool

	Logger log.Logger
}

func (c MigrationConfig) withDefaults() MigrationConfig {
	if c.Logger == nil {
		c.Logger = log.NewNop()
	}

	return c
}

func (c MigrationConfig) validate() error {
	if strings.TrimSpace(c.PrimaryDSN) == "" {
		return fmt.Errorf("%w: primary DSN is required", ErrInvalidConfig)
	}

	if err := validateDBName(c.DatabaseName); err != nil {
		return err
	}

	if strings.TrimSpace(c.MigrationsPath) == "" && strings.TrimSpace(c.Component) == "" {
		return fmt.Errorf("%w: migrations path or component is required", ErrInvalidConfig)
	}

	return validateDSN(c.PrimaryDSN)
}

// Migrator applies schema migrations. Unlike the connection lifecycle on
// Client, migrations never run implicitly: exactly one caller, typically the
// service entrypoint, invokes Up before serving traffic.
type Migrator struct {
	cfg MigrationConfig
}

// NewMigrator validates cfg and returns a Migrator.
func NewMigrator(cfg MigrationConfig) (*Migrator, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &Migrator{cfg: cfg.withDefaults()}, nil
}

// Up applies all pending migrations. A database with no pending migrations
// and a missing migrations directory are both treated as success; a dirty
// migration state is reported via ErrMigrationDirty.
func (m *Migrator) Up(ctx context.Context) error {
	if m == nil {
		return ErrNilMigrator
	}

	if ctx == nil {
		return ErrNilContext
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	path, err := resolveMigrationsPath(m.cfg.MigrationsPath, m.cfg.Component)
	if err != nil {
		return err
	}

	warnInsecureDSN(ctx, m.cfg.Logger, m.cfg.PrimaryDSN, "migrations")

	db, err := dbOpenFn(driverName, m.cfg.PrimaryDSN)
	if err != nil {
		return newSanitizedError(err, "failed to open database")
	}

	defer func() {
		if closeErr := closeDB(db); closeErr != nil {
			m.logAtLevel(ctx, log.LevelWarn, "closing migration connection", log.Err(closeErr))
		}
	}()

	m.logAtLevel(ctx, log.LevelInfo, "applying database migrations", log.String("path", path))

	migErr := runMigrationsFn(ctx, db, path, m.cfg.DatabaseName, m.cfg.AllowMultiStatements, m.cfg.Logger)
	if migErr == nil {
		m.logAtLevel(ctx, log.LevelInfo, "database migrations applied")

		return nil
	}

	outcome := classifyMigrationError(migErr)
	m.logAtLevel(ctx, outcome.level, outcome.message, outcome.fields...)

	return outcome.err
}

func (m *Migrator) logAtLevel(ctx context.Context, level log.Level, msg string, fields ...log.Field) {
	if m == nil || m.cfg.Logger == nil {
		return
	}

	m.cfg.Logger.Log(ctx, level, msg, fields...)
}

// migrationOutcome is the log-and-return decision for one migration error.
type migrationOutcome struct {
	err     error
	level   log.Level
	message string
	fields  []log.Field
}

// classifyMigrationError folds the migrate library's sentinel errors into a
// migrationOutcome. No pending migrations and a missing migrations
// directory are normal outcomes, not failures.
func classifyMigrationError(err error) migrationOutcome {
	if err == nil {
		return migrationOutcome{}
	}

	if errors.Is(err, migrate.ErrNoChange) {
		return migrationOutcome{
			level:   log.LevelInfo,
			message: "no new migrations to apply",
		}
	}

	if errors.Is(err, os.ErrNotExist) {
		return migrationOutcome{
			level:   log.LevelWarn,
			message: "no migration files found, skipping",
		}
	}

	var dirty migrate.ErrDirty
	if errors.As(err, &dirty) {
		return migrationOutcome{
			err:     fmt.Errorf("%w: version %d", ErrMigrationDirty, dirty.Version),
			level:   log.LevelError,
			message: "database migration state is dirty",
			fields:  []log.Field{log.Int("version", dirty.Version)},
		}
	}

	return migrationOutcome{
		err:     fmt.Errorf("running database migrations: %w", err),
		level:   log.LevelError,
		message: "database migrations failed",
		fields:  []log.Field{log.Err(err)},
	}
}

// runMigrations is the default runMigrationsFn. It drives golang-migrate
// over a file:// source and returns the raw migration error for the caller
// to classify.
func runMigrations(ctx context.Context, db *sql.DB, migrationsPath, databaseName string, allowMultiStatements bool, _ log.Logger) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	sourceURL, err := url.Parse(filepath.ToSlash(migrationsPath))
	if err != nil {
		return fmt.Errorf("parsing migrations path: %w", err)
	}

	sourceURL.Scheme = "file"

	driver, err := postgres.WithInstance(db, &postgres.Config{
		MultiStatementEnabled: allowMultiStatements,
		DatabaseName:          databaseName,
		SchemaName:            "public",
	})
	if err != nil {
		return fmt.Errorf("creating migration driver: %w", err)
	}

	migration, err := migrate.NewWithDatabaseInstance(sourceURL.String(), databaseName, driver)
	if err != nil {
		return fmt.Errorf("creating migration instance: %w", err)
	}

	return migration.Up()
}

// resolveMigrationsPath returns the explicit path when provided, otherwise a
// path derived from the component name.
func resolveMigrationsPath(path, component string) (string, error) {
	if path != "" {
		return sanitizePath(path)
	}

	// filepath.Base strips any directory traversal from the component name.
	base := filepath.Base(component)
	if base == "." || base == string(filepath.Separator) {
		return "", fmt.Errorf("%w: component name %q", ErrInvalidConfig, component)
	}

	resolved, err := filepath.Abs(filepath.Join("components", base, "migrations"))
	if err != nil {
		return "", fmt.Errorf("resolving migrations path: %w", err)
	}

	return resolved, nil
}

// sanitizePath rejects paths containing parent-directory segments and
// resolves the rest to an absolute path.
func sanitizePath(path string) (string, error) {
	cleaned := filepath.Clean(path)

	for _, part := range strings.Split(cleaned, string(filepath.Separator)) {
		if part == ".." {
			return "", fmt.Errorf("invalid migrations path: %q", path)
		}
	}

	absPath, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolving migrations path: %w", err)
	}

	return absPath, nil
}

func validateDBName(name string) error {
	if !dbNamePattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidDatabaseName, name)
	}

	return nil
}

// validateDSN rejects URL-form DSNs with a scheme other than postgres.
// Key-value DSNs and empty strings pass; presence is checked by the config
// validators.
func validateDSN(dsn string) error {
	if dsn == "" || !strings.Contains(dsn, "://") {
		return nil
	}

	parsed, err := url.Parse(dsn)
	if err != nil {
		// The parse error would echo the DSN, credentials included.
		return fmt.Errorf("%w: malformed DSN", ErrInvalidConfig)
	}

	switch parsed.Scheme {
	case "postgres", "postgresql":
		return nil
	default:
		return fmt.Errorf("%w: unsupported DSN scheme %q", ErrInvalidConfig, parsed.Scheme)
	}
}

// warnInsecureDSN flags connection strings that disable TLS.
func warnInsecureDSN(ctx context.Context, logger log.Logger, dsn, role string) {
	if logger == nil || dsn == "" {
		return
	}

	if strings.Contains(strings.ToLower(dsn), "sslmode=disable") {
		logger.Log(ctx, log.LevelWarn, "postgres connection has TLS disabled", log.String("connection", role))
	}
}

func sanitizeSensitiveString(s string) string {
	sanitized := urlCredentialsPattern.ReplaceAllString(s, "://***@")
	sanitized = passwordParamPattern.ReplaceAllString(sanitized, "${1}***")
	sanitized = sslFileParamPattern.ReplaceAllString(sanitized, "${1}=***")

	return sanitized
}

func closeDB(db *sql.DB) error {
	if db == nil {
		return nil
	}

	return db.Close()
}
