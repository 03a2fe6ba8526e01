package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	// defaultKeyPrefix namespaces detection keys so the window can share a
	// database with other consumers.
	defaultKeyPrefix = "outbox:dedup:"

	// claimMarker is the value stored under a claimed key. The value itself
	// is never read back; presence of the key is the claim.
	claimMarker = "1"
)

// RedisWindow is a Window shared across dispatcher replicas. A claim is a
// single SET NX PX round trip, so the first replica to claim an id wins and
// the key expires on its own when the detection period lapses.
type RedisWindow struct {
	client redis.UniversalClient
	period time.Duration
	prefix string
}

// RedisWindowOption customizes a RedisWindow.
type RedisWindowOption func(*RedisWindow)

// WithKeyPrefix overrides the key namespace used for detection keys.
func WithKeyPrefix(prefix string) RedisWindowOption {
	return func(window *RedisWindow) {
		if prefix != "" {
			window.prefix = prefix
		}
	}
}

// NewRedisWindow builds a RedisWindow on an existing client.
func NewRedisWindow(client redis.UniversalClient, period time.Duration, opts ...RedisWindowOption) (*RedisWindow, error) {
	if client == nil {
		return nil, ErrNilClient
	}

	if period <= 0 {
		return nil, ErrInvalidPeriod
	}

	window := &RedisWindow{
		client: client,
		period: period,
		prefix: defaultKeyPrefix,
	}

	for _, opt := range opts {
		opt(window)
	}

	return window, nil
}

// Claim implements Window.
func (window *RedisWindow) Claim(ctx context.Context, id uuid.UUID) (bool, error) {
	if id == uuid.Nil {
		return false, ErrNilID
	}

	first, err := window.client.SetNX(ctx, window.prefix+id.String(), claimMarker, window.period).Result()
	if err != nil {
		return false, fmt.Errorf("claiming dedup key: %w", err)
	}

	return first, nil
}
