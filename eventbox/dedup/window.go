package dedup

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	// ErrInvalidPeriod indicates a non-positive detection period.
	ErrInvalidPeriod = errors.New("dedup: detection period must be positive")
	// ErrNilClient indicates a RedisWindow was built without a client.
	ErrNilClient = errors.New("dedup: redis client is nil")
	// ErrNilID indicates a claim was attempted with the zero uuid.
	ErrNilID = errors.New("dedup: message id is nil")
)

// Window suppresses repeated deliveries of the same message id.
type Window interface {
	// Claim records id as seen and reports whether this sighting is the
	// first inside the detection period. A false result means another
	// delivery of the same id is in flight or recently completed, and the
	// caller should skip publication without treating it as a failure.
	Claim(ctx context.Context, id uuid.UUID) (bool, error)
}

// Noop is a Window that admits every claim. It disables duplicate detection
// while keeping the dispatcher wiring uniform.
type Noop struct{}

// Claim always reports a first sighting.
func (Noop) Claim(_ context.Context, id uuid.UUID) (bool, error) {
	if id == uuid.Nil {
		return false, ErrNilID
	}

	return true, nil
}
