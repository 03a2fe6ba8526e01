package outbox

import "fmt"

// Status represents a valid outbox message lifecycle state.
//
// Semantics:
//   - PENDING: staged and waiting for a dispatcher to claim it.
//   - DELIVERING: claimed by a dispatcher instance; the claim expires if the
//     instance dies before resolving it.
//   - DELIVERED: acknowledged by the broker; terminal state.
//   - FAILED: delivery attempt failed; eligible for another claim once its
//     retry delay elapses.
//   - DEAD_LETTERED: delivery attempts exhausted or the error was classified
//     as non-retryable; terminal state.
//   - EXPIRED: time to live elapsed before delivery; terminal state.
//
// Typical transitions:
//
//	PENDING → DELIVERING | EXPIRED
//	DELIVERING → DELIVERED | FAILED | DEAD_LETTERED
//	DELIVERING → DELIVERING (stale reclaim) | PENDING (claim released)
//	FAILED → DELIVERING | EXPIRED
type Status string

const (
	StatusPending      Status = "PENDING"
	StatusDelivering   Status = "DELIVERING"
	StatusDelivered    Status = "DELIVERED"
	StatusFailed       Status = "FAILED"
	StatusDeadLettered Status = "DEAD_LETTERED"
	StatusExpired      Status = "EXPIRED"
)

// ParseStatus validates and converts a raw string status.
func ParseStatus(raw string) (Status, error) {
	status := Status(raw)

	if !status.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrStatusInvalid, raw)
	}

	return status, nil
}

// IsValid reports whether the status is part of the message lifecycle.
func (status Status) IsValid() bool {
	switch status {
	case StatusPending, StatusDelivering, StatusDelivered, StatusFailed, StatusDeadLettered, StatusExpired:
		return true
	default:
		return false
	}
}

// Terminal reports whether the status permits no further transitions.
func (status Status) Terminal() bool {
	switch status {
	case StatusDelivered, StatusDeadLettered, StatusExpired:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether a transition from status to next is allowed.
func (status Status) CanTransitionTo(next Status) bool {
	switch status {
	case StatusPending:
		return next == StatusDelivering || next == StatusExpired
	case StatusDelivering:
		return next == StatusDelivering || next == StatusDelivered ||
			next == StatusFailed || next == StatusDeadLettered ||
			next == StatusPending
	case StatusFailed:
		return next == StatusDelivering || next == StatusExpired
	case StatusDelivered, StatusDeadLettered, StatusExpired:
		return false
	default:
		return false
	}
}

// ValidateTransition validates a status transition using typed lifecycle rules.
func ValidateTransition(fromRaw, toRaw string) error {
	from, err := ParseStatus(fromRaw)
	if err != nil {
		return fmt.Errorf("from status: %w", err)
	}

	to, err := ParseStatus(toRaw)
	if err != nil {
		return fmt.Errorf("to status: %w", err)
	}

	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", ErrTransitionInvalid, from, to)
	}

	return nil
}

func (status Status) String() string {
	return string(status)
}
