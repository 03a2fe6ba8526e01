package uow

import "fmt"

// State represents the lifecycle position of a save transaction.
//
// Semantics:
//   - IDLE: transaction open, business writes in progress.
//   - PRE_COMMIT: pre-commit hooks running inside the transaction.
//   - COMMITTED: transaction durably committed.
//   - EVENTS_CLEARED: post-commit hooks finished; terminal state.
//   - ROLLED_BACK: transaction aborted; terminal state.
//
// Transitions:
//
//	IDLE → PRE_COMMIT | ROLLED_BACK
//	PRE_COMMIT → COMMITTED | ROLLED_BACK
//	COMMITTED → EVENTS_CLEARED
type State string

const (
	// StateIdle marks a session whose transaction is open for business writes.
	StateIdle State = "IDLE"
	// StatePreCommit marks a session running pre-commit hooks in the transaction.
	StatePreCommit State = "PRE_COMMIT"
	// StateCommitted marks a session whose transaction committed.
	StateCommitted State = "COMMITTED"
	// StateEventsCleared marks a session whose post-commit hooks completed.
	StateEventsCleared State = "EVENTS_CLEARED"
	// StateRolledBack marks a session whose transaction was aborted.
	StateRolledBack State = "ROLLED_BACK"
)

// Terminal reports whether no further transitions are allowed from s.
func (s State) Terminal() bool {
	return s == StateEventsCleared || s == StateRolledBack
}

// CanTransitionTo reports whether the lifecycle allows moving from s to next.
func (s State) CanTransitionTo(next State) bool {
	switch s {
	case StateIdle:
		return next == StatePreCommit || next == StateRolledBack
	case StatePreCommit:
		return next == StateCommitted || next == StateRolledBack
	case StateCommitted:
		return next == StateEventsCleared
	default:
		return false
	}
}

// transition validates and applies a state change on the session.
func (session *Session) transition(next State) error {
	if !session.state.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, session.state, next)
	}

	session.state = next

	return nil
}
