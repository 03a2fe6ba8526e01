package uow

import "errors"

var (
	// ErrNilDB indicates a session was opened without a database handle.
	ErrNilDB = errors.New("uow: database handle is nil")
	// ErrFinished indicates an operation on a session whose transaction has
	// already committed or rolled back.
	ErrFinished = errors.New("uow: session already finished")
	// ErrInvalidTransition indicates a save-state transition that the
	// lifecycle does not allow.
	ErrInvalidTransition = errors.New("uow: invalid state transition")
)
