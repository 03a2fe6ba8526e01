// Package postgres stores outbox messages in a PostgreSQL table.
//
// Claim operations lock their rows with FOR UPDATE SKIP LOCKED inside a
// transaction, so any number of dispatcher replicas can poll the same table
// and each message is handed to exactly one of them. Status changes guard on
// the expected current status and report a lost race as
// ErrStateTransitionConflict instead of silently double-writing.
//
// The expected table layout ships as a golang-migrate migration under
// migrations/ at the repository root; WithTableName points the repository at
// a differently named table with the same columns.
package postgres
