// Package uow provides the save-transaction unit of work that binds business
// writes and outbox staging into one atomic commit.
//
// A Session wraps a single database transaction and a set of tracked
// entities. Save drives the full pipeline: registered hooks stage outbox rows
// inside the open transaction, the transaction commits, and only after the
// commit is confirmed do post-commit hooks run (their errors are logged and
// swallowed, never surfaced, because the data is already durable). Commit is
// the plain persistence path: it skips every hook, warning when tracked
// aggregates still carry pending events, so state changes with event
// consumers must go through Save.
//
// A Session is confined to one request and is not safe for concurrent use.
package uow
