// Package postgres manages PostgreSQL connections for services that split
// reads and writes across a primary/replica pair.
//
// Client wraps both pools behind a dbresolver handle with lazy, rate-limited
// reconnects and credential-scrubbed connection errors. Transactional work
// that must not land on a replica, such as staging outbox messages alongside
// business writes, goes through Client.Primary.
//
// Migrator applies golang-migrate schema migrations as an explicit startup
// step, never implicitly during Connect.
package postgres
