// Package outbox implements the transactional outbox: staging domain events
// as durable messages inside the business transaction, and a background
// dispatcher that claims due messages and delivers them through a broker
// transport guarded by retry, circuit-breaker, and duplicate-detection
// policies. PostgreSQL persistence lives in the postgres subpackage.
package outbox
