// Package redis provides Redis/Valkey client helpers with topology support
// and redsync-backed distributed locking.
//
// Supported deployment modes include standalone, sentinel, and cluster.
// The Client reconnects on demand with exponential backoff between failed
// attempts, and RedisLockManager serializes work across dispatcher replicas,
// most notably the outbox janitor's retention sweep.
package redis
