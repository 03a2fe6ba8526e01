// Package dedup provides a duplicate-detection window for message delivery.
//
// A Window remembers message ids for a configured period. The first Claim for
// an id succeeds and every subsequent Claim inside the period is reported as a
// duplicate, which lets the dispatcher suppress double publication when two
// workers race over the same row or a delivery is retried after a partial
// failure. Two implementations are provided: an in-process MemoryWindow for
// single-instance deployments and tests, and a RedisWindow that shares the
// window across dispatcher replicas.
package dedup
