// Package circuitbreaker implements an explicit circuit breaker state
// machine with a rolling failure window, plus a per-endpoint manager with
// state-change listeners.
//
// The breaker opens when failures within a rolling tracking period reach
// the trip threshold and enough requests were observed; after the reset
// interval a single half-open probe decides whether to close again.
package circuitbreaker
