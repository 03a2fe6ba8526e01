// Package errgroup provides a panic-safe goroutine group with first-error
// cancellation, used to supervise the delivery loop and the retention
// janitor side by side.
package errgroup
