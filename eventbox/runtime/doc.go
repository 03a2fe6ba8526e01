// Package runtime provides panic-safe goroutine helpers. Background workers
// (dispatcher loops, launcher apps) use SafeGo so a panic in one worker is
// logged with its stack instead of taking the process down.
package runtime
