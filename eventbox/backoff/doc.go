// Package backoff provides the bounded incremental retry policy used for
// message delivery, plus jitter and context-aware waiting for connection
// recovery.
package backoff
