package outbox

import (
	"strings"
	"sync"
)

// actionWords are the recognized trailing action names, scanned in order.
// Matching is case sensitive, so Deactivated never collides with Activated.
var actionWords = []string{
	"Created",
	"Registered",
	"Updated",
	"Deleted",
	"Activated",
	"Deactivated",
	"Suspended",
	"Closed",
	"Opened",
	"Processed",
	"Completed",
	"Failed",
	"Cancelled",
	"Approved",
	"Rejected",
}

const eventTypeSuffix = "Event"

// SourceResolver derives the Source header from an event type name and
// memoizes results. Each resolver owns its cache, so sharing is an explicit
// wiring decision rather than package-level state.
type SourceResolver struct {
	mu   sync.RWMutex
	memo map[string]string
}

// NewSourceResolver builds an empty resolver.
func NewSourceResolver() *SourceResolver {
	return &SourceResolver{memo: make(map[string]string)}
}

// Resolve returns the source for eventType, computing and caching it on
// first sight. Safe for concurrent use.
func (resolver *SourceResolver) Resolve(eventType string) string {
	resolver.mu.RLock()
	source, ok := resolver.memo[eventType]
	resolver.mu.RUnlock()

	if ok {
		return source
	}

	source = deriveSource(eventType)

	resolver.mu.Lock()
	resolver.memo[eventType] = source
	resolver.mu.Unlock()

	return source
}

// deriveSource strips a trailing "Event" suffix, then the first action word
// the remaining name ends with. What is left names the producing domain:
// AccountClosedEvent yields Account, LedgerEvent yields Ledger.
func deriveSource(eventType string) string {
	name := strings.TrimSuffix(eventType, eventTypeSuffix)

	for _, action := range actionWords {
		if trimmed, ok := strings.CutSuffix(name, action); ok {
			return trimmed
		}
	}

	return name
}
