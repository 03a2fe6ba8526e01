//go:build unit

package outbox

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSourceResolver_Resolve(t *testing.T) {
	t.Parallel()

	tests := []struct {
		eventType string
		want      string
	}{
		{eventType: "AccountCreatedEvent", want: "Account"},
		{eventType: "AccountClosedEvent", want: "Account"},
		{eventType: "UserRegisteredEvent", want: "User"},
		{eventType: "PaymentFailedEvent", want: "Payment"},
		{eventType: "PaymentProcessedEvent", want: "Payment"},
		{eventType: "TransactionCancelledEvent", want: "Transaction"},
		{eventType: "CardDeactivatedEvent", want: "Card"},
		{eventType: "LoanApprovedEvent", want: "Loan"},
		// No action word: the trimmed name is the domain.
		{eventType: "LedgerEvent", want: "Ledger"},
		// No Event suffix either.
		{eventType: "AuditTrail", want: "AuditTrail"},
	}

	resolver := NewSourceResolver()

	for _, tt := range tests {
		t.Run(tt.eventType, func(t *testing.T) {
			require.Equal(t, tt.want, resolver.Resolve(tt.eventType))
		})
	}
}

func TestSourceResolver_ResolveIsStableUnderConcurrency(t *testing.T) {
	t.Parallel()

	resolver := NewSourceResolver()

	var wg sync.WaitGroup

	results := make([]string, 32)

	for i := range results {
		wg.Add(1)

		go func(slot int) {
			defer wg.Done()

			results[slot] = resolver.Resolve("AccountSuspendedEvent")
		}(i)
	}

	wg.Wait()

	for _, got := range results {
		require.Equal(t, "Account", got)
	}
}
