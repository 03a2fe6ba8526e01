//go:build unit

package dedup

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// testClock is a manually advanced clock shared by window tests.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
}

func TestNewMemoryWindowRejectsInvalidPeriod(t *testing.T) {
	t.Parallel()

	_, err := NewMemoryWindow(0)
	require.ErrorIs(t, err, ErrInvalidPeriod)

	_, err = NewMemoryWindow(-time.Minute)
	require.ErrorIs(t, err, ErrInvalidPeriod)
}

func TestMemoryWindowSuppressesSecondClaim(t *testing.T) {
	t.Parallel()

	window, err := NewMemoryWindow(5 * time.Minute)
	require.NoError(t, err)

	id := uuid.New()

	first, err := window.Claim(context.Background(), id)
	require.NoError(t, err)
	require.True(t, first)

	second, err := window.Claim(context.Background(), id)
	require.NoError(t, err)
	require.False(t, second)

	other, err := window.Claim(context.Background(), uuid.New())
	require.NoError(t, err)
	require.True(t, other)
}

func TestMemoryWindowAdmitsAfterExpiry(t *testing.T) {
	t.Parallel()

	clock := newTestClock()

	window, err := NewMemoryWindow(5 * time.Minute)
	require.NoError(t, err)

	window.now = clock.Now

	id := uuid.New()

	first, err := window.Claim(context.Background(), id)
	require.NoError(t, err)
	require.True(t, first)

	clock.Advance(4 * time.Minute)

	inside, err := window.Claim(context.Background(), id)
	require.NoError(t, err)
	require.False(t, inside)

	clock.Advance(time.Minute + time.Second)

	after, err := window.Claim(context.Background(), id)
	require.NoError(t, err)
	require.True(t, after)
}

func TestMemoryWindowSweepDropsExpiredEntries(t *testing.T) {
	t.Parallel()

	clock := newTestClock()

	window, err := NewMemoryWindow(time.Minute)
	require.NoError(t, err)

	window.now = clock.Now

	for range 10 {
		_, err := window.Claim(context.Background(), uuid.New())
		require.NoError(t, err)
	}

	require.Equal(t, 10, window.Len())

	clock.Advance(2 * time.Minute)

	_, err = window.Claim(context.Background(), uuid.New())
	require.NoError(t, err)

	require.Equal(t, 1, window.Len())
}

func TestMemoryWindowSingleWinnerUnderContention(t *testing.T) {
	t.Parallel()

	window, err := NewMemoryWindow(time.Minute)
	require.NoError(t, err)

	id := uuid.New()

	const claimers = 32

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)

	for range claimers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			first, claimErr := window.Claim(context.Background(), id)
			require.NoError(t, claimErr)

			if first {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}

	wg.Wait()

	require.Equal(t, 1, wins)
}

func TestMemoryWindowRejectsNilID(t *testing.T) {
	t.Parallel()

	window, err := NewMemoryWindow(time.Minute)
	require.NoError(t, err)

	_, err = window.Claim(context.Background(), uuid.Nil)
	require.ErrorIs(t, err, ErrNilID)
}

func TestNoopAdmitsEveryClaim(t *testing.T) {
	t.Parallel()

	var window Noop

	id := uuid.New()

	for range 3 {
		first, err := window.Claim(context.Background(), id)
		require.NoError(t, err)
		require.True(t, first)
	}

	_, err := window.Claim(context.Background(), uuid.Nil)
	require.ErrorIs(t, err, ErrNilID)
}

func TestNewRedisWindowValidation(t *testing.T) {
	t.Parallel()

	_, err := NewRedisWindow(nil, time.Minute)
	require.ErrorIs(t, err, ErrNilClient)
}
