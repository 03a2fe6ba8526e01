//go:build unit

package errgroup

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWaitReturnsNilWhenAllSucceed(t *testing.T) {
	t.Parallel()

	grp, _ := WithContext(context.Background())

	var ran atomic.Int32

	for i := 0; i < 3; i++ {
		grp.Go(func() error {
			ran.Add(1)
			return nil
		})
	}

	require.NoError(t, grp.Wait())
	require.EqualValues(t, 3, ran.Load())
}

func TestFirstErrorCancelsContext(t *testing.T) {
	t.Parallel()

	grp, ctx := WithContext(context.Background())
	boom := errors.New("boom")

	grp.Go(func() error {
		return boom
	})
	grp.Go(func() error {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(5 * time.Second):
			return errors.New("context was not canceled")
		}
	})

	require.ErrorIs(t, grp.Wait(), boom)
}

func TestLaterErrorsAreDiscarded(t *testing.T) {
	t.Parallel()

	grp, _ := WithContext(context.Background())
	first := errors.New("first")

	grp.Go(func() error { return first })
	require.ErrorIs(t, grp.Wait(), first)

	grp.Go(func() error { return errors.New("second") })
	require.ErrorIs(t, grp.Wait(), first)
}

func TestPanicBecomesError(t *testing.T) {
	t.Parallel()

	grp, _ := WithContext(context.Background())

	grp.Go(func() error {
		panic("worker exploded")
	})

	err := grp.Wait()
	require.ErrorIs(t, err, ErrPanicRecovered)
	require.Contains(t, err.Error(), "worker exploded")
}

func TestWaitCancelsContextOnReturn(t *testing.T) {
	t.Parallel()

	grp, ctx := WithContext(context.Background())

	grp.Go(func() error { return nil })
	require.NoError(t, grp.Wait())

	select {
	case <-ctx.Done():
	default:
		t.Fatal("group context should be canceled after Wait")
	}
}
