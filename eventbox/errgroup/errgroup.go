package errgroup

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/AltairBanking/lib-eventbox/v2/eventbox/log"
)

// ErrPanicRecovered is returned by Wait when a goroutine in the group
// panicked.
var ErrPanicRecovered = errors.New("errgroup: panic recovered")

// Group manages a set of goroutines sharing a cancellation context. The
// first error returned by any goroutine cancels the group's context and is
// returned by Wait; later errors are discarded. A panicking goroutine does
// not crash the process: the panic is logged, converted to an error and
// propagated like any other failure.
type Group struct {
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	errOnce sync.Once
	err     error
	logger  log.Logger
}

// WithContext returns a new Group and a derived context. The derived
// context is canceled when the first goroutine returns a non-nil error or
// when Wait returns, whichever happens first.
func WithContext(ctx context.Context) (*Group, context.Context) {
	ctx, cancel := context.WithCancel(ctx)

	return &Group{ctx: ctx, cancel: cancel}, ctx
}

// SetLogger attaches a logger used when a goroutine panics.
func (grp *Group) SetLogger(logger log.Logger) {
	if grp == nil {
		return
	}

	grp.logger = logger
}

func (grp *Group) effectiveCtx() context.Context {
	if grp.ctx != nil {
		return grp.ctx
	}

	return context.Background()
}

func (grp *Group) record(err error) {
	grp.errOnce.Do(func() {
		grp.err = err

		if grp.cancel != nil {
			grp.cancel()
		}
	})
}

// Go starts fn on a new goroutine in the Group.
func (grp *Group) Go(fn func() error) {
	grp.wg.Add(1)

	go func() {
		defer grp.wg.Done()
		defer func() {
			if recovered := recover(); recovered != nil {
				if grp.logger != nil {
					grp.logger.Log(grp.effectiveCtx(), log.LevelError, "panic recovered in group",
						log.Any("panic_value", fmt.Sprintf("%v", recovered)),
						log.String("stack", string(debug.Stack())),
					)
				}

				grp.record(fmt.Errorf("%w: %v", ErrPanicRecovered, recovered))
			}
		}()

		if err := fn(); err != nil {
			grp.record(err)
		}
	}()
}

// Wait blocks until every goroutine in the Group has completed, cancels the
// group context, and returns the first recorded error, if any.
func (grp *Group) Wait() error {
	grp.wg.Wait()

	if grp.cancel != nil {
		grp.cancel()
	}

	return grp.err
}
