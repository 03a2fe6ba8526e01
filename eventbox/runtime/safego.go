package runtime

import (
	"context"

	"github.com/AltairBanking/lib-eventbox/v2/eventbox/log"
)

// SafeGo runs fn on a new goroutine with panic recovery. A panic inside fn
// is logged with its stack trace and handled per policy; with KeepRunning
// the goroutine exits cleanly instead of crashing the process.
func SafeGo(logger log.Logger, name string, policy PanicPolicy, fn func()) {
	go func() {
		defer RecoverAndLog(context.Background(), logger, "runtime", name, policy)

		fn()
	}()
}

// SafeGoWithContext runs fn on a new goroutine with panic recovery and a
// caller-supplied context. component labels the owning subsystem in panic
// logs.
func SafeGoWithContext(ctx context.Context, logger log.Logger, component, name string, policy PanicPolicy, fn func(context.Context)) {
	if ctx == nil {
		ctx = context.Background()
	}

	go func() {
		defer RecoverAndLog(ctx, logger, component, name, policy)

		fn(ctx)
	}()
}
