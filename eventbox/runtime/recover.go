package runtime

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/AltairBanking/lib-eventbox/v2/eventbox/log"
	"go.opentelemetry.io/otel/trace"
)

// PanicPolicy decides what happens after a panic has been recovered and
// logged.
type PanicPolicy int

const (
	// KeepRunning swallows the panic after logging it. Use for workers
	// that must outlive individual failures.
	KeepRunning PanicPolicy = iota
	// CrashProcess re-panics after logging. Use for operations where
	// continuing in an unknown state would be dangerous.
	CrashProcess
)

// HandlePanicValue converts a recovered panic value into an error.
func HandlePanicValue(recovered any) error {
	if recovered == nil {
		return nil
	}

	if err, ok := recovered.(error); ok {
		return fmt.Errorf("panic: %w", err)
	}

	return fmt.Errorf("panic: %v", recovered)
}

// RecoverAndLog recovers from a panic, logs it with the stack trace and,
// depending on policy, either continues or re-panics. Intended for defer
// statements in workers and handlers.
func RecoverAndLog(ctx context.Context, logger log.Logger, component, name string, policy PanicPolicy) {
	recovered := recover()
	if recovered == nil {
		return
	}

	logPanic(ctx, logger, component, name, recovered, debug.Stack())

	if policy == CrashProcess {
		panic(recovered)
	}
}

func logPanic(ctx context.Context, logger log.Logger, component, name string, recovered any, stack []byte) {
	if ctx == nil {
		ctx = context.Background()
	}

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		span.RecordError(HandlePanicValue(recovered))
	}

	if logger == nil {
		logger = log.NewNop()
	}

	logger.Log(ctx, log.LevelError, "panic recovered",
		log.String("component", component),
		log.String("goroutine", name),
		log.Any("panic_value", fmt.Sprintf("%v", recovered)),
		log.String("stack", string(stack)),
	)
}
