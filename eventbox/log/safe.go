package log

import (
	"context"
	"fmt"
)

// SafeError logs an error with production-aware detail. When production is
// true only the concrete error type is logged, so infrastructure errors
// cannot leak connection strings or credentials into aggregated logs
// (CWE-209).
func SafeError(logger Logger, ctx context.Context, msg string, err error, production bool) {
	if logger == nil {
		return
	}

	if err == nil {
		return
	}

	if !logger.Enabled(LevelError) {
		return
	}

	if production {
		logger.Log(ctx, LevelError, msg, String("error_type", fmt.Sprintf("%T", err)))
		return
	}

	logger.Log(ctx, LevelError, msg, Err(err))
}
