// Package eventbox provides the shared plumbing used across the outbox
// library: request-scoped tracking (logger, tracer, correlation id) carried
// through context, environment variable helpers, and the Launcher/App pair
// that supervises long-running components such as the dispatcher and the
// retention janitor.
//
// Typical usage at process start:
//
//	ctx = eventbox.ContextWithLogger(ctx, logger)
//	ctx = eventbox.ContextWithTracer(ctx, tracer)
//	ctx = eventbox.ContextWithHeaderID(ctx, correlationID)
//
// This package is intentionally dependency-light; specialized integrations
// live in subpackages such as outbox, postgres, rabbitmq, kafka and redis.
package eventbox
