// Package opentelemetry provides small helpers on top of the OpenTelemetry
// API: span error recording and W3C trace context propagation through
// broker message headers, so a consumer can continue the trace that
// produced an outbox message.
package opentelemetry
