// Package zap implements the module's log.Logger interface on top of
// go.uber.org/zap, with per-environment profiles and an OpenTelemetry
// log-bridge tee.
package zap
