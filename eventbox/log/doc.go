// Package log defines the structured logging interface and typed fields
// shared by every component in the module.
//
// Adapters (such as the zap package) implement Logger so callers keep one
// logging surface regardless of backend.
package log
