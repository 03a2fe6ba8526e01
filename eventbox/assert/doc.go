// Package assert provides invariant assertions for constructors and
// parsers. Failed assertions return a sentinel-wrapped error and log the
// failure with component/operation labels; they never panic.
package assert
