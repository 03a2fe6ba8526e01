// Package config centralizes environment configuration for outbox
// deployments.
//
// It provides typed accessors over environment variables and two knob
// structs populated through struct `env` tags: Delivery, covering every
// delivery policy value the dispatcher stack consumes, and Broker,
// selecting and parameterizing the outbound broker backend. Both validate
// at load time so a misconfigured process refuses to start instead of
// running with silently broken policies.
//
// Nothing outside this package and the cmd entrypoints reads the
// environment.
package config
