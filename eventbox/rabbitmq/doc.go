// Package rabbitmq provides the AMQP connection hub, a confirm-mode publisher,
// and dead-letter topology helpers.
//
// The connection hub keeps a singleton connection and channel, rate-limits
// reconnect attempts, and probes the management API for broker alarms with
// credential-safe error sanitization. ConfirmablePublisher layers publisher
// confirms and automatic channel recovery on top, and the transport in this
// package adapts both to the outbox delivery contract.
package rabbitmq
