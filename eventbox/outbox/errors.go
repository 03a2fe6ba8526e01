package outbox

import "errors"

var (
	ErrMessageRequired        = errors.New("outbox message is required")
	ErrMessageTypeRequired    = errors.New("outbox message type is required")
	ErrRepositoryRequired     = errors.New("outbox repository is required")
	ErrWriterRequired         = errors.New("outbox writer is required")
	ErrPublisherRequired      = errors.New("broker publisher is required")
	ErrTransportRequired      = errors.New("broker transport is required")
	ErrDispatcherRequired     = errors.New("outbox dispatcher is required")
	ErrDispatcherRunning      = errors.New("outbox dispatcher is already running")
	ErrJanitorRequired        = errors.New("outbox janitor is required")
	ErrJanitorRunning         = errors.New("outbox janitor is already running")
	ErrScheduleRequired       = errors.New("janitor schedule is required")
	ErrPayloadRequired        = errors.New("outbox message payload is required")
	ErrPayloadTooLarge        = errors.New("outbox message payload exceeds maximum allowed size")
	ErrPayloadNotJSON         = errors.New("outbox message payload must be valid JSON (stored as JSONB)")
	ErrStatusInvalid          = errors.New("invalid outbox message status")
	ErrTransitionInvalid      = errors.New("invalid outbox message status transition")
	ErrDuplicateInFlight      = errors.New("message delivery suppressed by duplicate detection window")
	ErrMessageExpired         = errors.New("outbox message time to live has elapsed")
	ErrInvalidTimeToLive      = errors.New("time to live must be positive")
	ErrSourceResolverRequired = errors.New("source resolver is required")
	ErrNonRetryable           = errors.New("delivery failed with a non-retryable error")
	ErrBrokerNameRequired     = errors.New("broker name segment is required")
	ErrBrokerNameInvalid      = errors.New("broker name segment is invalid")
)
