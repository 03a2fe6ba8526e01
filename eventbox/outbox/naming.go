package outbox

import "fmt"

// Broker naming contract: a domain publishes to "{domain}-events" and a
// consuming service subscribes through "{consumer}-service". Both broker
// transports build their topology from these names, so they are the
// wire-level compatibility surface and are validated before use.
const (
	topicSuffix        = "-events"
	subscriptionSuffix = "-service"

	maxBrokerNameLength = 200
)

// TopicName returns the topic the given domain publishes to.
func TopicName(domain string) (string, error) {
	if err := validateBrokerSegment(domain); err != nil {
		return "", fmt.Errorf("topic name: %w", err)
	}

	return domain + topicSuffix, nil
}

// SubscriptionName returns the subscription a consuming service binds to.
func SubscriptionName(consumer string) (string, error) {
	if err := validateBrokerSegment(consumer); err != nil {
		return "", fmt.Errorf("subscription name: %w", err)
	}

	return consumer + subscriptionSuffix, nil
}

// validateBrokerSegment accepts lowercase kebab-style names that both AMQP
// exchange names and Kafka topic names tolerate.
func validateBrokerSegment(segment string) error {
	if segment == "" {
		return ErrBrokerNameRequired
	}

	if len(segment) > maxBrokerNameLength {
		return fmt.Errorf("%w: %q exceeds %d characters", ErrBrokerNameInvalid, segment, maxBrokerNameLength)
	}

	for i := 0; i < len(segment); i++ {
		c := segment[i]

		switch {
		case c >= 'a' && c <= 'z' || c >= '0' && c <= '9':
		case c == '-' || c == '_' || c == '.':
			if i == 0 || i == len(segment)-1 {
				return fmt.Errorf("%w: %q must not start or end with a separator", ErrBrokerNameInvalid, segment)
			}
		default:
			return fmt.Errorf("%w: %q contains %q", ErrBrokerNameInvalid, segment, string(c))
		}
	}

	return nil
}
