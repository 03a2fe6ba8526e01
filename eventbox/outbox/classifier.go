package outbox

// RetryClassifier decides whether a delivery error is permanent. Messages
// failing with a non-retryable error are dead-lettered immediately instead of
// burning through their remaining attempts.
type RetryClassifier interface {
	IsNonRetryable(err error) bool
}

// RetryClassifierFunc adapts a plain function to RetryClassifier.
type RetryClassifierFunc func(err error) bool

func (fn RetryClassifierFunc) IsNonRetryable(err error) bool {
	if fn == nil {
		return false
	}

	return fn(err)
}
