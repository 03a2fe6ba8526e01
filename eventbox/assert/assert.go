package assert

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/AltairBanking/lib-eventbox/v2/eventbox/log"
	"go.opentelemetry.io/otel/trace"
)

// maxValueLength bounds how much of an attached value ends up in logs and
// error details.
const maxValueLength = 128

// ErrAssertionFailed is the sentinel error for failed assertions.
var ErrAssertionFailed = errors.New("assertion failed")

// AssertionError is a failed assertion with its labels and detail pairs.
type AssertionError struct {
	Assertion string
	Message   string
	Component string
	Operation string
	Details   string
}

// Error returns the formatted assertion failure message.
func (entry *AssertionError) Error() string {
	if entry == nil {
		return ErrAssertionFailed.Error()
	}

	if entry.Details == "" {
		return "assertion failed: " + entry.Message
	}

	return "assertion failed: " + entry.Message + " (" + entry.Details + ")"
}

// Unwrap returns the sentinel assertion error for errors.Is.
func (entry *AssertionError) Unwrap() error {
	return ErrAssertionFailed
}

// Asserter evaluates invariants and logs failures with component/operation
// labels. A nil logger is replaced with the nop logger.
type Asserter struct {
	logger    log.Logger
	component string
	operation string
}

// New creates an Asserter labeled with component and operation.
func New(_ context.Context, logger log.Logger, component, operation string) *Asserter {
	if logger == nil {
		logger = log.NewNop()
	}

	return &Asserter{
		logger:    logger,
		component: component,
		operation: operation,
	}
}

// That returns an error when ok is false. kv is an alternating key/value
// detail list attached to the failure.
func (asserter *Asserter) That(ctx context.Context, ok bool, msg string, kv ...any) error {
	if ok {
		return nil
	}

	return asserter.fail(ctx, "that", msg, kv...)
}

// NotNil returns an error when v is nil, including typed nils inside
// interfaces.
func (asserter *Asserter) NotNil(ctx context.Context, v any, msg string, kv ...any) error {
	if !isNil(v) {
		return nil
	}

	return asserter.fail(ctx, "not_nil", msg, kv...)
}

// NotEmpty returns an error when s is empty.
func (asserter *Asserter) NotEmpty(ctx context.Context, s, msg string, kv ...any) error {
	if s != "" {
		return nil
	}

	return asserter.fail(ctx, "not_empty", msg, kv...)
}

// NoError returns an error when err is non-nil, preserving err in the
// detail pairs.
func (asserter *Asserter) NoError(ctx context.Context, err error, msg string, kv ...any) error {
	if err == nil {
		return nil
	}

	kv = append(kv, "cause", err.Error())

	return asserter.fail(ctx, "no_error", msg, kv...)
}

// Never always fails. Use for unreachable code paths.
func (asserter *Asserter) Never(ctx context.Context, msg string, kv ...any) error {
	return asserter.fail(ctx, "never", msg, kv...)
}

func (asserter *Asserter) fail(ctx context.Context, assertion, msg string, kv ...any) error {
	if ctx == nil {
		ctx = context.Background()
	}

	details := formatDetails(kv)

	entry := &AssertionError{
		Assertion: assertion,
		Message:   msg,
		Component: asserter.component,
		Operation: asserter.operation,
		Details:   details,
	}

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		span.RecordError(entry)
	}

	asserter.logger.Log(ctx, log.LevelError, "assertion failed",
		log.String("assertion", assertion),
		log.String("component", asserter.component),
		log.String("operation", asserter.operation),
		log.String("message", msg),
		log.String("details", details),
	)

	return entry
}

func formatDetails(kv []any) string {
	if len(kv) == 0 {
		return ""
	}

	parts := make([]string, 0, (len(kv)+1)/2)

	for i := 0; i < len(kv); i += 2 {
		key := truncateValue(kv[i])

		if i+1 >= len(kv) {
			parts = append(parts, key)
			continue
		}

		parts = append(parts, key+"="+truncateValue(kv[i+1]))
	}

	return strings.Join(parts, " ")
}

// truncateValue bounds logged values to keep entries small and reduce the
// chance of spilling sensitive payloads.
func truncateValue(v any) string {
	s := fmt.Sprintf("%v", v)
	if len(s) > maxValueLength {
		return s[:maxValueLength] + "..."
	}

	return s
}

func isNil(v any) bool {
	if v == nil {
		return true
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Chan, reflect.Func, reflect.Interface, reflect.Map, reflect.Pointer, reflect.Slice:
		return rv.IsNil()
	default:
		return false
	}
}
