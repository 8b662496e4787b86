package routererr

import (
	"errors"
	"fmt"
	"time"
)

// Kind is the machine-readable classification of a router error.
type Kind string

const (
	KindPoolNotFound        Kind = "pool_not_found"
	KindNoHealthyEndpoint   Kind = "no_healthy_endpoint"
	KindCircuitOpen         Kind = "circuit_open"
	KindBudgetExceeded      Kind = "budget_exceeded"
	KindProviderUnavailable Kind = "provider_unavailable"
	KindTransformation      Kind = "transformation_error"

	// Provider-side classes passed through from the external invocation.
	KindUnavailable     Kind = "unavailable"
	KindQuotaExceeded   Kind = "quota_exceeded"
	KindPaymentRequired Kind = "payment_required"
	KindRateLimited     Kind = "rate_limited"
	KindTimeout         Kind = "timeout"

	// Caller-side classes. These never count against a provider's circuit.
	KindInvalidRequest Kind = "invalid_request"
)

// Error carries a machine-readable kind, a human-readable message and an
// optional suggested retry delay (zero when not applicable).
type Error struct {
	Kind       Kind
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is makes errors.Is match on kind, so sentinel comparisons like
// errors.Is(err, routererr.New(KindCircuitOpen, "")) work across wrapping.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Kind == t.Kind
}

// New creates an error with the given kind and message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates an error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an error that wraps an underlying cause.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// WithRetryAfter returns a copy of the error carrying a suggested retry delay.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	clone := *e
	clone.RetryAfter = d
	return &clone
}

// KindOf extracts the kind of an error, or empty string for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	return errors.Is(err, &Error{Kind: kind})
}

// IsCallerError reports whether the error is attributable to the caller
// (bad request shape, misconfigured transformation rule) rather than the
// provider. Caller errors never count as circuit-breaker failures.
func IsCallerError(err error) bool {
	switch KindOf(err) {
	case KindInvalidRequest, KindTransformation, KindBudgetExceeded:
		return true
	}
	return false
}
