package download

import "fmt"

// FailureKind classifies download failures so the orchestrator can decide
// whether a candidate is retryable.
type FailureKind string

// Failure kinds. Resource-limit kinds (too large, unsafe archive, redirect
// loop) are fatal to the candidate and never retried.
const (
	FailTooLarge         FailureKind = "too_large"
	FailArchiveUnsafe    FailureKind = "archive_unsafe"
	FailTooManyRedirects FailureKind = "too_many_redirects"
	FailHTTPStatus       FailureKind = "http_status"
	FailTransport        FailureKind = "transport"
)

// Error is a typed download failure carrying a human-readable reason.
type Error struct {
	Kind   FailureKind
	Reason string
	Err    error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

// Unwrap exposes the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

func failf(kind FailureKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}
