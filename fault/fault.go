// Package fault defines the error taxonomy shared by the renderbridge
// service. Errors are classified by Kind rather than by concrete type so
// that transports (HTTP status codes, SSE error events) and recovery
// policies can dispatch on the class of failure without knowing which
// package produced it.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a failure. The set is closed; transports map each kind to
// a status code and, where applicable, an SSE event.
type Kind string

const (
	// KindStoreUnavailable indicates the shared store could not be reached.
	// Callers retry on the next operation; the process never exits.
	KindStoreUnavailable Kind = "store_unavailable"
	// KindAuthenticationFailed indicates a missing or invalid credential.
	KindAuthenticationFailed Kind = "authentication_failed"
	// KindAuthorizationFailed indicates a valid credential lacking access.
	KindAuthorizationFailed Kind = "authorization_failed"
	// KindRateLimited indicates the caller exceeded its request budget.
	KindRateLimited Kind = "rate_limited"
	// KindUnknownTool indicates a tool request named an unregistered tool.
	KindUnknownTool Kind = "unknown_tool"
	// KindInvalidArguments indicates a malformed tool argument map.
	KindInvalidArguments Kind = "invalid_arguments"
	// KindValidationError indicates DSL content that failed validation.
	KindValidationError Kind = "validation_error"
	// KindToolTimeout indicates a tool call exceeded its deadline.
	KindToolTimeout Kind = "tool_timeout"
	// KindToolParse indicates tool output that could not be decoded.
	KindToolParse Kind = "tool_parse"
	// KindBrowserPool indicates a failure inside the headless renderer.
	KindBrowserPool Kind = "browser_pool"
	// KindConnectionBackpressure indicates a connection queue overflow.
	KindConnectionBackpressure Kind = "connection_backpressure"
	// KindResultSerialize indicates a result payload that could not be
	// JSON-encoded; callers fall back to a minimal result shape.
	KindResultSerialize Kind = "result_serialize"
	// KindInternal is the unclassified terminal failure.
	KindInternal Kind = "internal"
)

// Error is a classified failure. It wraps an optional cause and carries
// structured details for error envelopes.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]any
	cause   error
}

// New constructs a classified error with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs a classified error around a cause. The cause is reachable
// through errors.Unwrap.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: cause}
}

// WithDetails attaches structured details and returns the error for chaining.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error { return e.cause }

// Is reports whether target is a fault error of the same kind. This makes
// errors.Is(err, &Error{Kind: k}) and the KindOf helper work through wraps.
func (e *Error) Is(target error) bool {
	var fe *Error
	if !errors.As(target, &fe) {
		return false
	}
	return fe.Kind == e.Kind
}

// KindOf returns the kind of err if it is (or wraps) a fault error, and
// KindInternal otherwise.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindInternal
}

// IsKind reports whether err is (or wraps) a fault error of the given kind.
func IsKind(err error, kind Kind) bool {
	var fe *Error
	return errors.As(err, &fe) && fe.Kind == kind
}
