// Package errs defines the structured error taxonomy the turn dispatcher
// and the sign-in flow machine use to surface failures to callers (spec
// §7). Every error carries a Kind, a message, and a machine-readable
// context map, and supports errors.Is/errors.As the standard way.
//
// The reference implementation mostly wraps errors with plain
// fmt.Errorf("...: %w", err); that style is kept for purely internal
// wiring failures (see resolver.go, auth.go). This taxonomy exists
// specifically for the errors spec §7 requires the dispatcher and flow
// machine to recognize and branch on.
package errs

import (
	"errors"
	"fmt"
)

// Kind enumerates the error taxonomy of spec §7.
type Kind string

const (
	KindInvalidActivity    Kind = "invalid-activity"
	KindTimeout            Kind = "timeout"
	KindUserCancelled      Kind = "user-cancelled"
	KindConsentRequired    Kind = "consent-required"
	KindInvalidSignIn      Kind = "invalid-sign-in"
	KindOBONotExchangeable Kind = "obo-not-exchangeable"
	KindOBONotSupported    Kind = "obo-not-supported"
	KindOBOExchangeFailed  Kind = "obo-exchange-failed"
	KindDuplicateExchange  Kind = "duplicate-exchange"
	KindQueueFull          Kind = "queue-full"
	KindETagMismatch       Kind = "etag-mismatch"
	KindSignInError        Kind = "sign-in-error"
	KindTokenServiceError  Kind = "token-service-unexpected"

	// KindTokenServiceExchangeFailed is a transport-layer exchange failure
	// reported by the token service itself (spec §6.4), distinct from
	// KindOBOExchangeFailed, which means the OBO provider raised (spec
	// §4.4.5 step 3). Callers that decide whether to sign a user out on an
	// OBO failure must not treat a plain exchange-call failure the same
	// way.
	KindTokenServiceExchangeFailed Kind = "token-service-exchange-failed"
)

// Error is a structured, taxonomy-tagged error.
type Error struct {
	Kind    Kind
	Message string
	Context map[string]interface{}
	cause   error
}

// New creates a taxonomy error with the given kind and message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates a taxonomy error with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a taxonomy error that wraps an underlying cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// WithContext attaches machine-readable context and returns the receiver
// for chaining.
func (e *Error) WithContext(key string, value interface{}) *Error {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the wrapped cause for errors.Is/errors.As.
func (e *Error) Unwrap() error { return e.cause }

// Is reports whether target is a taxonomy error of the same Kind,
// enabling errors.Is(err, errs.New(errs.KindTimeout, "")) style checks
// without requiring an exact message match.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

// KindOf extracts the Kind of err if it is (or wraps) a taxonomy Error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// Is reports whether err carries the given taxonomy Kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
