// Package dserr defines the error kinds surfaced by the delivery service and
// their mapping to HTTP status codes and wire error codes. Ordering conflicts
// (StaleEpoch, EpochConflict) and Gone are control conditions carried as
// values through reply channels; only unrecoverable failures propagate as
// wrapped Go errors.
package dserr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for wire mapping and retry semantics.
type Kind int

const (
	KindInternal Kind = iota
	KindUnauthenticated
	KindForbidden
	KindNotFound
	KindConflict
	KindStaleEpoch
	KindEpochConflict
	KindRateLimited
	KindGone
	KindPayloadTooLarge
	KindValidation
	KindNoAvailablePackage
)

// Error is a service error with a kind, a stable wire code, and a
// human-readable message. CurrentEpoch is set on StaleEpoch so the caller can
// refetch server truth and retry; RetryAfterSeconds is set on RateLimited.
type Error struct {
	Kind              Kind
	Code              string
	Message           string
	CurrentEpoch      uint64
	RetryAfterSeconds int
	cause             error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// HTTPStatus returns the HTTP status code for the error kind.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound, KindNoAvailablePackage:
		return http.StatusNotFound
	case KindConflict, KindStaleEpoch, KindEpochConflict:
		return http.StatusConflict
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindGone:
		return http.StatusGone
	case KindPayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case KindValidation:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// Unauthenticated reports a missing or unverifiable bearer token.
func Unauthenticated(code, message string) *Error {
	return &Error{Kind: KindUnauthenticated, Code: code, Message: message}
}

// Forbidden reports an authorization failure (non-member, non-admin).
func Forbidden(message string) *Error {
	return &Error{Kind: KindForbidden, Code: "forbidden", Message: message}
}

// NotFound reports a missing entity.
func NotFound(message string) *Error {
	return &Error{Kind: KindNotFound, Code: "not_found", Message: message}
}

// Conflict reports a request that collides with existing state: an
// idempotency key reused with a different payload or still in flight, a
// duplicate of a uniquely keyed entity, or a full key-package pool.
func Conflict(message string) *Error {
	return &Error{Kind: KindConflict, Code: "conflict", Message: message}
}

// StaleEpoch reports that the caller's epoch is behind server truth. The
// caller must refetch and retry at currentEpoch.
func StaleEpoch(currentEpoch uint64) *Error {
	return &Error{
		Kind:         KindStaleEpoch,
		Code:         "stale_epoch",
		Message:      fmt.Sprintf("conversation is at epoch %d", currentEpoch),
		CurrentEpoch: currentEpoch,
	}
}

// EpochConflict reports that a concurrent commit won the race, typically
// because a named key package was already consumed.
func EpochConflict(message string) *Error {
	return &Error{Kind: KindEpochConflict, Code: "epoch_conflict", Message: message}
}

// RateLimited reports throttling with a retry-after hint in seconds.
func RateLimited(retryAfter int) *Error {
	return &Error{
		Kind:              KindRateLimited,
		Code:              "rate_limited",
		Message:           "too many requests",
		RetryAfterSeconds: retryAfter,
	}
}

// Gone reports a Welcome whose grace window has elapsed.
func Gone(message string) *Error {
	return &Error{Kind: KindGone, Code: "gone", Message: message}
}

// PayloadTooLarge reports an oversized ciphertext or body.
func PayloadTooLarge(message string) *Error {
	return &Error{Kind: KindPayloadTooLarge, Code: "payload_too_large", Message: message}
}

// Validation reports malformed input.
func Validation(message string) *Error {
	return &Error{Kind: KindValidation, Code: "invalid_request", Message: message}
}

// NoAvailablePackage reports an empty key-package pool for a device.
func NoAvailablePackage(deviceMLSDID string) *Error {
	return &Error{
		Kind:    KindNoAvailablePackage,
		Code:    "no_key_packages",
		Message: fmt.Sprintf("no available key packages for %s", deviceMLSDID),
	}
}

// Internal wraps an unrecoverable failure. The cause is logged server-side
// and never surfaced to clients.
func Internal(cause error) *Error {
	return &Error{Kind: KindInternal, Code: "internal_error", Message: "internal error", cause: cause}
}

// From converts any error into an *Error, passing through typed errors and
// wrapping everything else as Internal.
func From(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Internal(err)
}

// IsKind reports whether err is a service error of the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}
