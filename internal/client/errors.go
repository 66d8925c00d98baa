package client

import (
	"errors"
	"fmt"
)

// Kind classifies a payment-flow failure so callers can decide, per kind,
// whether and how to retry. No component in this package retries on its own.
type Kind string

const (
	// KindNetwork is a transport-level failure on a read path. Safe to
	// retry with backoff.
	KindNetwork Kind = "network_failure"

	// KindNonceFetch is a failed nonce query. Retryable; an intent must
	// never be built without a freshly fetched nonce.
	KindNonceFetch Kind = "nonce_fetch_failure"

	// KindValidation is a clean backend rejection (4xx with a structured
	// reason). Not retryable without rebuilding and re-signing the intent.
	KindValidation Kind = "validation_rejected"

	// KindUserRejected is a declined wallet prompt. Halts the flow; a retry
	// needs a fresh nonce, deadline, and signature.
	KindUserRejected Kind = "user_rejected_signature"

	// KindAmbiguous is a timeout or connection loss during settlement
	// submission: the outcome is unknown. Must be resolved via
	// IsSessionSettled before any further action; never resolved by blind
	// resubmission.
	KindAmbiguous Kind = "ambiguous_outcome"
)

// Error is a kind-tagged payment-flow failure.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the failure kind, or "" for unclassified errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsRetryable reports whether the failure may be retried as-is: transport
// failures and failed nonce fetches only. Validation rejections need a
// rebuilt intent; ambiguous outcomes need resolution first.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindNetwork, KindNonceFetch:
		return true
	}
	return false
}

// IsAmbiguous reports whether the settlement outcome is unknown.
func IsAmbiguous(err error) bool {
	return KindOf(err) == KindAmbiguous
}

// IsValidationRejected reports a clean backend rejection.
func IsValidationRejected(err error) bool {
	return KindOf(err) == KindValidation
}

// IsUserRejected reports a declined wallet prompt.
func IsUserRejected(err error) bool {
	return KindOf(err) == KindUserRejected
}
