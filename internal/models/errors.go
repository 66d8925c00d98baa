package models

import (
	"errors"
	"fmt"
)

// Common payment and ledger errors
var (
	// Account errors
	ErrAccountNotFound = errors.New("account not found")
	ErrInvalidAddress  = errors.New("invalid account address")

	// Intent errors
	ErrInvalidAmount    = errors.New("amount must be a non-negative smallest-unit integer")
	ErrDeadlineExpired  = errors.New("payment intent deadline has passed")
	ErrInvalidSessionID = errors.New("invalid session identifier")
	ErrInvalidSignature = errors.New("signature does not match payer")
	ErrNonceMismatch    = errors.New("nonce does not match next expected nonce")

	// Session errors
	ErrSessionAlreadySettled = errors.New("session already settled")
	ErrSessionNotFound       = errors.New("session not found")
	ErrSettlementPending     = errors.New("settlement confirmation pending")

	// Ledger errors
	ErrMissingTxHash      = errors.New("transaction hash is required")
	ErrVideoNotFound      = errors.New("video not found")
	ErrInvalidServiceType = errors.New("invalid service type")

	// Chain errors
	ErrChainConnection = errors.New("escrow chain connection error")
	ErrChainCall       = errors.New("escrow contract call failed")
)

// TxPendingError reports a transaction that was accepted by the network but
// whose confirmation was not observed in time. The funds may still have
// moved; callers must not treat this as a clean failure.
type TxPendingError struct {
	TxHash string
}

func (e *TxPendingError) Error() string {
	return fmt.Sprintf("transaction %s broadcast but unconfirmed", e.TxHash)
}

// PaymentError is a structured error with a machine-readable code and
// additional context, suitable for rendering as an API error body.
type PaymentError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	Cause   error                  `json:"-"`
}

// Error implements the error interface
func (e *PaymentError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *PaymentError) Unwrap() error {
	return e.Cause
}

// NewPaymentError creates a new PaymentError
func NewPaymentError(code, message string, cause error) *PaymentError {
	return &PaymentError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *PaymentError) WithDetail(key string, value interface{}) *PaymentError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Error codes for structured error handling
const (
	ErrCodeAccountNotFound   = "ACCOUNT_NOT_FOUND"
	ErrCodeInvalidAddress    = "INVALID_ADDRESS"
	ErrCodeInvalidAmount     = "INVALID_AMOUNT"
	ErrCodeDeadlineExpired   = "DEADLINE_EXPIRED"
	ErrCodeSignatureInvalid  = "SIGNATURE_MISMATCH"
	ErrCodeNonceMismatch     = "NONCE_MISMATCH"
	ErrCodeSessionSettled    = "SESSION_ALREADY_SETTLED"
	ErrCodeSessionNotFound   = "SESSION_NOT_FOUND"
	ErrCodeSettlementPending = "SETTLEMENT_PENDING"
	ErrCodeInvalidService    = "INVALID_SERVICE_TYPE"
	ErrCodeMissingTxHash     = "MISSING_TX_HASH"
	ErrCodeVideoNotFound     = "VIDEO_NOT_FOUND"
	ErrCodeValidationFailed  = "VALIDATION_FAILED"
	ErrCodeChainError        = "CHAIN_ERROR"
	ErrCodeDatabaseError     = "DATABASE_ERROR"
)

// Common error constructors

func NewNonceMismatchError(address string, got uint64) *PaymentError {
	return NewPaymentError(ErrCodeNonceMismatch, "Nonce does not match next expected nonce", ErrNonceMismatch).
		WithDetail("address", address).
		WithDetail("nonce", got)
}

func NewDeadlineExpiredError(deadline int64) *PaymentError {
	return NewPaymentError(ErrCodeDeadlineExpired, "Payment intent deadline has passed", ErrDeadlineExpired).
		WithDetail("deadline", deadline)
}

func NewSignatureMismatchError(payer, recovered string) *PaymentError {
	return NewPaymentError(ErrCodeSignatureInvalid, "Signature does not match payer", ErrInvalidSignature).
		WithDetail("payer", payer).
		WithDetail("recovered", recovered)
}

func NewSessionSettledError(sessionID string) *PaymentError {
	return NewPaymentError(ErrCodeSessionSettled, "Session already settled", ErrSessionAlreadySettled).
		WithDetail("session_id", sessionID)
}

func NewSettlementPendingError(sessionID, txHash string) *PaymentError {
	return NewPaymentError(ErrCodeSettlementPending, "Settlement broadcast but unconfirmed", ErrSettlementPending).
		WithDetail("session_id", sessionID).
		WithDetail("tx_hash", txHash)
}

func NewVideoNotFoundError(videoID string) *PaymentError {
	return NewPaymentError(ErrCodeVideoNotFound, "Video not found", ErrVideoNotFound).
		WithDetail("video_id", videoID)
}

func NewValidationError(field, message string) *PaymentError {
	return NewPaymentError(ErrCodeValidationFailed, "Validation failed", nil).
		WithDetail("field", field).
		WithDetail("message", message)
}

func NewChainError(operation string, cause error) *PaymentError {
	return NewPaymentError(ErrCodeChainError, "Escrow contract operation failed", cause).
		WithDetail("operation", operation)
}

func NewDatabaseError(operation string, cause error) *PaymentError {
	return NewPaymentError(ErrCodeDatabaseError, "Ledger operation failed", cause).
		WithDetail("operation", operation)
}
