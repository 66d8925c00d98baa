package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ServiceType tags what a settled payment paid for.
type ServiceType string

const (
	ServiceTypeVideoStream   ServiceType = "video_stream"
	ServiceTypeVideoPurchase ServiceType = "video_purchase"
	ServiceTypeAPISession    ServiceType = "api_session"
	ServiceTypeStorage       ServiceType = "storage"
	ServiceTypeDeposit       ServiceType = "deposit"
	ServiceTypeWithdraw      ServiceType = "withdraw"
)

// ValidServiceType reports whether the tag is one of the known service types.
func ValidServiceType(t ServiceType) bool {
	switch t {
	case ServiceTypeVideoStream, ServiceTypeVideoPurchase, ServiceTypeAPISession,
		ServiceTypeStorage, ServiceTypeDeposit, ServiceTypeWithdraw:
		return true
	}
	return false
}

// PaymentIntent is an unsigned authorization to move escrowed funds.
// Amount is an integer count of the token's smallest unit (6 decimals),
// Deadline is an absolute unix timestamp, Nonce is the account's
// next-expected authorization nonce.
type PaymentIntent struct {
	Payer     string `json:"payer"`
	SessionID string `json:"sessionId"`
	Amount    int64  `json:"amount"`
	Deadline  int64  `json:"deadline"`
	Nonce     uint64 `json:"nonce"`
}

// SignedPaymentIntent is a PaymentIntent plus a signature over its canonical
// encoding, produced by the payer's wallet. Single-use: consumed by exactly
// one settlement.
type SignedPaymentIntent struct {
	PaymentIntent
	Signature string `json:"signature"`
}

// ExecutePaymentRequest is the settlement submission body.
type ExecutePaymentRequest struct {
	PaymentIntent SignedPaymentIntent    `json:"paymentIntent"`
	ServiceType   ServiceType            `json:"serviceType"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

// ExecutePaymentResponse reports the outcome of a settled intent.
type ExecutePaymentResponse struct {
	Success    bool   `json:"success"`
	TxHash     string `json:"txHash"`
	AmountUSDC string `json:"amountUSDC"`
}

// BalanceResponse carries the on-chain escrow balance for an account,
// both as a smallest-unit integer string and a display decimal.
type BalanceResponse struct {
	Address     string `json:"address"`
	Balance     string `json:"balance"`
	BalanceUSDC string `json:"balanceUSDC"`
}

// NonceResponse carries the next usable authorization nonce for an account.
type NonceResponse struct {
	Address string `json:"address"`
	Nonce   uint64 `json:"nonce"`
}

// SettledResponse answers the idempotent settlement check for a session.
type SettledResponse struct {
	SessionID string `json:"sessionId"`
	IsSettled bool   `json:"isSettled"`
}

// DepositRecordRequest records an externally confirmed escrow deposit in the
// ledger mirror. The on-chain transaction hash must already be known.
type DepositRecordRequest struct {
	Address    string          `json:"address"`
	AmountUSDC decimal.Decimal `json:"amountUSDC"`
	TxHash     string          `json:"txHash"`
}

// WithdrawRecordRequest records an externally confirmed escrow withdrawal.
type WithdrawRecordRequest struct {
	Address    string          `json:"address"`
	AmountUSDC decimal.Decimal `json:"amountUSDC"`
	TxHash     string          `json:"txHash"`
}

// EscrowOpRequest asks the backend to move funds in or out of escrow on the
// caller's behalf. Amount is a smallest-unit integer.
type EscrowOpRequest struct {
	Address string `json:"address"`
	Amount  int64  `json:"amount"`
}

// EscrowOpResponse reports a completed deposit or withdrawal.
type EscrowOpResponse struct {
	Success    bool   `json:"success"`
	TxHash     string `json:"txHash"`
	AmountUSDC string `json:"amountUSDC"`
}

// SettlementEvent is published after a payment settles on-chain.
type SettlementEvent struct {
	SessionID   string      `json:"session_id"`
	Payer       string      `json:"payer"`
	ServiceType ServiceType `json:"service_type"`
	AmountUSDC  string      `json:"amount_usdc"`
	TxHash      string      `json:"tx_hash"`
	SettledAt   time.Time   `json:"settled_at"`
}

// ReconciliationGapEvent is published when the ledger append after a
// confirmed on-chain settlement fails. Carries enough context for a
// background backfill pass.
type ReconciliationGapEvent struct {
	SessionID   string      `json:"session_id"`
	Payer       string      `json:"payer"`
	ServiceType ServiceType `json:"service_type"`
	AmountUSDC  string      `json:"amount_usdc"`
	TxHash      string      `json:"tx_hash"`
	Reason      string      `json:"reason"`
	OccurredAt  time.Time   `json:"occurred_at"`
}
