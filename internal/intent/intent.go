// Package intent assembles, signs, and verifies payment intents. Signing is
// delegated to a wallet-held key through the Signer capability; this package
// never stores private keys on behalf of a payer.
package intent

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/meterpay/meterpay-backend/internal/models"
	"github.com/meterpay/meterpay-backend/internal/session"
)

// domain separates intent digests from any other signed payload.
const domain = "meterpay/payment-intent/v1"

// DefaultDeadlineWindow is the recommended validity window for a freshly
// built intent. Long enough to cover wallet interaction and network latency.
const DefaultDeadlineWindow = 300 * time.Second

// Build assembles a payment intent, validating each field. The nonce must
// have been fetched from the backend immediately before this call; the
// deadline must be strictly in the future.
func Build(payer, sessionID string, amount int64, deadline time.Time, nonce uint64) (models.PaymentIntent, error) {
	if !common.IsHexAddress(payer) {
		return models.PaymentIntent{}, fmt.Errorf("payer: %w", models.ErrInvalidAddress)
	}
	normalized, err := session.Normalize(sessionID)
	if err != nil {
		return models.PaymentIntent{}, fmt.Errorf("%w: %v", models.ErrInvalidSessionID, err)
	}
	if amount < 0 {
		return models.PaymentIntent{}, models.ErrInvalidAmount
	}
	if !deadline.After(time.Now()) {
		return models.PaymentIntent{}, models.ErrDeadlineExpired
	}
	return models.PaymentIntent{
		Payer:     strings.ToLower(payer),
		SessionID: normalized,
		Amount:    amount,
		Deadline:  deadline.Unix(),
		Nonce:     nonce,
	}, nil
}

// Digest computes the keccak-256 digest of the intent's canonical encoding.
// The encoding pins every field, pipe-delimited, with addresses and session
// ids lower-cased so one logical intent has exactly one digest.
func Digest(pi models.PaymentIntent) ([]byte, error) {
	if !common.IsHexAddress(pi.Payer) {
		return nil, fmt.Errorf("payer: %w", models.ErrInvalidAddress)
	}
	sid, err := session.Normalize(pi.SessionID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidSessionID, err)
	}
	if pi.Amount < 0 {
		return nil, models.ErrInvalidAmount
	}
	payload := fmt.Sprintf("%s|payer=%s|session=%s|amount=%d|deadline=%d|nonce=%d",
		domain,
		strings.ToLower(pi.Payer),
		sid,
		pi.Amount,
		pi.Deadline,
		pi.Nonce,
	)
	return ethcrypto.Keccak256([]byte(payload)), nil
}

// Sign produces a signed intent using the payer's wallet. A declined wallet
// prompt surfaces as ErrUserRejected and leaves no partial state: no intent
// is considered built until the signature is returned.
func Sign(pi models.PaymentIntent, signer Signer) (models.SignedPaymentIntent, error) {
	digest, err := Digest(pi)
	if err != nil {
		return models.SignedPaymentIntent{}, err
	}
	sig, err := signer.Sign(digest)
	if err != nil {
		return models.SignedPaymentIntent{}, fmt.Errorf("sign intent: %w", err)
	}
	return models.SignedPaymentIntent{
		PaymentIntent: pi,
		Signature:     "0x" + hex.EncodeToString(sig),
	}, nil
}

// RecoverPayer recovers the address that signed the intent. The backend
// compares it against the declared payer before settling.
func RecoverPayer(spi models.SignedPaymentIntent) (common.Address, error) {
	digest, err := Digest(spi.PaymentIntent)
	if err != nil {
		return common.Address{}, err
	}
	sig, err := hex.DecodeString(strings.TrimPrefix(spi.Signature, "0x"))
	if err != nil {
		return common.Address{}, fmt.Errorf("decode signature: %w", err)
	}
	if len(sig) != 65 {
		return common.Address{}, fmt.Errorf("signature must be 65 bytes, got %d", len(sig))
	}
	pub, err := ethcrypto.SigToPub(digest, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover pubkey: %w", err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}

// Verify checks that the signature over the intent was produced by the
// declared payer.
func Verify(spi models.SignedPaymentIntent) error {
	recovered, err := RecoverPayer(spi)
	if err != nil {
		return err
	}
	if !strings.EqualFold(recovered.Hex(), spi.Payer) {
		return models.ErrInvalidSignature
	}
	return nil
}
