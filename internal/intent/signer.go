package intent

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// ErrUserRejected marks a wallet signature prompt the user declined. It is
// an expected outcome, not a transport failure: the flow halts, and a retry
// requires a freshly built intent with a new nonce and deadline.
var ErrUserRejected = errors.New("signature request rejected by user")

// Signer is the capability an external wallet provides: sign a 32-byte
// digest with the payer's key. Implementations may suspend indefinitely
// pending user interaction and must return ErrUserRejected (possibly
// wrapped) when the prompt is declined.
type Signer interface {
	Sign(digest []byte) ([]byte, error)
}

// LocalSigner signs with an in-process secp256k1 key. Used by the CLI and
// tests; production payers keep their keys in a wallet behind the Signer
// interface.
type LocalSigner struct {
	key *ecdsa.PrivateKey
}

// NewLocalSigner loads a signer from a hex-encoded private key.
func NewLocalSigner(privKeyHex string) (*LocalSigner, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(privKeyHex), "0x")
	if trimmed == "" {
		return nil, errors.New("empty private key")
	}
	key, err := ethcrypto.HexToECDSA(trimmed)
	if err != nil {
		return nil, fmt.Errorf("load private key: %w", err)
	}
	return &LocalSigner{key: key}, nil
}

// GenerateLocalSigner creates a signer with a fresh key.
func GenerateLocalSigner() (*LocalSigner, error) {
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return &LocalSigner{key: key}, nil
}

// Address returns the payer address for the held key.
func (s *LocalSigner) Address() string {
	return strings.ToLower(ethcrypto.PubkeyToAddress(s.key.PublicKey).Hex())
}

// Sign signs the digest with the held key.
func (s *LocalSigner) Sign(digest []byte) ([]byte, error) {
	sig, err := ethcrypto.Sign(digest, s.key)
	if err != nil {
		return nil, fmt.Errorf("sign digest: %w", err)
	}
	return sig, nil
}
