// Package session derives the 32-byte identifiers that key metered usage
// sessions. Identifiers are deterministic over (address, counter) and
// collision-resistant at keccak-256 output width, so they double as the
// idempotency key for settlement.
package session

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Size is the identifier width in bytes.
const Size = 32

// ID derives the session identifier for an account and a monotonically
// assigned numeric session counter. The address is lower-cased before
// hashing so the derivation is case-insensitive; the full 32-byte keccak
// digest is the identifier. Pure and side-effect-free.
func ID(address string, counter uint64) ([Size]byte, error) {
	var id [Size]byte
	if !common.IsHexAddress(address) {
		return id, fmt.Errorf("malformed account address %q", address)
	}
	seed := strings.ToLower(address) + "-" + strconv.FormatUint(counter, 10)
	copy(id[:], ethcrypto.Keccak256([]byte(seed)))
	return id, nil
}

// HexID returns the identifier in its wire form: 0x followed by 64 hex chars.
func HexID(address string, counter uint64) (string, error) {
	id, err := ID(address, counter)
	if err != nil {
		return "", err
	}
	return Encode(id), nil
}

// Encode renders an identifier in wire form.
func Encode(id [Size]byte) string {
	return "0x" + hex.EncodeToString(id[:])
}

// Decode parses a wire-form identifier. The 0x prefix is optional and hex
// case is ignored.
func Decode(s string) ([Size]byte, error) {
	var id [Size]byte
	trimmed := strings.TrimPrefix(strings.TrimSpace(s), "0x")
	raw, err := hex.DecodeString(trimmed)
	if err != nil {
		return id, fmt.Errorf("malformed session id: %w", err)
	}
	if len(raw) != Size {
		return id, fmt.Errorf("session id must be %d bytes, got %d", Size, len(raw))
	}
	copy(id[:], raw)
	return id, nil
}

// Normalize returns the canonical lower-case wire form of a session id,
// validating it in the process.
func Normalize(s string) (string, error) {
	id, err := Decode(s)
	if err != nil {
		return "", err
	}
	return Encode(id), nil
}
