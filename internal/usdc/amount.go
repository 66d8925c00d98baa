// Package usdc converts between display-decimal USDC amounts and the
// token's smallest-unit integer representation (6 decimals). All arithmetic
// stays in exact integer/decimal types; floats never enter the conversion.
package usdc

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Decimals is the token's fixed-point precision.
const Decimals = 6

// ToSmallestUnit converts a display amount to smallest units by multiplying
// by 10^6 and truncating toward zero. Fractional smallest-unit remainders
// are dropped, not rounded, so an intent never authorizes more than the
// caller asked for.
func ToSmallestUnit(amount decimal.Decimal) int64 {
	return amount.Shift(Decimals).Truncate(0).IntPart()
}

// FromSmallestUnit converts a smallest-unit integer to a display decimal.
func FromSmallestUnit(units int64) decimal.Decimal {
	return decimal.New(units, -Decimals)
}

// ParseAmount parses a user-entered display amount into smallest units.
// Unlike DisplayFromRaw there is no fallback; bad input on the paying side
// is rejected, not coerced.
func ParseAmount(raw string) (int64, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", raw, err)
	}
	if d.IsNegative() {
		return 0, fmt.Errorf("amount must not be negative: %s", raw)
	}
	return ToSmallestUnit(d), nil
}

// DisplayFromRaw parses a wire-format balance into a display decimal. A
// non-finite or unparseable value converts to zero: a displayed balance of
// zero is the safer default than a propagated conversion fault. Transport
// failures are the caller's concern; only the numeric edge case falls back.
func DisplayFromRaw(raw string) (decimal.Decimal, bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return decimal.Zero, true
	}
	switch strings.ToLower(trimmed) {
	case "nan", "+inf", "-inf", "inf", "infinity", "-infinity":
		return decimal.Zero, true
	}
	d, err := decimal.NewFromString(trimmed)
	if err != nil {
		return decimal.Zero, true
	}
	return d, false
}
