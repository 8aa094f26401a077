package token

import (
	"fmt"

	"github.com/holiman/uint256"
)

// Decimals is the fixed-point scale shared by shares and yield amounts,
// matching the underlying yield token.
const Decimals = 18

// Unit returns 1.0 in the fixed-point scale (10^18).
func Unit() *uint256.Int {
	return uint256.NewInt(1_000_000_000_000_000_000)
}

// ParseAmount converts a decimal string into a fixed-point integer.
func ParseAmount(raw string) (*uint256.Int, error) {
	if raw == "" {
		return uint256.NewInt(0), nil
	}
	value, err := uint256.FromDecimal(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", raw, err)
	}
	return value, nil
}

// FormatAmount converts a fixed-point integer to its decimal string form.
func FormatAmount(value *uint256.Int) string {
	if value == nil {
		return "0"
	}
	return value.Dec()
}
