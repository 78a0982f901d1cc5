package projection

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

const (
	// maxAmountDigits is the decimal width of 2^256.
	maxAmountDigits = 78
	// maxAmountText limits the accepted amount text, which also bounds the
	// coefficient of any parsed value.
	maxAmountText = 256
)

// FormatUnits renders an amount of smallest units as a decimal string with
// the token's precision. Trailing fractional zeros are dropped.
func FormatUnits(amount *big.Int, decimals uint8) string {
	if amount == nil {
		return "0"
	}
	return decimal.NewFromBigInt(amount, -int32(decimals)).String()
}

// ParseUnits converts a decimal string into smallest units. Negative values,
// more fractional digits than the token carries, and amounts beyond 256 bits
// are rejected.
func ParseUnits(text string, decimals uint8) (*big.Int, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: amount required", ErrInvalidAmount)
	}
	if len(trimmed) > maxAmountText {
		return nil, fmt.Errorf("%w: amount longer than %d characters", ErrInvalidAmount, maxAmountText)
	}
	value, err := decimal.NewFromString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: %q is not a decimal number", ErrInvalidAmount, text)
	}
	if value.IsNegative() {
		return nil, fmt.Errorf("%w: %q is negative", ErrInvalidAmount, text)
	}
	if value.IsZero() {
		return new(big.Int), nil
	}
	// Bound the exponent before shifting: building 10^exp for an arbitrary
	// exponent is unbounded work.
	exp := int64(value.Exponent()) + int64(decimals)
	if exp > maxAmountDigits || exp < -maxAmountText {
		return nil, fmt.Errorf("%w: %q is out of range", ErrInvalidAmount, text)
	}
	shifted := value.Shift(int32(decimals))
	if !shifted.Equal(shifted.Truncate(0)) {
		return nil, fmt.Errorf("%w: %q has more than %d fractional digits", ErrInvalidAmount, text, decimals)
	}
	units := shifted.BigInt()
	if _, overflow := uint256.FromBig(units); overflow {
		return nil, fmt.Errorf("%w: %q exceeds 256 bits", ErrInvalidAmount, text)
	}
	return units, nil
}
