package math

import (
	"fmt"
	"math/big"
)

// Bips denominator: all fee and step rates are expressed in basis points.
const BipsDenominator int64 = 10_000

// RateScale is the fixed-point scale of the pool exchange rate.
// An empty pool has the identity rate, i.e. exactly RateScale.
const RateScale int64 = 1_000_000_000_000

// MulDiv computes a * b / denom using big.Int intermediates so the product
// cannot overflow int64. Truncating division (round toward zero), so the
// share accounting always rounds against the caller.
func MulDiv(a, b, denom int64) (int64, error) {
	if denom == 0 {
		return 0, fmt.Errorf("muldiv: division by zero")
	}

	prod := new(big.Int).Mul(big.NewInt(a), big.NewInt(b))
	prod.Quo(prod, big.NewInt(denom))

	if !prod.IsInt64() {
		return 0, fmt.Errorf("muldiv: result overflows int64 (%s)", prod.String())
	}
	return prod.Int64(), nil
}

// BipsOf returns amount * bips / 10000, truncated.
func BipsOf(amount, bips int64) (int64, error) {
	return MulDiv(amount, bips, BipsDenominator)
}

// CmpMul compares a*b against c*d without overflow.
// Returns -1, 0, or +1.
func CmpMul(a, b, c, d int64) int {
	left := new(big.Int).Mul(big.NewInt(a), big.NewInt(b))
	right := new(big.Int).Mul(big.NewInt(c), big.NewInt(d))
	return left.Cmp(right)
}

// AddChecked returns a + b, failing on int64 overflow.
func AddChecked(a, b int64) (int64, error) {
	sum := a + b
	if (b > 0 && sum < a) || (b < 0 && sum > a) {
		return 0, fmt.Errorf("add: int64 overflow (%d + %d)", a, b)
	}
	return sum, nil
}

// Abs returns the absolute value of v. v must not be math.MinInt64.
func Abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// Sign returns -1, 0, or +1.
func Sign(v int64) int {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	default:
		return 0
	}
}
