package policy

import (
	"math/bits"
	"strconv"

	"github.com/shopspring/decimal"
)

// BasisPoints is 100% expressed in basis points
const BasisPoints uint64 = 10000

// MulDiv returns floor(a*b/c) using a 128-bit intermediate product.
// c must be non-zero.
func MulDiv(a, b, c uint64) (uint64, error) {
	hi, lo := bits.Mul64(a, b)
	if hi >= c {
		return 0, Errorf(CodeOverflow, "%d * %d / %d overflows uint64", a, b, c)
	}
	q, _ := bits.Div64(hi, lo, c)
	return q, nil
}

// MulDivUp returns ceil(a*b/c)
func MulDivUp(a, b, c uint64) (uint64, error) {
	hi, lo := bits.Mul64(a, b)
	if hi >= c {
		return 0, Errorf(CodeOverflow, "%d * %d / %d overflows uint64", a, b, c)
	}
	q, r := bits.Div64(hi, lo, c)
	if r > 0 {
		if q == ^uint64(0) {
			return 0, Errorf(CodeOverflow, "%d * %d / %d overflows uint64", a, b, c)
		}
		q++
	}
	return q, nil
}

// ShareBps is part/total in basis points with truncating division
func ShareBps(part, total uint64) (uint64, error) {
	return MulDiv(part, BasisPoints, total)
}

// Percent renders a basis point value as a percentage string, e.g. 6500 -> "65.00%"
func Percent(bps uint64) string {
	return decimal.RequireFromString(strconv.FormatUint(bps, 10)).Shift(-2).StringFixed(2) + "%"
}
