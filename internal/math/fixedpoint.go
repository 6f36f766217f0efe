// internal/math/fixedpoint.go
package math

import (
	"math/big"
	"sync"
)

// WadDecimals is the fixed decimal precision used for all fractional
// arithmetic: ratios, prices, and asset amounts share the 1e18 scale.
const WadDecimals = 18

// wadScale = 10^18. Fits in int64.
const wadScale = int64(1_000_000_000_000_000_000)

// WadScale returns 10^18 as a fresh big.Int.
func WadScale() *big.Int {
	return big.NewInt(wadScale)
}

// WadFromUnits converts a whole-unit count into wad scale (n * 1e18).
func WadFromUnits(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(wadScale))
}

// intPool holds big.Int scratch values for intermediate products.
// Results handed to callers are always freshly allocated; only
// intermediates go back to the pool.
var intPool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt() *big.Int {
	return intPool.Get().(*big.Int)
}

func putInt(v *big.Int) {
	v.SetInt64(0) // Clear before returning to pool
	intPool.Put(v)
}

type RoundingMode int

const (
	RoundDown     RoundingMode = iota // Truncate toward zero (all engine paths)
	RoundHalfEven                     // Banker's rounding (query-side rendering)
)

// MulDiv computes a * b / denominator at arbitrary precision with the
// given rounding mode. Panics if denominator is zero: every call site
// guards the denominator, so reaching zero here is state corruption.
func MulDiv(a, b, denominator *big.Int, mode RoundingMode) *big.Int {
	if denominator.Sign() == 0 {
		panic("fixedpoint: MulDiv zero denominator")
	}

	product := getInt()
	product.Mul(a, b)

	quotient := new(big.Int)
	remainder := getInt()
	quotient.QuoRem(product, denominator, remainder)

	switch mode {
	case RoundDown:
		// QuoRem already truncates toward zero.

	case RoundHalfEven:
		rem2 := getInt()
		rem2.Abs(remainder)
		rem2.Lsh(rem2, 1) // |remainder| * 2
		denAbs := getInt()
		denAbs.Abs(denominator)

		cmp := rem2.Cmp(denAbs)
		odd := quotient.Bit(0) == 1
		if cmp > 0 || (cmp == 0 && odd) {
			if quotient.Sign() < 0 || (quotient.Sign() == 0 && product.Sign() < 0) {
				quotient.Sub(quotient, big.NewInt(1))
			} else {
				quotient.Add(quotient, big.NewInt(1))
			}
		}
		putInt(rem2)
		putInt(denAbs)
	}

	putInt(product)
	putInt(remainder)

	return quotient
}

// MulFrac scales an amount by a wad fraction: a * wad / 1e18, truncating.
// With wad = 1e18 the amount passes through unchanged.
func MulFrac(a, wad *big.Int) *big.Int {
	return MulDiv(a, wad, WadScale(), RoundDown)
}

// DivFrac divides an amount by a wad fraction: a * 1e18 / wad, truncating.
// Inverse of MulFrac up to truncation. Panics on zero wad.
func DivFrac(a, wad *big.Int) *big.Int {
	return MulDiv(a, WadScale(), wad, RoundDown)
}

// FromRatio builds a wad from an integer ratio: numerator * 1e18 / denominator,
// truncating. Panics on zero denominator.
func FromRatio(numerator, denominator *big.Int) *big.Int {
	return MulDiv(numerator, WadScale(), denominator, RoundDown)
}

// PercentOf computes amount * pct / 100 with truncating division.
// Fee and ratio computations deliberately round down in the caller's favor.
func PercentOf(amount *big.Int, pct int64) *big.Int {
	return MulDiv(amount, big.NewInt(pct), big.NewInt(100), RoundDown)
}
