package safe

import (
	"math"
	"math/bits"
)

// Add performs int64 addition and panics on overflow/underflow.
func Add(a, b int64) int64 {
	if (b > 0 && a > math.MaxInt64-b) || (b < 0 && a < math.MinInt64-b) {
		panic("CORE_SAFE_ADD_OVERFLOW")
	}
	return a + b
}

// Sub performs int64 subtraction and panics on overflow/underflow.
func Sub(a, b int64) int64 {
	if (b > 0 && a < math.MinInt64+b) || (b < 0 && a > math.MaxInt64+b) {
		panic("CORE_SAFE_SUB_OVERFLOW")
	}
	return a - b
}

// Mul performs int64 multiplication and panics on overflow/underflow.
func Mul(a, b int64) int64 {
	if a == 0 || b == 0 {
		return 0
	}
	r := a * b
	if r/b != a {
		panic("CORE_SAFE_MUL_OVERFLOW")
	}
	return r
}

// Div performs int64 division and panics on division by zero.
func Div(a, b int64) int64 {
	if b == 0 {
		panic("CORE_SAFE_DIV_BY_ZERO")
	}
	if a == math.MinInt64 && b == -1 {
		panic("CORE_SAFE_DIV_OVERFLOW")
	}
	return a / b
}

// MulDiv computes floor(a*b/div) for non-negative a, b using a 128-bit
// intermediate, so a*b may exceed int64 as long as the quotient fits.
// Panics on negative inputs, div == 0 or quotient overflow.
func MulDiv(a, b, div int64) int64 {
	if a < 0 || b < 0 || div < 0 {
		panic("CORE_SAFE_MULDIV_NEGATIVE")
	}
	if div == 0 {
		panic("CORE_SAFE_DIV_BY_ZERO")
	}
	hi, lo := bits.Mul64(uint64(a), uint64(b))
	if hi >= uint64(div) {
		panic("CORE_SAFE_MULDIV_OVERFLOW")
	}
	q, _ := bits.Div64(hi, lo, uint64(div))
	if q > math.MaxInt64 {
		panic("CORE_SAFE_MULDIV_OVERFLOW")
	}
	return int64(q)
}

// MulDivCeil computes ceil(a*b/div) with the same constraints as MulDiv.
func MulDivCeil(a, b, div int64) int64 {
	if a < 0 || b < 0 || div < 0 {
		panic("CORE_SAFE_MULDIV_NEGATIVE")
	}
	if div == 0 {
		panic("CORE_SAFE_DIV_BY_ZERO")
	}
	hi, lo := bits.Mul64(uint64(a), uint64(b))
	if hi >= uint64(div) {
		panic("CORE_SAFE_MULDIV_OVERFLOW")
	}
	q, r := bits.Div64(hi, lo, uint64(div))
	if r > 0 {
		q++
	}
	if q > math.MaxInt64 {
		panic("CORE_SAFE_MULDIV_OVERFLOW")
	}
	return int64(q)
}

// Abs returns the absolute value of a and panics on MinInt64.
func Abs(a int64) int64 {
	if a == math.MinInt64 {
		panic("CORE_SAFE_ABS_OVERFLOW")
	}
	if a < 0 {
		return -a
	}
	return a
}

// Neg negates a and panics on MinInt64.
func Neg(a int64) int64 {
	if a == math.MinInt64 {
		panic("CORE_SAFE_NEG_OVERFLOW")
	}
	return -a
}

// Min returns the smaller of a and b.
func Min(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// Max returns the larger of a and b.
func Max(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
