package quant

import (
	"errors"
	"fmt"
	"math/bits"

	"dex_go/pkg/safe"
)

// Price is a compact non-negative fixed-point price: Man * 10^Exp quote
// units per base unit (both in human decimal terms, before position-decimal
// adjustment). A zero mantissa is the "no limit" sentinel used by market
// orders. Ordering is exact via 128-bit cross multiplication; float64 is
// never consulted.
type Price struct {
	Man int64 `json:"man"`
	Exp int8  `json:"exp"`
}

const (
	// MaxMantissa bounds the mantissa to 59 bits.
	MaxMantissa = int64(1)<<59 - 1
	// MinExponent / MaxExponent bound the decimal exponent.
	MinExponent = -12
	MaxExponent = 12
)

var (
	ErrPriceMantissa = errors.New("price mantissa out of range")
	ErrPriceExponent = errors.New("price exponent out of range")
)

// NewPrice validates and returns a price.
func NewPrice(man int64, exp int8) (Price, error) {
	p := Price{Man: man, Exp: exp}
	if err := p.Validate(); err != nil {
		return Price{}, err
	}
	return p.Normalize(), nil
}

// MustPrice is NewPrice for fixtures and panics on invalid input.
func MustPrice(man int64, exp int8) Price {
	p, err := NewPrice(man, exp)
	if err != nil {
		panic(err)
	}
	return p
}

// NoLimit returns the zero-price sentinel (market order, no price bound).
func NoLimit() Price { return Price{} }

// IsZero reports whether p is the no-limit sentinel.
func (p Price) IsZero() bool { return p.Man == 0 }

// Validate checks mantissa and exponent bounds. The zero sentinel is valid.
func (p Price) Validate() error {
	if p.Man == 0 {
		return nil
	}
	if p.Man < 1 || p.Man > MaxMantissa {
		return ErrPriceMantissa
	}
	if p.Exp < MinExponent || p.Exp > MaxExponent {
		return ErrPriceExponent
	}
	return nil
}

// Normalize strips trailing decimal zeros from the mantissa so equal prices
// share one representation.
func (p Price) Normalize() Price {
	if p.Man == 0 {
		return Price{}
	}
	for p.Man%10 == 0 && p.Exp < MaxExponent {
		p.Man /= 10
		p.Exp++
	}
	return p
}

// Cmp returns -1, 0 or +1 comparing p against o by numeric value.
func (p Price) Cmp(o Price) int {
	if p.Man == 0 || o.Man == 0 {
		switch {
		case p.Man == o.Man:
			return 0
		case p.Man == 0:
			return -1
		default:
			return 1
		}
	}

	diff := int(p.Exp) - int(o.Exp)
	switch {
	case diff == 0:
		return cmp64(p.Man, o.Man)
	case diff > 0:
		return cmpScaled(p.Man, diff, o.Man)
	default:
		return -cmpScaled(o.Man, -diff, p.Man)
	}
}

// Less reports p < o.
func (p Price) Less(o Price) bool { return p.Cmp(o) < 0 }

// Equal reports p == o by value.
func (p Price) Equal(o Price) bool { return p.Cmp(o) == 0 }

// cmpScaled compares big*10^scale against small. big, small are positive
// mantissas below 2^59.
func cmpScaled(big int64, scale int, small int64) int {
	if scale > 19 {
		// 10^20 alone exceeds any valid mantissa.
		return 1
	}
	var mul uint64
	if scale == 19 {
		mul = 10000000000000000000
	} else {
		mul = uint64(pow10tab[scale])
	}
	hi, lo := bits.Mul64(uint64(big), mul)
	if hi > 0 {
		return 1
	}
	return cmpU64(lo, uint64(small))
}

func cmp64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func cmpU64(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// ScaleBps returns p scaled by (BpsScale + bps) / BpsScale, i.e. inflated
// for positive bps and deflated for negative. Used for slippage bounds on
// forced liquidation orders. bps must be > -BpsScale.
func (p Price) ScaleBps(bps Bps) Price {
	if p.Man == 0 {
		return p
	}
	if bps <= -BpsScale {
		panic("CORE_PRICE_SCALE_RANGE")
	}
	man := safe.MulDiv(p.Man, int64(BpsScale)+int64(bps), BpsScale)
	exp := int(p.Exp)
	for man > MaxMantissa {
		man /= 10
		exp++
	}
	if man == 0 {
		man = 1 // a deflated price never collapses into the sentinel
	}
	if exp > MaxExponent {
		panic("CORE_PRICE_EXP_OVERFLOW")
	}
	return Price{Man: man, Exp: int8(exp)}.Normalize()
}

// QuoteQty converts a base-asset quantity into quote-asset native units at
// this price, rounding down (the direction owed by the taker). baseDec and
// quoteDec are the assets' position decimals.
func (p Price) QuoteQty(base Qty, baseDec, quoteDec int) Qty {
	return p.convert(int64(base), int(p.Exp)+quoteDec-baseDec, false)
}

// QuoteQtyCeil is QuoteQty rounding up (the direction owed to the maker
// when the residue would otherwise leak value from the book).
func (p Price) QuoteQtyCeil(base Qty, baseDec, quoteDec int) Qty {
	return p.convert(int64(base), int(p.Exp)+quoteDec-baseDec, true)
}

// BaseQty converts a quote-asset quantity back into base-asset native
// units at this price, rounding down.
func (p Price) BaseQty(quote Qty, baseDec, quoteDec int) Qty {
	if p.Man == 0 {
		panic("CORE_PRICE_ZERO_DIV")
	}
	e := baseDec - quoteDec - int(p.Exp)
	if e >= 0 {
		if e > MaxDecimals {
			panic("CORE_PRICE_EXP_OVERFLOW")
		}
		return Qty(safe.MulDiv(int64(quote), Pow10(e), p.Man))
	}
	// floor(q / (Man * 10^-e)) via two floors.
	scale := -e
	v := int64(quote)
	for scale > MaxDecimals {
		v /= Pow10(MaxDecimals)
		scale -= MaxDecimals
	}
	v /= Pow10(scale)
	return Qty(v / p.Man)
}

// convert computes floor-or-ceil of q * Man * 10^e.
func (p Price) convert(q int64, e int, ceil bool) Qty {
	if q < 0 {
		panic("CORE_PRICE_NEGATIVE_QTY")
	}
	if p.Man == 0 || q == 0 {
		return 0
	}
	if e >= 0 {
		if e > MaxDecimals {
			panic("CORE_PRICE_EXP_OVERFLOW")
		}
		return Qty(safe.Mul(safe.MulDiv(q, p.Man, 1), Pow10(e)))
	}
	scale := -e
	if scale <= MaxDecimals {
		if ceil {
			return Qty(safe.MulDivCeil(q, p.Man, Pow10(scale)))
		}
		return Qty(safe.MulDiv(q, p.Man, Pow10(scale)))
	}
	// Shave the scale down in exact chunks first.
	v := safe.MulDiv(q, p.Man, Pow10(MaxDecimals))
	scale -= MaxDecimals
	for scale > MaxDecimals {
		v /= Pow10(MaxDecimals)
		scale -= MaxDecimals
	}
	if ceil && v%Pow10(scale) != 0 {
		return Qty(v/Pow10(scale) + 1)
	}
	return Qty(v / Pow10(scale))
}

func (p Price) String() string {
	if p.Man == 0 {
		return "0"
	}
	return fmt.Sprintf("%de%d", p.Man, p.Exp)
}
