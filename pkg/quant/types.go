package quant

import (
	"errors"
	"strconv"
	"strings"
)

// Qty represents a quantity or balance in an asset's native integer units
// (the asset's smallest position decimal). All core arithmetic is int64;
// floats never enter the hot path.
type Qty int64

// Bps represents a rate in basis points (1/100 of a percent).
type Bps int64

// TimeStamp represents Unix microseconds.
type TimeStamp int64

const (
	// BpsScale is the denominator for basis-point rates.
	BpsScale = 10000

	// HoursPerYear is used for hourly loan interest accrual.
	HoursPerYear = 8760

	// InterestPeriodsPerYear is the number of interest-collateral periods
	// per year. Borrowers sequester one period (one month) of interest
	// up front rather than the principal.
	InterestPeriodsPerYear = 12

	// FundingPeriodHours is the length of one perpetual funding period.
	FundingPeriodHours = 8

	// MaxDecimals bounds per-asset position decimals.
	MaxDecimals = 18
)

var pow10tab = [19]int64{
	1, 10, 100, 1000, 10000, 100000, 1000000, 10000000, 100000000,
	1000000000, 10000000000, 100000000000, 1000000000000, 10000000000000,
	100000000000000, 1000000000000000, 10000000000000000,
	100000000000000000, 1000000000000000000,
}

// Pow10 returns 10^n for n in [0, 18]. Panics outside that range.
func Pow10(n int) int64 {
	if n < 0 || n > 18 {
		panic("CORE_QUANT_POW10_RANGE")
	}
	return pow10tab[n]
}

// FundingPeriod returns the funding period index for a timestamp.
func (t TimeStamp) FundingPeriod() int64 {
	return int64(t) / (FundingPeriodHours * 3600 * 1000000)
}

// Hours returns the whole hours elapsed since the epoch.
func (t TimeStamp) Hours() int64 {
	return int64(t) / (3600 * 1000000)
}

// ParseQty parses a decimal string (e.g. "1.23") into native units with the
// given number of decimals, without going through float64. Extra precision
// is truncated (floor toward zero).
func ParseQty(s string, decimals int) (Qty, error) {
	if decimals < 0 || decimals > MaxDecimals {
		return 0, errors.New("decimals out of range")
	}
	if s == "" {
		return 0, nil
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return 0, errors.New("invalid decimal format: multiple dots")
	}

	intPart := parts[0]
	fracPart := ""
	if len(parts) == 2 {
		fracPart = parts[1]
	}

	sign := int64(1)
	if strings.HasPrefix(intPart, "-") {
		sign = -1
		intPart = intPart[1:]
	}

	var intVal int64
	if intPart != "" {
		v, err := strconv.ParseInt(intPart, 10, 64)
		if err != nil {
			return 0, err
		}
		intVal = v
	}

	if len(fracPart) > decimals {
		fracPart = fracPart[:decimals]
	} else {
		fracPart = fracPart + strings.Repeat("0", decimals-len(fracPart))
	}

	var fracVal int64
	if fracPart != "" {
		v, err := strconv.ParseInt(fracPart, 10, 64)
		if err != nil {
			return 0, err
		}
		fracVal = v
	}

	return Qty(sign * (intVal*Pow10(decimals) + fracVal)), nil
}

// FormatQty renders native units back into a decimal string.
func FormatQty(q Qty, decimals int) string {
	neg := q < 0
	v := int64(q)
	if neg {
		v = -v
	}
	scale := Pow10(decimals)
	intPart := v / scale
	fracPart := v % scale

	var b strings.Builder
	if neg {
		b.WriteByte('-')
	}
	b.WriteString(strconv.FormatInt(intPart, 10))
	if decimals > 0 {
		b.WriteByte('.')
		frac := strconv.FormatInt(fracPart, 10)
		b.WriteString(strings.Repeat("0", decimals-len(frac)))
		b.WriteString(frac)
	}
	return b.String()
}
