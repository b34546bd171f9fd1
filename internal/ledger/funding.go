package ledger

import (
	"dex_go/pkg/quant"
)

// FundingHistory records the funding rate (basis points of notional per
// funding period, positive means longs pay shorts) for each perpetual
// asset. Rates are appended by the oracle/operator path once per period;
// accrual happens lazily at true-up time, never from a background timer.
type FundingHistory struct {
	// Rates[asset] is a dense slice of per-period rates starting at
	// Start[asset].
	Rates map[uint32][]quant.Bps `json:"rates"`
	Start map[uint32]int64       `json:"start"`
}

// NewFundingHistory creates an empty history.
func NewFundingHistory() *FundingHistory {
	return &FundingHistory{
		Rates: make(map[uint32][]quant.Bps),
		Start: make(map[uint32]int64),
	}
}

// Record appends the rate for the given period. Gaps are filled with zero
// rates; re-recording a past period overwrites it.
func (f *FundingHistory) Record(asset uint32, period int64, rate quant.Bps) {
	start, ok := f.Start[asset]
	if !ok {
		f.Start[asset] = period
		f.Rates[asset] = []quant.Bps{rate}
		return
	}
	if period < start {
		return // older than recorded history, ignore
	}
	idx := period - start
	for int64(len(f.Rates[asset])) <= idx {
		f.Rates[asset] = append(f.Rates[asset], 0)
	}
	f.Rates[asset][idx] = rate
}

// SumRange returns the summed rate over periods [from, to), clipped to
// recorded history.
func (f *FundingHistory) SumRange(asset uint32, from, to int64) quant.Bps {
	start, ok := f.Start[asset]
	if !ok || to <= from {
		return 0
	}
	rates := f.Rates[asset]
	var sum quant.Bps
	for p := from; p < to; p++ {
		idx := p - start
		if idx < 0 || idx >= int64(len(rates)) {
			continue
		}
		sum += rates[idx]
	}
	return sum
}

// Clone returns an independent copy (liquidation runs on cloned state).
func (f *FundingHistory) Clone() *FundingHistory {
	out := NewFundingHistory()
	for k, v := range f.Rates {
		out.Rates[k] = append([]quant.Bps(nil), v...)
	}
	for k, v := range f.Start {
		out.Start[k] = v
	}
	return out
}
