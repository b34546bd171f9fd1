// Package settle implements fee computation and match settlement: the
// balance transfers, collateral trims and position true-ups behind every
// fill the books produce.
package settle

import (
	"dex_go/internal/domain"
	"dex_go/pkg/quant"
	"dex_go/pkg/safe"
)

// FeeSchedule computes the fee rules for one market. All fees are capped
// by the market's per-order maximum; the feeSoFar / feePaid arguments
// carry the accumulation across ladder levels of a single order.
type FeeSchedule struct {
	m *domain.Market
}

// NewFeeSchedule binds the schedule to a market.
func NewFeeSchedule(m *domain.Market) *FeeSchedule {
	return &FeeSchedule{m: m}
}

// TakerFee returns the fee on a gross output amount, floored.
func (f *FeeSchedule) TakerFee(out, feeSoFar quant.Qty) quant.Qty {
	if f.m.TakerFeeBps == 0 || out <= 0 {
		return 0
	}
	fee := quant.Qty(safe.MulDiv(int64(out), int64(f.m.TakerFeeBps), quant.BpsScale))
	return f.capped(fee, feeSoFar)
}

// InverseTakerFee returns the fee needed on top of a desired net output:
// out*rate/(scale-rate), the inverse of the forward formula.
func (f *FeeSchedule) InverseTakerFee(netOut, feeSoFar quant.Qty) quant.Qty {
	if f.m.TakerFeeBps == 0 || netOut <= 0 {
		return 0
	}
	fee := quant.Qty(safe.MulDiv(int64(netOut), int64(f.m.TakerFeeBps), quant.BpsScale-int64(f.m.TakerFeeBps)))
	return f.capped(fee, feeSoFar)
}

// MakerLeftoverFee returns the fee due on a maker's latest fill given
// its cumulative output and fee already charged: fee on the whole
// matched amount minus fee already paid. Whenever the rate is nonzero
// and rounding would charge nothing, one unit is charged instead so
// partial fills cannot leak below the nominal rate.
func (f *FeeSchedule) MakerLeftoverFee(outCumulative, feePaid quant.Qty) quant.Qty {
	if f.m.MakerFeeBps == 0 || outCumulative <= 0 {
		return 0
	}
	total := quant.Qty(safe.MulDiv(int64(outCumulative), int64(f.m.MakerFeeBps), quant.BpsScale))
	leftover := total - feePaid
	if leftover <= 0 {
		leftover = 1
	}
	return f.capped(leftover, feePaid)
}

// capped trims a fee so the order's accumulated total never exceeds the
// market's cap.
func (f *FeeSchedule) capped(fee, soFar quant.Qty) quant.Qty {
	if f.m.FeeCap <= 0 {
		return fee
	}
	room := f.m.FeeCap - soFar
	if room <= 0 {
		return 0
	}
	if fee > room {
		return room
	}
	return fee
}
