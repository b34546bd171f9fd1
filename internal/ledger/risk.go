package ledger

import (
	"fmt"

	"dex_go/internal/domain"
	"dex_go/pkg/quant"
	"dex_go/pkg/safe"
)

// Oracle supplies mark prices in settlement-asset terms. The ledger
// trusts returned values; freshness is the oracle adapter's contract.
type Oracle interface {
	MarkPrice(asset domain.AssetID) (quant.Price, bool)
}

// MatchableQty returns how much of a resting order can actually fill
// given the owner's balances, which may be less than its nominal quantity
// (over-sequestration allowance, margin erosion at the current mark).
// The result is floored to the asset's lot for perpetual markets.
func (l *Ledger) MatchableQty(o *domain.Order, m *domain.Market, mark quant.Price) quant.Qty {
	// Forced orders close exposure rather than open it; clamping them to
	// the owner's balance would make an underwater account unclosable.
	if o.Flags.IsLiquidation() {
		return o.Qty
	}

	base := l.asset(m.Base)
	quote := l.asset(m.Quote)

	if m.Kind == domain.MarketSpot {
		if o.Side == domain.SideSell {
			backing := l.orderBacking(o, m.Base)
			if backing <= 0 {
				return 0
			}
			return quant.Qty(safe.Min(int64(o.Qty), int64(backing)))
		}
		backing := l.orderBacking(o, m.Quote)
		if backing <= 0 {
			return 0
		}
		can := o.Price.BaseQty(backing, base.Decimals, quote.Decimals)
		return quant.Qty(safe.Min(int64(o.Qty), int64(can)))
	}

	// Perpetual: margin must cover fees plus the worst-case
	// mark-to-limit delta on the full quantity.
	required := l.perpRequirement(o, m, mark)
	if required == 0 {
		return o.Qty
	}
	margin := l.orderBacking(o, m.Quote)
	if margin <= 0 {
		return 0
	}
	if margin >= required {
		return o.Qty
	}
	scaled := safe.MulDiv(int64(o.Qty), int64(margin), int64(required))
	return base.FloorToLot(quant.Qty(scaled))
}

// orderBacking is the balance an order can draw on in one asset: the
// owner's free balance plus the order's own sequestered collateral,
// signed before clamping so over-sequestration shows up as a deficit.
// Balance locked behind other orders never backs this one, and an
// incoming taker (zero collateral) is bounded by free balance alone.
func (l *Ledger) orderBacking(o *domain.Order, asset domain.AssetID) quant.Qty {
	row := l.Row(o.Owner, asset)
	free := safe.Sub(safe.Sub(int64(row.Total), int64(row.Seq)), int64(row.SeqPerp))
	backing := safe.Add(free, int64(o.Collateral))
	if backing < 0 {
		return 0
	}
	return quant.Qty(backing)
}

// perpRequirement computes fee plus adverse mark-to-limit movement on the
// full resting quantity, in settlement units.
func (l *Ledger) perpRequirement(o *domain.Order, m *domain.Market, mark quant.Price) quant.Qty {
	base := l.asset(m.Base)
	quote := l.asset(m.Quote)

	limitNotional := o.Price.QuoteQty(o.Qty, base.Decimals, quote.Decimals)
	// An order without collateral has not rested yet and will pay the
	// taker rate.
	feeBps := m.MakerFeeBps
	if o.Collateral == 0 {
		feeBps = m.TakerFeeBps
	}
	fee := quant.Qty(safe.MulDiv(int64(limitNotional), int64(feeBps), quant.BpsScale))

	var delta quant.Qty
	if !mark.IsZero() {
		markNotional := mark.QuoteQty(o.Qty, base.Decimals, quote.Decimals)
		if o.Side == domain.SideBuy && mark.Less(o.Price) {
			delta = limitNotional - markNotional
		}
		if o.Side == domain.SideSell && o.Price.Less(mark) {
			delta = markNotional - limitNotional
		}
	}
	return quant.Qty(safe.Add(int64(fee), int64(delta)))
}

// RiskAdjustedValue sums a pessimistic valuation of everything the user
// holds or owes, in settlement units. Each asset is valued at both a
// slippage-deflated and a slippage-inflated mark and the lower estimate
// kept. With shortCircuit set it returns as soon as the running total is
// non-negative after all debt assets are in; callers gating orders and
// withdrawals only need the sign. Fails with ErrNoMarkPrice when a debt
// asset cannot be valued.
func (l *Ledger) RiskAdjustedValue(user domain.UserID, oracle Oracle, now quant.TimeStamp, shortCircuit bool) (int64, error) {
	acct := l.Account(user)

	var total int64
	var err error
	seen := domain.AssetSet{}

	acct.Debt.ForEach(func(a domain.AssetID) bool {
		seen.Set(a)
		var v int64
		if v, err = l.assetWorstValue(acct, a, oracle, now); err != nil {
			return false
		}
		total = safe.Add(total, v)
		return true
	})
	if err != nil {
		return 0, err
	}

	acct.Own.ForEach(func(a domain.AssetID) bool {
		if seen.Contains(a) {
			return true
		}
		var v int64
		if v, err = l.assetWorstValue(acct, a, oracle, now); err != nil {
			return false
		}
		total = safe.Add(total, v)
		return !(shortCircuit && total >= 0)
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}

// assetWorstValue values one asset bucket pessimistically.
func (l *Ledger) assetWorstValue(acct *Account, id domain.AssetID, oracle Oracle, now quant.TimeStamp) (int64, error) {
	a := l.asset(id)

	net := int64(0)
	if row, ok := acct.Rows[id]; ok {
		net = safe.Add(net, int64(row.Total))
	}
	net = safe.Add(net, int64(acct.Lent[id]))
	net = safe.Sub(net, int64(acct.Borrowed[id]))

	owed := int64(0)  // settlement units
	entry := int64(0) // entry basis, settlement units
	if pos, ok := acct.Positions[id]; ok {
		net = safe.Add(net, int64(pos.Qty))
		entry = int64(pos.EntryNotional)
		owed = int64(pos.Owed)
		// Pending funding not yet trued up.
		rate := l.Funding.SumRange(uint32(id), pos.LastPeriod, now.FundingPeriod())
		if rate != 0 {
			owed = safe.Sub(owed, mulBpsSigned(int64(pos.EntryNotional), int64(rate)))
		}
	}

	if id == domain.BaseAsset {
		return safe.Add(net, owed), nil
	}

	mark, ok := oracle.MarkPrice(id)
	if !ok || mark.IsZero() {
		// No price: credit is worth nothing, but debt cannot be bounded
		// and the valuation must fail rather than guess.
		if net < 0 {
			return 0, fmt.Errorf("asset %d: %w", id, domain.ErrNoMarkPrice)
		}
		return owed, nil
	}

	low := l.valueAt(net, mark.ScaleBps(-a.SlippageBps), id)
	high := l.valueAt(net, mark.ScaleBps(a.SlippageBps), id)
	// Position value is unrealized P&L relative to the entry basis, not
	// the gross notional.
	return safe.Add(safe.Sub(safe.Min(low, high), entry), owed), nil
}

func (l *Ledger) valueAt(net int64, price quant.Price, id domain.AssetID) int64 {
	a := l.asset(id)
	base := l.asset(domain.BaseAsset)
	if net >= 0 {
		return int64(price.QuoteQty(quant.Qty(net), a.Decimals, base.Decimals))
	}
	return -int64(price.QuoteQtyCeil(quant.Qty(-net), a.Decimals, base.Decimals))
}
