package ledger

import (
	"dex_go/internal/domain"
	"dex_go/pkg/quant"
	"dex_go/pkg/safe"
)

// PerpPosition is the aggregated perpetual position for one (user, asset).
// Qty is signed base units (positive long). EntryNotional is the signed
// settlement-asset value of the position at its entry price. Owed is
// realized price-change P&L plus accrued funding, positive when the user
// is owed settlement asset.
type PerpPosition struct {
	Qty           quant.Qty `json:"qty"`
	EntryNotional quant.Qty `json:"entry_notional"`
	Owed          quant.Qty `json:"owed"`
	LastPeriod    int64     `json:"last_period"`
}

// IsFlat reports whether the position carries no exposure and no owed
// balance.
func (p *PerpPosition) IsFlat() bool {
	return p.Qty == 0 && p.Owed == 0
}

// signedQuote converts a signed base quantity into signed settlement
// units at price p, rounding magnitude down.
func (l *Ledger) signedQuote(qty quant.Qty, price quant.Price, asset domain.AssetID) quant.Qty {
	a := l.asset(asset)
	base := l.asset(domain.BaseAsset)
	if qty >= 0 {
		return price.QuoteQty(qty, a.Decimals, base.Decimals)
	}
	return -price.QuoteQty(-qty, a.Decimals, base.Decimals)
}

// TrueUpPosition realizes price-change P&L into the owed balance, accrues
// funding since the last settlement period, advances the settlement
// period, then applies the new trade quantity. It must run before any
// matchability or liquidation check reads the position.
func (l *Ledger) TrueUpPosition(user domain.UserID, asset domain.AssetID, tradeQty quant.Qty, price quant.Price, now quant.TimeStamp) *PerpPosition {
	acct := l.Account(user)
	pos, ok := acct.Positions[asset]
	period := now.FundingPeriod()
	if !ok {
		pos = &PerpPosition{LastPeriod: period}
		acct.Positions[asset] = pos
	}

	if pos.Qty != 0 {
		// Realize entry-value drift at unchanged quantity.
		newNotional := l.signedQuote(pos.Qty, price, asset)
		pnl := safe.Sub(int64(newNotional), int64(pos.EntryNotional))
		pos.Owed = quant.Qty(safe.Add(int64(pos.Owed), pnl))
		pos.EntryNotional = newNotional

		// Funding: positive rate means longs pay shorts.
		rate := l.Funding.SumRange(uint32(asset), pos.LastPeriod, period)
		if rate != 0 {
			payment := mulBpsSigned(int64(pos.EntryNotional), int64(rate))
			pos.Owed = quant.Qty(safe.Sub(int64(pos.Owed), payment))
		}
	}
	pos.LastPeriod = period

	if tradeQty != 0 {
		tradeNotional := l.signedQuote(tradeQty, price, asset)
		pos.EntryNotional = quant.Qty(safe.Add(int64(pos.EntryNotional), int64(tradeNotional)))
		pos.Qty = quant.Qty(safe.Add(int64(pos.Qty), int64(tradeQty)))
		if pos.Qty == 0 {
			pos.EntryNotional = 0
		}
	}

	l.refreshDebtBit(user, asset)
	l.refreshOwnBit(user, asset)
	return pos
}

// SettleOwed moves the position's owed balance into (or out of) the
// settlement-asset row, as far as the balance allows. Returns the owed
// remainder (negative when the user still owes).
func (l *Ledger) SettleOwed(user domain.UserID, asset domain.AssetID) quant.Qty {
	acct := l.Account(user)
	pos, ok := acct.Positions[asset]
	if !ok || pos.Owed == 0 {
		return 0
	}

	if pos.Owed > 0 {
		l.Credit(user, domain.BaseAsset, pos.Owed)
		pos.Owed = 0
	} else {
		avail := l.GetAvailable(user, domain.BaseAsset)
		pay := quant.Qty(safe.Min(int64(-pos.Owed), int64(avail)))
		if pay > 0 {
			if err := l.Debit(user, domain.BaseAsset, pay); err == nil {
				pos.Owed += pay
			}
		}
	}

	remainder := pos.Owed
	if pos.IsFlat() {
		delete(acct.Positions, asset)
	}
	l.refreshDebtBit(user, asset)
	l.refreshOwnBit(user, asset)
	return remainder
}

// mulBpsSigned computes v * bps / BpsScale with signed inputs, rounding
// toward zero.
func mulBpsSigned(v, bps int64) int64 {
	neg := (v < 0) != (bps < 0)
	r := safe.MulDiv(safe.Abs(v), safe.Abs(bps), quant.BpsScale)
	if neg {
		return -r
	}
	return r
}
