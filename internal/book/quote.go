package book

import (
	"fmt"

	"dex_go/internal/domain"
	"dex_go/pkg/quant"
	"dex_go/pkg/safe"
)

// Fees supplies taker fee math for quoting, bound to one market by the
// settlement layer. FeeSoFar carries the accumulated fee across ladder
// levels so the per-market cap applies to the whole order.
type Fees interface {
	// TakerFee returns the fee on a gross output amount.
	TakerFee(out, feeSoFar quant.Qty) quant.Qty
	// InverseTakerFee returns the fee needed on top of a desired net
	// output, solving out*rate/(scale-rate).
	InverseTakerFee(netOut, feeSoFar quant.Qty) quant.Qty
}

// Quote is the result of a market order simulation.
type Quote struct {
	In  quant.Qty // amount the taker spends, input asset
	Out quant.Qty // amount the taker receives net of fees, output asset
	// Clearing is the price of the last ladder level touched.
	Clearing quant.Price
}

// Level is one row of the depth chart.
type Level struct {
	Price quant.Price `json:"price"`
	Qty   quant.Qty   `json:"qty"`
}

// MarketOrderQuote simulates a market order without mutating anything,
// walking the same ladder the mutating path would. For a buy the input is
// the quote asset and the output the base asset; for a sell the reverse.
// With specifyOutput the amount is the desired net output and the quote
// reports the input needed; otherwise the amount is the input budget.
// A zero limit means no limit.
func (b *Book) MarketOrderQuote(side domain.Side, specifyOutput bool, amount quant.Qty, limit quant.Price, be Backend, fees Fees) (Quote, error) {
	if amount <= 0 {
		return Quote{}, fmt.Errorf("amount %d: %w", amount, domain.ErrInvalidQty)
	}
	if !limit.IsZero() {
		if err := limit.Validate(); err != nil {
			return Quote{}, fmt.Errorf("%v: %w", err, domain.ErrInvalidPrice)
		}
	}

	var q Quote
	var feeSoFar quant.Qty
	remaining := amount

	opp := b.side(side.Opposite())
	for idx := opp.head; idx != nilIdx && remaining > 0; {
		n := b.arena.at(idx)
		maker := &n.ord
		idx = n.next
		if !crosses(side, limit, maker.Price) {
			break
		}

		avail := be.MatchableQty(maker)
		if avail > maker.Qty {
			avail = maker.Qty
		}
		if avail <= 0 {
			continue
		}

		fill, in, out, fee := b.levelTrade(side, specifyOutput, remaining, maker.Price, avail, feeSoFar, fees)
		if fill <= 0 {
			break
		}
		q.In = quant.Qty(safe.Add(int64(q.In), int64(in)))
		q.Out = quant.Qty(safe.Add(int64(q.Out), int64(out)))
		q.Clearing = maker.Price
		feeSoFar = quant.Qty(safe.Add(int64(feeSoFar), int64(fee)))

		if specifyOutput {
			remaining -= out
		} else {
			remaining -= in
		}
	}
	return q, nil
}

// levelTrade computes one ladder level of a simulated market order.
// Returns the base quantity consumed from the maker, the taker's input
// spend, net output and fee for this level.
func (b *Book) levelTrade(side domain.Side, specifyOutput bool, remaining quant.Qty, price quant.Price, avail, feeSoFar quant.Qty, fees Fees) (fill, in, out, fee quant.Qty) {
	bd, qd := b.base.Decimals, b.quote.Decimals

	if side == domain.SideBuy {
		// Input quote, output base. Fee comes out of the base received.
		if specifyOutput {
			fee = fees.InverseTakerFee(remaining, feeSoFar)
			gross := quant.Qty(safe.Add(int64(remaining), int64(fee)))
			fill = quant.Qty(safe.Min(int64(gross), int64(avail)))
		} else {
			canAfford := price.BaseQty(remaining, bd, qd)
			fill = quant.Qty(safe.Min(int64(canAfford), int64(avail)))
		}
		if fill <= 0 {
			return 0, 0, 0, 0
		}
		fee = fees.TakerFee(fill, feeSoFar)
		in = price.QuoteQty(fill, bd, qd)
		out = fill - fee
		return fill, in, out, fee
	}

	// Sell: input base, output quote. Fee comes out of the quote received.
	if specifyOutput {
		fee = fees.InverseTakerFee(remaining, feeSoFar)
		grossQuote := quant.Qty(safe.Add(int64(remaining), int64(fee)))
		need := price.BaseQty(grossQuote, bd, qd)
		// Round up to cover the full desired output.
		if price.QuoteQty(need, bd, qd) < grossQuote {
			need++
		}
		fill = quant.Qty(safe.Min(int64(need), int64(avail)))
	} else {
		fill = quant.Qty(safe.Min(int64(remaining), int64(avail)))
	}
	if fill <= 0 {
		return 0, 0, 0, 0
	}
	grossOut := price.QuoteQty(fill, bd, qd)
	fee = fees.TakerFee(grossOut, feeSoFar)
	in = fill
	out = grossOut - fee
	return fill, in, out, fee
}

// DepthChart returns up to maxLevels aggregated price levels on the
// side, best first, reflecting matchable quantity rather than nominal
// resting quantity. A zero cursor starts at the best price; otherwise
// the cursor is the order id a previous page returned, and a cursor
// whose order has since left the book is stale. The returned cursor is
// zero when the side is exhausted.
func (b *Book) DepthChart(side domain.Side, maxLevels int, cursor uint64, be Backend) ([]Level, uint64, error) {
	if maxLevels <= 0 {
		return nil, 0, fmt.Errorf("max levels %d: %w", maxLevels, domain.ErrInvalidQty)
	}

	idx := b.side(side).head
	if cursor != 0 {
		at, ok := b.index[cursor]
		if !ok {
			return nil, 0, fmt.Errorf("cursor order %d: %w", cursor, domain.ErrStaleHint)
		}
		if b.arena.at(at).ord.Side != side {
			return nil, 0, fmt.Errorf("cursor order %d: %w", cursor, domain.ErrStaleHint)
		}
		idx = at
	}

	var levels []Level
	for idx != nilIdx {
		n := b.arena.at(idx)
		price := n.ord.Price

		if len(levels) == maxLevels {
			return levels, n.ord.ID, nil
		}

		var qty int64
		for idx != nilIdx {
			cur := b.arena.at(idx)
			if !cur.ord.Price.Equal(price) {
				break
			}
			can := be.MatchableQty(&cur.ord)
			if can > cur.ord.Qty {
				can = cur.ord.Qty
			}
			if can > 0 {
				qty = safe.Add(qty, int64(can))
			}
			idx = cur.next
		}
		if qty > 0 {
			levels = append(levels, Level{Price: price, Qty: quant.Qty(qty)})
		}
	}
	return levels, 0, nil
}
