package book

import (
	"fmt"

	"dex_go/internal/domain"
	"dex_go/pkg/quant"
	"dex_go/pkg/safe"
)

// PlaceResult reports the outcome of a placement.
type PlaceResult struct {
	Matched   quant.Qty
	RestingID uint64 // zero when nothing rested
}

// crosses reports whether a taker at limit can trade against a maker
// price. A zero limit is a market order and crosses everything.
func crosses(side domain.Side, limit, maker quant.Price) bool {
	if limit.IsZero() {
		return true
	}
	if side == domain.SideBuy {
		return !limit.Less(maker)
	}
	return !maker.Less(limit)
}

// PlaceOrder matches an incoming order against the opposite side in
// price-then-arrival order and rests, discards or rejects the remainder
// according to kind. The order id is assigned here and stays monotonic
// for the lifetime of the book.
func (b *Book) PlaceOrder(owner domain.UserID, side domain.Side, qty quant.Qty, price quant.Price, kind domain.OrderKind, flags domain.OrderFlags, hint uint64, be Backend) (PlaceResult, error) {
	if err := b.validatePlace(side, qty, price, kind, flags); err != nil {
		return PlaceResult{}, err
	}
	if err := b.checkHint(side, price, hint); err != nil {
		return PlaceResult{}, err
	}
	if err := b.admitPlace(owner, side, qty, price, kind, flags); err != nil {
		return PlaceResult{}, err
	}

	taker := &domain.Order{
		ID:    b.nextID,
		Owner: owner,
		Side:  side,
		Qty:   qty,
		Price: price,
		Flags: flags,
	}
	b.nextID++

	blocked := b.walk(taker, be)

	if taker.Qty > 0 {
		switch kind {
		case domain.KindFillOrKill:
			// Matchable truncation below nominal quantity can defeat the
			// admission pre-pass. The facade runs fill-or-kill against a
			// state clone, so failing here rolls every fill back wholesale.
			return PlaceResult{}, fmt.Errorf("fillable %d of %d: %w", taker.Matched, qty, domain.ErrUnfilled)
		case domain.KindImmediate:
			if taker.Matched == 0 && blocked {
				return PlaceResult{}, fmt.Errorf("order for user %d: %w", owner, domain.ErrInsufficientBalance)
			}
			return PlaceResult{Matched: taker.Matched}, nil
		}

		if err := be.Rest(taker); err != nil {
			// Fills already settled; an unbackable remainder is dropped
			// like any other zero-collateral stub.
			be.Unrest(taker, true)
			return PlaceResult{Matched: taker.Matched}, nil
		}
		idx := b.arena.alloc(*taker)
		b.index[taker.ID] = idx
		b.linkSorted(idx, hint)
		return PlaceResult{Matched: taker.Matched, RestingID: taker.ID}, nil
	}
	return PlaceResult{Matched: taker.Matched}, nil
}

// walk is the ladder: consume opposite price levels best-first while the
// limit crosses. Reports whether the taker's own balance stopped it.
func (b *Book) walk(taker *domain.Order, be Backend) (blocked bool) {
	opp := b.side(taker.Side.Opposite())

	for taker.Qty > 0 {
		idx := opp.head
		if idx == nilIdx {
			return blocked
		}
		maker := &b.arena.at(idx).ord
		if !crosses(taker.Side, taker.Price, maker.Price) {
			return blocked
		}

		if maker.Owner == taker.Owner {
			// Pre-pass rejects plain self-trades; reaching one here means
			// a liquidation flag is involved and the resting order yields.
			be.Unrest(maker, true)
			b.unlink(idx)
			continue
		}

		can := be.MatchableQty(maker)
		if can > maker.Qty {
			can = maker.Qty
		}
		nominal := maker.Qty

		probe := *taker
		probe.Price = maker.Price
		takerCan := be.MatchableQty(&probe)
		if takerCan <= 0 {
			return true
		}

		fill := quant.Qty(safe.Min(int64(taker.Qty), safe.Min(int64(can), int64(takerCan))))
		if fill > 0 {
			maker.Qty -= fill
			maker.Matched += fill
			taker.Qty -= fill
			taker.Matched += fill
			if err := be.Fill(taker, maker, fill); err != nil {
				panic(fmt.Sprintf("CORE_BOOK_FILL_FAILED %v", err))
			}
		}

		switch {
		case can < nominal:
			// Unfillable residual: remove the whole order, never leave a
			// stub the ladder cannot consume.
			if maker.Qty > 0 {
				be.Unrest(maker, true)
			}
			b.unlink(idx)
		case maker.Qty == 0:
			b.unlink(idx)
		case maker.Collateral == 0:
			// Remainder too small to back: zero-collateral stub.
			be.Unrest(maker, true)
			b.unlink(idx)
		}

		if taker.Qty > 0 && fill == takerCan {
			// Taker exhausted its own backing. Deeper levels price worse,
			// so it cannot afford more there either.
			return true
		}
	}
	return blocked
}

func (b *Book) validatePlace(side domain.Side, qty quant.Qty, price quant.Price, kind domain.OrderKind, flags domain.OrderFlags) error {
	if side != domain.SideBuy && side != domain.SideSell {
		return domain.ErrBadOrderKind
	}
	if qty <= 0 {
		return fmt.Errorf("qty %d: %w", qty, domain.ErrInvalidQty)
	}
	if kind != domain.KindLimit && kind != domain.KindImmediate && kind != domain.KindFillOrKill {
		return domain.ErrBadOrderKind
	}
	if price.IsZero() {
		if kind == domain.KindLimit {
			return fmt.Errorf("limit order without price: %w", domain.ErrBadOrderKind)
		}
	} else if err := price.Validate(); err != nil {
		return fmt.Errorf("%v: %w", err, domain.ErrInvalidPrice)
	}

	if !flags.IsLiquidation() {
		if b.market.Kind == domain.MarketPerp {
			if qty%b.base.LotQty != 0 {
				return fmt.Errorf("qty %d not a multiple of lot %d: %w", qty, b.base.LotQty, domain.ErrQtyNotLot)
			}
		} else if qty < b.base.LotQty {
			return fmt.Errorf("qty %d below lot %d: %w", qty, b.base.LotQty, domain.ErrQtyNotLot)
		}
	}
	return nil
}

// checkHint validates an insertion hint before any mutation: it must name
// a resting order on the same side that the new order does not outrank.
// Errors here keep placement atomic; a hint consumed by the walk itself is
// handled by linkSorted's fallback.
func (b *Book) checkHint(side domain.Side, price quant.Price, hint uint64) error {
	if hint == 0 {
		return nil
	}
	idx, ok := b.index[hint]
	if !ok {
		return fmt.Errorf("hint order %d: %w", hint, domain.ErrStaleHint)
	}
	h := b.arena.at(idx)
	if h.ord.Side != side || (!price.IsZero() && betterThan(side, price, h.ord.Price)) {
		return fmt.Errorf("hint order %d: %w", hint, domain.ErrStaleHint)
	}
	return nil
}

// admitPlace walks the crossing range without mutating: plain self-trades
// are rejected before any fill settles, and fill-or-kill orders verify
// they can complete.
func (b *Book) admitPlace(owner domain.UserID, side domain.Side, qty quant.Qty, price quant.Price, kind domain.OrderKind, flags domain.OrderFlags) error {
	opp := b.side(side.Opposite())

	var fillable int64
	for idx := opp.head; idx != nilIdx; idx = b.arena.at(idx).next {
		maker := &b.arena.at(idx).ord
		if !crosses(side, price, maker.Price) {
			break
		}
		if maker.Owner == owner {
			if !flags.IsLiquidation() && !maker.Flags.IsLiquidation() {
				return fmt.Errorf("order %d rests on the other side: %w", maker.ID, domain.ErrSelfTrade)
			}
			continue
		}
		fillable = safe.Add(fillable, int64(maker.Qty))
		if fillable >= int64(qty) {
			break
		}
	}

	if kind == domain.KindFillOrKill && fillable < int64(qty) {
		return fmt.Errorf("fillable %d of %d: %w", fillable, qty, domain.ErrUnfilled)
	}
	return nil
}
