package engine

import (
	"fmt"

	"github.com/google/uuid"

	"dex_go/internal/book"
	"dex_go/internal/domain"
	"dex_go/internal/event"
	"dex_go/internal/lending"
	"dex_go/internal/settle"
	"dex_go/pkg/quant"
	"dex_go/pkg/safe"
)

// marketBackend binds one order book to the ledger and settlement for the
// duration of a call. It implements book.Backend.
type marketBackend struct {
	x    *Exchange
	st   *state
	bk   *book.Book
	fees *settle.FeeSchedule
	call uuid.UUID
	now  quant.TimeStamp
}

func (x *Exchange) marketBackend(st *state, bk *book.Book, call uuid.UUID, now quant.TimeStamp) *marketBackend {
	return &marketBackend{
		x:    x,
		st:   st,
		bk:   bk,
		fees: x.fees[bk.Market().ID],
		call: call,
		now:  now,
	}
}

func (be *marketBackend) settler() *settle.Settler {
	return settle.New(be.st.ledger)
}

func (be *marketBackend) mark() quant.Price {
	m := be.bk.Market()
	if m.Kind != domain.MarketPerp {
		return quant.Price{}
	}
	mark, _ := be.x.oracle.MarkPrice(m.Base)
	return mark
}

func (be *marketBackend) MatchableQty(o *domain.Order) quant.Qty {
	return be.st.ledger.MatchableQty(o, be.bk.Market(), be.mark())
}

func (be *marketBackend) Fill(taker, maker *domain.Order, qty quant.Qty) error {
	m := be.bk.Market()
	var takerFee, makerFee quant.Qty
	var err error
	if m.Kind == domain.MarketPerp {
		takerFee, makerFee, err = be.settler().SettlePerp(m, be.fees, taker, maker, qty, be.now)
	} else {
		takerFee, makerFee, err = be.settler().SettleSpot(m, be.fees, taker, maker, qty)
	}
	if err != nil {
		return err
	}
	ev := &event.OrderMatchedEvent{
		Market: m.ID, TakerID: taker.ID, MakerID: maker.ID,
		Taker: taker.Owner, Maker: maker.Owner,
		Qty: qty, Price: maker.Price,
		TakerFee: takerFee, MakerFee: makerFee,
	}
	be.x.buf.Stamp(&ev.BaseEvent, be.now, be.call, ev)
	return nil
}

func (be *marketBackend) Rest(o *domain.Order) error {
	if err := be.settler().Rest(be.bk.Market(), o); err != nil {
		return err
	}
	ev := &event.OrderRestedEvent{
		Market: be.bk.Market().ID, OrderID: o.ID, Qty: o.Qty, Price: o.Price,
	}
	be.x.buf.Stamp(&ev.BaseEvent, be.now, be.call, ev)
	return nil
}

func (be *marketBackend) Unrest(o *domain.Order, forced bool) {
	be.settler().Unrest(be.bk.Market(), o)
	ev := &event.OrderCancelledEvent{
		Market: be.bk.Market().ID, OrderID: o.ID, Owner: o.Owner,
		Remaining: o.Qty, Forced: forced,
	}
	be.x.buf.Stamp(&ev.BaseEvent, be.now, be.call, ev)
}

// lendBackend binds one lending book to the ledger and settlement for the
// duration of a call. It implements lending.Backend.
type lendBackend struct {
	x    *Exchange
	st   *state
	lb   *lending.Book
	call uuid.UUID
	now  quant.TimeStamp
}

func (x *Exchange) lendBackend(st *state, lb *lending.Book, call uuid.UUID, now quant.TimeStamp) *lendBackend {
	return &lendBackend{x: x, st: st, lb: lb, call: call, now: now}
}

func (be *lendBackend) settler() *settle.Settler {
	return settle.New(be.st.ledger)
}

func (be *lendBackend) Rest(o *lending.Offer) error {
	return be.settler().RestOffer(be.lb.Asset(), o)
}

func (be *lendBackend) Unrest(o *lending.Offer, forced bool) {
	be.settler().UnrestOffer(be.lb.Asset(), o)
	ev := &event.OrderCancelledEvent{
		OrderID: o.ID, Owner: o.Owner, Remaining: o.Qty, Forced: forced,
	}
	be.x.buf.Stamp(&ev.BaseEvent, be.now, be.call, ev)
}

func (be *lendBackend) Match(lend, borrow *lending.Offer, qty quant.Qty, makerIsLender bool) error {
	loan, err := be.settler().SettleLoan(be.lb.Asset(), lend, borrow, qty, makerIsLender, be.x.cfg.LoanDurationHours, be.now)
	if err != nil {
		return err
	}
	ev := &event.LoanOpenedEvent{
		LoanID: uint64(loan.ID), Asset: loan.Asset,
		Lender: loan.Lender, Borrower: loan.Borrower,
		Qty: qty, RateBps: loan.RateBps,
	}
	be.x.buf.Stamp(&ev.BaseEvent, be.now, be.call, ev)
	return nil
}

// CheckLiquidationBorrow enforces that a user forced to borrow during
// liquidation stays covered by their own lending exposure: lent must be
// at least LiqBorrowCapBps of borrowed-after, per asset.
func (be *lendBackend) CheckLiquidationBorrow(owner domain.UserID, qty quant.Qty) error {
	asset := be.lb.Asset().ID
	acct := be.st.ledger.Account(owner)
	lent := int64(acct.Lent[asset])
	after := safe.Add(int64(acct.Borrowed[asset]), int64(qty))
	if safe.Mul(lent, quant.BpsScale) < safe.Mul(after, int64(be.x.cfg.LiqBorrowCapBps)) {
		return fmt.Errorf("lent %d against %d borrowed after: %w", lent, after, domain.ErrLiqBorrowCap)
	}
	return nil
}

// maxLiquidationBorrow returns the largest borrow the exposure cap
// allows, floored to lot.
func (x *Exchange) maxLiquidationBorrow(st *state, owner domain.UserID, asset domain.AssetID) quant.Qty {
	acct := st.ledger.Account(owner)
	lent := int64(acct.Lent[asset])
	room := safe.MulDiv(lent, quant.BpsScale, int64(x.cfg.LiqBorrowCapBps)) - int64(acct.Borrowed[asset])
	if room <= 0 {
		return 0
	}
	return x.assets[asset].FloorToLot(quant.Qty(room))
}

var _ book.Backend = (*marketBackend)(nil)
var _ lending.Backend = (*lendBackend)(nil)
