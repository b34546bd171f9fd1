package book

import (
	"fmt"

	"dex_go/internal/domain"
	"dex_go/pkg/quant"
	"dex_go/pkg/safe"
)

// Backend is what matching needs from accounting and settlement. The
// exchange facade implements it; tests supply fakes.
type Backend interface {
	// MatchableQty bounds how much of a resting order can actually fill
	// given its owner's balances at the current mark.
	MatchableQty(o *domain.Order) quant.Qty

	// Fill settles one match of qty at the maker's price: releases the
	// maker's matched collateral, moves balances, charges fees, trues up
	// perpetual positions and emits the trade event. It must keep
	// o.Collateral in step for the maker.
	Fill(taker, maker *domain.Order, qty quant.Qty) error

	// Rest sequesters collateral for an order entering the book and sets
	// o.Collateral. Failing means the order cannot rest.
	Rest(o *domain.Order) error

	// Unrest releases an order's remaining collateral and reports the
	// cancellation. Forced marks removals the owner did not request.
	Unrest(o *domain.Order, forced bool)
}

type sideList struct {
	head int32
	tail int32
}

// Book is the price-level order book for one market. It is not
// internally synchronized: mutation happens behind the exchange's single
// writer.
type Book struct {
	market *domain.Market
	base   *domain.Asset
	quote  *domain.Asset

	arena *arena
	buys  sideList // descending price, best first
	sells sideList // ascending price, best first
	index map[uint64]int32

	nextID uint64
}

// New creates an empty book for the market.
func New(m *domain.Market, base, quote *domain.Asset) *Book {
	return &Book{
		market: m,
		base:   base,
		quote:  quote,
		arena:  newArena(256),
		buys:   sideList{head: nilIdx, tail: nilIdx},
		sells:  sideList{head: nilIdx, tail: nilIdx},
		index:  make(map[uint64]int32),
		nextID: 1,
	}
}

// Market returns the market this book trades.
func (b *Book) Market() *domain.Market { return b.market }

func (b *Book) side(s domain.Side) *sideList {
	if s == domain.SideBuy {
		return &b.buys
	}
	return &b.sells
}

// betterThan reports whether price a takes priority over b on the side.
func betterThan(s domain.Side, a, b quant.Price) bool {
	if s == domain.SideBuy {
		return b.Less(a)
	}
	return a.Less(b)
}

// linkSorted inserts the slot into its side keeping price priority, ties
// in arrival order. A hint names a resting order to start the scan from.
// Hints are validated before matching; one invalidated by the walk itself
// (the hinted order got consumed) falls back to a head scan.
func (b *Book) linkSorted(idx int32, hint uint64) {
	n := b.arena.at(idx)
	s := b.side(n.ord.Side)

	scan := s.head
	if hint != 0 {
		if hintIdx, ok := b.index[hint]; ok {
			h := b.arena.at(hintIdx)
			if h.ord.Side == n.ord.Side && !betterThan(n.ord.Side, n.ord.Price, h.ord.Price) {
				scan = hintIdx
			}
		}
	}

	for scan != nilIdx {
		cur := b.arena.at(scan)
		if betterThan(n.ord.Side, n.ord.Price, cur.ord.Price) {
			// Insert before cur.
			n.prev = cur.prev
			n.next = scan
			if cur.prev == nilIdx {
				s.head = idx
			} else {
				b.arena.at(cur.prev).next = idx
			}
			cur.prev = idx
			return
		}
		scan = cur.next
	}

	// Worst on the side: append at tail.
	n.prev = s.tail
	n.next = nilIdx
	if s.tail == nilIdx {
		s.head = idx
	} else {
		b.arena.at(s.tail).next = idx
	}
	s.tail = idx
}

// unlink removes the slot from its side list and recycles it.
func (b *Book) unlink(idx int32) {
	n := b.arena.at(idx)
	s := b.side(n.ord.Side)

	if n.prev == nilIdx {
		s.head = n.next
	} else {
		b.arena.at(n.prev).next = n.next
	}
	if n.next == nilIdx {
		s.tail = n.prev
	} else {
		b.arena.at(n.next).prev = n.prev
	}
	delete(b.index, n.ord.ID)
	b.arena.release(idx)
}

// Resting returns the resting order with the given id.
func (b *Book) Resting(id uint64) (*domain.Order, bool) {
	idx, ok := b.index[id]
	if !ok {
		return nil, false
	}
	return &b.arena.at(idx).ord, true
}

// CancelOrder removes a resting order, releasing its collateral. The
// caller must own the order unless override is set (liquidation/admin).
// With soft set a missing order is not an error, for batch flows that
// race fills.
func (b *Book) CancelOrder(id uint64, caller domain.UserID, override, soft bool, be Backend) (bool, error) {
	idx, ok := b.index[id]
	if !ok {
		if soft {
			return false, nil
		}
		return false, fmt.Errorf("order %d: %w", id, domain.ErrOrderNotFound)
	}
	o := &b.arena.at(idx).ord
	if o.Owner != caller && !override {
		return false, fmt.Errorf("order %d: %w", id, domain.ErrNotOrderOwner)
	}
	be.Unrest(o, caller != o.Owner)
	b.unlink(idx)
	return true, nil
}

// BestBidAsk returns the best price and the aggregate nominal quantity
// resting at it, per side. The quantity is what the orders claim, not
// what their owners can back; DepthChart reports the matchable view.
// Zero price means the side is empty.
func (b *Book) BestBidAsk() (bidPrice quant.Price, bidQty quant.Qty, askPrice quant.Price, askQty quant.Qty) {
	bidPrice, bidQty = b.bestLevel(domain.SideBuy)
	askPrice, askQty = b.bestLevel(domain.SideSell)
	return
}

func (b *Book) bestLevel(s domain.Side) (quant.Price, quant.Qty) {
	idx := b.side(s).head
	if idx == nilIdx {
		return quant.Price{}, 0
	}
	best := b.arena.at(idx).ord.Price
	var qty int64
	for idx != nilIdx {
		n := b.arena.at(idx)
		if !n.ord.Price.Equal(best) {
			break
		}
		qty = safe.Add(qty, int64(n.ord.Qty))
		idx = n.next
	}
	return best, quant.Qty(qty)
}

// Orders returns every resting order on the side, best first. Snapshot
// and replay use it; matching never does.
func (b *Book) Orders(s domain.Side) []*domain.Order {
	var out []*domain.Order
	for idx := b.side(s).head; idx != nilIdx; idx = b.arena.at(idx).next {
		out = append(out, &b.arena.at(idx).ord)
	}
	return out
}

// NextID returns the id the next placed order will receive.
func (b *Book) NextID() uint64 { return b.nextID }

// SetNextID restores the id counter, used when rebuilding from snapshot.
func (b *Book) SetNextID(id uint64) { b.nextID = id }

// Restore rests an order without matching or collateral work, used when
// rebuilding from snapshot. Orders must be restored best-first.
func (b *Book) Restore(o domain.Order) {
	idx := b.arena.alloc(o)
	b.index[o.ID] = idx
	b.linkSorted(idx, 0)
}

// Clone deep-copies the book. Liquidation runs against cloned state and
// swaps it in only on success.
func (b *Book) Clone() *Book {
	out := &Book{
		market: b.market,
		base:   b.base,
		quote:  b.quote,
		arena:  b.arena.clone(),
		buys:   b.buys,
		sells:  b.sells,
		index:  make(map[uint64]int32, len(b.index)),
		nextID: b.nextID,
	}
	for id, idx := range b.index {
		out.index[id] = idx
	}
	return out
}
