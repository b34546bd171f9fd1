package lending

import (
	"fmt"
	"sort"

	"dex_go/internal/domain"
	"dex_go/pkg/quant"
	"dex_go/pkg/safe"
)

// Offer is a resting lend offer or borrow request. Qty is the remaining
// principal in the asset's native units.
type Offer struct {
	ID      uint64            `json:"id"`
	Owner   domain.UserID     `json:"owner"`
	Qty     quant.Qty         `json:"qty"`
	RateBps quant.Bps         `json:"rate_bps"`
	Flags   domain.OrderFlags `json:"flags,omitempty"`
	// Lend distinguishes the two sides of the book.
	Lend bool `json:"lend"`
	// ReturnToBook relists the principal as a fresh lend offer when a
	// loan made from this offer is repaid. Lend side only.
	ReturnToBook bool `json:"return_to_book,omitempty"`
	// Collateral is the sequestered backing: principal for lend offers,
	// prepaid interest for borrow requests. The settlement layer keeps it
	// in step.
	Collateral quant.Qty `json:"collateral"`
}

// Backend is what lending matching needs from accounting. The exchange
// facade implements it.
type Backend interface {
	// Rest sequesters an offer's backing and sets Collateral: the full
	// principal for a lend offer, one interest period's prepayment for a
	// borrow request.
	Rest(o *Offer) error

	// Unrest releases remaining backing and reports the cancellation.
	Unrest(o *Offer, forced bool)

	// Match opens a loan of qty at the maker's rate. The maker's matched
	// backing must be released and Collateral kept in step.
	Match(lend, borrow *Offer, qty quant.Qty, makerIsLender bool) error

	// CheckLiquidationBorrow enforces the lending-exposure cap on borrow
	// requests placed by the liquidation engine.
	CheckLiquidationBorrow(owner domain.UserID, qty quant.Qty) error
}

// Result reports the outcome of a placement.
type Result struct {
	Matched   quant.Qty
	RestingID uint64
}

// emergencyRateBps is the highest rate a non-bankruptcy liquidation
// borrow may pay.
const emergencyRateBps quant.Bps = 5000

// Book is the lending book for one asset.
type Book struct {
	asset *domain.Asset

	arena   *orderArena
	lends   *ladder // ascending, best (cheapest) at head
	borrows *ladder // ascending, best (highest) at tail
	index   map[uint64]int32

	nextID uint64
}

// New creates an empty lending book for the asset.
func New(asset *domain.Asset) *Book {
	return &Book{
		asset:   asset,
		arena:   newOrderArena(),
		lends:   newLadder(),
		borrows: newLadder(),
		index:   make(map[uint64]int32),
		nextID:  1,
	}
}

// Asset returns the asset this book lends.
func (b *Book) Asset() *domain.Asset { return b.asset }

// NextID returns the id the next placed offer will receive.
func (b *Book) NextID() uint64 { return b.nextID }

func (b *Book) validate(qty quant.Qty, rate quant.Bps) error {
	if qty <= 0 || qty%b.asset.LotQty != 0 {
		return fmt.Errorf("qty %d not a multiple of lot %d: %w", qty, b.asset.LotQty, domain.ErrQtyNotLot)
	}
	if rate <= 0 || rate >= quant.BpsScale {
		return fmt.Errorf("rate %d bps: %w", rate, domain.ErrRateOutOfRange)
	}
	return nil
}

// PlaceLendOffer matches against borrow requests willing to pay at least
// the offered rate, best (highest) first, and rests any remainder.
func (b *Book) PlaceLendOffer(owner domain.UserID, qty quant.Qty, rate quant.Bps, kind domain.OrderKind, returnToBook bool, be Backend) (Result, error) {
	if err := b.validate(qty, rate); err != nil {
		return Result{}, err
	}
	off := Offer{
		ID:           b.nextID,
		Owner:        owner,
		Qty:          qty,
		RateBps:      rate,
		Lend:         true,
		ReturnToBook: returnToBook,
	}
	return b.place(&off, kind, be)
}

// PlaceBorrowRequest matches against lend offers asking at most the
// limit rate, best (cheapest) first, and rests any remainder.
// Liquidation borrows additionally must keep the owner's borrowing under
// their own lending exposure and, outside bankruptcy, under the
// emergency rate.
func (b *Book) PlaceBorrowRequest(owner domain.UserID, qty quant.Qty, rate quant.Bps, kind domain.OrderKind, flags domain.OrderFlags, be Backend) (Result, error) {
	if err := b.validate(qty, rate); err != nil {
		return Result{}, err
	}
	if flags.IsLiquidation() {
		if !flags.IsBankruptcy() && rate >= emergencyRateBps {
			return Result{}, fmt.Errorf("liquidation borrow at %d bps: %w", rate, domain.ErrRateOutOfRange)
		}
		if err := be.CheckLiquidationBorrow(owner, qty); err != nil {
			return Result{}, err
		}
	}
	off := Offer{
		ID:      b.nextID,
		Owner:   owner,
		Qty:     qty,
		RateBps: rate,
		Flags:   flags,
	}
	return b.place(&off, kind, be)
}

func (b *Book) place(off *Offer, kind domain.OrderKind, be Backend) (Result, error) {
	if kind != domain.KindLimit && kind != domain.KindImmediate && kind != domain.KindFillOrKill {
		return Result{}, domain.ErrBadOrderKind
	}
	if err := b.admit(off, kind); err != nil {
		return Result{}, err
	}
	b.nextID++
	orig := off.Qty

	b.walk(off, be)
	filled := orig - off.Qty

	if off.Qty > 0 {
		switch kind {
		case domain.KindFillOrKill:
			// The facade runs fill-or-kill against a state clone, so
			// failing here rolls the fills back wholesale.
			return Result{}, fmt.Errorf("fillable %d of %d: %w", filled, orig, domain.ErrUnfilled)
		case domain.KindImmediate:
			return Result{Matched: filled}, nil
		}
		if err := be.Rest(off); err != nil {
			// Fills already settled; an unbackable remainder is dropped
			// like any other zero-collateral stub.
			be.Unrest(off, true)
			return Result{Matched: filled}, nil
		}
		idx := b.arena.alloc(*off)
		b.index[off.ID] = idx
		lad := b.sideLadder(off.Lend)
		lad.push(b.arena, lad.levelFor(off.RateBps), idx)
		return Result{Matched: filled, RestingID: off.ID}, nil
	}
	return Result{Matched: filled}, nil
}

// bestCounter returns the best crossing counter level for the offer, or
// nilIdx. Borrowers take the cheapest lend level; lenders take the
// highest-paying borrow level.
func (b *Book) bestCounter(off *Offer) int32 {
	if off.Lend {
		idx := b.borrows.tail
		if idx == nilIdx || b.borrows.level(idx).rate < off.RateBps {
			return nilIdx
		}
		return idx
	}
	idx := b.lends.head
	if idx == nilIdx || b.lends.level(idx).rate > off.RateBps {
		return nilIdx
	}
	return idx
}

func (b *Book) walk(off *Offer, be Backend) {
	for off.Qty > 0 {
		levelIdx := b.bestCounter(off)
		if levelIdx == nilIdx {
			return
		}
		counter := b.counterLadder(off.Lend)
		lv := counter.level(levelIdx)
		orderIdx := lv.head
		maker := &b.arena.at(orderIdx).off

		if maker.Owner == off.Owner {
			// admit rejects plain self-matches; a liquidation flag means
			// the resting offer yields.
			delete(b.index, maker.ID)
			be.Unrest(maker, true)
			counter.remove(b.arena, orderIdx)
			continue
		}

		fill := quant.Qty(safe.Min(int64(off.Qty), int64(maker.Qty)))
		maker.Qty -= fill
		off.Qty -= fill
		var err error
		if off.Lend {
			err = be.Match(off, maker, fill, false)
		} else {
			err = be.Match(maker, off, fill, true)
		}
		if err != nil {
			panic(fmt.Sprintf("CORE_LENDING_MATCH_FAILED %v", err))
		}

		switch {
		case maker.Qty == 0:
			delete(b.index, maker.ID)
			counter.remove(b.arena, orderIdx)
		case maker.Collateral == 0:
			// Remainder too small to back its interest prepayment.
			delete(b.index, maker.ID)
			be.Unrest(maker, true)
			counter.remove(b.arena, orderIdx)
		}
	}
}

// admit scans the crossing range before any mutation: plain self-matches
// are rejected and fill-or-kill offers verify they can complete.
func (b *Book) admit(off *Offer, kind domain.OrderKind) error {
	counter := b.counterLadder(off.Lend)

	var fillable int64
	levelIdx := counter.head
	if off.Lend {
		levelIdx = counter.tail
	}
	for levelIdx != nilIdx {
		lv := counter.level(levelIdx)
		if off.Lend {
			if lv.rate < off.RateBps {
				break
			}
		} else if lv.rate > off.RateBps {
			break
		}

		orderIdx := lv.head
		for {
			maker := &b.arena.at(orderIdx).off
			if maker.Owner == off.Owner {
				if !off.Flags.IsLiquidation() && !maker.Flags.IsLiquidation() {
					return fmt.Errorf("offer %d rests on the other side: %w", maker.ID, domain.ErrSelfTrade)
				}
			} else {
				fillable = safe.Add(fillable, int64(maker.Qty))
				if fillable >= int64(off.Qty) {
					return nil
				}
			}
			orderIdx = b.arena.at(orderIdx).next
			if orderIdx == lv.head {
				break
			}
		}

		if off.Lend {
			levelIdx = lv.prev
		} else {
			levelIdx = lv.next
		}
	}

	if kind == domain.KindFillOrKill && fillable < int64(off.Qty) {
		return fmt.Errorf("fillable %d of %d: %w", fillable, off.Qty, domain.ErrUnfilled)
	}
	return nil
}

// CancelLendOffer removes a resting lend offer, releasing its principal.
func (b *Book) CancelLendOffer(id uint64, caller domain.UserID, override bool, be Backend) error {
	return b.cancel(id, caller, override, true, be)
}

// CancelBorrowRequest removes a resting borrow request. The released
// amount is the remaining interest-collateral, not the principal.
func (b *Book) CancelBorrowRequest(id uint64, caller domain.UserID, override bool, be Backend) error {
	return b.cancel(id, caller, override, false, be)
}

func (b *Book) cancel(id uint64, caller domain.UserID, override, lendSide bool, be Backend) error {
	idx, ok := b.index[id]
	if !ok {
		return fmt.Errorf("offer %d: %w", id, domain.ErrOrderNotFound)
	}
	n := b.arena.at(idx)
	if n.off.Lend != lendSide {
		return fmt.Errorf("offer %d: %w", id, domain.ErrOrderNotFound)
	}
	if n.off.Owner != caller && !override {
		return fmt.Errorf("offer %d: %w", id, domain.ErrNotOrderOwner)
	}
	be.Unrest(&n.off, caller != n.off.Owner)
	delete(b.index, id)
	b.sideLadder(lendSide).remove(b.arena, idx)
	return nil
}

// Resting returns the resting offer with the given id.
func (b *Book) Resting(id uint64) (*Offer, bool) {
	idx, ok := b.index[id]
	if !ok {
		return nil, false
	}
	return &b.arena.at(idx).off, true
}

// RestingByOwner returns the ids of the owner's resting offers per side,
// ascending. The liquidation sweep uses it to reclaim sequestered
// backing.
func (b *Book) RestingByOwner(owner domain.UserID) (lendIDs, borrowIDs []uint64) {
	for id, idx := range b.index {
		off := &b.arena.at(idx).off
		if off.Owner != owner {
			continue
		}
		if off.Lend {
			lendIDs = append(lendIDs, id)
		} else {
			borrowIDs = append(borrowIDs, id)
		}
	}
	sort.Slice(lendIDs, func(i, j int) bool { return lendIDs[i] < lendIDs[j] })
	sort.Slice(borrowIDs, func(i, j int) bool { return borrowIDs[i] < borrowIDs[j] })
	return
}

// BestRates returns the best rate and aggregate quantity per side: the
// cheapest lend offer and the highest-paying borrow request. A zero rate
// means the side is empty.
func (b *Book) BestRates() (lendRate quant.Bps, lendQty quant.Qty, borrowRate quant.Bps, borrowQty quant.Qty) {
	if idx := b.lends.head; idx != nilIdx {
		lendRate, lendQty = b.levelTotal(b.lends, idx)
	}
	if idx := b.borrows.tail; idx != nilIdx {
		borrowRate, borrowQty = b.levelTotal(b.borrows, idx)
	}
	return
}

func (b *Book) levelTotal(l *ladder, levelIdx int32) (quant.Bps, quant.Qty) {
	lv := l.level(levelIdx)
	var qty int64
	orderIdx := lv.head
	for {
		qty = safe.Add(qty, int64(b.arena.at(orderIdx).off.Qty))
		orderIdx = b.arena.at(orderIdx).next
		if orderIdx == lv.head {
			break
		}
	}
	return lv.rate, quant.Qty(qty)
}

// Clone deep-copies the lending book. Liquidation runs against cloned
// state and swaps it in only on success.
func (b *Book) Clone() *Book {
	out := &Book{
		asset:   b.asset,
		arena:   b.arena.clone(),
		lends:   b.lends.clone(),
		borrows: b.borrows.clone(),
		index:   make(map[uint64]int32, len(b.index)),
		nextID:  b.nextID,
	}
	for id, idx := range b.index {
		out.index[id] = idx
	}
	return out
}

func (b *Book) sideLadder(lendSide bool) *ladder {
	if lendSide {
		return b.lends
	}
	return b.borrows
}

func (b *Book) counterLadder(lendSide bool) *ladder {
	if lendSide {
		return b.borrows
	}
	return b.lends
}
