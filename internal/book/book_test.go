package book

import (
	"errors"
	"testing"

	"dex_go/internal/domain"
	"dex_go/pkg/quant"
)

var (
	testBase   = &domain.Asset{ID: 2, Symbol: "XBT", Decimals: 8, LotQty: 100, SlippageBps: 100}
	testQuote  = &domain.Asset{ID: 0, Symbol: "USD", Decimals: 6, LotQty: 1}
	testMarket = &domain.Market{ID: 1, Kind: domain.MarketSpot, Base: 2, Quote: 0, TakerFeeBps: 30}
)

type fillRec struct {
	maker uint64
	taker uint64
	qty   quant.Qty
	price quant.Price
}

type cancelRec struct {
	id     uint64
	forced bool
}

// fakeBackend backs every order in full unless a per-order bound is set,
// and keeps collateral equal to the remaining quantity so no stub rule
// fires unless a test asks for it.
type fakeBackend struct {
	bounds  map[uint64]quant.Qty // by order id
	starve  bool                 // Fill zeroes maker collateral
	restErr error

	fills   []fillRec
	cancels []cancelRec
	rested  []uint64
}

func (f *fakeBackend) MatchableQty(o *domain.Order) quant.Qty {
	if q, ok := f.bounds[o.ID]; ok {
		return q
	}
	return o.Qty
}

func (f *fakeBackend) Fill(taker, maker *domain.Order, qty quant.Qty) error {
	f.fills = append(f.fills, fillRec{maker: maker.ID, taker: taker.ID, qty: qty, price: maker.Price})
	if f.starve {
		maker.Collateral = 0
	} else {
		maker.Collateral = maker.Qty
	}
	return nil
}

func (f *fakeBackend) Rest(o *domain.Order) error {
	if f.restErr != nil {
		return f.restErr
	}
	o.Collateral = o.Qty
	f.rested = append(f.rested, o.ID)
	return nil
}

func (f *fakeBackend) Unrest(o *domain.Order, forced bool) {
	f.cancels = append(f.cancels, cancelRec{id: o.ID, forced: forced})
}

func newTestBook() *Book {
	return New(testMarket, testBase, testQuote)
}

func price(man int64) quant.Price {
	return quant.MustPrice(man, 0)
}

func mustPlace(t *testing.T, b *Book, be Backend, owner domain.UserID, side domain.Side, qty quant.Qty, p quant.Price, kind domain.OrderKind) PlaceResult {
	t.Helper()
	res, err := b.PlaceOrder(owner, side, qty, p, kind, 0, 0, be)
	if err != nil {
		t.Fatalf("place failed: %v", err)
	}
	return res
}

func TestPlaceOrder_PartialFillRestsRemainder(t *testing.T) {
	b := newTestBook()
	be := &fakeBackend{}

	sell := mustPlace(t, b, be, 1, domain.SideSell, 5000, price(100), domain.KindLimit)
	if sell.RestingID == 0 || sell.Matched != 0 {
		t.Fatalf("expected clean rest, got %+v", sell)
	}

	buy := mustPlace(t, b, be, 2, domain.SideBuy, 3000, price(100), domain.KindLimit)
	if buy.Matched != 3000 || buy.RestingID != 0 {
		t.Fatalf("expected full match of 3000, got %+v", buy)
	}

	rest, ok := b.Resting(sell.RestingID)
	if !ok || rest.Qty != 2000 {
		t.Fatalf("expected resting remainder 2000, got %+v", rest)
	}
	if len(be.fills) != 1 || be.fills[0].qty != 3000 || !be.fills[0].price.Equal(price(100)) {
		t.Errorf("fill record wrong: %+v", be.fills)
	}
}

func TestPlaceOrder_PriceTimePriority(t *testing.T) {
	b := newTestBook()
	be := &fakeBackend{}

	first := mustPlace(t, b, be, 1, domain.SideSell, 1000, price(100), domain.KindLimit)
	mustPlace(t, b, be, 2, domain.SideSell, 1000, price(101), domain.KindLimit)
	third := mustPlace(t, b, be, 3, domain.SideSell, 1000, price(100), domain.KindLimit)

	mustPlace(t, b, be, 4, domain.SideBuy, 2500, price(101), domain.KindImmediate)

	if len(be.fills) != 3 {
		t.Fatalf("expected 3 fills, got %d", len(be.fills))
	}
	if be.fills[0].maker != first.RestingID || be.fills[1].maker != third.RestingID {
		t.Errorf("price-time order violated: %+v", be.fills)
	}
	if !be.fills[2].price.Equal(price(101)) || be.fills[2].qty != 500 {
		t.Errorf("worst level fill wrong: %+v", be.fills[2])
	}
}

func TestPlaceOrder_SelfTradeRejected(t *testing.T) {
	b := newTestBook()
	be := &fakeBackend{}

	mustPlace(t, b, be, 1, domain.SideSell, 1000, price(100), domain.KindLimit)
	_, err := b.PlaceOrder(1, domain.SideBuy, 1000, price(100), domain.KindLimit, 0, 0, be)
	if !errors.Is(err, domain.ErrSelfTrade) {
		t.Fatalf("expected ErrSelfTrade, got %v", err)
	}
	if len(be.fills) != 0 {
		t.Error("self-trade must not settle anything")
	}
}

func TestPlaceOrder_LiquidationCancelsOwnResting(t *testing.T) {
	b := newTestBook()
	be := &fakeBackend{}

	own := mustPlace(t, b, be, 1, domain.SideSell, 1000, price(100), domain.KindLimit)
	other := mustPlace(t, b, be, 2, domain.SideSell, 1000, price(100), domain.KindLimit)

	res, err := b.PlaceOrder(1, domain.SideBuy, 1000, price(100), domain.KindImmediate, domain.FlagLiquidation, 0, be)
	if err != nil {
		t.Fatalf("liquidation buy failed: %v", err)
	}
	if res.Matched != 1000 {
		t.Errorf("expected 1000 matched from other seller, got %d", res.Matched)
	}
	if len(be.cancels) != 1 || be.cancels[0].id != own.RestingID || !be.cancels[0].forced {
		t.Errorf("own resting order should be force-cancelled: %+v", be.cancels)
	}
	if len(be.fills) != 1 || be.fills[0].maker != other.RestingID {
		t.Errorf("fill should hit the other seller: %+v", be.fills)
	}
}

func TestPlaceOrder_MatchableTruncationCancelsResidual(t *testing.T) {
	b := newTestBook()
	be := &fakeBackend{bounds: map[uint64]quant.Qty{}}

	sell := mustPlace(t, b, be, 1, domain.SideSell, 1000, price(100), domain.KindLimit)
	be.bounds[sell.RestingID] = 600 // owner can only back 600

	res := mustPlace(t, b, be, 2, domain.SideBuy, 500, price(100), domain.KindImmediate)
	if res.Matched != 500 {
		t.Fatalf("expected 500 matched, got %d", res.Matched)
	}
	// The unbackable residual must not stay in the book.
	if _, ok := b.Resting(sell.RestingID); ok {
		t.Error("unfillable residual left in book")
	}
	if len(be.cancels) != 1 || !be.cancels[0].forced {
		t.Errorf("expected forced cancel of residual: %+v", be.cancels)
	}
}

func TestPlaceOrder_ZeroCollateralStubCancelled(t *testing.T) {
	b := newTestBook()
	be := &fakeBackend{starve: true}

	sell := mustPlace(t, b, be, 1, domain.SideSell, 1000, price(100), domain.KindLimit)
	mustPlace(t, b, be, 2, domain.SideBuy, 400, price(100), domain.KindImmediate)

	if _, ok := b.Resting(sell.RestingID); ok {
		t.Error("zero-collateral stub left in book")
	}
	if len(be.cancels) != 1 || be.cancels[0].id != sell.RestingID || !be.cancels[0].forced {
		t.Errorf("expected forced stub cancel: %+v", be.cancels)
	}
}

func TestPlaceOrder_FillOrKill(t *testing.T) {
	b := newTestBook()
	be := &fakeBackend{}

	mustPlace(t, b, be, 1, domain.SideSell, 1000, price(100), domain.KindLimit)

	_, err := b.PlaceOrder(2, domain.SideBuy, 2000, price(100), domain.KindFillOrKill, 0, 0, be)
	if !errors.Is(err, domain.ErrUnfilled) {
		t.Fatalf("expected ErrUnfilled, got %v", err)
	}
	if len(be.fills) != 0 {
		t.Error("failed fill-or-kill must not settle anything")
	}

	res, err := b.PlaceOrder(2, domain.SideBuy, 1000, price(100), domain.KindFillOrKill, 0, 0, be)
	if err != nil || res.Matched != 1000 {
		t.Fatalf("expected full fill, got %+v err %v", res, err)
	}
}

func TestPlaceOrder_FillOrKillMatchableTruncation(t *testing.T) {
	b := newTestBook()
	be := &fakeBackend{bounds: map[uint64]quant.Qty{}}

	// Nominal depth satisfies the admission pre-pass; the walk discovers
	// the maker can only back part of it and must report the shortfall.
	sell := mustPlace(t, b, be, 1, domain.SideSell, 5000, price(100), domain.KindLimit)
	be.bounds[sell.RestingID] = 3000

	_, err := b.PlaceOrder(2, domain.SideBuy, 5000, price(100), domain.KindFillOrKill, 0, 0, be)
	if !errors.Is(err, domain.ErrUnfilled) {
		t.Fatalf("expected ErrUnfilled, got %v", err)
	}
}

func TestPlaceOrder_ImmediateDiscardsRemainder(t *testing.T) {
	b := newTestBook()
	be := &fakeBackend{}

	mustPlace(t, b, be, 1, domain.SideSell, 1000, price(100), domain.KindLimit)
	res := mustPlace(t, b, be, 2, domain.SideBuy, 3000, price(100), domain.KindImmediate)
	if res.Matched != 1000 || res.RestingID != 0 {
		t.Fatalf("expected 1000 matched and nothing rested, got %+v", res)
	}
	if len(be.rested) != 1 { // only the original sell
		t.Errorf("immediate order must not rest: %v", be.rested)
	}
}

func TestPlaceOrder_LotRules(t *testing.T) {
	b := newTestBook()
	be := &fakeBackend{}

	_, err := b.PlaceOrder(1, domain.SideSell, 50, price(100), domain.KindLimit, 0, 0, be)
	if !errors.Is(err, domain.ErrQtyNotLot) {
		t.Errorf("spot below lot should fail, got %v", err)
	}

	perp := New(&domain.Market{ID: 2, Kind: domain.MarketPerp, Base: 2, Quote: 0}, testBase, testQuote)
	_, err = perp.PlaceOrder(1, domain.SideSell, 150, price(100), domain.KindLimit, 0, 0, be)
	if !errors.Is(err, domain.ErrQtyNotLot) {
		t.Errorf("perp non-multiple should fail, got %v", err)
	}

	// Liquidation orders bypass the lot rule.
	if _, err := perp.PlaceOrder(1, domain.SideSell, 150, price(100), domain.KindImmediate, domain.FlagLiquidation, 0, be); err != nil {
		t.Errorf("liquidation order should bypass lot rule: %v", err)
	}
}

func TestPlaceOrder_MarketOrderCannotRest(t *testing.T) {
	b := newTestBook()
	be := &fakeBackend{}

	_, err := b.PlaceOrder(1, domain.SideBuy, 1000, quant.Price{}, domain.KindLimit, 0, 0, be)
	if !errors.Is(err, domain.ErrBadOrderKind) {
		t.Errorf("expected ErrBadOrderKind, got %v", err)
	}
}

func TestPlaceOrder_HintInsertion(t *testing.T) {
	b := newTestBook()
	be := &fakeBackend{}

	a := mustPlace(t, b, be, 1, domain.SideSell, 1000, price(100), domain.KindLimit)
	mustPlace(t, b, be, 2, domain.SideSell, 1000, price(102), domain.KindLimit)

	// Insert 101 with the 100-order as hint: valid, lands between.
	res, err := b.PlaceOrder(3, domain.SideSell, 1000, price(101), domain.KindLimit, 0, a.RestingID, be)
	if err != nil {
		t.Fatalf("hinted place failed: %v", err)
	}
	orders := b.Orders(domain.SideSell)
	if len(orders) != 3 || orders[1].ID != res.RestingID {
		t.Errorf("hinted order misplaced")
	}

	// A hint the order belongs before is stale.
	deep := mustPlace(t, b, be, 2, domain.SideSell, 1000, price(105), domain.KindLimit)
	_, err = b.PlaceOrder(3, domain.SideSell, 1000, price(99), domain.KindLimit, 0, deep.RestingID, be)
	if !errors.Is(err, domain.ErrStaleHint) {
		t.Errorf("expected ErrStaleHint, got %v", err)
	}

	// An unknown hint is stale.
	_, err = b.PlaceOrder(3, domain.SideSell, 1000, price(99), domain.KindLimit, 0, 9999, be)
	if !errors.Is(err, domain.ErrStaleHint) {
		t.Errorf("expected ErrStaleHint for unknown hint, got %v", err)
	}
}

func TestCancelOrder(t *testing.T) {
	b := newTestBook()
	be := &fakeBackend{}

	sell := mustPlace(t, b, be, 1, domain.SideSell, 1000, price(100), domain.KindLimit)

	if _, err := b.CancelOrder(sell.RestingID, 2, false, false, be); !errors.Is(err, domain.ErrNotOrderOwner) {
		t.Errorf("expected ErrNotOrderOwner, got %v", err)
	}

	ok, err := b.CancelOrder(sell.RestingID, 1, false, false, be)
	if err != nil || !ok {
		t.Fatalf("owner cancel failed: %v", err)
	}
	if _, resting := b.Resting(sell.RestingID); resting {
		t.Error("cancelled order still resting")
	}

	if _, err := b.CancelOrder(sell.RestingID, 1, false, false, be); !errors.Is(err, domain.ErrOrderNotFound) {
		t.Errorf("expected ErrOrderNotFound, got %v", err)
	}
	if ok, err := b.CancelOrder(sell.RestingID, 1, false, true, be); ok || err != nil {
		t.Errorf("soft cancel of missing order should be a no-op, got %v %v", ok, err)
	}
}

func TestBestBidAsk_AggregatesLevel(t *testing.T) {
	b := newTestBook()
	be := &fakeBackend{}

	mustPlace(t, b, be, 1, domain.SideSell, 1000, price(100), domain.KindLimit)
	mustPlace(t, b, be, 2, domain.SideSell, 500, price(100), domain.KindLimit)
	mustPlace(t, b, be, 3, domain.SideSell, 700, price(101), domain.KindLimit)
	mustPlace(t, b, be, 4, domain.SideBuy, 300, price(99), domain.KindLimit)

	bidP, bidQ, askP, askQ := b.BestBidAsk()
	if !askP.Equal(price(100)) || askQ != 1500 {
		t.Errorf("ask level wrong: %v %d", askP, askQ)
	}
	if !bidP.Equal(price(99)) || bidQ != 300 {
		t.Errorf("bid level wrong: %v %d", bidP, bidQ)
	}
}

func TestOrderIDsMonotonic(t *testing.T) {
	b := newTestBook()
	be := &fakeBackend{}

	a := mustPlace(t, b, be, 1, domain.SideSell, 1000, price(100), domain.KindLimit)
	if _, err := b.CancelOrder(a.RestingID, 1, false, false, be); err != nil {
		t.Fatal(err)
	}
	c := mustPlace(t, b, be, 1, domain.SideSell, 1000, price(100), domain.KindLimit)
	if c.RestingID <= a.RestingID {
		t.Errorf("order ids must stay monotonic: %d then %d", a.RestingID, c.RestingID)
	}
}
