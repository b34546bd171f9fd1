package lending

import (
	"errors"
	"testing"

	"dex_go/internal/domain"
	"dex_go/pkg/quant"
)

var testAsset = &domain.Asset{ID: 2, Symbol: "XBT", Decimals: 8, LotQty: 100, SlippageBps: 100}

type matchRec struct {
	lend          uint64
	borrow        uint64
	qty           quant.Qty
	rate          quant.Bps // maker's rate
	makerIsLender bool
}

type fakeBackend struct {
	liqErr error

	matches []matchRec
	cancels []uint64
	rested  []uint64
}

func borrowCollateral(qty quant.Qty, rate quant.Bps) quant.Qty {
	return qty * quant.Qty(rate) / (quant.BpsScale * quant.InterestPeriodsPerYear)
}

func (f *fakeBackend) Rest(o *Offer) error {
	if o.Lend {
		o.Collateral = o.Qty
	} else {
		o.Collateral = borrowCollateral(o.Qty, o.RateBps)
	}
	f.rested = append(f.rested, o.ID)
	return nil
}

func (f *fakeBackend) Unrest(o *Offer, forced bool) {
	f.cancels = append(f.cancels, o.ID)
}

func (f *fakeBackend) Match(lend, borrow *Offer, qty quant.Qty, makerIsLender bool) error {
	rate := borrow.RateBps
	if makerIsLender {
		rate = lend.RateBps
	}
	f.matches = append(f.matches, matchRec{
		lend: lend.ID, borrow: borrow.ID, qty: qty, rate: rate, makerIsLender: makerIsLender,
	})
	// Keep the maker's collateral in step with its remainder.
	if makerIsLender {
		lend.Collateral = lend.Qty
	} else {
		borrow.Collateral = borrowCollateral(borrow.Qty, borrow.RateBps)
	}
	return nil
}

func (f *fakeBackend) CheckLiquidationBorrow(owner domain.UserID, qty quant.Qty) error {
	return f.liqErr
}

func TestBorrowMatchesAtMakerRate(t *testing.T) {
	b := New(testAsset)
	be := &fakeBackend{}

	lend, err := b.PlaceLendOffer(1, 1000, 400, domain.KindLimit, false, be)
	if err != nil || lend.RestingID == 0 {
		t.Fatalf("lend offer failed: %+v %v", lend, err)
	}

	borrow, err := b.PlaceBorrowRequest(2, 1000, 500, domain.KindLimit, 0, be)
	if err != nil {
		t.Fatalf("borrow failed: %v", err)
	}
	if borrow.Matched != 1000 || borrow.RestingID != 0 {
		t.Fatalf("expected full match, got %+v", borrow)
	}
	if len(be.matches) != 1 {
		t.Fatal("expected one match")
	}
	m := be.matches[0]
	if !m.makerIsLender || m.rate != 400 {
		t.Errorf("loan must lock the resting lender's rate 400, got %+v", m)
	}
}

func TestNextID_PreviewsAssignedID(t *testing.T) {
	b := New(testAsset)
	be := &fakeBackend{}

	want := b.NextID()
	res, err := b.PlaceLendOffer(1, 1000, 400, domain.KindLimit, false, be)
	if err != nil || res.RestingID != want {
		t.Fatalf("offer id = %d (err %v), want %d", res.RestingID, err, want)
	}
	if got := b.NextID(); got != want+1 {
		t.Errorf("next id = %d, want %d", got, want+1)
	}
}

func TestLendMatchesHighestBorrowerFirst(t *testing.T) {
	b := New(testAsset)
	be := &fakeBackend{}

	low, _ := b.PlaceBorrowRequest(2, 500, 500, domain.KindLimit, 0, be)
	high, _ := b.PlaceBorrowRequest(3, 500, 600, domain.KindLimit, 0, be)

	res, err := b.PlaceLendOffer(1, 1000, 500, domain.KindImmediate, false, be)
	if err != nil {
		t.Fatalf("lend failed: %v", err)
	}
	if res.Matched != 1000 {
		t.Fatalf("expected 1000 matched, got %d", res.Matched)
	}
	if len(be.matches) != 2 {
		t.Fatal("expected two matches")
	}
	if be.matches[0].borrow != high.RestingID || be.matches[0].rate != 600 {
		t.Errorf("highest-paying borrower must match first: %+v", be.matches[0])
	}
	if be.matches[1].borrow != low.RestingID || be.matches[1].rate != 500 {
		t.Errorf("second match wrong: %+v", be.matches[1])
	}
}

func TestBorrowWalksRatesAscending(t *testing.T) {
	b := New(testAsset)
	be := &fakeBackend{}

	// Insert out of order to exercise the rate index.
	for _, rate := range []quant.Bps{500, 300, 400, 200} {
		if _, err := b.PlaceLendOffer(domain.UserID(rate), 100, rate, domain.KindLimit, false, be); err != nil {
			t.Fatalf("lend at %d failed: %v", rate, err)
		}
	}

	res, err := b.PlaceBorrowRequest(9, 400, 600, domain.KindImmediate, 0, be)
	if err != nil || res.Matched != 400 {
		t.Fatalf("borrow failed: %+v %v", res, err)
	}
	want := []quant.Bps{200, 300, 400, 500}
	for i, m := range be.matches {
		if m.rate != want[i] {
			t.Errorf("match %d at rate %d, want %d", i, m.rate, want[i])
		}
	}
}

func TestPlace_Validation(t *testing.T) {
	b := New(testAsset)
	be := &fakeBackend{}

	if _, err := b.PlaceLendOffer(1, 150, 400, domain.KindLimit, false, be); !errors.Is(err, domain.ErrQtyNotLot) {
		t.Errorf("non-lot qty should fail, got %v", err)
	}
	for _, rate := range []quant.Bps{0, -5, 10000, 12000} {
		if _, err := b.PlaceLendOffer(1, 1000, rate, domain.KindLimit, false, be); !errors.Is(err, domain.ErrRateOutOfRange) {
			t.Errorf("rate %d should fail, got %v", rate, err)
		}
	}
}

func TestLiquidationBorrowConstraints(t *testing.T) {
	b := New(testAsset)
	be := &fakeBackend{}

	// Emergency-rate ceiling outside bankruptcy.
	_, err := b.PlaceBorrowRequest(1, 1000, 5000, domain.KindImmediate, domain.FlagLiquidation, be)
	if !errors.Is(err, domain.ErrRateOutOfRange) {
		t.Errorf("liquidation borrow at 5000 bps should fail, got %v", err)
	}
	if _, err := b.PlaceBorrowRequest(1, 1000, 5000, domain.KindImmediate, domain.FlagLiquidation|domain.FlagBankruptcy, be); err != nil {
		t.Errorf("bankruptcy borrow may exceed the ceiling, got %v", err)
	}

	be.liqErr = domain.ErrLiqBorrowCap
	_, err = b.PlaceBorrowRequest(1, 1000, 400, domain.KindImmediate, domain.FlagLiquidation, be)
	if !errors.Is(err, domain.ErrLiqBorrowCap) {
		t.Errorf("expected cap error, got %v", err)
	}
}

func TestSelfMatch(t *testing.T) {
	b := New(testAsset)
	be := &fakeBackend{}

	own, _ := b.PlaceLendOffer(1, 1000, 400, domain.KindLimit, false, be)

	_, err := b.PlaceBorrowRequest(1, 1000, 500, domain.KindLimit, 0, be)
	if !errors.Is(err, domain.ErrSelfTrade) {
		t.Fatalf("expected ErrSelfTrade, got %v", err)
	}

	// Liquidation borrow cancels the own resting offer instead.
	res, err := b.PlaceBorrowRequest(1, 1000, 500, domain.KindImmediate, domain.FlagLiquidation, be)
	if err != nil {
		t.Fatalf("liquidation borrow failed: %v", err)
	}
	if res.Matched != 0 {
		t.Errorf("nothing else to match, got %d", res.Matched)
	}
	if len(be.cancels) != 1 || be.cancels[0] != own.RestingID {
		t.Errorf("own offer should be force-cancelled: %v", be.cancels)
	}
	if _, ok := b.Resting(own.RestingID); ok {
		t.Error("own offer still resting")
	}
}

func TestCancelOffer(t *testing.T) {
	b := New(testAsset)
	be := &fakeBackend{}

	lend, _ := b.PlaceLendOffer(1, 1000, 400, domain.KindLimit, false, be)
	borrow, _ := b.PlaceBorrowRequest(2, 1000, 300, domain.KindLimit, 0, be)

	if err := b.CancelLendOffer(lend.RestingID, 2, false, be); !errors.Is(err, domain.ErrNotOrderOwner) {
		t.Errorf("expected ErrNotOrderOwner, got %v", err)
	}
	if err := b.CancelBorrowRequest(lend.RestingID, 1, false, be); !errors.Is(err, domain.ErrOrderNotFound) {
		t.Errorf("cancelling a lend id on the borrow side should miss, got %v", err)
	}
	if err := b.CancelLendOffer(lend.RestingID, 1, false, be); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if err := b.CancelBorrowRequest(borrow.RestingID, 2, false, be); err != nil {
		t.Fatalf("borrow cancel failed: %v", err)
	}
	if _, ok := b.Resting(lend.RestingID); ok {
		t.Error("cancelled offer still resting")
	}
}

func TestFillOrKill(t *testing.T) {
	b := New(testAsset)
	be := &fakeBackend{}

	b.PlaceLendOffer(1, 500, 400, domain.KindLimit, false, be)

	_, err := b.PlaceBorrowRequest(2, 1000, 500, domain.KindFillOrKill, 0, be)
	if !errors.Is(err, domain.ErrUnfilled) {
		t.Fatalf("expected ErrUnfilled, got %v", err)
	}
	if len(be.matches) != 0 {
		t.Error("failed fill-or-kill must not match")
	}
}

func TestBestRates(t *testing.T) {
	b := New(testAsset)
	be := &fakeBackend{}

	b.PlaceLendOffer(1, 1000, 400, domain.KindLimit, false, be)
	b.PlaceLendOffer(2, 500, 400, domain.KindLimit, false, be)
	b.PlaceLendOffer(3, 500, 600, domain.KindLimit, false, be)
	b.PlaceBorrowRequest(4, 300, 200, domain.KindLimit, 0, be)

	lendRate, lendQty, borrowRate, borrowQty := b.BestRates()
	if lendRate != 400 || lendQty != 1500 {
		t.Errorf("lend best wrong: %d %d", lendRate, lendQty)
	}
	if borrowRate != 200 || borrowQty != 300 {
		t.Errorf("borrow best wrong: %d %d", borrowRate, borrowQty)
	}
}

func TestPartialMatchRestsRemainder(t *testing.T) {
	b := New(testAsset)
	be := &fakeBackend{}

	b.PlaceLendOffer(1, 300, 400, domain.KindLimit, false, be)
	res, err := b.PlaceBorrowRequest(2, 1000, 500, domain.KindLimit, 0, be)
	if err != nil {
		t.Fatalf("borrow failed: %v", err)
	}
	if res.Matched != 300 || res.RestingID == 0 {
		t.Fatalf("expected 300 matched and remainder rested, got %+v", res)
	}
	rest, ok := b.Resting(res.RestingID)
	if !ok || rest.Qty != 700 || rest.Lend {
		t.Fatalf("remainder wrong: %+v", rest)
	}
	if rest.Collateral != borrowCollateral(700, 500) {
		t.Errorf("borrow remainder collateral wrong: %d", rest.Collateral)
	}
}
