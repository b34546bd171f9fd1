package engine

import (
	"errors"
	"testing"

	"dex_go/internal/domain"
	"dex_go/internal/event"
	"dex_go/pkg/quant"
)

const (
	usdID  = domain.BaseAsset
	xbtID  = domain.AssetID(2)
	spotID = domain.MarketID(1)
	perpID = domain.MarketID(2)

	operator = domain.UserID(900)
)

func testAssets() map[domain.AssetID]*domain.Asset {
	return map[domain.AssetID]*domain.Asset{
		usdID: {ID: usdID, Symbol: "USD", Decimals: 6, LotQty: 1},
		xbtID: {ID: xbtID, Symbol: "XBT", Decimals: 8, LotQty: 100, SlippageBps: 100},
	}
}

func testMarkets() []*domain.Market {
	return []*domain.Market{
		{ID: spotID, Kind: domain.MarketSpot, Base: xbtID, Quote: usdID, MakerFeeBps: 10, TakerFeeBps: 30},
		{ID: perpID, Kind: domain.MarketPerp, Base: xbtID, Quote: usdID, MakerFeeBps: 10, TakerFeeBps: 30},
	}
}

type stubOracle struct {
	marks map[domain.AssetID]quant.Price
}

func (o *stubOracle) MarkPrice(asset domain.AssetID) (quant.Price, bool) {
	p, ok := o.marks[asset]
	return p, ok
}

// openPerms lets every user trade their own account; only the operator
// may act on behalf of others or call privileged operations.
type openPerms struct{}

func (openPerms) HasTradingPermission(caller, account domain.UserID) bool {
	return caller == account || caller == operator
}

func (openPerms) IsOperator(caller domain.UserID) bool { return caller == operator }

type memSink struct {
	events []event.Event
}

func (s *memSink) Publish(ev event.Event) { s.events = append(s.events, ev) }

func (s *memSink) count(t event.Type) int {
	n := 0
	for _, ev := range s.events {
		if ev.GetType() == t {
			n++
		}
	}
	return n
}

func newTestExchange(t *testing.T) (*Exchange, *stubOracle, *memSink) {
	t.Helper()
	oracle := &stubOracle{marks: map[domain.AssetID]quant.Price{xbtID: px(100)}}
	sink := &memSink{}
	x, err := New(testAssets(), testMarkets(), oracle, openPerms{}, sink, DefaultConfig(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return x, oracle, sink
}

func px(man int64) quant.Price { return quant.MustPrice(man, 0) }

func hours(h int64) quant.TimeStamp { return quant.TimeStamp(h * 3600 * 1000000) }

func mustDeposit(t *testing.T, x *Exchange, user domain.UserID, asset domain.AssetID, qty quant.Qty, now quant.TimeStamp) {
	t.Helper()
	if err := x.Deposit(user, asset, qty, now); err != nil {
		t.Fatalf("deposit %d of asset %d for user %d: %v", qty, asset, user, err)
	}
}

func TestPlaceOrder_SpotMatchAndRest(t *testing.T) {
	x, _, sink := newTestExchange(t)
	t0 := hours(10)
	seller, buyer := domain.UserID(1), domain.UserID(2)
	mustDeposit(t, x, seller, xbtID, 100_000_000, t0)
	mustDeposit(t, x, buyer, usdID, 100_000_000, t0)

	res, err := x.PlaceOrder(seller, seller, spotID, domain.SideSell, 50_000_000, px(100), domain.KindLimit, 0, t0)
	if err != nil {
		t.Fatalf("sell: %v", err)
	}
	if res.Matched != 0 || res.RestingID == 0 {
		t.Fatalf("sell should rest untouched, got %+v", res)
	}

	res, err = x.PlaceOrder(buyer, buyer, spotID, domain.SideBuy, 30_000_000, px(100), domain.KindLimit, 0, t0)
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	if res.Matched != 30_000_000 || res.RestingID != 0 {
		t.Fatalf("buy should fill fully, got %+v", res)
	}

	// 30 bps taker fee on the base output, 10 bps maker fee on the quote.
	if got := x.GetAvailable(buyer, xbtID); got != 29_910_000 {
		t.Errorf("buyer base = %d, want 29910000", got)
	}
	if got := x.GetAvailable(seller, usdID); got != 29_970_000 {
		t.Errorf("seller quote = %d, want 29970000", got)
	}
	if got := x.GetAvailable(seller, xbtID); got != 50_000_000 {
		t.Errorf("seller base available = %d, want 50000000", got)
	}
	if got := x.GetAvailable(domain.OpsAccount, xbtID); got != 90_000 {
		t.Errorf("ops base fees = %d, want 90000", got)
	}
	if got := x.GetAvailable(domain.OpsAccount, usdID); got != 30_000 {
		t.Errorf("ops quote fees = %d, want 30000", got)
	}

	_, _, askPrice, askQty, err := x.BestBidAsk(spotID)
	if err != nil {
		t.Fatalf("best bid ask: %v", err)
	}
	if !askPrice.Equal(px(100)) || askQty != 20_000_000 {
		t.Errorf("ask = %s x %d, want 100 x 20000000", askPrice, askQty)
	}

	if n := sink.count(event.EvOrderMatched); n != 1 {
		t.Errorf("matched events = %d, want 1", n)
	}
	if n := sink.count(event.EvOrderRested); n != 1 {
		t.Errorf("rested events = %d, want 1", n)
	}
}

func TestPlaceOrder_SequesteredQuoteDoesNotBackTaker(t *testing.T) {
	x, _, _ := newTestExchange(t)
	t0 := hours(10)
	seller, buyer := domain.UserID(1), domain.UserID(2)
	mustDeposit(t, x, seller, xbtID, 100_000_000, t0)
	mustDeposit(t, x, buyer, usdID, 100_000_000, t0)

	if _, err := x.PlaceOrder(seller, seller, spotID, domain.SideSell, 50_000_000, px(100), domain.KindLimit, 0, t0); err != nil {
		t.Fatalf("sell: %v", err)
	}
	// Every quote unit is locked behind a lend offer; the buy has nothing
	// left to spend and must fail cleanly instead of settling a fill the
	// ledger cannot honor.
	if _, err := x.PlaceLendOffer(buyer, buyer, usdID, 100_000_000, 400, domain.KindLimit, false, t0); err != nil {
		t.Fatalf("lend offer: %v", err)
	}

	res, err := x.PlaceOrder(buyer, buyer, spotID, domain.SideBuy, 10_000_000, px(100), domain.KindImmediate, 0, t0)
	if !errors.Is(err, domain.ErrInsufficientBalance) {
		t.Fatalf("buy with locked balance: %v, want ErrInsufficientBalance", err)
	}
	if res.Matched != 0 {
		t.Errorf("matched %d with no spendable quote", res.Matched)
	}
	if got := x.GetAvailable(buyer, xbtID); got != 0 {
		t.Errorf("buyer base = %d, want 0", got)
	}
	_, _, askPrice, askQty, err := x.BestBidAsk(spotID)
	if err != nil || !askPrice.Equal(px(100)) || askQty != 50_000_000 {
		t.Errorf("resting sell disturbed: %s x %d (%v)", askPrice, askQty, err)
	}
}

func TestPlaceOrder_FillOrKillAllOrNothing(t *testing.T) {
	x, _, sink := newTestExchange(t)
	t0 := hours(10)
	seller, buyer := domain.UserID(1), domain.UserID(2)
	mustDeposit(t, x, seller, xbtID, 100_000_000, t0)
	mustDeposit(t, x, buyer, usdID, 30_000_000, t0)

	if _, err := x.PlaceOrder(seller, seller, spotID, domain.SideSell, 50_000_000, px(100), domain.KindLimit, 0, t0); err != nil {
		t.Fatalf("sell: %v", err)
	}
	preEvents := len(sink.events)

	// The book holds enough nominal quantity for the pre-pass, but the
	// buyer can only pay for 0.3 of the 0.5 asked: the shortfall shows up
	// mid-walk and the whole call must fail with no state change.
	res, err := x.PlaceOrder(buyer, buyer, spotID, domain.SideBuy, 50_000_000, px(100), domain.KindFillOrKill, 0, t0)
	if !errors.Is(err, domain.ErrUnfilled) {
		t.Fatalf("fill-or-kill: %v, want ErrUnfilled", err)
	}
	if res.Matched != 0 {
		t.Errorf("matched = %d, want 0", res.Matched)
	}
	if got := x.GetAvailable(buyer, usdID); got != 30_000_000 {
		t.Errorf("buyer quote = %d, want untouched 30000000", got)
	}
	if got := x.GetAvailable(buyer, xbtID); got != 0 {
		t.Errorf("buyer base = %d, want 0", got)
	}
	_, _, askPrice, askQty, err := x.BestBidAsk(spotID)
	if err != nil || !askPrice.Equal(px(100)) || askQty != 50_000_000 {
		t.Errorf("resting sell disturbed: %s x %d (%v)", askPrice, askQty, err)
	}
	if len(sink.events) != preEvents {
		t.Errorf("events leaked: %d, was %d", len(sink.events), preEvents)
	}

	// Funded, the same order fills whole.
	mustDeposit(t, x, buyer, usdID, 70_000_000, t0)
	res, err = x.PlaceOrder(buyer, buyer, spotID, domain.SideBuy, 50_000_000, px(100), domain.KindFillOrKill, 0, t0)
	if err != nil || res.Matched != 50_000_000 {
		t.Fatalf("funded fill-or-kill: %+v, %v", res, err)
	}
}

func TestPlaceLendOffer_FillOrKillLeavesNoTrace(t *testing.T) {
	x, _, sink := newTestExchange(t)
	t0 := hours(10)
	lender, borrower := domain.UserID(1), domain.UserID(2)
	mustDeposit(t, x, lender, usdID, 1_000_000, t0)
	mustDeposit(t, x, borrower, usdID, 10_000, t0)

	if _, err := x.PlaceBorrowRequest(borrower, borrower, usdID, 300_000, 500, domain.KindLimit, t0); err != nil {
		t.Fatalf("borrow request: %v", err)
	}
	preEvents := len(sink.events)

	res, err := x.PlaceLendOffer(lender, lender, usdID, 500_000, 400, domain.KindFillOrKill, false, t0)
	if !errors.Is(err, domain.ErrUnfilled) {
		t.Fatalf("fill-or-kill lend: %v, want ErrUnfilled", err)
	}
	if res.Matched != 0 {
		t.Errorf("matched = %d, want 0", res.Matched)
	}
	if got := x.GetAvailable(lender, usdID); got != 1_000_000 {
		t.Errorf("lender = %d, want untouched 1000000", got)
	}
	if len(x.st.ledger.Loans) != 0 {
		t.Errorf("loans opened: %d", len(x.st.ledger.Loans))
	}
	if len(sink.events) != preEvents {
		t.Errorf("events leaked: %d, was %d", len(sink.events), preEvents)
	}
}

func TestMissingMark_FailsInsteadOfPanicking(t *testing.T) {
	x, oracle, _ := newTestExchange(t)
	t0 := hours(10)
	target, maker, liquidator := domain.UserID(1), domain.UserID(2), domain.UserID(3)
	mustDeposit(t, x, target, usdID, 100_000_000, t0)
	mustDeposit(t, x, maker, usdID, 100_000_000, t0)

	if _, err := x.PlaceOrder(maker, maker, perpID, domain.SideBuy, 50_000_000, px(100), domain.KindLimit, 0, t0); err != nil {
		t.Fatalf("maker buy: %v", err)
	}
	res, err := x.PlaceOrder(target, target, perpID, domain.SideSell, 50_000_000, px(100), domain.KindImmediate, 0, t0)
	if err != nil || res.Matched != 50_000_000 {
		t.Fatalf("short entry: %v %+v", err, res)
	}

	// The oracle loses its mark: the short exposure cannot be bounded and
	// every valuation-gated call must fail with a classifiable error.
	delete(oracle.marks, xbtID)

	pre := x.GetAvailable(target, usdID)
	if err := x.Withdraw(target, target, usdID, 1_000_000, t0); !errors.Is(err, domain.ErrNoMarkPrice) {
		t.Fatalf("withdraw without mark: %v, want ErrNoMarkPrice", err)
	}
	if got := x.GetAvailable(target, usdID); got != pre {
		t.Errorf("failed withdraw moved balance: %d, was %d", got, pre)
	}
	err = x.Liquidate(liquidator, target, 0, t0)
	if !errors.Is(err, domain.ErrNoMarkPrice) {
		t.Fatalf("liquidate without mark: %v, want ErrNoMarkPrice", err)
	}
	if got := domain.Kind(err); got != domain.KindInternal {
		t.Errorf("mark gap kind = %v, want INTERNAL", got)
	}
}

func TestMarketOrderQuote_BuyBudget(t *testing.T) {
	x, _, _ := newTestExchange(t)
	t0 := hours(10)
	seller := domain.UserID(1)
	mustDeposit(t, x, seller, xbtID, 100_000_000, t0)
	if _, err := x.PlaceOrder(seller, seller, spotID, domain.SideSell, 50_000_000, px(100), domain.KindLimit, 0, t0); err != nil {
		t.Fatalf("sell: %v", err)
	}

	// A 10 USD budget buys 0.1 XBT gross; the 30 bps fee comes out of
	// the base received.
	q, err := x.MarketOrderQuote(spotID, domain.SideBuy, false, 10_000_000, quant.Price{}, t0)
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if q.In != 10_000_000 {
		t.Errorf("in = %d, want 10000000", q.In)
	}
	if q.Out != 9_970_000 {
		t.Errorf("out = %d, want 9970000", q.Out)
	}
	if !q.Clearing.Equal(px(100)) {
		t.Errorf("clearing = %s, want 100", q.Clearing)
	}
}

func TestLending_LoanAtMakerRate(t *testing.T) {
	x, _, _ := newTestExchange(t)
	t0 := hours(10)
	lender, borrower := domain.UserID(3), domain.UserID(4)
	mustDeposit(t, x, lender, usdID, 1_000_000, t0)
	mustDeposit(t, x, borrower, usdID, 10_000, t0)

	res, err := x.PlaceLendOffer(lender, lender, usdID, 500_000, 400, domain.KindLimit, true, t0)
	if err != nil {
		t.Fatalf("lend offer: %v", err)
	}
	if res.RestingID == 0 {
		t.Fatalf("lend offer should rest, got %+v", res)
	}
	if got := x.GetAvailable(lender, usdID); got != 500_000 {
		t.Errorf("lender available = %d, want 500000 (principal sequestered)", got)
	}

	// The borrow limit is worse than the resting rate; the maker's rate
	// governs.
	res, err = x.PlaceBorrowRequest(borrower, borrower, usdID, 500_000, 600, domain.KindImmediate, t0)
	if err != nil {
		t.Fatalf("borrow: %v", err)
	}
	if res.Matched != 500_000 {
		t.Fatalf("borrow matched = %d, want 500000", res.Matched)
	}

	if len(x.st.ledger.Loans) != 1 {
		t.Fatalf("loans = %d, want 1", len(x.st.ledger.Loans))
	}
	var loan = x.st.ledger.Loans[1]
	if loan.RateBps != 400 {
		t.Errorf("loan rate = %d, want maker rate 400", loan.RateBps)
	}
	if loan.Lender != lender || loan.Borrower != borrower || loan.Qty != 500_000 {
		t.Errorf("loan = %+v", loan)
	}
	if loan.DurationHours != 720 {
		t.Errorf("loan duration = %d, want 720", loan.DurationHours)
	}

	// One month of interest prepaid: 500000 * 400 / (10000 * 12).
	if got := x.GetAvailable(borrower, usdID); got != 508_334 {
		t.Errorf("borrower available = %d, want 508334", got)
	}

	// Holding borrowed principal is not withdrawable wealth.
	err = x.Withdraw(borrower, borrower, usdID, 100_000, t0)
	if !errors.Is(err, domain.ErrWithdrawUnhealthy) {
		t.Fatalf("withdraw against debt: %v, want ErrWithdrawUnhealthy", err)
	}
	if got := x.GetAvailable(borrower, usdID); got != 508_334 {
		t.Errorf("failed withdraw moved balance: %d", got)
	}

	// Full repayment two hours in collects 2 hours of interest and
	// relists the lender's return-to-book principal.
	t2 := hours(12)
	if err := x.RepayLoan(borrower, 1, 0, t2); err != nil {
		t.Fatalf("repay: %v", err)
	}
	if _, open := x.st.ledger.Loans[1]; open {
		t.Fatal("loan should be closed")
	}
	if got := x.GetAvailable(borrower, usdID); got != 9_996 {
		t.Errorf("borrower after repay = %d, want 9996", got)
	}
	lendRate, lendQty, _, _, err := x.BestLendingRates(usdID)
	if err != nil {
		t.Fatalf("best rates: %v", err)
	}
	if lendRate != 400 || lendQty != 500_000 {
		t.Errorf("relisted offer = %d bps x %d, want 400 x 500000", lendRate, lendQty)
	}
}

func TestSwapLender_NetsAgainstOwnBorrow(t *testing.T) {
	x, _, sink := newTestExchange(t)
	t0 := hours(10)
	exiting, replacement, debtor := domain.UserID(5), domain.UserID(6), domain.UserID(7)
	mustDeposit(t, x, exiting, usdID, 1_000_000, t0)
	mustDeposit(t, x, replacement, usdID, 1_000_000, t0)
	mustDeposit(t, x, debtor, usdID, 10_000, t0)

	if _, err := x.PlaceLendOffer(exiting, exiting, usdID, 500_000, 400, domain.KindLimit, false, t0); err != nil {
		t.Fatalf("lend offer: %v", err)
	}
	if _, err := x.PlaceBorrowRequest(debtor, debtor, usdID, 500_000, 400, domain.KindImmediate, t0); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	if _, err := x.PlaceLendOffer(replacement, replacement, usdID, 500_000, 600, domain.KindLimit, false, t0); err != nil {
		t.Fatalf("second lend offer: %v", err)
	}
	if _, err := x.PlaceBorrowRequest(exiting, exiting, usdID, 500_000, 600, domain.KindImmediate, t0); err != nil {
		t.Fatalf("exiting lender borrow: %v", err)
	}

	swapped, err := x.SwapLender(exiting, 1, t0)
	if err != nil {
		t.Fatalf("swap: %v", err)
	}
	if swapped != 500_000 {
		t.Fatalf("swapped = %d, want 500000", swapped)
	}

	// Both original loans net away; the replacement holds the claim at
	// the original 400 bps for the original remaining duration.
	if _, open := x.st.ledger.Loans[1]; open {
		t.Error("lend loan should be gone")
	}
	if _, open := x.st.ledger.Loans[2]; open {
		t.Error("borrow loan should be gone")
	}
	loan, open := x.st.ledger.Loans[3]
	if !open {
		t.Fatal("replacement loan missing")
	}
	if loan.Lender != replacement || loan.Borrower != debtor || loan.RateBps != 400 || loan.DurationHours != 720 {
		t.Errorf("replacement loan = %+v", loan)
	}

	// The exiting lender gives up a 600 bps borrow for a 400 bps claim,
	// so they owe the replacement the differential over the remaining
	// term: 500000 * 200 * 720 / (10000 * 8760).
	if got := x.GetAvailable(exiting, usdID); got != 999_179 {
		t.Errorf("exiting lender = %d, want 999179", got)
	}
	if got := x.GetAvailable(replacement, usdID); got != 500_821 {
		t.Errorf("replacement lender = %d, want 500821", got)
	}

	if n := sink.count(event.EvLenderSwapped); n != 1 {
		t.Errorf("swap events = %d, want 1", n)
	}
}

func TestPermissions(t *testing.T) {
	x, _, _ := newTestExchange(t)
	t0 := hours(10)
	alice, mallory := domain.UserID(1), domain.UserID(2)
	mustDeposit(t, x, alice, usdID, 1_000_000, t0)

	_, err := x.PlaceOrder(mallory, alice, spotID, domain.SideBuy, 1_000_000, px(100), domain.KindLimit, 0, t0)
	if !errors.Is(err, domain.ErrNoPermission) {
		t.Errorf("foreign placement: %v, want ErrNoPermission", err)
	}
	_, err = x.PlaceOrder(alice, domain.OpsAccount, spotID, domain.SideBuy, 1_000_000, px(100), domain.KindLimit, 0, t0)
	if !errors.Is(err, domain.ErrReservedAccount) {
		t.Errorf("ops account placement: %v, want ErrReservedAccount", err)
	}
	if err := x.PostFundingRate(alice, xbtID, 1, 10, t0); !errors.Is(err, domain.ErrPrivilegedCaller) {
		t.Errorf("funding by non-operator: %v, want ErrPrivilegedCaller", err)
	}
	if err := x.PostFundingRate(operator, xbtID, 1, 10, t0); err != nil {
		t.Errorf("funding by operator: %v", err)
	}
}
