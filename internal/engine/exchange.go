// Package engine implements the exchange facade: every book, the ledger
// and the settlement layer behind one writer lock, with events buffered
// per top-level call and published only for mutations that stand.
package engine

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"

	"dex_go/internal/book"
	"dex_go/internal/domain"
	"dex_go/internal/event"
	"dex_go/internal/ledger"
	"dex_go/internal/lending"
	"dex_go/internal/settle"
	"dex_go/pkg/quant"
	"dex_go/pkg/safe"
)

// Perms gates order placement and cancellation, and privileged
// operations. Implementations live outside the engine.
type Perms interface {
	HasTradingPermission(caller, account domain.UserID) bool
	IsOperator(caller domain.UserID) bool
}

// Config holds the engine's policy knobs.
type Config struct {
	// LoanDurationHours is the fixed duration of every matched loan.
	LoanDurationHours int64
	// EmergencyRateBps is the rate liquidation force-borrows pay.
	EmergencyRateBps quant.Bps
	// LiqBorrowCapBps is the minimum ratio of lent to borrowed-after for
	// a liquidation borrow, in bps (10400 = 104%).
	LiqBorrowCapBps quant.Bps
	// LiqRewardBps is the liquidator's share of the post-liquidation
	// portfolio value.
	LiqRewardBps quant.Bps
	// LiqSlippageX multiplies the asset slippage allowance when pricing
	// forced liquidation orders.
	LiqSlippageX int64
}

// DefaultConfig returns the standard policy values.
func DefaultConfig() Config {
	return Config{
		LoanDurationHours: 30 * 24,
		EmergencyRateBps:  4999,
		LiqBorrowCapBps:   10400,
		LiqRewardBps:      100,
		LiqSlippageX:      4,
	}
}

// state bundles everything liquidation must be able to roll back as one
// unit: the ledger and every book.
type state struct {
	ledger    *ledger.Ledger
	books     map[domain.MarketID]*book.Book
	lendBooks map[domain.AssetID]*lending.Book
}

func (s *state) clone() *state {
	out := &state{
		ledger:    s.ledger.Clone(),
		books:     make(map[domain.MarketID]*book.Book, len(s.books)),
		lendBooks: make(map[domain.AssetID]*lending.Book, len(s.lendBooks)),
	}
	for id, b := range s.books {
		out.books[id] = b.Clone()
	}
	for id, b := range s.lendBooks {
		out.lendBooks[id] = b.Clone()
	}
	return out
}

// Exchange is the deterministic core. All mutation is serialized behind
// mu; reads take the read lock and never observe torn state.
type Exchange struct {
	mu sync.RWMutex

	assets  map[domain.AssetID]*domain.Asset
	markets map[domain.MarketID]*domain.Market
	fees    map[domain.MarketID]*settle.FeeSchedule

	// spotByBase / perpByBase locate the market liquidation uses to
	// force-close holdings of an asset.
	spotByBase map[domain.AssetID]domain.MarketID
	perpByBase map[domain.AssetID]domain.MarketID

	st     *state
	oracle ledger.Oracle
	perms  Perms
	buf    *event.Buffer
	sink   event.Sink
	cfg    Config
	log    *slog.Logger
}

// New creates an exchange over the given registries. Every asset gets a
// lending book; every market gets an order book.
func New(assets map[domain.AssetID]*domain.Asset, markets []*domain.Market, oracle ledger.Oracle, perms Perms, sink event.Sink, cfg Config, log *slog.Logger) (*Exchange, error) {
	if log == nil {
		log = slog.Default()
	}
	x := &Exchange{
		assets:     assets,
		markets:    make(map[domain.MarketID]*domain.Market, len(markets)),
		fees:       make(map[domain.MarketID]*settle.FeeSchedule, len(markets)),
		spotByBase: make(map[domain.AssetID]domain.MarketID),
		perpByBase: make(map[domain.AssetID]domain.MarketID),
		st: &state{
			ledger:    ledger.New(assets),
			books:     make(map[domain.MarketID]*book.Book),
			lendBooks: make(map[domain.AssetID]*lending.Book),
		},
		oracle: oracle,
		perms:  perms,
		buf:    event.NewBuffer(1),
		sink:   sink,
		cfg:    cfg,
		log:    log,
	}
	for _, m := range markets {
		if err := m.Validate(); err != nil {
			return nil, fmt.Errorf("market %d: %w", m.ID, err)
		}
		base, ok := assets[m.Base]
		if !ok {
			return nil, fmt.Errorf("market %d base %d: %w", m.ID, m.Base, domain.ErrUnknownAsset)
		}
		quote, ok := assets[m.Quote]
		if !ok {
			return nil, fmt.Errorf("market %d quote %d: %w", m.ID, m.Quote, domain.ErrUnknownAsset)
		}
		x.markets[m.ID] = m
		x.fees[m.ID] = settle.NewFeeSchedule(m)
		x.st.books[m.ID] = book.New(m, base, quote)
		if m.Kind == domain.MarketPerp {
			x.perpByBase[m.Base] = m.ID
		} else {
			x.spotByBase[m.Base] = m.ID
		}
	}
	for id, a := range assets {
		x.st.lendBooks[id] = lending.New(a)
	}
	return x, nil
}

func (x *Exchange) checkTrading(caller, account domain.UserID) error {
	if account == domain.OpsAccount {
		return fmt.Errorf("account %d: %w", account, domain.ErrReservedAccount)
	}
	if !x.perms.HasTradingPermission(caller, account) {
		return fmt.Errorf("caller %d on account %d: %w", caller, account, domain.ErrNoPermission)
	}
	return nil
}

// finish publishes whatever the call buffered. Events are only stamped
// for mutations that actually applied, so they flush even when the call
// ends in an admission error (forced stub cleanup stands either way).
func (x *Exchange) finish() {
	x.buf.Flush(x.sink)
}

// PlaceOrder places an order on a market on behalf of account. The hint
// names a resting order the remainder should be inserted after.
func (x *Exchange) PlaceOrder(caller, account domain.UserID, market domain.MarketID, side domain.Side, qty quant.Qty, price quant.Price, kind domain.OrderKind, hint uint64, now quant.TimeStamp) (book.PlaceResult, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if err := x.checkTrading(caller, account); err != nil {
		return book.PlaceResult{}, err
	}
	call := x.buf.Begin()
	st := x.st
	if kind == domain.KindFillOrKill {
		// Fill-or-kill applies all or nothing: the walk can discover a
		// shortfall only after fills have settled, so it runs against a
		// clone swapped in on success.
		st = x.st.clone()
	}
	res, err := x.placeOrder(st, call, account, market, side, qty, price, kind, 0, hint, now)
	if kind == domain.KindFillOrKill {
		if err != nil {
			x.buf.Discard()
			return book.PlaceResult{}, err
		}
		x.st = st
	}
	x.finish()
	return res, err
}

func (x *Exchange) placeOrder(st *state, call uuid.UUID, account domain.UserID, market domain.MarketID, side domain.Side, qty quant.Qty, price quant.Price, kind domain.OrderKind, flags domain.OrderFlags, hint uint64, now quant.TimeStamp) (book.PlaceResult, error) {
	bk, ok := st.books[market]
	if !ok {
		return book.PlaceResult{}, fmt.Errorf("market %d: %w", market, domain.ErrUnknownMarket)
	}
	be := x.marketBackend(st, bk, call, now)

	orderID := bk.NextID()
	res, err := bk.PlaceOrder(account, side, qty, price, kind, flags, hint, be)
	if err != nil {
		return res, err
	}
	placed := &event.OrderPlacedEvent{
		Market: market, OrderID: orderID, Owner: account,
		Side: side, Kind: kind, Flags: flags, Qty: qty, Price: price,
	}
	x.buf.Stamp(&placed.BaseEvent, now, call, placed)
	return res, nil
}

// CancelOrder removes a resting order owned by account.
func (x *Exchange) CancelOrder(caller, account domain.UserID, market domain.MarketID, orderID uint64, soft bool, now quant.TimeStamp) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if err := x.checkTrading(caller, account); err != nil {
		return err
	}
	bk, ok := x.st.books[market]
	if !ok {
		return fmt.Errorf("market %d: %w", market, domain.ErrUnknownMarket)
	}
	call := x.buf.Begin()
	be := x.marketBackend(x.st, bk, call, now)
	_, err := bk.CancelOrder(orderID, account, false, soft, be)
	x.finish()
	return err
}

// PlaceLendOffer places a lend offer in an asset's lending book.
func (x *Exchange) PlaceLendOffer(caller, account domain.UserID, asset domain.AssetID, qty quant.Qty, rate quant.Bps, kind domain.OrderKind, returnToBook bool, now quant.TimeStamp) (lending.Result, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if err := x.checkTrading(caller, account); err != nil {
		return lending.Result{}, err
	}
	call := x.buf.Begin()
	st := x.st
	if kind == domain.KindFillOrKill {
		st = x.st.clone()
	}
	res, err := x.placeLendOffer(st, call, account, asset, qty, rate, kind, returnToBook, now)
	if kind == domain.KindFillOrKill {
		if err != nil {
			x.buf.Discard()
			return lending.Result{}, err
		}
		x.st = st
	}
	x.finish()
	return res, err
}

func (x *Exchange) placeLendOffer(st *state, call uuid.UUID, account domain.UserID, asset domain.AssetID, qty quant.Qty, rate quant.Bps, kind domain.OrderKind, returnToBook bool, now quant.TimeStamp) (lending.Result, error) {
	lb, ok := st.lendBooks[asset]
	if !ok {
		return lending.Result{}, fmt.Errorf("asset %d: %w", asset, domain.ErrUnknownAsset)
	}
	// The walk transfers principal per fill; admit the full amount up
	// front so matching cannot fail mid-ladder.
	if st.ledger.GetAvailable(account, asset) < qty {
		return lending.Result{}, fmt.Errorf("lend %d of asset %d: %w", qty, asset, domain.ErrInsufficientBalance)
	}
	be := x.lendBackend(st, lb, call, now)
	offerID := lb.NextID()
	res, err := lb.PlaceLendOffer(account, qty, rate, kind, returnToBook, be)
	if err != nil {
		return res, err
	}
	placed := &event.LendOfferPlacedEvent{
		Asset: asset, OrderID: offerID, Owner: account, Qty: qty, RateBps: rate,
	}
	x.buf.Stamp(&placed.BaseEvent, now, call, placed)
	return res, nil
}

// PlaceBorrowRequest places a borrow request in an asset's lending book.
func (x *Exchange) PlaceBorrowRequest(caller, account domain.UserID, asset domain.AssetID, qty quant.Qty, rate quant.Bps, kind domain.OrderKind, now quant.TimeStamp) (lending.Result, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if err := x.checkTrading(caller, account); err != nil {
		return lending.Result{}, err
	}
	call := x.buf.Begin()
	st := x.st
	if kind == domain.KindFillOrKill {
		st = x.st.clone()
	}
	res, err := x.placeBorrowRequest(st, call, account, asset, qty, rate, kind, 0, now)
	if kind == domain.KindFillOrKill {
		if err != nil {
			x.buf.Discard()
			return lending.Result{}, err
		}
		x.st = st
	}
	x.finish()
	return res, err
}

func (x *Exchange) placeBorrowRequest(st *state, call uuid.UUID, account domain.UserID, asset domain.AssetID, qty quant.Qty, rate quant.Bps, kind domain.OrderKind, flags domain.OrderFlags, now quant.TimeStamp) (lending.Result, error) {
	lb, ok := st.lendBooks[asset]
	if !ok {
		return lending.Result{}, fmt.Errorf("asset %d: %w", asset, domain.ErrUnknownAsset)
	}
	be := x.lendBackend(st, lb, call, now)
	offerID := lb.NextID()
	res, err := lb.PlaceBorrowRequest(account, qty, rate, kind, flags, be)
	if err != nil {
		return res, err
	}
	placed := &event.BorrowRequestPlacedEvent{
		Asset: asset, OrderID: offerID, Owner: account, Qty: qty, RateBps: rate,
	}
	x.buf.Stamp(&placed.BaseEvent, now, call, placed)
	return res, nil
}

// CancelLendOffer removes a resting lend offer owned by account.
func (x *Exchange) CancelLendOffer(caller, account domain.UserID, asset domain.AssetID, offerID uint64, now quant.TimeStamp) error {
	return x.cancelOffer(caller, account, asset, offerID, true, now)
}

// CancelBorrowRequest removes a resting borrow request owned by account.
func (x *Exchange) CancelBorrowRequest(caller, account domain.UserID, asset domain.AssetID, offerID uint64, now quant.TimeStamp) error {
	return x.cancelOffer(caller, account, asset, offerID, false, now)
}

func (x *Exchange) cancelOffer(caller, account domain.UserID, asset domain.AssetID, offerID uint64, lendSide bool, now quant.TimeStamp) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if err := x.checkTrading(caller, account); err != nil {
		return err
	}
	lb, ok := x.st.lendBooks[asset]
	if !ok {
		return fmt.Errorf("asset %d: %w", asset, domain.ErrUnknownAsset)
	}
	call := x.buf.Begin()
	be := x.lendBackend(x.st, lb, call, now)
	var err error
	if lendSide {
		err = lb.CancelLendOffer(offerID, account, false, be)
	} else {
		err = lb.CancelBorrowRequest(offerID, account, false, be)
	}
	x.finish()
	return err
}

// Deposit credits an external deposit to the account.
func (x *Exchange) Deposit(account domain.UserID, asset domain.AssetID, qty quant.Qty, now quant.TimeStamp) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if qty <= 0 {
		return fmt.Errorf("deposit %d: %w", qty, domain.ErrInvalidQty)
	}
	if _, ok := x.assets[asset]; !ok {
		return fmt.Errorf("asset %d: %w", asset, domain.ErrUnknownAsset)
	}
	call := x.buf.Begin()
	x.st.ledger.Credit(account, asset, qty)
	ev := &event.BalanceDepositedEvent{User: account, Asset: asset, Qty: qty}
	x.buf.Stamp(&ev.BaseEvent, now, call, ev)
	x.finish()
	return nil
}

// Withdraw debits the account if the portfolio stays healthy afterwards.
func (x *Exchange) Withdraw(caller, account domain.UserID, asset domain.AssetID, qty quant.Qty, now quant.TimeStamp) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if err := x.checkTrading(caller, account); err != nil {
		return err
	}
	if qty <= 0 {
		return fmt.Errorf("withdraw %d: %w", qty, domain.ErrInvalidQty)
	}
	if err := x.st.ledger.Debit(account, asset, qty); err != nil {
		return err
	}
	if v, err := x.st.ledger.RiskAdjustedValue(account, x.oracle, now, true); err != nil || v < 0 {
		x.st.ledger.Credit(account, asset, qty)
		if err != nil {
			return fmt.Errorf("withdraw %d of asset %d: %w", qty, asset, err)
		}
		return fmt.Errorf("withdraw %d of asset %d: %w", qty, asset, domain.ErrWithdrawUnhealthy)
	}
	call := x.buf.Begin()
	ev := &event.BalanceWithdrawnEvent{User: account, Asset: asset, Qty: qty}
	x.buf.Stamp(&ev.BaseEvent, now, call, ev)
	x.finish()
	return nil
}

// RepayLoan repays qty of the loan's principal after collecting interest
// due. Zero qty repays the full remaining principal. When the loan closes
// and its lend offer was flagged return-to-book, the repaid principal
// relists as a fresh lend offer at the loan's rate.
func (x *Exchange) RepayLoan(caller domain.UserID, loanID ledger.LoanID, qty quant.Qty, now quant.TimeStamp) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	loan, ok := x.st.ledger.Loans[loanID]
	if !ok {
		return fmt.Errorf("loan %d: %w", loanID, domain.ErrLoanNotFound)
	}
	if err := x.checkTrading(caller, loan.Borrower); err != nil {
		return err
	}
	call := x.buf.Begin()
	err := x.repayLoan(x.st, call, loan, qty, now)
	x.finish()
	return err
}

func (x *Exchange) repayLoan(st *state, call uuid.UUID, loan *ledger.Loan, qty quant.Qty, now quant.TimeStamp) error {
	if qty == 0 {
		qty = loan.Qty
	}
	if qty < 0 || qty > loan.Qty {
		return fmt.Errorf("repay %d of %d: %w", qty, loan.Qty, domain.ErrInvalidQty)
	}
	if err := x.accrueInterest(st, call, loan, now); err != nil {
		return err
	}
	return x.repayPrincipal(st, call, loan, qty, now)
}

// repayPrincipal returns qty of principal to the lender. Interest
// accrual is the caller's concern; forced repayment during liquidation
// must not stall on a borrower who cannot cover interest.
func (x *Exchange) repayPrincipal(st *state, call uuid.UUID, loan *ledger.Loan, qty quant.Qty, now quant.TimeStamp) error {
	lender, asset, rate := loan.Lender, loan.Asset, loan.RateBps
	relist := loan.ReturnToBook
	closed, err := st.ledger.ReduceLoan(loan.ID, qty)
	if err != nil {
		return err
	}
	ev := &event.LoanRepaidEvent{LoanID: uint64(loan.ID), Asset: asset, Qty: qty, Closed: closed}
	x.buf.Stamp(&ev.BaseEvent, now, call, ev)

	if closed && relist {
		a := x.assets[asset]
		relistQty := a.FloorToLot(qty)
		if relistQty > 0 {
			if _, err := x.placeLendOffer(st, call, lender, asset, relistQty, rate, domain.KindLimit, true, now); err != nil {
				// The principal stays as balance; relisting is best effort.
				x.log.Warn("RELIST_FAILED",
					slog.Uint64("loan", uint64(loan.ID)),
					slog.Any("error", err))
			}
		}
	}
	return nil
}

// AccrueLoanInterest collects interest due on a loan for whole hours
// elapsed.
func (x *Exchange) AccrueLoanInterest(loanID ledger.LoanID, now quant.TimeStamp) (quant.Qty, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	loan, ok := x.st.ledger.Loans[loanID]
	if !ok {
		return 0, fmt.Errorf("loan %d: %w", loanID, domain.ErrLoanNotFound)
	}
	call := x.buf.Begin()
	before := loan.HoursPaid
	err := x.accrueInterest(x.st, call, loan, now)
	x.finish()
	if err != nil {
		return 0, err
	}
	return ledger.HourlyInterest(loan.Qty, loan.RateBps) * quant.Qty(loan.HoursPaid-before), err
}

func (x *Exchange) accrueInterest(st *state, call uuid.UUID, loan *ledger.Loan, now quant.TimeStamp) error {
	hoursBefore := loan.HoursPaid
	interest, err := st.ledger.AccrueLoanInterest(loan.ID, now)
	if err != nil {
		return err
	}
	if interest > 0 {
		ev := &event.LoanInterestEvent{
			LoanID: uint64(loan.ID), Asset: loan.Asset,
			Interest: interest, Hours: loan.HoursPaid - hoursBefore,
		}
		x.buf.Stamp(&ev.BaseEvent, now, call, ev)
	}
	return nil
}

// PostFundingRate records the funding rate for one period of a perpetual
// asset. Operator only.
func (x *Exchange) PostFundingRate(caller domain.UserID, asset domain.AssetID, period int64, rate quant.Bps, now quant.TimeStamp) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if !x.perms.IsOperator(caller) {
		return fmt.Errorf("caller %d: %w", caller, domain.ErrPrivilegedCaller)
	}
	if _, ok := x.assets[asset]; !ok {
		return fmt.Errorf("asset %d: %w", asset, domain.ErrUnknownAsset)
	}
	call := x.buf.Begin()
	x.st.ledger.Funding.Record(uint32(asset), period, rate)
	ev := &event.FundingAccruedEvent{Asset: asset, Period: period, RateBps: rate}
	x.buf.Stamp(&ev.BaseEvent, now, call, ev)
	x.finish()
	return nil
}

// GetAvailable returns the account's spendable balance.
func (x *Exchange) GetAvailable(account domain.UserID, asset domain.AssetID) quant.Qty {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.st.ledger.GetAvailable(account, asset)
}

// RiskValue returns the account's pessimistic portfolio value.
func (x *Exchange) RiskValue(account domain.UserID, now quant.TimeStamp) (int64, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.st.ledger.RiskAdjustedValue(account, x.oracle, now, false)
}

// BestBidAsk returns the best level per side of a market.
func (x *Exchange) BestBidAsk(market domain.MarketID) (bidPrice quant.Price, bidQty quant.Qty, askPrice quant.Price, askQty quant.Qty, err error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	bk, ok := x.st.books[market]
	if !ok {
		err = fmt.Errorf("market %d: %w", market, domain.ErrUnknownMarket)
		return
	}
	bidPrice, bidQty, askPrice, askQty = bk.BestBidAsk()
	return
}

// MarketOrderQuote simulates a market order without mutating state.
func (x *Exchange) MarketOrderQuote(market domain.MarketID, side domain.Side, specifyOutput bool, amount quant.Qty, limit quant.Price, now quant.TimeStamp) (book.Quote, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	bk, ok := x.st.books[market]
	if !ok {
		return book.Quote{}, fmt.Errorf("market %d: %w", market, domain.ErrUnknownMarket)
	}
	be := x.marketBackend(x.st, bk, uuid.Nil, now)
	return bk.MarketOrderQuote(side, specifyOutput, amount, limit, be, x.fees[market])
}

// DepthChart returns up to maxLevels aggregated price levels of matchable
// quantity, resuming from cursor.
func (x *Exchange) DepthChart(market domain.MarketID, side domain.Side, maxLevels int, cursor uint64, now quant.TimeStamp) ([]book.Level, uint64, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	bk, ok := x.st.books[market]
	if !ok {
		return nil, 0, fmt.Errorf("market %d: %w", market, domain.ErrUnknownMarket)
	}
	be := x.marketBackend(x.st, bk, uuid.Nil, now)
	return bk.DepthChart(side, maxLevels, cursor, be)
}

// BestLendingRates returns the best level per side of an asset's lending
// book.
func (x *Exchange) BestLendingRates(asset domain.AssetID) (lendRate quant.Bps, lendQty quant.Qty, borrowRate quant.Bps, borrowQty quant.Qty, err error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	lb, ok := x.st.lendBooks[asset]
	if !ok {
		err = fmt.Errorf("asset %d: %w", asset, domain.ErrUnknownAsset)
		return
	}
	lendRate, lendQty, borrowRate, borrowQty = lb.BestRates()
	return
}

// sortedAssets returns the ids set in the given maps, ascending. Phase
// iteration must be deterministic for replay.
func sortedAssets(qtys map[domain.AssetID]quant.Qty) []domain.AssetID {
	out := make([]domain.AssetID, 0, len(qtys))
	for id, q := range qtys {
		if q > 0 {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// baseValue converts an asset amount into settlement units at the mark.
func (x *Exchange) baseValue(asset domain.AssetID, qty quant.Qty, mark quant.Price) quant.Qty {
	if asset == domain.BaseAsset {
		return qty
	}
	a := x.assets[asset]
	b := x.assets[domain.BaseAsset]
	return mark.QuoteQty(qty, a.Decimals, b.Decimals)
}

// scaleBps returns v*bps/BpsScale floored, never negative.
func scaleBps(v int64, bps quant.Bps) quant.Qty {
	if v <= 0 || bps <= 0 {
		return 0
	}
	return quant.Qty(safe.MulDiv(v, int64(bps), quant.BpsScale))
}
