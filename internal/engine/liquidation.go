package engine

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/google/uuid"

	"dex_go/internal/book"
	"dex_go/internal/domain"
	"dex_go/internal/event"
	"dex_go/internal/ledger"
	"dex_go/internal/lending"
	"dex_go/pkg/quant"
	"dex_go/pkg/safe"
)

// Liquidate runs the full forced-unwind sequence against an unhealthy
// account, or against the borrower of a specific past-due loan when
// loanID is nonzero. Anyone may call it. The whole sequence applies
// atomically: it runs against a clone of the state and swaps in only
// when the account verifies healthy (or the expired loan is closed) at
// the end. The liquidator earns a share of the surviving portfolio
// value, paid in the settlement asset.
func (x *Exchange) Liquidate(liquidator, target domain.UserID, loanID ledger.LoanID, now quant.TimeStamp) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if target == domain.OpsAccount {
		return fmt.Errorf("account %d: %w", target, domain.ErrReservedAccount)
	}

	if loanID != 0 {
		loan, ok := x.st.ledger.Loans[loanID]
		if !ok || loan.Borrower != target {
			return fmt.Errorf("loan %d on account %d: %w", loanID, target, domain.ErrLoanNotFound)
		}
		if !loan.Expired(now.Hours()) {
			return fmt.Errorf("loan %d: %w", loanID, domain.ErrLoanNotExpired)
		}
	} else if v, err := x.st.ledger.RiskAdjustedValue(target, x.oracle, now, true); err != nil {
		return fmt.Errorf("account %d: %w", target, err)
	} else if v >= 0 {
		return fmt.Errorf("account %d: %w", target, domain.ErrAccountHealthy)
	}

	call := x.buf.Begin()
	st := x.st.clone()

	started := &event.LiquidationStartedEvent{
		Target: target, Liquidator: liquidator, ExpiredLoan: uint64(loanID),
	}
	x.buf.Stamp(&started.BaseEvent, now, call, started)

	if err := x.unwind(st, call, target, domain.FlagLiquidation, now); err != nil {
		x.buf.Discard()
		return err
	}

	// Verification: an expired-loan entry must have closed that loan, a
	// health entry must have restored the portfolio.
	if loanID != 0 {
		if _, open := st.ledger.Loans[loanID]; open {
			x.buf.Discard()
			return fmt.Errorf("loan %d survived unwind: %w", loanID, domain.ErrStillUnhealthy)
		}
	} else if v, err := st.ledger.RiskAdjustedValue(target, x.oracle, now, true); err != nil {
		x.buf.Discard()
		return fmt.Errorf("account %d: %w", target, err)
	} else if v < 0 {
		x.buf.Discard()
		return fmt.Errorf("account %d: %w", target, domain.ErrStillUnhealthy)
	}

	value, err := st.ledger.RiskAdjustedValue(target, x.oracle, now, false)
	if err != nil {
		x.buf.Discard()
		return fmt.Errorf("account %d: %w", target, err)
	}
	reward := scaleBps(value, x.cfg.LiqRewardBps)
	if avail := st.ledger.GetAvailable(target, domain.BaseAsset); reward > avail {
		reward = avail
	}
	if reward > 0 {
		if err := st.ledger.Transfer(domain.BaseAsset, reward, target, liquidator); err != nil {
			panic("CORE_LIQ_REWARD_TRANSFER")
		}
	}
	done := &event.LiquidationCompletedEvent{
		Target: target, Liquidator: liquidator, Reward: reward, FinalValue: value,
	}
	x.buf.Stamp(&done.BaseEvent, now, call, done)

	x.st = st
	x.finish()
	return nil
}

// Bankrupt unwinds an account whose debts exceed what its holdings can
// realize, writing off every loan against it and paying each creditor
// the same fraction of their claim out of the realizable credit.
// Operator only.
func (x *Exchange) Bankrupt(caller, target domain.UserID, now quant.TimeStamp) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if !x.perms.IsOperator(caller) {
		return fmt.Errorf("caller %d: %w", caller, domain.ErrPrivilegedCaller)
	}
	if target == domain.OpsAccount {
		return fmt.Errorf("account %d: %w", target, domain.ErrReservedAccount)
	}

	call := x.buf.Begin()
	st := x.st.clone()

	started := &event.LiquidationStartedEvent{
		Target: target, Liquidator: caller, Bankruptcy: true,
	}
	x.buf.Stamp(&started.BaseEvent, now, call, started)

	if err := x.unwind(st, call, target, domain.FlagLiquidation|domain.FlagBankruptcy, now); err != nil {
		x.buf.Discard()
		return err
	}

	credit, liability := x.bankruptcySnapshot(st, target, now)
	if credit >= liability {
		x.buf.Discard()
		return fmt.Errorf("credit %d against liability %d: %w", credit, liability, domain.ErrNotInsolvent)
	}

	// Every creditor recovers the same fraction of their claim; the
	// payouts are floored per claim so their sum never exceeds the
	// realizable credit.
	acct := st.ledger.Account(target)
	ids := append([]ledger.LoanID(nil), acct.BorrowIDs...)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		loan := st.ledger.Loans[id]
		owed := x.claimValue(st, loan)
		paid := quant.Qty(safe.MulDiv(int64(owed), credit, liability))
		if paid > 0 {
			st.ledger.ForceDebit(target, domain.BaseAsset, paid)
			st.ledger.Credit(loan.Lender, domain.BaseAsset, paid)
		}
		ev := &event.BankruptcyLossEvent{
			Target: target, Creditor: loan.Lender, Asset: loan.Asset,
			Owed: owed, Paid: paid,
		}
		x.buf.Stamp(&ev.BaseEvent, now, call, ev)
		if err := st.ledger.ForgiveLoan(id); err != nil {
			panic("CORE_LIQ_FORGIVE")
		}
	}

	final, err := st.ledger.RiskAdjustedValue(target, x.oracle, now, false)
	if err != nil {
		x.buf.Discard()
		return fmt.Errorf("account %d: %w", target, err)
	}
	done := &event.LiquidationCompletedEvent{
		Target: target, Liquidator: caller, FinalValue: final,
	}
	x.buf.Stamp(&done.BaseEvent, now, call, done)

	x.st = st
	x.finish()
	return nil
}

// unwind runs the forced phases shared by liquidation and bankruptcy:
// sweep resting orders, flatten perpetual positions, replace lent-out
// capital, repay borrows, sell leftovers, and deal with settlement-asset
// loans last.
func (x *Exchange) unwind(st *state, call uuid.UUID, target domain.UserID, flags domain.OrderFlags, now quant.TimeStamp) error {
	x.cancelAllResting(st, call, target, now)

	if flags.IsBankruptcy() {
		// Realized losses must land as recorded debt, not eat the balance
		// that creditors will be paid from.
		row := st.ledger.Row(target, domain.BaseAsset)
		saved := row.Total
		row.Total = 0
		err := x.closePerps(st, call, target, flags, now)
		row.Total += saved
		if err != nil {
			return err
		}
	} else if err := x.closePerps(st, call, target, flags, now); err != nil {
		return err
	}

	acct := st.ledger.Account(target)

	// Lender side: replace the capital still lent out with emergency
	// borrows, then hand each claim over to the new lenders.
	for _, asset := range sortedAssets(acct.Lent) {
		borrowQty := x.maxLiquidationBorrow(st, target, asset)
		if borrowQty > 0 {
			if _, err := x.placeBorrowRequest(st, call, target, asset, borrowQty, x.cfg.EmergencyRateBps, domain.KindImmediate, flags, now); err != nil {
				return fmt.Errorf("emergency borrow of asset %d: %w", asset, err)
			}
		}
		for _, ln := range st.ledger.LendLoansLIFO(target, asset, false) {
			x.swapLender(st, call, ln, now)
		}
	}

	// Borrower side, settlement asset excluded until everything else has
	// been converted. Bankruptcy never repays creditors directly: repaying
	// in arrival order would favor some over others, and the proportional
	// distribution handles every claim instead.
	if !flags.IsBankruptcy() {
		for _, asset := range sortedAssets(acct.Borrowed) {
			if asset == domain.BaseAsset {
				continue
			}
			x.repayBorrows(st, call, target, asset, now)
		}
	}

	x.sellExcess(st, call, target, flags, now)

	if flags.IsBankruptcy() {
		return nil
	}
	x.repayBorrows(st, call, target, domain.BaseAsset, now)
	if short := acct.Borrowed[domain.BaseAsset]; short > 0 {
		room := x.maxLiquidationBorrow(st, target, domain.BaseAsset)
		need := x.ceilToLot(domain.BaseAsset, short)
		if need < room {
			room = need
		}
		if room > 0 {
			if _, err := x.placeBorrowRequest(st, call, target, domain.BaseAsset, room, x.cfg.EmergencyRateBps, domain.KindImmediate, flags, now); err != nil {
				return fmt.Errorf("emergency borrow of settlement asset: %w", err)
			}
			x.repayBorrows(st, call, target, domain.BaseAsset, now)
		}
	}
	return nil
}

// cancelAllResting force-cancels every resting order and lending offer
// the target owns, releasing their sequestered backing.
func (x *Exchange) cancelAllResting(st *state, call uuid.UUID, target domain.UserID, now quant.TimeStamp) {
	for _, id := range sortedMarkets(st.books) {
		bk := st.books[id]
		be := x.marketBackend(st, bk, call, now)
		var ids []uint64
		for _, side := range []domain.Side{domain.SideBuy, domain.SideSell} {
			for _, o := range bk.Orders(side) {
				if o.Owner == target {
					ids = append(ids, o.ID)
				}
			}
		}
		for _, oid := range ids {
			if _, err := bk.CancelOrder(oid, target, true, false, be); err != nil {
				panic("CORE_LIQ_SWEEP_CANCEL")
			}
		}
	}
	for _, asset := range sortedLendBooks(st.lendBooks) {
		lb := st.lendBooks[asset]
		be := x.lendBackend(st, lb, call, now)
		lendIDs, borrowIDs := lb.RestingByOwner(target)
		for _, oid := range lendIDs {
			if err := lb.CancelLendOffer(oid, target, true, be); err != nil {
				panic("CORE_LIQ_SWEEP_CANCEL")
			}
		}
		for _, oid := range borrowIDs {
			if err := lb.CancelBorrowRequest(oid, target, true, be); err != nil {
				panic("CORE_LIQ_SWEEP_CANCEL")
			}
		}
	}
}

// closePerps flattens every perpetual position with forced immediate
// orders priced at the mark worsened by the liquidation slippage
// multiple. A position that cannot be fully closed fails the whole
// sequence.
func (x *Exchange) closePerps(st *state, call uuid.UUID, target domain.UserID, flags domain.OrderFlags, now quant.TimeStamp) error {
	acct := st.ledger.Account(target)
	assets := make([]domain.AssetID, 0, len(acct.Positions))
	for id, pos := range acct.Positions {
		if pos.Qty != 0 {
			assets = append(assets, id)
		}
	}
	sort.Slice(assets, func(i, j int) bool { return assets[i] < assets[j] })

	for _, asset := range assets {
		pos := acct.Positions[asset]
		market, ok := x.perpByBase[asset]
		if !ok {
			return fmt.Errorf("no perpetual market for asset %d: %w", asset, domain.ErrNoLiquidity)
		}
		mark, ok := x.oracle.MarkPrice(asset)
		if !ok || mark.IsZero() {
			return fmt.Errorf("no mark price for asset %d: %w", asset, domain.ErrNoLiquidity)
		}
		slip := quant.Bps(safe.Mul(int64(x.assets[asset].SlippageBps), x.cfg.LiqSlippageX))

		side, qty, price := domain.SideSell, pos.Qty, mark.ScaleBps(-slip)
		if pos.Qty < 0 {
			side, qty, price = domain.SideBuy, -pos.Qty, mark.ScaleBps(slip)
		}
		if _, err := x.placeOrder(st, call, target, market, side, qty, price, domain.KindImmediate, flags, 0, now); err != nil {
			return fmt.Errorf("forced close on market %d: %w", market, err)
		}
		if pos.Qty != 0 {
			return fmt.Errorf("position in asset %d not flat: %w", asset, domain.ErrNoLiquidity)
		}
	}
	return nil
}

// repayBorrows returns as much borrowed principal in one asset as the
// target's balance allows, most recent loan first. Interest collection
// is best effort here; an unpayable coupon must not strand the
// principal.
func (x *Exchange) repayBorrows(st *state, call uuid.UUID, target domain.UserID, asset domain.AssetID, now quant.TimeStamp) {
	for _, loan := range st.ledger.BorrowLoansLIFO(target, asset, false) {
		_ = x.accrueInterest(st, call, loan, now)
		avail := st.ledger.GetAvailable(target, asset)
		qty := quant.Qty(safe.Min(int64(loan.Qty), int64(avail)))
		// Full repayment frees the loan's interest prepayment, which can
		// fund the repayment itself.
		if quant.Qty(safe.Add(int64(avail), int64(loan.Collateral))) >= loan.Qty {
			qty = loan.Qty
		}
		if qty <= 0 {
			continue
		}
		if err := x.repayPrincipal(st, call, loan, qty, now); err != nil {
			x.log.Warn("FORCED_REPAY_FAILED",
				slog.Uint64("loan", uint64(loan.ID)),
				slog.Any("error", err))
		}
	}
}

// sellExcess converts leftover non-settlement holdings into the
// settlement asset on their spot markets, best effort.
func (x *Exchange) sellExcess(st *state, call uuid.UUID, target domain.UserID, flags domain.OrderFlags, now quant.TimeStamp) {
	acct := st.ledger.Account(target)
	assets := make([]domain.AssetID, 0, len(acct.Rows))
	for id, row := range acct.Rows {
		if id != domain.BaseAsset && row.Total > 0 {
			assets = append(assets, id)
		}
	}
	sort.Slice(assets, func(i, j int) bool { return assets[i] < assets[j] })

	for _, asset := range assets {
		market, ok := x.spotByBase[asset]
		if !ok {
			continue
		}
		mark, ok := x.oracle.MarkPrice(asset)
		if !ok || mark.IsZero() {
			continue
		}
		qty := st.ledger.GetAvailable(target, asset)
		if qty <= 0 {
			continue
		}
		slip := quant.Bps(safe.Mul(int64(x.assets[asset].SlippageBps), x.cfg.LiqSlippageX))
		if _, err := x.placeOrder(st, call, target, market, domain.SideSell, qty, mark.ScaleBps(-slip), domain.KindImmediate, flags, 0, now); err != nil {
			x.log.Warn("FORCED_SELL_FAILED",
				slog.Uint64("asset", uint64(asset)),
				slog.Any("error", err))
		}
	}
}

// bankruptcySnapshot values what the target's estate can realize against
// what it owes, both in settlement units. Credit counts positive
// balances at slippage-deflated marks plus receivables; liability counts
// outstanding borrows, negative balances and unpaid funding.
func (x *Exchange) bankruptcySnapshot(st *state, target domain.UserID, now quant.TimeStamp) (credit, liability int64) {
	acct := st.ledger.Account(target)

	assets := make([]domain.AssetID, 0, len(acct.Rows))
	for id := range acct.Rows {
		assets = append(assets, id)
	}
	sort.Slice(assets, func(i, j int) bool { return assets[i] < assets[j] })
	for _, id := range assets {
		total := int64(acct.Rows[id].Total)
		if total > 0 {
			credit = safe.Add(credit, int64(x.deflatedValue(id, quant.Qty(total))))
		} else if total < 0 {
			liability = safe.Add(liability, int64(x.deflatedValue(id, quant.Qty(-total))))
		}
	}

	for _, id := range assets {
		if lent := acct.Lent[id]; lent > 0 {
			credit = safe.Add(credit, int64(x.deflatedValue(id, lent)))
		}
	}

	posAssets := make([]domain.AssetID, 0, len(acct.Positions))
	for id := range acct.Positions {
		posAssets = append(posAssets, id)
	}
	sort.Slice(posAssets, func(i, j int) bool { return posAssets[i] < posAssets[j] })
	for _, id := range posAssets {
		owed := int64(acct.Positions[id].Owed)
		if owed > 0 {
			credit = safe.Add(credit, owed)
		} else {
			liability = safe.Sub(liability, owed)
		}
	}

	for i := len(acct.BorrowIDs) - 1; i >= 0; i-- {
		loan := st.ledger.Loans[acct.BorrowIDs[i]]
		liability = safe.Add(liability, int64(x.claimValue(st, loan)))
	}
	return credit, liability
}

// claimValue is one borrow loan's principal in settlement units at the
// slippage-deflated mark. Claims in assets with no mark price are
// unrecoverable anyway and value to zero.
func (x *Exchange) claimValue(st *state, loan *ledger.Loan) quant.Qty {
	return x.deflatedValue(loan.Asset, loan.Qty)
}

func (x *Exchange) deflatedValue(asset domain.AssetID, qty quant.Qty) quant.Qty {
	if asset == domain.BaseAsset {
		return qty
	}
	mark, ok := x.oracle.MarkPrice(asset)
	if !ok || mark.IsZero() {
		return 0
	}
	return x.baseValue(asset, qty, mark.ScaleBps(-x.assets[asset].SlippageBps))
}

func (x *Exchange) ceilToLot(asset domain.AssetID, qty quant.Qty) quant.Qty {
	a := x.assets[asset]
	floored := a.FloorToLot(qty)
	if floored < qty {
		floored += a.LotQty
	}
	return floored
}

func sortedMarkets(books map[domain.MarketID]*book.Book) []domain.MarketID {
	out := make([]domain.MarketID, 0, len(books))
	for id := range books {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func sortedLendBooks(books map[domain.AssetID]*lending.Book) []domain.AssetID {
	out := make([]domain.AssetID, 0, len(books))
	for id := range books {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
