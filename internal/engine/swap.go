package engine

import (
	"fmt"

	"github.com/google/uuid"

	"dex_go/internal/domain"
	"dex_go/internal/event"
	"dex_go/internal/ledger"
	"dex_go/pkg/quant"
	"dex_go/pkg/safe"
)

// SwapLender lets a lender exit an active loan by netting it against
// their own outstanding borrow positions in the same asset, most recent
// first. The replacement lender takes over the claim at the original
// rate; whichever party ends up with the worse rate is compensated with
// the differential pro-rata over the remaining duration. Returns the
// principal replaced, which may be less than the loan when no more
// eligible borrow positions exist.
func (x *Exchange) SwapLender(caller domain.UserID, loanID ledger.LoanID, now quant.TimeStamp) (quant.Qty, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	loan, ok := x.st.ledger.Loans[loanID]
	if !ok {
		return 0, fmt.Errorf("loan %d: %w", loanID, domain.ErrLoanNotFound)
	}
	if err := x.checkTrading(caller, loan.Lender); err != nil {
		return 0, err
	}
	call := x.buf.Begin()
	swapped := x.swapLender(x.st, call, loan, now)
	x.finish()
	return swapped, nil
}

func (x *Exchange) swapLender(st *state, call uuid.UUID, lend *ledger.Loan, now quant.TimeStamp) quant.Qty {
	asset := lend.Asset
	a := x.assets[asset]
	nowHour := now.Hours()

	var swapped quant.Qty
	// New loans minted by a step never belong to this user's borrow side,
	// so one pass over the snapshot is exhaustive.
	for _, b := range st.ledger.BorrowLoansLIFO(lend.Lender, asset, false) {
		if lend.Qty == 0 {
			break
		}
		qty := quant.Qty(safe.Min(int64(lend.Qty), int64(b.Qty)))
		if b.ReturnToBook {
			qty = a.FloorToLot(qty)
		}
		if qty <= 0 {
			continue
		}

		// Interest owed so far settles before the netting; a broke
		// borrower does not block the swap itself.
		_ = x.accrueInterest(st, call, lend, now)
		_ = x.accrueInterest(st, call, b, now)

		comp, toExiting := x.swapCompensation(lend, b, qty, nowHour)
		if comp > 0 {
			payer, payee := b.Lender, lend.Lender
			if !toExiting {
				payer, payee = lend.Lender, b.Lender
			}
			if err := st.ledger.Transfer(asset, comp, payer, payee); err != nil {
				continue // cannot settle the differential, try the next position
			}
		}

		newLoan, err := st.ledger.SwapLenderStep(lend.ID, b.ID, qty, nowHour)
		if err != nil {
			continue
		}
		signed := comp
		if !toExiting {
			signed = -comp
		}
		ev := &event.LenderSwappedEvent{
			LendLoanID: uint64(lend.ID), BorrowLoanID: uint64(b.ID),
			NewLoanID: uint64(newLoan.ID), Asset: asset,
			Qty: qty, Compensation: signed,
		}
		x.buf.Stamp(&ev.BaseEvent, now, call, ev)
		swapped += qty
	}
	return swapped
}

// swapCompensation returns the rate-differential amount and whether it is
// owed to the exiting lender. The exiting lender gives up earning the
// claim's rate; the replacement gives up earning their borrow rate.
func (x *Exchange) swapCompensation(lend, borrow *ledger.Loan, qty quant.Qty, nowHour int64) (quant.Qty, bool) {
	remaining := lend.OriginHour + lend.DurationHours - nowHour
	if remaining <= 0 {
		return 0, false
	}
	diff := int64(lend.RateBps) - int64(borrow.RateBps)
	toExiting := diff > 0
	if diff < 0 {
		diff = -diff
	}
	comp := safe.MulDiv(int64(qty), safe.Mul(diff, remaining), quant.BpsScale*quant.HoursPerYear)
	return quant.Qty(comp), toExiting
}
