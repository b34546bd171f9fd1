package ledger

import (
	"fmt"

	"dex_go/internal/domain"
	"dex_go/pkg/quant"
	"dex_go/pkg/safe"
)

// LoanID identifies a loan position. Ids are minted monotonically by the
// ledger and never reused.
type LoanID uint64

// Loan is one peer-to-peer lending position.
type Loan struct {
	ID       LoanID         `json:"id"`
	Lender   domain.UserID  `json:"lender"`
	Borrower domain.UserID  `json:"borrower"`
	Asset    domain.AssetID `json:"asset"`
	Qty      quant.Qty      `json:"qty"`
	RateBps  quant.Bps      `json:"rate_bps"`

	OriginHour    int64 `json:"origin_hour"`
	HoursPaid     int64 `json:"hours_paid"`
	DurationHours int64 `json:"duration_hours"`

	// ReturnToBook relists the principal as a lend offer on repayment.
	ReturnToBook bool `json:"return_to_book"`
	// MakerIsLender records which side rested when the loan matched.
	MakerIsLender bool `json:"maker_is_lender"`

	// Collateral is the borrower's sequestered interest prepayment,
	// released proportionally as the loan shrinks.
	Collateral quant.Qty `json:"collateral"`
}

// Expired reports whether the loan is past due at the given hour.
func (ln *Loan) Expired(nowHour int64) bool {
	return nowHour >= ln.OriginHour+ln.DurationHours
}

// HourlyInterest is the interest owed per hour on a principal at an
// annualized basis-point rate, floored.
func HourlyInterest(principal quant.Qty, rate quant.Bps) quant.Qty {
	return quant.Qty(safe.MulDiv(int64(principal), int64(rate), quant.BpsScale*quant.HoursPerYear))
}

// InterestCollateral is the up-front interest sequestration for a borrow:
// one interest period (a month) of interest on the principal.
func InterestCollateral(principal quant.Qty, rate quant.Bps) quant.Qty {
	return quant.Qty(safe.MulDiv(int64(principal), int64(rate), quant.BpsScale*quant.InterestPeriodsPerYear))
}

// OpenLoan transfers principal from lender to borrower and records the
// position. Sequestration hand-off is the caller's concern (the book
// releases the maker's order collateral first).
func (l *Ledger) OpenLoan(lender, borrower domain.UserID, asset domain.AssetID, qty quant.Qty, rate quant.Bps, now quant.TimeStamp, durationHours int64, returnToBook, makerIsLender bool) (*Loan, error) {
	if qty <= 0 {
		panic("CORE_LEDGER_LOAN_QTY")
	}
	if err := l.Transfer(asset, qty, lender, borrower); err != nil {
		return nil, err
	}
	coll := InterestCollateral(qty, rate)
	if coll > 0 {
		if err := l.Sequester(borrower, asset, coll); err != nil {
			if terr := l.Transfer(asset, qty, borrower, lender); terr != nil {
				panic("CORE_LEDGER_LOAN_UNWIND_FAILED")
			}
			return nil, err
		}
	}

	loan := &Loan{
		ID:            l.NextLoanID,
		Lender:        lender,
		Borrower:      borrower,
		Asset:         asset,
		Qty:           qty,
		RateBps:       rate,
		OriginHour:    now.Hours(),
		DurationHours: durationHours,
		ReturnToBook:  returnToBook,
		MakerIsLender: makerIsLender,
		Collateral:    coll,
	}
	l.NextLoanID++
	l.Loans[loan.ID] = loan

	lAcct := l.Account(lender)
	bAcct := l.Account(borrower)
	lAcct.LendIDs = append(lAcct.LendIDs, loan.ID)
	bAcct.BorrowIDs = append(bAcct.BorrowIDs, loan.ID)
	lAcct.Lent[asset] += qty
	bAcct.Borrowed[asset] += qty
	l.refreshDebtBit(borrower, asset)
	l.refreshOwnBit(lender, asset)
	return loan, nil
}

// AccrueLoanInterest collects interest due for whole hours elapsed since
// the last accrual, debiting the borrower and crediting the lender.
// Returns the amount collected. If the borrower cannot pay the full
// amount the call fails without partial collection.
func (l *Ledger) AccrueLoanInterest(id LoanID, now quant.TimeStamp) (quant.Qty, error) {
	loan, ok := l.Loans[id]
	if !ok {
		return 0, domain.ErrLoanNotFound
	}
	elapsed := now.Hours() - loan.OriginHour
	if elapsed > loan.DurationHours {
		elapsed = loan.DurationHours
	}
	hoursDue := elapsed - loan.HoursPaid
	if hoursDue <= 0 {
		return 0, nil
	}
	interest := quant.Qty(safe.Mul(int64(HourlyInterest(loan.Qty, loan.RateBps)), hoursDue))
	if interest > 0 {
		if err := l.Transfer(loan.Asset, interest, loan.Borrower, loan.Lender); err != nil {
			return 0, fmt.Errorf("loan %d interest: %w", id, err)
		}
	}
	loan.HoursPaid += hoursDue
	return interest, nil
}

// ReduceLoan repays qty of principal from borrower to lender and shrinks
// or closes the position. Interest must already be accrued by the caller.
// Returns true when the loan closed.
func (l *Ledger) ReduceLoan(id LoanID, qty quant.Qty) (bool, error) {
	loan, ok := l.Loans[id]
	if !ok {
		return false, domain.ErrLoanNotFound
	}
	if qty <= 0 || qty > loan.Qty {
		panic("CORE_LEDGER_LOAN_REDUCE_EXCEEDS")
	}
	// Free the repaid portion's interest prepayment so it can fund the
	// repayment itself.
	l.releaseLoanCollateral(loan, loan.Qty-qty)
	if err := l.Transfer(loan.Asset, qty, loan.Borrower, loan.Lender); err != nil {
		return false, err
	}
	l.shrinkLoan(loan, qty)
	return loan.Qty == 0, nil
}

// releaseLoanCollateral trims the borrower's sequestered prepayment down
// to what a principal of newQty requires. No-op when already trimmed.
func (l *Ledger) releaseLoanCollateral(loan *Loan, newQty quant.Qty) {
	newColl := quant.Qty(0)
	if newQty > 0 {
		newColl = InterestCollateral(newQty, loan.RateBps)
	}
	if loan.Collateral > newColl {
		l.Release(loan.Borrower, loan.Asset, loan.Collateral-newColl)
		loan.Collateral = newColl
	}
}

// shrinkLoan updates aggregates and removes the loan when empty, without
// moving principal (used by the lender swap, which nets instead of
// paying).
func (l *Ledger) shrinkLoan(loan *Loan, qty quant.Qty) {
	l.releaseLoanCollateral(loan, loan.Qty-qty)
	loan.Qty -= qty
	lAcct := l.Account(loan.Lender)
	bAcct := l.Account(loan.Borrower)
	lAcct.Lent[loan.Asset] -= qty
	bAcct.Borrowed[loan.Asset] -= qty
	if lAcct.Lent[loan.Asset] < 0 || bAcct.Borrowed[loan.Asset] < 0 {
		panic("CORE_LEDGER_LOAN_AGGREGATE_NEGATIVE")
	}
	if loan.Qty == 0 {
		l.dropLoan(loan)
	}
	l.refreshDebtBit(loan.Borrower, loan.Asset)
	l.refreshOwnBit(loan.Lender, loan.Asset)
}

func (l *Ledger) dropLoan(loan *Loan) {
	delete(l.Loans, loan.ID)
	lAcct := l.Account(loan.Lender)
	bAcct := l.Account(loan.Borrower)
	lAcct.LendIDs = removeLoanID(lAcct.LendIDs, loan.ID)
	bAcct.BorrowIDs = removeLoanID(bAcct.BorrowIDs, loan.ID)
}

func removeLoanID(ids []LoanID, id LoanID) []LoanID {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	panic("CORE_LEDGER_LOAN_ID_NOT_FOUND")
}

// SwapLenderStep nets qty of a lend loan against a borrow loan sharing
// the middle party: the borrow loan's lender takes over the claim on the
// lend loan's borrower, and the middle party drops out of both. No
// principal moves; rate-differential compensation is the caller's
// concern. The new loan keeps the original claim's rate and remaining
// duration.
func (l *Ledger) SwapLenderStep(lendID, borrowID LoanID, qty quant.Qty, nowHour int64) (*Loan, error) {
	lend, ok := l.Loans[lendID]
	if !ok {
		return nil, fmt.Errorf("lend loan %d: %w", lendID, domain.ErrLoanNotFound)
	}
	borrow, ok := l.Loans[borrowID]
	if !ok {
		return nil, fmt.Errorf("borrow loan %d: %w", borrowID, domain.ErrLoanNotFound)
	}
	if lend.Asset != borrow.Asset || lend.Lender != borrow.Borrower {
		panic("CORE_LEDGER_SWAP_MISMATCH")
	}
	if qty <= 0 || qty > lend.Qty || qty > borrow.Qty {
		panic("CORE_LEDGER_SWAP_QTY")
	}

	asset := lend.Asset
	newLender := borrow.Lender
	debtor := lend.Borrower
	rate := lend.RateBps
	remaining := lend.OriginHour + lend.DurationHours - nowHour
	if remaining < 0 {
		remaining = 0
	}
	returnToBook := borrow.ReturnToBook

	l.shrinkLoan(lend, qty)
	l.shrinkLoan(borrow, qty)

	coll := InterestCollateral(qty, rate)
	if coll > 0 {
		// The debtor's prepayment for this slice was just released at the
		// same rate; re-sequestering it cannot fail.
		if err := l.Sequester(debtor, asset, coll); err != nil {
			panic("CORE_LEDGER_SWAP_COLLATERAL")
		}
	}

	loan := &Loan{
		ID:            l.NextLoanID,
		Lender:        newLender,
		Borrower:      debtor,
		Asset:         asset,
		Qty:           qty,
		RateBps:       rate,
		OriginHour:    nowHour,
		DurationHours: remaining,
		ReturnToBook:  returnToBook,
		Collateral:    coll,
	}
	l.NextLoanID++
	l.Loans[loan.ID] = loan

	lAcct := l.Account(newLender)
	bAcct := l.Account(debtor)
	lAcct.LendIDs = append(lAcct.LendIDs, loan.ID)
	bAcct.BorrowIDs = append(bAcct.BorrowIDs, loan.ID)
	lAcct.Lent[asset] += qty
	bAcct.Borrowed[asset] += qty
	l.refreshDebtBit(debtor, asset)
	l.refreshOwnBit(newLender, asset)
	return loan, nil
}

// ForgiveLoan writes the loan off without moving principal. Bankruptcy
// socializes the shortfall instead of repaying the lender.
func (l *Ledger) ForgiveLoan(id LoanID) error {
	loan, ok := l.Loans[id]
	if !ok {
		return fmt.Errorf("loan %d: %w", id, domain.ErrLoanNotFound)
	}
	l.shrinkLoan(loan, loan.Qty)
	return nil
}

// LendLoansLIFO returns the user's lend positions in the given asset,
// most recent first. Pass 0 to match any asset.
func (l *Ledger) LendLoansLIFO(user domain.UserID, asset domain.AssetID, any bool) []*Loan {
	return l.loansLIFO(l.Account(user).LendIDs, asset, any)
}

// BorrowLoansLIFO returns the user's borrow positions in the given asset,
// most recent first.
func (l *Ledger) BorrowLoansLIFO(user domain.UserID, asset domain.AssetID, any bool) []*Loan {
	return l.loansLIFO(l.Account(user).BorrowIDs, asset, any)
}

func (l *Ledger) loansLIFO(ids []LoanID, asset domain.AssetID, any bool) []*Loan {
	out := make([]*Loan, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		loan, ok := l.Loans[ids[i]]
		if !ok {
			panic("CORE_LEDGER_LOAN_ID_NOT_FOUND")
		}
		if any || loan.Asset == asset {
			out = append(out, loan)
		}
	}
	return out
}
