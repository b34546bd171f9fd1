package ledger

import "dex_go/internal/domain"

// Clone deep-copies the ledger. Liquidation and bankruptcy run against a
// clone and swap it in only on success, giving the all-or-nothing failure
// semantics the host environment used to provide.
func (l *Ledger) Clone() *Ledger {
	out := &Ledger{
		Assets:     l.Assets, // registry is immutable after bootstrap
		Accounts:   make(map[domain.UserID]*Account, len(l.Accounts)),
		Funding:    l.Funding.Clone(),
		Loans:      make(map[LoanID]*Loan, len(l.Loans)),
		NextLoanID: l.NextLoanID,
	}
	for id, loan := range l.Loans {
		cp := *loan
		out.Loans[id] = &cp
	}
	for uid, acct := range l.Accounts {
		out.Accounts[uid] = acct.clone()
	}
	return out
}

func (a *Account) clone() *Account {
	out := newAccount()
	for id, row := range a.Rows {
		cp := *row
		out.Rows[id] = &cp
	}
	for id, pos := range a.Positions {
		cp := *pos
		out.Positions[id] = &cp
	}
	out.LendIDs = append([]LoanID(nil), a.LendIDs...)
	out.BorrowIDs = append([]LoanID(nil), a.BorrowIDs...)
	for id, q := range a.Lent {
		out.Lent[id] = q
	}
	for id, q := range a.Borrowed {
		out.Borrowed[id] = q
	}
	out.Debt = a.Debt.Clone()
	out.Own = a.Own.Clone()
	return out
}
