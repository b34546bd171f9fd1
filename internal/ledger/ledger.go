// Package ledger implements position and ledger accounting: per-user
// per-asset balance rows with sequestration, aggregated perpetual
// positions with funding true-up, lending positions, and the risk
// valuation that gates every match.
package ledger

import (
	"fmt"

	"dex_go/internal/domain"
	"dex_go/pkg/quant"
	"dex_go/pkg/safe"
)

// Row is the balance record for one (user, asset).
type Row struct {
	Total quant.Qty `json:"total"`
	// Seq is the amount sequestered for spot and lending orders.
	Seq quant.Qty `json:"seq"`
	// SeqPerp is the notional sequestered for perpetual orders,
	// denominated in the settlement asset.
	SeqPerp quant.Qty `json:"seq_perp"`
}

// Available returns the spendable amount, never negative.
func (r *Row) Available() quant.Qty {
	avail := r.Total - r.Seq - r.SeqPerp
	if avail < 0 {
		return 0
	}
	return avail
}

// verify panics on impossible row states. Called from the single-writer
// hot path where corruption is fatal.
func (r *Row) verify() {
	if r.Seq < 0 || r.SeqPerp < 0 {
		panic("CORE_LEDGER_NEGATIVE_SEQUESTRATION")
	}
}

// Account aggregates everything the ledger tracks for one user.
type Account struct {
	Rows map[domain.AssetID]*Row `json:"rows"`

	// Debt marks assets where the user has borrowing, short perpetual
	// exposure or owed funding. Own marks assets with positive balance
	// only. Valuation walks these instead of scanning every asset.
	Debt domain.AssetSet `json:"-"`
	Own  domain.AssetSet `json:"-"`

	Positions map[domain.AssetID]*PerpPosition `json:"positions"`

	// Loans ordered by origination, most recent last (LIFO unwind reads
	// from the tail).
	LendIDs   []LoanID `json:"lend_ids"`
	BorrowIDs []LoanID `json:"borrow_ids"`

	Lent     map[domain.AssetID]quant.Qty `json:"lent"`
	Borrowed map[domain.AssetID]quant.Qty `json:"borrowed"`
}

func newAccount() *Account {
	return &Account{
		Rows:      make(map[domain.AssetID]*Row),
		Positions: make(map[domain.AssetID]*PerpPosition),
		Lent:      make(map[domain.AssetID]quant.Qty),
		Borrowed:  make(map[domain.AssetID]quant.Qty),
	}
}

// Ledger is the accounting state shared by every book and the liquidation
// engine. It is not internally synchronized: all mutation happens behind
// the exchange's single writer.
type Ledger struct {
	Assets   map[domain.AssetID]*domain.Asset
	Accounts map[domain.UserID]*Account

	Funding    *FundingHistory
	Loans      map[LoanID]*Loan
	NextLoanID LoanID
}

// New creates an empty ledger over the given asset registry.
func New(assets map[domain.AssetID]*domain.Asset) *Ledger {
	return &Ledger{
		Assets:     assets,
		Accounts:   make(map[domain.UserID]*Account),
		Funding:    NewFundingHistory(),
		Loans:      make(map[LoanID]*Loan),
		NextLoanID: 1,
	}
}

// Account returns the user's account, creating it on first touch.
func (l *Ledger) Account(user domain.UserID) *Account {
	acct, ok := l.Accounts[user]
	if !ok {
		acct = newAccount()
		l.Accounts[user] = acct
	}
	return acct
}

// Row returns the balance row for (user, asset), creating it on first
// touch.
func (l *Ledger) Row(user domain.UserID, asset domain.AssetID) *Row {
	acct := l.Account(user)
	row, ok := acct.Rows[asset]
	if !ok {
		row = &Row{}
		acct.Rows[asset] = row
	}
	return row
}

func (l *Ledger) asset(id domain.AssetID) *domain.Asset {
	a, ok := l.Assets[id]
	if !ok {
		panic(fmt.Sprintf("CORE_LEDGER_UNKNOWN_ASSET %d", id))
	}
	return a
}

// GetAvailable returns the user's spendable balance of the asset.
func (l *Ledger) GetAvailable(user domain.UserID, asset domain.AssetID) quant.Qty {
	return l.Row(user, asset).Available()
}

// Credit adds amount to the user's balance.
func (l *Ledger) Credit(user domain.UserID, asset domain.AssetID, amount quant.Qty) {
	if amount < 0 {
		panic("CORE_LEDGER_NEGATIVE_CREDIT")
	}
	row := l.Row(user, asset)
	row.Total = quant.Qty(safe.Add(int64(row.Total), int64(amount)))
	l.refreshOwnBit(user, asset)
}

// Debit removes amount from the user's available balance, failing with
// ErrInsufficientBalance instead of clamping.
func (l *Ledger) Debit(user domain.UserID, asset domain.AssetID, amount quant.Qty) error {
	if amount < 0 {
		panic("CORE_LEDGER_NEGATIVE_DEBIT")
	}
	row := l.Row(user, asset)
	if row.Available() < amount {
		return fmt.Errorf("debit %d of asset %d for user %d: %w",
			amount, asset, user, domain.ErrInsufficientBalance)
	}
	row.Total -= amount
	l.refreshOwnBit(user, asset)
	return nil
}

// ForceDebit removes amount from Total even past zero. Only liquidation
// and bankruptcy paths use this: the shortfall becomes socialized debt.
func (l *Ledger) ForceDebit(user domain.UserID, asset domain.AssetID, amount quant.Qty) {
	row := l.Row(user, asset)
	row.Total = quant.Qty(safe.Sub(int64(row.Total), int64(amount)))
	l.refreshOwnBit(user, asset)
	if row.Total < 0 {
		l.Account(user).Debt.Set(asset)
	}
}

// Transfer moves amount between users' available balances.
func (l *Ledger) Transfer(asset domain.AssetID, amount quant.Qty, from, to domain.UserID) error {
	if err := l.Debit(from, asset, amount); err != nil {
		return err
	}
	l.Credit(to, asset, amount)
	return nil
}

// Sequester locks amount against open spot/lending orders. Fails when the
// total committed would exceed the balance plus the asset's
// over-sequestration allowance.
func (l *Ledger) Sequester(user domain.UserID, asset domain.AssetID, amount quant.Qty) error {
	if amount < 0 {
		panic("CORE_LEDGER_NEGATIVE_SEQUESTER")
	}
	row := l.Row(user, asset)
	if !l.fitsAllowance(row, asset, amount) {
		return fmt.Errorf("sequester %d of asset %d for user %d: %w",
			amount, asset, user, domain.ErrInsufficientBalance)
	}
	row.Seq += amount
	return nil
}

// Release unlocks a previously sequestered amount.
func (l *Ledger) Release(user domain.UserID, asset domain.AssetID, amount quant.Qty) {
	row := l.Row(user, asset)
	if amount < 0 || amount > row.Seq {
		panic("CORE_LEDGER_RELEASE_EXCEEDS_SEQUESTERED")
	}
	row.Seq -= amount
	row.verify()
}

// SequesterPerp locks notional margin (settlement asset) against resting
// perpetual orders.
func (l *Ledger) SequesterPerp(user domain.UserID, asset domain.AssetID, notional quant.Qty) error {
	if notional < 0 {
		panic("CORE_LEDGER_NEGATIVE_SEQUESTER")
	}
	row := l.Row(user, asset)
	if !l.fitsAllowance(row, asset, notional) {
		return fmt.Errorf("sequester perp %d for user %d: %w",
			notional, user, domain.ErrInsufficientBalance)
	}
	row.SeqPerp += notional
	return nil
}

// ReleasePerp unlocks perpetual margin.
func (l *Ledger) ReleasePerp(user domain.UserID, asset domain.AssetID, notional quant.Qty) {
	row := l.Row(user, asset)
	if notional < 0 || notional > row.SeqPerp {
		panic("CORE_LEDGER_RELEASE_EXCEEDS_SEQUESTERED")
	}
	row.SeqPerp -= notional
	row.verify()
}

// fitsAllowance checks total commitment against balance scaled up by the
// asset's over-sequestration allowance.
func (l *Ledger) fitsAllowance(row *Row, asset domain.AssetID, add quant.Qty) bool {
	if row.Total <= 0 {
		return false
	}
	a := l.asset(asset)
	limit := safe.MulDiv(int64(row.Total), quant.BpsScale+int64(a.OverSeqBps), quant.BpsScale)
	committed := safe.Add(int64(row.Seq), int64(row.SeqPerp))
	return safe.Add(committed, int64(add)) <= limit
}

// RebuildIndexes recomputes the Own and Debt bitsets for every account.
// The bitsets are derived state and are not serialized; a ledger
// restored from a snapshot must rebuild them before any valuation runs.
func (l *Ledger) RebuildIndexes() {
	for user, acct := range l.Accounts {
		if acct.Rows == nil {
			acct.Rows = make(map[domain.AssetID]*Row)
		}
		if acct.Positions == nil {
			acct.Positions = make(map[domain.AssetID]*PerpPosition)
		}
		if acct.Lent == nil {
			acct.Lent = make(map[domain.AssetID]quant.Qty)
		}
		if acct.Borrowed == nil {
			acct.Borrowed = make(map[domain.AssetID]quant.Qty)
		}
		touched := AssetSetUnion(acct)
		touched.ForEach(func(a domain.AssetID) bool {
			l.refreshOwnBit(user, a)
			l.refreshDebtBit(user, a)
			return true
		})
	}
}

// AssetSetUnion collects every asset the account references anywhere.
func AssetSetUnion(acct *Account) domain.AssetSet {
	var s domain.AssetSet
	for a := range acct.Rows {
		s.Set(a)
	}
	for a := range acct.Positions {
		s.Set(a)
	}
	for a := range acct.Lent {
		s.Set(a)
	}
	for a := range acct.Borrowed {
		s.Set(a)
	}
	return s
}

// refreshOwnBit keeps the positive-exposure bitset in step with the
// account. Lent principal and long positions count: valuation must not
// skip a receivable just because the balance row is empty.
func (l *Ledger) refreshOwnBit(user domain.UserID, asset domain.AssetID) {
	acct := l.Account(user)
	pos := acct.Positions[asset]
	owns := (acct.Rows[asset] != nil && acct.Rows[asset].Total > 0) ||
		acct.Lent[asset] > 0 ||
		(pos != nil && (pos.Qty > 0 || pos.Owed > 0))
	if owns {
		acct.Own.Set(asset)
	} else {
		acct.Own.Clear(asset)
	}
}

// refreshDebtBit recomputes the debt bit from borrowing, perpetual
// exposure and owed funding. Any open position counts: a long carrying
// an unrealized loss values below zero, and the short-circuiting
// valuation must not skip it.
func (l *Ledger) refreshDebtBit(user domain.UserID, asset domain.AssetID) {
	acct := l.Account(user)
	pos := acct.Positions[asset]
	row := acct.Rows[asset]
	inDebt := acct.Borrowed[asset] > 0 ||
		(pos != nil && (pos.Qty != 0 || pos.Owed < 0)) ||
		(row != nil && row.Total < 0)
	if inDebt {
		acct.Debt.Set(asset)
	} else {
		acct.Debt.Clear(asset)
	}
}
