package engine

import (
	"encoding/json"
	"fmt"
	"sort"

	"dex_go/internal/domain"
	"dex_go/internal/event"
	"dex_go/internal/ledger"
	"dex_go/pkg/quant"
)

// LastSeq returns the sequence number of the last published event, 0 for
// a fresh exchange.
func (x *Exchange) LastSeq() uint64 {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.buf.NextSeq() - 1
}

// ResumeSeq advances event numbering to continue an existing log. Only
// valid on a fresh exchange that has emitted nothing.
func (x *Exchange) ResumeSeq(next uint64) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.buf.NextSeq() != 1 || x.buf.Pending() != 0 {
		panic("CORE_EVENT_RESUME_AFTER_EMIT")
	}
	x.buf = event.NewBuffer(next)
}

// engineState is the snapshot serialization of everything the ledger
// tracks. Books are excluded: resting orders are reconstructible from
// the event log and a snapshot only shortcuts the balance fold.
type engineState struct {
	Accounts   map[domain.UserID]*ledger.Account `json:"accounts"`
	Loans      map[ledger.LoanID]*ledger.Loan    `json:"loans"`
	NextLoanID ledger.LoanID                     `json:"next_loan_id"`
	Funding    *ledger.FundingHistory            `json:"funding"`
}

// StateJSON serializes the ledger for snapshotting.
func (x *Exchange) StateJSON() ([]byte, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return json.Marshal(engineState{
		Accounts:   x.st.ledger.Accounts,
		Loans:      x.st.ledger.Loans,
		NextLoanID: x.st.ledger.NextLoanID,
		Funding:    x.st.ledger.Funding,
	})
}

// RestoreState loads a StateJSON snapshot into a fresh exchange. Like
// ResumeSeq it is only valid before anything has been emitted; the
// derived valuation bitsets are rebuilt after loading.
func (x *Exchange) RestoreState(data []byte) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.buf.NextSeq() != 1 || x.buf.Pending() != 0 {
		panic("CORE_STATE_RESTORE_AFTER_EMIT")
	}

	var st engineState
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("restore state: %w", err)
	}
	if st.NextLoanID < 1 {
		return fmt.Errorf("restore state: next loan id %d out of range", st.NextLoanID)
	}

	led := x.st.ledger
	if st.Accounts != nil {
		led.Accounts = st.Accounts
	}
	if st.Loans != nil {
		led.Loans = st.Loans
	}
	led.NextLoanID = st.NextLoanID
	if st.Funding != nil {
		if st.Funding.Rates == nil {
			st.Funding.Rates = make(map[uint32][]quant.Bps)
		}
		if st.Funding.Start == nil {
			st.Funding.Start = make(map[uint32]int64)
		}
		led.Funding = st.Funding
	}
	led.RebuildIndexes()
	return nil
}

// UnhealthyAccounts returns every account whose pessimistic value is
// negative, ascending. Liquidation monitors poll this.
func (x *Exchange) UnhealthyAccounts(now quant.TimeStamp) []domain.UserID {
	x.mu.RLock()
	defer x.mu.RUnlock()
	var out []domain.UserID
	for user := range x.st.ledger.Accounts {
		if user == domain.OpsAccount {
			continue
		}
		// An account that cannot be valued cannot be proven healthy
		// either; the liquidation attempt surfaces the oracle gap.
		if v, err := x.st.ledger.RiskAdjustedValue(user, x.oracle, now, true); err != nil || v < 0 {
			out = append(out, user)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ExpiredLoan pairs a past-due loan with its borrower for forced
// closure.
type ExpiredLoan struct {
	LoanID   ledger.LoanID
	Borrower domain.UserID
}

// ExpiredLoans returns every loan past its duration at now, by loan id
// ascending.
func (x *Exchange) ExpiredLoans(now quant.TimeStamp) []ExpiredLoan {
	x.mu.RLock()
	defer x.mu.RUnlock()
	var out []ExpiredLoan
	for id, loan := range x.st.ledger.Loans {
		if loan.Expired(now.Hours()) {
			out = append(out, ExpiredLoan{LoanID: id, Borrower: loan.Borrower})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LoanID < out[j].LoanID })
	return out
}
