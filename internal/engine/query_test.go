package engine

import (
	"testing"

	"dex_go/internal/domain"
)

func TestResumeSeq_ContinuesNumbering(t *testing.T) {
	x, _, sink := newTestExchange(t)

	x.ResumeSeq(100)
	mustDeposit(t, x, domain.UserID(1), usdID, 1_000_000, hours(1))

	if len(sink.events) == 0 {
		t.Fatal("deposit emitted nothing")
	}
	if got := sink.events[0].GetSeq(); got != 100 {
		t.Errorf("first event seq = %d, want 100", got)
	}
	if got := x.LastSeq(); got != 100 {
		t.Errorf("LastSeq = %d, want 100", got)
	}
}

func TestResumeSeq_PanicsAfterEmit(t *testing.T) {
	x, _, _ := newTestExchange(t)
	mustDeposit(t, x, domain.UserID(1), usdID, 1_000_000, hours(1))

	defer func() {
		if recover() == nil {
			t.Error("ResumeSeq on a used exchange must panic")
		}
	}()
	x.ResumeSeq(50)
}

func TestStateJSON_RestoreRoundTrip(t *testing.T) {
	x, _, _ := newTestExchange(t)
	t0 := hours(10)
	lender, borrower := domain.UserID(1), domain.UserID(2)

	mustDeposit(t, x, lender, usdID, 2_000_000_000, t0)
	mustDeposit(t, x, borrower, usdID, 100_000_000, t0)

	if _, err := x.PlaceLendOffer(lender, lender, usdID, 1_000_000_000, 400, domain.KindLimit, false, t0); err != nil {
		t.Fatalf("lend offer: %v", err)
	}
	if _, err := x.PlaceBorrowRequest(borrower, borrower, usdID, 1_000_000_000, 400, domain.KindLimit, t0); err != nil {
		t.Fatalf("borrow request: %v", err)
	}
	if err := x.PostFundingRate(operator, xbtID, 5, 12, t0); err != nil {
		t.Fatalf("funding rate: %v", err)
	}

	state, err := x.StateJSON()
	if err != nil {
		t.Fatalf("StateJSON: %v", err)
	}

	y, _, _ := newTestExchange(t)
	if err := y.RestoreState(state); err != nil {
		t.Fatalf("RestoreState: %v", err)
	}

	for _, user := range []domain.UserID{lender, borrower} {
		if got, want := y.GetAvailable(user, usdID), x.GetAvailable(user, usdID); got != want {
			t.Errorf("user %d available = %d, want %d", user, got, want)
		}
		got, gotErr := y.RiskValue(user, t0)
		want, wantErr := x.RiskValue(user, t0)
		if gotErr != nil || wantErr != nil || got != want {
			t.Errorf("user %d risk = %d (%v), want %d (%v)", user, got, gotErr, want, wantErr)
		}
	}

	// The loan survives with its id and expiry intact.
	late := hours(10 + 721)
	want := x.ExpiredLoans(late)
	got := y.ExpiredLoans(late)
	if len(want) != 1 || len(got) != 1 {
		t.Fatalf("expired loans = %d restored, %d original", len(got), len(want))
	}
	if got[0] != want[0] {
		t.Errorf("expired loan = %+v, want %+v", got[0], want[0])
	}

	if unhealthy := y.UnhealthyAccounts(t0); len(unhealthy) != 0 {
		t.Errorf("restored state reports unhealthy accounts: %v", unhealthy)
	}
}

func TestRestoreState_PanicsAfterEmit(t *testing.T) {
	x, _, _ := newTestExchange(t)
	state, err := x.StateJSON()
	if err != nil {
		t.Fatal(err)
	}
	mustDeposit(t, x, domain.UserID(1), usdID, 1_000_000, hours(1))

	defer func() {
		if recover() == nil {
			t.Error("RestoreState on a used exchange must panic")
		}
	}()
	_ = x.RestoreState(state)
}

func TestRestoreState_RejectsGarbage(t *testing.T) {
	x, _, _ := newTestExchange(t)
	if err := x.RestoreState([]byte(`{`)); err == nil {
		t.Error("malformed state should fail")
	}
	if err := x.RestoreState([]byte(`{"next_loan_id":0}`)); err == nil {
		t.Error("loan id 0 should fail")
	}
}
