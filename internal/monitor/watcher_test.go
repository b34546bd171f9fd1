package monitor

import (
	"testing"
	"time"

	"dex_go/internal/domain"
	"dex_go/internal/engine"
	"dex_go/internal/event"
	"dex_go/internal/infra"
	"dex_go/pkg/quant"
)

type dropSink struct{ n int }

func (s *dropSink) Publish(event.Event) { s.n++ }

func hours(h int64) quant.TimeStamp {
	return quant.TimeStamp(h * 3600 * 1_000_000)
}

func newTestExchange(t *testing.T) *engine.Exchange {
	t.Helper()
	assets := map[domain.AssetID]*domain.Asset{
		0: {ID: 0, Symbol: "USD", Decimals: 6, LotQty: 1},
	}
	oracle := infra.NewStaticOracle()
	perms := infra.NewStaticPerms([]domain.UserID{900})
	x, err := engine.New(assets, nil, oracle, perms, &dropSink{}, engine.DefaultConfig(), nil)
	if err != nil {
		t.Fatalf("new exchange: %v", err)
	}
	return x
}

func TestWatcher_SweepClosesExpiredLoan(t *testing.T) {
	x := newTestExchange(t)
	t0 := hours(10)
	lender, target := domain.UserID(10), domain.UserID(11)

	if err := x.Deposit(lender, 0, 2_000_000_000, t0); err != nil {
		t.Fatal(err)
	}
	if err := x.Deposit(target, 0, 10_000_000, t0); err != nil {
		t.Fatal(err)
	}
	if _, err := x.PlaceLendOffer(lender, lender, 0, 1_000_000_000, 400, domain.KindLimit, false, t0); err != nil {
		t.Fatalf("lend: %v", err)
	}
	if _, err := x.PlaceBorrowRequest(target, target, 0, 1_000_000_000, 400, domain.KindImmediate, t0); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	w := New(x, domain.UserID(500), time.Second, 10, nil)

	// Before expiry nothing is due.
	w.sweep(hours(100))
	if len(x.ExpiredLoans(hours(100))) != 0 {
		t.Fatal("loan should not be expired yet")
	}
	if got := x.GetAvailable(lender, 0); got != 1_000_000_000 {
		t.Fatalf("lender touched early: %d", got)
	}

	due := hours(10 + 720)
	if len(x.ExpiredLoans(due)) != 1 {
		t.Fatal("loan should be expired")
	}
	w.sweep(due)

	if len(x.ExpiredLoans(due)) != 0 {
		t.Error("expired loan survived the sweep")
	}
	// Principal plus 720 hours of interest came back.
	if got := x.GetAvailable(lender, 0); got <= 2_000_000_000 {
		t.Errorf("lender = %d, want principal plus interest", got)
	}
	if got := x.GetAvailable(domain.UserID(500), 0); got <= 0 {
		t.Error("liquidator earned no reward")
	}
}

func TestWatcher_SweepRespectsRateLimit(t *testing.T) {
	x := newTestExchange(t)
	t0 := hours(10)
	lender := domain.UserID(10)
	if err := x.Deposit(lender, 0, 2_000_000_000, t0); err != nil {
		t.Fatal(err)
	}

	// Two borrowers with expired loans, but a limiter with a single
	// token: one sweep closes at most one.
	for i, target := range []domain.UserID{11, 12} {
		if _, err := x.PlaceLendOffer(lender, lender, 0, 100_000_000, 400, domain.KindLimit, false, t0); err != nil {
			t.Fatalf("lend %d: %v", i, err)
		}
		if err := x.Deposit(target, 0, 10_000_000, t0); err != nil {
			t.Fatal(err)
		}
		if _, err := x.PlaceBorrowRequest(target, target, 0, 100_000_000, 400, domain.KindImmediate, t0); err != nil {
			t.Fatalf("borrow %d: %v", i, err)
		}
	}

	w := New(x, domain.UserID(500), time.Second, 0.001, nil)
	due := hours(10 + 720)
	w.sweep(due)

	if remaining := len(x.ExpiredLoans(due)); remaining != 1 {
		t.Errorf("remaining expired loans = %d, want 1", remaining)
	}
}
