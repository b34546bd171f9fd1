package backtest

import (
	"context"
	"math"
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	"dex_go/internal/event"
	"dex_go/internal/storage"
	"dex_go/pkg/quant"
)

func seedLog(t *testing.T, events []event.Event) string {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "events.db")
	store, err := storage.NewEventStore(dbPath)
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	defer store.Close()
	if err := store.SaveBatch(context.Background(), events); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return dbPath
}

func TestReplayer_Report(t *testing.T) {
	callA, callB := uuid.New(), uuid.New()
	events := []event.Event{
		&event.BalanceDepositedEvent{
			BaseEvent: event.BaseEvent{Seq: 1, Ts: 100, Call: callA},
			User:      7, Asset: 0, Qty: 1_000_000,
		},
		&event.OrderPlacedEvent{
			BaseEvent: event.BaseEvent{Seq: 2, Ts: 200, Call: callB},
			Market:    1, OrderID: 1, Owner: 7, Qty: 500, Price: quant.MustPrice(100, 0),
		},
		&event.OrderMatchedEvent{
			BaseEvent: event.BaseEvent{Seq: 3, Ts: 200, Call: callB},
			Market:    1, TakerID: 1, MakerID: 2, Taker: 7, Maker: 8,
			Qty: 500, Price: quant.MustPrice(100, 0), TakerFee: 15, MakerFee: 5,
		},
		&event.LiquidationStartedEvent{
			BaseEvent: event.BaseEvent{Seq: 4, Ts: 500, Call: callA},
			Target:    7, Liquidator: 9,
		},
	}
	r, err := NewReplayer(seedLog(t, events), nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer r.Close()

	rep, err := r.Run(context.Background(), 0)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rep.Events != 4 || rep.FirstSeq != 1 || rep.LastSeq != 4 {
		t.Errorf("range = %+v", rep)
	}
	// Calls count transitions: callA, callB, callA again.
	if rep.Calls != 3 {
		t.Errorf("calls = %d, want 3", rep.Calls)
	}
	if rep.Matches != 1 || rep.MatchedQty != 500 || rep.FeesCharged != 20 {
		t.Errorf("matches = %+v", rep)
	}
	if rep.Liquidations != 1 || rep.Bankruptcies != 0 {
		t.Errorf("liquidations = %d/%d", rep.Liquidations, rep.Bankruptcies)
	}
	if rep.Deposits != 1_000_000 {
		t.Errorf("deposits = %d", rep.Deposits)
	}

	// Gaps over ts 100,200,200,500 -> 100, 0, 300.
	if rep.GapMaxMicros != 300 {
		t.Errorf("gap max = %d, want 300", rep.GapMaxMicros)
	}
	wantMean := (100.0 + 0 + 300) / 3
	if math.Abs(rep.GapMeanMicros-wantMean) > 1e-6 {
		t.Errorf("gap mean = %f, want %f", rep.GapMeanMicros, wantMean)
	}
}

func TestReplayer_DetectsGap(t *testing.T) {
	call := uuid.New()
	events := []event.Event{
		&event.BalanceDepositedEvent{
			BaseEvent: event.BaseEvent{Seq: 1, Ts: 100, Call: call},
			User:      7, Asset: 0, Qty: 100,
		},
		&event.BalanceDepositedEvent{
			BaseEvent: event.BaseEvent{Seq: 3, Ts: 200, Call: call},
			User:      7, Asset: 0, Qty: 100,
		},
	}
	r, err := NewReplayer(seedLog(t, events), nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer r.Close()

	if _, err := r.Run(context.Background(), 0); err == nil {
		t.Fatal("expected gap detection to fail the replay")
	}
}

func TestReplayer_EmptyLog(t *testing.T) {
	r, err := NewReplayer(seedLog(t, nil), nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer r.Close()

	rep, err := r.Run(context.Background(), 0)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rep.Events != 0 {
		t.Errorf("events = %d, want 0", rep.Events)
	}
}
