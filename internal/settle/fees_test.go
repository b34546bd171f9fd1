package settle

import (
	"testing"

	"dex_go/internal/domain"
	"dex_go/pkg/quant"
)

func TestTakerFee(t *testing.T) {
	f := NewFeeSchedule(&domain.Market{TakerFeeBps: 30})
	if got := f.TakerFee(1000000, 0); got != 3000 {
		t.Errorf("expected 3000, got %d", got)
	}
	if got := f.TakerFee(0, 0); got != 0 {
		t.Errorf("zero output charges nothing, got %d", got)
	}

	zero := NewFeeSchedule(&domain.Market{})
	if got := zero.TakerFee(1000000, 0); got != 0 {
		t.Errorf("zero rate charges nothing, got %d", got)
	}
}

func TestInverseTakerFee_RoundTrips(t *testing.T) {
	f := NewFeeSchedule(&domain.Market{TakerFeeBps: 30})

	// Desired net 1000: fee = 1000*30/9970 = 3, gross 1003, forward fee
	// on 1003 is 3 again.
	fee := f.InverseTakerFee(1000, 0)
	if fee != 3 {
		t.Fatalf("expected inverse fee 3, got %d", fee)
	}
	gross := quant.Qty(1000) + fee
	if forward := f.TakerFee(gross, 0); gross-forward != 1000 {
		t.Errorf("gross %d minus forward fee %d should net 1000", gross, forward)
	}
}

func TestMakerLeftoverFee_NoLeakageAcrossFills(t *testing.T) {
	f := NewFeeSchedule(&domain.Market{MakerFeeBps: 10})

	// One order filled in three slices; leftover accounting must charge
	// the same as one shot on the total (up to the 1-unit floor).
	var paid quant.Qty
	for _, cum := range []quant.Qty{300000, 650000, 1000000} {
		paid += f.MakerLeftoverFee(cum, paid)
	}
	if oneShot := f.MakerLeftoverFee(1000000, 0); paid != oneShot {
		t.Errorf("split fills paid %d, one shot %d", paid, oneShot)
	}
}

func TestMakerLeftoverFee_FloorsAtOneUnit(t *testing.T) {
	f := NewFeeSchedule(&domain.Market{MakerFeeBps: 10})

	// 100 units at 10 bps rounds to 0; the floor charges 1 instead.
	if got := f.MakerLeftoverFee(100, 0); got != 1 {
		t.Errorf("expected floor fee 1, got %d", got)
	}
	// Already overcharged by the floor: next slice keeps the floor, never
	// refunds.
	if got := f.MakerLeftoverFee(200, 1); got != 1 {
		t.Errorf("expected floor fee 1, got %d", got)
	}
}

func TestFeeCap_AcrossLadderLevels(t *testing.T) {
	f := NewFeeSchedule(&domain.Market{TakerFeeBps: 100, FeeCap: 500})

	first := f.TakerFee(40000, 0) // nominal 400
	if first != 400 {
		t.Fatalf("expected 400, got %d", first)
	}
	second := f.TakerFee(40000, first) // nominal 400, only 100 of room
	if second != 100 {
		t.Errorf("expected cap remainder 100, got %d", second)
	}
	if third := f.TakerFee(40000, first+second); third != 0 {
		t.Errorf("cap exhausted, expected 0, got %d", third)
	}
}
