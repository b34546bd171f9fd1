package domain

import (
	"errors"
	"fmt"

	"dex_go/pkg/quant"
)

// AssetID identifies a registered asset. Asset 0 is always the settlement
// (base collateral) asset.
type AssetID uint32

// BaseAsset is the settlement asset every market quotes against and every
// liquidation finally settles in.
const BaseAsset AssetID = 0

// UserID identifies an account. User 0 is the operations account that
// collects fees and pays nothing out on its own.
type UserID uint64

// OpsAccount collects trading fees.
const OpsAccount UserID = 0

// Asset holds per-asset trading parameters.
type Asset struct {
	ID       AssetID `json:"id" yaml:"id"`
	Symbol   string  `json:"symbol" yaml:"symbol"`
	Decimals int     `json:"decimals" yaml:"decimals"`

	// LotQty is the minimum order unit. Spot orders must be at least one
	// lot; perpetual orders must be an exact lot multiple.
	LotQty quant.Qty `json:"lot_qty" yaml:"lot_qty"`

	// SlippageBps is the normal slippage allowance used for pessimistic
	// valuation. Forced liquidation orders price at 4x this.
	SlippageBps quant.Bps `json:"slippage_bps" yaml:"slippage_bps"`

	// OverSeqBps allows sequestration to exceed balance by this fraction
	// for volatile assets.
	OverSeqBps quant.Bps `json:"overseq_bps" yaml:"overseq_bps"`
}

// Validate checks asset parameters.
func (a *Asset) Validate() error {
	if a.Symbol == "" {
		return errors.New("asset symbol must be set")
	}
	if a.Decimals < 0 || a.Decimals > quant.MaxDecimals {
		return fmt.Errorf("asset %s: decimals out of range", a.Symbol)
	}
	if a.LotQty <= 0 {
		return fmt.Errorf("asset %s: lot qty must be positive", a.Symbol)
	}
	if a.SlippageBps < 0 || a.SlippageBps >= quant.BpsScale {
		return fmt.Errorf("asset %s: slippage bps out of range", a.Symbol)
	}
	if a.OverSeqBps < 0 || a.OverSeqBps >= quant.BpsScale {
		return fmt.Errorf("asset %s: overseq bps out of range", a.Symbol)
	}
	return nil
}

// FloorToLot rounds q down to a whole number of lots.
func (a *Asset) FloorToLot(q quant.Qty) quant.Qty {
	if q <= 0 {
		return 0
	}
	return q - q%a.LotQty
}

// MarketKind distinguishes spot pairs from perpetual markets.
type MarketKind uint8

const (
	MarketSpot MarketKind = iota + 1
	MarketPerp
)

func (k MarketKind) String() string {
	switch k {
	case MarketSpot:
		return "SPOT"
	case MarketPerp:
		return "PERP"
	default:
		return "UNKNOWN"
	}
}

// MarketID identifies a trading pair book.
type MarketID uint32

// Market describes one two-asset pair and its fee schedule. Perpetual
// markets always quote against the settlement asset.
type Market struct {
	ID    MarketID   `json:"id" yaml:"id"`
	Kind  MarketKind `json:"kind" yaml:"kind"`
	Base  AssetID    `json:"base" yaml:"base"`
	Quote AssetID    `json:"quote" yaml:"quote"`

	MakerFeeBps quant.Bps `json:"maker_fee_bps" yaml:"maker_fee_bps"`
	TakerFeeBps quant.Bps `json:"taker_fee_bps" yaml:"taker_fee_bps"`
	// FeeCap bounds the total fee charged on any single order, in quote
	// native units.
	FeeCap quant.Qty `json:"fee_cap" yaml:"fee_cap"`
}

// Validate checks market parameters.
func (m *Market) Validate() error {
	if m.Kind != MarketSpot && m.Kind != MarketPerp {
		return fmt.Errorf("market %d: unknown kind", m.ID)
	}
	if m.Base == m.Quote {
		return fmt.Errorf("market %d: base equals quote", m.ID)
	}
	if m.Kind == MarketPerp && m.Quote != BaseAsset {
		return fmt.Errorf("market %d: perp must quote in settlement asset", m.ID)
	}
	if m.MakerFeeBps < 0 || m.MakerFeeBps >= quant.BpsScale {
		return fmt.Errorf("market %d: maker fee out of range", m.ID)
	}
	if m.TakerFeeBps < 0 || m.TakerFeeBps >= quant.BpsScale {
		return fmt.Errorf("market %d: taker fee out of range", m.ID)
	}
	if m.FeeCap < 0 {
		return fmt.Errorf("market %d: fee cap must be non-negative", m.ID)
	}
	return nil
}
