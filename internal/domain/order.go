package domain

import (
	"dex_go/pkg/quant"
)

// Side represents the direction of an order.
type Side uint8

const (
	SideBuy Side = iota + 1
	SideSell
)

// Opposite returns the other side of the book.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

func (s Side) String() string {
	switch s {
	case SideBuy:
		return "BUY"
	case SideSell:
		return "SELL"
	default:
		return "UNKNOWN"
	}
}

// OrderKind controls what happens to an unmatched remainder.
type OrderKind uint8

const (
	// KindLimit rests the remainder in the book.
	KindLimit OrderKind = iota + 1
	// KindImmediate fills what it can and discards the remainder.
	KindImmediate
	// KindFillOrKill fails the whole call unless fully filled.
	KindFillOrKill
)

func (k OrderKind) String() string {
	switch k {
	case KindLimit:
		return "LIMIT"
	case KindImmediate:
		return "IOC"
	case KindFillOrKill:
		return "FOK"
	default:
		return "UNKNOWN"
	}
}

// OrderFlags mark forced orders placed by the liquidation engine.
type OrderFlags uint8

const (
	// FlagLiquidation bypasses lot-multiple checks and self-trade
	// protection (the resting own-side order is cancelled instead).
	FlagLiquidation OrderFlags = 1 << iota
	// FlagBankruptcy marks liquidation orders placed under bankruptcy,
	// where some balance checks realize into debt instead of failing.
	FlagBankruptcy
)

// IsLiquidation reports whether the liquidation flag is set.
func (f OrderFlags) IsLiquidation() bool { return f&FlagLiquidation != 0 }

// IsBankruptcy reports whether the bankruptcy sub-flag is set.
func (f OrderFlags) IsBankruptcy() bool { return f&FlagBankruptcy != 0 }

// Order is a resting order in a price-level book. Quantity is the
// remaining (unmatched) amount in base-asset native units and stays
// strictly positive while the order rests.
type Order struct {
	ID      uint64      `json:"id"`
	Owner   UserID      `json:"owner"`
	Side    Side        `json:"side"`
	Qty     quant.Qty   `json:"qty"`
	Price   quant.Price `json:"price"`
	Flags   OrderFlags  `json:"flags,omitempty"`
	Matched quant.Qty   `json:"matched"` // cumulative matched, drives the maker leftover fee
	FeePaid quant.Qty   `json:"fee_paid"`
	// Collateral is the amount currently sequestered backing the resting
	// remainder, maintained by the settlement layer.
	Collateral quant.Qty `json:"collateral"`
}
