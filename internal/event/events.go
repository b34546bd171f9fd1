// Package event defines the append-only event stream every state
// transition emits. Events are buffered per top-level call and flushed
// only when the call succeeds, so the stream never records a reverted
// mutation.
package event

import (
	"github.com/google/uuid"

	"dex_go/internal/domain"
	"dex_go/pkg/quant"
)

// Type defines the type of event.
type Type uint16

const (
	EvOrderPlaced Type = iota + 1
	EvOrderMatched
	EvOrderRested
	EvOrderCancelled
	EvLendOfferPlaced
	EvBorrowRequestPlaced
	EvLoanOpened
	EvLoanRepaid
	EvLoanInterest
	EvLenderSwapped
	EvLiquidationStarted
	EvLiquidationCompleted
	EvBankruptcyLoss
	EvFundingAccrued
	EvBalanceDeposited
	EvBalanceWithdrawn
)

// Event is the interface all stream events implement.
type Event interface {
	GetSeq() uint64
	GetTs() quant.TimeStamp
	GetCall() uuid.UUID
	GetType() Type
}

// BaseEvent contains common fields for all events. Call groups every
// event emitted by one top-level exchange call under a shared id.
type BaseEvent struct {
	Seq  uint64          `json:"seq"`
	Ts   quant.TimeStamp `json:"ts"`
	Call uuid.UUID       `json:"call"`
}

func (e BaseEvent) GetSeq() uint64         { return e.Seq }
func (e BaseEvent) GetTs() quant.TimeStamp { return e.Ts }
func (e BaseEvent) GetCall() uuid.UUID     { return e.Call }

// OrderPlacedEvent records the admission of a new order.
type OrderPlacedEvent struct {
	BaseEvent
	Market  domain.MarketID   `json:"market"`
	OrderID uint64            `json:"order_id"`
	Owner   domain.UserID     `json:"owner"`
	Side    domain.Side       `json:"side"`
	Kind    domain.OrderKind  `json:"kind"`
	Flags   domain.OrderFlags `json:"flags"`
	Qty     quant.Qty         `json:"qty"`
	Price   quant.Price       `json:"price"`
}

func (e OrderPlacedEvent) GetType() Type { return EvOrderPlaced }

// OrderMatchedEvent records one fill between a taker and a resting maker.
type OrderMatchedEvent struct {
	BaseEvent
	Market   domain.MarketID `json:"market"`
	TakerID  uint64          `json:"taker_id"`
	MakerID  uint64          `json:"maker_id"`
	Taker    domain.UserID   `json:"taker"`
	Maker    domain.UserID   `json:"maker"`
	Qty      quant.Qty       `json:"qty"`
	Price    quant.Price     `json:"price"`
	TakerFee quant.Qty       `json:"taker_fee"`
	MakerFee quant.Qty       `json:"maker_fee"`
}

func (e OrderMatchedEvent) GetType() Type { return EvOrderMatched }

// OrderRestedEvent records an order's remainder entering the book.
type OrderRestedEvent struct {
	BaseEvent
	Market  domain.MarketID `json:"market"`
	OrderID uint64          `json:"order_id"`
	Qty     quant.Qty       `json:"qty"`
	Price   quant.Price     `json:"price"`
}

func (e OrderRestedEvent) GetType() Type { return EvOrderRested }

// OrderCancelledEvent records removal of a resting order, voluntary or
// forced (zero-collateral stubs, liquidation sweeps).
type OrderCancelledEvent struct {
	BaseEvent
	Market  domain.MarketID `json:"market"`
	OrderID uint64          `json:"order_id"`
	Owner   domain.UserID   `json:"owner"`
	// Remaining is the unmatched quantity released back to the owner.
	Remaining quant.Qty `json:"remaining"`
	Forced    bool      `json:"forced"`
}

func (e OrderCancelledEvent) GetType() Type { return EvOrderCancelled }

// LendOfferPlacedEvent records a lend offer entering the lending book.
type LendOfferPlacedEvent struct {
	BaseEvent
	Asset   domain.AssetID `json:"asset"`
	OrderID uint64         `json:"order_id"`
	Owner   domain.UserID  `json:"owner"`
	Qty     quant.Qty      `json:"qty"`
	RateBps quant.Bps      `json:"rate_bps"`
}

func (e LendOfferPlacedEvent) GetType() Type { return EvLendOfferPlaced }

// BorrowRequestPlacedEvent records a borrow request entering the lending
// book.
type BorrowRequestPlacedEvent struct {
	BaseEvent
	Asset   domain.AssetID `json:"asset"`
	OrderID uint64         `json:"order_id"`
	Owner   domain.UserID  `json:"owner"`
	Qty     quant.Qty      `json:"qty"`
	RateBps quant.Bps      `json:"rate_bps"`
}

func (e BorrowRequestPlacedEvent) GetType() Type { return EvBorrowRequestPlaced }

// LoanOpenedEvent records a lending match creating a loan position.
type LoanOpenedEvent struct {
	BaseEvent
	LoanID   uint64         `json:"loan_id"`
	Asset    domain.AssetID `json:"asset"`
	Lender   domain.UserID  `json:"lender"`
	Borrower domain.UserID  `json:"borrower"`
	Qty      quant.Qty      `json:"qty"`
	RateBps  quant.Bps      `json:"rate_bps"`
}

func (e LoanOpenedEvent) GetType() Type { return EvLoanOpened }

// LoanRepaidEvent records principal returning to the lender.
type LoanRepaidEvent struct {
	BaseEvent
	LoanID uint64         `json:"loan_id"`
	Asset  domain.AssetID `json:"asset"`
	Qty    quant.Qty      `json:"qty"`
	Closed bool           `json:"closed"`
}

func (e LoanRepaidEvent) GetType() Type { return EvLoanRepaid }

// LoanInterestEvent records an hourly interest collection.
type LoanInterestEvent struct {
	BaseEvent
	LoanID   uint64         `json:"loan_id"`
	Asset    domain.AssetID `json:"asset"`
	Interest quant.Qty      `json:"interest"`
	Hours    int64          `json:"hours"`
}

func (e LoanInterestEvent) GetType() Type { return EvLoanInterest }

// LenderSwappedEvent records one netting step of a lender swap.
type LenderSwappedEvent struct {
	BaseEvent
	LendLoanID   uint64         `json:"lend_loan_id"`
	BorrowLoanID uint64         `json:"borrow_loan_id"`
	NewLoanID    uint64         `json:"new_loan_id"`
	Asset        domain.AssetID `json:"asset"`
	Qty          quant.Qty      `json:"qty"`
	// Compensation is the rate-differential transfer, positive when paid
	// to the exiting lender.
	Compensation quant.Qty `json:"compensation"`
}

func (e LenderSwappedEvent) GetType() Type { return EvLenderSwapped }

// LiquidationStartedEvent records entry into the liquidation state
// machine.
type LiquidationStartedEvent struct {
	BaseEvent
	Target     domain.UserID `json:"target"`
	Liquidator domain.UserID `json:"liquidator"`
	// ExpiredLoan is nonzero when an overdue loan triggered entry.
	ExpiredLoan uint64 `json:"expired_loan"`
	Bankruptcy  bool   `json:"bankruptcy"`
}

func (e LiquidationStartedEvent) GetType() Type { return EvLiquidationStarted }

// LiquidationCompletedEvent records a successful liquidation and its
// reward.
type LiquidationCompletedEvent struct {
	BaseEvent
	Target     domain.UserID `json:"target"`
	Liquidator domain.UserID `json:"liquidator"`
	Reward     quant.Qty     `json:"reward"`
	FinalValue int64         `json:"final_value"`
}

func (e LiquidationCompletedEvent) GetType() Type { return EvLiquidationCompleted }

// BankruptcyLossEvent records one creditor's socialized shortfall.
type BankruptcyLossEvent struct {
	BaseEvent
	Target   domain.UserID  `json:"target"`
	Creditor domain.UserID  `json:"creditor"`
	Asset    domain.AssetID `json:"asset"`
	Owed     quant.Qty      `json:"owed"`
	Paid     quant.Qty      `json:"paid"`
}

func (e BankruptcyLossEvent) GetType() Type { return EvBankruptcyLoss }

// FundingAccruedEvent records a funding rate posted for one period.
type FundingAccruedEvent struct {
	BaseEvent
	Asset   domain.AssetID `json:"asset"`
	Period  int64          `json:"period"`
	RateBps quant.Bps      `json:"rate_bps"`
}

func (e FundingAccruedEvent) GetType() Type { return EvFundingAccrued }

// BalanceDepositedEvent records an external deposit.
type BalanceDepositedEvent struct {
	BaseEvent
	User  domain.UserID  `json:"user"`
	Asset domain.AssetID `json:"asset"`
	Qty   quant.Qty      `json:"qty"`
}

func (e BalanceDepositedEvent) GetType() Type { return EvBalanceDeposited }

// BalanceWithdrawnEvent records an external withdrawal.
type BalanceWithdrawnEvent struct {
	BaseEvent
	User  domain.UserID  `json:"user"`
	Asset domain.AssetID `json:"asset"`
	Qty   quant.Qty      `json:"qty"`
}

func (e BalanceWithdrawnEvent) GetType() Type { return EvBalanceWithdrawn }
