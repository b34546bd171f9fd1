package event

import (
	"encoding/json"
	"fmt"
)

// Decode reconstructs a typed event from its stored payload. The store
// persists (type, payload) pairs; replay needs the concrete type back to
// fold the stream into state.
func Decode(t Type, payload []byte) (Event, error) {
	var ev Event
	switch t {
	case EvOrderPlaced:
		ev = &OrderPlacedEvent{}
	case EvOrderMatched:
		ev = &OrderMatchedEvent{}
	case EvOrderRested:
		ev = &OrderRestedEvent{}
	case EvOrderCancelled:
		ev = &OrderCancelledEvent{}
	case EvLendOfferPlaced:
		ev = &LendOfferPlacedEvent{}
	case EvBorrowRequestPlaced:
		ev = &BorrowRequestPlacedEvent{}
	case EvLoanOpened:
		ev = &LoanOpenedEvent{}
	case EvLoanRepaid:
		ev = &LoanRepaidEvent{}
	case EvLoanInterest:
		ev = &LoanInterestEvent{}
	case EvLenderSwapped:
		ev = &LenderSwappedEvent{}
	case EvLiquidationStarted:
		ev = &LiquidationStartedEvent{}
	case EvLiquidationCompleted:
		ev = &LiquidationCompletedEvent{}
	case EvBankruptcyLoss:
		ev = &BankruptcyLossEvent{}
	case EvFundingAccrued:
		ev = &FundingAccruedEvent{}
	case EvBalanceDeposited:
		ev = &BalanceDepositedEvent{}
	case EvBalanceWithdrawn:
		ev = &BalanceWithdrawnEvent{}
	default:
		return nil, fmt.Errorf("decode event: unknown type %d", t)
	}
	if err := json.Unmarshal(payload, ev); err != nil {
		return nil, fmt.Errorf("decode event type %d: %w", t, err)
	}
	return ev, nil
}
