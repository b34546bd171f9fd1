package domain

import "errors"

// ErrorKind classifies errors so callers can decide whether to fix
// parameters (validation), wait or fund (admission), or treat the failure
// as a liquidation-domain or internal condition.
type ErrorKind uint8

const (
	KindUnknown ErrorKind = iota
	KindValidation
	KindAdmission
	KindLiquidation
	KindInternal
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "VALIDATION"
	case KindAdmission:
		return "ADMISSION"
	case KindLiquidation:
		return "LIQUIDATION"
	case KindInternal:
		return "INTERNAL"
	default:
		return "UNKNOWN"
	}
}

// Validation errors: caller mistake, never retried automatically.
var (
	ErrInvalidPrice    = errors.New("invalid price")
	ErrInvalidQty      = errors.New("quantity must be positive")
	ErrQtyNotLot       = errors.New("quantity violates minimum order unit")
	ErrRateOutOfRange  = errors.New("interest rate out of range")
	ErrStaleHint       = errors.New("insertion hint is stale")
	ErrBadOrderKind    = errors.New("order kind incompatible with parameters")
	ErrUnknownMarket   = errors.New("unknown market")
	ErrUnknownAsset    = errors.New("unknown asset")
	ErrUnknownUser     = errors.New("unknown user")
	ErrNoPermission    = errors.New("caller lacks trading permission")
	ErrReservedAccount = errors.New("operation not allowed on reserved account")
)

// Admission errors: state-dependent, caller may retry after acting.
var (
	ErrInsufficientBalance = errors.New("insufficient available balance")
	ErrSelfTrade           = errors.New("self trade without liquidation flag")
	ErrUnfilled            = errors.New("fill-or-kill order not fully fillable")
	ErrWithdrawUnhealthy   = errors.New("withdrawal would leave portfolio unhealthy")
	ErrOrderNotFound       = errors.New("order not found")
	ErrNotOrderOwner       = errors.New("caller does not own this order")
	ErrLiqBorrowCap        = errors.New("liquidation borrow exceeds lending exposure cap")
)

// Liquidation-domain errors.
var (
	ErrAccountHealthy   = errors.New("account is not liquidatable")
	ErrStillUnhealthy   = errors.New("liquidation left portfolio unhealthy")
	ErrNotInsolvent     = errors.New("bankruptcy requires credit below liability")
	ErrLoanNotExpired   = errors.New("loan is not past due")
	ErrLoanNotFound     = errors.New("loan position not found")
	ErrNoLiquidity      = errors.New("insufficient liquidity for forced order")
	ErrPrivilegedCaller = errors.New("operation requires privileged caller")
)

// ErrInternal wraps invariant violations surfaced at the facade boundary.
var ErrInternal = errors.New("internal invariant violation")

// ErrNoMarkPrice reports a valuation that needed a mark price the oracle
// could not supply.
var ErrNoMarkPrice = errors.New("no mark price for asset")

var kindTable = []struct {
	err  error
	kind ErrorKind
}{
	{ErrInvalidPrice, KindValidation},
	{ErrInvalidQty, KindValidation},
	{ErrQtyNotLot, KindValidation},
	{ErrRateOutOfRange, KindValidation},
	{ErrStaleHint, KindValidation},
	{ErrBadOrderKind, KindValidation},
	{ErrUnknownMarket, KindValidation},
	{ErrUnknownAsset, KindValidation},
	{ErrUnknownUser, KindValidation},
	{ErrNoPermission, KindValidation},
	{ErrReservedAccount, KindValidation},

	{ErrInsufficientBalance, KindAdmission},
	{ErrSelfTrade, KindAdmission},
	{ErrUnfilled, KindAdmission},
	{ErrWithdrawUnhealthy, KindAdmission},
	{ErrOrderNotFound, KindAdmission},
	{ErrNotOrderOwner, KindAdmission},
	{ErrLiqBorrowCap, KindAdmission},

	{ErrAccountHealthy, KindLiquidation},
	{ErrStillUnhealthy, KindLiquidation},
	{ErrNotInsolvent, KindLiquidation},
	{ErrLoanNotExpired, KindLiquidation},
	{ErrLoanNotFound, KindLiquidation},
	{ErrNoLiquidity, KindLiquidation},
	{ErrPrivilegedCaller, KindLiquidation},

	{ErrInternal, KindInternal},
	{ErrNoMarkPrice, KindInternal},
}

// Kind classifies err against the exported sentinels.
func Kind(err error) ErrorKind {
	for _, e := range kindTable {
		if errors.Is(err, e.err) {
			return e.kind
		}
	}
	return KindUnknown
}
