package engine

import "errors"

// Business precondition failures surfaced to the API layer. No partial state
// change accompanies any of them.
var (
	ErrMarketNotFound      = errors.New("market not found")
	ErrMarketPaused        = errors.New("market is not accepting orders")
	ErrInvalidQuantity     = errors.New("quantity must be a positive multiple of lot size")
	ErrInvalidPrice        = errors.New("price must be a positive multiple of tick size")
	ErrInvalidLeverage     = errors.New("leverage outside allowed range")
	ErrInsufficientBalance = errors.New("insufficient free balance for required margin")
	ErrPostOnlyWouldCross  = errors.New("post-only order would cross the book")
	ErrNoPositionToReduce  = errors.New("no opposite position to reduce")
	ErrSelfTrade           = errors.New("order would trade against own resting order")
	ErrNoOraclePrice       = errors.New("no oracle price available for market order")
	ErrOrderNotFound       = errors.New("order not found")
	ErrNotOrderOwner       = errors.New("order does not belong to caller")
	ErrEngineStopped       = errors.New("engine is shutting down")
)
