package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/openperp/simex/pkg/clob/engine"
	"github.com/openperp/simex/pkg/faucet"
	"github.com/openperp/simex/pkg/ledger"
)

// Error codes surfaced to clients.
const (
	CodeInvalidRequest      = "INVALID_REQUEST"
	CodeInvalidAmount       = "INVALID_AMOUNT"
	CodeInvalidInterval     = "INVALID_INTERVAL"
	CodeUnauthorized        = "UNAUTHORIZED"
	CodeInvalidToken        = "INVALID_TOKEN"
	CodeRateLimited         = "RATE_LIMITED"
	CodeMarketNotFound      = "MARKET_NOT_FOUND"
	CodeMarketPaused        = "MARKET_PAUSED"
	CodeInsufficientBalance = "INSUFFICIENT_BALANCE"
	CodePostOnlyWouldCross  = "POST_ONLY_WOULD_CROSS"
	CodeNoPositionToReduce  = "NO_POSITION_TO_REDUCE"
	CodeOrderNotFound       = "ORDER_NOT_FOUND"
	CodeSelfTrade           = "SELF_TRADE"
	CodeStoreUnavailable    = "STORE_UNAVAILABLE"
	CodeInternal            = "INTERNAL_ERROR"
)

// ErrorResponse is the JSON body of every error reply.
type ErrorResponse struct {
	Error          string `json:"error"`
	Message        string `json:"message,omitempty"`
	NextEligibleAt int64  `json:"nextEligibleAt,omitempty"` // Unix ms, RATE_LIMITED only
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, ErrorResponse{Error: code, Message: message})
}

func respondRateLimited(w http.ResponseWriter, next time.Time) {
	respondJSON(w, http.StatusTooManyRequests, ErrorResponse{
		Error:          CodeRateLimited,
		NextEligibleAt: next.UnixMilli(),
	})
}

// respondEngineError maps engine/ledger sentinels onto the error taxonomy.
func respondEngineError(w http.ResponseWriter, err error) {
	var rl *faucet.RateLimitedError
	switch {
	case errors.As(err, &rl):
		respondRateLimited(w, rl.NextEligibleAt)
	case errors.Is(err, engine.ErrMarketNotFound):
		respondError(w, http.StatusNotFound, CodeMarketNotFound, err.Error())
	case errors.Is(err, engine.ErrMarketPaused):
		respondError(w, http.StatusConflict, CodeMarketPaused, err.Error())
	case errors.Is(err, engine.ErrInsufficientBalance), errors.Is(err, ledger.ErrInsufficientFree):
		respondError(w, http.StatusBadRequest, CodeInsufficientBalance, err.Error())
	case errors.Is(err, engine.ErrPostOnlyWouldCross):
		respondError(w, http.StatusBadRequest, CodePostOnlyWouldCross, err.Error())
	case errors.Is(err, engine.ErrNoPositionToReduce):
		respondError(w, http.StatusBadRequest, CodeNoPositionToReduce, err.Error())
	case errors.Is(err, engine.ErrSelfTrade):
		respondError(w, http.StatusBadRequest, CodeSelfTrade, err.Error())
	case errors.Is(err, engine.ErrOrderNotFound), errors.Is(err, engine.ErrNotOrderOwner):
		// Not-owner deliberately reads as not-found so order IDs don't leak.
		respondError(w, http.StatusNotFound, CodeOrderNotFound, "order not found")
	case errors.Is(err, engine.ErrInvalidQuantity), errors.Is(err, ledger.ErrInvalidAmount):
		respondError(w, http.StatusBadRequest, CodeInvalidAmount, err.Error())
	case errors.Is(err, engine.ErrInvalidPrice),
		errors.Is(err, engine.ErrInvalidLeverage),
		errors.Is(err, engine.ErrNoOraclePrice):
		respondError(w, http.StatusBadRequest, CodeInvalidRequest, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, CodeInternal, err.Error())
	}
}
