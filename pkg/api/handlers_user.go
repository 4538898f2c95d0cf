package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"github.com/openperp/simex/pkg/clob"
	"github.com/openperp/simex/pkg/clob/engine"
)

func (s *Server) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())

	var req SubmitOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, CodeInvalidRequest, "invalid JSON body")
		return
	}

	side := clob.Side(req.Side)
	if side != clob.Buy && side != clob.Sell {
		respondError(w, http.StatusBadRequest, CodeInvalidRequest, "side must be buy or sell")
		return
	}
	typ := clob.OrderType(req.Type)
	if typ != clob.Limit && typ != clob.Market {
		respondError(w, http.StatusBadRequest, CodeInvalidRequest, "type must be limit or market")
		return
	}
	if !req.Quantity.IsPositive() {
		respondError(w, http.StatusBadRequest, CodeInvalidAmount, "quantity must be positive")
		return
	}

	m, err := s.registry.Get(req.Symbol)
	if err != nil {
		respondError(w, http.StatusNotFound, CodeMarketNotFound, err.Error())
		return
	}

	// Round to tick/lot at the boundary; the engine never re-rounds. The
	// reduce-only tail is exempt so it can match the position exactly.
	price := req.Price
	if typ == clob.Limit {
		price = m.QuantizePrice(price)
	}
	qty := req.Quantity
	if !req.ReduceOnly {
		qty = m.QuantizeQty(qty)
		if !qty.IsPositive() {
			respondError(w, http.StatusBadRequest, CodeInvalidAmount, "quantity below lot size")
			return
		}
	}

	s.users.GetOrCreate(id.Address, id.ChainID)

	res, err := s.engine.Submit(r.Context(), engine.SubmitRequest{
		Market:        req.Symbol,
		Address:       id.Address,
		Side:          side,
		Type:          typ,
		Price:         price,
		Quantity:      qty,
		Leverage:      req.Leverage,
		PostOnly:      req.PostOnly,
		ReduceOnly:    req.ReduceOnly,
		ClientOrderID: req.ClientOrderID,
	})
	if err != nil {
		respondEngineError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, SubmitOrderResponse{
		Order:             res.Order,
		Trades:            res.Trades,
		RealizedPnl:       res.RealizedPnl,
		ResidualCancelled: res.ResidualCancelled,
	})
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())
	orderID := mux.Vars(r)["orderId"]

	o, err := s.engine.CancelByID(r.Context(), orderID, id.Address)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, o)
}

func (s *Server) handleOpenOrders(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())

	if symbol := r.URL.Query().Get("symbol"); symbol != "" {
		orders, err := s.engine.OpenOrders(r.Context(), symbol, id.Address)
		if err != nil {
			respondEngineError(w, err)
			return
		}
		if orders == nil {
			orders = []clob.Order{}
		}
		respondJSON(w, http.StatusOK, orders)
		return
	}

	orders, err := s.store.OrdersByAddress(id.Address, 0, true)
	if err != nil {
		respondError(w, http.StatusInternalServerError, CodeStoreUnavailable, err.Error())
		return
	}
	if orders == nil {
		orders = []clob.Order{}
	}
	respondJSON(w, http.StatusOK, orders)
}

func (s *Server) handleOrderHistory(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())
	limit := queryInt(r, "limit", 100)

	orders, err := s.store.OrdersByAddress(id.Address, limit, false)
	if err != nil {
		respondError(w, http.StatusInternalServerError, CodeStoreUnavailable, err.Error())
		return
	}
	if orders == nil {
		orders = []clob.Order{}
	}
	respondJSON(w, http.StatusOK, orders)
}

func (s *Server) handleTradeHistory(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())
	limit := queryInt(r, "limit", 100)

	trades, err := s.store.TradesByAddress(id.Address, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, CodeStoreUnavailable, err.Error())
		return
	}
	if trades == nil {
		trades = []clob.Trade{}
	}
	respondJSON(w, http.StatusOK, trades)
}

func (s *Server) handleGetPositions(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())
	positions := s.keeper.List(id.Address)
	if positions == nil {
		positions = []clob.Position{}
	}
	respondJSON(w, http.StatusOK, positions)
}

func (s *Server) handleGetPosition(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())
	symbol := mux.Vars(r)["symbol"]

	p := s.keeper.Get(id.Address, symbol)
	if p == nil {
		respondError(w, http.StatusNotFound, CodeNoPositionToReduce, "no open position in "+symbol)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

func (s *Server) handleClosePosition(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())
	symbol := mux.Vars(r)["symbol"]

	res, err := s.engine.ClosePosition(r.Context(), symbol, id.Address)
	if err != nil {
		respondEngineError(w, err)
		return
	}

	out := SubmitOrderResponse{RealizedPnl: decimal.Zero}
	if res != nil {
		out.Order = res.Order
		out.Trades = res.Trades
		out.RealizedPnl = res.RealizedPnl
		out.ResidualCancelled = res.ResidualCancelled
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleFaucetClaim(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())

	amount, st, err := s.faucet.Claim(id.Address, id.ChainID)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	s.metrics.FaucetClaims.Inc()

	out := FaucetClaimResponse{Amount: amount, ClaimsInWindow: st.ClaimsInWindow}
	if next := s.faucet.NextEligibleAt(id.Address); !next.IsZero() {
		out.NextEligibleAt = next.UnixMilli()
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleFaucetBalance(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())
	b := s.ledger.Get(id.Address)
	respondJSON(w, http.StatusOK, BalanceResponse{
		Address:      id.Address.Hex(),
		Free:         b.Free,
		Locked:       b.Locked,
		TotalCredits: b.TotalCredits,
		TotalDebits:  b.TotalDebits,
	})
}

func (s *Server) handleFaucetStatus(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())
	next := s.faucet.NextEligibleAt(id.Address)
	out := FaucetStatusResponse{Eligible: next.IsZero()}
	if !next.IsZero() {
		out.NextEligibleAt = next.UnixMilli()
	}
	respondJSON(w, http.StatusOK, out)
}
