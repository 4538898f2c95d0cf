// Package api exposes the exchange over HTTP and WebSocket: the /clob REST
// surface, the faucet, and the single /ws fan-out endpoint.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/openperp/simex/pkg/account"
	"github.com/openperp/simex/pkg/candles"
	"github.com/openperp/simex/pkg/clob/engine"
	"github.com/openperp/simex/pkg/clob/market"
	"github.com/openperp/simex/pkg/clob/position"
	"github.com/openperp/simex/pkg/faucet"
	"github.com/openperp/simex/pkg/ledger"
	"github.com/openperp/simex/pkg/metrics"
	"github.com/openperp/simex/pkg/pubsub"
	"github.com/openperp/simex/pkg/storage"
)

// Server wires the REST router and WebSocket endpoint to the engine.
type Server struct {
	registry  *market.Registry
	engine    *engine.Engine
	keeper    *position.Keeper
	ledger    *ledger.Ledger
	users     *account.Manager
	candles   *candles.Service
	faucet    *faucet.Faucet
	hub       *pubsub.Hub
	store     *storage.Store
	metrics   *metrics.Collector
	log       *zap.SugaredLogger
	router    *mux.Router
	jwtSecret string
	origin    string
}

// Deps collects the server's collaborators.
type Deps struct {
	Registry  *market.Registry
	Engine    *engine.Engine
	Keeper    *position.Keeper
	Ledger    *ledger.Ledger
	Users     *account.Manager
	Candles   *candles.Service
	Faucet    *faucet.Faucet
	Hub       *pubsub.Hub
	Store     *storage.Store
	Metrics   *metrics.Collector
	Log       *zap.SugaredLogger
	JWTSecret string
	Origin    string
}

// NewServer creates the API server and registers all routes.
func NewServer(d Deps) *Server {
	s := &Server{
		registry:  d.Registry,
		engine:    d.Engine,
		keeper:    d.Keeper,
		ledger:    d.Ledger,
		users:     d.Users,
		candles:   d.Candles,
		faucet:    d.Faucet,
		hub:       d.Hub,
		store:     d.Store,
		metrics:   d.Metrics,
		log:       d.Log,
		router:    mux.NewRouter(),
		jwtSecret: d.JWTSecret,
		origin:    d.Origin,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	clob := s.router.PathPrefix("/clob").Subrouter()

	// Public market data
	clob.HandleFunc("/markets", s.handleGetMarkets).Methods("GET")
	clob.HandleFunc("/markets/{symbol}", s.handleGetMarket).Methods("GET")
	clob.HandleFunc("/orderbook/{symbol}", s.handleGetOrderbook).Methods("GET")
	// Registered ahead of /trades/{symbol} so "history" never resolves as a symbol.
	clob.HandleFunc("/trades/history", s.requireAuth(s.handleTradeHistory)).Methods("GET")
	clob.HandleFunc("/trades/{symbol}", s.handleGetTrades).Methods("GET")
	clob.HandleFunc("/candles/{symbol}", s.handleGetCandles).Methods("GET")

	// Authenticated trading surface. History routes register before the
	// parameterized ones so "history" never resolves as a symbol.
	clob.HandleFunc("/orders", s.requireAuth(s.handleSubmitOrder)).Methods("POST")
	clob.HandleFunc("/orders/history", s.requireAuth(s.handleOrderHistory)).Methods("GET")
	clob.HandleFunc("/orders", s.requireAuth(s.handleOpenOrders)).Methods("GET")
	clob.HandleFunc("/orders/{orderId}", s.requireAuth(s.handleCancelOrder)).Methods("DELETE")
	clob.HandleFunc("/positions", s.requireAuth(s.handleGetPositions)).Methods("GET")
	clob.HandleFunc("/positions/{symbol}", s.requireAuth(s.handleGetPosition)).Methods("GET")
	clob.HandleFunc("/positions/{symbol}/close", s.requireAuth(s.handleClosePosition)).Methods("POST")

	// Faucet
	fct := s.router.PathPrefix("/faucet").Subrouter()
	fct.HandleFunc("/claim", s.requireAuth(s.handleFaucetClaim)).Methods("POST")
	fct.HandleFunc("/balance", s.requireAuth(s.handleFaucetBalance)).Methods("GET")
	fct.HandleFunc("/status", s.requireAuth(s.handleFaucetStatus)).Methods("GET")

	// WebSocket + operational endpoints
	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.Handle("/metrics", s.metrics.Handler()).Methods("GET")
}

// Start serves until ctx is cancelled, then drains with a short grace period.
func (s *Server) Start(ctx context.Context, addr string) error {
	origins := []string{"*"}
	if s.origin != "" {
		origins = []string{s.origin}
	}
	c := cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})

	srv := &http.Server{
		Addr:    addr,
		Handler: c.Handler(s.router),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	s.log.Infow("api_server_starting", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleGetMarkets(w http.ResponseWriter, r *http.Request) {
	markets := s.registry.List()
	out := make([]MarketInfo, len(markets))
	for i, m := range markets {
		out[i] = marketInfo(m)
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetMarket(w http.ResponseWriter, r *http.Request) {
	m, err := s.registry.Get(mux.Vars(r)["symbol"])
	if err != nil {
		respondError(w, http.StatusNotFound, CodeMarketNotFound, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, marketInfo(m))
}

func (s *Server) handleGetOrderbook(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	depth := queryInt(r, "depth", 20)

	bids, asks, err := s.engine.Snapshot(r.Context(), symbol, depth)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, OrderbookSnapshot{
		Symbol:    symbol,
		Bids:      bids,
		Asks:      asks,
		Timestamp: time.Now().UnixMilli(),
	})
}

func (s *Server) handleGetTrades(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	limit := queryInt(r, "limit", 50)

	trades, err := s.engine.RecentTrades(r.Context(), symbol, limit)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, trades)
}

func (s *Server) handleGetCandles(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	ivStr := r.URL.Query().Get("interval")
	if ivStr == "" {
		ivStr = "1m"
	}
	iv, err := candles.Parse(ivStr)
	if err != nil {
		respondError(w, http.StatusBadRequest, CodeInvalidInterval, err.Error())
		return
	}
	limit := queryInt(r, "limit", 100)

	agg := s.candles.Aggregator(symbol)
	if agg == nil {
		respondError(w, http.StatusNotFound, CodeMarketNotFound, "market "+symbol+" not found")
		return
	}
	out, err := agg.History(iv, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, CodeStoreUnavailable, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, out)
}

func queryInt(r *http.Request, name string, def int) int {
	if raw := r.URL.Query().Get(name); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			return n
		}
	}
	return def
}
