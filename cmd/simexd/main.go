package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/openperp/simex/params"
	"github.com/openperp/simex/pkg/account"
	"github.com/openperp/simex/pkg/api"
	"github.com/openperp/simex/pkg/candles"
	"github.com/openperp/simex/pkg/clob"
	"github.com/openperp/simex/pkg/clob/engine"
	"github.com/openperp/simex/pkg/clob/market"
	"github.com/openperp/simex/pkg/clob/position"
	"github.com/openperp/simex/pkg/faucet"
	"github.com/openperp/simex/pkg/ledger"
	"github.com/openperp/simex/pkg/metrics"
	"github.com/openperp/simex/pkg/oracle"
	"github.com/openperp/simex/pkg/pubsub"
	"github.com/openperp/simex/pkg/storage"
	"github.com/openperp/simex/pkg/util"
)

func main() {
	// Load config from .env file and environment variables
	cfg, err := params.LoadFromEnv("")
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger, err := util.NewLoggerWithFile(cfg.LogFile)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", cfg.LogFile)

	// ---- Store (the recovery log) ----
	store, err := storage.Open(cfg.Store.Path, sugar)
	if err != nil {
		sugar.Fatalw("store_open_failed", "path", cfg.Store.Path, "err", err)
	}
	defer store.Close()

	// ---- Market registry from bootstrap config ----
	marketCfgs, err := market.LoadConfigs(cfg.MarketsFile)
	if err != nil {
		sugar.Fatalw("markets_load_failed", "file", cfg.MarketsFile, "err", err)
	}
	registry, err := market.NewRegistryFromConfigs(marketCfgs)
	if err != nil {
		sugar.Fatalw("registry_init_failed", "err", err)
	}
	sugar.Infow("markets_registered", "count", registry.Count())

	mc := metrics.Get()
	hub := pubsub.NewHub(sugar)

	// ---- Core state ----
	users := account.NewManager(store, sugar)
	bank := ledger.New(store, sugar)
	keeper := position.NewKeeper(bank, users, registry, store, sugar)
	if err := keeper.Restore(); err != nil {
		sugar.Fatalw("position_restore_failed", "err", err)
	}

	// ---- Candles ----
	candleSvc := candles.NewService(registry, store, sugar)
	if err := candleSvc.Bootstrap(registry, time.Now()); err != nil {
		sugar.Fatalw("candle_bootstrap_failed", "err", err)
	}

	// ---- Event fan-out wiring ----
	bank.OnChange = func(b ledger.Balance, c ledger.Change) {
		hub.Publish(pubsub.UserTopic(b.Address), "balance:updated", map[string]any{
			"balance": b,
			"change":  c,
		})
	}
	keeper.OnUpdate = func(event string, p clob.Position) {
		hub.Publish(pubsub.UserTopic(p.UserAddress), event, p)
		if event == position.EventLiquidated {
			mc.LiquidationsTotal.WithLabelValues(p.MarketSymbol).Inc()
		}
	}
	keeper.OnClose = func(p clob.Position) {
		// Reward hooks (achievements, leveling) consume closed positions;
		// they live outside this service.
		sugar.Debugw("position_close_hook", "positionId", p.PositionID, "realized", p.RealizedPnl)
	}
	for _, m := range registry.List() {
		agg := candleSvc.Aggregator(m.Symbol)
		symbol := m.Symbol
		agg.OnUpdate = func(c candles.Candle) {
			hub.Publish(pubsub.CandlesTopic(symbol, string(c.Interval)), "candle:update", c)
		}
	}

	// ---- Matching engine (rebuilds books from open orders) ----
	eng, err := engine.New(registry, bank, keeper, users, candleSvc, hub, store, mc, sugar)
	if err != nil {
		sugar.Fatalw("engine_init_failed", "err", err)
	}

	// ---- Faucet ----
	fct := faucet.New(faucet.Config{
		Amount:   cfg.Faucet.Amount,
		Cooldown: cfg.Faucet.Cooldown,
	}, store, bank, users, sugar)
	fct.OnClaim = func(addr common.Address, amount decimal.Decimal) {
		// Reward hooks (XP, streaks) consume claims; they live outside this
		// service.
		sugar.Debugw("faucet_claim_hook", "address", addr.Hex(), "amount", amount)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- Oracle ingestor ----
	ingestor := oracle.New(oracle.Config{
		URL:          cfg.Oracle.URL,
		APIKey:       cfg.Oracle.APIKey,
		PollInterval: cfg.Oracle.PollInterval,
	}, registry, keeper, hub, mc, sugar)
	go ingestor.Run(ctx)

	// ---- Background loops ----
	go candleSvc.Run(ctx)
	go eng.Run(ctx)

	// ---- API server ----
	server := api.NewServer(api.Deps{
		Registry:  registry,
		Engine:    eng,
		Keeper:    keeper,
		Ledger:    bank,
		Users:     users,
		Candles:   candleSvc,
		Faucet:    fct,
		Hub:       hub,
		Store:     store,
		Metrics:   mc,
		Log:       sugar,
		JWTSecret: cfg.Server.JWTSecret,
		Origin:    cfg.Server.Origin,
	})

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	sugar.Infow("engine_starting", "addr", addr, "markets", registry.Count())
	if err := server.Start(ctx, addr); err != nil {
		sugar.Fatalw("api_server_failed", "err", err)
	}
	sugar.Info("shutdown_complete")
}
