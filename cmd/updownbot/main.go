// Updownbot - Autonomous simulated trading bot for Polymarket's BTC
// 5-minute Up/Down windows.
//
// Strategy:
// 1. Discover open btc-updown-5m windows from the gamma API
// 2. Build BTC microstructure from 1-minute candles (Binance with
//    Bybit/Coinbase/Kraken fallback)
// 3. Compare a shrunken model probability against venue prices
// 4. Open fractional-Kelly simulated positions when the edge converges
// 5. Settle against the venue's published outcome and track P&L
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/0xpennant/updownbot/internal/candles"
	"github.com/0xpennant/updownbot/internal/config"
	"github.com/0xpennant/updownbot/internal/database"
	"github.com/0xpennant/updownbot/internal/polymarket"
	"github.com/0xpennant/updownbot/internal/scheduler"
	"github.com/0xpennant/updownbot/internal/settlement"
	sigengine "github.com/0xpennant/updownbot/internal/signal"
	"github.com/0xpennant/updownbot/internal/trading"
)

const version = "1.0.0"

func main() {
	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	// Load environment
	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("No .env file found, using environment variables")
	}

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	log.Info().
		Str("version", version).
		Bool("simulation", cfg.SimulationMode).
		Str("bankroll", cfg.InitialBankroll.StringFixed(2)).
		Msg("🎲 Updownbot starting...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database and bootstrap the singleton state
	db, err := database.New(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}
	state, err := db.EnsureState(cfg.InitialBankroll)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to bootstrap bot state")
	}
	log.Info().
		Str("bankroll", state.Bankroll.StringFixed(2)).
		Int("total_trades", state.TotalTrades).
		Msg("State loaded")

	// ====== CORE COMPONENTS ======

	// 1. Candle service - BTC 1-minute candles with venue fallback
	candleSvc := candles.NewService()

	// 2. Live price stream - best-effort observability, the bot runs
	// fine without it
	stream := candles.NewPriceStream()
	if err := stream.Start(); err != nil {
		log.Warn().Err(err).Msg("⚠️ Live price stream unavailable")
	} else {
		log.Info().Msg("📈 Binance trade stream connected")
	}

	// 3. Window catalog - gamma API discovery and settlement lookups
	catalog := polymarket.NewCatalog(cfg.GammaAPIURL)

	// 4. Signal engine + trader + settlement reconciler
	engine := sigengine.NewEngine(cfg, candleSvc)
	events := scheduler.NewEventLog()
	trader := trading.NewTrader(cfg, db, catalog, engine, events)
	reconciler := settlement.NewReconciler(db, catalog)

	// ====== SCHEDULER ======

	sched := scheduler.New(events)
	sched.Add(scheduler.JobScan, cfg.ScanInterval, true, func(ctx context.Context) error {
		_, err := trader.Scan(ctx)
		return err
	})
	sched.Add(scheduler.JobSettle, cfg.SettlementInterval, false, func(ctx context.Context) error {
		res, err := reconciler.SettlePending(ctx)
		if err != nil {
			return err
		}
		if res.Settled > 0 {
			events.Record(scheduler.EventSuccess, "Settlement cycle complete", map[string]interface{}{
				"settled": res.Settled,
				"wins":    res.Wins,
				"losses":  res.Losses,
				"pnl":     res.PnL.StringFixed(2),
			})
		}
		return nil
	})
	sched.Add(scheduler.JobHeartbeat, time.Minute, false, func(ctx context.Context) error {
		stats, err := db.Stats()
		if err != nil {
			return err
		}
		price, age := stream.LastPrice()
		log.Info().
			Fields(stats).
			Str("btc_price", price.StringFixed(2)).
			Dur("price_age", age).
			Msg("💓 Heartbeat")
		return nil
	})

	sched.Start(ctx)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("Shutting down...")
	sched.Stop()
	stream.Stop()
	log.Info().Msg("👋 Updownbot stopped")
}
