// Package trading runs the scan-and-trade pipeline: discover windows,
// evaluate signals, and open simulated positions within the risk limits.
package trading

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/0xpennant/updownbot/internal/config"
	"github.com/0xpennant/updownbot/internal/database"
	"github.com/0xpennant/updownbot/internal/polymarket"
	"github.com/0xpennant/updownbot/internal/signal"
)

// EventSink receives notable pipeline events. Nil-safe via noopSink.
type EventSink interface {
	Record(eventType, message string, data map[string]interface{})
}

type noopSink struct{}

func (noopSink) Record(string, string, map[string]interface{}) {}

// Trader owns one scan cycle end to end.
type Trader struct {
	cfg     *config.Config
	db      *database.Database
	catalog *polymarket.Catalog
	engine  *signal.Engine
	events  EventSink
}

// NewTrader creates a trader. events may be nil.
func NewTrader(cfg *config.Config, db *database.Database, catalog *polymarket.Catalog, engine *signal.Engine, events EventSink) *Trader {
	if events == nil {
		events = noopSink{}
	}
	return &Trader{cfg: cfg, db: db, catalog: catalog, engine: engine, events: events}
}

// ScanResult summarizes one scan cycle.
type ScanResult struct {
	Windows  int
	Signals  int
	Executed int
	Halted   bool
}

// Scan runs one full cycle: risk gates, window discovery, signal
// evaluation, then trade execution in edge order. Every gate that stops
// the cycle logs why.
func (t *Trader) Scan(ctx context.Context) (ScanResult, error) {
	state, err := t.db.GetState()
	if err != nil {
		return ScanResult{}, err
	}
	if !state.IsRunning {
		log.Debug().Msg("Bot paused, skipping scan")
		return ScanResult{}, nil
	}

	halted, dayPnL, err := t.dailyLossBreached()
	if err != nil {
		return ScanResult{}, err
	}
	if halted {
		log.Warn().Str("day_pnl", dayPnL.StringFixed(2)).
			Str("limit", t.cfg.DailyLossLimit.StringFixed(2)).
			Msg("🛑 Daily loss limit hit, trading halted for the day")
		t.events.Record("warning", "Daily loss limit hit, trading halted", map[string]interface{}{
			"day_pnl": dayPnL.StringFixed(2),
		})
		return ScanResult{Halted: true}, nil
	}

	pending, err := t.db.CountUnsettled()
	if err != nil {
		return ScanResult{}, err
	}
	if pending >= int64(t.cfg.MaxTotalPendingTrades) {
		log.Info().Int64("pending", pending).Msg("Max pending exposure reached, skipping scan")
		return ScanResult{}, nil
	}

	windows := t.catalog.ListActiveWindows(ctx)
	if len(windows) == 0 {
		log.Info().Msg("No active windows")
		return ScanResult{}, nil
	}

	signals := t.engine.Evaluate(ctx, windows, state.Bankroll)
	res := ScanResult{Windows: len(windows), Signals: len(signals)}

	for _, sig := range signals {
		if sig.Edge == 0 {
			continue
		}
		row := t.persistSignal(sig)

		if !sig.Actionable(t.cfg.MinEdgeThreshold) {
			continue
		}
		if res.Executed >= t.cfg.MaxTradesPerScan {
			log.Debug().Msg("Per-scan trade cap reached")
			break
		}
		if pending+int64(res.Executed) >= int64(t.cfg.MaxTotalPendingTrades) {
			log.Debug().Msg("Pending exposure cap reached mid-scan")
			break
		}

		open, err := t.db.HasUnsettledForEvent(sig.Window.Slug)
		if err != nil {
			log.Error().Err(err).Str("slug", sig.Window.Slug).Msg("Exposure check failed")
			continue
		}
		if open {
			log.Debug().Str("slug", sig.Window.Slug).Msg("Already holding this window, skipping")
			continue
		}
		taken, err := t.db.CountTradesForEvent(sig.Window.Slug)
		if err != nil {
			log.Error().Err(err).Str("slug", sig.Window.Slug).Msg("Window trade count failed")
			continue
		}
		if taken >= int64(t.cfg.MaxTradesPerWindow) {
			log.Debug().Str("slug", sig.Window.Slug).Int64("trades", taken).Msg("Window trade cap reached")
			continue
		}

		// Re-read bankroll so sequential trades in one scan size against
		// a shrinking balance.
		state, err = t.db.GetState()
		if err != nil {
			return res, err
		}
		if state.Bankroll.LessThan(t.cfg.MinTradeSize) {
			log.Warn().Str("bankroll", state.Bankroll.StringFixed(2)).Msg("Bankroll below minimum trade size")
			break
		}

		size := clampSize(sig.SuggestedSize, state.Bankroll, t.cfg)
		if size.IsZero() {
			continue
		}

		if err := t.execute(sig, row, size); err != nil {
			log.Error().Err(err).Str("slug", sig.Window.Slug).Msg("Trade insert failed")
			continue
		}
		res.Executed++
	}

	log.Info().
		Int("windows", res.Windows).
		Int("signals", res.Signals).
		Int("executed", res.Executed).
		Msg("Scan cycle complete")
	return res, nil
}

// dailyLossBreached checks realized P&L since UTC midnight against the
// configured limit.
func (t *Trader) dailyLossBreached() (bool, decimal.Decimal, error) {
	now := time.Now().UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	dayPnL, err := t.db.RealizedPnLSince(midnight)
	if err != nil {
		return false, decimal.Zero, err
	}
	return dayPnL.LessThanOrEqual(t.cfg.DailyLossLimit.Neg()), dayPnL, nil
}

// persistSignal records a nonzero-edge signal, deduplicated per market
// and minute. Returns the stored row (nil if persistence failed or the
// minute slot was taken).
func (t *Trader) persistSignal(sig signal.Signal) *database.Signal {
	row := &database.Signal{
		MarketID:         sig.Window.MarketID,
		Platform:         "polymarket",
		EventSlug:        sig.Window.Slug,
		Timestamp:        sig.Timestamp,
		Direction:        string(sig.Direction),
		ModelProbability: sig.ModelProbability,
		MarketPrice:      sig.MarketPrice,
		Edge:             sig.Edge,
		Confidence:       sig.Confidence,
		KellyFraction:    sig.KellyFraction,
		SuggestedSize:    sig.SuggestedSize,
		Sources:          strings.Join(sig.Sources, ","),
		Reasoning:        sig.Reasoning,
	}

	created, err := t.db.InsertSignalIfNew(row)
	if err != nil {
		log.Error().Err(err).Str("slug", sig.Window.Slug).Msg("Signal insert failed")
		return nil
	}
	if !created {
		return nil
	}
	return row
}

// clampSize caps the suggested stake at MaxTradeFraction of the current
// bankroll and floors it at MinTradeSize. Returns zero when even the
// floor cannot be funded.
func clampSize(suggested, bankroll decimal.Decimal, cfg *config.Config) decimal.Decimal {
	maxStake := bankroll.Mul(decimal.NewFromFloat(cfg.MaxTradeFraction)).Round(2)
	size := suggested
	if size.GreaterThan(maxStake) {
		size = maxStake
	}
	if size.LessThan(cfg.MinTradeSize) {
		size = cfg.MinTradeSize
	}
	if size.GreaterThan(bankroll) {
		return decimal.Zero
	}
	return size
}

func (t *Trader) execute(sig signal.Signal, row *database.Signal, size decimal.Decimal) error {
	trade := &database.Trade{
		MarketTicker:       sig.Window.MarketID,
		Platform:           "polymarket",
		EventSlug:          sig.Window.Slug,
		Direction:          string(sig.Direction),
		EntryPrice:         sig.EntryPrice(),
		Size:               size,
		Timestamp:          sig.Timestamp,
		ModelProbability:   sig.ModelProbability,
		MarketPriceAtEntry: sig.MarketPrice,
		EdgeAtEntry:        sig.Edge,
		Result:             database.ResultPending,
	}
	if row != nil {
		trade.SignalID = &row.ID
	}

	if err := t.db.InsertTrade(trade); err != nil {
		return err
	}
	if row != nil {
		if err := t.db.MarkSignalExecuted(row.ID); err != nil {
			log.Warn().Err(err).Uint("signal", row.ID).Msg("Could not flag signal executed")
		}
	}

	log.Info().
		Str("slug", sig.Window.Slug).
		Str("direction", string(sig.Direction)).
		Str("entry", trade.EntryPrice.StringFixed(2)).
		Str("size", size.StringFixed(2)).
		Float64("edge", sig.Edge).
		Msg("📈 Simulated trade opened")

	t.events.Record("trade", "Opened "+string(sig.Direction)+" position on "+sig.Window.Slug, map[string]interface{}{
		"slug":      sig.Window.Slug,
		"direction": string(sig.Direction),
		"entry":     trade.EntryPrice.StringFixed(2),
		"size":      size.StringFixed(2),
	})
	return nil
}
