// Package settlement reconciles pending trades against the venue's
// published outcomes and posts realized P&L.
package settlement

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/0xpennant/updownbot/internal/database"
	"github.com/0xpennant/updownbot/internal/polymarket"
)

// Reconciler settles pending trades against venue resolutions.
type Reconciler struct {
	db      *database.Database
	catalog *polymarket.Catalog
}

// NewReconciler creates a reconciler.
func NewReconciler(db *database.Database, catalog *polymarket.Catalog) *Reconciler {
	return &Reconciler{db: db, catalog: catalog}
}

// Result of one settle pass.
type Result struct {
	Checked int
	Settled int
	Wins    int
	Losses  int
	PnL     decimal.Decimal
}

// SettlePending checks every unsettled trade and applies resolved ones
// as a single batch. A failing trade lookup is logged and skipped; the
// rest of the batch still settles. Running twice over resolved trades is
// a no-op — the store skips already-settled rows.
func (r *Reconciler) SettlePending(ctx context.Context) (Result, error) {
	trades, err := r.db.ListUnsettledTrades()
	if err != nil {
		return Result{}, err
	}

	res := Result{Checked: len(trades), PnL: decimal.Zero}
	if len(trades) == 0 {
		return res, nil
	}

	now := time.Now().UTC()
	batch := make([]database.Settlement, 0, len(trades))

	for _, trade := range trades {
		resolution, err := r.lookupResolution(ctx, trade)
		if err != nil {
			log.Warn().Err(err).Uint("trade", trade.ID).Str("slug", trade.EventSlug).
				Msg("Resolution lookup failed, will retry next cycle")
			continue
		}
		if resolution == polymarket.ResolutionUndecided {
			continue
		}

		pnl := CalculatePnL(trade.Direction, trade.EntryPrice, trade.Size, resolution)
		result := resultFor(pnl)

		batch = append(batch, database.Settlement{
			TradeID:         trade.ID,
			Outcome:         resolution.String(),
			SettlementValue: settlementValue(resolution),
			PnL:             pnl,
			Result:          result,
			SettledAt:       now,
		})

		res.Settled++
		res.PnL = res.PnL.Add(pnl)
		switch result {
		case database.ResultWin:
			res.Wins++
		case database.ResultLoss:
			res.Losses++
		}

		log.Info().
			Str("slug", trade.EventSlug).
			Str("direction", trade.Direction).
			Str("entry", trade.EntryPrice.StringFixed(2)).
			Str("pnl", pnl.StringFixed(2)).
			Str("result", result).
			Msg("💰 Trade settled")
	}

	if err := r.db.ApplySettlements(batch); err != nil {
		// Whole batch rolls back; next cycle retries from scratch.
		return Result{Checked: res.Checked}, err
	}
	return res, nil
}

// lookupResolution prefers the event-slug query (reliable for 5-minute
// windows) and falls back to the market id.
func (r *Reconciler) lookupResolution(ctx context.Context, trade database.Trade) (polymarket.Resolution, error) {
	resolution, err := r.catalog.FetchResolutionBySlug(ctx, trade.EventSlug)
	if err == nil {
		return resolution, nil
	}

	log.Debug().Err(err).Str("slug", trade.EventSlug).Msg("Slug lookup failed, trying market id")
	return r.catalog.FetchResolutionByMarketID(ctx, trade.MarketTicker)
}

// CalculatePnL computes realized P&L for a settled trade, rounded to
// cents. An up (or legacy yes) position pays size*(1-entry) when the
// window resolves up and loses size*entry otherwise; down mirrors.
func CalculatePnL(direction string, entryPrice, size decimal.Decimal, resolution polymarket.Resolution) decimal.Decimal {
	won := false
	switch direction {
	case "up", "yes":
		won = resolution == polymarket.ResolutionUp
	default:
		won = resolution == polymarket.ResolutionDown
	}

	var pnl decimal.Decimal
	if won {
		pnl = size.Mul(decimal.NewFromInt(1).Sub(entryPrice))
	} else {
		pnl = size.Mul(entryPrice).Neg()
	}
	return pnl.Round(2)
}

func resultFor(pnl decimal.Decimal) string {
	switch {
	case pnl.GreaterThan(decimal.Zero):
		return database.ResultWin
	case pnl.LessThan(decimal.Zero):
		return database.ResultLoss
	default:
		return database.ResultPush
	}
}

func settlementValue(r polymarket.Resolution) float64 {
	if r == polymarket.ResolutionUp {
		return 1.0
	}
	return 0.0
}
