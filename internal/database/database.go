// Package database is the durable store for signals, trades, and the
// singleton bot state. SQLite by default, PostgreSQL when the URL says so.
package database

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Trade results.
const (
	ResultPending = "pending"
	ResultWin     = "win"
	ResultLoss    = "loss"
	ResultPush    = "push"
)

// Signal is one persisted engine output. Append-only per market-minute;
// the reconciler later links the actual outcome.
type Signal struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	MarketID  string `gorm:"index;uniqueIndex:idx_signal_market_minute"`
	Platform  string
	EventSlug string    `gorm:"index"`
	Timestamp time.Time `gorm:"uniqueIndex:idx_signal_market_minute"` // minute-truncated

	Direction        string
	ModelProbability float64
	MarketPrice      float64
	Edge             float64
	Confidence       float64
	KellyFraction    float64
	SuggestedSize    decimal.Decimal `gorm:"type:decimal(20,2)"`
	Sources          string
	Reasoning        string
	Executed         bool

	// Settlement linkage, filled by the reconciler.
	ActualOutcome   *string
	OutcomeCorrect  *bool
	SettlementValue *float64
	SettledAt       *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Trade is one simulated position. Transitions exactly once from
// settled=false to settled=true; pnl and result are immutable after that.
type Trade struct {
	ID           uint   `gorm:"primaryKey;autoIncrement"`
	MarketTicker string `gorm:"index"`
	Platform     string
	EventSlug    string `gorm:"index"`
	Direction    string
	EntryPrice   decimal.Decimal `gorm:"type:decimal(10,6)"`
	Size         decimal.Decimal `gorm:"type:decimal(20,2)"`
	Timestamp    time.Time

	// Entry snapshot
	ModelProbability   float64
	MarketPriceAtEntry float64
	EdgeAtEntry        float64

	// Settlement
	Settled         bool   `gorm:"index"`
	Result          string `gorm:"default:pending"`
	SettlementValue *float64
	PnL             decimal.Decimal `gorm:"column:pnl;type:decimal(20,2)"`
	SettlementTime  *time.Time

	SignalID *uint

	CreatedAt time.Time
	UpdatedAt time.Time
}

// BotState is the singleton mutable record; at most one row, ID 1.
type BotState struct {
	ID            uint            `gorm:"primaryKey"`
	Bankroll      decimal.Decimal `gorm:"type:decimal(20,2)"`
	TotalTrades   int
	WinningTrades int
	TotalPnL      decimal.Decimal `gorm:"column:total_pnl;type:decimal(20,2)"`
	IsRunning     bool
	LastRun       *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Settlement is the outcome of one trade, applied transactionally.
type Settlement struct {
	TradeID         uint
	Outcome         string // "up" or "down"
	SettlementValue float64
	PnL             decimal.Decimal
	Result          string
	SettledAt       time.Time
}

type Database struct {
	db *gorm.DB
}

// New opens the store and migrates the schema. A postgres:// URL selects
// PostgreSQL, anything else is treated as a SQLite path.
func New(databaseURL string) (*Database, error) {
	var db *gorm.DB
	var err error

	if strings.HasPrefix(databaseURL, "postgres://") || strings.HasPrefix(databaseURL, "postgresql://") {
		db, err = gorm.Open(postgres.Open(databaseURL), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Msg("Database connected (PostgreSQL)")
	} else {
		dir := filepath.Dir(databaseURL)
		if dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, err
			}
		}
		db, err = gorm.Open(sqlite.Open(databaseURL), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Str("path", databaseURL).Msg("Database initialized (SQLite)")
	}

	if err := db.AutoMigrate(&Signal{}, &Trade{}, &BotState{}); err != nil {
		return nil, err
	}

	return &Database{db: db}, nil
}

// EnsureState loads the singleton bot state, creating it with the
// initial bankroll on first run.
func (d *Database) EnsureState(initialBankroll decimal.Decimal) (*BotState, error) {
	state := BotState{
		ID:        1,
		Bankroll:  initialBankroll,
		TotalPnL:  decimal.Zero,
		IsRunning: true,
	}
	if err := d.db.FirstOrCreate(&state, BotState{ID: 1}).Error; err != nil {
		return nil, err
	}
	return &state, nil
}

// GetState returns the singleton bot state.
func (d *Database) GetState() (*BotState, error) {
	var state BotState
	err := d.db.First(&state, "id = 1").Error
	return &state, err
}

// SetRunning flips the running flag. Stopping only disables new trade
// inserts; in-flight jobs complete normally.
func (d *Database) SetRunning(running bool) error {
	return d.db.Model(&BotState{}).Where("id = 1").Update("is_running", running).Error
}

// Reset wipes trades and signals and restores the initial bankroll.
func (d *Database) Reset(initialBankroll decimal.Decimal) error {
	return d.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&Trade{}).Error; err != nil {
			return err
		}
		if err := tx.Where("1 = 1").Delete(&Signal{}).Error; err != nil {
			return err
		}
		return tx.Model(&BotState{}).Where("id = 1").Updates(map[string]interface{}{
			"bankroll":       initialBankroll,
			"total_trades":   0,
			"winning_trades": 0,
			"total_pnl":      decimal.Zero,
		}).Error
	})
}

// InsertSignalIfNew persists a signal unless one already exists for the
// same (market, minute). Returns true when a row was created.
func (d *Database) InsertSignalIfNew(sig *Signal) (bool, error) {
	sig.Timestamp = sig.Timestamp.UTC().Truncate(time.Minute)

	created := false
	err := d.db.Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&Signal{}).
			Where("market_id = ? AND timestamp = ?", sig.MarketID, sig.Timestamp).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return nil
		}
		if err := tx.Create(sig).Error; err != nil {
			return err
		}
		created = true
		return nil
	})
	return created, err
}

// MarkSignalExecuted flags a signal as having produced a trade.
func (d *Database) MarkSignalExecuted(signalID uint) error {
	return d.db.Model(&Signal{}).Where("id = ?", signalID).Update("executed", true).Error
}

// RecentSignals returns the latest signals, newest first.
func (d *Database) RecentSignals(limit int) ([]Signal, error) {
	var signals []Signal
	err := d.db.Order("timestamp DESC").Limit(limit).Find(&signals).Error
	return signals, err
}

// InsertTrade creates a trade and bumps the state counters in one
// transaction.
func (d *Database) InsertTrade(trade *Trade) error {
	if trade.EntryPrice.LessThanOrEqual(decimal.Zero) || trade.EntryPrice.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("entry price %s outside (0, 1)", trade.EntryPrice)
	}
	if trade.Size.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("trade size %s must be positive", trade.Size)
	}

	return d.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(trade).Error; err != nil {
			return err
		}
		now := time.Now().UTC()
		return tx.Model(&BotState{}).Where("id = 1").Updates(map[string]interface{}{
			"total_trades": gorm.Expr("total_trades + 1"),
			"last_run":     &now,
		}).Error
	})
}

// ListUnsettledTrades returns pending trades, oldest first.
func (d *Database) ListUnsettledTrades() ([]Trade, error) {
	var trades []Trade
	err := d.db.Where("settled = ?", false).Order("timestamp ASC").Find(&trades).Error
	return trades, err
}

// CountUnsettled returns the open-exposure trade count.
func (d *Database) CountUnsettled() (int64, error) {
	var count int64
	err := d.db.Model(&Trade{}).Where("settled = ?", false).Count(&count).Error
	return count, err
}

// CountTradesForEvent returns how many trades were ever opened on the
// event slug, settled or not.
func (d *Database) CountTradesForEvent(eventSlug string) (int64, error) {
	var count int64
	err := d.db.Model(&Trade{}).Where("event_slug = ?", eventSlug).Count(&count).Error
	return count, err
}

// HasUnsettledForEvent reports whether an open trade already exists for
// the event slug.
func (d *Database) HasUnsettledForEvent(eventSlug string) (bool, error) {
	var count int64
	err := d.db.Model(&Trade{}).
		Where("event_slug = ? AND settled = ?", eventSlug, false).
		Count(&count).Error
	return count > 0, err
}

// RecentTrades returns the latest trades, newest first.
func (d *Database) RecentTrades(limit int) ([]Trade, error) {
	var trades []Trade
	err := d.db.Order("timestamp DESC").Limit(limit).Find(&trades).Error
	return trades, err
}

// RealizedPnLSince sums settled P&L at or after the given time. Used by
// the daily-loss kill switch.
func (d *Database) RealizedPnLSince(since time.Time) (decimal.Decimal, error) {
	var result struct {
		Total decimal.Decimal
	}
	err := d.db.Model(&Trade{}).
		Select("COALESCE(SUM(pnl), 0) as total").
		Where("settled = ? AND settlement_time >= ?", true, since).
		Scan(&result).Error
	return result.Total, err
}

// ApplySettlements finalizes a batch of trades, links their originating
// signals, and adjusts bankroll, total P&L and win count — all in a
// single transaction. Already-settled trades are skipped, which makes
// re-running a settle pass a no-op.
func (d *Database) ApplySettlements(settlements []Settlement) error {
	if len(settlements) == 0 {
		return nil
	}

	return d.db.Transaction(func(tx *gorm.DB) error {
		bankrollDelta := decimal.Zero
		wins := 0

		for _, s := range settlements {
			var trade Trade
			if err := tx.First(&trade, s.TradeID).Error; err != nil {
				return err
			}
			if trade.Settled {
				continue
			}

			settledAt := s.SettledAt
			value := s.SettlementValue
			if err := tx.Model(&Trade{}).Where("id = ?", trade.ID).Updates(map[string]interface{}{
				"settled":          true,
				"result":           s.Result,
				"settlement_value": &value,
				"pnl":              s.PnL,
				"settlement_time":  &settledAt,
			}).Error; err != nil {
				return err
			}

			if trade.SignalID != nil {
				outcome := s.Outcome
				correct := tradeDirectionWon(trade.Direction, s.Outcome)
				if err := tx.Model(&Signal{}).Where("id = ?", *trade.SignalID).Updates(map[string]interface{}{
					"actual_outcome":   &outcome,
					"outcome_correct":  &correct,
					"settlement_value": &value,
					"settled_at":       &settledAt,
				}).Error; err != nil {
					return err
				}
			}

			bankrollDelta = bankrollDelta.Add(s.PnL)
			if s.Result == ResultWin {
				wins++
			}
		}

		return tx.Model(&BotState{}).Where("id = 1").Updates(map[string]interface{}{
			"bankroll":       gorm.Expr("bankroll + ?", bankrollDelta),
			"total_pnl":      gorm.Expr("total_pnl + ?", bankrollDelta),
			"winning_trades": gorm.Expr("winning_trades + ?", wins),
		}).Error
	})
}

func tradeDirectionWon(direction, outcome string) bool {
	switch direction {
	case "up", "yes":
		return outcome == "up"
	default:
		return outcome == "down"
	}
}

// Stats returns aggregate counters for the observability surface.
func (d *Database) Stats() (map[string]interface{}, error) {
	state, err := d.GetState()
	if err != nil {
		return nil, err
	}

	pending, err := d.CountUnsettled()
	if err != nil {
		return nil, err
	}

	var signalCount int64
	d.db.Model(&Signal{}).Count(&signalCount)

	return map[string]interface{}{
		"bankroll":       state.Bankroll,
		"total_trades":   state.TotalTrades,
		"winning_trades": state.WinningTrades,
		"total_pnl":      state.TotalPnL,
		"pending_trades": pending,
		"total_signals":  signalCount,
		"is_running":     state.IsRunning,
	}, nil
}
