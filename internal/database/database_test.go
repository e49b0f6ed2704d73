package database

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDB(t *testing.T) *Database {
	t.Helper()
	db, err := New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	_, err = db.EnsureState(decimal.NewFromInt(10000))
	require.NoError(t, err)
	return db
}

func pendingTrade(slug, direction, entry, size string) *Trade {
	return &Trade{
		MarketTicker: "555001",
		Platform:     "polymarket",
		EventSlug:    slug,
		Direction:    direction,
		EntryPrice:   decimal.RequireFromString(entry),
		Size:         decimal.RequireFromString(size),
		Timestamp:    time.Now().UTC(),
		Result:       ResultPending,
	}
}

func TestEnsureStateIsIdempotent(t *testing.T) {
	db := testDB(t)

	// A second bootstrap with a different bankroll must not overwrite.
	state, err := db.EnsureState(decimal.NewFromInt(555))
	require.NoError(t, err)
	assert.True(t, state.Bankroll.Equal(decimal.NewFromInt(10000)))
	assert.True(t, state.IsRunning)
}

func TestSetRunning(t *testing.T) {
	db := testDB(t)

	require.NoError(t, db.SetRunning(false))
	state, err := db.GetState()
	require.NoError(t, err)
	assert.False(t, state.IsRunning)
}

func TestInsertSignalDeduplicatesPerMarketMinute(t *testing.T) {
	db := testDB(t)
	ts := time.Date(2026, 1, 12, 14, 12, 34, 0, time.UTC)

	first := &Signal{MarketID: "555001", EventSlug: "btc-updown-5m-1768227300", Timestamp: ts, Edge: 0.07}
	created, err := db.InsertSignalIfNew(first)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, ts.Truncate(time.Minute), first.Timestamp)

	// Same market, 20 seconds later: same minute slot, rejected.
	dup := &Signal{MarketID: "555001", EventSlug: "btc-updown-5m-1768227300", Timestamp: ts.Add(20 * time.Second), Edge: 0.09}
	created, err = db.InsertSignalIfNew(dup)
	require.NoError(t, err)
	assert.False(t, created)

	// Next minute is a fresh slot.
	next := &Signal{MarketID: "555001", EventSlug: "btc-updown-5m-1768227300", Timestamp: ts.Add(time.Minute), Edge: 0.06}
	created, err = db.InsertSignalIfNew(next)
	require.NoError(t, err)
	assert.True(t, created)

	// Different market in the same minute is fine too.
	other := &Signal{MarketID: "555002", EventSlug: "btc-updown-5m-1768227600", Timestamp: ts, Edge: 0.05}
	created, err = db.InsertSignalIfNew(other)
	require.NoError(t, err)
	assert.True(t, created)
}

func TestMarkSignalExecuted(t *testing.T) {
	db := testDB(t)

	sig := &Signal{MarketID: "555001", Timestamp: time.Now().UTC()}
	_, err := db.InsertSignalIfNew(sig)
	require.NoError(t, err)

	require.NoError(t, db.MarkSignalExecuted(sig.ID))
	signals, err := db.RecentSignals(1)
	require.NoError(t, err)
	require.Len(t, signals, 1)
	assert.True(t, signals[0].Executed)
}

func TestInsertTradeValidation(t *testing.T) {
	db := testDB(t)

	assert.Error(t, db.InsertTrade(pendingTrade("s", "up", "0", "10")))
	assert.Error(t, db.InsertTrade(pendingTrade("s", "up", "1", "10")))
	assert.Error(t, db.InsertTrade(pendingTrade("s", "up", "0.45", "0")))
	assert.NoError(t, db.InsertTrade(pendingTrade("s", "up", "0.45", "10")))
}

func TestInsertTradeBumpsCounters(t *testing.T) {
	db := testDB(t)

	require.NoError(t, db.InsertTrade(pendingTrade("a", "up", "0.45", "25")))
	require.NoError(t, db.InsertTrade(pendingTrade("b", "down", "0.40", "25")))

	state, err := db.GetState()
	require.NoError(t, err)
	assert.Equal(t, 2, state.TotalTrades)
	assert.NotNil(t, state.LastRun)

	// Bankroll only moves at settlement, never at entry.
	assert.True(t, state.Bankroll.Equal(decimal.NewFromInt(10000)))
}

func TestUnsettledQueries(t *testing.T) {
	db := testDB(t)

	require.NoError(t, db.InsertTrade(pendingTrade("slug-a", "up", "0.45", "25")))
	require.NoError(t, db.InsertTrade(pendingTrade("slug-b", "down", "0.40", "25")))

	count, err := db.CountUnsettled()
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	has, err := db.HasUnsettledForEvent("slug-a")
	require.NoError(t, err)
	assert.True(t, has)

	has, err = db.HasUnsettledForEvent("slug-z")
	require.NoError(t, err)
	assert.False(t, has)

	trades, err := db.ListUnsettledTrades()
	require.NoError(t, err)
	assert.Len(t, trades, 2)
}

func TestApplySettlements(t *testing.T) {
	db := testDB(t)

	sig := &Signal{MarketID: "555001", EventSlug: "slug-a", Timestamp: time.Now().UTC(), Direction: "up", Edge: 0.07}
	_, err := db.InsertSignalIfNew(sig)
	require.NoError(t, err)

	win := pendingTrade("slug-a", "up", "0.40", "50")
	win.SignalID = &sig.ID
	require.NoError(t, db.InsertTrade(win))

	loss := pendingTrade("slug-b", "down", "0.45", "25")
	require.NoError(t, db.InsertTrade(loss))

	now := time.Now().UTC()
	err = db.ApplySettlements([]Settlement{
		{TradeID: win.ID, Outcome: "up", SettlementValue: 1.0, PnL: decimal.RequireFromString("30.00"), Result: ResultWin, SettledAt: now},
		{TradeID: loss.ID, Outcome: "up", SettlementValue: 1.0, PnL: decimal.RequireFromString("-11.25"), Result: ResultLoss, SettledAt: now},
	})
	require.NoError(t, err)

	state, err := db.GetState()
	require.NoError(t, err)
	assert.True(t, state.Bankroll.Equal(decimal.RequireFromString("10018.75")), "bankroll %s", state.Bankroll)
	assert.True(t, state.TotalPnL.Equal(decimal.RequireFromString("18.75")))
	assert.Equal(t, 1, state.WinningTrades)

	// The winning trade's signal got its outcome linked.
	signals, err := db.RecentSignals(10)
	require.NoError(t, err)
	var linked *Signal
	for i := range signals {
		if signals[i].ID == sig.ID {
			linked = &signals[i]
		}
	}
	require.NotNil(t, linked)
	require.NotNil(t, linked.ActualOutcome)
	assert.Equal(t, "up", *linked.ActualOutcome)
	require.NotNil(t, linked.OutcomeCorrect)
	assert.True(t, *linked.OutcomeCorrect)

	count, err := db.CountUnsettled()
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}

func TestApplySettlementsIsIdempotent(t *testing.T) {
	db := testDB(t)

	trade := pendingTrade("slug-a", "up", "0.40", "50")
	require.NoError(t, db.InsertTrade(trade))

	batch := []Settlement{{
		TradeID: trade.ID, Outcome: "up", SettlementValue: 1.0,
		PnL: decimal.RequireFromString("30.00"), Result: ResultWin, SettledAt: time.Now().UTC(),
	}}
	require.NoError(t, db.ApplySettlements(batch))
	require.NoError(t, db.ApplySettlements(batch))

	state, err := db.GetState()
	require.NoError(t, err)
	assert.True(t, state.Bankroll.Equal(decimal.RequireFromString("10030.00")), "bankroll %s", state.Bankroll)
	assert.Equal(t, 1, state.WinningTrades)
}

func TestBankrollIdentity(t *testing.T) {
	db := testDB(t)

	trades := []*Trade{
		pendingTrade("a", "up", "0.40", "50"),
		pendingTrade("b", "down", "0.45", "25"),
		pendingTrade("c", "up", "0.30", "10"),
	}
	pnls := []string{"30.00", "-11.25", "7.00"}
	results := []string{ResultWin, ResultLoss, ResultWin}

	batch := make([]Settlement, 0, len(trades))
	for i, tr := range trades {
		require.NoError(t, db.InsertTrade(tr))
		batch = append(batch, Settlement{
			TradeID: tr.ID, Outcome: "up", SettlementValue: 1.0,
			PnL: decimal.RequireFromString(pnls[i]), Result: results[i], SettledAt: time.Now().UTC(),
		})
	}
	require.NoError(t, db.ApplySettlements(batch))

	state, err := db.GetState()
	require.NoError(t, err)

	// bankroll == initial + sum of settled pnl, and total_pnl matches.
	expected := decimal.RequireFromString("10025.75")
	assert.True(t, state.Bankroll.Equal(expected), "bankroll %s", state.Bankroll)
	assert.True(t, state.TotalPnL.Equal(decimal.RequireFromString("25.75")))
}

func TestRealizedPnLSince(t *testing.T) {
	db := testDB(t)

	trade := pendingTrade("slug-a", "up", "0.40", "50")
	require.NoError(t, db.InsertTrade(trade))

	settledAt := time.Now().UTC()
	require.NoError(t, db.ApplySettlements([]Settlement{{
		TradeID: trade.ID, Outcome: "down", SettlementValue: 0,
		PnL: decimal.RequireFromString("-20.00"), Result: ResultLoss, SettledAt: settledAt,
	}}))

	got, err := db.RealizedPnLSince(settledAt.Add(-time.Hour))
	require.NoError(t, err)
	assert.True(t, got.Equal(decimal.RequireFromString("-20.00")), "got %s", got)

	// Nothing settled after the cutoff.
	got, err = db.RealizedPnLSince(settledAt.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, got.IsZero())
}

func TestReset(t *testing.T) {
	db := testDB(t)

	require.NoError(t, db.InsertTrade(pendingTrade("a", "up", "0.45", "25")))
	_, err := db.InsertSignalIfNew(&Signal{MarketID: "555001", Timestamp: time.Now().UTC()})
	require.NoError(t, err)

	require.NoError(t, db.Reset(decimal.NewFromInt(10000)))

	count, err := db.CountUnsettled()
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)

	state, err := db.GetState()
	require.NoError(t, err)
	assert.Equal(t, 0, state.TotalTrades)
	assert.True(t, state.TotalPnL.IsZero())
}

func TestStats(t *testing.T) {
	db := testDB(t)
	require.NoError(t, db.InsertTrade(pendingTrade("a", "up", "0.45", "25")))

	stats, err := db.Stats()
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats["pending_trades"])
	assert.Equal(t, 1, stats["total_trades"])
	assert.Equal(t, true, stats["is_running"])
}
