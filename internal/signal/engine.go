// Package signal turns microstructure indicators and venue prices into
// ranked trading signals with fractional-Kelly sizing.
package signal

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/0xpennant/updownbot/internal/candles"
	"github.com/0xpennant/updownbot/internal/config"
	"github.com/0xpennant/updownbot/internal/indicators"
	"github.com/0xpennant/updownbot/internal/polymarket"
)

// Direction is the side of a window a signal wants to buy.
type Direction string

const (
	DirectionUp   Direction = "up"
	DirectionDown Direction = "down"
)

// Opposite returns the other side.
func (d Direction) Opposite() Direction {
	if d == DirectionUp {
		return DirectionDown
	}
	return DirectionUp
}

// Signal is one evaluated window. Signals whose filters fail keep
// Edge == 0 but are still emitted for observability.
type Signal struct {
	Window polymarket.Window
	Micro  indicators.Microstructure

	Direction        Direction
	ModelProbability float64 // model P(up)
	MarketPrice      float64 // venue P(up)
	Edge             float64 // signed, on the chosen side
	Convergence      int     // agreeing indicators, 0..4
	Confidence       float64 // 0..0.8

	KellyFraction float64
	SuggestedSize decimal.Decimal

	Sources   []string
	Reasoning string
	Timestamp time.Time
}

// EntryPrice is the venue price of the chosen side.
func (s Signal) EntryPrice() decimal.Decimal {
	if s.Direction == DirectionUp {
		return s.Window.UpPrice
	}
	return s.Window.DownPrice
}

// Actionable reports whether the signal clears the edge threshold.
func (s Signal) Actionable(minEdge float64) bool {
	return s.Edge != 0 && math.Abs(s.Edge) >= minEdge
}

// Engine evaluates windows against the current BTC microstructure.
type Engine struct {
	cfg     *config.Config
	candles *candles.Service
}

// NewEngine creates a signal engine.
func NewEngine(cfg *config.Config, candleSvc *candles.Service) *Engine {
	return &Engine{cfg: cfg, candles: candleSvc}
}

// Evaluate produces one signal per window, sorted by |edge| descending.
// Ties keep window order. Returns nil when no candle source is reachable.
func (e *Engine) Evaluate(ctx context.Context, windows []polymarket.Window, bankroll decimal.Decimal) []Signal {
	cs, source := e.candles.RecentCandles(ctx, 60)
	if cs == nil {
		log.Warn().Msg("No candle data, skipping signal evaluation")
		return nil
	}

	micro, ok := indicators.Compute(cs, source)
	if !ok {
		log.Warn().Int("candles", len(cs)).Msg("Not enough candles for microstructure")
		return nil
	}

	now := time.Now().UTC()
	signals := make([]Signal, 0, len(windows))
	for _, w := range windows {
		signals = append(signals, e.buildSignal(w, micro, bankroll, now))
	}

	sort.SliceStable(signals, func(i, j int) bool {
		return math.Abs(signals[i].Edge) > math.Abs(signals[j].Edge)
	})
	return signals
}

func (e *Engine) buildSignal(w polymarket.Window, micro indicators.Microstructure, bankroll decimal.Decimal, now time.Time) Signal {
	upPrice, _ := w.UpPrice.Float64()

	// Bounded opinions in [-1, +1].
	rsiOp := rsiOpinion(micro.RSI)
	momOp := clamp(momentumBlend(micro)/0.10, -1, 1)
	vwapOp := clamp(micro.VWAPDeviation/0.05, -1, 1)
	smaOp := clamp(micro.SMACrossover/0.03, -1, 1)
	skewOp := clamp(-(upPrice-0.50)*4, -1, 1)

	// Convergence counts raw directional evidence; RSI votes by its
	// distance from 50, not by the contrarian opinion used below.
	votes := converge(clamp((micro.RSI-50)/50, -1, 1), momOp, vwapOp, smaOp)

	composite := e.cfg.WeightRSI*rsiOp +
		e.cfg.WeightMomentum*momOp +
		e.cfg.WeightVWAP*vwapOp +
		e.cfg.WeightSMA*smaOp +
		e.cfg.WeightMarketSkew*skewOp

	// Shrunken prior: these markets trade near-fair, so a composite of
	// +-1 only moves the model 8 points from even.
	modelUp := clamp(0.50+composite*0.08, 0.42, 0.58)

	upEdge := modelUp - upPrice
	downEdge := (1 - modelUp) - (1 - upPrice)

	direction := DirectionUp
	edge := upEdge
	if downEdge > upEdge {
		direction = DirectionDown
		edge = downEdge
	}

	sig := Signal{
		Window:           w,
		Micro:            micro,
		Direction:        direction,
		ModelProbability: modelUp,
		MarketPrice:      upPrice,
		Edge:             edge,
		Convergence:      votes,
		Timestamp:        now,
		Sources:          []string{micro.Source, "polymarket"},
	}

	entry, _ := sig.EntryPrice().Float64()
	timeLeft := w.TimeUntilEnd(now)

	// Entry filters, in order. A failed filter zeroes the edge but the
	// signal is still recorded.
	var reject string
	switch {
	case votes < 4:
		reject = fmt.Sprintf("convergence %d/4", votes)
	case entry > e.cfg.MaxEntryPrice:
		reject = fmt.Sprintf("entry %.2f above cap %.2f", entry, e.cfg.MaxEntryPrice)
	case timeLeft < e.cfg.MinTimeRemaining || timeLeft > e.cfg.MaxTimeRemaining:
		reject = fmt.Sprintf("time to close %ds outside window", int(timeLeft.Seconds()))
	case w.Volume.LessThan(e.cfg.MinMarketVolume):
		reject = fmt.Sprintf("volume %s below minimum", w.Volume.StringFixed(0))
	}
	if reject != "" {
		sig.Edge = 0
	}

	sig.Confidence = confidence(votes, composite, micro.Volatility)

	if sig.Edge != 0 {
		winProb := modelUp
		if direction == DirectionDown {
			winProb = 1 - modelUp
		}
		sig.KellyFraction, sig.SuggestedSize = e.kellySize(winProb, entry, bankroll)
	}

	sig.Reasoning = fmt.Sprintf(
		"model %.1f%% vs market %.1f%% | edge %+.1f%% | rsi %.1f mom %+.3f%% vwap %+.3f%% sma %+.3f%% | conv %d/4",
		modelUp*100, upPrice*100, edge*100,
		micro.RSI, momentumBlend(micro), micro.VWAPDeviation, micro.SMACrossover, votes)
	if reject != "" {
		sig.Reasoning += " | filtered: " + reject
	}

	return sig
}

// kellySize computes the fractional-Kelly stake for win probability p at
// price q. Raw Kelly is (p*b - (1-p)) / b with odds b = (1-q)/q.
func (e *Engine) kellySize(p, q float64, bankroll decimal.Decimal) (float64, decimal.Decimal) {
	if q <= 0 || q >= 1 {
		return 0, decimal.Zero
	}

	b := (1 - q) / q
	kelly := (p*b - (1 - p)) / b
	kelly *= e.cfg.KellyFraction
	kelly = clamp(kelly, 0, e.cfg.MaxTradeFraction)

	size := bankroll.Mul(decimal.NewFromFloat(kelly))
	if size.GreaterThan(e.cfg.MaxTradeSize) {
		size = e.cfg.MaxTradeSize
	}
	return kelly, size.Round(2)
}

// rsiOpinion is contrarian: oversold leans up, overbought leans down,
// with mild biases around the 45/55 band.
func rsiOpinion(rsi float64) float64 {
	switch {
	case rsi < 30:
		return clamp(0.5+(30-rsi)/60, -1, 1)
	case rsi > 70:
		return clamp(-0.5-(rsi-70)/60, -1, 1)
	case rsi < 45:
		return 0.2
	case rsi > 55:
		return -0.2
	default:
		return 0
	}
}

// momentumBlend mixes the three momentum horizons, weighted toward the
// most recent move.
func momentumBlend(m indicators.Microstructure) float64 {
	return 0.50*m.Momentum1m + 0.35*m.Momentum5m + 0.15*m.Momentum15m
}

// converge counts how many opinions clear the 0.05 deadband on the
// majority side.
func converge(opinions ...float64) int {
	up, down := 0, 0
	for _, op := range opinions {
		if op > 0.05 {
			up++
		} else if op < -0.05 {
			down++
		}
	}
	if up > down {
		return up
	}
	return down
}

// confidence scales vote agreement and composite magnitude by realized
// volatility: a dead tape cannot support a confident call.
func confidence(votes int, composite, volatility float64) float64 {
	base := 0.3 + float64(votes)/4*0.3 + math.Abs(composite)*0.2
	volScale := math.Min(1, volatility/0.05)
	return math.Min(0.8, base*volScale)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
