// Package indicators computes short-horizon technical indicators from
// 1-minute candles. Everything here is pure and deterministic: the same
// candle window always yields the same Microstructure.
package indicators

import (
	"math"

	"github.com/0xpennant/updownbot/internal/candles"
)

// Microstructure is a snapshot of BTC microstructure indicators.
type Microstructure struct {
	RSI           float64 // 14-period Wilder RSI
	Momentum1m    float64 // % change over 1 minute
	Momentum5m    float64 // % change over 5 minutes
	Momentum15m   float64 // % change over 15 minutes
	VWAP          float64
	VWAPDeviation float64 // % of VWAP, positive = price above VWAP
	SMACrossover  float64 // (sma5 - sma15) / price * 100
	Volatility    float64 // stdev of 1-min returns, %
	Price         float64
	Source        string
}

// MinCandles is the smallest window that yields a meaningful snapshot.
const MinCandles = 20

// Compute builds a Microstructure from candles ordered oldest first.
// Returns false if there is not enough data.
func Compute(cs []candles.Candle, source string) (Microstructure, bool) {
	if len(cs) < MinCandles {
		return Microstructure{}, false
	}

	closes := make([]float64, len(cs))
	highs := make([]float64, len(cs))
	lows := make([]float64, len(cs))
	volumes := make([]float64, len(cs))
	for i, c := range cs {
		closes[i] = c.Close
		highs[i] = c.High
		lows[i] = c.Low
		volumes[i] = c.Volume
	}

	price := closes[len(closes)-1]
	vwap, deviation := VWAP(highs, lows, closes, volumes, 30)

	return Microstructure{
		RSI:           RSI(closes, 14),
		Momentum1m:    PctChange(closes, 1),
		Momentum5m:    PctChange(closes, 5),
		Momentum15m:   PctChange(closes, 15),
		VWAP:          vwap,
		VWAPDeviation: deviation,
		SMACrossover:  SMACrossover(closes),
		Volatility:    ReturnVolatility(closes, 30),
		Price:         price,
		Source:        source,
	}, true
}

// RSI calculates the Relative Strength Index with Wilder smoothing.
// With zero average loss the result is 100.
func RSI(closes []float64, period int) float64 {
	if len(closes) < period+1 {
		return 50
	}

	deltas := make([]float64, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		deltas[i-1] = closes[i] - closes[i-1]
	}

	var avgGain, avgLoss float64
	for _, d := range deltas[:period] {
		if d > 0 {
			avgGain += d
		} else {
			avgLoss += -d
		}
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)

	for _, d := range deltas[period:] {
		gain, loss := 0.0, 0.0
		if d > 0 {
			gain = d
		} else {
			loss = -d
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
	}

	if avgLoss == 0 {
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - (100 / (1 + rs))
}

// PctChange returns the % price change over the given lookback in candles.
// Zero when the lookback is unavailable or the divisor is not positive.
func PctChange(closes []float64, lookback int) float64 {
	if len(closes) <= lookback {
		return 0
	}
	prev := closes[len(closes)-1-lookback]
	if prev <= 0 {
		return 0
	}
	return (closes[len(closes)-1] - prev) / prev * 100
}

// VWAP computes the volume-weighted average price over the last
// min(window, N) candles using typical price (h+l+c)/3, and the current
// price's % deviation from it. With zero total volume VWAP falls back to
// the current price and deviation is 0.
func VWAP(highs, lows, closes, volumes []float64, window int) (vwap, deviation float64) {
	n := len(closes)
	if n == 0 {
		return 0, 0
	}
	if window > n {
		window = n
	}

	price := closes[n-1]
	var weighted, totalVol float64
	for i := n - window; i < n; i++ {
		typical := (highs[i] + lows[i] + closes[i]) / 3
		weighted += typical * volumes[i]
		totalVol += volumes[i]
	}

	if totalVol <= 0 {
		return price, 0
	}

	vwap = weighted / totalVol
	if vwap > 0 {
		deviation = (price - vwap) / vwap * 100
	}
	return vwap, deviation
}

// SMACrossover returns (sma5 - sma15) / price * 100.
func SMACrossover(closes []float64) float64 {
	n := len(closes)
	if n == 0 {
		return 0
	}
	price := closes[n-1]
	if price <= 0 {
		return 0
	}

	sma5 := price
	if n >= 5 {
		sma5 = mean(closes[n-5:])
	}
	sma15 := price
	if n >= 15 {
		sma15 = mean(closes[n-15:])
	}

	return (sma5 - sma15) / price * 100
}

// ReturnVolatility is the population stdev of the last min(window, N-1)
// close-to-close simple returns, expressed as a percentage.
func ReturnVolatility(closes []float64, window int) float64 {
	n := len(closes)
	if n < 2 {
		return 0
	}
	if window > n-1 {
		window = n - 1
	}

	returns := make([]float64, 0, window)
	for i := n - window; i < n; i++ {
		if closes[i-1] > 0 {
			returns = append(returns, (closes[i]-closes[i-1])/closes[i-1])
		}
	}
	if len(returns) == 0 {
		return 0
	}

	m := mean(returns)
	var sumSquares float64
	for _, r := range returns {
		sumSquares += (r - m) * (r - m)
	}
	return math.Sqrt(sumSquares/float64(len(returns))) * 100
}

func mean(data []float64) float64 {
	if len(data) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range data {
		sum += v
	}
	return sum / float64(len(data))
}
