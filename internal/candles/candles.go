// Package candles fetches 1-minute BTCUSDT OHLCV candles from spot
// exchanges with ordered fallbacks and a short-lived cache.
package candles

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
)

// Candle is a normalized 1-minute OHLCV candle.
type Candle struct {
	OpenTime int64 // unix milliseconds
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   float64
}

const (
	defaultCacheTTL   = 30 * time.Second
	defaultFetchLimit = 60
)

type fetchFunc func(ctx context.Context, client *http.Client, baseURL string, limit int) ([]Candle, error)

type source struct {
	name    string
	baseURL string
	fetch   fetchFunc
	breaker *gobreaker.CircuitBreaker
}

// Service fetches candles through an ordered fallback chain:
// Binance -> Bybit -> Coinbase -> Kraken. Each source sits behind a
// circuit breaker so a dead exchange is skipped quickly on later scans.
type Service struct {
	client  *http.Client
	sources []*source

	mu           sync.Mutex
	cached       []Candle
	cachedAt     time.Time
	cachedSource string
	ttl          time.Duration
}

// NewService creates a candle service with the default source chain.
func NewService() *Service {
	s := &Service{
		client: &http.Client{Timeout: 10 * time.Second},
		ttl:    defaultCacheTTL,
	}

	chain := []struct {
		name    string
		baseURL string
		fetch   fetchFunc
	}{
		{"binance", "https://api.binance.com", fetchBinance},
		{"bybit", "https://api.bybit.com", fetchBybit},
		{"coinbase", "https://api.exchange.coinbase.com", fetchCoinbase},
		{"kraken", "https://api.kraken.com", fetchKraken},
	}

	for _, c := range chain {
		s.sources = append(s.sources, &source{
			name:    c.name,
			baseURL: c.baseURL,
			fetch:   c.fetch,
			breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
				Name:    "candles-" + c.name,
				Timeout: 60 * time.Second,
				ReadyToTrip: func(counts gobreaker.Counts) bool {
					return counts.ConsecutiveFailures >= 3
				},
			}),
		})
	}

	return s
}

// SetBaseURL overrides a source endpoint. Used by tests.
func (s *Service) SetBaseURL(name, baseURL string) {
	for _, src := range s.sources {
		if src.name == name {
			src.baseURL = baseURL
		}
	}
}

// RecentCandles returns up to limit recent 1-minute candles, oldest
// first, plus the exchange that supplied them. Returns nil when every
// source fails; callers must tolerate that.
func (s *Service) RecentCandles(ctx context.Context, limit int) ([]Candle, string) {
	if limit <= 0 {
		limit = defaultFetchLimit
	}

	s.mu.Lock()
	if s.cached != nil && time.Since(s.cachedAt) < s.ttl && len(s.cached) >= limit {
		candles := tail(s.cached, limit)
		sourceName := s.cachedSource
		s.mu.Unlock()
		return candles, sourceName
	}
	s.mu.Unlock()

	fetchLimit := limit
	if fetchLimit < defaultFetchLimit {
		fetchLimit = defaultFetchLimit
	}

	for _, src := range s.sources {
		result, err := src.breaker.Execute(func() (interface{}, error) {
			return src.fetch(ctx, s.client, src.baseURL, fetchLimit)
		})
		if err != nil {
			log.Warn().Err(err).Str("source", src.name).Msg("Candle fetch failed, trying next source")
			continue
		}

		candles := result.([]Candle)
		if len(candles) == 0 {
			log.Warn().Str("source", src.name).Msg("Candle source returned no rows")
			continue
		}

		s.mu.Lock()
		s.cached = candles
		s.cachedAt = time.Now()
		s.cachedSource = src.name
		s.mu.Unlock()

		log.Debug().Str("source", src.name).Int("candles", len(candles)).Msg("Candles refreshed")
		return tail(candles, limit), src.name
	}

	log.Warn().Msg("All candle sources failed (binance/bybit/coinbase/kraken)")
	return nil, ""
}

func tail(candles []Candle, limit int) []Candle {
	if len(candles) <= limit {
		out := make([]Candle, len(candles))
		copy(out, candles)
		return out
	}
	out := make([]Candle, limit)
	copy(out, candles[len(candles)-limit:])
	return out
}

// --- per-source fetchers ---

func getJSON(ctx context.Context, client *http.Client, rawURL string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// toFloat normalizes JSON numbers that arrive as either strings or floats.
func toFloat(v interface{}) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case string:
		f, _ := strconv.ParseFloat(x, 64)
		return f
	case json.Number:
		f, _ := x.Float64()
		return f
	default:
		return 0
	}
}

func toMillis(v interface{}) int64 {
	return int64(toFloat(v))
}

// Binance: [[openTime, "o", "h", "l", "c", "v", ...], ...] oldest first.
func fetchBinance(ctx context.Context, client *http.Client, baseURL string, limit int) ([]Candle, error) {
	u := fmt.Sprintf("%s/api/v3/klines?symbol=BTCUSDT&interval=1m&limit=%d", baseURL, limit)

	var rows [][]interface{}
	if err := getJSON(ctx, client, u, &rows); err != nil {
		return nil, err
	}

	candles := make([]Candle, 0, len(rows))
	for _, r := range rows {
		if len(r) < 6 {
			continue
		}
		candles = append(candles, Candle{
			OpenTime: toMillis(r[0]),
			Open:     toFloat(r[1]),
			High:     toFloat(r[2]),
			Low:      toFloat(r[3]),
			Close:    toFloat(r[4]),
			Volume:   toFloat(r[5]),
		})
	}
	return candles, nil
}

// Bybit: result.list rows are ["ts","o","h","l","c","v","turnover"], newest first.
func fetchBybit(ctx context.Context, client *http.Client, baseURL string, limit int) ([]Candle, error) {
	u := fmt.Sprintf("%s/v5/market/kline?category=spot&symbol=BTCUSDT&interval=1&limit=%d", baseURL, limit)

	var payload struct {
		Result struct {
			List [][]string `json:"list"`
		} `json:"result"`
	}
	if err := getJSON(ctx, client, u, &payload); err != nil {
		return nil, err
	}

	rows := payload.Result.List
	candles := make([]Candle, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		r := rows[i]
		if len(r) < 6 {
			continue
		}
		ts, _ := strconv.ParseInt(r[0], 10, 64)
		candles = append(candles, Candle{
			OpenTime: ts,
			Open:     toFloat(r[1]),
			High:     toFloat(r[2]),
			Low:      toFloat(r[3]),
			Close:    toFloat(r[4]),
			Volume:   toFloat(r[5]),
		})
	}
	return candles, nil
}

// Coinbase: [[time, low, high, open, close, volume], ...] newest first,
// time in seconds.
func fetchCoinbase(ctx context.Context, client *http.Client, baseURL string, limit int) ([]Candle, error) {
	end := time.Now().UTC()
	start := end.Add(-time.Duration(limit) * time.Minute)
	u := fmt.Sprintf("%s/products/BTC-USD/candles?granularity=60&start=%s&end=%s",
		baseURL, url.QueryEscape(start.Format(time.RFC3339)), url.QueryEscape(end.Format(time.RFC3339)))

	var rows [][]float64
	if err := getJSON(ctx, client, u, &rows); err != nil {
		return nil, err
	}

	candles := make([]Candle, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		r := rows[i]
		if len(r) < 6 {
			continue
		}
		candles = append(candles, Candle{
			OpenTime: int64(r[0]) * 1000,
			Open:     r[3],
			High:     r[2],
			Low:      r[1],
			Close:    r[4],
			Volume:   r[5],
		})
	}
	return candles, nil
}

// Kraken: result.<PAIR> rows are [ts, "o", "h", "l", "c", "vwap", "vol", n],
// oldest first, ts in seconds. The pair key is usually XXBTZUSD.
func fetchKraken(ctx context.Context, client *http.Client, baseURL string, limit int) ([]Candle, error) {
	u := fmt.Sprintf("%s/0/public/OHLC?pair=XBTUSD&interval=1", baseURL)

	var payload struct {
		Result map[string]json.RawMessage `json:"result"`
	}
	if err := getJSON(ctx, client, u, &payload); err != nil {
		return nil, err
	}

	var rows [][]interface{}
	for key, raw := range payload.Result {
		if key == "last" {
			continue
		}
		if err := json.Unmarshal(raw, &rows); err != nil {
			return nil, fmt.Errorf("kraken ohlc rows: %w", err)
		}
		break
	}

	if len(rows) > limit {
		rows = rows[len(rows)-limit:]
	}

	candles := make([]Candle, 0, len(rows))
	for _, r := range rows {
		if len(r) < 7 {
			continue
		}
		candles = append(candles, Candle{
			OpenTime: toMillis(r[0]) * 1000,
			Open:     toFloat(r[1]),
			High:     toFloat(r[2]),
			Low:      toFloat(r[3]),
			Close:    toFloat(r[4]),
			Volume:   toFloat(r[6]),
		})
	}
	return candles, nil
}
