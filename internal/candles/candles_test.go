package candles

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func binanceServer(t *testing.T, rows int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v3/klines", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")

		fmt.Fprint(w, "[")
		for i := 0; i < rows; i++ {
			if i > 0 {
				fmt.Fprint(w, ",")
			}
			price := 50000 + float64(i)
			fmt.Fprintf(w, `[%d,"%.1f","%.1f","%.1f","%.1f","12.5","x","y"]`,
				1700000000000+int64(i)*60000, price, price+10, price-10, price+5)
		}
		fmt.Fprint(w, "]")
	}))
}

func failingServer() *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
}

func TestRecentCandlesFromBinance(t *testing.T) {
	srv := binanceServer(t, 60)
	defer srv.Close()

	svc := NewService()
	svc.SetBaseURL("binance", srv.URL)

	cs, source := svc.RecentCandles(context.Background(), 60)
	require.Len(t, cs, 60)
	assert.Equal(t, "binance", source)

	// Oldest first, string fields normalized to floats.
	assert.Equal(t, int64(1700000000000), cs[0].OpenTime)
	assert.Equal(t, 50000.0, cs[0].Open)
	assert.Equal(t, 50010.0, cs[0].High)
	assert.Equal(t, 49990.0, cs[0].Low)
	assert.Equal(t, 50005.0, cs[0].Close)
	assert.Equal(t, 12.5, cs[0].Volume)
	assert.Greater(t, cs[59].OpenTime, cs[0].OpenTime)
}

func TestRecentCandlesFallsBackToBybit(t *testing.T) {
	dead := failingServer()
	defer dead.Close()

	bybit := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v5/market/kline", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")

		// Bybit lists newest first.
		fmt.Fprint(w, `{"result":{"list":[`)
		for i := 59; i >= 0; i-- {
			if i < 59 {
				fmt.Fprint(w, ",")
			}
			fmt.Fprintf(w, `["%d","50000","50010","49990","50005","3.2","161616"]`,
				1700000000000+int64(i)*60000)
		}
		fmt.Fprint(w, `]}}`)
	}))
	defer bybit.Close()

	svc := NewService()
	svc.SetBaseURL("binance", dead.URL)
	svc.SetBaseURL("bybit", bybit.URL)

	cs, source := svc.RecentCandles(context.Background(), 60)
	require.Len(t, cs, 60)
	assert.Equal(t, "bybit", source)

	// Rows reversed to oldest first.
	assert.Equal(t, int64(1700000000000), cs[0].OpenTime)
	assert.True(t, cs[0].OpenTime < cs[59].OpenTime)
	assert.Equal(t, 3.2, cs[0].Volume)
}

func TestRecentCandlesCoinbaseNormalization(t *testing.T) {
	dead := failingServer()
	defer dead.Close()

	coinbase := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		// Coinbase rows: [time, low, high, open, close, volume], newest first.
		fmt.Fprint(w, "[")
		for i := 59; i >= 0; i-- {
			if i < 59 {
				fmt.Fprint(w, ",")
			}
			fmt.Fprintf(w, "[%d,49990,50010,50000,50005,7.5]", 1700000000+int64(i)*60)
		}
		fmt.Fprint(w, "]")
	}))
	defer coinbase.Close()

	svc := NewService()
	svc.SetBaseURL("binance", dead.URL)
	svc.SetBaseURL("bybit", dead.URL)
	svc.SetBaseURL("coinbase", coinbase.URL)

	cs, source := svc.RecentCandles(context.Background(), 60)
	require.Len(t, cs, 60)
	assert.Equal(t, "coinbase", source)

	// Seconds scaled to milliseconds, low/high/open reordered.
	assert.Equal(t, int64(1700000000)*1000, cs[0].OpenTime)
	assert.Equal(t, 50000.0, cs[0].Open)
	assert.Equal(t, 50010.0, cs[0].High)
	assert.Equal(t, 49990.0, cs[0].Low)
	assert.Equal(t, 50005.0, cs[0].Close)
}

func TestRecentCandlesKrakenNormalization(t *testing.T) {
	dead := failingServer()
	defer dead.Close()

	kraken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		fmt.Fprint(w, `{"result":{"XXBTZUSD":[`)
		for i := 0; i < 60; i++ {
			if i > 0 {
				fmt.Fprint(w, ",")
			}
			fmt.Fprintf(w, `[%d,"50000","50010","49990","50005","50002","9.9",42]`,
				1700000000+int64(i)*60)
		}
		fmt.Fprint(w, `],"last":1700003540}}`)
	}))
	defer kraken.Close()

	svc := NewService()
	svc.SetBaseURL("binance", dead.URL)
	svc.SetBaseURL("bybit", dead.URL)
	svc.SetBaseURL("coinbase", dead.URL)
	svc.SetBaseURL("kraken", kraken.URL)

	cs, source := svc.RecentCandles(context.Background(), 60)
	require.Len(t, cs, 60)
	assert.Equal(t, "kraken", source)

	// Volume sits at index 6, vwap at 5 is skipped.
	assert.Equal(t, 9.9, cs[0].Volume)
	assert.Equal(t, int64(1700000000)*1000, cs[0].OpenTime)
}

func TestRecentCandlesAllSourcesDown(t *testing.T) {
	dead := failingServer()
	defer dead.Close()

	svc := NewService()
	for _, name := range []string{"binance", "bybit", "coinbase", "kraken"} {
		svc.SetBaseURL(name, dead.URL)
	}

	cs, source := svc.RecentCandles(context.Background(), 60)
	assert.Nil(t, cs)
	assert.Empty(t, source)
}

func TestRecentCandlesServesFromCache(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, "[")
		for i := 0; i < 60; i++ {
			if i > 0 {
				fmt.Fprint(w, ",")
			}
			fmt.Fprintf(w, `[%d,"50000","50010","49990","50005","1.0"]`, int64(i)*60000)
		}
		fmt.Fprint(w, "]")
	}))
	defer srv.Close()

	svc := NewService()
	svc.SetBaseURL("binance", srv.URL)

	first, _ := svc.RecentCandles(context.Background(), 60)
	second, _ := svc.RecentCandles(context.Background(), 30)
	require.NotNil(t, first)
	require.Len(t, second, 30)
	assert.Equal(t, 1, hits)

	// Shorter reads come from the tail of the cached window.
	assert.Equal(t, first[30:], second)
}

func TestRecentCandlesCacheExpires(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, "[")
		for i := 0; i < 60; i++ {
			if i > 0 {
				fmt.Fprint(w, ",")
			}
			fmt.Fprintf(w, `[%d,"50000","50010","49990","50005","1.0"]`, int64(i)*60000)
		}
		fmt.Fprint(w, "]")
	}))
	defer srv.Close()

	svc := NewService()
	svc.SetBaseURL("binance", srv.URL)
	svc.ttl = 10 * time.Millisecond

	svc.RecentCandles(context.Background(), 60)
	time.Sleep(20 * time.Millisecond)
	svc.RecentCandles(context.Background(), 60)
	assert.Equal(t, 2, hits)
}

func TestTail(t *testing.T) {
	cs := []Candle{{OpenTime: 1}, {OpenTime: 2}, {OpenTime: 3}}

	assert.Equal(t, cs, tail(cs, 5))
	assert.Equal(t, []Candle{{OpenTime: 2}, {OpenTime: 3}}, tail(cs, 2))

	// tail copies; mutating the result must not touch the cache.
	out := tail(cs, 3)
	out[0].OpenTime = 99
	assert.Equal(t, int64(1), cs[0].OpenTime)
}
