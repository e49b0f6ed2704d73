// Package config loads bot configuration from environment variables.
package config

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Config holds all configuration for the bot.
// Built once at startup and treated as read-only afterwards.
type Config struct {
	// Mode
	SimulationMode bool
	Debug          bool

	// Venue API
	GammaAPIURL string

	// Bankroll and sizing
	InitialBankroll  decimal.Decimal
	KellyFraction    float64
	MaxTradeSize     decimal.Decimal // hard dollar cap per trade
	MinTradeSize     decimal.Decimal // clamp small signals up to this
	MaxTradeFraction float64         // fraction of bankroll cap per trade

	// Entry filters
	MinEdgeThreshold float64
	MaxEntryPrice    float64
	MinTimeRemaining time.Duration
	MaxTimeRemaining time.Duration
	MinMarketVolume  decimal.Decimal

	// Exposure and risk
	MaxTradesPerWindow    int
	MaxTotalPendingTrades int
	MaxTradesPerScan      int
	DailyLossLimit        decimal.Decimal

	// Composite signal weights (must sum to 1.0)
	WeightRSI        float64
	WeightMomentum   float64
	WeightVWAP       float64
	WeightSMA        float64
	WeightMarketSkew float64

	// Job cadences
	ScanInterval       time.Duration
	SettlementInterval time.Duration

	// Database
	DatabaseURL string
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		SimulationMode: getEnvBool("SIMULATION_MODE", true),
		Debug:          getEnvBool("DEBUG", false),

		GammaAPIURL: getEnv("POLYMARKET_API_URL", "https://gamma-api.polymarket.com"),

		InitialBankroll:  getEnvDecimal("INITIAL_BANKROLL", decimal.NewFromInt(10000)),
		KellyFraction:    getEnvFloat("KELLY_FRACTION", 0.10),
		MaxTradeSize:     getEnvDecimal("MAX_TRADE_SIZE", decimal.NewFromInt(50)),
		MinTradeSize:     getEnvDecimal("MIN_TRADE_SIZE", decimal.NewFromInt(10)),
		MaxTradeFraction: getEnvFloat("MAX_TRADE_FRACTION", 0.08),

		MinEdgeThreshold: getEnvFloat("MIN_EDGE_THRESHOLD", 0.05),
		MaxEntryPrice:    getEnvFloat("MAX_ENTRY_PRICE", 0.48),
		MinTimeRemaining: getEnvSeconds("MIN_TIME_REMAINING", 90),
		MaxTimeRemaining: getEnvSeconds("MAX_TIME_REMAINING", 270),
		MinMarketVolume:  getEnvDecimal("MIN_MARKET_VOLUME", decimal.NewFromInt(100)),

		MaxTradesPerWindow:    getEnvInt("MAX_TRADES_PER_WINDOW", 1),
		MaxTotalPendingTrades: getEnvInt("MAX_TOTAL_PENDING_TRADES", 8),
		MaxTradesPerScan:      getEnvInt("MAX_TRADES_PER_SCAN", 10),
		DailyLossLimit:        getEnvDecimal("DAILY_LOSS_LIMIT", decimal.NewFromInt(200)),

		WeightRSI:        getEnvFloat("WEIGHT_RSI", 0.20),
		WeightMomentum:   getEnvFloat("WEIGHT_MOMENTUM", 0.35),
		WeightVWAP:       getEnvFloat("WEIGHT_VWAP", 0.20),
		WeightSMA:        getEnvFloat("WEIGHT_SMA", 0.15),
		WeightMarketSkew: getEnvFloat("WEIGHT_MARKET_SKEW", 0.10),

		ScanInterval:       getEnvSeconds("SCAN_INTERVAL_SECONDS", 90),
		SettlementInterval: getEnvSeconds("SETTLEMENT_INTERVAL_SECONDS", 120),

		DatabaseURL: getEnv("DATABASE_URL", "data/updownbot.db"),
	}

	weightSum := cfg.WeightRSI + cfg.WeightMomentum + cfg.WeightVWAP + cfg.WeightSMA + cfg.WeightMarketSkew
	if math.Abs(weightSum-1.0) > 0.001 {
		return nil, fmt.Errorf("signal weights must sum to 1.0, got %.3f", weightSum)
	}

	if cfg.KellyFraction <= 0 || cfg.KellyFraction > 1 {
		return nil, fmt.Errorf("KELLY_FRACTION must be in (0, 1], got %.2f", cfg.KellyFraction)
	}

	if cfg.MinTimeRemaining >= cfg.MaxTimeRemaining {
		return nil, fmt.Errorf("MIN_TIME_REMAINING must be below MAX_TIME_REMAINING")
	}

	return cfg, nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvSeconds(key string, defaultSeconds int) time.Duration {
	return time.Duration(getEnvInt(key, defaultSeconds)) * time.Second
}

func getEnvDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return defaultValue
}
