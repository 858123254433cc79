package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"leverageGuard/internal/adapters/logger" // Import the logger package for LogLevel
	"leverageGuard/internal/breaker"
	"leverageGuard/internal/gate"
	"leverageGuard/internal/risk"
	"leverageGuard/internal/sizing"
)

// TrailingLevel ratchets the stop once the favourable price move reaches
// TriggerPercent, locking LockPercent of profit (0 = breakeven).
type TrailingLevel struct {
	TriggerPercent float64
	LockPercent    float64
}

// EngineConfig holds the lifecycle controller timings and exit policy.
type EngineConfig struct {
	ScanInterval      time.Duration
	ReconcileInterval time.Duration
	MaxTradeAge       time.Duration
	ShutdownTimeout   time.Duration
	KlineInterval     string
	KlineLimit        int

	CloseAttempts int
	CloseDelay    time.Duration
	IOAttempts    int // Ledger writes and rate-limited entry orders
	IODelay       time.Duration

	TrailingLevels        []TrailingLevel // Ascending trigger
	PartialProfitPercent  float64         // Favourable price move that takes partial profit
	PartialFraction       float64         // Share of the open quantity closed
	HardStopPercent       float64         // P&L percent, negative
	HardTakeProfitPercent float64         // P&L percent
}

// DefaultEngineConfig returns the default engine configuration.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		ScanInterval:      30 * time.Second,
		ReconcileInterval: 15 * time.Second,
		MaxTradeAge:       15 * time.Minute,
		ShutdownTimeout:   time.Minute,
		KlineInterval:     "5m",
		KlineLimit:        100,
		CloseAttempts:     3,
		CloseDelay:        2 * time.Second,
		IOAttempts:        3,
		IODelay:           time.Second,
		TrailingLevels: []TrailingLevel{
			{TriggerPercent: 1, LockPercent: 0},
			{TriggerPercent: 2, LockPercent: 1},
			{TriggerPercent: 3, LockPercent: 2},
		},
		PartialProfitPercent:  2,
		PartialFraction:       0.5,
		HardStopPercent:       -15,
		HardTakeProfitPercent: 25,
	}
}

// Config holds all application configuration.
type Config struct {
	// Binance API
	APIKey    string
	SecretKey string
	IsTestnet bool

	QuoteAsset        string  // Margin asset whose balance is tracked
	RequestsPerSecond float64 // Client-side limit for REST calls
	RequestBurst      int

	// Database
	DBPath string

	// Logging
	LogLevel logger.LogLevel // Use the LogLevel type from the logger adapter

	// Metrics endpoint, empty disables it
	MetricsAddr string

	// EnvFile is re-read between ticks for live trading rules
	EnvFile string

	Engine  EngineConfig
	Breaker breaker.Config
	Gate    gate.Config
	Sizing  sizing.Config
	Risk    risk.RiskConfig
}

// LoadConfig loads configuration from environment variables (.env file).
func LoadConfig() (*Config, error) {
	// Load .env file, but don't fail if it doesn't exist (allow pure env vars)
	_ = godotenv.Load()
	return parseConfig(os.Getenv)
}

func parseConfig(e env) (*Config, error) {
	cfg := &Config{
		Engine:  DefaultEngineConfig(),
		Breaker: breaker.DefaultConfig(),
		Gate:    gate.DefaultConfig(),
		Sizing:  sizing.DefaultConfig(),
		Risk:    risk.DefaultConfig(),
	}
	var errs []string // Collect validation errors
	requireFloat := func(key string, def float64, valid func(float64) bool, msg string) float64 {
		v, err := e.getAsFloatRequired(key, def)
		if err != nil {
			errs = append(errs, fmt.Sprintf("invalid %s: %v", key, err))
			return def
		}
		if valid != nil && !valid(v) {
			errs = append(errs, key+" "+msg)
		}
		return v
	}
	requireInt := func(key string, def int, valid func(int) bool, msg string) int {
		v, err := e.getAsIntRequired(key, def)
		if err != nil {
			errs = append(errs, fmt.Sprintf("invalid %s: %v", key, err))
			return def
		}
		if valid != nil && !valid(v) {
			errs = append(errs, key+" "+msg)
		}
		return v
	}
	positive := func(v float64) bool { return v > 0 }
	nonNegative := func(v float64) bool { return v >= 0 }
	positiveInt := func(v int) bool { return v > 0 }
	fraction := func(v float64) bool { return v > 0 && v < 1 }
	seconds := func(key string, def time.Duration) time.Duration {
		return time.Duration(requireInt(key, int(def/time.Second), positiveInt, "must be positive")) * time.Second
	}

	// Binance API
	cfg.APIKey = e.get("BINANCE_API_KEY", "")
	cfg.SecretKey = e.get("BINANCE_API_SECRET", "")
	cfg.IsTestnet = e.getAsBool("IS_TESTNET", true) // Default to testnet for safety
	if cfg.APIKey == "" {
		errs = append(errs, "BINANCE_API_KEY must be set")
	}
	if cfg.SecretKey == "" {
		errs = append(errs, "BINANCE_API_SECRET must be set")
	}
	cfg.QuoteAsset = strings.ToUpper(e.get("QUOTE_ASSET", "USDT"))
	cfg.RequestsPerSecond = requireFloat("REQUESTS_PER_SECOND", 10, positive, "must be positive")
	cfg.RequestBurst = requireInt("REQUEST_BURST", 5, positiveInt, "must be positive")

	// Database
	cfg.DBPath = e.get("DB_PATH", "./data/leverage_guard.db")
	if cfg.DBPath == "" {
		errs = append(errs, "DB_PATH must be set")
	}

	// Logging
	cfg.LogLevel = logger.ParseLevel(e.get("LOG_LEVEL", "INFO"))
	cfg.MetricsAddr = e.get("METRICS_ADDR", ":9090")
	cfg.EnvFile = e.get("ENV_FILE", ".env")

	// Engine
	cfg.Engine.ScanInterval = seconds("SCAN_INTERVAL_SECONDS", cfg.Engine.ScanInterval)
	cfg.Engine.ReconcileInterval = seconds("RECONCILE_INTERVAL_SECONDS", cfg.Engine.ReconcileInterval)
	cfg.Engine.MaxTradeAge = time.Duration(requireInt("MAX_TRADE_AGE_MINUTES", 15, positiveInt, "must be positive")) * time.Minute
	cfg.Engine.ShutdownTimeout = seconds("SHUTDOWN_TIMEOUT_SECONDS", cfg.Engine.ShutdownTimeout)
	cfg.Engine.KlineInterval = e.get("KLINE_INTERVAL", cfg.Engine.KlineInterval)
	cfg.Engine.KlineLimit = requireInt("KLINE_LIMIT", cfg.Engine.KlineLimit, func(v int) bool { return v >= 50 }, "must be at least 50")
	cfg.Engine.CloseAttempts = requireInt("CLOSE_RETRY_ATTEMPTS", cfg.Engine.CloseAttempts, positiveInt, "must be positive")
	cfg.Engine.CloseDelay = seconds("CLOSE_RETRY_DELAY_SECONDS", cfg.Engine.CloseDelay)
	cfg.Engine.IOAttempts = requireInt("IO_RETRY_ATTEMPTS", cfg.Engine.IOAttempts, positiveInt, "must be positive")
	cfg.Engine.PartialProfitPercent = requireFloat("PARTIAL_PROFIT_PERCENT", cfg.Engine.PartialProfitPercent, positive, "must be positive")
	cfg.Engine.HardStopPercent = requireFloat("HARD_STOP_PERCENT", cfg.Engine.HardStopPercent, func(v float64) bool { return v < 0 }, "must be negative")
	cfg.Engine.HardTakeProfitPercent = requireFloat("HARD_TAKE_PROFIT_PERCENT", cfg.Engine.HardTakeProfitPercent, positive, "must be positive")

	// Circuit breaker
	cfg.Breaker.Cooldown = time.Duration(requireInt("BREAKER_COOLDOWN_MINUTES", 5, positiveInt, "must be positive")) * time.Minute
	cfg.Breaker.MinOperatingBalance = requireFloat("MIN_OPERATING_BALANCE", cfg.Breaker.MinOperatingBalance, nonNegative, "cannot be negative")
	cfg.Breaker.CriticalLossPercent = requireFloat("CRITICAL_LOSS_PERCENT", cfg.Breaker.CriticalLossPercent, nonNegative, "cannot be negative")

	// Decision gate
	cfg.Gate.ConfidenceSkew = requireFloat("CONFIDENCE_SKEW", cfg.Gate.ConfidenceSkew, func(v float64) bool { return v >= 0 && v < 0.5 }, "must be in [0, 0.5)")
	cfg.Gate.MinConfirmations = requireInt("MIN_CONFIRMATIONS", cfg.Gate.MinConfirmations, positiveInt, "must be positive")
	cfg.Gate.FundingThreshold = requireFloat("FUNDING_THRESHOLD", cfg.Gate.FundingThreshold, nonNegative, "cannot be negative")
	cfg.Gate.StopLossPercent = requireFloat("STOP_LOSS", cfg.Gate.StopLossPercent, fraction, "must be between 0.0 and 1.0 (exclusive)")
	cfg.Gate.TakeProfitPercent = requireFloat("TAKE_PROFIT", cfg.Gate.TakeProfitPercent, fraction, "must be between 0.0 and 1.0 (exclusive)")
	cfg.Gate.RSIOverbought = e.getAsFloat("RSI_OVERBOUGHT", cfg.Gate.RSIOverbought)
	cfg.Gate.RSIOversold = e.getAsFloat("RSI_OVERSOLD", cfg.Gate.RSIOversold)
	if cfg.Gate.RSIOverbought <= cfg.Gate.RSIOversold || cfg.Gate.RSIOverbought > 100 || cfg.Gate.RSIOversold < 0 {
		errs = append(errs, "invalid RSI thresholds (Overbought must be > Oversold, between 0-100)")
	}

	// Position sizing
	cfg.Sizing.MaxLeverage = requireInt("MAX_LEVERAGE", cfg.Sizing.MaxLeverage, func(v int) bool { return v > 0 && v <= 125 }, "must be between 1 and 125")
	ex := &cfg.Sizing.Exceptional
	ex.ConfidenceMargin = requireFloat("EXCEPTIONAL_CONFIDENCE_MARGIN", ex.ConfidenceMargin, nonNegative, "cannot be negative")
	ex.HighConfluence = requireFloat("EXCEPTIONAL_HIGH_CONFLUENCE", ex.HighConfluence, positive, "must be positive")
	ex.ExtremeConfluence = requireFloat("EXCEPTIONAL_EXTREME_CONFLUENCE", ex.ExtremeConfluence, positive, "must be positive")
	ex.PriorityConfidence = requireFloat("EXCEPTIONAL_PRIORITY_CONFIDENCE", ex.PriorityConfidence, fraction, "must be between 0.0 and 1.0 (exclusive)")
	ex.MinCriteria = requireInt("EXCEPTIONAL_MIN_CRITERIA", ex.MinCriteria, func(v int) bool { return v >= 1 && v <= 4 }, "must be between 1 and 4")

	// Account risk
	cfg.Risk.MaxDrawdown = requireFloat("MAX_DRAWDOWN", cfg.Risk.MaxDrawdown, fraction, "must be between 0.0 and 1.0 (exclusive)")
	cfg.Risk.MaxDailyLoss = requireFloat("MAX_DAILY_LOSS", cfg.Risk.MaxDailyLoss, fraction, "must be between 0.0 and 1.0 (exclusive)")
	cfg.Risk.MaxDailyTrades = requireInt("MAX_DAILY_TRADES", cfg.Risk.MaxDailyTrades, func(v int) bool { return v >= 0 }, "cannot be negative")

	// Combine validation errors
	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}

	return cfg, nil
}

// --- Env Var Helpers ---

// env looks up a raw value; an empty string means unset.
type env func(key string) string

func (e env) get(key, defaultValue string) string {
	value := strings.TrimSpace(e(key))
	if value == "" {
		return defaultValue
	}
	return value
}

func (e env) getAsInt(key string, defaultValue int) int {
	value, err := strconv.Atoi(e.get(key, strconv.Itoa(defaultValue)))
	if err != nil {
		return defaultValue
	}
	return value
}

func (e env) getAsIntRequired(key string, defaultValue int) (int, error) {
	valueStr := e.get(key, "")
	if valueStr == "" {
		// Use default if env var is not set at all
		return defaultValue, nil
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		// Return error if env var is set but invalid
		return 0, fmt.Errorf("invalid integer value '%s' for key %s: %w", valueStr, key, err)
	}
	return value, nil
}

func (e env) getAsFloat(key string, defaultValue float64) float64 {
	valueStr := e.get(key, "")
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func (e env) getAsFloatRequired(key string, defaultValue float64) (float64, error) {
	valueStr := e.get(key, "")
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid float value '%s' for key %s: %w", valueStr, key, err)
	}
	return value, nil
}

func (e env) getAsBool(key string, defaultValue bool) bool {
	valueStr := e.get(key, "")
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
