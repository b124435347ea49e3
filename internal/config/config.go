package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/spotbot/risk"
)

// ErrMissing is wrapped when a required variable is unset
var ErrMissing = errors.New("required setting missing")

// Config holds all configuration for the bot
type Config struct {
	// Telegram
	TelegramToken  string
	TelegramChatID int64

	// Trading pair
	TradingPair string
	QuoteAsset  string

	// Mode
	DryRun bool
	Debug  bool

	// Binance
	BinanceAPIKey    string
	BinanceAPISecret string
	BinanceBaseURL   string
	BinanceWSURL     string
	KlineInterval    string
	KlineLimit       int
	DryRunBalance    decimal.Decimal

	// Risk
	Risk risk.Config

	// Circuit breaker, disabled when both limits are zero
	CircuitMaxLosses    int
	CircuitMaxDailyLoss decimal.Decimal
	CircuitCooldown     time.Duration

	// Sentiment service
	SentimentURL     string
	SentimentAPIKey  string
	SentimentTimeout time.Duration

	// Scheduling
	AnalysisInterval time.Duration
	PositionInterval time.Duration
	PriceStaleAfter  time.Duration

	// Status API
	APIAddr string

	// Database
	DatabasePath string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		// Telegram
		TelegramToken: os.Getenv("TELEGRAM_BOT_TOKEN"),

		// Trading
		TradingPair: strings.ToUpper(os.Getenv("TRADING_PAIR")),
		QuoteAsset:  strings.ToUpper(getEnv("QUOTE_ASSET", "USDT")),
		DryRun:      getEnvBool("DRY_RUN", true),
		Debug:       getEnvBool("DEBUG", false),

		// Binance
		BinanceAPIKey:    os.Getenv("BINANCE_API_KEY"),
		BinanceAPISecret: os.Getenv("BINANCE_API_SECRET"),
		BinanceBaseURL:   getEnv("BINANCE_BASE_URL", "https://api.binance.com"),
		BinanceWSURL:     getEnv("BINANCE_WS_URL", "wss://stream.binance.com:9443/ws"),
		KlineInterval:    getEnv("KLINE_INTERVAL", "5m"),
		KlineLimit:       getEnvInt("KLINE_LIMIT", 100),
		DryRunBalance:    getEnvDecimal("DRY_RUN_BALANCE", decimal.NewFromInt(1000)),

		// Circuit breaker
		CircuitMaxLosses:    getEnvInt("CIRCUIT_MAX_LOSSES", 0),
		CircuitMaxDailyLoss: getEnvDecimal("CIRCUIT_MAX_DAILY_LOSS", decimal.Zero),
		CircuitCooldown:     getEnvDuration("CIRCUIT_COOLDOWN", 4*time.Hour),

		// Sentiment
		SentimentURL:     os.Getenv("SENTIMENT_URL"),
		SentimentAPIKey:  os.Getenv("SENTIMENT_API_KEY"),
		SentimentTimeout: getEnvDuration("SENTIMENT_TIMEOUT", 30*time.Second),

		// Scheduling
		AnalysisInterval: getEnvDuration("ANALYSIS_INTERVAL", time.Hour),
		PositionInterval: getEnvDuration("POSITION_INTERVAL", time.Minute),
		PriceStaleAfter:  getEnvDuration("PRICE_STALE_AFTER", 30*time.Second),

		APIAddr: os.Getenv("API_ADDR"),

		// Database
		DatabasePath: getEnv("DATABASE_PATH", "data/spotbot.db"),
	}

	if cfg.TradingPair == "" {
		return nil, fmt.Errorf("%w: TRADING_PAIR", ErrMissing)
	}
	if !strings.HasSuffix(cfg.TradingPair, cfg.QuoteAsset) {
		return nil, fmt.Errorf("TRADING_PAIR %s does not quote in %s", cfg.TradingPair, cfg.QuoteAsset)
	}
	if !cfg.DryRun && (cfg.BinanceAPIKey == "" || cfg.BinanceAPISecret == "") {
		return nil, fmt.Errorf("%w: BINANCE_API_KEY and BINANCE_API_SECRET are required when DRY_RUN=false", ErrMissing)
	}
	if cfg.KlineLimit < 50 {
		return nil, fmt.Errorf("KLINE_LIMIT must be at least 50, got %d", cfg.KlineLimit)
	}
	if cfg.AnalysisInterval <= 0 || cfg.PositionInterval <= 0 {
		return nil, fmt.Errorf("ANALYSIS_INTERVAL and POSITION_INTERVAL must be positive")
	}

	riskCfg, err := loadRisk()
	if err != nil {
		return nil, err
	}
	cfg.Risk = riskCfg

	// Parse chat ID
	if chatID := os.Getenv("TELEGRAM_CHAT_ID"); chatID != "" {
		id, err := strconv.ParseInt(chatID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid TELEGRAM_CHAT_ID: %w", err)
		}
		cfg.TelegramChatID = id
	}

	return cfg, nil
}

// loadRisk reads the trading parameters. They have no defaults except the
// cooldown and quantity precision.
func loadRisk() (risk.Config, error) {
	var (
		rc  risk.Config
		err error
	)

	decimals := []struct {
		key string
		dst *decimal.Decimal
	}{
		{"INITIAL_INVESTMENT", &rc.Investment},
		{"INITIAL_STOP_LOSS_PERCENTAGE", &rc.InitialStopLossPct},
		{"TRAILING_STOP_PERCENTAGE", &rc.TrailingStopPct},
		{"SCALE_IN_ON_DIP_PERCENTAGE", &rc.ScaleInDipPct},
		{"MIN_24H_VOLUME", &rc.MinVolume24h},
		{"MAX_24H_PRICE_CHANGE_PERCENTAGE", &rc.MaxPriceChange24hPct},
		{"MIN_NOTIONAL", &rc.MinNotional},
	}
	for _, f := range decimals {
		if *f.dst, err = requireDecimal(f.key); err != nil {
			return risk.Config{}, err
		}
	}

	if rc.MaxTradesPerDay, err = requireInt("MAX_TRADES_PER_DAY"); err != nil {
		return risk.Config{}, err
	}
	if rc.MaxScaleInAttempts, err = requireInt("MAX_SCALE_IN_ATTEMPTS"); err != nil {
		return risk.Config{}, err
	}

	rc.Cooldown = getEnvDuration("TRADE_COOLDOWN", risk.DefaultCooldown)
	rc.QuantityPrecision = int32(getEnvInt("QUANTITY_PRECISION", int(risk.DefaultQuantityPrecision)))

	if rc.ScaleOutLevels, err = parseScaleOut(os.Getenv("SCALE_OUT_LEVELS"), os.Getenv("SCALE_OUT_PERCENTAGES")); err != nil {
		return risk.Config{}, err
	}

	if err := rc.Validate(); err != nil {
		return risk.Config{}, err
	}
	return rc, nil
}

// parseScaleOut pairs two comma separated lists. Both empty means no levels.
func parseScaleOut(levels, pcts string) ([]risk.ScaleOutLevel, error) {
	lv := splitList(levels)
	pc := splitList(pcts)
	if len(lv) != len(pc) {
		return nil, fmt.Errorf("SCALE_OUT_LEVELS has %d entries but SCALE_OUT_PERCENTAGES has %d", len(lv), len(pc))
	}

	out := make([]risk.ScaleOutLevel, 0, len(lv))
	for i := range lv {
		level, err := decimal.NewFromString(lv[i])
		if err != nil {
			return nil, fmt.Errorf("invalid SCALE_OUT_LEVELS entry %q: %w", lv[i], err)
		}
		pct, err := decimal.NewFromString(pc[i])
		if err != nil {
			return nil, fmt.Errorf("invalid SCALE_OUT_PERCENTAGES entry %q: %w", pc[i], err)
		}
		out = append(out, risk.ScaleOutLevel{ProfitPct: level, SellPct: pct})
	}
	return out, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Helper functions

func requireDecimal(key string) (decimal.Decimal, error) {
	value := os.Getenv(key)
	if value == "" {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrMissing, key)
	}
	d, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func requireInt(key string) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return 0, fmt.Errorf("%w: %s", ErrMissing, key)
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return i, nil
}

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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return defaultValue
}
