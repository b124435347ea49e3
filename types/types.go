package types

import (
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SHARED TYPES - Avoid import cycles
// ═══════════════════════════════════════════════════════════════════════════════

// Position represents an open spot position keyed by its entry order id
type Position struct {
	ID                  string
	Symbol              string
	Quantity            decimal.Decimal
	EntryPrice          decimal.Decimal // Volume-weighted cost basis
	StopPrice           decimal.Decimal // Only ratchets up
	HighestPrice        decimal.Decimal // High water mark since open
	ScaleOutLevelsTaken []decimal.Decimal
	ScaleInAttempts     int
	OpenedAt            time.Time
}

// Clone returns a deep copy safe to hand outside the store
func (p Position) Clone() Position {
	if p.ScaleOutLevelsTaken != nil {
		levels := make([]decimal.Decimal, len(p.ScaleOutLevelsTaken))
		copy(levels, p.ScaleOutLevelsTaken)
		p.ScaleOutLevelsTaken = levels
	}
	return p
}

// LevelTaken reports whether a scale-out level was already executed
func (p Position) LevelTaken(level decimal.Decimal) bool {
	for _, l := range p.ScaleOutLevelsTaken {
		if l.Equal(level) {
			return true
		}
	}
	return false
}

// ProfitPct returns the unrealized profit in percent of entry at price
func (p Position) ProfitPct(price decimal.Decimal) decimal.Decimal {
	if p.EntryPrice.IsZero() {
		return decimal.Zero
	}
	return price.Sub(p.EntryPrice).Div(p.EntryPrice).Mul(decimal.NewFromInt(100))
}

// ═══════════════════════════════════════════════════════════════════════════════
// SENTIMENT - Structured output of the external analysis service
// ═══════════════════════════════════════════════════════════════════════════════

// SentimentCategory is the market mood reported by the analysis service
type SentimentCategory string

const (
	SentimentBullish SentimentCategory = "bullish"
	SentimentBearish SentimentCategory = "bearish"
	SentimentNeutral SentimentCategory = "neutral"
)

// TrendDirection is the trend reported by the analysis service
type TrendDirection string

const (
	TrendUp       TrendDirection = "up"
	TrendDown     TrendDirection = "down"
	TrendSideways TrendDirection = "sideways"
)

// Sentiment is one structured sentiment reading
type Sentiment struct {
	Category   SentimentCategory `json:"sentiment"`
	Trend      TrendDirection    `json:"trend"`
	Confidence float64           `json:"confidence"`
}

// Valid checks the reading is well-formed
func (s Sentiment) Valid() bool {
	switch s.Category {
	case SentimentBullish, SentimentBearish, SentimentNeutral:
	default:
		return false
	}
	switch s.Trend {
	case TrendUp, TrendDown, TrendSideways:
	default:
		return false
	}
	if math.IsNaN(s.Confidence) {
		return false
	}
	return s.Confidence >= 0 && s.Confidence <= 1
}

// ═══════════════════════════════════════════════════════════════════════════════
// RECORDS - Display shapes for Telegram and the status API
// ═══════════════════════════════════════════════════════════════════════════════

// TradeRecord for display (Telegram bot)
type TradeRecord struct {
	ID        string          `json:"id"`
	Symbol    string          `json:"symbol"`
	Action    string          `json:"action"`
	Price     decimal.Decimal `json:"price"`
	Quantity  decimal.Decimal `json:"quantity"`
	PnL       decimal.Decimal `json:"pnl"`
	Reason    string          `json:"reason"`
	Timestamp time.Time       `json:"timestamp"`
}

// PositionRecord for display (Telegram bot)
type PositionRecord struct {
	ID              string          `json:"id"`
	Symbol          string          `json:"symbol"`
	Quantity        decimal.Decimal `json:"quantity"`
	EntryPrice      decimal.Decimal `json:"entry_price"`
	StopPrice       decimal.Decimal `json:"stop_price"`
	HighestPrice    decimal.Decimal `json:"highest_price"`
	ScaleInAttempts int             `json:"scale_in_attempts"`
	LevelsTaken     int             `json:"scale_out_levels_taken"`
	OpenedAt        time.Time       `json:"opened_at"`
}

// NewPositionRecord flattens a position for display
func NewPositionRecord(p Position) PositionRecord {
	return PositionRecord{
		ID:              p.ID,
		Symbol:          p.Symbol,
		Quantity:        p.Quantity,
		EntryPrice:      p.EntryPrice,
		StopPrice:       p.StopPrice,
		HighestPrice:    p.HighestPrice,
		ScaleInAttempts: p.ScaleInAttempts,
		LevelsTaken:     len(p.ScaleOutLevelsTaken),
		OpenedAt:        p.OpenedAt,
	}
}

// TradeEvent is a fill reported to notifiers
type TradeEvent struct {
	Action     string // OPEN, SCALE_IN, SCALE_OUT, CLOSE
	PositionID string
	OrderID    string
	Symbol     string
	Side       string
	Price      decimal.Decimal
	Quantity   decimal.Decimal
	PnL        decimal.Decimal
	Reason     string
	Timestamp  time.Time
}

// TradeStats aggregates realized results
type TradeStats struct {
	Entries     int64           `json:"entries"`
	Closed      int             `json:"closed"`
	Wins        int             `json:"wins"`
	Losses      int             `json:"losses"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	WinRate     float64         `json:"win_rate"`
}

// BotStatus is the live engine state shown by /status and the API
type BotStatus struct {
	Symbol         string          `json:"symbol"`
	QuoteAsset     string          `json:"quote_asset"`
	DryRun         bool            `json:"dry_run"`
	Paused         bool            `json:"paused"`
	CircuitOpen    bool            `json:"circuit_open"`
	OpenPositions  int             `json:"open_positions"`
	DailyTrades    int             `json:"daily_trades"`
	MaxDailyTrades int             `json:"max_daily_trades"`
	LastTradeTime  time.Time       `json:"last_trade_time"`
	TradingDay     string          `json:"trading_day"`
	LastPrice      decimal.Decimal `json:"last_price"`
	LastVerdict    string          `json:"last_verdict"`
	LastAnalysis   time.Time       `json:"last_analysis"`
	StartedAt      time.Time       `json:"started_at"`
}
