package risk

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/spotbot/internal/indicators"
	"github.com/web3guy0/spotbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// DECISION GATE - Central entry approval
// ═══════════════════════════════════════════════════════════════════════════════
//
// Analysis asks → Gate approves/rejects → Engine executes
//
// Admission checks run first (daily limit, cooldown, 24h volume, 24h move,
// notional), then the sentiment and indicator fusion. Every rejection carries
// its own reason code. The gate never fails.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Entry thresholds for the indicator/sentiment fusion
const (
	MinSentimentConfidence = 0.7
	MinTrendStrength       = 0.6
	RSILowerBound          = 30.0
	RSIUpperBound          = 70.0
)

// Action is the gate's verdict
type Action string

const (
	ActionEnter    Action = "ENTER"
	ActionNoAction Action = "NO_ACTION"
)

// Reason explains a verdict
type Reason string

const (
	ReasonApproved          Reason = "APPROVED"
	ReasonDailyLimit        Reason = "DAILY_TRADE_LIMIT"
	ReasonCooldown          Reason = "COOLDOWN_ACTIVE"
	ReasonLowVolume         Reason = "INSUFFICIENT_24H_VOLUME"
	ReasonPriceMove         Reason = "EXCESSIVE_24H_PRICE_CHANGE"
	ReasonInvalidPrice      Reason = "INVALID_PRICE"
	ReasonNotionalTooSmall  Reason = "NOTIONAL_TOO_SMALL"
	ReasonSignalUnavailable Reason = "SIGNAL_UNAVAILABLE"
	ReasonInsufficientData  Reason = "INSUFFICIENT_DATA"
	ReasonNotBullish        Reason = "SENTIMENT_NOT_BULLISH"
	ReasonLowConfidence     Reason = "LOW_CONFIDENCE"
	ReasonWeakTrend         Reason = "WEAK_TREND"
	ReasonRSIOutOfBand      Reason = "RSI_OUT_OF_BAND"
)

// MarketSnapshot carries the ticker data the admission checks need
type MarketSnapshot struct {
	Price             decimal.Decimal
	Volume24h         decimal.Decimal
	PriceChange24hPct decimal.Decimal
}

// Request is everything the gate looks at
type Request struct {
	Indicators indicators.Bundle
	Sentiment  *types.Sentiment // nil when the analysis service gave nothing usable
	Market     MarketSnapshot
	State      Snapshot
	Now        time.Time
}

// Verdict is the gate's answer
type Verdict struct {
	Action   Action
	Reason   Reason
	Detail   string
	Quantity decimal.Decimal // Set on ENTER
	Price    decimal.Decimal
	Notional decimal.Decimal
}

// ShouldEnter reports an ENTER verdict
func (v Verdict) ShouldEnter() bool {
	return v.Action == ActionEnter
}

// Gate is the stateless entry decision function
type Gate struct {
	cfg Config
}

// NewGate creates a gate for cfg
func NewGate(cfg Config) *Gate {
	return &Gate{cfg: cfg}
}

func rejection(reason Reason, detail string, price decimal.Decimal) Verdict {
	log.Debug().
		Str("reason", string(reason)).
		Str("detail", detail).
		Msg("🚫 Entry rejected")
	return Verdict{
		Action: ActionNoAction,
		Reason: reason,
		Detail: detail,
		Price:  price,
	}
}

// Schedule runs the checks that need no market data (daily limit, cooldown).
// ok is false with the rejection when either fails.
func (g *Gate) Schedule(state Snapshot, now time.Time) (v Verdict, ok bool) {
	if state.DailyTrades >= g.cfg.MaxTradesPerDay {
		return rejection(ReasonDailyLimit, fmt.Sprintf("%d/%d trades today", state.DailyTrades, g.cfg.MaxTradesPerDay), decimal.Zero), false
	}

	if !state.LastTradeTime.IsZero() {
		if elapsed := now.Sub(state.LastTradeTime); elapsed < g.cfg.Cooldown {
			remaining := g.cfg.Cooldown - elapsed
			return rejection(ReasonCooldown, fmt.Sprintf("%.0fs remaining", remaining.Seconds()), decimal.Zero), false
		}
	}

	return Verdict{}, true
}

// Evaluate produces a verdict for req
func (g *Gate) Evaluate(req Request) Verdict {
	reject := func(reason Reason, detail string) Verdict {
		return rejection(reason, detail, req.Market.Price)
	}

	// ══════════════════════════════════════════════════════════════════════════
	// ADMISSION CHECKS
	// ══════════════════════════════════════════════════════════════════════════

	if v, ok := g.Schedule(req.State, req.Now); !ok {
		v.Price = req.Market.Price
		return v
	}

	if req.Market.Volume24h.LessThan(g.cfg.MinVolume24h) {
		return reject(ReasonLowVolume, req.Market.Volume24h.String())
	}

	if req.Market.PriceChange24hPct.Abs().GreaterThan(g.cfg.MaxPriceChange24hPct) {
		return reject(ReasonPriceMove, req.Market.PriceChange24hPct.StringFixed(2)+"%")
	}

	if !req.Market.Price.IsPositive() {
		return reject(ReasonInvalidPrice, req.Market.Price.String())
	}

	quantity := g.cfg.QuantityFor(req.Market.Price)
	notional := quantity.Mul(req.Market.Price)
	if notional.LessThan(g.cfg.MinNotional) {
		return reject(ReasonNotionalTooSmall, notional.StringFixed(2))
	}

	// ══════════════════════════════════════════════════════════════════════════
	// SIGNAL FUSION
	// ══════════════════════════════════════════════════════════════════════════

	if req.Sentiment == nil || !req.Sentiment.Valid() {
		return reject(ReasonSignalUnavailable, "no usable sentiment")
	}
	if !req.Indicators.TrendReady {
		return reject(ReasonInsufficientData, "trend strength needs more history")
	}

	s := req.Sentiment
	ind := req.Indicators

	if s.Category != types.SentimentBullish {
		return reject(ReasonNotBullish, string(s.Category))
	}
	if s.Confidence <= MinSentimentConfidence {
		return reject(ReasonLowConfidence, fmt.Sprintf("%.2f", s.Confidence))
	}
	if ind.TrendStrength <= MinTrendStrength {
		return reject(ReasonWeakTrend, fmt.Sprintf("%.1f", ind.TrendStrength))
	}
	if ind.RSI <= RSILowerBound || ind.RSI >= RSIUpperBound {
		return reject(ReasonRSIOutOfBand, fmt.Sprintf("%.1f", ind.RSI))
	}

	log.Info().
		Str("quantity", quantity.String()).
		Str("price", req.Market.Price.StringFixed(2)).
		Str("notional", notional.StringFixed(2)).
		Float64("rsi", ind.RSI).
		Float64("trend", ind.TrendStrength).
		Float64("confidence", s.Confidence).
		Msg("✅ Entry approved by gate")

	return Verdict{
		Action:   ActionEnter,
		Reason:   ReasonApproved,
		Quantity: quantity,
		Price:    req.Market.Price,
		Notional: notional,
	}
}
