package risk

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// CIRCUIT BREAKER - Protection against consecutive losses
// ═══════════════════════════════════════════════════════════════════════════════
//
// Trips after maxConsecutiveLosses losing closes in a row, or when the realized
// loss of the trading day reaches maxDailyLoss (quote units, zero disables).
// While tripped, new entries are refused until the cooldown elapses. Open
// positions are still managed.
//
// ═══════════════════════════════════════════════════════════════════════════════

// ReasonCircuitOpen is the verdict reason while the breaker is tripped
const ReasonCircuitOpen Reason = "CIRCUIT_BREAKER_OPEN"

type CircuitBreaker struct {
	mu sync.RWMutex

	// Configuration
	maxConsecutiveLosses int
	maxDailyLoss         decimal.Decimal
	cooldownDuration     time.Duration

	// State
	consecutiveLosses int
	dailyPnL          decimal.Decimal
	tripped           bool
	trippedAt         time.Time
	reason            string

	// Tracking
	tradingDay string
}

// BreakerStats is a read-only view of the breaker
type BreakerStats struct {
	ConsecutiveLosses int             `json:"consecutive_losses"`
	DailyPnL          decimal.Decimal `json:"daily_pnl"`
	Tripped           bool            `json:"tripped"`
	Reason            string          `json:"reason,omitempty"`
	TrippedAt         time.Time       `json:"tripped_at,omitempty"`
}

// NewCircuitBreaker creates a new circuit breaker. maxLosses <= 0 disables the
// loss streak rule.
func NewCircuitBreaker(maxLosses int, maxDailyLoss decimal.Decimal, cooldown time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		maxConsecutiveLosses: maxLosses,
		maxDailyLoss:         maxDailyLoss.Abs(),
		cooldownDuration:     cooldown,
	}
}

// Allow reports whether new entries may be placed at now
func (cb *CircuitBreaker) Allow(now time.Time) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.rollDay(now)

	if !cb.tripped {
		return true
	}
	if now.Sub(cb.trippedAt) >= cb.cooldownDuration {
		cb.tripped = false
		cb.consecutiveLosses = 0
		cb.reason = ""
		log.Info().Msg("✅ Circuit breaker reset after cooldown")
		return true
	}
	return false
}

// RecordClose feeds the realized P&L of a closed position
func (cb *CircuitBreaker) RecordClose(pnl decimal.Decimal, now time.Time) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.rollDay(now)
	cb.dailyPnL = cb.dailyPnL.Add(pnl)

	if pnl.IsPositive() {
		cb.consecutiveLosses = 0
		return
	}
	cb.consecutiveLosses++

	switch {
	case cb.maxConsecutiveLosses > 0 && cb.consecutiveLosses >= cb.maxConsecutiveLosses:
		cb.trip("Max consecutive losses", now)
	case cb.maxDailyLoss.IsPositive() && cb.dailyPnL.Neg().GreaterThanOrEqual(cb.maxDailyLoss):
		cb.trip("Max daily loss exceeded", now)
	}
}

// trip activates the circuit breaker
func (cb *CircuitBreaker) trip(reason string, now time.Time) {
	if cb.tripped {
		return
	}
	cb.tripped = true
	cb.trippedAt = now
	cb.reason = reason
	log.Warn().
		Str("reason", reason).
		Int("consecutive_losses", cb.consecutiveLosses).
		Str("daily_pnl", cb.dailyPnL.StringFixed(2)).
		Dur("cooldown", cb.cooldownDuration).
		Msg("🚨 CIRCUIT BREAKER TRIPPED")
}

// rollDay clears the daily P&L on a new day. A trip survives the rollover.
func (cb *CircuitBreaker) rollDay(now time.Time) {
	day := now.Format(dayLayout)
	if cb.tradingDay != day {
		cb.tradingDay = day
		cb.dailyPnL = decimal.Zero
	}
}

// IsTripped returns current trip state
func (cb *CircuitBreaker) IsTripped() bool {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.tripped
}

// Stats returns circuit breaker statistics
func (cb *CircuitBreaker) Stats() BreakerStats {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return BreakerStats{
		ConsecutiveLosses: cb.consecutiveLosses,
		DailyPnL:          cb.dailyPnL,
		Tripped:           cb.tripped,
		Reason:            cb.reason,
		TrippedAt:         cb.trippedAt,
	}
}

// ForceReset manually resets the circuit breaker
func (cb *CircuitBreaker) ForceReset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.consecutiveLosses = 0
	cb.tripped = false
	cb.reason = ""
	log.Info().Msg("Circuit breaker manually reset")
}
