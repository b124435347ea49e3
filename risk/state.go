package risk

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ═══════════════════════════════════════════════════════════════════════════════
// RISK STATE - Daily trade counter and cooldown clock
// ═══════════════════════════════════════════════════════════════════════════════
//
// Owned by the engine and handed to the gate as a Snapshot, so the gate stays a
// pure function of its inputs.
//
// ═══════════════════════════════════════════════════════════════════════════════

const dayLayout = "2006-01-02"

// Snapshot is an immutable copy of the risk state
type Snapshot struct {
	DailyTrades   int       `json:"daily_trades"`
	LastTradeTime time.Time `json:"last_trade_time"`
	TradingDay    string    `json:"trading_day"`
}

// State tracks entries for the current trading day
type State struct {
	mu sync.RWMutex

	dailyTrades   int
	lastTradeTime time.Time
	tradingDay    string
}

// NewState creates an empty state for the day of now
func NewState(now time.Time) *State {
	return &State{tradingDay: now.Format(dayLayout)}
}

// Snapshot returns the current state
func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		DailyTrades:   s.dailyTrades,
		LastTradeTime: s.lastTradeTime,
		TradingDay:    s.tradingDay,
	}
}

// RecordEntry counts a new entry at now
func (s *State) RecordEntry(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.checkDayReset(now)
	s.dailyTrades++
	s.lastTradeTime = now

	log.Debug().
		Int("daily_trades", s.dailyTrades).
		Time("last_trade", now).
		Msg("Entry recorded")
}

// CheckDayReset resets the daily counter when now falls on a new day.
// Returns true if a reset happened.
func (s *State) CheckDayReset(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkDayReset(now)
}

// ResetDaily clears the daily counter unconditionally. The cooldown clock is kept.
func (s *State) ResetDaily(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dailyTrades = 0
	s.tradingDay = now.Format(dayLayout)
	log.Info().Msg("📅 Daily counters reset")
}

func (s *State) checkDayReset(now time.Time) bool {
	today := now.Format(dayLayout)
	if s.tradingDay == today {
		return false
	}
	s.dailyTrades = 0
	s.tradingDay = today
	log.Info().Str("day", today).Msg("📅 Daily counters reset")
	return true
}
