package risk

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestState_RecordEntry(t *testing.T) {
	day := time.Date(2024, 3, 1, 9, 0, 0, 0, time.Local)
	s := NewState(day)

	s.RecordEntry(day)
	s.RecordEntry(day.Add(time.Hour))

	snap := s.Snapshot()
	assert.Equal(t, 2, snap.DailyTrades)
	assert.Equal(t, day.Add(time.Hour), snap.LastTradeTime)
	assert.Equal(t, "2024-03-01", snap.TradingDay)
}

func TestState_DayRollover(t *testing.T) {
	day := time.Date(2024, 3, 1, 23, 0, 0, 0, time.Local)
	s := NewState(day)
	s.RecordEntry(day)

	assert.False(t, s.CheckDayReset(day.Add(30*time.Minute)))
	assert.Equal(t, 1, s.Snapshot().DailyTrades)

	next := day.Add(2 * time.Hour)
	assert.True(t, s.CheckDayReset(next))
	snap := s.Snapshot()
	assert.Equal(t, 0, snap.DailyTrades)
	assert.Equal(t, day, snap.LastTradeTime, "cooldown clock survives the reset")
}

func TestState_RecordEntryOnNewDayStartsFresh(t *testing.T) {
	day := time.Date(2024, 3, 1, 10, 0, 0, 0, time.Local)
	s := NewState(day)
	s.RecordEntry(day)
	s.RecordEntry(day)

	s.RecordEntry(day.Add(24 * time.Hour))
	assert.Equal(t, 1, s.Snapshot().DailyTrades)
}

func TestState_ResetDaily(t *testing.T) {
	day := time.Date(2024, 3, 1, 10, 0, 0, 0, time.Local)
	s := NewState(day)
	s.RecordEntry(day)
	s.ResetDaily(day)
	assert.Equal(t, 0, s.Snapshot().DailyTrades)
}

func TestConfig_Validate(t *testing.T) {
	require.NoError(t, testConfig().Validate())

	withLevels := testConfig()
	withLevels.ScaleOutLevels = []ScaleOutLevel{
		{ProfitPct: d("2"), SellPct: d("25")},
		{ProfitPct: d("5"), SellPct: d("100")},
	}
	require.NoError(t, withLevels.Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero investment", func(c *Config) { c.Investment = d("0") }},
		{"stop loss 100", func(c *Config) { c.InitialStopLossPct = d("100") }},
		{"zero trailing", func(c *Config) { c.TrailingStopPct = d("0") }},
		{"negative dip", func(c *Config) { c.ScaleInDipPct = d("-1") }},
		{"negative attempts", func(c *Config) { c.MaxScaleInAttempts = -1 }},
		{"no trades", func(c *Config) { c.MaxTradesPerDay = 0 }},
		{"negative cooldown", func(c *Config) { c.Cooldown = -time.Second }},
		{"negative notional", func(c *Config) { c.MinNotional = d("-1") }},
		{"descending levels", func(c *Config) {
			c.ScaleOutLevels = []ScaleOutLevel{{ProfitPct: d("5"), SellPct: d("50")}, {ProfitPct: d("2"), SellPct: d("50")}}
		}},
		{"oversized sell", func(c *Config) {
			c.ScaleOutLevels = []ScaleOutLevel{{ProfitPct: d("5"), SellPct: d("150")}}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidConfig))
		})
	}
}

func TestConfig_QuantityFor(t *testing.T) {
	cfg := testConfig()
	assert.Equal(t, "0.666666", cfg.QuantityFor(d("150")).String())
	assert.True(t, cfg.QuantityFor(d("0")).IsZero())

	q := cfg.QuantityFor(d("6"))
	assert.Equal(t, "16.666666", q.String())
	assert.False(t, q.Mul(d("6")).GreaterThan(cfg.Investment), "notional never exceeds the investment")
}
