package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/spotbot/exec"
	"github.com/web3guy0/spotbot/position"
	"github.com/web3guy0/spotbot/risk"
	"github.com/web3guy0/spotbot/sentiment"
	"github.com/web3guy0/spotbot/storage"
	"github.com/web3guy0/spotbot/types"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// ═══════════════════════════════════════════════════════════════════════════════
// FAKES
// ═══════════════════════════════════════════════════════════════════════════════

type placedOrder struct {
	side string
	qty  decimal.Decimal
}

type fakeExchange struct {
	mu sync.Mutex

	klines    []exec.Kline
	ticker    exec.Ticker24h
	price     decimal.Decimal
	balance   decimal.Decimal
	symbolErr error
	pingErr   error
	klineErr  error
	orderErr  error
	baseFee   decimal.Decimal // BUY commission charged in BTC

	klineCalls int
	orders     []placedOrder
}

func (f *fakeExchange) IsDryRun() bool { return true }

func (f *fakeExchange) Ping(ctx context.Context) error { return f.pingErr }

func (f *fakeExchange) SyncTime(ctx context.Context) (time.Duration, error) { return 0, nil }

func (f *fakeExchange) ValidateSymbol(ctx context.Context, symbol string) error {
	return f.symbolErr
}

func (f *fakeExchange) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]exec.Kline, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.klineCalls++
	return f.klines, f.klineErr
}

func (f *fakeExchange) Get24hTicker(ctx context.Context, symbol string) (exec.Ticker24h, error) {
	return f.ticker, nil
}

func (f *fakeExchange) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.price, nil
}

func (f *fakeExchange) GetFreeBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	return f.balance, nil
}

func (f *fakeExchange) MarketOrder(ctx context.Context, symbol, side string, qty decimal.Decimal) (exec.OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.orderErr != nil {
		return exec.OrderResult{}, f.orderErr
	}
	f.orders = append(f.orders, placedOrder{side: side, qty: qty})
	res := exec.OrderResult{
		OrderID:     fmt.Sprintf("ord-%d", len(f.orders)),
		Symbol:      symbol,
		Side:        side,
		ExecutedQty: qty,
		AvgPrice:    f.price,
		DryRun:      true,
	}
	if side == exec.SideBuy && f.baseFee.IsPositive() {
		res.Fees = map[string]decimal.Decimal{"BTC": f.baseFee}
	}
	return res, nil
}

type fakeSentiment struct {
	reading *types.Sentiment
}

func (f *fakeSentiment) Analyze(ctx context.Context, data sentiment.MarketData) *types.Sentiment {
	return f.reading
}

type fakeFeed struct {
	price decimal.Decimal
	fresh bool
}

func (f *fakeFeed) Fresh(now time.Time, maxAge time.Duration) (decimal.Decimal, bool) {
	return f.price, f.fresh
}

type fakeJournal struct {
	trades []*storage.Trade
}

func (f *fakeJournal) RecordTrade(t *storage.Trade) error {
	f.trades = append(f.trades, t)
	return nil
}

func (f *fakeJournal) RecentTrades(limit int) ([]types.TradeRecord, error) { return nil, nil }

func (f *fakeJournal) Stats() (types.TradeStats, error) { return types.TradeStats{}, nil }

type fakeNotifier struct {
	events []types.TradeEvent
	errs   []error
}

func (f *fakeNotifier) NotifyTrade(ev types.TradeEvent) {
	f.events = append(f.events, ev)
}

func (f *fakeNotifier) NotifyError(err error) {
	f.errs = append(f.errs, err)
}

// ═══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ═══════════════════════════════════════════════════════════════════════════════

var engineNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// trendingKlines rises 0.2 per candle with a zigzag: RSI 60, trend strength 1.0
func trendingKlines(n int) []exec.Kline {
	out := make([]exec.Kline, n)
	for i := range out {
		p := 100 + 0.2*float64(i)
		if i%2 == 1 {
			p++
		}
		out[i] = exec.Kline{Close: decimal.NewFromFloat(p), Volume: decimal.NewFromInt(10)}
	}
	return out
}

func testRiskConfig() risk.Config {
	return risk.Config{
		Investment:           d("100"),
		InitialStopLossPct:   d("5"),
		TrailingStopPct:      d("3"),
		ScaleInDipPct:        d("2"),
		MaxScaleInAttempts:   2,
		ScaleOutLevels:       []risk.ScaleOutLevel{{ProfitPct: d("2"), SellPct: d("50")}},
		MaxTradesPerDay:      3,
		Cooldown:             risk.DefaultCooldown,
		MinVolume24h:         d("500000"),
		MaxPriceChange24hPct: d("5"),
		MinNotional:          d("10"),
		QuantityPrecision:    risk.DefaultQuantityPrecision,
	}
}

type harness struct {
	engine   *Engine
	exchange *fakeExchange
	sent     *fakeSentiment
	feed     *fakeFeed
	journal  *fakeJournal
	notifier *fakeNotifier
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		exchange: &fakeExchange{
			klines: trendingKlines(100),
			ticker: exec.Ticker24h{
				Symbol:             "BTCUSDT",
				LastPrice:          d("100"),
				PriceChangePercent: d("1.5"),
				Volume:             d("1000000"),
			},
			price:   d("100"),
			balance: d("1000"),
		},
		sent: &fakeSentiment{reading: &types.Sentiment{
			Category:   types.SentimentBullish,
			Trend:      types.TrendUp,
			Confidence: 0.85,
		}},
		feed:     &fakeFeed{},
		journal:  &fakeJournal{},
		notifier: &fakeNotifier{},
	}

	h.engine = NewEngine(Config{
		Symbol:        "BTCUSDT",
		QuoteAsset:    "USDT",
		KlineInterval: "5m",
		KlineLimit:    100,
		Risk:          testRiskConfig(),
	}, h.exchange, h.sent, h.feed, h.journal)
	h.engine.now = func() time.Time { return engineNow }
	h.engine.state = risk.NewState(engineNow)
	h.engine.SetTradeNotifier(h.notifier)
	h.engine.SetErrorNotifier(h.notifier)
	return h
}

func (h *harness) open(t *testing.T, id string) {
	t.Helper()
	_, err := h.engine.Manager().Open(id, d("1"), d("100"))
	require.NoError(t, err)
}

// ═══════════════════════════════════════════════════════════════════════════════
// ANALYSIS CYCLE
// ═══════════════════════════════════════════════════════════════════════════════

func TestAnalysis_EntersAndJournals(t *testing.T) {
	h := newHarness(t)

	v, err := h.engine.RunAnalysisCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, risk.ActionEnter, v.Action)

	require.Len(t, h.exchange.orders, 1)
	assert.Equal(t, exec.SideBuy, h.exchange.orders[0].side)
	assert.True(t, h.exchange.orders[0].qty.Equal(d("1")))

	positions := h.engine.Manager().Positions()
	require.Len(t, positions, 1)
	assert.Equal(t, "ord-1", positions[0].ID)
	assert.True(t, positions[0].StopPrice.Equal(d("95")))

	assert.Equal(t, 1, h.engine.RiskSnapshot().DailyTrades)
	assert.Equal(t, engineNow, h.engine.RiskSnapshot().LastTradeTime)

	require.Len(t, h.journal.trades, 1)
	assert.Equal(t, storage.ActionOpen, h.journal.trades[0].Action)
	assert.True(t, h.journal.trades[0].DryRun)

	require.Len(t, h.notifier.events, 1)
	assert.Equal(t, storage.ActionOpen, h.notifier.events[0].Action)
}

func TestAnalysis_CooldownSkipsMarketData(t *testing.T) {
	h := newHarness(t)

	_, err := h.engine.RunAnalysisCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, h.exchange.klineCalls)

	v, err := h.engine.RunAnalysisCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, risk.ReasonCooldown, v.Reason)
	assert.Equal(t, 1, h.exchange.klineCalls)
	assert.Len(t, h.exchange.orders, 1)
}

func TestAnalysis_Paused(t *testing.T) {
	h := newHarness(t)
	h.engine.Pause()

	v, err := h.engine.RunAnalysisCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ReasonPaused, v.Reason)
	assert.Zero(t, h.exchange.klineCalls)
	assert.Equal(t, string(ReasonPaused), h.engine.Status().LastVerdict)

	h.engine.Resume()
	v, err = h.engine.RunAnalysisCycle(context.Background())
	require.NoError(t, err)
	assert.True(t, v.ShouldEnter())
}

func TestAnalysis_NoSentiment(t *testing.T) {
	h := newHarness(t)
	h.sent.reading = nil

	v, err := h.engine.RunAnalysisCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, risk.ReasonSignalUnavailable, v.Reason)
	assert.Empty(t, h.exchange.orders)
	assert.Zero(t, h.engine.RiskSnapshot().DailyTrades)
}

func TestAnalysis_InsufficientBalance(t *testing.T) {
	h := newHarness(t)
	h.exchange.balance = d("50")

	v, err := h.engine.RunAnalysisCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ReasonNoBalance, v.Reason)
	assert.Empty(t, h.exchange.orders)
	assert.Zero(t, h.engine.Manager().Store().Len())
}

func TestAnalysis_OrderFailureLeavesStateAlone(t *testing.T) {
	h := newHarness(t)
	h.exchange.orderErr = errors.New("venue down")

	v, err := h.engine.RunAnalysisCycle(context.Background())
	require.Error(t, err)
	assert.Equal(t, ReasonOrderFailed, v.Reason)
	assert.Zero(t, h.engine.Manager().Store().Len())
	assert.Zero(t, h.engine.RiskSnapshot().DailyTrades)
	assert.Empty(t, h.journal.trades)
}

func TestAnalysis_MarketDataFailure(t *testing.T) {
	h := newHarness(t)
	h.exchange.klineErr = errors.New("timeout")

	v, err := h.engine.RunAnalysisCycle(context.Background())
	require.Error(t, err)
	assert.Equal(t, ReasonMarketFailed, v.Reason)
	assert.Empty(t, h.exchange.orders)

	require.Len(t, h.notifier.errs, 1)
	assert.ErrorContains(t, h.notifier.errs[0], "timeout")
}

func TestAnalysis_EntryNetOfBaseFee(t *testing.T) {
	h := newHarness(t)
	h.exchange.baseFee = d("0.001")

	v, err := h.engine.RunAnalysisCycle(context.Background())
	require.NoError(t, err)
	require.True(t, v.ShouldEnter())

	p, ok := h.engine.Manager().Get("ord-1")
	require.True(t, ok)
	assert.True(t, p.Quantity.Equal(d("0.999")), "got %s", p.Quantity)

	// The stop sells what the account holds
	h.exchange.price = d("90")
	require.NoError(t, h.engine.RunPositionCycle(context.Background()))
	require.Len(t, h.exchange.orders, 2)
	assert.True(t, h.exchange.orders[1].qty.Equal(d("0.999")), "got %s", h.exchange.orders[1].qty)
	assert.Zero(t, h.engine.Manager().Store().Len())
}

func TestAnalysis_DailyLimitThenReset(t *testing.T) {
	h := newHarness(t)
	cfg := testRiskConfig()
	cfg.Cooldown = 0
	cfg.MaxTradesPerDay = 1
	h.engine.gate = risk.NewGate(cfg)

	_, err := h.engine.RunAnalysisCycle(context.Background())
	require.NoError(t, err)

	v, err := h.engine.RunAnalysisCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, risk.ReasonDailyLimit, v.Reason)

	h.engine.ResetDaily()
	v, err = h.engine.RunAnalysisCycle(context.Background())
	require.NoError(t, err)
	assert.True(t, v.ShouldEnter())
	assert.Equal(t, 2, h.engine.Manager().Store().Len())
}

func TestAnalysis_CircuitBreakerBlocksEntries(t *testing.T) {
	h := newHarness(t)
	h.engine.breaker = risk.NewCircuitBreaker(1, decimal.Zero, time.Hour)
	h.open(t, "p1")
	h.exchange.price = d("90")

	require.NoError(t, h.engine.RunPositionCycle(context.Background()))
	assert.True(t, h.engine.Status().CircuitOpen)
	assert.True(t, h.engine.BreakerStats().DailyPnL.Equal(d("-10")))

	v, err := h.engine.RunAnalysisCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, risk.ReasonCircuitOpen, v.Reason)
	assert.Zero(t, h.exchange.klineCalls)

	h.engine.now = func() time.Time { return engineNow.Add(2 * time.Hour) }
	v, err = h.engine.RunAnalysisCycle(context.Background())
	require.NoError(t, err)
	assert.True(t, v.ShouldEnter())
	assert.False(t, h.engine.Status().CircuitOpen)
}

func TestResume_ResetsCircuitBreaker(t *testing.T) {
	h := newHarness(t)
	h.engine.breaker = risk.NewCircuitBreaker(1, decimal.Zero, time.Hour)
	h.open(t, "p1")
	h.exchange.price = d("90")
	require.NoError(t, h.engine.RunPositionCycle(context.Background()))
	require.True(t, h.engine.Status().CircuitOpen)

	h.engine.Resume()
	assert.False(t, h.engine.Status().CircuitOpen)

	v, err := h.engine.RunAnalysisCycle(context.Background())
	require.NoError(t, err)
	assert.True(t, v.ShouldEnter())
}

// ═══════════════════════════════════════════════════════════════════════════════
// POSITION CYCLE
// ═══════════════════════════════════════════════════════════════════════════════

func TestPositionCycle_NoPositionsNoCalls(t *testing.T) {
	h := newHarness(t)
	h.exchange.price = decimal.Zero

	require.NoError(t, h.engine.RunPositionCycle(context.Background()))
	assert.Empty(t, h.exchange.orders)
}

func TestPositionCycle_StopHitSells(t *testing.T) {
	h := newHarness(t)
	h.open(t, "p1")
	h.exchange.price = d("90")

	require.NoError(t, h.engine.RunPositionCycle(context.Background()))

	require.Len(t, h.exchange.orders, 1)
	assert.Equal(t, exec.SideSell, h.exchange.orders[0].side)
	assert.True(t, h.exchange.orders[0].qty.Equal(d("1")))
	assert.Zero(t, h.engine.Manager().Store().Len())

	require.Len(t, h.journal.trades, 1)
	row := h.journal.trades[0]
	assert.Equal(t, storage.ActionClose, row.Action)
	assert.Equal(t, "p1", row.PositionID)
	assert.True(t, row.PnL.Equal(d("-10")), "got %s", row.PnL)
}

func TestPositionCycle_SellFailureRestores(t *testing.T) {
	h := newHarness(t)
	h.open(t, "p1")
	h.exchange.price = d("90")
	h.exchange.orderErr = errors.New("rejected")

	require.NoError(t, h.engine.RunPositionCycle(context.Background()))

	p, ok := h.engine.Manager().Get("p1")
	require.True(t, ok)
	assert.True(t, p.Quantity.Equal(d("1")))
	assert.Empty(t, h.journal.trades)

	require.Len(t, h.notifier.errs, 1)
	assert.ErrorContains(t, h.notifier.errs[0], "stop SELL p1")

	// Retried on the next cycle
	h.exchange.orderErr = nil
	require.NoError(t, h.engine.RunPositionCycle(context.Background()))
	assert.Zero(t, h.engine.Manager().Store().Len())
}

func TestPositionCycle_ScaleOut(t *testing.T) {
	h := newHarness(t)
	h.open(t, "p1")
	h.exchange.price = d("103")

	require.NoError(t, h.engine.RunPositionCycle(context.Background()))

	require.Len(t, h.exchange.orders, 1)
	assert.Equal(t, exec.SideSell, h.exchange.orders[0].side)
	assert.True(t, h.exchange.orders[0].qty.Equal(d("0.5")))

	p, ok := h.engine.Manager().Get("p1")
	require.True(t, ok)
	assert.True(t, p.Quantity.Equal(d("0.5")))
	assert.True(t, p.LevelTaken(d("2")))

	require.Len(t, h.journal.trades, 1)
	assert.Equal(t, storage.ActionScaleOut, h.journal.trades[0].Action)
	assert.True(t, h.journal.trades[0].PnL.Equal(d("1.5")))

	// Level taken once
	require.NoError(t, h.engine.RunPositionCycle(context.Background()))
	assert.Len(t, h.exchange.orders, 1)
}

func TestPositionCycle_ScaleOutBelowMinNotional(t *testing.T) {
	h := newHarness(t)
	cfg := testRiskConfig()
	cfg.MinNotional = d("60")
	h.engine.manager = position.NewManager("BTCUSDT", cfg, nil)
	h.open(t, "p1")
	h.exchange.price = d("103")

	require.NoError(t, h.engine.RunPositionCycle(context.Background()))

	assert.Empty(t, h.exchange.orders, "51.50 slice is below the minimum")
	p, ok := h.engine.Manager().Get("p1")
	require.True(t, ok)
	assert.True(t, p.Quantity.Equal(d("1")))
	assert.True(t, p.LevelTaken(d("2")))
	assert.Empty(t, h.journal.trades)

	// Not retried every tick
	require.NoError(t, h.engine.RunPositionCycle(context.Background()))
	assert.Empty(t, h.exchange.orders)
}

func TestPositionCycle_ScaleOutFailureRestores(t *testing.T) {
	h := newHarness(t)
	h.open(t, "p1")
	h.exchange.price = d("103")
	h.exchange.orderErr = errors.New("rejected")

	require.NoError(t, h.engine.RunPositionCycle(context.Background()))

	p, ok := h.engine.Manager().Get("p1")
	require.True(t, ok)
	assert.True(t, p.Quantity.Equal(d("1")))
	assert.False(t, p.LevelTaken(d("2")))
	assert.True(t, p.HighestPrice.Equal(d("103")))
}

func TestPositionCycle_ScaleIn(t *testing.T) {
	h := newHarness(t)
	h.open(t, "p1")
	h.exchange.price = d("97")

	require.NoError(t, h.engine.RunPositionCycle(context.Background()))

	require.Len(t, h.exchange.orders, 1)
	assert.Equal(t, exec.SideBuy, h.exchange.orders[0].side)
	assert.True(t, h.exchange.orders[0].qty.Equal(d("1.030927")))

	p, _ := h.engine.Manager().Get("p1")
	assert.Equal(t, 1, p.ScaleInAttempts)
	assert.True(t, p.EntryPrice.LessThan(d("100")))
	assert.True(t, p.EntryPrice.GreaterThan(d("97")))

	require.Len(t, h.journal.trades, 1)
	assert.Equal(t, storage.ActionScaleIn, h.journal.trades[0].Action)
	assert.Zero(t, h.engine.RiskSnapshot().DailyTrades)
}

func TestPositionCycle_PrefersFreshFeed(t *testing.T) {
	h := newHarness(t)
	h.open(t, "p1")
	h.feed.price = d("90")
	h.feed.fresh = true

	require.NoError(t, h.engine.RunPositionCycle(context.Background()))
	assert.Zero(t, h.engine.Manager().Store().Len())
	assert.True(t, h.engine.Status().LastPrice.Equal(d("90")))
}

// ═══════════════════════════════════════════════════════════════════════════════
// LIFECYCLE
// ═══════════════════════════════════════════════════════════════════════════════

func TestValidate(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.engine.Validate(context.Background()))

	h.exchange.balance = d("99")
	err := h.engine.Validate(context.Background())
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	h.exchange.symbolErr = exec.ErrSymbolNotTrading
	err = h.engine.Validate(context.Background())
	assert.ErrorIs(t, err, exec.ErrSymbolNotTrading)

	pingErr := errors.New("connection refused")
	h.exchange.pingErr = pingErr
	err = h.engine.Validate(context.Background())
	assert.ErrorIs(t, err, pingErr)
}

func TestStartStop(t *testing.T) {
	h := newHarness(t)
	h.engine.cfg.AnalysisInterval = 10 * time.Millisecond
	h.engine.cfg.PositionInterval = 10 * time.Millisecond

	h.engine.Start()
	h.engine.Start()
	assert.Eventually(t, func() bool {
		return h.engine.Manager().Store().Len() == 1
	}, time.Second, 5*time.Millisecond)
	h.engine.Stop()
	h.engine.Stop()
}

func TestUntilMidnight(t *testing.T) {
	now := time.Date(2024, 3, 1, 23, 30, 0, 0, time.UTC)
	assert.Equal(t, 30*time.Minute, untilMidnight(now))
}

func TestStatusAndProviders(t *testing.T) {
	h := newHarness(t)
	h.open(t, "p1")

	s := h.engine.Status()
	assert.Equal(t, "BTCUSDT", s.Symbol)
	assert.True(t, s.DryRun)
	assert.Equal(t, 1, s.OpenPositions)
	assert.Equal(t, 3, s.MaxDailyTrades)

	records, err := h.engine.GetOpenPositions()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "p1", records[0].ID)

	balance, err := h.engine.GetBalance()
	require.NoError(t, err)
	assert.True(t, balance.Equal(d("1000")))
}

type panicNotifier struct{}

func (panicNotifier) NotifyTrade(types.TradeEvent) { panic("boom") }

func TestRouter_IsolatesNotifiers(t *testing.T) {
	r := NewRouter()
	got := &fakeNotifier{}
	r.Subscribe(panicNotifier{})
	r.Subscribe(nil)
	r.Subscribe(got)
	r.SubscribeErrors(nil)
	r.SubscribeErrors(got)
	trades, alerts := r.Count()
	assert.Equal(t, 2, trades)
	assert.Equal(t, 1, alerts)

	r.Route(types.TradeEvent{Action: storage.ActionOpen})
	assert.Len(t, got.events, 1)

	r.Alert(errors.New("venue down"))
	require.Len(t, got.errs, 1)
	assert.EqualError(t, got.errs[0], "venue down")
}
