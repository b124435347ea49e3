package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/spotbot/exec"
	"github.com/web3guy0/spotbot/position"
	"github.com/web3guy0/spotbot/risk"
	"github.com/web3guy0/spotbot/sentiment"
	"github.com/web3guy0/spotbot/storage"
	"github.com/web3guy0/spotbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ENGINE - Central orchestrator
// ═══════════════════════════════════════════════════════════════════════════════
//
// Flow:
//   Candles → Indicators → Sentiment → Gate → BUY → Position
//   Price   → Trailing stop / Scale out / Scale in → SELL/BUY → Journal
//
// Both cycles run behind one mutex, so the gate's risk snapshot and the
// position set never change under a decision.
//
// ═══════════════════════════════════════════════════════════════════════════════

// ErrInsufficientBalance is returned by Validate when the quote balance
// cannot fund one entry
var ErrInsufficientBalance = errors.New("insufficient quote balance")

// Engine-level verdict reasons
const (
	ReasonPaused       risk.Reason = "PAUSED"
	ReasonNoBalance    risk.Reason = "INSUFFICIENT_BALANCE"
	ReasonOrderFailed  risk.Reason = "ORDER_FAILED"
	ReasonMarketFailed risk.Reason = "MARKET_DATA_UNAVAILABLE"
)

// Exchange is the spot venue the engine trades on
type Exchange interface {
	IsDryRun() bool
	Ping(ctx context.Context) error
	SyncTime(ctx context.Context) (time.Duration, error)
	ValidateSymbol(ctx context.Context, symbol string) error
	GetKlines(ctx context.Context, symbol, interval string, limit int) ([]exec.Kline, error)
	Get24hTicker(ctx context.Context, symbol string) (exec.Ticker24h, error)
	GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	GetFreeBalance(ctx context.Context, asset string) (decimal.Decimal, error)
	MarketOrder(ctx context.Context, symbol, side string, quantity decimal.Decimal) (exec.OrderResult, error)
}

// SentimentSource returns nil when no usable reading exists
type SentimentSource interface {
	Analyze(ctx context.Context, data sentiment.MarketData) *types.Sentiment
}

// PriceSource is a streaming price with a freshness check
type PriceSource interface {
	Fresh(now time.Time, maxAge time.Duration) (decimal.Decimal, bool)
}

// Journal persists fills
type Journal interface {
	RecordTrade(t *storage.Trade) error
	RecentTrades(limit int) ([]types.TradeRecord, error)
	Stats() (types.TradeStats, error)
}

// TradeNotifier interface for trade notifications (Telegram)
type TradeNotifier interface {
	NotifyTrade(ev types.TradeEvent)
}

// ErrorNotifier receives failures an operator has to look at
type ErrorNotifier interface {
	NotifyError(err error)
}

// Config is the engine's slice of the runtime configuration
type Config struct {
	Symbol           string
	QuoteAsset       string
	KlineInterval    string
	KlineLimit       int
	Risk             risk.Config
	AnalysisInterval time.Duration
	PositionInterval time.Duration
	PriceStaleAfter  time.Duration
	RequestTimeout   time.Duration

	// Circuit breaker, disabled when both limits are zero
	MaxConsecutiveLosses int
	MaxDailyLoss         decimal.Decimal
	BreakerCooldown      time.Duration
}

type Engine struct {
	// Serializes the analysis cycle, the position cycle and the daily reset
	mu sync.Mutex

	cfg       Config
	baseAsset string

	// Components
	exchange  Exchange
	sentiment SentimentSource
	feed      PriceSource
	journal   Journal
	router    *Router

	// Core
	manager  *position.Manager
	gate     *risk.Gate
	state    *risk.State
	breaker  *risk.CircuitBreaker
	realized map[string]decimal.Decimal // Scale-out P&L of open positions

	// Lifecycle
	lifeMu  sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	// Status
	statusMu     sync.RWMutex
	paused       bool
	lastPrice    decimal.Decimal
	lastVerdict  risk.Verdict
	lastAnalysis time.Time
	startedAt    time.Time

	now func() time.Time
}

// NewEngine creates a new trading engine. feed and journal may be nil.
func NewEngine(cfg Config, exchange Exchange, sent SentimentSource, feed PriceSource, journal Journal) *Engine {
	if cfg.AnalysisInterval <= 0 {
		cfg.AnalysisInterval = time.Hour
	}
	if cfg.PositionInterval <= 0 {
		cfg.PositionInterval = time.Minute
	}
	if cfg.PriceStaleAfter <= 0 {
		cfg.PriceStaleAfter = 30 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 45 * time.Second
	}

	now := time.Now()
	return &Engine{
		cfg:       cfg,
		baseAsset: strings.TrimSuffix(cfg.Symbol, cfg.QuoteAsset),
		exchange:  exchange,
		sentiment: sent,
		feed:      feed,
		journal:   journal,
		router:    NewRouter(),
		manager:   position.NewManager(cfg.Symbol, cfg.Risk, nil),
		gate:      risk.NewGate(cfg.Risk),
		state:     risk.NewState(now),
		breaker:   risk.NewCircuitBreaker(cfg.MaxConsecutiveLosses, cfg.MaxDailyLoss, cfg.BreakerCooldown),
		realized:  make(map[string]decimal.Decimal),
		stopCh:    make(chan struct{}),
		now:       time.Now,
	}
}

// SetTradeNotifier adds a trade listener
func (e *Engine) SetTradeNotifier(notifier TradeNotifier) {
	e.router.Subscribe(notifier)
}

// SetErrorNotifier adds an error alert sink
func (e *Engine) SetErrorNotifier(notifier ErrorNotifier) {
	e.router.SubscribeErrors(notifier)
}

func (e *Engine) alert(err error) {
	e.router.Alert(err)
}

// Manager exposes the position manager
func (e *Engine) Manager() *position.Manager {
	return e.manager
}

// ═══════════════════════════════════════════════════════════════════════════════
// LIFECYCLE
// ═══════════════════════════════════════════════════════════════════════════════

// Validate checks the pair, the clock and the quote balance before trading
func (e *Engine) Validate(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
	defer cancel()

	if err := e.exchange.Ping(ctx); err != nil {
		return fmt.Errorf("exchange unreachable: %w", err)
	}

	if err := e.exchange.ValidateSymbol(ctx, e.cfg.Symbol); err != nil {
		return fmt.Errorf("validate %s: %w", e.cfg.Symbol, err)
	}

	if _, err := e.exchange.SyncTime(ctx); err != nil {
		log.Warn().Err(err).Msg("⚠️ Time sync failed, using local clock")
	}

	price, err := e.exchange.GetPrice(ctx, e.cfg.Symbol)
	if err != nil {
		return fmt.Errorf("price %s: %w", e.cfg.Symbol, err)
	}
	e.setLastPrice(price)

	balance, err := e.exchange.GetFreeBalance(ctx, e.cfg.QuoteAsset)
	if err != nil {
		return fmt.Errorf("balance %s: %w", e.cfg.QuoteAsset, err)
	}
	if balance.LessThan(e.cfg.Risk.Investment) {
		return fmt.Errorf("%w: %s %s free, %s needed", ErrInsufficientBalance,
			balance.StringFixed(2), e.cfg.QuoteAsset, e.cfg.Risk.Investment.StringFixed(2))
	}

	log.Info().
		Str("symbol", e.cfg.Symbol).
		Str("price", price.StringFixed(2)).
		Str("balance", balance.StringFixed(2)+" "+e.cfg.QuoteAsset).
		Bool("dry_run", e.exchange.IsDryRun()).
		Msg("✅ Startup checks passed")
	return nil
}

// Start launches the analysis, position and daily reset loops
func (e *Engine) Start() {
	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()
	if e.running {
		return
	}
	e.running = true

	e.statusMu.Lock()
	e.startedAt = e.now()
	e.statusMu.Unlock()

	e.wg.Add(3)
	go e.analysisLoop()
	go e.positionLoop()
	go e.dailyResetLoop()

	trades, alerts := e.router.Count()
	log.Info().
		Dur("analysis_every", e.cfg.AnalysisInterval).
		Dur("positions_every", e.cfg.PositionInterval).
		Int("trade_notifiers", trades).
		Int("error_notifiers", alerts).
		Msg("⚡ Engine started")
}

// Stop ends the loops and waits for an in-flight cycle to finish
func (e *Engine) Stop() {
	e.lifeMu.Lock()
	if !e.running {
		e.lifeMu.Unlock()
		return
	}
	e.running = false
	close(e.stopCh)
	e.lifeMu.Unlock()

	e.wg.Wait()
	log.Info().Msg("Engine stopped")
}

func (e *Engine) analysisLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.AnalysisInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			if _, err := e.RunAnalysisCycle(context.Background()); err != nil {
				log.Error().Err(err).Msg("Analysis cycle failed")
			}
		}
	}
}

func (e *Engine) positionLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.PositionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			if err := e.RunPositionCycle(context.Background()); err != nil {
				log.Error().Err(err).Msg("Position cycle failed")
			}
		}
	}
}

func (e *Engine) dailyResetLoop() {
	defer e.wg.Done()
	for {
		timer := time.NewTimer(untilMidnight(e.now()))
		select {
		case <-e.stopCh:
			timer.Stop()
			return
		case <-timer.C:
			e.ResetDaily()
		}
	}
}

func untilMidnight(now time.Time) time.Duration {
	y, m, d := now.Date()
	next := time.Date(y, m, d+1, 0, 0, 0, 0, now.Location())
	return next.Sub(now)
}

// ResetDaily zeroes the daily trade counter
func (e *Engine) ResetDaily() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.ResetDaily(e.now())
}

// ═══════════════════════════════════════════════════════════════════════════════
// CONTROL
// ═══════════════════════════════════════════════════════════════════════════════

// Pause stops new entries. Open positions keep being managed.
func (e *Engine) Pause() {
	e.statusMu.Lock()
	e.paused = true
	e.statusMu.Unlock()
	log.Warn().Msg("⏸️ Entries paused")
}

// Resume re-enables entries and clears a tripped circuit breaker
func (e *Engine) Resume() {
	e.statusMu.Lock()
	e.paused = false
	e.statusMu.Unlock()
	if e.breaker.IsTripped() {
		e.breaker.ForceReset()
	}
	log.Info().Msg("▶️ Entries resumed")
}

// IsPaused reports whether entries are paused
func (e *Engine) IsPaused() bool {
	e.statusMu.RLock()
	defer e.statusMu.RUnlock()
	return e.paused
}

// ═══════════════════════════════════════════════════════════════════════════════
// STATUS PROVIDERS (Telegram, API)
// ═══════════════════════════════════════════════════════════════════════════════

// Status returns a snapshot of the live engine state
func (e *Engine) Status() types.BotStatus {
	snap := e.state.Snapshot()

	e.statusMu.RLock()
	defer e.statusMu.RUnlock()

	return types.BotStatus{
		Symbol:         e.cfg.Symbol,
		QuoteAsset:     e.cfg.QuoteAsset,
		DryRun:         e.exchange.IsDryRun(),
		Paused:         e.paused,
		CircuitOpen:    e.breaker.IsTripped(),
		OpenPositions:  e.manager.Store().Len(),
		DailyTrades:    snap.DailyTrades,
		MaxDailyTrades: e.cfg.Risk.MaxTradesPerDay,
		LastTradeTime:  snap.LastTradeTime,
		TradingDay:     snap.TradingDay,
		LastPrice:      e.lastPrice,
		LastVerdict:    string(e.lastVerdict.Reason),
		LastAnalysis:   e.lastAnalysis,
		StartedAt:      e.startedAt,
	}
}

// RiskSnapshot returns the current risk state
func (e *Engine) RiskSnapshot() risk.Snapshot {
	return e.state.Snapshot()
}

// BreakerStats returns the circuit breaker state
func (e *Engine) BreakerStats() risk.BreakerStats {
	return e.breaker.Stats()
}

// GetBalance returns the free quote balance
func (e *Engine) GetBalance() (decimal.Decimal, error) {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.RequestTimeout)
	defer cancel()
	return e.exchange.GetFreeBalance(ctx, e.cfg.QuoteAsset)
}

// GetRecentTrades returns journal rows, newest first
func (e *Engine) GetRecentTrades(limit int) ([]types.TradeRecord, error) {
	if e.journal == nil {
		return nil, nil
	}
	return e.journal.RecentTrades(limit)
}

// GetStats returns aggregate journal stats
func (e *Engine) GetStats() (types.TradeStats, error) {
	if e.journal == nil {
		return types.TradeStats{}, nil
	}
	return e.journal.Stats()
}

// GetOpenPositions returns every open position
func (e *Engine) GetOpenPositions() ([]types.PositionRecord, error) {
	positions := e.manager.Positions()
	out := make([]types.PositionRecord, len(positions))
	for i, p := range positions {
		out[i] = types.NewPositionRecord(p)
	}
	return out, nil
}

func (e *Engine) setLastPrice(price decimal.Decimal) {
	e.statusMu.Lock()
	e.lastPrice = price
	e.statusMu.Unlock()
}

func (e *Engine) setVerdict(v risk.Verdict) {
	e.statusMu.Lock()
	e.lastVerdict = v
	e.lastAnalysis = e.now()
	e.statusMu.Unlock()
}

// ═══════════════════════════════════════════════════════════════════════════════
// JOURNAL
// ═══════════════════════════════════════════════════════════════════════════════

func (e *Engine) record(ev types.TradeEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = e.now()
	}

	if e.journal != nil {
		err := e.journal.RecordTrade(&storage.Trade{
			OrderID:    ev.OrderID,
			PositionID: ev.PositionID,
			Symbol:     ev.Symbol,
			Action:     ev.Action,
			Side:       ev.Side,
			Price:      ev.Price,
			Quantity:   ev.Quantity,
			PnL:        ev.PnL,
			Reason:     ev.Reason,
			DryRun:     e.exchange.IsDryRun(),
			CreatedAt:  ev.Timestamp,
		})
		if err != nil {
			log.Error().Err(err).Str("position", ev.PositionID).Msg("Failed to journal trade")
		}
	}

	e.router.Route(ev)
}
