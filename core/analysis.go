package core

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/spotbot/exec"
	"github.com/web3guy0/spotbot/internal/indicators"
	"github.com/web3guy0/spotbot/risk"
	"github.com/web3guy0/spotbot/sentiment"
	"github.com/web3guy0/spotbot/storage"
	"github.com/web3guy0/spotbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ANALYSIS CYCLE - Entry decisions
// ═══════════════════════════════════════════════════════════════════════════════

type marketView struct {
	bundle    indicators.Bundle
	snapshot  risk.MarketSnapshot
	sentiment *types.Sentiment
}

// RunAnalysisCycle gathers market data, asks the gate and buys on ENTER.
// A market data failure skips the cycle and is returned as an error. Every
// error is also raised to the error notifiers.
func (e *Engine) RunAnalysisCycle(ctx context.Context) (risk.Verdict, error) {
	v, err := e.runAnalysis(ctx)
	if err != nil {
		e.alert(fmt.Errorf("analysis cycle: %w", err))
	}
	return v, err
}

func (e *Engine) runAnalysis(ctx context.Context) (risk.Verdict, error) {
	if e.IsPaused() {
		v := risk.Verdict{Action: risk.ActionNoAction, Reason: ReasonPaused}
		e.setVerdict(v)
		return v, nil
	}

	now := e.now()
	e.state.CheckDayReset(now)
	if v, ok := e.gate.Schedule(e.state.Snapshot(), now); !ok {
		e.setVerdict(v)
		return v, nil
	}
	if !e.breaker.Allow(now) {
		v := risk.Verdict{Action: risk.ActionNoAction, Reason: risk.ReasonCircuitOpen, Detail: e.breaker.Stats().Reason}
		e.setVerdict(v)
		return v, nil
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
	defer cancel()

	view, err := e.gatherMarket(ctx)
	if err != nil {
		v := risk.Verdict{Action: risk.ActionNoAction, Reason: ReasonMarketFailed, Detail: err.Error()}
		e.setVerdict(v)
		return v, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	verdict := e.gate.Evaluate(risk.Request{
		Indicators: view.bundle,
		Sentiment:  view.sentiment,
		Market:     view.snapshot,
		State:      e.state.Snapshot(),
		Now:        e.now(),
	})
	e.setVerdict(verdict)

	log.Info().
		Str("action", string(verdict.Action)).
		Str("reason", string(verdict.Reason)).
		Str("price", view.snapshot.Price.StringFixed(2)).
		Float64("rsi", view.bundle.RSI).
		Msg("🔍 Analysis complete")

	if !verdict.ShouldEnter() {
		return verdict, nil
	}

	return e.enter(ctx, verdict)
}

func (e *Engine) gatherMarket(ctx context.Context) (marketView, error) {
	var view marketView

	klines, err := e.exchange.GetKlines(ctx, e.cfg.Symbol, e.cfg.KlineInterval, e.cfg.KlineLimit)
	if err != nil {
		return view, fmt.Errorf("klines: %w", err)
	}
	prices, volumes := exec.Series(klines)
	view.bundle = indicators.Compute(prices, volumes)

	ticker, err := e.exchange.Get24hTicker(ctx, e.cfg.Symbol)
	if err != nil {
		return view, fmt.Errorf("24h ticker: %w", err)
	}

	price := ticker.LastPrice
	if !price.IsPositive() && len(klines) > 0 {
		price = klines[len(klines)-1].Close
	}
	e.setLastPrice(price)

	view.snapshot = risk.MarketSnapshot{
		Price:             price,
		Volume24h:         ticker.Volume,
		PriceChange24hPct: ticker.PriceChangePercent,
	}

	if e.sentiment != nil {
		f, _ := price.Float64()
		view.sentiment = e.sentiment.Analyze(ctx, sentiment.MarketData{
			Symbol:     e.cfg.Symbol,
			Price:      f,
			Prices:     prices,
			Volumes:    volumes,
			Indicators: view.bundle,
			Timestamp:  e.now(),
		})
	}

	return view, nil
}

// enter places the BUY for an approved verdict. Caller holds e.mu.
func (e *Engine) enter(ctx context.Context, verdict risk.Verdict) (risk.Verdict, error) {
	if _, err := e.exchange.SyncTime(ctx); err != nil {
		log.Warn().Err(err).Msg("⚠️ Time sync failed")
	}

	balance, err := e.exchange.GetFreeBalance(ctx, e.cfg.QuoteAsset)
	if err != nil {
		v := noAction(verdict, ReasonNoBalance, err.Error())
		e.setVerdict(v)
		return v, fmt.Errorf("balance: %w", err)
	}
	if balance.LessThan(verdict.Notional) {
		log.Warn().
			Str("balance", balance.StringFixed(2)).
			Str("needed", verdict.Notional.StringFixed(2)).
			Msg("⚠️ Insufficient balance for entry")
		v := noAction(verdict, ReasonNoBalance, balance.StringFixed(2))
		e.setVerdict(v)
		return v, nil
	}

	order, err := e.exchange.MarketOrder(ctx, e.cfg.Symbol, exec.SideBuy, verdict.Quantity)
	if err != nil {
		v := noAction(verdict, ReasonOrderFailed, err.Error())
		e.setVerdict(v)
		return v, fmt.Errorf("buy: %w", err)
	}

	qty, price := e.fill(order, verdict.Quantity, verdict.Price)
	if _, err := e.manager.Open(order.OrderID, qty, price); err != nil {
		log.Error().Err(err).Str("order", order.OrderID).Msg("🚨 Filled entry could not be tracked")
		return verdict, fmt.Errorf("filled BUY %s untracked: %w", order.OrderID, err)
	}
	e.state.RecordEntry(e.now())

	e.record(types.TradeEvent{
		Action:     storage.ActionOpen,
		PositionID: order.OrderID,
		OrderID:    order.OrderID,
		Symbol:     e.cfg.Symbol,
		Side:       exec.SideBuy,
		Price:      price,
		Quantity:   qty,
		Reason:     string(verdict.Reason),
	})

	return verdict, nil
}

func noAction(v risk.Verdict, reason risk.Reason, detail string) risk.Verdict {
	return risk.Verdict{
		Action: risk.ActionNoAction,
		Reason: reason,
		Detail: detail,
		Price:  v.Price,
	}
}

// fill returns the base quantity net of base-asset fees and the average
// price, falling back to the requested values when the venue reports none
func (e *Engine) fill(order exec.OrderResult, qty, price decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	if net := order.NetQty(e.baseAsset); net.IsPositive() {
		qty = net
	}
	if order.AvgPrice.IsPositive() {
		price = order.AvgPrice
	}
	return qty, price
}
