package core

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/spotbot/exec"
	"github.com/web3guy0/spotbot/position"
	"github.com/web3guy0/spotbot/storage"
	"github.com/web3guy0/spotbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// POSITION CYCLE - Stops, scale outs, scale ins
// ═══════════════════════════════════════════════════════════════════════════════
//
// Per position, in this order:
//   1. Update (trailing stop) → SELL everything on a stop hit
//   2. First untaken scale-out level → SELL its share
//   3. Dip below entry → BUY one investment-sized add
//
// Core state is mutated before the order and restored from a snapshot when
// the order fails, so a rejected SELL leaves the position tracked.
//
// ═══════════════════════════════════════════════════════════════════════════════

// RunPositionCycle applies the latest price to every open position
func (e *Engine) RunPositionCycle(ctx context.Context) error {
	if e.manager.Store().Len() == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
	defer cancel()

	price, err := e.currentPrice(ctx)
	if err != nil {
		return fmt.Errorf("price: %w", err)
	}
	e.setLastPrice(price)

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, id := range e.manager.Store().IDs() {
		e.managePosition(ctx, id, price)
	}
	return nil
}

// currentPrice prefers a fresh stream price over a REST round trip
func (e *Engine) currentPrice(ctx context.Context) (decimal.Decimal, error) {
	if e.feed != nil {
		if price, ok := e.feed.Fresh(e.now(), e.cfg.PriceStaleAfter); ok {
			return price, nil
		}
		log.Debug().Msg("Stream price stale, using REST")
	}
	return e.exchange.GetPrice(ctx, e.cfg.Symbol)
}

func (e *Engine) managePosition(ctx context.Context, id string, price decimal.Decimal) {
	before, ok := e.manager.Get(id)
	if !ok {
		return
	}

	res := e.manager.Update(id, price)
	switch res.Outcome {
	case position.NotFound:
		return
	case position.Closed:
		// Roll back to the ratcheted state so the next cycle retries
		before.StopPrice = res.StopPrice
		before.HighestPrice = res.HighestSeen
		e.exitPosition(ctx, before, *res.Close)
		return
	}

	if sig, ok := e.manager.ShouldScaleOut(id, price); ok {
		e.scaleOut(ctx, id, sig, price)
		return
	}

	if e.manager.CanScaleIn(id, price) {
		e.scaleIn(ctx, id, price)
	}
}

func (e *Engine) exitPosition(ctx context.Context, before types.Position, closed position.CloseResult) {
	order, err := e.exchange.MarketOrder(ctx, e.cfg.Symbol, exec.SideSell, closed.Quantity)
	if err != nil {
		log.Error().Err(err).Str("id", closed.ID).Msg("❌ Stop SELL failed")
		e.manager.Restore(before)
		e.alert(fmt.Errorf("stop SELL %s (%s) failed, retrying next cycle: %w", closed.ID, closed.Reason, err))
		return
	}

	qty, price := e.fill(order, closed.Quantity, closed.ExitPrice)
	pnl := price.Sub(closed.EntryPrice).Mul(qty)
	e.settle(closed.ID, pnl)
	e.record(types.TradeEvent{
		Action:     storage.ActionClose,
		PositionID: closed.ID,
		OrderID:    order.OrderID,
		Symbol:     e.cfg.Symbol,
		Side:       exec.SideSell,
		Price:      price,
		Quantity:   qty,
		PnL:        pnl,
		Reason:     closed.Reason,
	})
}

// settle feeds the position's total realized P&L to the circuit breaker
func (e *Engine) settle(id string, pnl decimal.Decimal) {
	total := e.realized[id].Add(pnl)
	delete(e.realized, id)
	e.breaker.RecordClose(total, e.now())
}

func (e *Engine) scaleOut(ctx context.Context, id string, sig position.ScaleOutSignal, price decimal.Decimal) {
	before, ok := e.manager.Get(id)
	if !ok {
		return
	}

	res := e.manager.ScaleOut(id, sig.Level, price)
	if !res.Removed.IsPositive() {
		return
	}

	order, err := e.exchange.MarketOrder(ctx, e.cfg.Symbol, exec.SideSell, res.Removed)
	if err != nil {
		log.Error().Err(err).Str("id", id).Str("level", sig.Level.String()).Msg("❌ Scale-out SELL failed")
		e.manager.Restore(before)
		return
	}

	qty, fillPrice := e.fill(order, res.Removed, price)
	ev := types.TradeEvent{
		Action:     storage.ActionScaleOut,
		PositionID: id,
		OrderID:    order.OrderID,
		Symbol:     e.cfg.Symbol,
		Side:       exec.SideSell,
		Price:      fillPrice,
		Quantity:   qty,
		PnL:        fillPrice.Sub(before.EntryPrice).Mul(qty),
		Reason:     "LEVEL_" + sig.Level.String(),
	}
	if res.Outcome == position.Closed {
		ev.Action = storage.ActionClose
		ev.Reason = position.ReasonScaledOut
		e.settle(id, ev.PnL)
	} else {
		e.realized[id] = e.realized[id].Add(ev.PnL)
	}
	e.record(ev)
}

func (e *Engine) scaleIn(ctx context.Context, id string, price decimal.Decimal) {
	qty := e.cfg.Risk.QuantityFor(price)
	notional := qty.Mul(price)
	if notional.LessThan(e.cfg.Risk.MinNotional) {
		log.Debug().Str("id", id).Str("notional", notional.StringFixed(2)).Msg("Scale-in below min notional")
		return
	}

	balance, err := e.exchange.GetFreeBalance(ctx, e.cfg.QuoteAsset)
	if err != nil {
		log.Warn().Err(err).Msg("⚠️ Balance unavailable, skipping scale-in")
		return
	}
	if balance.LessThan(notional) {
		log.Warn().
			Str("balance", balance.StringFixed(2)).
			Str("needed", notional.StringFixed(2)).
			Msg("⚠️ Insufficient balance for scale-in")
		return
	}

	order, err := e.exchange.MarketOrder(ctx, e.cfg.Symbol, exec.SideBuy, qty)
	if err != nil {
		log.Error().Err(err).Str("id", id).Msg("❌ Scale-in BUY failed")
		return
	}

	fillQty, fillPrice := e.fill(order, qty, price)
	if !e.manager.ScaleIn(id, fillQty, fillPrice) {
		log.Error().Str("id", id).Str("order", order.OrderID).Msg("🚨 Filled scale-in could not be applied")
		return
	}

	e.record(types.TradeEvent{
		Action:     storage.ActionScaleIn,
		PositionID: id,
		OrderID:    order.OrderID,
		Symbol:     e.cfg.Symbol,
		Side:       exec.SideBuy,
		Price:      fillPrice,
		Quantity:   fillQty,
		Reason:     "DIP",
	})
}
