package core

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/spotbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ROUTER - Fans trade events and error alerts out to every notifier
// ═══════════════════════════════════════════════════════════════════════════════

type Router struct {
	mu        sync.RWMutex
	notifiers []TradeNotifier
	alerters  []ErrorNotifier
}

// NewRouter creates a new event router
func NewRouter() *Router {
	return &Router{}
}

// Subscribe registers a notifier. nil is ignored.
func (r *Router) Subscribe(n TradeNotifier) {
	if n == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifiers = append(r.notifiers, n)
}

// Route logs ev and hands it to every notifier. A panicking notifier does not
// stop the others.
func (r *Router) Route(ev types.TradeEvent) {
	log.Info().
		Str("action", ev.Action).
		Str("id", ev.PositionID).
		Str("side", ev.Side).
		Str("qty", ev.Quantity.String()).
		Str("price", ev.Price.StringFixed(2)).
		Str("pnl", ev.PnL.StringFixed(4)).
		Msg("📝 Trade")

	r.mu.RLock()
	notifiers := make([]TradeNotifier, len(r.notifiers))
	copy(notifiers, r.notifiers)
	r.mu.RUnlock()

	for _, n := range notifiers {
		deliver(n, ev)
	}
}

// SubscribeErrors registers an error alert sink. nil is ignored.
func (r *Router) SubscribeErrors(n ErrorNotifier) {
	if n == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerters = append(r.alerters, n)
}

// Alert hands err to every error sink
func (r *Router) Alert(err error) {
	r.mu.RLock()
	alerters := make([]ErrorNotifier, len(r.alerters))
	copy(alerters, r.alerters)
	r.mu.RUnlock()

	for _, n := range alerters {
		safely(func() { n.NotifyError(err) })
	}
}

func deliver(n TradeNotifier, ev types.TradeEvent) {
	safely(func() { n.NotifyTrade(ev) })
}

func safely(fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().Interface("panic", rec).Msg("Notifier panicked")
		}
	}()
	fn()
}

// Count returns the number of trade and error subscribers
func (r *Router) Count() (trades, alerts int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.notifiers), len(r.alerters)
}
