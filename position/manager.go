package position

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/spotbot/risk"
	"github.com/web3guy0/spotbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// POSITION MANAGER - Stop loss, trailing stop, scale in, scale out
// ═══════════════════════════════════════════════════════════════════════════════
//
// Open → Update (ratchet stop / stop hit) → ScaleIn / ScaleOut → Close
//
// The manager only does bookkeeping. The caller executes the matching order on
// the exchange before (entries) or after (exits) calling in here.
//
// ═══════════════════════════════════════════════════════════════════════════════

var hundred = decimal.NewFromInt(100)

// ErrInvalidInput is returned by Open for non-positive quantity or price
var ErrInvalidInput = errors.New("invalid position input")

// Outcome of a lifecycle call
type Outcome int

const (
	NoAction Outcome = iota
	Closed
	NotFound
)

func (o Outcome) String() string {
	switch o {
	case Closed:
		return "CLOSED"
	case NotFound:
		return "NOT_FOUND"
	default:
		return "NO_ACTION"
	}
}

// Close reasons
const (
	ReasonStopHit   = "STOP_HIT"
	ReasonManual    = "MANUAL"
	ReasonScaledOut = "SCALED_OUT"
)

// CloseResult describes a closed position
type CloseResult struct {
	ID         string
	Symbol     string
	Quantity   decimal.Decimal
	EntryPrice decimal.Decimal
	ExitPrice  decimal.Decimal
	Profit     decimal.Decimal
	Reason     string
	HeldFor    time.Duration
}

// UpdateResult is the answer to a price tick
type UpdateResult struct {
	Outcome     Outcome
	Close       *CloseResult // Set when Outcome == Closed
	StopRaised  bool
	StopPrice   decimal.Decimal
	HighestSeen decimal.Decimal
}

// ScaleOutSignal names the next level to take
type ScaleOutSignal struct {
	Level   decimal.Decimal
	SellPct decimal.Decimal
}

// ScaleOutResult describes an executed partial exit
type ScaleOutResult struct {
	Outcome   Outcome // NoAction when the level is not takeable, Closed when nothing remains
	Level     decimal.Decimal
	Removed   decimal.Decimal
	Remaining decimal.Decimal
	Profit    decimal.Decimal // Realized on the removed part
	Skipped   bool            // Level recorded with nothing sold
	Close     *CloseResult
}

// Manager runs the position lifecycle under one risk config.
// Every method is atomic with respect to the others.
type Manager struct {
	mu     sync.Mutex
	cfg    risk.Config
	symbol string
	store  *Store
	now    func() time.Time
}

// NewManager creates a manager for one trading pair
func NewManager(symbol string, cfg risk.Config, store *Store) *Manager {
	if store == nil {
		store = NewStore()
	}
	return &Manager{
		cfg:    cfg,
		symbol: symbol,
		store:  store,
		now:    time.Now,
	}
}

// Store exposes the backing store for read-only consumers
func (m *Manager) Store() *Store {
	return m.store
}

// Open registers a filled entry order
func (m *Manager) Open(id string, quantity, entryPrice decimal.Decimal) (types.Position, error) {
	if id == "" {
		return types.Position{}, fmt.Errorf("%w: empty id", ErrInvalidInput)
	}
	if !quantity.IsPositive() || !entryPrice.IsPositive() {
		return types.Position{}, fmt.Errorf("%w: quantity %s price %s", ErrInvalidInput, quantity, entryPrice)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	pos := types.Position{
		ID:           id,
		Symbol:       m.symbol,
		Quantity:     quantity,
		EntryPrice:   entryPrice,
		StopPrice:    entryPrice.Mul(hundred.Sub(m.cfg.InitialStopLossPct)).Div(hundred),
		HighestPrice: entryPrice,
		OpenedAt:     m.now(),
	}
	if err := m.store.Insert(pos); err != nil {
		return types.Position{}, fmt.Errorf("open %s: %w", id, err)
	}

	log.Info().
		Str("id", id).
		Str("qty", quantity.String()).
		Str("entry", entryPrice.StringFixed(2)).
		Str("stop", pos.StopPrice.StringFixed(2)).
		Msg("📈 Position opened")

	return pos.Clone(), nil
}

// Restore puts back a snapshot taken before a mutation whose order failed
func (m *Manager) Restore(p types.Position) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.store.Put(p)
	log.Warn().
		Str("id", p.ID).
		Str("qty", p.Quantity.String()).
		Msg("↩️ Position restored")
}

// Get returns a copy of the position
func (m *Manager) Get(id string) (types.Position, bool) {
	return m.store.Get(id)
}

// Positions returns copies of every open position
func (m *Manager) Positions() []types.Position {
	return m.store.Snapshot()
}

// Update applies a price tick: raise the high water mark, ratchet the
// trailing stop, close when the stop is hit.
func (m *Manager) Update(id string, price decimal.Decimal) UpdateResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	var res UpdateResult
	found := m.store.Mutate(id, func(p *types.Position) {
		if price.GreaterThan(p.HighestPrice) {
			p.HighestPrice = price
			trailing := price.Mul(hundred.Sub(m.cfg.TrailingStopPct)).Div(hundred)
			if trailing.GreaterThan(p.StopPrice) {
				log.Debug().
					Str("id", id).
					Str("old_stop", p.StopPrice.StringFixed(2)).
					Str("new_stop", trailing.StringFixed(2)).
					Msg("Trailing stop raised")
				p.StopPrice = trailing
				res.StopRaised = true
			}
		}
		res.StopPrice = p.StopPrice
		res.HighestSeen = p.HighestPrice
	})
	if !found {
		res.Outcome = NotFound
		return res
	}

	if price.LessThanOrEqual(res.StopPrice) {
		closed, _ := m.closeLocked(id, price, ReasonStopHit)
		res.Outcome = Closed
		res.Close = &closed
		return res
	}

	res.Outcome = NoAction
	return res
}

// Close removes the position at exitPrice. A second close of the same id
// reports false.
func (m *Manager) Close(id string, exitPrice decimal.Decimal) (CloseResult, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closeLocked(id, exitPrice, ReasonManual)
}

func (m *Manager) closeLocked(id string, exitPrice decimal.Decimal, reason string) (CloseResult, bool) {
	p, ok := m.store.Remove(id)
	if !ok {
		return CloseResult{}, false
	}

	res := CloseResult{
		ID:         p.ID,
		Symbol:     p.Symbol,
		Quantity:   p.Quantity,
		EntryPrice: p.EntryPrice,
		ExitPrice:  exitPrice,
		Profit:     exitPrice.Sub(p.EntryPrice).Mul(p.Quantity),
		Reason:     reason,
		HeldFor:    m.now().Sub(p.OpenedAt),
	}

	emoji := "✅"
	if res.Profit.IsNegative() {
		emoji = "❌"
	}
	log.Info().
		Str("id", id).
		Str("reason", reason).
		Str("entry", p.EntryPrice.StringFixed(2)).
		Str("exit", exitPrice.StringFixed(2)).
		Str("pnl", res.Profit.StringFixed(4)).
		Msg(emoji + " Position closed")

	return res, true
}

// ═══════════════════════════════════════════════════════════════════════════════
// SCALE IN
// ═══════════════════════════════════════════════════════════════════════════════

// CanScaleIn reports whether price sits at least the dip below entry and
// attempts remain
func (m *Manager) CanScaleIn(id string, price decimal.Decimal) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.store.Get(id)
	if !ok || p.ScaleInAttempts >= m.cfg.MaxScaleInAttempts {
		return false
	}
	return p.ProfitPct(price).LessThanOrEqual(m.cfg.ScaleInDipPct.Neg())
}

// ScaleIn adds a filled buy to the position and re-averages the entry.
// Returns false when the id is unknown or attempts are exhausted.
func (m *Manager) ScaleIn(id string, quantity, price decimal.Decimal) bool {
	if !quantity.IsPositive() || !price.IsPositive() {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	applied := false
	m.store.Mutate(id, func(p *types.Position) {
		if p.ScaleInAttempts >= m.cfg.MaxScaleInAttempts {
			return
		}
		total := p.Quantity.Add(quantity)
		p.EntryPrice = p.EntryPrice.Mul(p.Quantity).Add(price.Mul(quantity)).Div(total)
		p.Quantity = total
		p.ScaleInAttempts++
		applied = true

		log.Info().
			Str("id", id).
			Int("attempt", p.ScaleInAttempts).
			Str("added", quantity.String()).
			Str("avg_entry", p.EntryPrice.StringFixed(2)).
			Msg("➕ Scaled in")
	})
	return applied
}

// ═══════════════════════════════════════════════════════════════════════════════
// SCALE OUT
// ═══════════════════════════════════════════════════════════════════════════════

// ShouldScaleOut returns the first configured level reached by price and not
// yet taken
func (m *Manager) ShouldScaleOut(id string, price decimal.Decimal) (ScaleOutSignal, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.store.Get(id)
	if !ok {
		return ScaleOutSignal{}, false
	}
	profit := p.ProfitPct(price)
	for _, lvl := range m.cfg.ScaleOutLevels {
		if profit.GreaterThanOrEqual(lvl.ProfitPct) && !p.LevelTaken(lvl.ProfitPct) {
			return ScaleOutSignal{Level: lvl.ProfitPct, SellPct: lvl.SellPct}, true
		}
	}
	return ScaleOutSignal{}, false
}

// ScaleOut takes level at price in one step: the level is recorded and its
// share of the quantity removed. Nothing left closes the position.
func (m *Manager) ScaleOut(id string, level, price decimal.Decimal) ScaleOutResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	sellPct, configured := m.levelPct(level)

	res := ScaleOutResult{Outcome: NoAction, Level: level}
	found := m.store.Mutate(id, func(p *types.Position) {
		if !configured || p.LevelTaken(level) {
			res.Remaining = p.Quantity
			return
		}

		removed := p.Quantity.Mul(sellPct).Div(hundred).Truncate(m.cfg.QuantityPrecision)
		if sellPct.GreaterThanOrEqual(hundred) || removed.GreaterThan(p.Quantity) {
			removed = p.Quantity
		}

		p.ScaleOutLevelsTaken = append(p.ScaleOutLevelsTaken, level)

		// A slice too small to trade is left for the later exits
		partial := removed.LessThan(p.Quantity)
		if !removed.IsPositive() || (partial && removed.Mul(price).LessThan(m.cfg.MinNotional)) {
			res.Skipped = true
			res.Remaining = p.Quantity
			log.Debug().
				Str("id", id).
				Str("level", level.String()+"%").
				Str("slice", removed.String()).
				Msg("Scale-out slice below tradable size, level skipped")
			return
		}

		p.Quantity = p.Quantity.Sub(removed)

		res.Removed = removed
		res.Remaining = p.Quantity
		res.Profit = price.Sub(p.EntryPrice).Mul(removed)

		log.Info().
			Str("id", id).
			Str("level", level.String()+"%").
			Str("sold", removed.String()).
			Str("remaining", p.Quantity.String()).
			Str("pnl", res.Profit.StringFixed(4)).
			Msg("💰 Scaled out")
	})
	if !found {
		res.Outcome = NotFound
		return res
	}

	if res.Removed.IsPositive() && !res.Remaining.IsPositive() {
		closed, _ := m.closeLocked(id, price, ReasonScaledOut)
		// Quantity on the close is the last slice sold
		closed.Quantity = res.Removed
		closed.Profit = res.Profit
		res.Outcome = Closed
		res.Close = &closed
	}
	return res
}

func (m *Manager) levelPct(level decimal.Decimal) (decimal.Decimal, bool) {
	for _, lvl := range m.cfg.ScaleOutLevels {
		if lvl.ProfitPct.Equal(level) {
			return lvl.SellPct, true
		}
	}
	return decimal.Zero, false
}
