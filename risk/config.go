package risk

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

const (
	// DefaultCooldown is the minimum spacing between two entries
	DefaultCooldown = 5 * time.Minute
	// DefaultQuantityPrecision is the number of decimals kept on order quantities
	DefaultQuantityPrecision int32 = 6
)

var hundred = decimal.NewFromInt(100)

// ErrInvalidConfig is wrapped by every Config validation failure
var ErrInvalidConfig = errors.New("invalid risk config")

// ScaleOutLevel pairs a profit threshold with the share of the position to sell
type ScaleOutLevel struct {
	ProfitPct decimal.Decimal // Profit % that arms the level
	SellPct   decimal.Decimal // % of the current quantity to sell
}

// Config holds the risk parameters of one run. It is never mutated after load.
type Config struct {
	Investment         decimal.Decimal // Quote amount per entry
	InitialStopLossPct decimal.Decimal // Stop distance below entry
	TrailingStopPct    decimal.Decimal // Stop distance below the high water mark
	ScaleInDipPct      decimal.Decimal // Drop from entry that allows averaging down
	MaxScaleInAttempts int
	ScaleOutLevels     []ScaleOutLevel // Ascending by ProfitPct, may be empty

	MaxTradesPerDay      int
	Cooldown             time.Duration
	MinVolume24h         decimal.Decimal
	MaxPriceChange24hPct decimal.Decimal // Absolute 24h change ceiling
	MinNotional          decimal.Decimal
	QuantityPrecision    int32
}

// Validate checks every field is usable
func (c Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
	}

	if !c.Investment.IsPositive() {
		return invalid("investment must be positive")
	}
	if !pctInRange(c.InitialStopLossPct) {
		return invalid("initial stop loss must be within (0, 100)")
	}
	if !pctInRange(c.TrailingStopPct) {
		return invalid("trailing stop must be within (0, 100)")
	}
	if c.ScaleInDipPct.IsNegative() {
		return invalid("scale-in dip must not be negative")
	}
	if c.MaxScaleInAttempts < 0 {
		return invalid("max scale-in attempts must not be negative")
	}
	if c.MaxTradesPerDay <= 0 {
		return invalid("max trades per day must be positive")
	}
	if c.Cooldown < 0 {
		return invalid("cooldown must not be negative")
	}
	if c.MinVolume24h.IsNegative() || c.MaxPriceChange24hPct.IsNegative() || c.MinNotional.IsNegative() {
		return invalid("market thresholds must not be negative")
	}
	if c.QuantityPrecision < 0 {
		return invalid("quantity precision must not be negative")
	}

	for i, lvl := range c.ScaleOutLevels {
		if !lvl.ProfitPct.IsPositive() {
			return invalid("scale-out level %d: profit threshold must be positive", i)
		}
		if !lvl.SellPct.IsPositive() || lvl.SellPct.GreaterThan(hundred) {
			return invalid("scale-out level %d: sell percentage must be within (0, 100]", i)
		}
		if i > 0 && !lvl.ProfitPct.GreaterThan(c.ScaleOutLevels[i-1].ProfitPct) {
			return invalid("scale-out levels must be strictly ascending")
		}
	}

	return nil
}

// QuantityFor derives the order quantity that spends at most the investment at
// price. The quotient is truncated to the quantity precision.
func (c Config) QuantityFor(price decimal.Decimal) decimal.Decimal {
	if !price.IsPositive() {
		return decimal.Zero
	}
	return c.Investment.Div(price).Truncate(c.QuantityPrecision)
}

func pctInRange(p decimal.Decimal) bool {
	return p.IsPositive() && p.LessThan(hundred)
}
