// Package limits enforces risk limits on leveraged positions: the allowed
// leverage range and the maximum notional of a single position.
package limits

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/market-sim/internal/config"
	"github.com/atmx/market-sim/internal/market"
)

// PositionLimiter validates leverage and notional before a position opens.
type PositionLimiter struct {
	// MaxPositionValue caps amount·price of a single position.
	MaxPositionValue decimal.Decimal

	// DefaultLeverage replaces a non-positive requested leverage.
	DefaultLeverage int

	// MaxLeverage is the highest accepted leverage.
	MaxLeverage int
}

// NewPositionLimiter creates a limiter. A default leverage below 1 is raised to 1.
func NewPositionLimiter(maxValue decimal.Decimal, defaultLeverage, maxLeverage int) *PositionLimiter {
	if defaultLeverage < 1 {
		defaultLeverage = 1
	}
	return &PositionLimiter{
		MaxPositionValue: maxValue,
		DefaultLeverage:  defaultLeverage,
		MaxLeverage:      maxLeverage,
	}
}

// FromConfig builds a limiter from contract config.
func FromConfig(c config.Contract) *PositionLimiter {
	return NewPositionLimiter(decimal.NewFromFloat(c.MaxPositionValue), c.DefaultLeverage, c.MaxLeverage)
}

// NormalizeLeverage maps leverage ≤ 0 to the default and rejects values
// above the maximum.
func (l *PositionLimiter) NormalizeLeverage(leverage int) (int, error) {
	if leverage <= 0 {
		return l.DefaultLeverage, nil
	}
	if leverage > l.MaxLeverage {
		return 0, fmt.Errorf("%w: %d (max %d)", market.ErrInvalidLeverage, leverage, l.MaxLeverage)
	}
	return leverage, nil
}

// CheckValue rejects a position whose notional exceeds MaxPositionValue.
func (l *PositionLimiter) CheckValue(value decimal.Decimal) error {
	if value.GreaterThan(l.MaxPositionValue) {
		return fmt.Errorf("%w: %s > %s", market.ErrPositionValueExceeded,
			value.StringFixed(2), l.MaxPositionValue.StringFixed(2))
	}
	return nil
}
