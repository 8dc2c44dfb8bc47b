// Package contract implements leveraged long/short positions on the
// simulated assets: opening and closing against the shared account table,
// the liquidation sweep and periodic funding settlement.
//
// Positions are persisted through store.Store, which is authoritative; the
// per-account cache in market is a convenience view.
package contract

import (
	"math"

	"github.com/shopspring/decimal"

	"github.com/atmx/market-sim/internal/model"
)

// PriceScale is the number of decimal places derived prices and PnL are
// rounded to.
var PriceScale int32 = 8

// LiquidationPrice is the price at which a position loses threshold of its
// margin: entry·(1 - threshold/leverage) for longs and
// entry·(1 + threshold/leverage) for shorts.
func LiquidationPrice(entry decimal.Decimal, leverage int, dir model.Direction, threshold decimal.Decimal) decimal.Decimal {
	move := threshold.Div(decimal.NewFromInt(int64(leverage)))
	one := decimal.NewFromInt(1)
	if dir == model.Long {
		return entry.Mul(one.Sub(move)).Round(PriceScale)
	}
	return entry.Mul(one.Add(move)).Round(PriceScale)
}

// PnL is the unrealized profit of p at current: margin · relative price
// change in the position's favour · leverage.
func PnL(p model.Position, current decimal.Decimal) decimal.Decimal {
	if p.EntryPrice.IsZero() {
		return decimal.Zero
	}
	change := current.Sub(p.EntryPrice)
	if p.Direction == model.Short {
		change = change.Neg()
	}
	pct := change.Div(p.EntryPrice)
	return p.Margin.Mul(pct).Mul(decimal.NewFromInt(int64(p.Leverage))).Round(PriceScale)
}

// Liquidatable reports whether current has crossed p's liquidation price.
func Liquidatable(p model.Position, current decimal.Decimal) bool {
	if p.Direction == model.Long {
		return current.LessThanOrEqual(p.LiquidationPrice)
	}
	return current.GreaterThanOrEqual(p.LiquidationPrice)
}

// FundingRate derives the per-settlement rate from aggregate notionals:
// (longShare - shortShare)·scale clamped to ±limit. Positive means longs pay.
func FundingRate(longNotional, shortNotional decimal.Decimal, scale, limit float64) float64 {
	total := longNotional.Add(shortNotional)
	if !total.IsPositive() {
		return 0
	}
	long := longNotional.InexactFloat64()
	short := shortNotional.InexactFloat64()
	sum := long + short
	imbalance := long/sum - short/sum
	return math.Max(-limit, math.Min(limit, imbalance*scale))
}

// LiquidationDistance is how far, as a fraction of current, the price can
// move against p before liquidation. Negative once crossed.
func LiquidationDistance(p model.Position, current decimal.Decimal) float64 {
	if !current.IsPositive() {
		return 0
	}
	gap := current.Sub(p.LiquidationPrice)
	if p.Direction == model.Short {
		gap = gap.Neg()
	}
	return gap.Div(current).InexactFloat64()
}
