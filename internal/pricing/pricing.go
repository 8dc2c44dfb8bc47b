// Package pricing implements the per-asset stochastic price process: a
// bounded random-walk volatility, mean-reverting price steps around a slowly
// growing dynamic mean, and one-off shocks from random events.
//
// Transcendental and random math runs in float64; every result written back
// to an asset is converted to decimal and rounded to PriceScale places.
package pricing

import (
	"math"
	"math/rand"

	"github.com/shopspring/decimal"

	"github.com/atmx/market-sim/internal/config"
	"github.com/atmx/market-sim/internal/model"
)

// PriceScale is the number of decimal places prices are rounded to.
var PriceScale int32 = 8

// Params are the tunables of the price process.
type Params struct {
	// VolatilityRange is the half-width of the uniform volatility nudge per tick.
	VolatilityRange float64
	// MinRatio and MaxRatio bound volatility relative to the base volatility.
	MinRatio float64
	MaxRatio float64
	// ReversionStrength scales the pull toward the dynamic mean.
	ReversionStrength float64
	// MeanGrowthRate is the fraction of the initial price added to the mean per tick.
	MeanGrowthRate float64
	// Floor is the lowest price an asset can reach.
	Floor float64
}

// DefaultParams returns the shipped price-process parameters.
func DefaultParams() Params {
	return ParamsFromConfig(config.Default().Market)
}

// ParamsFromConfig extracts the price-process parameters from market config.
func ParamsFromConfig(m config.Market) Params {
	return Params{
		VolatilityRange:   m.VolatilityRandomRange,
		MinRatio:          m.VolatilityMinRatio,
		MaxRatio:          m.VolatilityMaxRatio,
		ReversionStrength: m.MeanReversionStrength,
		MeanGrowthRate:    m.MeanGrowthRate,
		Floor:             m.PriceFloor,
	}
}

// Model applies the price process to assets. It holds no asset state; the
// caller owns the assets and must serialize calls (the rng is not safe for
// concurrent use).
type Model struct {
	p   Params
	rng *rand.Rand
}

// NewModel creates a model drawing randomness from rng.
func NewModel(p Params, rng *rand.Rand) *Model {
	return &Model{p: p, rng: rng}
}

// Params returns the model's parameters.
func (m *Model) Params() Params {
	return m.p
}

// UpdateVolatility nudges the asset's volatility by U(-range, range) and
// clamps it to [base·MinRatio, base·MaxRatio].
func (m *Model) UpdateVolatility(a *model.Asset) {
	delta := m.uniform(-m.p.VolatilityRange, m.p.VolatilityRange)
	lo := a.BaseVolatility * m.p.MinRatio
	hi := a.BaseVolatility * m.p.MaxRatio
	a.Volatility = clamp(a.Volatility+delta, lo, hi)
}

// Step advances one tick: the dynamic mean grows by initial·growth, then the
// price moves by a random return in [-vol, vol], a reversion term toward the
// mean and the asset's current liquidity pressure. The price never drops
// below the floor.
func (m *Model) Step(a *model.Asset) {
	initial := a.InitialPrice.InexactFloat64()
	mean := a.DynamicMean.InexactFloat64() + initial*m.p.MeanGrowthRate

	price := a.Price.InexactFloat64()
	shock := m.uniform(-a.Volatility, a.Volatility)

	var reversion float64
	if mean > 0 {
		deviation := (price - mean) / mean
		reversion = -deviation * m.p.ReversionStrength
	}

	next := price * (1 + shock + reversion + a.LiquidityPressure)
	a.DynamicMean = toDecimal(mean)
	a.Price = toDecimal(math.Max(m.p.Floor, next))
}

// ApplyShock moves both the price and the dynamic mean by changePct
// (e.g. -0.12 for a 12% drop). The price is floored like a regular step.
func (m *Model) ApplyShock(a *model.Asset, changePct float64) {
	factor := 1 + changePct
	price := a.Price.InexactFloat64() * factor
	a.Price = toDecimal(math.Max(m.p.Floor, price))
	a.DynamicMean = toDecimal(a.DynamicMean.InexactFloat64() * factor)
}

// Shock draws a signed shock magnitude in [lo, hi] with a random sign.
func (m *Model) Shock(lo, hi float64) float64 {
	pct := m.uniform(lo, hi)
	if m.rng.Intn(2) == 0 {
		return -pct
	}
	return pct
}

func (m *Model) uniform(lo, hi float64) float64 {
	return lo + m.rng.Float64()*(hi-lo)
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(hi, math.Max(lo, v))
}

func toDecimal(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f).Round(PriceScale)
}
