// Package liquidity tracks per-asset liquidity pressure: a signed, bounded
// force that immediate spot trades push into the next price steps and that
// decays geometrically toward zero between ticks.
package liquidity

import (
	"math"

	"github.com/shopspring/decimal"

	"github.com/atmx/market-sim/internal/config"
)

// settle is the magnitude below which decayed pressure snaps to zero.
const settle = 1e-9

// Params configure trade impact and decay.
type Params struct {
	ImpactFactor float64 // pressure per unit of trade value
	MaxImpact    float64 // cap on a single trade's impact
	DecayRate    float64 // fraction of |pressure| removed per tick
	Limit        float64 // |pressure| never exceeds this
}

// DefaultParams returns the shipped liquidity parameters.
func DefaultParams() Params {
	return ParamsFromConfig(config.Default().Market)
}

func ParamsFromConfig(m config.Market) Params {
	return Params{
		ImpactFactor: m.LiquidityImpactFactor,
		MaxImpact:    m.LiquidityMaxImpact,
		DecayRate:    m.LiquidityDecayRate,
		Limit:        m.LiquidityPressureLimit,
	}
}

// Impact returns the signed pressure a trade of the given value produces:
// min(value·factor, max), positive for buys and negative for sells.
func (p Params) Impact(tradeValue decimal.Decimal, isBuy bool) float64 {
	v := math.Abs(tradeValue.InexactFloat64())
	impact := math.Min(v*p.ImpactFactor, p.MaxImpact)
	if !isBuy {
		impact = -impact
	}
	return impact
}

// Apply adds impact to pressure and clamps the sum to [-Limit, Limit].
func (p Params) Apply(pressure, impact float64) float64 {
	return math.Max(-p.Limit, math.Min(p.Limit, pressure+impact))
}

// Record returns the pressure after a trade of tradeValue.
func (p Params) Record(pressure float64, tradeValue decimal.Decimal, isBuy bool) float64 {
	return p.Apply(pressure, p.Impact(tradeValue, isBuy))
}

// Decay moves pressure toward zero by DecayRate·|pressure|. It never crosses
// zero, and magnitudes below 1e-9 settle at exactly zero.
func (p Params) Decay(pressure float64) float64 {
	if pressure == 0 {
		return 0
	}
	step := math.Abs(pressure) * p.DecayRate
	var next float64
	if pressure > 0 {
		next = math.Max(0, pressure-step)
	} else {
		next = math.Min(0, pressure+step)
	}
	if math.Abs(next) < settle {
		return 0
	}
	return next
}
