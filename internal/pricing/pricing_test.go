package pricing

import (
	"math/rand"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/atmx/market-sim/internal/model"
)

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func newAsset(sym model.Symbol) *model.Asset {
	for _, l := range model.Catalog {
		if l.Symbol == sym {
			return model.NewAsset(l)
		}
	}
	panic("unknown symbol " + sym)
}

func TestVolatilityStaysInBand(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		seed := rapid.Int64().Draw(t, "seed")
		ticks := rapid.IntRange(1, 2000).Draw(t, "ticks")
		idx := rapid.IntRange(0, len(model.Catalog)-1).Draw(t, "asset")

		m := NewModel(DefaultParams(), rand.New(rand.NewSource(seed)))
		a := model.NewAsset(model.Catalog[idx])
		lo := a.BaseVolatility * 0.5
		hi := a.BaseVolatility * 1.5
		for i := 0; i < ticks; i++ {
			m.UpdateVolatility(a)
			if a.Volatility < lo-1e-12 || a.Volatility > hi+1e-12 {
				t.Fatalf("tick %d: volatility %f outside [%f, %f]", i, a.Volatility, lo, hi)
			}
		}
	})
}

func TestPriceNeverBelowFloor(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		seed := rapid.Int64().Draw(t, "seed")
		pressure := rapid.Float64Range(-0.5, 0.5).Draw(t, "pressure")

		m := NewModel(DefaultParams(), rand.New(rand.NewSource(seed)))
		a := newAsset(model.SAKIKO)
		a.LiquidityPressure = pressure
		for i := 0; i < 500; i++ {
			m.UpdateVolatility(a)
			m.Step(a)
			if a.Price.LessThan(d(0.01)) {
				t.Fatalf("tick %d: price %s below floor", i, a.Price)
			}
		}
	})
}

func TestStepGrowsMean(t *testing.T) {
	m := NewModel(DefaultParams(), rand.New(rand.NewSource(1)))
	a := newAsset(model.PIG)
	m.Step(a)
	// 100 + 100*0.001
	assert.True(t, a.DynamicMean.Equal(d(100.1)), "mean = %s", a.DynamicMean)
}

func TestStepAtMeanWithZeroVolatility(t *testing.T) {
	p := DefaultParams()
	p.MeanGrowthRate = 0
	m := NewModel(p, rand.New(rand.NewSource(1)))
	a := newAsset(model.PIG)
	a.Volatility = 0

	m.Step(a)
	assert.True(t, a.Price.Equal(d(100)), "price = %s", a.Price)

	// pressure alone moves the price
	a.LiquidityPressure = 0.01
	m.Step(a)
	assert.True(t, a.Price.Equal(d(101)), "price = %s", a.Price)
}

func TestReversionPullsTowardMean(t *testing.T) {
	p := DefaultParams()
	p.MeanGrowthRate = 0
	m := NewModel(p, rand.New(rand.NewSource(1)))
	a := newAsset(model.PIG)
	a.Volatility = 0
	a.Price = d(200)

	m.Step(a)
	// deviation 1.0, reversion -0.1 => 180
	assert.True(t, a.Price.Equal(d(180)), "price = %s", a.Price)
}

func TestApplyShock(t *testing.T) {
	m := NewModel(DefaultParams(), rand.New(rand.NewSource(1)))
	a := newAsset(model.GENSHIN)

	m.ApplyShock(a, 0.10)
	assert.True(t, a.Price.Equal(d(712.8)), "price = %s", a.Price)
	assert.True(t, a.DynamicMean.Equal(d(712.8)), "mean = %s", a.DynamicMean)

	m.ApplyShock(a, -0.20)
	assert.True(t, a.Price.Equal(d(570.24)), "price = %s", a.Price)
}

func TestApplyShockFloorsPrice(t *testing.T) {
	m := NewModel(DefaultParams(), rand.New(rand.NewSource(1)))
	a := newAsset(model.SAKIKO)
	a.Price = d(0.011)
	m.ApplyShock(a, -0.2)
	assert.True(t, a.Price.Equal(d(0.01)), "price = %s", a.Price)
}

func TestShockMagnitude(t *testing.T) {
	m := NewModel(DefaultParams(), rand.New(rand.NewSource(42)))
	var sawUp, sawDown bool
	for i := 0; i < 200; i++ {
		s := m.Shock(0.05, 0.20)
		abs := s
		if abs < 0 {
			abs = -abs
			sawDown = true
		} else {
			sawUp = true
		}
		require.GreaterOrEqual(t, abs, 0.05)
		require.LessOrEqual(t, abs, 0.20)
	}
	assert.True(t, sawUp && sawDown)
}
