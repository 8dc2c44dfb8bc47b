package liquidity

import (
	"math"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestImpact(t *testing.T) {
	p := DefaultParams()
	tests := []struct {
		name  string
		value float64
		buy   bool
		want  float64
	}{
		{"small buy", 100, true, 0.01},
		{"small sell", 100, false, -0.01},
		{"capped buy", 10000, true, 0.05},
		{"capped sell", 1e6, false, -0.05},
		{"zero", 0, true, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := p.Impact(decimal.NewFromFloat(tt.value), tt.buy)
			assert.InDelta(t, tt.want, got, 1e-12)
		})
	}
}

func TestApplyClamps(t *testing.T) {
	p := DefaultParams()
	assert.Equal(t, 0.5, p.Apply(0.49, 0.05))
	assert.Equal(t, -0.5, p.Apply(-0.49, -0.05))
	assert.InDelta(t, 0.3, p.Apply(0.25, 0.05), 1e-12)
}

func TestPressureStaysBounded(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		p := DefaultParams()
		trades := rapid.SliceOf(rapid.Float64Range(0, 1e6)).Draw(t, "trades")
		sides := rapid.SliceOfN(rapid.Bool(), len(trades), len(trades)).Draw(t, "sides")

		var pressure float64
		for i, v := range trades {
			pressure = p.Record(pressure, decimal.NewFromFloat(v), sides[i])
			if math.Abs(pressure) > p.Limit {
				t.Fatalf("pressure %f exceeds limit", pressure)
			}
			pressure = p.Decay(pressure)
		}
	})
}

func TestDecayNeverCrossesZero(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		p := DefaultParams()
		p.DecayRate = rapid.Float64Range(0, 1).Draw(t, "rate")
		start := rapid.Float64Range(-0.5, 0.5).Draw(t, "start")

		pressure := start
		for i := 0; i < 50; i++ {
			next := p.Decay(pressure)
			if pressure > 0 && next < 0 || pressure < 0 && next > 0 {
				t.Fatalf("decay crossed zero: %f -> %f", pressure, next)
			}
			if math.Abs(next) > math.Abs(pressure) {
				t.Fatalf("decay grew magnitude: %f -> %f", pressure, next)
			}
			pressure = next
		}
	})
}

func TestDecayConvergesToZero(t *testing.T) {
	p := DefaultParams()
	for _, start := range []float64{0.5, -0.5, 0.01, -1e-6} {
		pressure := start
		var n int
		for n = 0; n < 250 && pressure != 0; n++ {
			pressure = p.Decay(pressure)
		}
		assert.Zero(t, pressure, "start %f did not settle within 250 ticks", start)
	}
}
