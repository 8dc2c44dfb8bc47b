package contract_test

import (
	"context"
	"errors"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/market-sim/internal/config"
	"github.com/atmx/market-sim/internal/contract"
	"github.com/atmx/market-sim/internal/limits"
	"github.com/atmx/market-sim/internal/market"
	"github.com/atmx/market-sim/internal/model"
	"github.com/atmx/market-sim/internal/store"
)

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

// flakyStore fails selected operations on demand.
type flakyStore struct {
	*store.MemoryStore
	failInsert atomic.Bool
	failClose  atomic.Bool
	failList   atomic.Bool
}

var errDown = errors.New("db down")

func (s *flakyStore) InsertPosition(ctx context.Context, p *model.Position) error {
	if s.failInsert.Load() {
		return errDown
	}
	return s.MemoryStore.InsertPosition(ctx, p)
}

func (s *flakyStore) ClosePosition(ctx context.Context, rec *model.ClosedPosition) error {
	if s.failClose.Load() {
		return errDown
	}
	return s.MemoryStore.ClosePosition(ctx, rec)
}

func (s *flakyStore) AllOpenPositions(ctx context.Context) ([]model.Position, error) {
	if s.failList.Load() {
		return nil, errDown
	}
	return s.MemoryStore.AllOpenPositions(ctx)
}

type testEnv struct {
	market *market.Market
	store  *flakyStore
	engine *contract.Engine
	now    time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg := config.Default()
	env := &testEnv{
		market: market.New(market.DefaultParams(), rand.New(rand.NewSource(1))),
		store:  &flakyStore{MemoryStore: store.NewMemoryStore()},
		now:    time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC),
	}
	env.engine = contract.NewEngine(env.market, env.store, limits.FromConfig(cfg.Contract),
		contract.ParamsFromConfig(cfg.Contract, time.Second),
		contract.WithClock(func() time.Time { return env.now }))
	return env
}

func (e *testEnv) balance(user string) decimal.Decimal {
	return e.market.Account(user).Balance
}

// setPrice moves sym to an exact price.
func (e *testEnv) setPrice(t *testing.T, sym model.Symbol, target float64) {
	t.Helper()
	cur, err := e.market.Price(sym)
	require.NoError(t, err)
	_, after, err := e.market.ApplyShock(sym, target/cur.InexactFloat64()-1)
	require.NoError(t, err)
	require.InDelta(t, target, after.InexactFloat64(), 1e-6)
}

func TestOpenDebitsMarginAndFee(t *testing.T) {
	env := newTestEnv(t)

	res, err := env.engine.Open(context.Background(), "alice", model.PIG, model.Long, d(10), 0)
	require.NoError(t, err)
	assert.Equal(t, 10, res.Position.Leverage)
	assert.True(t, res.Position.Margin.Equal(d(100)))
	assert.True(t, res.Position.LiquidationPrice.Equal(d(91)))
	assert.True(t, res.Fee.Equal(d(1)))
	// 10000 - 100 margin - 1 fee
	assert.True(t, env.balance("alice").Equal(d(9899)), "balance %s", env.balance("alice"))

	open, err := env.store.OpenPositionsByUser(context.Background(), "alice")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, res.Position.ID, open[0].ID)
}

func TestOpenRejections(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		sym      model.Symbol
		dir      model.Direction
		amount   float64
		leverage int
		want     error
	}{
		{"unknown asset", "BTC", model.Long, 1, 10, market.ErrUnknownAsset},
		{"bad direction", model.PIG, "sideways", 1, 10, market.ErrInvalidDirection},
		{"zero amount", model.PIG, model.Long, 0, 10, market.ErrInvalidAmount},
		{"leverage too high", model.PIG, model.Long, 1, 101, market.ErrInvalidLeverage},
		{"value above max", model.GENSHIN, model.Long, 155, 100, market.ErrPositionValueExceeded},
		{"insufficient balance", model.GENSHIN, model.Short, 100, 1, market.ErrInsufficientBalance},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.engine.Open(ctx, "bob", tt.sym, tt.dir, d(tt.amount), tt.leverage)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
			assert.True(t, env.balance("bob").Equal(d(10000)), "balance mutated: %s", env.balance("bob"))
		})
	}
}

func TestOpenRefundsWhenStoreFails(t *testing.T) {
	env := newTestEnv(t)
	env.store.failInsert.Store(true)

	_, err := env.engine.Open(context.Background(), "carol", model.PIG, model.Long, d(1), 10)
	assert.True(t, errors.Is(err, market.ErrStoreUnavailable))
	assert.True(t, env.balance("carol").Equal(d(10000)))
	assert.Empty(t, env.market.Account("carol").Holdings)
}

func TestCloseCreditsMarginPlusPnLMinusFee(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	res, err := env.engine.Open(ctx, "dave", model.PIG, model.Long, d(10), 10)
	require.NoError(t, err)
	env.setPrice(t, model.PIG, 110)
	env.now = env.now.Add(time.Minute)

	rec, err := env.engine.Close(ctx, "dave", res.Position.ID)
	require.NoError(t, err)
	assert.True(t, rec.PnL.Equal(d(100)), "pnl %s", rec.PnL)
	assert.True(t, rec.CloseFee.Equal(d(1.1)), "fee %s", rec.CloseFee)
	// 9899 + 100 + 100 - 1.1
	assert.True(t, env.balance("dave").Equal(d(10097.9)), "balance %s", env.balance("dave"))

	_, err = env.engine.Close(ctx, "dave", res.Position.ID)
	assert.True(t, errors.Is(err, market.ErrPositionNotFound))

	hist, err := env.engine.History(ctx, "dave", 5)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, model.HistoryClose, hist[0].Kind)
}

func TestCloseStoreFailureLeavesBalance(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	res, err := env.engine.Open(ctx, "erin", model.PIG, model.Short, d(1), 10)
	require.NoError(t, err)
	before := env.balance("erin")

	env.store.failClose.Store(true)
	_, err = env.engine.Close(ctx, "erin", res.Position.ID)
	assert.True(t, errors.Is(err, market.ErrStoreUnavailable))
	assert.True(t, env.balance("erin").Equal(before))

	env.store.failClose.Store(false)
	_, err = env.engine.Close(ctx, "erin", res.Position.ID)
	require.NoError(t, err)
}

func TestCloseFindsPositionAfterCacheLoss(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	res, err := env.engine.Open(ctx, "frank", model.DOGE, model.Long, d(10), 5)
	require.NoError(t, err)

	// a restart loses the cache but the store still has the position
	env.market.DropPosition("frank", res.Position.ID)
	_, err = env.engine.Close(ctx, "frank", res.Position.ID)
	require.NoError(t, err)
}

func TestSweepLiquidatesWithoutBalanceChange(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	longPos, err := env.engine.Open(ctx, "gina", model.PIG, model.Long, d(10), 10)
	require.NoError(t, err)
	shortPos, err := env.engine.Open(ctx, "gina", model.PIG, model.Short, d(10), 10)
	require.NoError(t, err)
	before := env.balance("gina")

	env.setPrice(t, model.PIG, 90)
	recs, err := env.engine.SweepLiquidations(ctx, env.market.Prices())
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, longPos.Position.ID, recs[0].PositionID)
	assert.True(t, recs[0].MarginLost.Equal(d(100)))
	assert.InDelta(t, 90, recs[0].LiquidationPrice.InexactFloat64(), 1e-6)
	assert.True(t, env.balance("gina").Equal(before))

	// a second sweep at the same price finds nothing new
	recs, err = env.engine.SweepLiquidations(ctx, env.market.Prices())
	require.NoError(t, err)
	assert.Empty(t, recs)

	liqs, err := env.store.Liquidations(ctx, "gina", 0)
	require.NoError(t, err)
	assert.Len(t, liqs, 1)

	views, err := env.engine.ListPositions(ctx, "gina", env.market.Prices())
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, shortPos.Position.ID, views[0].ID)

	hist, err := env.engine.History(ctx, "gina", 5)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, model.HistoryLiquidation, hist[0].Kind)
}

func TestSweepReportsStoreFailure(t *testing.T) {
	env := newTestEnv(t)
	env.store.failList.Store(true)
	_, err := env.engine.SweepLiquidations(context.Background(), env.market.Prices())
	assert.True(t, errors.Is(err, market.ErrStoreUnavailable))
}

func TestSettleFundingIsRateLimited(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.engine.Open(ctx, "long", model.PIG, model.Long, d(30), 10)
	require.NoError(t, err)
	_, err = env.engine.Open(ctx, "short", model.PIG, model.Short, d(10), 10)
	require.NoError(t, err)
	longBefore, shortBefore := env.balance("long"), env.balance("short")

	pays, err := env.engine.SettleFunding(ctx, env.market.Prices())
	require.NoError(t, err)
	assert.Empty(t, pays, "interval has not elapsed")

	env.now = env.now.Add(time.Hour)
	pays, err = env.engine.SettleFunding(ctx, env.market.Prices())
	require.NoError(t, err)
	require.Len(t, pays, 2)

	// long 3000, short 1000: imbalance 0.5, rate 0.0005
	// long pays 1.5, short receives 0.5
	assert.True(t, env.balance("long").Equal(longBefore.Sub(d(1.5))), "long %s", env.balance("long"))
	assert.True(t, env.balance("short").Equal(shortBefore.Add(d(0.5))), "short %s", env.balance("short"))
	for _, p := range pays {
		if p.UserID == "long" {
			assert.Equal(t, model.FlowPay, p.Flow)
		} else {
			assert.Equal(t, model.FlowReceive, p.Flow)
		}
		assert.True(t, p.Amount.IsPositive())
	}

	// immediately again: nothing
	pays, err = env.engine.SettleFunding(ctx, env.market.Prices())
	require.NoError(t, err)
	assert.Empty(t, pays)

	recorded, err := env.store.FundingPaymentsByUser(ctx, "long", 0)
	require.NoError(t, err)
	assert.Len(t, recorded, 1)
}

func TestSettleFundingSkipsBalancedBook(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.engine.Open(ctx, "a", model.DOGE, model.Long, d(10), 10)
	require.NoError(t, err)
	_, err = env.engine.Open(ctx, "b", model.DOGE, model.Short, d(10), 10)
	require.NoError(t, err)

	env.now = env.now.Add(2 * time.Hour)
	pays, err := env.engine.SettleFunding(ctx, env.market.Prices())
	require.NoError(t, err)
	assert.Empty(t, pays)

	info, _, err := env.engine.FundingOverview(ctx, env.market.Prices())
	require.NoError(t, err)
	for _, fi := range info {
		if fi.Asset == model.DOGE {
			assert.True(t, fi.LongNotional.Equal(d(50)))
			assert.True(t, fi.ShortNotional.Equal(d(50)))
			assert.Zero(t, fi.Rate)
		}
	}
}

func TestFundingCanDriveBalanceNegative(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.engine.Open(ctx, "whale", model.PIG, model.Long, d(990), 100)
	require.NoError(t, err)
	require.NoError(t, env.market.WithAccount("whale", func(a *market.Account) error {
		a.Balance = d(0.01)
		return nil
	}))

	env.now = env.now.Add(time.Hour)
	_, err = env.engine.SettleFunding(ctx, env.market.Prices())
	require.NoError(t, err)
	assert.True(t, env.balance("whale").IsNegative(), "balance %s", env.balance("whale"))
}
