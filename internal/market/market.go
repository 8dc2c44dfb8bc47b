// Package market is the in-process state container for the simulation: the
// asset table, user accounts and the open-position cache.
//
// Two locks guard it. The price lock covers asset state (price, dynamic mean,
// volatility, liquidity pressure) and is held exclusively only while the
// price process or a shock mutates it. The account lock serializes balance,
// holding, order and position-cache mutations. The two are never held at the
// same time, so order matching and contract work that runs on a price
// snapshot may act on a price that is about to change.
package market

import (
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/market-sim/internal/config"
	"github.com/atmx/market-sim/internal/liquidity"
	"github.com/atmx/market-sim/internal/model"
	"github.com/atmx/market-sim/internal/pricing"
)

// Params configure accounts, spot fees and the embedded price process.
type Params struct {
	InitialBalance decimal.Decimal
	BuyFee         decimal.Decimal
	SellFee        decimal.Decimal
	OrderTTL       time.Duration
	Pricing        pricing.Params
	Liquidity      liquidity.Params
}

func ParamsFromConfig(c config.Market) Params {
	return Params{
		InitialBalance: decimal.NewFromFloat(c.InitialBalance),
		BuyFee:         decimal.NewFromFloat(c.BuyFee),
		SellFee:        decimal.NewFromFloat(c.SellFee),
		OrderTTL:       c.OrderTTL,
		Pricing:        pricing.ParamsFromConfig(c),
		Liquidity:      liquidity.ParamsFromConfig(c),
	}
}

func DefaultParams() Params {
	return ParamsFromConfig(config.Default().Market)
}

type Market struct {
	params Params

	mu     sync.RWMutex // price lock
	assets map[model.Symbol]*model.Asset
	prices *pricing.Model

	acctMu   sync.Mutex
	accounts map[string]*Account
}

// New creates a market with every catalog asset at its initial state.
func New(p Params, rng *rand.Rand) *Market {
	m := &Market{
		params:   p,
		assets:   make(map[model.Symbol]*model.Asset, len(model.Catalog)),
		prices:   pricing.NewModel(p.Pricing, rng),
		accounts: make(map[string]*Account),
	}
	for _, l := range model.Catalog {
		m.assets[l.Symbol] = model.NewAsset(l)
	}
	return m
}

func (m *Market) Params() Params { return m.params }

// Price returns the current price of sym.
func (m *Market) Price(sym model.Symbol) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.assets[sym]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrUnknownAsset, sym)
	}
	return a.Price, nil
}

// Prices returns a consistent snapshot of every asset price.
func (m *Market) Prices() map[model.Symbol]decimal.Decimal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[model.Symbol]decimal.Decimal, len(m.assets))
	for sym, a := range m.assets {
		out[sym] = a.Price
	}
	return out
}

// Assets returns copies of all assets in catalog order.
func (m *Market) Assets() []model.Asset {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Asset, 0, len(model.Catalog))
	for _, l := range model.Catalog {
		out = append(out, *m.assets[l.Symbol])
	}
	return out
}

// Tick runs one step of the price process for every asset under the price
// lock: volatility update, liquidity decay, then the price step. It returns
// the new price observations stamped with now.
func (m *Market) Tick(now time.Time) []model.PricePoint {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, l := range model.Catalog {
		m.prices.UpdateVolatility(m.assets[l.Symbol])
	}
	for _, l := range model.Catalog {
		a := m.assets[l.Symbol]
		a.LiquidityPressure = m.params.Liquidity.Decay(a.LiquidityPressure)
	}

	points := make([]model.PricePoint, 0, len(model.Catalog))
	for _, l := range model.Catalog {
		a := m.assets[l.Symbol]
		m.prices.Step(a)
		points = append(points, model.PricePoint{Asset: a.Symbol, Price: a.Price, Timestamp: now})
	}
	return points
}

// ApplyShock moves sym's price and dynamic mean by changePct.
func (m *Market) ApplyShock(sym model.Symbol, changePct float64) (before, after decimal.Decimal, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.assets[sym]
	if !ok {
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: %s", ErrUnknownAsset, sym)
	}
	before = a.Price
	m.prices.ApplyShock(a, changePct)
	return before, a.Price, nil
}

// RecordTrade feeds an immediate spot trade of the given value into sym's
// liquidity pressure and returns the new pressure.
func (m *Market) RecordTrade(sym model.Symbol, value decimal.Decimal, isBuy bool) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.assets[sym]
	if !ok {
		return 0
	}
	a.LiquidityPressure = m.params.Liquidity.Record(a.LiquidityPressure, value, isBuy)
	return a.LiquidityPressure
}

// WithAccount runs fn on user's account under the account lock, creating the
// account with the initial balance on first use.
func (m *Market) WithAccount(user string, fn func(*Account) error) error {
	m.acctMu.Lock()
	defer m.acctMu.Unlock()
	return fn(m.account(user))
}

// EachAccount runs fn on every resident account, ordered by user id, under
// the account lock.
func (m *Market) EachAccount(fn func(*Account)) {
	m.acctMu.Lock()
	defer m.acctMu.Unlock()
	ids := make([]string, 0, len(m.accounts))
	for id := range m.accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		fn(m.accounts[id])
	}
}

// DropPosition removes a position from a resident account's cache. Absent
// accounts are not created.
func (m *Market) DropPosition(user, positionID string) {
	m.acctMu.Lock()
	defer m.acctMu.Unlock()
	if a, ok := m.accounts[user]; ok {
		delete(a.Positions, positionID)
	}
}

// Account returns a copy of user's account.
func (m *Market) Account(user string) View {
	m.acctMu.Lock()
	defer m.acctMu.Unlock()
	return m.account(user).view()
}

// Reset restores user's account to a fresh state: initial balance, no
// holdings or orders. Cached positions are dropped; persisted positions are
// untouched.
func (m *Market) Reset(user string) {
	m.acctMu.Lock()
	defer m.acctMu.Unlock()
	m.accounts[user] = newAccount(user, m.params.InitialBalance)
}

// TotalAssets is balance plus the market value of every holding.
func (m *Market) TotalAssets(user string) decimal.Decimal {
	prices := m.Prices()
	m.acctMu.Lock()
	defer m.acctMu.Unlock()
	a := m.account(user)
	total := a.Balance
	for sym, h := range a.Holdings {
		total = total.Add(h.Amount.Mul(prices[sym]))
	}
	return total
}

func (m *Market) account(user string) *Account {
	a, ok := m.accounts[user]
	if !ok {
		a = newAccount(user, m.params.InitialBalance)
		m.accounts[user] = a
	}
	return a
}

// State is the advisory, serializable part of the market.
type State struct {
	Assets   []model.Asset `json:"assets"`
	Accounts []View        `json:"accounts"`
}

// Export captures asset state and every resident account.
func (m *Market) Export() State {
	s := State{Assets: m.Assets()}
	m.EachAccount(func(a *Account) {
		s.Accounts = append(s.Accounts, a.view())
	})
	return s
}

// Import restores asset state for catalog symbols and accounts for users
// not already resident. It returns the number of accounts restored.
func (m *Market) Import(s State) int {
	m.mu.Lock()
	for _, saved := range s.Assets {
		a, ok := m.assets[saved.Symbol]
		if !ok {
			continue
		}
		a.Price = saved.Price
		a.DynamicMean = saved.DynamicMean
		a.Volatility = saved.Volatility
		a.LiquidityPressure = saved.LiquidityPressure
	}
	m.mu.Unlock()

	m.acctMu.Lock()
	defer m.acctMu.Unlock()
	var restored int
	for _, v := range s.Accounts {
		if _, resident := m.accounts[v.UserID]; resident {
			continue
		}
		a := newAccount(v.UserID, v.Balance)
		for sym, h := range v.Holdings {
			if _, ok := m.assets[sym]; !ok {
				continue
			}
			h := h
			a.Holdings[sym] = &h
		}
		a.Orders = append(a.Orders, v.Orders...)
		m.accounts[v.UserID] = a
		restored++
	}
	return restored
}
