package market

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/atmx/market-sim/internal/model"
)

// Account is one user's spot wallet plus a cache of their open positions.
// It is only handed out inside Market.WithAccount / EachAccount, which hold
// the account lock for the duration of the callback.
type Account struct {
	UserID   string
	Balance  decimal.Decimal
	Holdings map[model.Symbol]*model.Holding
	Orders   []model.PendingOrder

	// Positions caches open positions by id. The store is authoritative;
	// PositionsLoaded is false until the cache was filled from it.
	Positions       map[string]*model.Position
	PositionsLoaded bool
}

func newAccount(userID string, balance decimal.Decimal) *Account {
	return &Account{
		UserID:    userID,
		Balance:   balance,
		Holdings:  make(map[model.Symbol]*model.Holding),
		Positions: make(map[string]*model.Position),
	}
}

// Fill describes one executed spot trade.
type Fill struct {
	Side   model.Side      `json:"side"`
	Asset  model.Symbol    `json:"coin"`
	Amount decimal.Decimal `json:"amount"`
	Price  decimal.Decimal `json:"price"`
	Gross  decimal.Decimal `json:"gross"` // amount·price
	Fee    decimal.Decimal `json:"fee"`
	Net    decimal.Decimal `json:"net"` // debited for buys, credited for sells
}

// Holding returns a copy of the holding for sym (zero if none).
func (a *Account) Holding(sym model.Symbol) model.Holding {
	if h, ok := a.Holdings[sym]; ok {
		return *h
	}
	return model.Holding{}
}

// Buy debits amount·price·(1+feeRate) and adds amount at cost amount·price.
func (a *Account) Buy(sym model.Symbol, amount, price, feeRate decimal.Decimal) (Fill, error) {
	gross := amount.Mul(price)
	fee := gross.Mul(feeRate)
	total := gross.Add(fee)
	if a.Balance.LessThan(total) {
		return Fill{}, fmt.Errorf("%w: need %s, have %s", ErrInsufficientBalance,
			total.StringFixed(2), a.Balance.StringFixed(2))
	}

	a.Balance = a.Balance.Sub(total)
	h, ok := a.Holdings[sym]
	if !ok {
		h = &model.Holding{}
		a.Holdings[sym] = h
	}
	h.Amount = h.Amount.Add(amount)
	h.TotalCost = h.TotalCost.Add(gross)

	return Fill{Side: model.SideBuy, Asset: sym, Amount: amount, Price: price, Gross: gross, Fee: fee, Net: total}, nil
}

// Sell removes amount from the holding, reduces the cost basis in
// proportion, and credits amount·price·(1-feeRate).
func (a *Account) Sell(sym model.Symbol, amount, price, feeRate decimal.Decimal) (Fill, error) {
	h, ok := a.Holdings[sym]
	if !ok || h.Amount.LessThan(amount) {
		held := decimal.Zero
		if ok {
			held = h.Amount
		}
		return Fill{}, fmt.Errorf("%w: %s held %s, need %s", ErrInsufficientHolding, sym, held, amount)
	}

	gross := amount.Mul(price)
	fee := gross.Mul(feeRate)
	net := gross.Sub(fee)

	remaining := h.Amount.Sub(amount)
	if remaining.IsZero() {
		delete(a.Holdings, sym)
	} else {
		h.TotalCost = h.TotalCost.Mul(remaining).Div(h.Amount)
		h.Amount = remaining
	}
	a.Balance = a.Balance.Add(net)

	return Fill{Side: model.SideSell, Asset: sym, Amount: amount, Price: price, Gross: gross, Fee: fee, Net: net}, nil
}

// RemoveOrder deletes the pending order with id and reports whether it existed.
func (a *Account) RemoveOrder(id string) (model.PendingOrder, bool) {
	for i, o := range a.Orders {
		if o.ID == id {
			a.Orders = append(a.Orders[:i], a.Orders[i+1:]...)
			return o, true
		}
	}
	return model.PendingOrder{}, false
}

// OpenPositions returns the cached positions ordered by open time.
func (a *Account) OpenPositions() []model.Position {
	out := make([]model.Position, 0, len(a.Positions))
	for _, p := range a.Positions {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].OpenedAt.Before(out[j].OpenedAt)
	})
	return out
}

// View is a read-only copy of an account.
type View struct {
	UserID   string                         `json:"user_id"`
	Balance  decimal.Decimal                `json:"balance"`
	Holdings map[model.Symbol]model.Holding `json:"holdings"`
	Orders   []model.PendingOrder           `json:"orders"`
}

func (a *Account) view() View {
	v := View{
		UserID:   a.UserID,
		Balance:  a.Balance,
		Holdings: make(map[model.Symbol]model.Holding, len(a.Holdings)),
		Orders:   append([]model.PendingOrder(nil), a.Orders...),
	}
	for sym, h := range a.Holdings {
		v.Holdings[sym] = *h
	}
	return v
}
