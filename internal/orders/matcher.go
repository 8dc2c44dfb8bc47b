// Package orders executes spot trades and maintains per-user limit orders.
//
// A limit order is a trigger owned by one user, never matched against other
// users' orders. A buy rests below the current price and fills at its limit
// once a tick prices the asset at or below it; a sell rests above and fills
// at or above. Funds and holdings are not reserved: they are checked when the
// order fires and the order is discarded if they fall short.
package orders

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/market-sim/internal/market"
	"github.com/atmx/market-sim/internal/model"
)

// NewOrderID returns a 12-character upper-case hex id.
func NewOrderID() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:12])
}

// Result is the outcome of a Buy or Sell request: either an immediate fill
// or a newly resting order.
type Result struct {
	Fill     *market.Fill        `json:"fill,omitempty"`
	Order    *model.PendingOrder `json:"order,omitempty"`
	Pressure float64             `json:"liquidity_pressure,omitempty"`
}

// Event is one order transition observed during matching.
type Event struct {
	UserID string             `json:"user_id"`
	Order  model.PendingOrder `json:"order"`
	Fill   *market.Fill       `json:"fill,omitempty"`
	Reason string             `json:"reason,omitempty"`
}

// Report summarizes one matching pass.
type Report struct {
	Filled    []Event
	Expired   []Event
	Discarded []Event
	Pending   int
}

type Matcher struct {
	market *market.Market
	params market.Params
	now    func() time.Time
	logger *slog.Logger
}

func NewMatcher(m *market.Market, logger *slog.Logger) *Matcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Matcher{
		market: m,
		params: m.Params(),
		now:    time.Now,
		logger: logger.With("component", "orders"),
	}
}

// SetClock replaces the time source.
func (x *Matcher) SetClock(now func() time.Time) { x.now = now }

// Buy executes immediately at the current price when limit is zero. With a
// positive limit it places a resting order, which requires limit to be
// strictly below the current price.
func (x *Matcher) Buy(user string, sym model.Symbol, amount, limit decimal.Decimal) (Result, error) {
	return x.submit(user, model.SideBuy, sym, amount, limit)
}

// Sell executes immediately at the current price when limit is zero. With a
// positive limit it places a resting order, which requires limit to be
// strictly above the current price.
func (x *Matcher) Sell(user string, sym model.Symbol, amount, limit decimal.Decimal) (Result, error) {
	return x.submit(user, model.SideSell, sym, amount, limit)
}

func (x *Matcher) submit(user string, side model.Side, sym model.Symbol, amount, limit decimal.Decimal) (Result, error) {
	if !amount.IsPositive() {
		return Result{}, fmt.Errorf("%w: %s", market.ErrInvalidAmount, amount)
	}
	if limit.IsNegative() {
		return Result{}, fmt.Errorf("%w: %s", market.ErrInvalidLimitPrice, limit)
	}
	price, err := x.market.Price(sym)
	if err != nil {
		return Result{}, err
	}

	if limit.IsZero() {
		return x.execute(user, side, sym, amount, price)
	}

	switch {
	case side == model.SideBuy && limit.GreaterThanOrEqual(price):
		return Result{}, fmt.Errorf("%w: buy limit %s must be below current price %s",
			market.ErrInvalidLimitPrice, limit, price)
	case side == model.SideSell && limit.LessThanOrEqual(price):
		return Result{}, fmt.Errorf("%w: sell limit %s must be above current price %s",
			market.ErrInvalidLimitPrice, limit, price)
	}

	now := x.now()
	order := model.PendingOrder{
		ID:         NewOrderID(),
		Side:       side,
		Asset:      sym,
		Amount:     amount,
		LimitPrice: limit,
		CreatedAt:  now,
		ExpiresAt:  now.Add(x.params.OrderTTL),
	}
	_ = x.market.WithAccount(user, func(a *market.Account) error {
		a.Orders = append(a.Orders, order)
		return nil
	})
	x.logger.Info("order placed", "user", user, "order_id", order.ID,
		"side", side, "coin", sym, "amount", amount.String(), "limit", limit.String())
	return Result{Order: &order}, nil
}

func (x *Matcher) execute(user string, side model.Side, sym model.Symbol, amount, price decimal.Decimal) (Result, error) {
	var fill market.Fill
	err := x.market.WithAccount(user, func(a *market.Account) error {
		var err error
		if side == model.SideBuy {
			fill, err = a.Buy(sym, amount, price, x.params.BuyFee)
		} else {
			fill, err = a.Sell(sym, amount, price, x.params.SellFee)
		}
		return err
	})
	if err != nil {
		return Result{}, err
	}

	pressure := x.market.RecordTrade(sym, fill.Gross, side == model.SideBuy)
	x.logger.Info("trade executed", "user", user, "side", side, "coin", sym,
		"amount", amount.String(), "price", price.String(), "fee", fill.Fee.String(),
		"pressure", pressure)
	return Result{Fill: &fill, Pressure: pressure}, nil
}

// Cancel removes a resting order owned by user.
func (x *Matcher) Cancel(user, orderID string) (model.PendingOrder, error) {
	var removed model.PendingOrder
	err := x.market.WithAccount(user, func(a *market.Account) error {
		o, ok := a.RemoveOrder(strings.ToUpper(strings.TrimSpace(orderID)))
		if !ok {
			return fmt.Errorf("%w: %s", market.ErrOrderNotFound, orderID)
		}
		removed = o
		return nil
	})
	if err != nil {
		return model.PendingOrder{}, err
	}
	x.logger.Info("order cancelled", "user", user, "order_id", removed.ID)
	return removed, nil
}

// Match evaluates every resting order against one price snapshot. Expired
// orders are dropped first whether or not they would fill. Fills settle at
// the limit price and do not feed liquidity pressure.
func (x *Matcher) Match(prices map[model.Symbol]decimal.Decimal) Report {
	var rep Report
	now := x.now()

	x.market.EachAccount(func(a *market.Account) {
		if len(a.Orders) == 0 {
			return
		}
		remaining := a.Orders[:0:0]
		for _, o := range a.Orders {
			if o.Expired(now) {
				rep.Expired = append(rep.Expired, Event{UserID: a.UserID, Order: o, Reason: "expired"})
				continue
			}
			price, ok := prices[o.Asset]
			if !ok || !triggered(o, price) {
				remaining = append(remaining, o)
				continue
			}

			var (
				fill market.Fill
				err  error
			)
			if o.Side == model.SideBuy {
				fill, err = a.Buy(o.Asset, o.Amount, o.LimitPrice, x.params.BuyFee)
			} else {
				fill, err = a.Sell(o.Asset, o.Amount, o.LimitPrice, x.params.SellFee)
			}
			if err != nil {
				rep.Discarded = append(rep.Discarded, Event{UserID: a.UserID, Order: o, Reason: reason(err)})
				continue
			}
			rep.Filled = append(rep.Filled, Event{UserID: a.UserID, Order: o, Fill: &fill})
		}
		a.Orders = remaining
		rep.Pending += len(remaining)
	})

	for _, e := range rep.Expired {
		x.logger.Info("order expired", "user", e.UserID, "order_id", e.Order.ID, "coin", e.Order.Asset)
	}
	for _, e := range rep.Discarded {
		x.logger.Warn("order discarded", "user", e.UserID, "order_id", e.Order.ID, "reason", e.Reason)
	}
	for _, e := range rep.Filled {
		x.logger.Info("order filled", "user", e.UserID, "order_id", e.Order.ID,
			"side", e.Order.Side, "coin", e.Order.Asset,
			"amount", e.Order.Amount.String(), "price", e.Order.LimitPrice.String())
	}
	return rep
}

func triggered(o model.PendingOrder, price decimal.Decimal) bool {
	if o.Side == model.SideBuy {
		return price.LessThanOrEqual(o.LimitPrice)
	}
	return price.GreaterThanOrEqual(o.LimitPrice)
}

func reason(err error) string {
	switch {
	case errors.Is(err, market.ErrInsufficientBalance):
		return "insufficient balance"
	case errors.Is(err, market.ErrInsufficientHolding):
		return "insufficient holding"
	default:
		return err.Error()
	}
}
