// Package trade is the trading API of the simulator: spot trades and limit
// orders, leveraged positions, account queries and market overviews, plus
// the HTTP and WebSocket surface that exposes them.
//
// All monetary values use shopspring/decimal, never float64 for money.
package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/market-sim/internal/contract"
	"github.com/atmx/market-sim/internal/events"
	"github.com/atmx/market-sim/internal/feed"
	"github.com/atmx/market-sim/internal/market"
	"github.com/atmx/market-sim/internal/metrics"
	"github.com/atmx/market-sim/internal/model"
	"github.com/atmx/market-sim/internal/orders"
	"github.com/atmx/market-sim/internal/store"
)

// ErrUnauthorized is returned by admin operations given a wrong token.
var ErrUnauthorized = errors.New("trade: unauthorized")

const (
	defaultHistoryLimit = 10
	candleCount         = 25
)

type Option func(*Service)

func WithFeed(p feed.Publisher) Option { return func(s *Service) { s.feed = p } }

func WithActivity(a *events.ActivityTracker) Option { return func(s *Service) { s.activity = a } }

// WithAdminToken enables Reset for callers presenting token.
func WithAdminToken(token string) Option { return func(s *Service) { s.adminToken = token } }

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.logger = l } }

func WithStoreTimeout(d time.Duration) Option { return func(s *Service) { s.storeTimeout = d } }

// Service implements the trading API on top of the market, the order
// matcher and the contract engine. It does no rendering.
type Service struct {
	market  *market.Market
	matcher *orders.Matcher
	engine  *contract.Engine
	store   store.Store

	activity     *events.ActivityTracker
	feed         feed.Publisher
	adminToken   string
	storeTimeout time.Duration
	now          func() time.Time
	logger       *slog.Logger
}

// NewService creates a trade service.
func NewService(m *market.Market, matcher *orders.Matcher, engine *contract.Engine, st store.Store, opts ...Option) *Service {
	s := &Service{
		market:       m,
		matcher:      matcher,
		engine:       engine,
		store:        st,
		feed:         feed.Nop{},
		storeTimeout: 5 * time.Second,
		now:          time.Now,
		logger:       slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	s.logger = s.logger.With("component", "trade")
	return s
}

// --- Market data ---

// Quote is the public view of one asset.
type Quote struct {
	Asset             model.Symbol    `json:"coin"`
	Price             decimal.Decimal `json:"price"`
	InitialPrice      decimal.Decimal `json:"initial_price"`
	ChangePct         float64         `json:"change_pct"` // since listing
	DynamicMean       decimal.Decimal `json:"dynamic_mean"`
	Volatility        float64         `json:"volatility"`
	LiquidityPressure float64         `json:"liquidity_pressure"`
}

func quote(a model.Asset) Quote {
	var change float64
	if a.InitialPrice.IsPositive() {
		change = a.Price.Sub(a.InitialPrice).Div(a.InitialPrice).InexactFloat64()
	}
	return Quote{
		Asset:             a.Symbol,
		Price:             a.Price,
		InitialPrice:      a.InitialPrice,
		ChangePct:         change,
		DynamicMean:       a.DynamicMean,
		Volatility:        a.Volatility,
		LiquidityPressure: a.LiquidityPressure,
	}
}

func parseSymbol(coin string) (model.Symbol, error) {
	sym, ok := model.ParseSymbol(coin)
	if !ok {
		return "", fmt.Errorf("%w: %q", market.ErrUnknownAsset, coin)
	}
	return sym, nil
}

// GetPrice returns the current quote for coin.
func (s *Service) GetPrice(coin string) (Quote, error) {
	sym, err := parseSymbol(coin)
	if err != nil {
		return Quote{}, err
	}
	for _, a := range s.market.Assets() {
		if a.Symbol == sym {
			return quote(a), nil
		}
	}
	return Quote{}, fmt.Errorf("%w: %q", market.ErrUnknownAsset, coin)
}

// Prices returns quotes for every asset in catalog order.
func (s *Service) Prices() []Quote {
	assets := s.market.Assets()
	out := make([]Quote, len(assets))
	for i, a := range assets {
		out[i] = quote(a)
	}
	return out
}

// VolatilityView compares an asset's live volatility to its base.
type VolatilityView struct {
	Asset     model.Symbol    `json:"coin"`
	Current   float64         `json:"current"`
	Base      float64         `json:"base"`
	ChangePct float64         `json:"change_pct"`
	Risk      string          `json:"risk"`
	Price     decimal.Decimal `json:"price"`
}

// RiskBand classifies a volatility level.
func RiskBand(vol float64) string {
	switch {
	case vol >= 0.10:
		return "extreme"
	case vol >= 0.07:
		return "high"
	case vol >= 0.03:
		return "moderate"
	default:
		return "calm"
	}
}

// Volatility returns every asset's volatility, most volatile first.
func (s *Service) Volatility() []VolatilityView {
	assets := s.market.Assets()
	out := make([]VolatilityView, 0, len(assets))
	for _, a := range assets {
		var change float64
		if a.BaseVolatility > 0 {
			change = (a.Volatility - a.BaseVolatility) / a.BaseVolatility
		}
		out = append(out, VolatilityView{
			Asset:     a.Symbol,
			Current:   a.Volatility,
			Base:      a.BaseVolatility,
			ChangePct: change,
			Risk:      RiskBand(a.Volatility),
			Price:     a.Price,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Current > out[j].Current })
	return out
}

// PriceHistory returns coin's recorded prices within the trailing window
// (all history when window is zero), capped at the newest limit points.
func (s *Service) PriceHistory(ctx context.Context, coin string, window time.Duration, limit int) ([]model.PricePoint, error) {
	sym, err := parseSymbol(coin)
	if err != nil {
		return nil, err
	}
	var from time.Time
	if window > 0 {
		from = s.now().Add(-window)
	}
	sctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	pts, err := s.store.PriceHistory(sctx, sym, from, time.Time{}, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", market.ErrStoreUnavailable, err)
	}
	if pts == nil {
		pts = []model.PricePoint{}
	}
	return pts, nil
}

// Candle aggregates the price observations of one timeframe bucket.
type Candle struct {
	Start time.Time       `json:"start"`
	Open  decimal.Decimal `json:"open"`
	High  decimal.Decimal `json:"high"`
	Low   decimal.Decimal `json:"low"`
	Close decimal.Decimal `json:"close"`
	Count int             `json:"count"`
}

// Candles buckets the last candleCount timeframes of coin's history into
// OHLC candles, aligned to whole minutes. Empty buckets are omitted.
func (s *Service) Candles(ctx context.Context, coin string, timeframe time.Duration) ([]Candle, error) {
	if timeframe <= 0 {
		return nil, fmt.Errorf("%w: timeframe must be positive", market.ErrInvalidAmount)
	}
	sym, err := parseSymbol(coin)
	if err != nil {
		return nil, err
	}
	end := s.now().Truncate(time.Minute)
	start := end.Add(-timeframe * candleCount)

	sctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	pts, err := s.store.PriceHistory(sctx, sym, start, end, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", market.ErrStoreUnavailable, err)
	}
	return BuildCandles(pts, start, timeframe), nil
}

// BuildCandles groups time-ordered points into timeframe buckets from start.
func BuildCandles(pts []model.PricePoint, start time.Time, timeframe time.Duration) []Candle {
	out := []Candle{}
	for _, p := range pts {
		if p.Timestamp.Before(start) {
			continue
		}
		bucket := start.Add(p.Timestamp.Sub(start) / timeframe * timeframe)
		n := len(out)
		if n == 0 || !out[n-1].Start.Equal(bucket) {
			out = append(out, Candle{Start: bucket, Open: p.Price, High: p.Price, Low: p.Price, Close: p.Price, Count: 1})
			continue
		}
		c := &out[n-1]
		c.High = decimal.Max(c.High, p.Price)
		c.Low = decimal.Min(c.Low, p.Price)
		c.Close = p.Price
		c.Count++
	}
	return out
}

// FundingOverview is the funding picture across all assets.
type FundingOverview struct {
	Assets         []contract.FundingInfo `json:"assets"`
	NextSettlement time.Time              `json:"next_settlement"`
}

func (s *Service) FundingOverview(ctx context.Context) (FundingOverview, error) {
	infos, next, err := s.engine.FundingOverview(ctx, s.market.Prices())
	if err != nil {
		return FundingOverview{}, err
	}
	return FundingOverview{Assets: infos, NextSettlement: next}, nil
}

// --- Spot trading ---

// Buy buys amount of coin for user, immediately when limit is zero or as a
// resting limit order otherwise.
func (s *Service) Buy(ctx context.Context, user, coin string, amount, limit decimal.Decimal) (orders.Result, error) {
	return s.trade(ctx, model.SideBuy, user, coin, amount, limit)
}

// Sell is the mirror of Buy.
func (s *Service) Sell(ctx context.Context, user, coin string, amount, limit decimal.Decimal) (orders.Result, error) {
	return s.trade(ctx, model.SideSell, user, coin, amount, limit)
}

func (s *Service) trade(ctx context.Context, side model.Side, user, coin string, amount, limit decimal.Decimal) (orders.Result, error) {
	sym, err := parseSymbol(coin)
	if err != nil {
		return orders.Result{}, err
	}
	var res orders.Result
	if side == model.SideBuy {
		res, err = s.matcher.Buy(user, sym, amount, limit)
	} else {
		res, err = s.matcher.Sell(user, sym, amount, limit)
	}
	if err != nil {
		return orders.Result{}, err
	}

	now := s.now()
	if res.Fill != nil {
		metrics.TradesTotal.WithLabelValues(string(side)).Inc()
		s.publish(ctx, feed.Event{Kind: feed.KindTrade, Asset: sym, UserID: user, At: now, Data: res})
	}
	if res.Order != nil {
		metrics.OrdersTotal.WithLabelValues("placed").Inc()
		s.publish(ctx, feed.Event{Kind: feed.KindOrderPlaced, Asset: sym, UserID: user, At: now, Data: res.Order})
	}
	return res, nil
}

// CancelOrder removes one of user's resting orders.
func (s *Service) CancelOrder(user, orderID string) (model.PendingOrder, error) {
	o, err := s.matcher.Cancel(user, orderID)
	if err != nil {
		return model.PendingOrder{}, err
	}
	metrics.OrdersTotal.WithLabelValues("cancelled").Inc()
	return o, nil
}

// --- Leveraged contracts ---

// OpenPosition opens a leveraged position; leverage 0 selects the default.
func (s *Service) OpenPosition(ctx context.Context, user, coin, direction string, amount decimal.Decimal, leverage int) (contract.OpenResult, error) {
	sym, err := parseSymbol(coin)
	if err != nil {
		return contract.OpenResult{}, err
	}
	dir, ok := model.ParseDirection(direction)
	if !ok {
		return contract.OpenResult{}, fmt.Errorf("%w: %q", market.ErrInvalidDirection, direction)
	}
	res, err := s.engine.Open(ctx, user, sym, dir, amount, leverage)
	if err != nil {
		if errors.Is(err, market.ErrPositionValueExceeded) || errors.Is(err, market.ErrInvalidLeverage) {
			metrics.PositionLimitRejections.Inc()
		}
		return contract.OpenResult{}, err
	}
	metrics.PositionsTotal.WithLabelValues("opened").Inc()
	s.publish(ctx, feed.Event{Kind: feed.KindPositionOpened, Asset: sym, UserID: user, At: res.Position.OpenedAt, Data: res.Position})
	return res, nil
}

// ClosePosition closes one of user's open positions at the current price.
func (s *Service) ClosePosition(ctx context.Context, user, positionID string) (model.ClosedPosition, error) {
	rec, err := s.engine.Close(ctx, user, strings.ToUpper(strings.TrimSpace(positionID)))
	if err != nil {
		return model.ClosedPosition{}, err
	}
	metrics.PositionsTotal.WithLabelValues("closed").Inc()
	s.publish(ctx, feed.Event{Kind: feed.KindPositionClosed, Asset: rec.Asset, UserID: user, At: rec.ClosedAt, Data: rec})
	return rec, nil
}

// ListPositions returns user's open positions marked to current prices.
func (s *Service) ListPositions(ctx context.Context, user string) ([]contract.PositionView, error) {
	return s.engine.ListPositions(ctx, user, s.market.Prices())
}

// ListHistory returns user's closed and liquidated positions, newest first.
func (s *Service) ListHistory(ctx context.Context, user string, limit int) ([]model.HistoryEntry, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	return s.engine.History(ctx, user, limit)
}

// FundingPayments returns user's newest funding transfers.
func (s *Service) FundingPayments(ctx context.Context, user string, limit int) ([]model.FundingPayment, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	return s.engine.FundingPayments(ctx, user, limit)
}

// --- Accounts ---

// Totals is a user's balance plus the market value of their holdings.
type Totals struct {
	UserID        string          `json:"user_id"`
	Balance       decimal.Decimal `json:"balance"`
	HoldingsValue decimal.Decimal `json:"holdings_value"`
	Total         decimal.Decimal `json:"total"`
}

func (s *Service) TotalAssets(user string) Totals {
	total := s.market.TotalAssets(user)
	balance := s.market.Account(user).Balance
	return Totals{
		UserID:        user,
		Balance:       balance,
		HoldingsValue: total.Sub(balance),
		Total:         total,
	}
}

// HoldingView is one holding marked to market. PnL is net of the fee a
// sale at the current price would pay.
type HoldingView struct {
	Asset       model.Symbol    `json:"coin"`
	Amount      decimal.Decimal `json:"amount"`
	AverageCost decimal.Decimal `json:"average_cost"`
	Price       decimal.Decimal `json:"price"`
	Value       decimal.Decimal `json:"value"`
	PnL         decimal.Decimal `json:"pnl"`
}

// Portfolio is everything a user owns.
type Portfolio struct {
	Totals
	Holdings      []HoldingView           `json:"holdings"`
	Orders        []model.PendingOrder    `json:"orders"`
	Positions     []contract.PositionView `json:"positions"`
	TotalMargin   decimal.Decimal         `json:"total_margin"`
	UnrealizedPnL decimal.Decimal         `json:"unrealized_pnl"`
}

// Portfolio returns holdings with floating PnL, live orders and open
// positions. Position lookup failures degrade to the cached view.
func (s *Service) Portfolio(ctx context.Context, user string) (Portfolio, error) {
	prices := s.market.Prices()
	acct := s.market.Account(user)
	sellFee := s.market.Params().SellFee
	now := s.now()

	p := Portfolio{
		Totals:    Totals{UserID: user, Balance: acct.Balance},
		Holdings:  []HoldingView{},
		Orders:    []model.PendingOrder{},
		Positions: []contract.PositionView{},
	}
	for _, sym := range model.Symbols() {
		h, ok := acct.Holdings[sym]
		if !ok || !h.Amount.IsPositive() {
			continue
		}
		price := prices[sym]
		value := h.Amount.Mul(price)
		p.Holdings = append(p.Holdings, HoldingView{
			Asset:       sym,
			Amount:      h.Amount,
			AverageCost: h.AverageCost(),
			Price:       price,
			Value:       value,
			PnL:         value.Sub(h.TotalCost).Sub(value.Mul(sellFee)),
		})
		p.HoldingsValue = p.HoldingsValue.Add(value)
	}
	p.Total = p.Balance.Add(p.HoldingsValue)

	for _, o := range acct.Orders {
		if !o.Expired(now) {
			p.Orders = append(p.Orders, o)
		}
	}

	views, err := s.engine.ListPositions(ctx, user, prices)
	if err != nil {
		return Portfolio{}, err
	}
	p.Positions = append(p.Positions, views...)
	for _, v := range views {
		p.TotalMargin = p.TotalMargin.Add(v.Margin)
		p.UnrealizedPnL = p.UnrealizedPnL.Add(v.PnL)
	}
	return p, nil
}

// Reset restores user's account to its initial state. Persisted positions
// and history are not touched.
func (s *Service) Reset(ctx context.Context, token, user string) error {
	if s.adminToken == "" || token != s.adminToken {
		return ErrUnauthorized
	}
	s.market.Reset(user)
	s.logger.Warn("account reset", "user", user)
	s.publish(ctx, feed.Event{Kind: feed.KindAccountReset, UserID: user, At: s.now()})
	return nil
}

// TouchGroup records chat activity in group for the random event gate.
func (s *Service) TouchGroup(group string) bool {
	if s.activity == nil {
		return false
	}
	return s.activity.Touch(group, s.now())
}

func (s *Service) publish(ctx context.Context, e feed.Event) {
	if err := s.feed.Publish(ctx, e); err != nil {
		s.logger.Warn("feed publish failed", "kind", e.Kind, "err", err)
	}
}
