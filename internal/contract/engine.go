package contract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/market-sim/internal/config"
	"github.com/atmx/market-sim/internal/limits"
	"github.com/atmx/market-sim/internal/market"
	"github.com/atmx/market-sim/internal/model"
	"github.com/atmx/market-sim/internal/store"
)

// Params configure fees, liquidation and funding.
type Params struct {
	Fee                  decimal.Decimal // open and close fee, fraction of notional
	LiquidationThreshold decimal.Decimal
	FundingInterval      time.Duration
	FundingRateScale     float64
	FundingRateCap       float64
	StoreTimeout         time.Duration
}

func ParamsFromConfig(c config.Contract, storeTimeout time.Duration) Params {
	return Params{
		Fee:                  decimal.NewFromFloat(c.Fee),
		LiquidationThreshold: decimal.NewFromFloat(c.LiquidationThreshold),
		FundingInterval:      c.FundingInterval,
		FundingRateScale:     c.FundingRateScale,
		FundingRateCap:       c.FundingRateCap,
		StoreTimeout:         storeTimeout,
	}
}

// NewPositionID returns a 12-character upper-case hex id.
func NewPositionID() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:12])
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces the engine's time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLogger sets the engine's logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// Engine runs leveraged positions against the market's account table and
// the store.
type Engine struct {
	market  *market.Market
	store   store.Store
	limiter *limits.PositionLimiter
	params  Params
	now     func() time.Time
	logger  *slog.Logger

	fundingMu   sync.Mutex
	lastFunding time.Time
}

// NewEngine creates an engine. The funding clock starts at construction, so
// the first settlement happens one interval later.
func NewEngine(m *market.Market, st store.Store, limiter *limits.PositionLimiter, p Params, opts ...Option) *Engine {
	e := &Engine{
		market:  m,
		store:   st,
		limiter: limiter,
		params:  p,
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.params.StoreTimeout <= 0 {
		e.params.StoreTimeout = 5 * time.Second
	}
	e.logger = e.logger.With("component", "contract")
	e.lastFunding = e.now()
	return e
}

// OpenResult is returned by Open.
type OpenResult struct {
	Position model.Position  `json:"position"`
	Fee      decimal.Decimal `json:"fee"`
	Balance  decimal.Decimal `json:"balance"`
}

// Open debits margin (value/leverage) plus the open fee and persists a new
// position at the current price. A leverage ≤ 0 selects the default.
func (e *Engine) Open(ctx context.Context, user string, sym model.Symbol, dir model.Direction,
	amount decimal.Decimal, leverage int) (OpenResult, error) {
	if dir != model.Long && dir != model.Short {
		return OpenResult{}, fmt.Errorf("%w: %q", market.ErrInvalidDirection, dir)
	}
	if !amount.IsPositive() {
		return OpenResult{}, fmt.Errorf("%w: %s", market.ErrInvalidAmount, amount)
	}
	leverage, err := e.limiter.NormalizeLeverage(leverage)
	if err != nil {
		return OpenResult{}, err
	}
	price, err := e.market.Price(sym)
	if err != nil {
		return OpenResult{}, err
	}
	value := amount.Mul(price)
	if err := e.limiter.CheckValue(value); err != nil {
		return OpenResult{}, err
	}

	margin := value.Div(decimal.NewFromInt(int64(leverage))).Round(PriceScale)
	fee := value.Mul(e.params.Fee).Round(PriceScale)
	required := margin.Add(fee)

	pos := model.Position{
		ID:               NewPositionID(),
		UserID:           user,
		Asset:            sym,
		Direction:        dir,
		Amount:           amount,
		EntryPrice:       price,
		Leverage:         leverage,
		Margin:           margin,
		LiquidationPrice: LiquidationPrice(price, leverage, dir, e.params.LiquidationThreshold),
		OpenedAt:         e.now(),
		Status:           model.StatusOpen,
	}

	err = e.market.WithAccount(user, func(a *market.Account) error {
		if a.Balance.LessThan(required) {
			return fmt.Errorf("%w: need %s (margin %s + fee %s), have %s", market.ErrInsufficientBalance,
				required.StringFixed(2), margin.StringFixed(2), fee.StringFixed(2), a.Balance.StringFixed(2))
		}
		a.Balance = a.Balance.Sub(required)
		return nil
	})
	if err != nil {
		return OpenResult{}, err
	}

	sctx, cancel := context.WithTimeout(ctx, e.params.StoreTimeout)
	defer cancel()
	if err := e.store.InsertPosition(sctx, &pos); err != nil {
		_ = e.market.WithAccount(user, func(a *market.Account) error {
			a.Balance = a.Balance.Add(required)
			return nil
		})
		e.logger.Error("persist position failed, debit refunded", "user", user, "position_id", pos.ID, "err", err)
		return OpenResult{}, fmt.Errorf("%w: %v", market.ErrStoreUnavailable, err)
	}

	var balance decimal.Decimal
	_ = e.market.WithAccount(user, func(a *market.Account) error {
		cp := pos
		a.Positions[pos.ID] = &cp
		balance = a.Balance
		return nil
	})

	e.logger.Info("position opened", "user", user, "position_id", pos.ID, "coin", sym,
		"direction", dir, "amount", amount.String(), "entry", price.String(),
		"leverage", leverage, "margin", margin.String(), "liquidation_price", pos.LiquidationPrice.String())
	return OpenResult{Position: pos, Fee: fee, Balance: balance}, nil
}

// Close settles an open position at the current price: the account is
// credited margin + pnl - close fee. The store is updated first; if it
// fails the balance is untouched.
func (e *Engine) Close(ctx context.Context, user, positionID string) (model.ClosedPosition, error) {
	positionID = strings.ToUpper(strings.TrimSpace(positionID))

	pos, err := e.cachedPosition(ctx, user, positionID)
	if err != nil {
		return model.ClosedPosition{}, err
	}
	price, err := e.market.Price(pos.Asset)
	if err != nil {
		return model.ClosedPosition{}, err
	}

	pnl := PnL(pos, price)
	closeFee := pos.Amount.Mul(price).Mul(e.params.Fee).Round(PriceScale)
	rec := model.ClosedPosition{
		PositionID: pos.ID,
		UserID:     user,
		Asset:      pos.Asset,
		Direction:  pos.Direction,
		Amount:     pos.Amount,
		EntryPrice: pos.EntryPrice,
		ClosePrice: price,
		Leverage:   pos.Leverage,
		Margin:     pos.Margin,
		PnL:        pnl,
		CloseFee:   closeFee,
		OpenedAt:   pos.OpenedAt,
		ClosedAt:   e.now(),
	}

	sctx, cancel := context.WithTimeout(ctx, e.params.StoreTimeout)
	defer cancel()
	if err := e.store.ClosePosition(sctx, &rec); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			e.market.DropPosition(user, positionID)
			return model.ClosedPosition{}, fmt.Errorf("%w: %s", market.ErrPositionNotFound, positionID)
		}
		return model.ClosedPosition{}, fmt.Errorf("%w: %v", market.ErrStoreUnavailable, err)
	}

	payout := pos.Margin.Add(pnl).Sub(closeFee)
	_ = e.market.WithAccount(user, func(a *market.Account) error {
		a.Balance = a.Balance.Add(payout)
		delete(a.Positions, positionID)
		return nil
	})

	e.logger.Info("position closed", "user", user, "position_id", pos.ID, "coin", pos.Asset,
		"close_price", price.String(), "pnl", pnl.String(), "fee", closeFee.String(), "payout", payout.String())
	return rec, nil
}

// cachedPosition looks positionID up in the account cache, refreshing the
// cache from the store on a miss.
func (e *Engine) cachedPosition(ctx context.Context, user, positionID string) (model.Position, error) {
	var (
		pos   model.Position
		found bool
	)
	_ = e.market.WithAccount(user, func(a *market.Account) error {
		if p, ok := a.Positions[positionID]; ok {
			pos, found = *p, true
		}
		return nil
	})
	if found {
		return pos, nil
	}

	open, err := e.refresh(ctx, user)
	if err != nil {
		return model.Position{}, err
	}
	for _, p := range open {
		if p.ID == positionID {
			return p, nil
		}
	}
	return model.Position{}, fmt.Errorf("%w: %s", market.ErrPositionNotFound, positionID)
}

// refresh replaces user's position cache with the store's open positions.
func (e *Engine) refresh(ctx context.Context, user string) ([]model.Position, error) {
	sctx, cancel := context.WithTimeout(ctx, e.params.StoreTimeout)
	defer cancel()
	open, err := e.store.OpenPositionsByUser(sctx, user)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", market.ErrStoreUnavailable, err)
	}
	_ = e.market.WithAccount(user, func(a *market.Account) error {
		a.Positions = make(map[string]*model.Position, len(open))
		for i := range open {
			p := open[i]
			a.Positions[p.ID] = &p
		}
		a.PositionsLoaded = true
		return nil
	})
	return open, nil
}

// PositionView is an open position marked to a price.
type PositionView struct {
	model.Position
	CurrentPrice        decimal.Decimal `json:"current_price"`
	PnL                 decimal.Decimal `json:"pnl"`
	PnLPct              float64         `json:"pnl_pct"`
	LiquidationDistance float64         `json:"liquidation_distance"`
}

// ListPositions returns user's open positions marked to prices. The store
// is consulted first; if it is unreachable the cached view is used.
func (e *Engine) ListPositions(ctx context.Context, user string, prices map[model.Symbol]decimal.Decimal) ([]PositionView, error) {
	open, err := e.refresh(ctx, user)
	if err != nil {
		e.logger.Warn("position refresh failed, serving cache", "user", user, "err", err)
		_ = e.market.WithAccount(user, func(a *market.Account) error {
			open = a.OpenPositions()
			return nil
		})
	}

	views := make([]PositionView, 0, len(open))
	for _, p := range open {
		price := prices[p.Asset]
		pnl := PnL(p, price)
		var pct float64
		if p.Margin.IsPositive() {
			pct = pnl.Div(p.Margin).InexactFloat64()
		}
		views = append(views, PositionView{
			Position:            p,
			CurrentPrice:        price,
			PnL:                 pnl,
			PnLPct:              pct,
			LiquidationDistance: LiquidationDistance(p, price),
		})
	}
	return views, nil
}

// History merges closed and liquidated positions, newest first, up to limit.
func (e *Engine) History(ctx context.Context, user string, limit int) ([]model.HistoryEntry, error) {
	sctx, cancel := context.WithTimeout(ctx, e.params.StoreTimeout)
	defer cancel()

	closed, err := e.store.ClosedPositions(sctx, user, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", market.ErrStoreUnavailable, err)
	}
	liqs, err := e.store.Liquidations(sctx, user, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", market.ErrStoreUnavailable, err)
	}

	entries := make([]model.HistoryEntry, 0, len(closed)+len(liqs))
	for i := range closed {
		c := closed[i]
		entries = append(entries, model.HistoryEntry{Kind: model.HistoryClose, At: c.ClosedAt, Closed: &c})
	}
	for i := range liqs {
		l := liqs[i]
		entries = append(entries, model.HistoryEntry{Kind: model.HistoryLiquidation, At: l.LiquidatedAt, Liquidation: &l})
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].At.After(entries[j].At) })
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// FundingPayments returns user's newest funding payments.
func (e *Engine) FundingPayments(ctx context.Context, user string, limit int) ([]model.FundingPayment, error) {
	sctx, cancel := context.WithTimeout(ctx, e.params.StoreTimeout)
	defer cancel()
	out, err := e.store.FundingPaymentsByUser(sctx, user, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", market.ErrStoreUnavailable, err)
	}
	return out, nil
}

// SweepLiquidations liquidates every open position whose asset price has
// crossed its liquidation price. The margin was spent at open, so the
// account balance is not touched. Positions closed concurrently are skipped.
func (e *Engine) SweepLiquidations(ctx context.Context, prices map[model.Symbol]decimal.Decimal) ([]model.LiquidationRecord, error) {
	sctx, cancel := context.WithTimeout(ctx, e.params.StoreTimeout)
	open, err := e.store.AllOpenPositions(sctx)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", market.ErrStoreUnavailable, err)
	}

	var (
		out  []model.LiquidationRecord
		errs []error
	)
	for _, p := range open {
		price, ok := prices[p.Asset]
		if !ok || !Liquidatable(p, price) {
			continue
		}
		rec := model.LiquidationRecord{
			PositionID:       p.ID,
			UserID:           p.UserID,
			Asset:            p.Asset,
			Direction:        p.Direction,
			Amount:           p.Amount,
			EntryPrice:       p.EntryPrice,
			Leverage:         p.Leverage,
			LiquidationPrice: price,
			MarginLost:       p.Margin,
			LiquidatedAt:     e.now(),
		}

		sctx, cancel := context.WithTimeout(ctx, e.params.StoreTimeout)
		err := e.store.LiquidatePosition(sctx, &rec)
		cancel()
		if errors.Is(err, store.ErrNotFound) {
			e.market.DropPosition(p.UserID, p.ID)
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("liquidate %s: %w", p.ID, err))
			continue
		}

		e.market.DropPosition(p.UserID, p.ID)
		out = append(out, rec)
		e.logger.Warn("position liquidated", "user", p.UserID, "position_id", p.ID, "coin", p.Asset,
			"direction", p.Direction, "price", price.String(), "liquidation_price", p.LiquidationPrice.String(),
			"margin_lost", p.Margin.String())
	}
	if len(errs) > 0 {
		return out, fmt.Errorf("%w: %w", market.ErrStoreUnavailable, errors.Join(errs...))
	}
	return out, nil
}

// FundingInfo is the funding picture of one asset.
type FundingInfo struct {
	Asset         model.Symbol    `json:"coin"`
	LongNotional  decimal.Decimal `json:"long_notional"`
	ShortNotional decimal.Decimal `json:"short_notional"`
	Rate          float64         `json:"rate"`
}

// FundingOverview reports aggregate notionals and the current rate per asset.
func (e *Engine) FundingOverview(ctx context.Context, prices map[model.Symbol]decimal.Decimal) ([]FundingInfo, time.Time, error) {
	sctx, cancel := context.WithTimeout(ctx, e.params.StoreTimeout)
	defer cancel()
	open, err := e.store.AllOpenPositions(sctx)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("%w: %v", market.ErrStoreUnavailable, err)
	}

	e.fundingMu.Lock()
	next := e.lastFunding.Add(e.params.FundingInterval)
	e.fundingMu.Unlock()

	return e.fundingInfo(open, prices), next, nil
}

func (e *Engine) fundingInfo(open []model.Position, prices map[model.Symbol]decimal.Decimal) []FundingInfo {
	bySym := make(map[model.Symbol]*FundingInfo, len(model.Catalog))
	out := make([]FundingInfo, len(model.Catalog))
	for i, l := range model.Catalog {
		out[i] = FundingInfo{Asset: l.Symbol}
		bySym[l.Symbol] = &out[i]
	}
	for _, p := range open {
		info, ok := bySym[p.Asset]
		if !ok {
			continue
		}
		value := p.Value(prices[p.Asset])
		if p.Direction == model.Long {
			info.LongNotional = info.LongNotional.Add(value)
		} else {
			info.ShortNotional = info.ShortNotional.Add(value)
		}
	}
	for i := range out {
		out[i].Rate = FundingRate(out[i].LongNotional, out[i].ShortNotional,
			e.params.FundingRateScale, e.params.FundingRateCap)
	}
	return out
}

// SettleFunding transfers funding for every open position at most once per
// FundingInterval. Longs pay value·rate and shorts receive it (the reverse
// when the rate is negative). Transfers are applied unconditionally, so a
// balance can go negative. It returns nil without work when the interval
// has not elapsed.
func (e *Engine) SettleFunding(ctx context.Context, prices map[model.Symbol]decimal.Decimal) ([]model.FundingPayment, error) {
	e.fundingMu.Lock()
	defer e.fundingMu.Unlock()

	now := e.now()
	if now.Sub(e.lastFunding) < e.params.FundingInterval {
		return nil, nil
	}

	sctx, cancel := context.WithTimeout(ctx, e.params.StoreTimeout)
	open, err := e.store.AllOpenPositions(sctx)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", market.ErrStoreUnavailable, err)
	}
	e.lastFunding = now

	rates := make(map[model.Symbol]float64, len(model.Catalog))
	for _, info := range e.fundingInfo(open, prices) {
		rates[info.Asset] = info.Rate
	}

	var (
		out  []model.FundingPayment
		errs []error
	)
	for _, p := range open {
		rate := rates[p.Asset]
		if rate == 0 {
			continue
		}
		fee := p.Value(prices[p.Asset]).Mul(decimal.NewFromFloat(rate)).Round(PriceScale)
		delta := fee.Neg()
		if p.Direction == model.Short {
			delta = fee
		}
		flow := model.FlowReceive
		if delta.IsNegative() {
			flow = model.FlowPay
		}

		_ = e.market.WithAccount(p.UserID, func(a *market.Account) error {
			a.Balance = a.Balance.Add(delta)
			return nil
		})

		pay := model.FundingPayment{
			ID:         NewPositionID(),
			PositionID: p.ID,
			UserID:     p.UserID,
			Asset:      p.Asset,
			Amount:     delta.Abs(),
			Rate:       rate,
			Flow:       flow,
			PaidAt:     now,
		}
		sctx, cancel := context.WithTimeout(ctx, e.params.StoreTimeout)
		err := e.store.InsertFundingPayment(sctx, &pay)
		cancel()
		if err != nil {
			errs = append(errs, fmt.Errorf("record funding %s: %w", p.ID, err))
		}
		out = append(out, pay)
		e.logger.Info("funding settled", "user", p.UserID, "position_id", p.ID, "coin", p.Asset,
			"flow", flow, "amount", pay.Amount.String(), "rate", rate)
	}
	if len(errs) > 0 {
		return out, fmt.Errorf("%w: %w", market.ErrStoreUnavailable, errors.Join(errs...))
	}
	return out, nil
}
