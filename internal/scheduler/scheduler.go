// Package scheduler drives the simulation: one periodic worker advances
// prices, matches limit orders, sweeps liquidations, settles funding and
// rolls for random events.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"

	"github.com/atmx/market-sim/internal/config"
	"github.com/atmx/market-sim/internal/contract"
	"github.com/atmx/market-sim/internal/events"
	"github.com/atmx/market-sim/internal/feed"
	"github.com/atmx/market-sim/internal/market"
	"github.com/atmx/market-sim/internal/metrics"
	"github.com/atmx/market-sim/internal/model"
	"github.com/atmx/market-sim/internal/orders"
	"github.com/atmx/market-sim/internal/snapshot"
	"github.com/atmx/market-sim/internal/store"
)

type Option func(*Scheduler)

func WithClock(now func() time.Time) Option { return func(s *Scheduler) { s.now = now } }

func WithLogger(l *slog.Logger) Option { return func(s *Scheduler) { s.logger = l } }

func WithFeed(p feed.Publisher) Option { return func(s *Scheduler) { s.feed = p } }

// WithEvents enables the random event roll at the end of every tick.
func WithEvents(t *events.Trigger) Option { return func(s *Scheduler) { s.events = t } }

// WithSnapshot saves the advisory snapshot to path every cfg.SnapshotEvery ticks.
func WithSnapshot(path string) Option { return func(s *Scheduler) { s.snapshotPath = path } }

// Scheduler owns the tick loop. Start and Stop are idempotent.
type Scheduler struct {
	market  *market.Market
	matcher *orders.Matcher
	engine  *contract.Engine
	store   store.Store
	cfg     config.Scheduler

	feed         feed.Publisher
	events       *events.Trigger
	snapshotPath string
	now          func() time.Time
	logger       *slog.Logger
	backoff      backoff.BackOff

	tickMu sync.Mutex // one tick at a time
	ticks  int

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func New(m *market.Market, matcher *orders.Matcher, engine *contract.Engine, st store.Store, cfg config.Scheduler, opts ...Option) *Scheduler {
	s := &Scheduler{
		market:  m,
		matcher: matcher,
		engine:  engine,
		store:   st,
		cfg:     cfg,
		feed:    feed.Nop{},
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.cfg.StoreTimeout <= 0 {
		s.cfg.StoreTimeout = 5 * time.Second
	}
	if s.cfg.ErrorBackoff <= 0 {
		s.cfg.ErrorBackoff = s.cfg.Interval
	}
	s.backoff = backoff.NewConstantBackOff(s.cfg.ErrorBackoff)
	s.logger = s.logger.With("component", "scheduler")
	return s
}

// Start launches the worker. Calling Start on a running scheduler is a no-op
// and returns false.
func (s *Scheduler) Start(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return false
	}
	ctx, cancel := context.WithCancel(ctx)
	s.running = true
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.run(ctx, s.done)
	if s.events != nil {
		go s.forwardEvents(ctx)
	}
	s.logger.Info("scheduler started", "interval", s.cfg.Interval)
	return true
}

// Stop prevents further ticks and waits for an in-flight tick to finish.
// It never interrupts a tick. Stopping a stopped scheduler is a no-op.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	<-done
	s.logger.Info("scheduler stopped")
}

// Running reports whether the worker is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	timer := time.NewTimer(s.cfg.Interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		wait := s.cfg.Interval
		// A stop request must not cut the tick short.
		if err := s.Tick(context.WithoutCancel(ctx)); err != nil {
			wait = s.backoff.NextBackOff()
			s.logger.Error("tick failed, backing off", "err", err, "backoff", wait)
		} else {
			s.backoff.Reset()
		}
		timer.Reset(wait)
	}
}

// Tick runs one full simulation cycle. Only the price update holds the
// market's price lock; matching, sweep and funding work on the resulting
// price snapshot. The first failing step aborts the rest of the cycle.
func (s *Scheduler) Tick(ctx context.Context) (err error) {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	start := time.Now()
	now := s.now()
	s.ticks++
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		metrics.TicksTotal.WithLabelValues(outcome).Inc()
		metrics.TickDuration.Observe(time.Since(start).Seconds())
	}()

	var points []model.PricePoint
	if err := s.step("prices", func() error {
		points = s.market.Tick(now)
		return nil
	}); err != nil {
		return err
	}
	s.recordPrices(ctx, points)
	s.observeAssets()

	prices := make(map[model.Symbol]decimal.Decimal, len(points))
	for _, p := range points {
		prices[p.Asset] = p.Price
	}

	var out []feed.Event
	for _, p := range points {
		out = append(out, feed.Event{Kind: feed.KindTick, Asset: p.Asset, At: now, Data: p})
	}
	defer func() { s.publish(ctx, out) }()

	if err := s.step("match", func() error {
		out = append(out, s.matchOrders(prices, now)...)
		return nil
	}); err != nil {
		return err
	}

	if err := s.step("liquidation", func() error {
		recs, err := s.engine.SweepLiquidations(ctx, prices)
		for _, r := range recs {
			metrics.PositionsTotal.WithLabelValues("liquidated").Inc()
			out = append(out, feed.Event{Kind: feed.KindLiquidation, Asset: r.Asset, UserID: r.UserID, At: now, Data: r})
		}
		return err
	}); err != nil {
		return err
	}

	if err := s.step("funding", func() error {
		pays, err := s.engine.SettleFunding(ctx, prices)
		for _, p := range pays {
			metrics.FundingPayments.WithLabelValues(string(p.Flow)).Inc()
			out = append(out, feed.Event{Kind: feed.KindFunding, Asset: p.Asset, UserID: p.UserID, At: now, Data: p})
		}
		return err
	}); err != nil {
		return err
	}

	if s.events != nil {
		if err := s.step("events", func() error {
			s.events.TryTrigger(ctx, now)
			return nil
		}); err != nil {
			return err
		}
	}

	s.housekeeping(ctx, now)
	return nil
}

// step runs fn and converts a panic into an error.
func (s *Scheduler) step(name string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s step panicked: %v", name, r)
		}
	}()
	if err := fn(); err != nil {
		return fmt.Errorf("%s step: %w", name, err)
	}
	return nil
}

func (s *Scheduler) recordPrices(ctx context.Context, points []model.PricePoint) {
	sctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()
	var errs []error
	for _, p := range points {
		if err := s.store.AppendPrice(sctx, p); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		metrics.StoreErrors.WithLabelValues("append_price").Add(float64(len(errs)))
		s.logger.Warn("price history append failed", "failed", len(errs), "err", errors.Join(errs...))
	}
}

func (s *Scheduler) observeAssets() {
	for _, a := range s.market.Assets() {
		sym := string(a.Symbol)
		metrics.AssetPrice.WithLabelValues(sym).Set(a.Price.InexactFloat64())
		metrics.AssetVolatility.WithLabelValues(sym).Set(a.Volatility)
		metrics.LiquidityPressure.WithLabelValues(sym).Set(a.LiquidityPressure)
	}
}

func (s *Scheduler) matchOrders(prices map[model.Symbol]decimal.Decimal, now time.Time) []feed.Event {
	rep := s.matcher.Match(prices)
	metrics.OrdersTotal.WithLabelValues("filled").Add(float64(len(rep.Filled)))
	metrics.OrdersTotal.WithLabelValues("expired").Add(float64(len(rep.Expired)))
	metrics.OrdersTotal.WithLabelValues("discarded").Add(float64(len(rep.Discarded)))

	out := make([]feed.Event, 0, len(rep.Filled)+len(rep.Expired)+len(rep.Discarded))
	add := func(kind feed.Kind, evs []orders.Event) {
		for _, e := range evs {
			out = append(out, feed.Event{Kind: kind, Asset: e.Order.Asset, UserID: e.UserID, At: now, Data: e})
		}
	}
	add(feed.KindOrderFilled, rep.Filled)
	add(feed.KindOrderExpired, rep.Expired)
	add(feed.KindOrderDiscarded, rep.Discarded)
	return out
}

// housekeeping saves the snapshot and prunes price history on their own
// cadences. Failures are logged only.
func (s *Scheduler) housekeeping(ctx context.Context, now time.Time) {
	if s.snapshotPath != "" && s.cfg.SnapshotEvery > 0 && s.ticks%s.cfg.SnapshotEvery == 0 {
		if err := snapshot.Save(s.snapshotPath, s.market.Export(), now); err != nil {
			s.logger.Warn("snapshot save failed", "path", s.snapshotPath, "err", err)
		}
	}
	if s.cfg.PruneEvery > 0 && s.cfg.PriceHistoryKeep > 0 && s.ticks%s.cfg.PruneEvery == 0 {
		sctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
		removed, err := s.store.PrunePrices(sctx, s.cfg.PriceHistoryKeep)
		cancel()
		if err != nil {
			metrics.StoreErrors.WithLabelValues("prune_prices").Inc()
			s.logger.Warn("price history prune failed", "err", err)
		} else if removed > 0 {
			s.logger.Info("price history pruned", "removed", removed, "keep", s.cfg.PriceHistoryKeep)
		}
	}
}

func (s *Scheduler) publish(ctx context.Context, evs []feed.Event) {
	if len(evs) == 0 {
		return
	}
	pctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()
	if err := s.feed.Publish(pctx, evs...); err != nil {
		s.logger.Warn("feed publish failed", "events", len(evs), "err", err)
	}
}

// forwardEvents relays random event outcomes to metrics and the feed.
func (s *Scheduler) forwardEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case o := <-s.events.Outcomes():
			dir := "up"
			if o.ChangePct < 0 {
				dir = "down"
			}
			metrics.RandomEvents.WithLabelValues(dir).Inc()
			s.publish(context.WithoutCancel(ctx), []feed.Event{{Kind: feed.KindMarketEvent, Asset: o.Asset, At: o.At, Data: o}})
		}
	}
}
