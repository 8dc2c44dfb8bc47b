// Package events runs the random market event subsystem: occasional price
// shocks on a random asset, announced to active chat groups.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/shopspring/decimal"

	"github.com/atmx/market-sim/internal/config"
	"github.com/atmx/market-sim/internal/market"
	"github.com/atmx/market-sim/internal/model"
)

// PriceRecorder persists the post-shock price observation.
type PriceRecorder interface {
	AppendPrice(ctx context.Context, p model.PricePoint) error
}

// Outcome describes one applied event.
type Outcome struct {
	Asset     model.Symbol    `json:"coin"`
	ChangePct float64         `json:"change_pct"`
	Before    decimal.Decimal `json:"before"`
	After     decimal.Decimal `json:"after"`
	Message   string          `json:"message"`
	Generated bool            `json:"generated"`
	Delivered []string        `json:"delivered,omitempty"`
	Failed    []string        `json:"failed,omitempty"`
	At        time.Time       `json:"at"`
}

type Option func(*Trigger)

func WithTextGenerator(g TextGenerator) Option { return func(t *Trigger) { t.text = g } }

func WithNotifier(n Notifier) Option { return func(t *Trigger) { t.notifier = n } }

func WithPriceRecorder(r PriceRecorder) Option { return func(t *Trigger) { t.recorder = r } }

func WithLogger(l *slog.Logger) Option { return func(t *Trigger) { t.logger = l } }

// Trigger gates and fires random events. Each fired event runs in its own
// goroutine with a bounded lifetime; results are delivered on Outcomes.
type Trigger struct {
	market   *market.Market
	activity *ActivityTracker
	cfg      config.Events
	text     TextGenerator
	notifier Notifier
	recorder PriceRecorder
	pool     *ants.Pool
	logger   *slog.Logger

	mu        sync.Mutex // guards rng and lastEvent
	rng       *rand.Rand
	lastEvent time.Time

	outcomes chan Outcome
	wg       sync.WaitGroup
}

func NewTrigger(m *market.Market, activity *ActivityTracker, cfg config.Events, rng *rand.Rand, opts ...Option) (*Trigger, error) {
	size := cfg.PoolSize
	if size <= 0 {
		size = 16
	}
	pool, err := ants.NewPool(size)
	if err != nil {
		return nil, fmt.Errorf("broadcast pool: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	t := &Trigger{
		market:   m,
		activity: activity,
		cfg:      cfg,
		pool:     pool,
		rng:      rng,
		logger:   slog.Default(),
		outcomes: make(chan Outcome, 16),
	}
	for _, o := range opts {
		o(t)
	}
	t.logger = t.logger.With("component", "events")
	return t, nil
}

// Outcomes delivers one value per fired event. Values are dropped if nobody
// keeps up with the channel.
func (t *Trigger) Outcomes() <-chan Outcome { return t.outcomes }

// TryTrigger evaluates the cooldown, activity and probability gates and, if
// all pass, starts an event in the background. It never blocks on external
// calls.
func (t *Trigger) TryTrigger(ctx context.Context, now time.Time) bool {
	if !t.cfg.Enabled {
		return false
	}
	t.mu.Lock()
	if !t.lastEvent.IsZero() && now.Sub(t.lastEvent) < t.cfg.Cooldown {
		t.mu.Unlock()
		return false
	}
	if len(t.activity.Active(now)) == 0 {
		t.mu.Unlock()
		t.logger.Debug("no active groups, skipping event")
		return false
	}
	if t.rng.Float64() >= t.cfg.Probability {
		t.mu.Unlock()
		return false
	}
	t.lastEvent = now
	sym := model.Catalog[t.rng.Intn(len(model.Catalog))].Symbol
	pct := t.cfg.MinChange + t.rng.Float64()*(t.cfg.MaxChange-t.cfg.MinChange)
	if t.rng.Intn(2) == 0 {
		pct = -pct
	}
	variant := t.rng.Intn(len(risingTemplates))
	t.mu.Unlock()

	t.logger.Info("random event triggered", "coin", sym, "change_pct", pct)
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ectx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.cfg.Timeout)
		defer cancel()
		t.run(ectx, sym, pct, variant, now)
	}()
	return true
}

func (t *Trigger) run(ctx context.Context, sym model.Symbol, pct float64, variant int, now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("random event panicked", "coin", sym, "panic", r)
		}
	}()

	before, after, err := t.market.ApplyShock(sym, pct)
	if err != nil {
		t.logger.Error("apply shock failed", "coin", sym, "err", err)
		return
	}
	t.logger.Info("event shock applied", "coin", sym, "before", before, "after", after)

	if t.recorder != nil {
		if err := t.recorder.AppendPrice(ctx, model.PricePoint{Asset: sym, Price: after, Timestamp: now}); err != nil {
			t.logger.Warn("record event price failed", "coin", sym, "err", err)
		}
	}

	out := Outcome{Asset: sym, ChangePct: pct, Before: before, After: after, At: now}
	headline := ""
	if t.text != nil {
		text, err := t.text.Generate(ctx, Prompt(sym, pct))
		if err != nil {
			t.logger.Warn("text generation failed, using template", "coin", sym, "err", err)
		}
		headline = text
	}
	if headline == "" {
		headline = Template(sym, pct, variant)
	} else {
		out.Generated = true
	}
	out.Message = FormatMessage(headline, sym, pct, before, after)

	out.Delivered, out.Failed = t.broadcast(ctx, out.Message, now)

	select {
	case t.outcomes <- out:
	default:
		t.logger.Warn("event outcome dropped", "coin", sym)
	}
}

func (t *Trigger) broadcast(ctx context.Context, msg string, now time.Time) (delivered, failed []string) {
	if t.notifier == nil {
		return nil, nil
	}
	groups := t.activity.Active(now)
	if len(groups) == 0 {
		return nil, nil
	}

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	record := func(group string, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			t.logger.Warn("event broadcast failed", "group", group, "err", err)
			failed = append(failed, group)
			return
		}
		delivered = append(delivered, group)
	}
	for _, g := range groups {
		g := g
		wg.Add(1)
		err := t.pool.Submit(func() {
			defer wg.Done()
			record(g, t.notifier.SendToGroup(ctx, g, msg))
		})
		if err != nil {
			wg.Done()
			record(g, err)
		}
	}
	wg.Wait()
	return delivered, failed
}

// Wait blocks until every in-flight event has finished.
func (t *Trigger) Wait() { t.wg.Wait() }

// Close waits for in-flight events and releases the broadcast pool.
func (t *Trigger) Close() {
	t.wg.Wait()
	t.pool.Release()
}
