package trade_test

import (
	"bytes"
	"context"
	"encoding/json"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/atmx/market-sim/internal/config"
	"github.com/atmx/market-sim/internal/contract"
	"github.com/atmx/market-sim/internal/events"
	"github.com/atmx/market-sim/internal/feed"
	"github.com/atmx/market-sim/internal/limits"
	"github.com/atmx/market-sim/internal/market"
	"github.com/atmx/market-sim/internal/model"
	"github.com/atmx/market-sim/internal/orders"
	"github.com/atmx/market-sim/internal/store"
	"github.com/atmx/market-sim/internal/trade"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type recorder struct {
	mu  sync.Mutex
	got []feed.Event
}

func (r *recorder) Publish(_ context.Context, evs ...feed.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, evs...)
	return nil
}

type testEnv struct {
	svc    *trade.Service
	market *market.Market
	store  *store.MemoryStore
	feed   *recorder
	router chi.Router
	now    time.Time
}

// newTestEnv creates a test Service with in-memory store and chi router.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg := config.Default()
	e := &testEnv{
		market: market.New(market.DefaultParams(), rand.New(rand.NewSource(42))),
		store:  store.NewMemoryStore(),
		feed:   &recorder{},
		now:    time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return e.now }
	matcher := orders.NewMatcher(e.market, nil)
	matcher.SetClock(clock)
	engine := contract.NewEngine(e.market, e.store, limits.FromConfig(cfg.Contract),
		contract.ParamsFromConfig(cfg.Contract, time.Second), contract.WithClock(clock))
	e.svc = trade.NewService(e.market, matcher, engine, e.store,
		trade.WithFeed(e.feed),
		trade.WithClock(clock),
		trade.WithAdminToken("s3cret"),
		trade.WithActivity(events.NewActivityTracker([]string{"g1"}, time.Hour)),
	)

	r := chi.NewRouter()
	r.Route("/api/v1", e.svc.Routes)
	e.router = r
	return e
}

func (e *testEnv) do(t *testing.T, method, path string, body any, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}

// --- Market data ---

func TestPrices(t *testing.T) {
	e := newTestEnv(t)

	w := e.do(t, "GET", "/api/v1/prices", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	quotes := decode[[]trade.Quote](t, w)
	if len(quotes) != len(model.Catalog) {
		t.Fatalf("expected %d quotes, got %d", len(model.Catalog), len(quotes))
	}
	if quotes[0].Asset != model.PIG || !quotes[0].Price.Equal(d(100)) {
		t.Errorf("first quote = %+v, want PIG at 100", quotes[0])
	}

	w = e.do(t, "GET", "/api/v1/prices/doge", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 for lower-case symbol, got %d", w.Code)
	}
	if q := decode[trade.Quote](t, w); q.Asset != model.DOGE {
		t.Errorf("asset = %s, want DOGE", q.Asset)
	}

	w = e.do(t, "GET", "/api/v1/prices/BTC", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("unknown asset: expected 400, got %d", w.Code)
	}
}

func TestVolatilitySortedWithRiskBands(t *testing.T) {
	e := newTestEnv(t)
	vols := e.svc.Volatility()
	if len(vols) != len(model.Catalog) {
		t.Fatalf("expected %d entries, got %d", len(model.Catalog), len(vols))
	}
	for i := 1; i < len(vols); i++ {
		if vols[i].Current > vols[i-1].Current {
			t.Errorf("not sorted at %d: %v > %v", i, vols[i].Current, vols[i-1].Current)
		}
	}
	if vols[0].Asset != model.SAKIKO || vols[0].Risk != "extreme" {
		t.Errorf("most volatile = %s/%s, want SAKIKO/extreme", vols[0].Asset, vols[0].Risk)
	}
}

func TestPriceHistoryWindow(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		at := e.now.Add(-time.Duration(i) * 30 * time.Minute)
		if err := e.store.AppendPrice(ctx, model.PricePoint{Asset: model.WUWA, Price: d(600 + float64(i)), Timestamp: at}); err != nil {
			t.Fatal(err)
		}
	}

	w := e.do(t, "GET", "/api/v1/prices/WUWA/history?window=1h", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if pts := decode[[]model.PricePoint](t, w); len(pts) != 3 {
		t.Errorf("expected 3 points in the last hour, got %d", len(pts))
	}

	w = e.do(t, "GET", "/api/v1/prices/WUWA/history?limit=2", nil)
	if pts := decode[[]model.PricePoint](t, w); len(pts) != 2 {
		t.Errorf("expected 2 points with limit, got %d", len(pts))
	}

	w = e.do(t, "GET", "/api/v1/prices/WUWA/history?window=soon", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad window: expected 400, got %d", w.Code)
	}
}

// --- Spot trading ---

func TestImmediateBuyAndSell(t *testing.T) {
	e := newTestEnv(t)

	w := e.do(t, "POST", "/api/v1/orders/buy", trade.OrderRequest{UserID: "u1", Coin: "PIG", Amount: d(10)})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	res := decode[orders.Result](t, w)
	if res.Fill == nil {
		t.Fatal("expected a fill")
	}
	// 10 · 100 · 1.001
	if bal := e.market.Account("u1").Balance; !bal.Equal(d(8999)) {
		t.Errorf("balance = %s, want 8999", bal)
	}
	if res.Pressure <= 0 {
		t.Errorf("buy should push liquidity pressure up, got %v", res.Pressure)
	}

	w = e.do(t, "POST", "/api/v1/orders/sell", trade.OrderRequest{UserID: "u1", Coin: "PIG", Amount: d(11)})
	if w.Code != http.StatusConflict {
		t.Errorf("overselling: expected 409, got %d", w.Code)
	}

	w = e.do(t, "POST", "/api/v1/orders/sell", trade.OrderRequest{UserID: "u1", Coin: "PIG", Amount: d(4)})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if h := e.market.Account("u1").Holdings[model.PIG]; !h.Amount.Equal(d(6)) {
		t.Errorf("holding = %s, want 6", h.Amount)
	}

	e.feed.mu.Lock()
	trades := 0
	for _, ev := range e.feed.got {
		if ev.Kind == feed.KindTrade {
			trades++
		}
	}
	e.feed.mu.Unlock()
	if trades != 2 {
		t.Errorf("published %d trade events, want 2", trades)
	}
}

func TestOrderValidation(t *testing.T) {
	e := newTestEnv(t)
	cases := []struct {
		name string
		path string
		req  trade.OrderRequest
		want int
	}{
		{"missing user", "/api/v1/orders/buy", trade.OrderRequest{Coin: "PIG", Amount: d(1)}, http.StatusBadRequest},
		{"unknown coin", "/api/v1/orders/buy", trade.OrderRequest{UserID: "u", Coin: "XYZ", Amount: d(1)}, http.StatusBadRequest},
		{"zero amount", "/api/v1/orders/buy", trade.OrderRequest{UserID: "u", Coin: "PIG"}, http.StatusBadRequest},
		{"buy limit at price", "/api/v1/orders/buy", trade.OrderRequest{UserID: "u", Coin: "PIG", Amount: d(1), Price: d(100)}, http.StatusBadRequest},
		{"sell limit below price", "/api/v1/orders/sell", trade.OrderRequest{UserID: "u", Coin: "PIG", Amount: d(1), Price: d(90)}, http.StatusBadRequest},
		{"too expensive", "/api/v1/orders/buy", trade.OrderRequest{UserID: "u", Coin: "GENSHIN", Amount: d(100)}, http.StatusConflict},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := e.do(t, "POST", tc.path, tc.req)
			if w.Code != tc.want {
				t.Errorf("expected %d, got %d: %s", tc.want, w.Code, w.Body.String())
			}
			if !strings.Contains(w.Body.String(), `"error"`) {
				t.Errorf("expected JSON error body, got %s", w.Body.String())
			}
		})
	}
}

func TestLimitOrderPlaceAndCancel(t *testing.T) {
	e := newTestEnv(t)

	w := e.do(t, "POST", "/api/v1/orders/buy", trade.OrderRequest{UserID: "u1", Coin: "PIG", Amount: d(2), Price: d(95)})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	res := decode[orders.Result](t, w)
	if res.Order == nil || len(res.Order.ID) != 12 {
		t.Fatalf("expected order with 12-char id, got %+v", res.Order)
	}
	if !res.Order.ExpiresAt.Equal(e.now.Add(time.Hour)) {
		t.Errorf("expires_at = %v, want created+1h", res.Order.ExpiresAt)
	}
	if bal := e.market.Account("u1").Balance; !bal.Equal(d(10000)) {
		t.Errorf("placing an order must not reserve funds, balance = %s", bal)
	}

	path := "/api/v1/users/u1/orders/" + strings.ToLower(res.Order.ID)
	if w := e.do(t, "DELETE", path, nil); w.Code != http.StatusOK {
		t.Fatalf("cancel: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if w := e.do(t, "DELETE", path, nil); w.Code != http.StatusNotFound {
		t.Errorf("second cancel: expected 404, got %d", w.Code)
	}
}

// --- Leveraged contracts ---

func TestPositionLifecycle(t *testing.T) {
	e := newTestEnv(t)

	w := e.do(t, "POST", "/api/v1/positions", trade.OpenPositionRequest{
		UserID: "u1", Coin: "PIG", Direction: "LONG", Amount: d(10), Leverage: 10,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	opened := decode[contract.OpenResult](t, w)
	if !opened.Position.LiquidationPrice.Equal(d(91)) {
		t.Errorf("liquidation price = %s, want 91", opened.Position.LiquidationPrice)
	}
	// margin 100 + fee 1
	if !opened.Balance.Equal(d(9899)) {
		t.Errorf("balance = %s, want 9899", opened.Balance)
	}

	w = e.do(t, "GET", "/api/v1/users/u1/positions", nil)
	views := decode[[]contract.PositionView](t, w)
	if len(views) != 1 || views[0].ID != opened.Position.ID {
		t.Fatalf("positions = %+v", views)
	}

	w = e.do(t, "POST", "/api/v1/users/u1/positions/"+opened.Position.ID+"/close", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("close: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	closed := decode[model.ClosedPosition](t, w)
	if !closed.PnL.IsZero() {
		t.Errorf("pnl at unchanged price = %s, want 0", closed.PnL)
	}
	// 9899 + 100 margin - 1 close fee
	if bal := e.market.Account("u1").Balance; !bal.Equal(d(9998)) {
		t.Errorf("balance after close = %s, want 9998", bal)
	}

	w = e.do(t, "GET", "/api/v1/users/u1/history", nil)
	hist := decode[[]model.HistoryEntry](t, w)
	if len(hist) != 1 || hist[0].Kind != model.HistoryClose {
		t.Errorf("history = %+v", hist)
	}

	w = e.do(t, "POST", "/api/v1/users/u1/positions/"+opened.Position.ID+"/close", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("closing twice: expected 404, got %d", w.Code)
	}
}

func TestOpenPositionRejections(t *testing.T) {
	e := newTestEnv(t)
	cases := []struct {
		name string
		req  trade.OpenPositionRequest
		want int
	}{
		{"bad direction", trade.OpenPositionRequest{UserID: "u", Coin: "PIG", Direction: "up", Amount: d(1)}, http.StatusBadRequest},
		{"leverage too high", trade.OpenPositionRequest{UserID: "u", Coin: "PIG", Direction: "long", Amount: d(1), Leverage: 101}, http.StatusBadRequest},
		{"value above max", trade.OpenPositionRequest{UserID: "u", Coin: "GENSHIN", Direction: "short", Amount: d(200), Leverage: 100}, http.StatusConflict},
		{"margin too large", trade.OpenPositionRequest{UserID: "u", Coin: "GENSHIN", Direction: "long", Amount: d(100), Leverage: 1}, http.StatusConflict},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := e.do(t, "POST", "/api/v1/positions", tc.req)
			if w.Code != tc.want {
				t.Errorf("expected %d, got %d: %s", tc.want, w.Code, w.Body.String())
			}
		})
	}
	if bal := e.market.Account("u").Balance; !bal.Equal(d(10000)) {
		t.Errorf("rejected opens must not touch the balance, got %s", bal)
	}
}

func TestFundingOverview(t *testing.T) {
	e := newTestEnv(t)
	if _, err := e.svc.OpenPosition(context.Background(), "u1", "DOGE", "short", d(100), 5); err != nil {
		t.Fatal(err)
	}
	ov, err := e.svc.FundingOverview(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !ov.NextSettlement.Equal(e.now.Add(time.Hour)) {
		t.Errorf("next settlement = %v", ov.NextSettlement)
	}
	for _, info := range ov.Assets {
		if info.Asset == model.DOGE && info.Rate >= 0 {
			t.Errorf("short-only book should have negative rate, got %v", info.Rate)
		}
		if info.Asset != model.DOGE && info.Rate != 0 {
			t.Errorf("%s rate = %v, want 0", info.Asset, info.Rate)
		}
	}
}

// --- Accounts ---

func TestPortfolioAndTotals(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	if _, err := e.svc.Buy(ctx, "u1", "SHIRUKU", d(50), decimal.Zero); err != nil {
		t.Fatal(err)
	}
	if _, err := e.svc.Buy(ctx, "u1", "SHIRUKU", d(5), d(9)); err != nil {
		t.Fatal(err)
	}
	if _, err := e.svc.OpenPosition(ctx, "u1", "PIG", "long", d(1), 0); err != nil {
		t.Fatal(err)
	}

	w := e.do(t, "GET", "/api/v1/users/u1/portfolio", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	p := decode[trade.Portfolio](t, w)
	if len(p.Holdings) != 1 || len(p.Orders) != 1 || len(p.Positions) != 1 {
		t.Fatalf("portfolio = %+v", p)
	}
	h := p.Holdings[0]
	// value 500, cost 500, sell fee 2%
	if !h.PnL.Equal(d(-10)) {
		t.Errorf("holding pnl = %s, want -10", h.PnL)
	}
	if p.Positions[0].Leverage != 10 {
		t.Errorf("default leverage = %d, want 10", p.Positions[0].Leverage)
	}
	if !p.TotalMargin.Equal(d(10)) {
		t.Errorf("total margin = %s, want 10", p.TotalMargin)
	}

	totals := e.svc.TotalAssets("u1")
	if !totals.Total.Equal(totals.Balance.Add(d(500))) {
		t.Errorf("total = %s, balance = %s", totals.Total, totals.Balance)
	}
	if !p.Total.Equal(totals.Total) {
		t.Errorf("portfolio total %s != total assets %s", p.Total, totals.Total)
	}

	e.now = e.now.Add(2 * time.Hour)
	p, err := e.svc.Portfolio(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(p.Orders) != 0 {
		t.Errorf("expired orders should be hidden, got %d", len(p.Orders))
	}
}

func TestResetRequiresAdminToken(t *testing.T) {
	e := newTestEnv(t)
	if _, err := e.svc.Buy(context.Background(), "u1", "PIG", d(5), decimal.Zero); err != nil {
		t.Fatal(err)
	}

	if w := e.do(t, "POST", "/api/v1/users/u1/reset", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("no token: expected 401, got %d", w.Code)
	}
	if w := e.do(t, "POST", "/api/v1/users/u1/reset", nil, "Authorization", "Bearer nope"); w.Code != http.StatusUnauthorized {
		t.Errorf("wrong token: expected 401, got %d", w.Code)
	}
	w := e.do(t, "POST", "/api/v1/users/u1/reset", nil, "Authorization", "Bearer s3cret")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if totals := decode[trade.Totals](t, w); !totals.Total.Equal(d(10000)) {
		t.Errorf("total after reset = %s, want 10000", totals.Total)
	}
}

func TestTouchGroup(t *testing.T) {
	e := newTestEnv(t)
	if w := e.do(t, "POST", "/api/v1/groups/g1/activity", nil); w.Code != http.StatusNoContent {
		t.Errorf("monitored group: expected 204, got %d", w.Code)
	}
	if w := e.do(t, "POST", "/api/v1/groups/g9/activity", nil); w.Code != http.StatusNotFound {
		t.Errorf("unmonitored group: expected 404, got %d", w.Code)
	}
}

// --- WebSocket ---

func TestWSHubGroupsAndFeed(t *testing.T) {
	hub := trade.NewWSHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	grouped, _, err := websocket.DefaultDialer.Dial(url+"?group=g1", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer grouped.Close()
	plain, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer plain.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Subscribers("g1") == 0 || hub.Subscribers("") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("clients never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := hub.SendToGroup(ctx, "g2", "hello"); err == nil {
		t.Error("expected error for group without subscribers")
	}
	if err := hub.SendToGroup(ctx, "g1", "PIG to the moon"); err != nil {
		t.Fatal(err)
	}
	if err := hub.Publish(ctx, feed.Event{Kind: feed.KindTick, Asset: model.PIG}); err != nil {
		t.Fatal(err)
	}

	read := func(c *websocket.Conn) trade.WSMessage {
		t.Helper()
		c.SetReadDeadline(time.Now().Add(2 * time.Second))
		var m trade.WSMessage
		if err := c.ReadJSON(&m); err != nil {
			t.Fatal(err)
		}
		return m
	}

	if m := read(grouped); m.Type != "announcement" || m.Text != "PIG to the moon" {
		t.Errorf("grouped client first message = %+v", m)
	}
	if m := read(grouped); m.Type != "tick" || m.Coin != "PIG" {
		t.Errorf("grouped client second message = %+v", m)
	}
	if m := read(plain); m.Type != "tick" {
		t.Errorf("plain client should only see the feed, got %+v", m)
	}
}
