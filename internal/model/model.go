// Package model defines the core domain types shared across the market simulator.
// Monetary values use shopspring/decimal, never float64.
// Ratios that drive the stochastic process (volatility, pressure, funding rate)
// are plain float64.
package model

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Symbol identifies one collectible in the fixed catalog.
type Symbol string

const (
	PIG     Symbol = "PIG"
	GENSHIN Symbol = "GENSHIN"
	DOGE    Symbol = "DOGE"
	SAKIKO  Symbol = "SAKIKO"
	WUWA    Symbol = "WUWA"
	SHIRUKU Symbol = "SHIRUKU"
	KIRINO  Symbol = "KIRINO"
)

// Listing is the static catalog entry for one collectible.
type Listing struct {
	Symbol         Symbol
	InitialPrice   decimal.Decimal
	BaseVolatility float64
}

// Catalog is the fixed set of tradable collectibles in display order.
var Catalog = []Listing{
	{PIG, decimal.NewFromInt(100), 0.03},
	{GENSHIN, decimal.NewFromInt(648), 0.05},
	{DOGE, decimal.NewFromInt(5), 0.07},
	{SAKIKO, decimal.RequireFromString("2.14"), 0.10},
	{WUWA, decimal.NewFromInt(648), 0.05},
	{SHIRUKU, decimal.NewFromInt(10), 0.02},
	{KIRINO, decimal.NewFromInt(10), 0.02},
}

// Symbols returns the catalog symbols in display order.
func Symbols() []Symbol {
	out := make([]Symbol, len(Catalog))
	for i, l := range Catalog {
		out[i] = l.Symbol
	}
	return out
}

// ParseSymbol normalizes user input and checks it against the catalog.
func ParseSymbol(s string) (Symbol, bool) {
	sym := Symbol(strings.ToUpper(strings.TrimSpace(s)))
	for _, l := range Catalog {
		if l.Symbol == sym {
			return sym, true
		}
	}
	return "", false
}

// Side is the side of a spot trade or pending order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Direction is the direction of a leveraged position.
type Direction string

const (
	Long  Direction = "long"
	Short Direction = "short"
)

// ParseDirection normalizes user input into a Direction.
func ParseDirection(s string) (Direction, bool) {
	switch Direction(strings.ToLower(strings.TrimSpace(s))) {
	case Long:
		return Long, true
	case Short:
		return Short, true
	}
	return "", false
}

// PositionStatus tracks the lifecycle of a leveraged position.
// Transitions: open → closed (user action) or open → liquidated (sweep).
type PositionStatus string

const (
	StatusOpen       PositionStatus = "open"
	StatusClosed     PositionStatus = "closed"
	StatusLiquidated PositionStatus = "liquidated"
)

// FundingFlow tells whether a funding transfer debited or credited the holder.
type FundingFlow string

const (
	FlowPay     FundingFlow = "pay"
	FlowReceive FundingFlow = "receive"
)

// Asset is the live simulation state of one collectible.
type Asset struct {
	Symbol            Symbol          `json:"symbol"`
	InitialPrice      decimal.Decimal `json:"initial_price"`
	BaseVolatility    float64         `json:"base_volatility"`
	Price             decimal.Decimal `json:"price"`
	DynamicMean       decimal.Decimal `json:"dynamic_mean"`
	Volatility        float64         `json:"volatility"`
	LiquidityPressure float64         `json:"liquidity_pressure"`
}

// NewAsset creates the starting state for a catalog listing.
func NewAsset(l Listing) *Asset {
	return &Asset{
		Symbol:         l.Symbol,
		InitialPrice:   l.InitialPrice,
		BaseVolatility: l.BaseVolatility,
		Price:          l.InitialPrice,
		DynamicMean:    l.InitialPrice,
		Volatility:     l.BaseVolatility,
	}
}

// Holding is a user's spot inventory of one collectible.
type Holding struct {
	Amount    decimal.Decimal `json:"amount"`
	TotalCost decimal.Decimal `json:"total_cost"` // cumulative cost basis
}

// AverageCost returns TotalCost/Amount, or zero for an empty holding.
func (h Holding) AverageCost() decimal.Decimal {
	if !h.Amount.IsPositive() {
		return decimal.Zero
	}
	return h.TotalCost.Div(h.Amount)
}

// PendingOrder is a resting limit trigger owned by one user.
type PendingOrder struct {
	ID         string          `json:"order_id"`
	Side       Side            `json:"type"`
	Asset      Symbol          `json:"coin"`
	Amount     decimal.Decimal `json:"amount"`
	LimitPrice decimal.Decimal `json:"price"`
	CreatedAt  time.Time       `json:"created_at"`
	ExpiresAt  time.Time       `json:"expires_at"`
}

// Expired reports whether the order's TTL has elapsed at now.
func (o PendingOrder) Expired(now time.Time) bool {
	return o.ExpiresAt.Before(now)
}

// Position is a leveraged contract. Canonical state lives in the store.
type Position struct {
	ID               string          `json:"position_id" db:"position_id"`
	UserID           string          `json:"user_id" db:"user_id"`
	Asset            Symbol          `json:"coin" db:"coin"`
	Direction        Direction       `json:"direction" db:"direction"`
	Amount           decimal.Decimal `json:"amount" db:"amount"`
	EntryPrice       decimal.Decimal `json:"entry_price" db:"entry_price"`
	Leverage         int             `json:"leverage" db:"leverage"`
	Margin           decimal.Decimal `json:"margin" db:"margin"`
	LiquidationPrice decimal.Decimal `json:"liquidation_price" db:"liquidation_price"`
	OpenedAt         time.Time       `json:"opened_at" db:"opened_at"`
	Status           PositionStatus  `json:"status" db:"status"`
}

// Value is the notional of the position at the given price.
func (p Position) Value(price decimal.Decimal) decimal.Decimal {
	return p.Amount.Mul(price)
}

// ClosedPosition is the immutable record written when a user closes a position.
type ClosedPosition struct {
	PositionID string          `json:"position_id" db:"position_id"`
	UserID     string          `json:"user_id" db:"user_id"`
	Asset      Symbol          `json:"coin" db:"coin"`
	Direction  Direction       `json:"direction" db:"direction"`
	Amount     decimal.Decimal `json:"amount" db:"amount"`
	EntryPrice decimal.Decimal `json:"entry_price" db:"entry_price"`
	ClosePrice decimal.Decimal `json:"close_price" db:"close_price"`
	Leverage   int             `json:"leverage" db:"leverage"`
	Margin     decimal.Decimal `json:"margin" db:"margin"`
	PnL        decimal.Decimal `json:"pnl" db:"pnl"`
	CloseFee   decimal.Decimal `json:"close_fee" db:"close_fee"`
	OpenedAt   time.Time       `json:"opened_at" db:"opened_at"`
	ClosedAt   time.Time       `json:"closed_at" db:"closed_at"`
}

// LiquidationRecord is the immutable record written when the sweep force-closes
// a position. LiquidationPrice is the market price that triggered it.
type LiquidationRecord struct {
	PositionID       string          `json:"position_id" db:"position_id"`
	UserID           string          `json:"user_id" db:"user_id"`
	Asset            Symbol          `json:"coin" db:"coin"`
	Direction        Direction       `json:"direction" db:"direction"`
	Amount           decimal.Decimal `json:"amount" db:"amount"`
	EntryPrice       decimal.Decimal `json:"entry_price" db:"entry_price"`
	Leverage         int             `json:"leverage" db:"leverage"`
	LiquidationPrice decimal.Decimal `json:"liquidation_price" db:"liquidation_price"`
	MarginLost       decimal.Decimal `json:"margin_lost" db:"margin_lost"`
	LiquidatedAt     time.Time       `json:"liquidated_at" db:"liquidated_at"`
}

// FundingPayment is one settlement transfer for one position.
// Amount is always non-negative; Flow carries the sign.
type FundingPayment struct {
	ID         string          `json:"id" db:"id"`
	PositionID string          `json:"position_id" db:"position_id"`
	UserID     string          `json:"user_id" db:"user_id"`
	Asset      Symbol          `json:"coin" db:"coin"`
	Amount     decimal.Decimal `json:"amount" db:"amount"`
	Rate       float64         `json:"rate" db:"rate"`
	Flow       FundingFlow     `json:"flow" db:"flow"`
	PaidAt     time.Time       `json:"paid_at" db:"paid_at"`
}

// PricePoint is one append-only price observation.
type PricePoint struct {
	Asset     Symbol          `json:"coin" db:"coin"`
	Price     decimal.Decimal `json:"price" db:"price"`
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
}

// HistoryKind distinguishes merged contract history entries.
type HistoryKind string

const (
	HistoryClose       HistoryKind = "close"
	HistoryLiquidation HistoryKind = "liquidation"
)

// HistoryEntry is one row of a user's merged contract history.
// Exactly one of Closed and Liquidation is set.
type HistoryEntry struct {
	Kind        HistoryKind        `json:"type"`
	At          time.Time          `json:"time"`
	Closed      *ClosedPosition    `json:"close,omitempty"`
	Liquidation *LiquidationRecord `json:"liquidation,omitempty"`
}
