// Package store defines the persistence interface for the market simulator.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing and single-process runs).
//
// Every method is individually atomic; callers never assume cross-call
// transactions.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/atmx/market-sim/internal/model"
)

// ErrNotFound is returned when a position does not exist or is no longer open.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Price history ---

	// AppendPrice appends an immutable price observation.
	AppendPrice(ctx context.Context, p model.PricePoint) error

	// PriceHistory returns observations for asset with from <= ts <= to in
	// chronological order. A zero from or to leaves that side open. When
	// limit > 0 only the newest limit observations are returned.
	PriceHistory(ctx context.Context, asset model.Symbol, from, to time.Time, limit int) ([]model.PricePoint, error)

	// PrunePrices keeps the newest keep observations per asset and returns
	// how many were deleted.
	PrunePrices(ctx context.Context, keep int) (int64, error)

	// --- Positions ---

	// InsertPosition persists a newly opened position.
	InsertPosition(ctx context.Context, p *model.Position) error

	// OpenPositionsByUser returns the user's open positions, oldest first.
	OpenPositionsByUser(ctx context.Context, userID string) ([]model.Position, error)

	// AllOpenPositions returns every open position, oldest first.
	AllOpenPositions(ctx context.Context) ([]model.Position, error)

	// ClosePosition marks an open position closed and appends rec to the
	// closed history. Returns ErrNotFound if the position is not open.
	ClosePosition(ctx context.Context, rec *model.ClosedPosition) error

	// LiquidatePosition marks an open position liquidated and appends rec to
	// the liquidation history. Returns ErrNotFound if the position is not open.
	LiquidatePosition(ctx context.Context, rec *model.LiquidationRecord) error

	// --- Funding ---

	// InsertFundingPayment appends a funding settlement record.
	InsertFundingPayment(ctx context.Context, f *model.FundingPayment) error

	// FundingPaymentsByUser returns the newest funding payments first.
	FundingPaymentsByUser(ctx context.Context, userID string, limit int) ([]model.FundingPayment, error)

	// --- History ---

	// ClosedPositions returns the user's closed positions, newest first.
	ClosedPositions(ctx context.Context, userID string, limit int) ([]model.ClosedPosition, error)

	// Liquidations returns the user's liquidation records, newest first.
	Liquidations(ctx context.Context, userID string, limit int) ([]model.LiquidationRecord, error)
}
