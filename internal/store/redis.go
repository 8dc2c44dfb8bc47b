package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/market-sim/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for per-user reads. Writes go to the primary store and invalidate
// the affected user's keys; reads check Redis first then fall back to the
// primary. Redis failures degrade to primary reads.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) InsertPosition(ctx context.Context, p *model.Position) error {
	if err := s.primary.InsertPosition(ctx, p); err != nil {
		return err
	}
	s.rdb.Del(ctx, positionsKey(p.UserID))
	return nil
}

func (s *CachedStore) ClosePosition(ctx context.Context, rec *model.ClosedPosition) error {
	if err := s.primary.ClosePosition(ctx, rec); err != nil {
		return err
	}
	s.rdb.Del(ctx, positionsKey(rec.UserID), closedKey(rec.UserID))
	return nil
}

func (s *CachedStore) LiquidatePosition(ctx context.Context, rec *model.LiquidationRecord) error {
	if err := s.primary.LiquidatePosition(ctx, rec); err != nil {
		return err
	}
	s.rdb.Del(ctx, positionsKey(rec.UserID), liquidationsKey(rec.UserID))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) OpenPositionsByUser(ctx context.Context, userID string) ([]model.Position, error) {
	var positions []model.Position
	if s.cached(ctx, positionsKey(userID), &positions) {
		return positions, nil
	}
	positions, err := s.primary.OpenPositionsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.fill(ctx, positionsKey(userID), positions)
	return positions, nil
}

// ClosedPositions caches the full list per user and applies limit on read.
func (s *CachedStore) ClosedPositions(ctx context.Context, userID string, limit int) ([]model.ClosedPosition, error) {
	var closed []model.ClosedPosition
	if !s.cached(ctx, closedKey(userID), &closed) {
		var err error
		closed, err = s.primary.ClosedPositions(ctx, userID, 0)
		if err != nil {
			return nil, err
		}
		s.fill(ctx, closedKey(userID), closed)
	}
	return truncate(closed, limit), nil
}

func (s *CachedStore) Liquidations(ctx context.Context, userID string, limit int) ([]model.LiquidationRecord, error) {
	var recs []model.LiquidationRecord
	if !s.cached(ctx, liquidationsKey(userID), &recs) {
		var err error
		recs, err = s.primary.Liquidations(ctx, userID, 0)
		if err != nil {
			return nil, err
		}
		s.fill(ctx, liquidationsKey(userID), recs)
	}
	return truncate(recs, limit), nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) AppendPrice(ctx context.Context, p model.PricePoint) error {
	return s.primary.AppendPrice(ctx, p)
}

func (s *CachedStore) PriceHistory(ctx context.Context, asset model.Symbol, from, to time.Time, limit int) ([]model.PricePoint, error) {
	return s.primary.PriceHistory(ctx, asset, from, to, limit)
}

func (s *CachedStore) PrunePrices(ctx context.Context, keep int) (int64, error) {
	return s.primary.PrunePrices(ctx, keep)
}

// AllOpenPositions is read by the liquidation sweep, which must see the
// store's current state.
func (s *CachedStore) AllOpenPositions(ctx context.Context) ([]model.Position, error) {
	return s.primary.AllOpenPositions(ctx)
}

func (s *CachedStore) InsertFundingPayment(ctx context.Context, f *model.FundingPayment) error {
	return s.primary.InsertFundingPayment(ctx, f)
}

func (s *CachedStore) FundingPaymentsByUser(ctx context.Context, userID string, limit int) ([]model.FundingPayment, error) {
	return s.primary.FundingPaymentsByUser(ctx, userID, limit)
}

// --- Cache helpers ---

func (s *CachedStore) cached(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (s *CachedStore) fill(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func positionsKey(uid string) string    { return fmt.Sprintf("positions:%s", uid) }
func closedKey(uid string) string       { return fmt.Sprintf("closed:%s", uid) }
func liquidationsKey(uid string) string { return fmt.Sprintf("liquidations:%s", uid) }
