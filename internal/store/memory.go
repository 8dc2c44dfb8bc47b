package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/huandu/skiplist"

	"github.com/atmx/market-sim/internal/model"
)

// MemoryStore implements Store with in-memory maps. Price history is kept in
// one skiplist per asset keyed by timestamp (UnixNano) so range reads and
// pruning walk in time order. Not durable.
type MemoryStore struct {
	mu           sync.RWMutex
	prices       map[model.Symbol]*skiplist.SkipList
	positions    map[string]*model.Position
	closed       []model.ClosedPosition
	liquidations []model.LiquidationRecord
	funding      []model.FundingPayment
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		prices:    make(map[model.Symbol]*skiplist.SkipList),
		positions: make(map[string]*model.Position),
	}
}

func (s *MemoryStore) AppendPrice(_ context.Context, p model.PricePoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	list, ok := s.prices[p.Asset]
	if !ok {
		list = skiplist.New(skiplist.Int64)
		s.prices[p.Asset] = list
	}
	// Observations sharing a nanosecond are kept by bumping the key.
	key := p.Timestamp.UnixNano()
	for list.Get(key) != nil {
		key++
	}
	list.Set(key, p)
	return nil
}

func (s *MemoryStore) PriceHistory(_ context.Context, asset model.Symbol, from, to time.Time, limit int) ([]model.PricePoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list, ok := s.prices[asset]
	if !ok {
		return nil, nil
	}

	elem := list.Front()
	if !from.IsZero() {
		elem = list.Find(from.UnixNano())
	}
	var out []model.PricePoint
	for ; elem != nil; elem = elem.Next() {
		if !to.IsZero() && elem.Key().(int64) > to.UnixNano() {
			break
		}
		out = append(out, elem.Value.(model.PricePoint))
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *MemoryStore) PrunePrices(_ context.Context, keep int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for _, list := range s.prices {
		for list.Len() > keep {
			list.RemoveFront()
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) InsertPosition(_ context.Context, p *model.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.positions[p.ID]; exists {
		return fmt.Errorf("position %s already exists", p.ID)
	}
	// Store a copy to avoid external mutation.
	cp := *p
	s.positions[p.ID] = &cp
	return nil
}

func (s *MemoryStore) OpenPositionsByUser(_ context.Context, userID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.openPositions(func(p *model.Position) bool { return p.UserID == userID }), nil
}

func (s *MemoryStore) AllOpenPositions(_ context.Context) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.openPositions(func(*model.Position) bool { return true }), nil
}

func (s *MemoryStore) openPositions(match func(*model.Position) bool) []model.Position {
	var out []model.Position
	for _, p := range s.positions {
		if p.Status == model.StatusOpen && match(p) {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].OpenedAt.Before(out[j].OpenedAt)
	})
	return out
}

func (s *MemoryStore) ClosePosition(_ context.Context, rec *model.ClosedPosition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.openPosition(rec.PositionID, rec.UserID)
	if err != nil {
		return err
	}
	p.Status = model.StatusClosed
	s.closed = append(s.closed, *rec)
	return nil
}

func (s *MemoryStore) LiquidatePosition(_ context.Context, rec *model.LiquidationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.openPosition(rec.PositionID, rec.UserID)
	if err != nil {
		return err
	}
	p.Status = model.StatusLiquidated
	s.liquidations = append(s.liquidations, *rec)
	return nil
}

// openPosition must be called with s.mu held.
func (s *MemoryStore) openPosition(id, userID string) (*model.Position, error) {
	p, ok := s.positions[id]
	if !ok || p.Status != model.StatusOpen || p.UserID != userID {
		return nil, fmt.Errorf("%w: open position %s", ErrNotFound, id)
	}
	return p, nil
}

func (s *MemoryStore) InsertFundingPayment(_ context.Context, f *model.FundingPayment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.funding = append(s.funding, *f)
	return nil
}

func (s *MemoryStore) FundingPaymentsByUser(_ context.Context, userID string, limit int) ([]model.FundingPayment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.FundingPayment
	for _, f := range s.funding {
		if f.UserID == userID {
			out = append(out, f)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].PaidAt.After(out[j].PaidAt) })
	return truncate(out, limit), nil
}

func (s *MemoryStore) ClosedPositions(_ context.Context, userID string, limit int) ([]model.ClosedPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.ClosedPosition
	for _, c := range s.closed {
		if c.UserID == userID {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ClosedAt.After(out[j].ClosedAt) })
	return truncate(out, limit), nil
}

func (s *MemoryStore) Liquidations(_ context.Context, userID string, limit int) ([]model.LiquidationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.LiquidationRecord
	for _, l := range s.liquidations {
		if l.UserID == userID {
			out = append(out, l)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].LiquidatedAt.After(out[j].LiquidatedAt) })
	return truncate(out, limit), nil
}

func truncate[T any](s []T, limit int) []T {
	if limit > 0 && len(s) > limit {
		return s[:limit]
	}
	return s
}
