package store

import (
	"context"
	"fmt"
	"time"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atmx/market-sim/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision;
// they are written from decimal strings and read back as ::TEXT.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const positionColumns = `position_id, user_id, coin, direction,
	amount::TEXT AS amount, entry_price::TEXT AS entry_price, leverage,
	margin::TEXT AS margin, liquidation_price::TEXT AS liquidation_price,
	opened_at, status`

func (s *PostgresStore) AppendPrice(ctx context.Context, p model.PricePoint) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO price_history (coin, price, timestamp) VALUES ($1, $2::NUMERIC, $3)`,
		string(p.Asset), p.Price.String(), p.Timestamp,
	)
	return err
}

func (s *PostgresStore) PriceHistory(ctx context.Context, asset model.Symbol, from, to time.Time, limit int) ([]model.PricePoint, error) {
	query := `SELECT coin, price::TEXT AS price, timestamp FROM (
		SELECT coin, price, timestamp FROM price_history
		WHERE coin = $1
		  AND ($2::TIMESTAMPTZ IS NULL OR timestamp >= $2)
		  AND ($3::TIMESTAMPTZ IS NULL OR timestamp <= $3)
		ORDER BY timestamp DESC, id DESC`
	args := []any{string(asset), nullTime(from), nullTime(to)}
	if limit > 0 {
		query += ` LIMIT $4`
		args = append(args, limit)
	}
	query += `) recent ORDER BY timestamp ASC`

	var points []model.PricePoint
	if err := pgxscan.Select(ctx, s.pool, &points, query, args...); err != nil {
		return nil, fmt.Errorf("price history %s: %w", asset, err)
	}
	return points, nil
}

func (s *PostgresStore) PrunePrices(ctx context.Context, keep int) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM price_history WHERE id IN (
			SELECT id FROM (
				SELECT id, ROW_NUMBER() OVER (PARTITION BY coin ORDER BY timestamp DESC, id DESC) AS rn
				FROM price_history
			) ranked WHERE rn > $1
		)`, keep)
	if err != nil {
		return 0, fmt.Errorf("prune price history: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) InsertPosition(ctx context.Context, p *model.Position) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO contract_positions
			(position_id, user_id, coin, direction, amount, entry_price, leverage, margin, liquidation_price, opened_at, status)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7, $8::NUMERIC, $9::NUMERIC, $10, $11)`,
		p.ID, p.UserID, string(p.Asset), string(p.Direction),
		p.Amount.String(), p.EntryPrice.String(), p.Leverage,
		p.Margin.String(), p.LiquidationPrice.String(),
		p.OpenedAt, string(p.Status),
	)
	return err
}

func (s *PostgresStore) OpenPositionsByUser(ctx context.Context, userID string) ([]model.Position, error) {
	var positions []model.Position
	err := pgxscan.Select(ctx, s.pool, &positions,
		`SELECT `+positionColumns+` FROM contract_positions
		 WHERE user_id = $1 AND status = 'open' ORDER BY opened_at, position_id`, userID)
	if err != nil {
		return nil, fmt.Errorf("open positions for %s: %w", userID, err)
	}
	return positions, nil
}

func (s *PostgresStore) AllOpenPositions(ctx context.Context) ([]model.Position, error) {
	var positions []model.Position
	err := pgxscan.Select(ctx, s.pool, &positions,
		`SELECT `+positionColumns+` FROM contract_positions
		 WHERE status = 'open' ORDER BY opened_at, position_id`)
	if err != nil {
		return nil, fmt.Errorf("all open positions: %w", err)
	}
	return positions, nil
}

// ClosePosition flips the status and appends the history row in one
// transaction so the two never diverge.
func (s *PostgresStore) ClosePosition(ctx context.Context, rec *model.ClosedPosition) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := markStatus(ctx, tx, rec.PositionID, rec.UserID, model.StatusClosed); err != nil {
			return err
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO contract_history
				(position_id, user_id, coin, direction, amount, entry_price, close_price, leverage, margin, pnl, close_fee, opened_at, closed_at)
			 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8, $9::NUMERIC, $10::NUMERIC, $11::NUMERIC, $12, $13)`,
			rec.PositionID, rec.UserID, string(rec.Asset), string(rec.Direction),
			rec.Amount.String(), rec.EntryPrice.String(), rec.ClosePrice.String(), rec.Leverage,
			rec.Margin.String(), rec.PnL.String(), rec.CloseFee.String(),
			rec.OpenedAt, rec.ClosedAt,
		)
		return err
	})
}

func (s *PostgresStore) LiquidatePosition(ctx context.Context, rec *model.LiquidationRecord) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := markStatus(ctx, tx, rec.PositionID, rec.UserID, model.StatusLiquidated); err != nil {
			return err
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO contract_liquidations
				(position_id, user_id, coin, direction, amount, entry_price, leverage, liquidation_price, margin_lost, liquidated_at)
			 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7, $8::NUMERIC, $9::NUMERIC, $10)`,
			rec.PositionID, rec.UserID, string(rec.Asset), string(rec.Direction),
			rec.Amount.String(), rec.EntryPrice.String(), rec.Leverage,
			rec.LiquidationPrice.String(), rec.MarginLost.String(), rec.LiquidatedAt,
		)
		return err
	})
}

func markStatus(ctx context.Context, tx pgx.Tx, positionID, userID string, status model.PositionStatus) error {
	tag, err := tx.Exec(ctx,
		`UPDATE contract_positions SET status = $3
		 WHERE position_id = $1 AND user_id = $2 AND status = 'open'`,
		positionID, userID, string(status))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: open position %s", ErrNotFound, positionID)
	}
	return nil
}

func (s *PostgresStore) InsertFundingPayment(ctx context.Context, f *model.FundingPayment) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO contract_funding (id, position_id, user_id, coin, amount, rate, flow, paid_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7, $8)`,
		f.ID, f.PositionID, f.UserID, string(f.Asset), f.Amount.String(), f.Rate, string(f.Flow), f.PaidAt,
	)
	return err
}

func (s *PostgresStore) FundingPaymentsByUser(ctx context.Context, userID string, limit int) ([]model.FundingPayment, error) {
	var out []model.FundingPayment
	err := pgxscan.Select(ctx, s.pool, &out,
		`SELECT id, position_id, user_id, coin, amount::TEXT AS amount, rate, flow, paid_at
		 FROM contract_funding WHERE user_id = $1
		 ORDER BY paid_at DESC LIMIT $2`, userID, sqlLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("funding payments for %s: %w", userID, err)
	}
	return out, nil
}

func (s *PostgresStore) ClosedPositions(ctx context.Context, userID string, limit int) ([]model.ClosedPosition, error) {
	var out []model.ClosedPosition
	err := pgxscan.Select(ctx, s.pool, &out,
		`SELECT position_id, user_id, coin, direction,
		        amount::TEXT AS amount, entry_price::TEXT AS entry_price, close_price::TEXT AS close_price,
		        leverage, margin::TEXT AS margin, pnl::TEXT AS pnl, close_fee::TEXT AS close_fee,
		        opened_at, closed_at
		 FROM contract_history WHERE user_id = $1
		 ORDER BY closed_at DESC LIMIT $2`, userID, sqlLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("closed positions for %s: %w", userID, err)
	}
	return out, nil
}

func (s *PostgresStore) Liquidations(ctx context.Context, userID string, limit int) ([]model.LiquidationRecord, error) {
	var out []model.LiquidationRecord
	err := pgxscan.Select(ctx, s.pool, &out,
		`SELECT position_id, user_id, coin, direction,
		        amount::TEXT AS amount, entry_price::TEXT AS entry_price, leverage,
		        liquidation_price::TEXT AS liquidation_price, margin_lost::TEXT AS margin_lost,
		        liquidated_at
		 FROM contract_liquidations WHERE user_id = $1
		 ORDER BY liquidated_at DESC LIMIT $2`, userID, sqlLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("liquidations for %s: %w", userID, err)
	}
	return out, nil
}

// sqlLimit maps "no limit" (<= 0) to NULL, which LIMIT treats as unbounded.
func sqlLimit(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
