package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"papertrader/internal/domain"
)

// GetPosition loads the position row for a symbol.
func (s *Store) GetPosition(ctx context.Context, symbol string) (domain.Position, error) {
	conn, err := s.conn()
	if err != nil {
		return domain.Position{}, err
	}

	var (
		p       domain.Position
		current sql.NullFloat64
		unreal  sql.NullFloat64
	)
	err = conn.QueryRowContext(ctx, `
		SELECT symbol, amount, entry_price, current_price, unrealized_pnl, realized_pnl, opened_at, updated_at
		FROM positions WHERE symbol = ?
	`, symbol).Scan(&p.Symbol, &p.Amount, &p.EntryPrice, &current, &unreal, &p.RealizedPnL, &p.OpenedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Position{}, fmt.Errorf("%w: position %s", domain.ErrNotFound, symbol)
	}
	if err != nil {
		return domain.Position{}, translateErr(err)
	}
	p.CurrentPrice = current.Float64
	p.UnrealizedPnL = unreal.Float64
	return p, nil
}

// UpsertPosition stores the latest position for a symbol.
func (s *Store) UpsertPosition(ctx context.Context, p domain.Position) error {
	conn, err := s.conn()
	if err != nil {
		return err
	}
	_, err = conn.ExecContext(ctx, `
		INSERT INTO positions (symbol, amount, entry_price, current_price, unrealized_pnl, realized_pnl, opened_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(symbol) DO UPDATE SET
			amount = excluded.amount,
			entry_price = excluded.entry_price,
			current_price = excluded.current_price,
			unrealized_pnl = excluded.unrealized_pnl,
			realized_pnl = excluded.realized_pnl,
			updated_at = excluded.updated_at
	`, p.Symbol, p.Amount, p.EntryPrice, p.CurrentPrice, p.UnrealizedPnL, p.RealizedPnL, p.OpenedAt, p.UpdatedAt)
	return translateErr(err)
}

// ListPositions returns all position rows ordered by symbol.
func (s *Store) ListPositions(ctx context.Context) ([]domain.Position, error) {
	conn, err := s.conn()
	if err != nil {
		return nil, err
	}
	rows, err := conn.QueryContext(ctx, `
		SELECT symbol, amount, entry_price, current_price, unrealized_pnl, realized_pnl, opened_at, updated_at
		FROM positions ORDER BY symbol
	`)
	if err != nil {
		return nil, translateErr(err)
	}
	defer rows.Close()

	var res []domain.Position
	for rows.Next() {
		var (
			p       domain.Position
			current sql.NullFloat64
			unreal  sql.NullFloat64
		)
		if err := rows.Scan(&p.Symbol, &p.Amount, &p.EntryPrice, &current, &unreal, &p.RealizedPnL, &p.OpenedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.CurrentPrice = current.Float64
		p.UnrealizedPnL = unreal.Float64
		res = append(res, p)
	}
	return res, rows.Err()
}
