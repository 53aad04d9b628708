package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"papertrader/internal/domain"
)

const orderColumns = "id, symbol, type, side, price, amount, filled, status, created_at, updated_at"

func scanOrder(row interface{ Scan(...any) error }) (domain.Order, error) {
	var o domain.Order
	err := row.Scan(&o.ID, &o.Symbol, &o.Type, &o.Side, &o.Price, &o.Amount, &o.Filled, &o.Status, &o.CreatedAt, &o.UpdatedAt)
	return o, err
}

// InsertOrder inserts a new order row.
func (s *Store) InsertOrder(ctx context.Context, o domain.Order) error {
	conn, err := s.conn()
	if err != nil {
		return err
	}
	_, err = conn.ExecContext(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, o.ID, o.Symbol, o.Type, o.Side, o.Price, o.Amount, o.Filled, o.Status, o.CreatedAt, o.UpdatedAt)
	return translateErr(err)
}

// GetOrder loads one order by id.
func (s *Store) GetOrder(ctx context.Context, id string) (domain.Order, error) {
	conn, err := s.conn()
	if err != nil {
		return domain.Order{}, err
	}
	o, err := scanOrder(conn.QueryRowContext(ctx, `
		SELECT `+orderColumns+` FROM orders WHERE id = ?
	`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Order{}, fmt.Errorf("%w: order %s", domain.ErrNotFound, id)
	}
	if err != nil {
		return domain.Order{}, translateErr(err)
	}
	return o, nil
}

// UpdateOrder overwrites the mutable columns (filled, status, updated_at) of
// an existing order row.
func (s *Store) UpdateOrder(ctx context.Context, o domain.Order) error {
	conn, err := s.conn()
	if err != nil {
		return err
	}
	res, err := conn.ExecContext(ctx, `
		UPDATE orders SET filled = ?, status = ?, updated_at = ? WHERE id = ?
	`, o.Filled, o.Status, o.UpdatedAt, o.ID)
	if err != nil {
		return translateErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: order %s", domain.ErrNotFound, o.ID)
	}
	return nil
}

// ListOrders returns orders newest first, optionally filtered by symbol and
// status. limit <= 0 means no limit.
func (s *Store) ListOrders(ctx context.Context, symbol string, status domain.OrderStatus, limit int) ([]domain.Order, error) {
	conn, err := s.conn()
	if err != nil {
		return nil, err
	}

	var (
		where []string
		args  []any
	)
	if symbol != "" {
		where = append(where, "symbol = ?")
		args = append(args, symbol)
	}
	if status != "" {
		where = append(where, "status = ?")
		args = append(args, status)
	}

	query := "SELECT " + orderColumns + " FROM orders"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, translateErr(err)
	}
	defer rows.Close()
	return collectOrders(rows)
}

// ListRestingLimitOrders returns open and partially filled limit orders for
// a symbol in price-time priority: buys price DESC, sells price ASC, ties
// broken by created_at then id.
func (s *Store) ListRestingLimitOrders(ctx context.Context, symbol string, side domain.OrderSide) ([]domain.Order, error) {
	conn, err := s.conn()
	if err != nil {
		return nil, err
	}

	priceOrder := "price ASC"
	if side == domain.SideBuy {
		priceOrder = "price DESC"
	}
	rows, err := conn.QueryContext(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE symbol = ? AND type = ? AND side = ? AND status IN (?, ?)
		ORDER BY `+priceOrder+`, created_at ASC, id ASC
	`, symbol, domain.OrderTypeLimit, side, domain.StatusOpen, domain.StatusPartiallyFilled)
	if err != nil {
		return nil, translateErr(err)
	}
	defer rows.Close()
	return collectOrders(rows)
}

// ListRestingTriggerOrders returns open and partially filled stop-loss and
// take-profit orders for a symbol, oldest first.
func (s *Store) ListRestingTriggerOrders(ctx context.Context, symbol string) ([]domain.Order, error) {
	conn, err := s.conn()
	if err != nil {
		return nil, err
	}
	rows, err := conn.QueryContext(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE symbol = ? AND type IN (?, ?) AND status IN (?, ?)
		ORDER BY created_at ASC, id ASC
	`, symbol, domain.OrderTypeStopLoss, domain.OrderTypeTakeProfit, domain.StatusOpen, domain.StatusPartiallyFilled)
	if err != nil {
		return nil, translateErr(err)
	}
	defer rows.Close()
	return collectOrders(rows)
}

func collectOrders(rows *sql.Rows) ([]domain.Order, error) {
	var res []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

// InsertTrade inserts a fill row and returns its auto id.
func (s *Store) InsertTrade(ctx context.Context, t domain.Trade) (int64, error) {
	conn, err := s.conn()
	if err != nil {
		return 0, err
	}
	res, err := conn.ExecContext(ctx, `
		INSERT INTO trades (order_id, symbol, side, price, amount, fee, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, t.OrderID, t.Symbol, t.Side, t.Price, t.Amount, t.Fee, t.Timestamp)
	if err != nil {
		return 0, translateErr(err)
	}
	return res.LastInsertId()
}

// ListTradesForOrder returns an order's fills newest first.
func (s *Store) ListTradesForOrder(ctx context.Context, orderID string) ([]domain.Trade, error) {
	conn, err := s.conn()
	if err != nil {
		return nil, err
	}
	rows, err := conn.QueryContext(ctx, `
		SELECT id, order_id, symbol, side, price, amount, fee, timestamp
		FROM trades WHERE order_id = ?
		ORDER BY timestamp DESC, id DESC
	`, orderID)
	if err != nil {
		return nil, translateErr(err)
	}
	defer rows.Close()
	return collectTrades(rows)
}

// ListTradesChronological returns every trade oldest first; used to rebuild
// positions by replay.
func (s *Store) ListTradesChronological(ctx context.Context) ([]domain.Trade, error) {
	conn, err := s.conn()
	if err != nil {
		return nil, err
	}
	rows, err := conn.QueryContext(ctx, `
		SELECT id, order_id, symbol, side, price, amount, fee, timestamp
		FROM trades ORDER BY timestamp ASC, id ASC
	`)
	if err != nil {
		return nil, translateErr(err)
	}
	defer rows.Close()
	return collectTrades(rows)
}

func collectTrades(rows *sql.Rows) ([]domain.Trade, error) {
	var res []domain.Trade
	for rows.Next() {
		var t domain.Trade
		if err := rows.Scan(&t.ID, &t.OrderID, &t.Symbol, &t.Side, &t.Price, &t.Amount, &t.Fee, &t.Timestamp); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}
