package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"papertrader/internal/domain"
)

// InsertCandle stores a fully formed bar; fails on a duplicate
// (symbol, timeframe, timestamp) key.
func (s *Store) InsertCandle(ctx context.Context, c domain.Candle) error {
	conn, err := s.conn()
	if err != nil {
		return err
	}
	_, err = conn.ExecContext(ctx, `
		INSERT INTO candles (symbol, timeframe, timestamp, open, high, low, close, volume, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, c.Symbol, c.Timeframe, c.Timestamp, c.Open, c.High, c.Low, c.Close, c.Volume, c.CreatedAt)
	return translateErr(err)
}

// MergeCandleTick upserts a realtime tick into the bucket bar: on conflict
// high/low stretch to include the tick price, close follows it, and volume
// accumulates the tick volume (zero for price-only ticks; volume is not
// derivable from ticks).
func (s *Store) MergeCandleTick(ctx context.Context, c domain.Candle) error {
	conn, err := s.conn()
	if err != nil {
		return err
	}
	_, err = conn.ExecContext(ctx, `
		INSERT INTO candles (symbol, timeframe, timestamp, open, high, low, close, volume, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(symbol, timeframe, timestamp) DO UPDATE SET
			high = MAX(high, excluded.close),
			low = MIN(low, excluded.close),
			close = excluded.close,
			volume = volume + excluded.volume
	`, c.Symbol, c.Timeframe, c.Timestamp, c.Open, c.High, c.Low, c.Close, c.Volume, c.CreatedAt)
	return translateErr(err)
}

// GetCandle loads one bar by its unique key.
func (s *Store) GetCandle(ctx context.Context, symbol, timeframe string, timestamp int64) (domain.Candle, error) {
	conn, err := s.conn()
	if err != nil {
		return domain.Candle{}, err
	}
	var c domain.Candle
	err = conn.QueryRowContext(ctx, `
		SELECT symbol, timeframe, timestamp, open, high, low, close, volume, created_at
		FROM candles WHERE symbol = ? AND timeframe = ? AND timestamp = ?
	`, symbol, timeframe, timestamp).Scan(&c.Symbol, &c.Timeframe, &c.Timestamp, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Candle{}, fmt.Errorf("%w: candle %s %s @%d", domain.ErrNotFound, symbol, timeframe, timestamp)
	}
	if err != nil {
		return domain.Candle{}, translateErr(err)
	}
	return c, nil
}

// ListCandles returns bars for a symbol and timeframe in [from, to], oldest
// first. limit <= 0 means no limit.
func (s *Store) ListCandles(ctx context.Context, symbol, timeframe string, from, to int64, limit int) ([]domain.Candle, error) {
	conn, err := s.conn()
	if err != nil {
		return nil, err
	}

	query := `
		SELECT symbol, timeframe, timestamp, open, high, low, close, volume, created_at
		FROM candles
		WHERE symbol = ? AND timeframe = ? AND timestamp >= ? AND timestamp <= ?
		ORDER BY timestamp ASC`
	args := []any{symbol, timeframe, from, to}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, translateErr(err)
	}
	defer rows.Close()

	var res []domain.Candle
	for rows.Next() {
		var c domain.Candle
		if err := rows.Scan(&c.Symbol, &c.Timeframe, &c.Timestamp, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume, &c.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// MarkRangeFetched records that the downloader has pulled a candle range.
// Idempotent on the unique range key.
func (s *Store) MarkRangeFetched(ctx context.Context, symbol, timeframe string, startTS, endTS int64) error {
	conn, err := s.conn()
	if err != nil {
		return err
	}
	_, err = conn.ExecContext(ctx, `
		INSERT INTO candle_ranges (symbol, timeframe, start_ts, end_ts, fetched_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(symbol, timeframe, start_ts, end_ts) DO UPDATE SET fetched_at = excluded.fetched_at
	`, symbol, timeframe, startTS, endTS, domain.NowMilli())
	return translateErr(err)
}

// IsRangeFetched reports whether the exact range was already downloaded.
func (s *Store) IsRangeFetched(ctx context.Context, symbol, timeframe string, startTS, endTS int64) (bool, error) {
	conn, err := s.conn()
	if err != nil {
		return false, err
	}
	var n int
	err = conn.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM candle_ranges
		WHERE symbol = ? AND timeframe = ? AND start_ts = ? AND end_ts = ?
	`, symbol, timeframe, startTS, endTS).Scan(&n)
	if err != nil {
		return false, translateErr(err)
	}
	return n > 0, nil
}

// InsertStrategyRun records a simulation run start.
func (s *Store) InsertStrategyRun(ctx context.Context, id, strategyID, symbol, timeframe, parameters string, startedAt int64) error {
	conn, err := s.conn()
	if err != nil {
		return err
	}
	_, err = conn.ExecContext(ctx, `
		INSERT INTO strategy_runs (id, strategy_id, symbol, timeframe, parameters, started_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, id, strategyID, symbol, timeframe, parameters, startedAt)
	return translateErr(err)
}

// FinishStrategyRun records the stop time and reason for a run.
func (s *Store) FinishStrategyRun(ctx context.Context, id, reason string, stoppedAt int64) error {
	conn, err := s.conn()
	if err != nil {
		return err
	}
	_, err = conn.ExecContext(ctx, `
		UPDATE strategy_runs SET stopped_at = ?, stop_reason = ? WHERE id = ?
	`, stoppedAt, reason, id)
	return translateErr(err)
}
