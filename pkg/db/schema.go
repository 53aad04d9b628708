package db

import (
	"context"
	"fmt"
)

const schema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS accounts (
    currency TEXT PRIMARY KEY,
    balance REAL NOT NULL DEFAULT 0,
    available REAL NOT NULL DEFAULT 0,
    frozen REAL NOT NULL DEFAULT 0,
    updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS orders (
    id TEXT PRIMARY KEY,
    symbol TEXT NOT NULL,
    type TEXT NOT NULL,
    side TEXT NOT NULL,
    price REAL NOT NULL DEFAULT 0,
    amount REAL NOT NULL,
    filled REAL NOT NULL DEFAULT 0,
    status TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS trades (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    order_id TEXT NOT NULL,
    symbol TEXT NOT NULL,
    side TEXT NOT NULL,
    price REAL NOT NULL,
    amount REAL NOT NULL,
    fee REAL NOT NULL DEFAULT 0,
    timestamp INTEGER NOT NULL,
    FOREIGN KEY(order_id) REFERENCES orders(id)
);

CREATE TABLE IF NOT EXISTS positions (
    symbol TEXT NOT NULL UNIQUE,
    amount REAL NOT NULL DEFAULT 0 CHECK (amount >= 0),
    entry_price REAL NOT NULL DEFAULT 0,
    current_price REAL,
    unrealized_pnl REAL,
    realized_pnl REAL NOT NULL DEFAULT 0,
    opened_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS candles (
    symbol TEXT NOT NULL,
    timeframe TEXT NOT NULL,
    timestamp INTEGER NOT NULL,
    open REAL NOT NULL,
    high REAL NOT NULL,
    low REAL NOT NULL,
    close REAL NOT NULL,
    volume REAL NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL,
    UNIQUE(symbol, timeframe, timestamp)
);

-- Ranges already pulled by the historical downloader; lets it skip
-- redundant fetches. Written by the downloader, read by nobody on the
-- hot path.
CREATE TABLE IF NOT EXISTS candle_ranges (
    symbol TEXT NOT NULL,
    timeframe TEXT NOT NULL,
    start_ts INTEGER NOT NULL,
    end_ts INTEGER NOT NULL,
    fetched_at INTEGER NOT NULL,
    UNIQUE(symbol, timeframe, start_ts, end_ts)
);

CREATE TABLE IF NOT EXISTS strategy_runs (
    id TEXT PRIMARY KEY,
    strategy_id TEXT NOT NULL,
    symbol TEXT NOT NULL,
    timeframe TEXT NOT NULL,
    parameters TEXT,
    started_at INTEGER NOT NULL,
    stopped_at INTEGER,
    stop_reason TEXT
);

CREATE INDEX IF NOT EXISTS idx_positions_symbol ON positions(symbol);
CREATE INDEX IF NOT EXISTS idx_candles_key ON candles(symbol, timeframe, timestamp);
CREATE INDEX IF NOT EXISTS idx_candles_ts ON candles(timestamp);
CREATE INDEX IF NOT EXISTS idx_orders_symbol_status ON orders(symbol, status);
CREATE INDEX IF NOT EXISTS idx_trades_order ON trades(order_id);
`

// InitializeSchema bootstraps the schema; idempotent and safe to call on
// every startup.
func (s *Store) InitializeSchema(ctx context.Context) error {
	conn, err := s.conn()
	if err != nil {
		return err
	}
	if _, err := conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", translateErr(err))
	}
	return nil
}
