package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"papertrader/internal/domain"
)

// GetAccount loads one currency row.
func (s *Store) GetAccount(ctx context.Context, currency string) (domain.Account, error) {
	conn, err := s.conn()
	if err != nil {
		return domain.Account{}, err
	}

	var a domain.Account
	err = conn.QueryRowContext(ctx, `
		SELECT currency, balance, available, frozen, updated_at
		FROM accounts WHERE currency = ?
	`, currency).Scan(&a.Currency, &a.Balance, &a.Available, &a.Frozen, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Account{}, fmt.Errorf("%w: account %s", domain.ErrNotFound, currency)
	}
	if err != nil {
		return domain.Account{}, translateErr(err)
	}
	return a, nil
}

// InsertAccount creates a currency row; fails on duplicate currency.
func (s *Store) InsertAccount(ctx context.Context, a domain.Account) error {
	conn, err := s.conn()
	if err != nil {
		return err
	}
	_, err = conn.ExecContext(ctx, `
		INSERT INTO accounts (currency, balance, available, frozen, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`, a.Currency, a.Balance, a.Available, a.Frozen, a.UpdatedAt)
	return translateErr(err)
}

// UpdateAccount overwrites the balance columns of an existing row.
func (s *Store) UpdateAccount(ctx context.Context, a domain.Account) error {
	conn, err := s.conn()
	if err != nil {
		return err
	}
	res, err := conn.ExecContext(ctx, `
		UPDATE accounts
		SET balance = ?, available = ?, frozen = ?, updated_at = ?
		WHERE currency = ?
	`, a.Balance, a.Available, a.Frozen, a.UpdatedAt, a.Currency)
	if err != nil {
		return translateErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: account %s", domain.ErrNotFound, a.Currency)
	}
	return nil
}

// ListAccounts returns all currency rows ordered by currency.
func (s *Store) ListAccounts(ctx context.Context) ([]domain.Account, error) {
	conn, err := s.conn()
	if err != nil {
		return nil, err
	}
	rows, err := conn.QueryContext(ctx, `
		SELECT currency, balance, available, frozen, updated_at
		FROM accounts ORDER BY currency
	`)
	if err != nil {
		return nil, translateErr(err)
	}
	defer rows.Close()

	var res []domain.Account
	for rows.Next() {
		var a domain.Account
		if err := rows.Scan(&a.Currency, &a.Balance, &a.Available, &a.Frozen, &a.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
