package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/fundops/positionloader/internal/storage"
	"github.com/fundops/positionloader/internal/types"
)

// Reference-data upserts are insert-or-update on the primary key and are
// idempotent. Immutable attributes (ownership links, account numbers) are
// written only on insert, never altered on conflict.

// UpsertClient inserts or refreshes a client. The clientId is immutable.
func (s *Store) UpsertClient(ctx context.Context, c *types.Client) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO clients (client_id, name, status) VALUES (?, ?, ?)
		 ON DUPLICATE KEY UPDATE name = VALUES(name), status = VALUES(status)`,
		c.ClientID, c.Name, c.Status)
	if err != nil {
		return fmt.Errorf("upsert client %d: %w", c.ClientID, err)
	}
	return nil
}

// UpsertFund inserts or refreshes a fund. The client link is immutable once
// present.
func (s *Store) UpsertFund(ctx context.Context, f *types.Fund) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO funds (fund_id, client_id, name, base_currency) VALUES (?, ?, ?, ?)
		 ON DUPLICATE KEY UPDATE name = VALUES(name), base_currency = VALUES(base_currency)`,
		f.FundID, f.ClientID, f.Name, f.BaseCurrency)
	if err != nil {
		return fmt.Errorf("upsert fund %d: %w", f.FundID, err)
	}
	return nil
}

// UpsertAccount inserts or refreshes an account. account_number and the
// fund link are immutable once present.
func (s *Store) UpsertAccount(ctx context.Context, a *types.Account) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts (account_id, fund_id, account_number, base_currency, status)
		 VALUES (?, ?, ?, ?, ?)
		 ON DUPLICATE KEY UPDATE base_currency = VALUES(base_currency), status = VALUES(status)`,
		a.AccountID, a.FundID, a.AccountNumber, a.BaseCurrency, a.Status)
	if err != nil {
		return fmt.Errorf("upsert account %d: %w", a.AccountID, err)
	}
	return nil
}

// UpsertProduct inserts or refreshes a product.
func (s *Store) UpsertProduct(ctx context.Context, p *types.Product) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO products (product_id, ticker, asset_class, issue_ccy, settle_ccy)
		 VALUES (?, ?, ?, ?, ?)
		 ON DUPLICATE KEY UPDATE ticker = VALUES(ticker), asset_class = VALUES(asset_class),
		 issue_ccy = VALUES(issue_ccy), settle_ccy = VALUES(settle_ccy)`,
		p.ProductID, p.Ticker, p.AssetClass, p.IssueCcy, p.SettleCcy)
	if err != nil {
		return fmt.Errorf("upsert product %d: %w", p.ProductID, err)
	}
	return nil
}

// GetAccount fetches an account by id.
func (s *Store) GetAccount(ctx context.Context, accountID int64) (*types.Account, error) {
	var a types.Account
	err := s.db.QueryRowContext(ctx,
		`SELECT account_id, fund_id, account_number, base_currency, status
		 FROM accounts WHERE account_id = ?`, accountID).
		Scan(&a.AccountID, &a.FundID, &a.AccountNumber, &a.BaseCurrency, &a.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account %d: %w", accountID, err)
	}
	return &a, nil
}

// ResolveTicker maps a ticker to its productId. Ambiguous tickers resolve
// to the lowest productId; unknown tickers return storage.ErrNotFound.
func (s *Store) ResolveTicker(ctx context.Context, ticker string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`SELECT product_id FROM products WHERE ticker = ? ORDER BY product_id LIMIT 1`,
		ticker).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, storage.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("resolve ticker %q: %w", ticker, err)
	}
	return id, nil
}

// ClientIDForAccount walks account -> fund -> client.
func (s *Store) ClientIDForAccount(ctx context.Context, accountID int64) (int64, error) {
	var clientID int64
	err := s.db.QueryRowContext(ctx,
		`SELECT f.client_id FROM accounts a JOIN funds f ON f.fund_id = a.fund_id
		 WHERE a.account_id = ?`, accountID).Scan(&clientID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, storage.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("client for account %d: %w", accountID, err)
	}
	return clientID, nil
}
