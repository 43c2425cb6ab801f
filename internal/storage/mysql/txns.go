package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/fundops/positionloader/internal/storage"
	"github.com/fundops/positionloader/internal/types"
)

// GetTransactionByExternalRef looks up an applied trade by its idempotency
// key. Returns storage.ErrNotFound when the event has not been applied.
func (s *Store) GetTransactionByExternalRef(ctx context.Context, externalRefID string) (*types.Transaction, error) {
	var t types.Transaction
	err := s.db.QueryRowContext(ctx,
		`SELECT txn_id, account_id, product_id, txn_type, trade_date,
		 quantity, price, external_ref_id, created_at
		 FROM transactions WHERE external_ref_id = ?`, externalRefID).
		Scan(&t.TxnID, &t.AccountID, &t.ProductID, &t.TxnType, &t.TradeDate,
			&t.Quantity, &t.Price, &t.ExternalRefID, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get transaction by ref: %w", err)
	}
	return &t, nil
}

// RecordTransaction inserts the Transaction row on the enclosing database
// transaction. The unique key on external_ref_id makes a concurrent
// duplicate surface as storage.ErrDuplicateRef, which aborts the enclosing
// transaction and with it the bitemporal mutation.
func (t *sqlTx) RecordTransaction(ctx context.Context, txn *types.Transaction) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO transactions
		 (account_id, product_id, txn_type, trade_date, quantity, price, external_ref_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		txn.AccountID, txn.ProductID, txn.TxnType, txn.TradeDate,
		txn.Quantity, txn.Price, txn.ExternalRefID, now())
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateRef
		}
		return fmt.Errorf("record transaction: %w", err)
	}
	return nil
}
