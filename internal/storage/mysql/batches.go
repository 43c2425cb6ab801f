package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/fundops/positionloader/internal/storage"
	"github.com/fundops/positionloader/internal/types"
)

const batchColumns = `account_id, batch_id, business_date, status, source,
	position_count, COALESCE(error_message, ''), created_at, activated_at, archived_at`

func scanBatch(row interface{ Scan(...any) error }) (*types.AccountBatch, error) {
	var b types.AccountBatch
	var activated, archived sql.NullTime
	err := row.Scan(&b.AccountID, &b.BatchID, &b.BusinessDate, &b.Status, &b.Source,
		&b.PositionCount, &b.ErrorMessage, &b.CreatedAt, &activated, &archived)
	if err != nil {
		return nil, err
	}
	if activated.Valid {
		t := activated.Time
		b.ActivatedAt = &t
	}
	if archived.Valid {
		t := archived.Time
		b.ArchivedAt = &t
	}
	return &b, nil
}

// CreateBatch allocates the next batchId for the account and inserts a
// STAGING row. batchId is strictly increasing per account. The write is
// normally serialized by the per-account EOD lock; a concurrent allocation
// losing the (account_id, batch_id) uniqueness race surfaces as
// storage.ErrBatchConflict.
func (s *Store) CreateBatch(ctx context.Context, accountID int64, businessDate types.Date, source string) (int64, error) {
	res := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(batch_id), 0) FROM account_batches WHERE account_id = ?`, accountID)
	var maxID int64
	if err := res.Scan(&maxID); err != nil {
		return 0, fmt.Errorf("allocate batch id: %w", err)
	}
	batchID := maxID + 1

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO account_batches
		 (account_id, batch_id, business_date, status, source, position_count, created_at)
		 VALUES (?, ?, ?, ?, ?, 0, ?)`,
		accountID, batchID, businessDate, types.BatchStaging, source, now())
	if err != nil {
		if isDuplicateKeyError(err) {
			return 0, storage.ErrBatchConflict
		}
		return 0, fmt.Errorf("create batch: %w", err)
	}
	return batchID, nil
}

// GetBatch fetches one batch row.
func (s *Store) GetBatch(ctx context.Context, accountID, batchID int64) (*types.AccountBatch, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+batchColumns+` FROM account_batches WHERE account_id = ? AND batch_id = ?`,
		accountID, batchID)
	b, err := scanBatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get batch: %w", err)
	}
	return b, nil
}

// GetActiveBatch returns the ACTIVE batch for (accountId, businessDate), or
// storage.ErrNotFound.
func (s *Store) GetActiveBatch(ctx context.Context, accountID int64, businessDate types.Date) (*types.AccountBatch, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+batchColumns+` FROM account_batches
		 WHERE account_id = ? AND business_date = ? AND status = ?`,
		accountID, businessDate, types.BatchActive)
	b, err := scanBatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get active batch: %w", err)
	}
	return b, nil
}

// GetCurrentActiveBatch returns the most recent ACTIVE batch for the
// account across business dates. This is what the intraday pipeline
// mutates.
func (s *Store) GetCurrentActiveBatch(ctx context.Context, accountID int64) (*types.AccountBatch, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+batchColumns+` FROM account_batches
		 WHERE account_id = ? AND status = ?
		 ORDER BY business_date DESC, batch_id DESC LIMIT 1`,
		accountID, types.BatchActive)
	b, err := scanBatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNoActiveBatch
	}
	if err != nil {
		return nil, fmt.Errorf("get current active batch: %w", err)
	}
	return b, nil
}

// PromoteBatch performs the blue/green swap in a single transaction:
// the current ACTIVE batch for (accountId, businessDate) becomes ARCHIVED
// and the given STAGING batch becomes ACTIVE. Readers joining on
// status='ACTIVE' see entirely the old batch or entirely the new one.
func (s *Store) PromoteBatch(ctx context.Context, accountID int64, businessDate types.Date, batchID int64) error {
	return s.RunInTransaction(ctx, func(stx storage.Tx) error {
		tx := stx.(*sqlTx).tx
		ts := now()

		// Lock the account's batch rows for the date to serialize against
		// concurrent promotions.
		var status types.BatchStatus
		err := tx.QueryRowContext(ctx,
			`SELECT status FROM account_batches
			 WHERE account_id = ? AND batch_id = ? FOR UPDATE`,
			accountID, batchID).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return storage.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("lock staging batch: %w", err)
		}
		if status != types.BatchStaging {
			return fmt.Errorf("promote batch %d: status is %s, want STAGING", batchID, status)
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE account_batches SET status = ?, archived_at = ?
			 WHERE account_id = ? AND business_date = ? AND status = ?`,
			types.BatchArchived, ts, accountID, businessDate, types.BatchActive); err != nil {
			return fmt.Errorf("archive active batch: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE account_batches SET status = ?, activated_at = ?,
			 position_count = (SELECT COUNT(*) FROM positions WHERE batch_id = ? AND account_id = ? AND system_to = ?)
			 WHERE account_id = ? AND batch_id = ?`,
			types.BatchActive, ts, batchID, accountID, types.OpenEnd, accountID, batchID); err != nil {
			return fmt.Errorf("activate staging batch: %w", err)
		}
		return nil
	})
}

// RollbackBatch reverts the most recent promotion for (accountId,
// businessDate): the ACTIVE batch becomes ROLLED_BACK and the most recently
// ARCHIVED batch becomes ACTIVE again. Returns false (with
// storage.ErrNoArchivedBatch unwrapped to a plain false) when there is no
// archived predecessor.
func (s *Store) RollbackBatch(ctx context.Context, accountID int64, businessDate types.Date) (bool, error) {
	var rolledBack bool
	err := s.RunInTransaction(ctx, func(stx storage.Tx) error {
		tx := stx.(*sqlTx).tx
		ts := now()

		var activeID int64
		err := tx.QueryRowContext(ctx,
			`SELECT batch_id FROM account_batches
			 WHERE account_id = ? AND business_date = ? AND status = ? FOR UPDATE`,
			accountID, businessDate, types.BatchActive).Scan(&activeID)
		if errors.Is(err, sql.ErrNoRows) {
			return storage.ErrNoActiveBatch
		}
		if err != nil {
			return fmt.Errorf("find active batch: %w", err)
		}

		var prevID int64
		err = tx.QueryRowContext(ctx,
			`SELECT batch_id FROM account_batches
			 WHERE account_id = ? AND business_date = ? AND status = ?
			 ORDER BY archived_at DESC, batch_id DESC LIMIT 1 FOR UPDATE`,
			accountID, businessDate, types.BatchArchived).Scan(&prevID)
		if errors.Is(err, sql.ErrNoRows) {
			return storage.ErrNoArchivedBatch
		}
		if err != nil {
			return fmt.Errorf("find archived predecessor: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE account_batches SET status = ? WHERE account_id = ? AND batch_id = ?`,
			types.BatchRolledBack, accountID, activeID); err != nil {
			return fmt.Errorf("mark rolled back: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE account_batches SET status = ?, activated_at = ?, archived_at = NULL
			 WHERE account_id = ? AND batch_id = ?`,
			types.BatchActive, ts, accountID, prevID); err != nil {
			return fmt.Errorf("restore archived batch: %w", err)
		}
		rolledBack = true
		return nil
	})
	if errors.Is(err, storage.ErrNoArchivedBatch) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return rolledBack, nil
}

// MarkBatchFailed records a failure on a STAGING batch, leaving the prior
// ACTIVE batch untouched.
func (s *Store) MarkBatchFailed(ctx context.Context, accountID, batchID int64, errorMessage string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE account_batches SET status = ?, error_message = ?
		 WHERE account_id = ? AND batch_id = ?`,
		types.BatchFailed, truncate(errorMessage, 4000), accountID, batchID)
	if err != nil {
		return fmt.Errorf("mark batch failed: %w", err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
