package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/fundops/positionloader/internal/storage"
	"github.com/fundops/positionloader/internal/types"
)

const runColumns = `run_id, account_id, business_date, status, batch_id,
	position_count, COALESCE(error_message, ''), started_at, finished_at`

func scanRun(row interface{ Scan(...any) error }) (*types.EODRun, error) {
	var r types.EODRun
	var batchID sql.NullInt64
	var finished sql.NullTime
	err := row.Scan(&r.RunID, &r.AccountID, &r.BusinessDate, &r.Status, &batchID,
		&r.PositionCount, &r.ErrorMessage, &r.StartedAt, &finished)
	if err != nil {
		return nil, err
	}
	if batchID.Valid {
		id := batchID.Int64
		r.BatchID = &id
	}
	if finished.Valid {
		t := finished.Time
		r.FinishedAt = &t
	}
	return &r, nil
}

// StartRun records a RUNNING row for the invocation. Persisted before any
// long operation begins so the state machine is recoverable after a crash.
func (s *Store) StartRun(ctx context.Context, accountID int64, businessDate types.Date) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO eod_runs (account_id, business_date, status, started_at) VALUES (?, ?, ?, ?)`,
		accountID, businessDate, types.RunRunning, now())
	if err != nil {
		return 0, fmt.Errorf("start run: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("start run id: %w", err)
	}
	return id, nil
}

// FinishRun transitions the run to a terminal state.
func (s *Store) FinishRun(ctx context.Context, runID int64, status types.RunStatus, batchID *int64, positionCount int, errorMessage string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE eod_runs SET status = ?, batch_id = ?, position_count = ?,
		 error_message = ?, finished_at = ? WHERE run_id = ?`,
		status, batchID, positionCount, truncate(errorMessage, 4000), now(), runID)
	if err != nil {
		return fmt.Errorf("finish run %d: %w", runID, err)
	}
	return nil
}

// GetLatestRun returns the most recent run for (accountId, businessDate).
func (s *Store) GetLatestRun(ctx context.Context, accountID int64, businessDate types.Date) (*types.EODRun, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM eod_runs
		 WHERE account_id = ? AND business_date = ?
		 ORDER BY run_id DESC LIMIT 1`, accountID, businessDate)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get latest run: %w", err)
	}
	return r, nil
}

// ListRuns returns recent runs for the account, newest first.
func (s *Store) ListRuns(ctx context.Context, accountID int64, limit int) ([]*types.EODRun, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM eod_runs
		 WHERE account_id = ? ORDER BY run_id DESC LIMIT ?`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()
	var out []*types.EODRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// CountOutstandingAccounts returns how many of the client's accounts do not
// yet have a completed EOD run for the business date. Zero means the
// client is ready for reporting sign-off.
func (s *Store) CountOutstandingAccounts(ctx context.Context, clientID int64, businessDate types.Date) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM accounts a
		 JOIN funds f ON f.fund_id = a.fund_id
		 WHERE f.client_id = ? AND a.status = 'ACTIVE'
		 AND NOT EXISTS (
		   SELECT 1 FROM eod_runs r
		   WHERE r.account_id = a.account_id AND r.business_date = ?
		   AND r.status IN (?, ?)
		 )`,
		clientID, businessDate, types.RunCompleted, types.RunCompletedNoop).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count outstanding accounts: %w", err)
	}
	return n, nil
}
