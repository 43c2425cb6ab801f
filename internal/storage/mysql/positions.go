package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fundops/positionloader/internal/debug"
	"github.com/fundops/positionloader/internal/types"
)

// insertChunkSize is the number of position rows per multi-row INSERT.
// Oversized statements blow past max_allowed_packet and crush the server;
// each chunk is all-or-nothing.
const insertChunkSize = 500

const positionColumns = `position_id, account_id, product_id, batch_id, business_date,
	quantity, avg_cost_price, cost_local, mv_base, source,
	valid_from, valid_to, system_from, system_to`

func scanPosition(rows *sql.Rows) (*types.Position, error) {
	var p types.Position
	err := rows.Scan(&p.PositionID, &p.AccountID, &p.ProductID, &p.BatchID, &p.BusinessDate,
		&p.Quantity, &p.AvgCostPrice, &p.CostLocal, &p.MVBase, &p.Source,
		&p.ValidFrom, &p.ValidTo, &p.SystemFrom, &p.SystemTo)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// InsertPositionsToStaging bulk-inserts rows into a STAGING batch with
// system_from = now, system_to = open. Writes are chunked; a staging write
// never touches the ACTIVE batch because batch membership is part of every
// row.
func (s *Store) InsertPositionsToStaging(ctx context.Context, batchID int64, rows []types.Position) error {
	if len(rows) == 0 {
		return nil
	}
	ts := now()

	for start := 0; start < len(rows); start += insertChunkSize {
		end := start + insertChunkSize
		if end > len(rows) {
			end = len(rows)
		}
		chunk := rows[start:end]

		placeholders := make([]string, 0, len(chunk))
		args := make([]any, 0, len(chunk)*13)
		for i := range chunk {
			r := &chunk[i]
			validFrom := r.ValidFrom
			if validFrom.IsZero() {
				validFrom = types.ValidFromDefault
			}
			validTo := r.ValidTo
			if validTo.IsZero() {
				validTo = types.ValidToDefault
			}
			placeholders = append(placeholders, "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)")
			args = append(args,
				r.AccountID, r.ProductID, batchID, r.BusinessDate,
				r.Quantity, r.AvgCostPrice, r.CostLocal, r.MVBase, r.Source,
				validFrom, validTo, ts, types.OpenEnd)
		}

		query := `INSERT INTO positions
			(account_id, product_id, batch_id, business_date,
			 quantity, avg_cost_price, cost_local, mv_base, source,
			 valid_from, valid_to, system_from, system_to)
			VALUES ` + strings.Join(placeholders, ", ")
		if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("insert staging chunk [%d:%d]: %w", start, end, err)
		}
	}
	debug.Logf("storage: staged %d positions into batch %d\n", len(rows), batchID)
	return nil
}

// ReadActivePositions returns the currently-visible positions of the
// account for the business date, joining on AccountBatch.status='ACTIVE'.
// A STAGING batch being written concurrently is unobservable here until
// PromoteBatch commits.
func (s *Store) ReadActivePositions(ctx context.Context, accountID int64, businessDate types.Date) ([]*types.Position, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+qualify(positionColumns, "p")+`
		 FROM positions p
		 JOIN account_batches b ON b.account_id = p.account_id AND b.batch_id = p.batch_id
		 WHERE p.account_id = ? AND b.business_date = ? AND b.status = ? AND p.system_to = ?
		 ORDER BY p.product_id`,
		accountID, businessDate, types.BatchActive, types.OpenEnd)
	if err != nil {
		return nil, fmt.Errorf("read active positions: %w", err)
	}
	defer rows.Close()
	return collectPositions(rows)
}

// ReadPositionsAsOf returns the view of the account's positions visible at
// the given system timestamp: WHERE system_from <= ts < system_to.
func (s *Store) ReadPositionsAsOf(ctx context.Context, accountID int64, systemTs time.Time) ([]*types.Position, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+qualify(positionColumns, "p")+`
		 FROM positions p
		 WHERE p.account_id = ? AND p.system_from <= ? AND p.system_to > ?
		 ORDER BY p.product_id, p.system_from`,
		accountID, systemTs, systemTs)
	if err != nil {
		return nil, fmt.Errorf("read positions as of %s: %w", systemTs.Format(time.RFC3339), err)
	}
	defer rows.Close()
	return collectPositions(rows)
}

// Archive moves position rows with business_date before the cutoff into
// positions_archive, except month-end snapshots. Idempotent: already-moved
// rows are gone from the source table. Runs chunked to hold only
// short-duration locks.
func (s *Store) Archive(ctx context.Context, cutoff types.Date) (int64, error) {
	var total int64
	for {
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO positions_archive
			 SELECT `+positionColumns+`, ? FROM positions
			 WHERE business_date < ? AND LAST_DAY(business_date) <> business_date
			 LIMIT ?`,
			types.DateOf(now()), cutoff, insertChunkSize)
		if err != nil {
			if isDuplicateKeyError(err) {
				// A previous partial run already copied these rows; fall
				// through to the delete so the source side converges.
				res = nil
			} else {
				return total, fmt.Errorf("archive copy: %w", err)
			}
		}

		del, err := s.db.ExecContext(ctx,
			`DELETE FROM positions
			 WHERE business_date < ? AND LAST_DAY(business_date) <> business_date
			 AND position_id IN (SELECT position_id FROM positions_archive)
			 LIMIT ?`,
			cutoff, insertChunkSize)
		if err != nil {
			return total, fmt.Errorf("archive delete: %w", err)
		}
		moved, _ := del.RowsAffected()
		total += moved
		if moved == 0 {
			_ = res
			return total, nil
		}
	}
}

// ApplyBitemporalDelta closes the current version of (accountId, productId,
// batchId) and inserts a new version with the updated quantity and
// weighted-average cost, all on the enclosing transaction. Disjointness of
// system intervals is preserved: the closed row's system_to equals the new
// row's system_from.
func (t *sqlTx) ApplyBitemporalDelta(ctx context.Context, accountID, productID, batchID int64, businessDate types.Date, delta, price decimal.Decimal, eventTime time.Time) (decimal.Decimal, error) {
	ts := now()

	var (
		oldQty, oldAvg decimal.Decimal
		positionID     int64
		hasCurrent     = true
	)
	err := t.tx.QueryRowContext(ctx,
		`SELECT position_id, quantity, avg_cost_price FROM positions
		 WHERE account_id = ? AND product_id = ? AND batch_id = ? AND system_to = ?
		 FOR UPDATE`,
		accountID, productID, batchID, types.OpenEnd).Scan(&positionID, &oldQty, &oldAvg)
	if errors.Is(err, sql.ErrNoRows) {
		hasCurrent = false
	} else if err != nil {
		return decimal.Zero, fmt.Errorf("read current position version: %w", err)
	}

	newQty := oldQty.Add(delta)
	newAvg := weightedAvgCost(oldQty, oldAvg, delta, price)

	if hasCurrent {
		if _, err := t.tx.ExecContext(ctx,
			`UPDATE positions SET system_to = ? WHERE position_id = ?`,
			ts, positionID); err != nil {
			return decimal.Zero, fmt.Errorf("close current version: %w", err)
		}
	}

	if _, err := t.tx.ExecContext(ctx,
		`INSERT INTO positions
		 (account_id, product_id, batch_id, business_date,
		  quantity, avg_cost_price, cost_local, mv_base, source,
		  valid_from, valid_to, system_from, system_to)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		accountID, productID, batchID, businessDate,
		newQty, newAvg, newQty.Mul(newAvg), newQty.Mul(price), types.SourceIntraday,
		types.ValidFromDefault, types.ValidToDefault, ts, types.OpenEnd); err != nil {
		return decimal.Zero, fmt.Errorf("insert new version: %w", err)
	}

	_ = eventTime // ordering is enforced by the per-account dispatcher, not persisted per version
	return newQty, nil
}

// weightedAvgCost computes the post-trade average cost. A position crossing
// through exactly zero keeps its prior average cost.
func weightedAvgCost(oldQty, oldAvg, delta, price decimal.Decimal) decimal.Decimal {
	newQty := oldQty.Add(delta)
	if newQty.IsZero() {
		return oldAvg
	}
	if oldQty.IsZero() {
		return price
	}
	num := oldQty.Mul(oldAvg).Add(delta.Mul(price))
	return num.DivRound(newQty, types.PriceScale)
}

func collectPositions(rows *sql.Rows) ([]*types.Position, error) {
	var out []*types.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// qualify prefixes each column in a comma-separated list with an alias.
func qualify(columns, alias string) string {
	parts := strings.Split(columns, ",")
	for i, c := range parts {
		parts[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(parts, ", ")
}
