package mysql

import (
	"context"
	"fmt"

	"github.com/fundops/positionloader/internal/types"
)

// HasRecentSnapshotHash reports whether a snapshot with the same content
// hash was loaded for the account on or after the given date. The EOD
// pipeline uses a 7-day window for duplicate detection.
func (s *Store) HasRecentSnapshotHash(ctx context.Context, accountID int64, contentHash string, since types.Date) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM snapshot_hashes
		 WHERE account_id = ? AND content_hash = ? AND business_date >= ?`,
		accountID, contentHash, since).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check snapshot hash: %w", err)
	}
	return n > 0, nil
}

// SaveSnapshotHash upserts the content fingerprint for (accountId,
// businessDate).
func (s *Store) SaveSnapshotHash(ctx context.Context, h *types.SnapshotHash) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO snapshot_hashes
		 (account_id, business_date, content_hash, position_count, total_quantity, total_market_value, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON DUPLICATE KEY UPDATE content_hash = VALUES(content_hash),
		 position_count = VALUES(position_count), total_quantity = VALUES(total_quantity),
		 total_market_value = VALUES(total_market_value)`,
		h.AccountID, h.BusinessDate, h.ContentHash, h.PositionCount,
		h.TotalQuantity, h.TotalMarketValue, now())
	if err != nil {
		return fmt.Errorf("save snapshot hash: %w", err)
	}
	return nil
}
