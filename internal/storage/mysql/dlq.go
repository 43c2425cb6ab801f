package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/fundops/positionloader/internal/types"
)

// EnqueueDLQ appends a parked message. The table is append-only: entries
// transition status but are never deleted by the pipelines (retention is an
// operational sweep).
func (s *Store) EnqueueDLQ(ctx context.Context, e *types.DlqEntry) (int64, error) {
	ts := now()
	status := e.Status
	if status == "" {
		status = types.DlqPending
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO dlq_entries
		 (topic, msg_key, payload, error_msg, error_code, retry_count, next_retry_at, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Topic, e.Key, e.Payload, e.ErrorMsg, e.ErrorCode, e.RetryCount, e.NextRetry, status, ts, ts)
	if err != nil {
		return 0, fmt.Errorf("enqueue dlq: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("enqueue dlq id: %w", err)
	}
	return id, nil
}

// DueDLQ selects PENDING entries whose next_retry_at has passed (or was
// never set) and whose retry budget is not exhausted, oldest first.
func (s *Store) DueDLQ(ctx context.Context, nowTs time.Time, maxRetries, limit int) ([]*types.DlqEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, topic, msg_key, payload, COALESCE(error_msg, ''), error_code,
		 retry_count, next_retry_at, status, created_at, updated_at
		 FROM dlq_entries
		 WHERE status = ? AND retry_count < ?
		 AND (next_retry_at IS NULL OR next_retry_at <= ?)
		 ORDER BY id LIMIT ?`,
		types.DlqPending, maxRetries, nowTs, limit)
	if err != nil {
		return nil, fmt.Errorf("select due dlq: %w", err)
	}
	defer rows.Close()
	return collectDLQ(rows)
}

// ScheduleDLQRetry bumps the retry count and sets the next attempt time.
func (s *Store) ScheduleDLQRetry(ctx context.Context, id int64, retryCount int, nextRetryAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE dlq_entries SET retry_count = ?, next_retry_at = ?, updated_at = ? WHERE id = ?`,
		retryCount, nextRetryAt, now(), id)
	if err != nil {
		return fmt.Errorf("schedule dlq retry: %w", err)
	}
	return nil
}

// MarkDLQ transitions an entry to a terminal (or replay-pending) status.
func (s *Store) MarkDLQ(ctx context.Context, id int64, status types.DlqStatus) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE dlq_entries SET status = ?, updated_at = ? WHERE id = ?`,
		status, now(), id)
	if err != nil {
		return fmt.Errorf("mark dlq %d %s: %w", id, status, err)
	}
	return nil
}

// ListDLQ returns entries by status, newest first, for the admin surface.
func (s *Store) ListDLQ(ctx context.Context, status types.DlqStatus, limit int) ([]*types.DlqEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, topic, msg_key, payload, COALESCE(error_msg, ''), error_code,
		 retry_count, next_retry_at, status, created_at, updated_at
		 FROM dlq_entries WHERE status = ? ORDER BY id DESC LIMIT ?`,
		status, limit)
	if err != nil {
		return nil, fmt.Errorf("list dlq: %w", err)
	}
	defer rows.Close()
	return collectDLQ(rows)
}

func collectDLQ(rows *sql.Rows) ([]*types.DlqEntry, error) {
	var out []*types.DlqEntry
	for rows.Next() {
		var e types.DlqEntry
		var next sql.NullTime
		if err := rows.Scan(&e.ID, &e.Topic, &e.Key, &e.Payload, &e.ErrorMsg, &e.ErrorCode,
			&e.RetryCount, &next, &e.Status, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan dlq entry: %w", err)
		}
		if next.Valid {
			t := next.Time
			e.NextRetry = &t
		}
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
