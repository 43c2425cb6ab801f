package mysql

import (
	"context"
	"fmt"
	"time"
)

// TryAcquireLock attempts to take the named lock until lockUntil. The
// acquire is a single atomic statement: insert the row, or steal it when
// the current lease has expired. Returns false when another owner holds an
// unexpired lease.
//
// Re-acquisition by the current owner extends the lease.
func (s *Store) TryAcquireLock(ctx context.Context, name, ownerID string, nowTs, lockUntil time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO distributed_locks (name, owner_id, locked_at, lock_until)
		 VALUES (?, ?, ?, ?)
		 ON DUPLICATE KEY UPDATE
		 owner_id = IF(lock_until <= VALUES(locked_at) OR owner_id = VALUES(owner_id), VALUES(owner_id), owner_id),
		 locked_at = IF(lock_until <= VALUES(locked_at) OR owner_id = VALUES(owner_id), VALUES(locked_at), locked_at),
		 lock_until = IF(lock_until <= VALUES(locked_at) OR owner_id = VALUES(owner_id), VALUES(lock_until), lock_until)`,
		name, ownerID, nowTs, lockUntil)
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", name, err)
	}
	// RowsAffected: 1 = inserted, 2 = updated (seized or renewed), 0 = row
	// untouched (held by another live owner).
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", name, err)
	}
	if n == 0 {
		return false, nil
	}
	// The IF guards can leave RowsAffected at 2 without changing the owner
	// on some server versions when values collide; confirm ownership.
	var owner string
	if err := s.db.QueryRowContext(ctx,
		`SELECT owner_id FROM distributed_locks WHERE name = ?`, name).Scan(&owner); err != nil {
		return false, fmt.Errorf("confirm lock %s: %w", name, err)
	}
	return owner == ownerID, nil
}

// ReleaseLock deletes the lock row only if ownerID still owns it. Returns
// false when the lease expired and another owner seized the lock; the
// caller must treat its work as aborted.
func (s *Store) ReleaseLock(ctx context.Context, name, ownerID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM distributed_locks WHERE name = ? AND owner_id = ?`, name, ownerID)
	if err != nil {
		return false, fmt.Errorf("release lock %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("release lock %s: %w", name, err)
	}
	return n == 1, nil
}
