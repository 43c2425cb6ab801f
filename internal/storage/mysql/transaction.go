package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/fundops/positionloader/internal/breaker"
	"github.com/fundops/positionloader/internal/debug"
	"github.com/fundops/positionloader/internal/storage"
)

const (
	// maxTransactionRetries bounds retry attempts for commit failures due
	// to serialization conflicts.
	maxTransactionRetries = 5
	// initialRetryDelay is the delay before the first retry.
	initialRetryDelay = 50 * time.Millisecond
	// maxRetryDelay caps the exponential backoff between attempts.
	maxRetryDelay = 2 * time.Second
)

// sqlTx implements storage.Tx over an open *sql.Tx.
type sqlTx struct {
	tx *sql.Tx
}

var _ storage.Tx = (*sqlTx)(nil)

// RunInTransaction executes fn within a database transaction. Serialization
// conflicts (deadlock, lock-wait timeout) are retried with exponential
// backoff; any other error rolls back and returns.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx storage.Tx) error) error {
	var lastErr error
	delay := initialRetryDelay

	for attempt := 0; attempt <= maxTransactionRetries; attempt++ {
		if attempt > 0 {
			debug.Logf("storage: transaction retry (attempt %d/%d) after serialization conflict, waiting %v\n",
				attempt, maxTransactionRetries, delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
			delay *= 2
			if delay > maxRetryDelay {
				delay = maxRetryDelay
			}
		}

		lastErr = s.guardedTransactionOnce(ctx, fn)
		if lastErr == nil {
			return nil
		}
		if !isSerializationError(lastErr) {
			return lastErr
		}
	}

	return fmt.Errorf("transaction failed after %d retries: %w", maxTransactionRetries, lastErr)
}

// guardedTransactionOnce runs one attempt through the DB breaker when one is
// installed. Only connection-level failures are reported to the breaker;
// logical errors and serialization conflicts reflect the caller's SQL, not
// database health.
func (s *Store) guardedTransactionOnce(ctx context.Context, fn func(tx storage.Tx) error) error {
	if s.cb == nil {
		return s.runTransactionOnce(ctx, fn)
	}
	var txErr error
	cbErr := s.cb.Do(func() error {
		txErr = s.runTransactionOnce(ctx, fn)
		if isRetryableError(txErr) {
			return txErr
		}
		return nil
	})
	if errors.Is(cbErr, breaker.ErrOpen) {
		return cbErr
	}
	return txErr
}

func (s *Store) runTransactionOnce(ctx context.Context, fn func(tx storage.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback()
			panic(r)
		}
	}()

	if err := fn(&sqlTx{tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
