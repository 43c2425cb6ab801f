// Package storage provides shared types for the bitemporal position store.
//
// The concrete store lives in the mysql sub-package. This package holds the
// interface and sentinel errors referenced by both the implementation and
// its consumers (the EOD and intraday pipelines, the DLQ replayer, and
// cmd/posloader).
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fundops/positionloader/internal/types"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrNoActiveBatch is returned when an account has no ACTIVE batch to apply
// intraday events against.
var ErrNoActiveBatch = errors.New("no active batch")

// ErrNoArchivedBatch is returned by RollbackBatch when the active batch has
// no archived predecessor to restore.
var ErrNoArchivedBatch = errors.New("no archived predecessor")

// ErrLockBusy is returned when a named lock is held by another owner.
var ErrLockBusy = errors.New("lock busy")

// ErrLockStolen is returned on release when the lease expired and another
// owner seized the lock mid-flight. The caller must treat its work as
// aborted.
var ErrLockStolen = errors.New("lock stolen")

// ErrDuplicateRef is returned when recording a transaction whose
// externalRefId already exists.
var ErrDuplicateRef = errors.New("duplicate external ref")

// ErrBatchConflict is returned when a concurrent batch allocation wins the
// (accountId, batchId) uniqueness race. Callers retry CreateBatch.
var ErrBatchConflict = errors.New("batch id conflict")

// Storage is the interface satisfied by *mysql.Store.
// Consumers depend on this interface rather than the concrete type so fakes
// can be substituted in tests.
type Storage interface {
	// Batch lifecycle (blue/green)
	CreateBatch(ctx context.Context, accountID int64, businessDate types.Date, source string) (int64, error)
	GetBatch(ctx context.Context, accountID, batchID int64) (*types.AccountBatch, error)
	GetActiveBatch(ctx context.Context, accountID int64, businessDate types.Date) (*types.AccountBatch, error)
	GetCurrentActiveBatch(ctx context.Context, accountID int64) (*types.AccountBatch, error)
	PromoteBatch(ctx context.Context, accountID int64, businessDate types.Date, batchID int64) error
	RollbackBatch(ctx context.Context, accountID int64, businessDate types.Date) (bool, error)
	MarkBatchFailed(ctx context.Context, accountID, batchID int64, errorMessage string) error

	// Positions
	InsertPositionsToStaging(ctx context.Context, batchID int64, rows []types.Position) error
	ReadActivePositions(ctx context.Context, accountID int64, businessDate types.Date) ([]*types.Position, error)
	ReadPositionsAsOf(ctx context.Context, accountID int64, systemTs time.Time) ([]*types.Position, error)
	Archive(ctx context.Context, cutoff types.Date) (int64, error)

	// Reference data (idempotent upserts; immutable attributes are never
	// altered once present)
	UpsertClient(ctx context.Context, c *types.Client) error
	UpsertFund(ctx context.Context, f *types.Fund) error
	UpsertAccount(ctx context.Context, a *types.Account) error
	UpsertProduct(ctx context.Context, p *types.Product) error
	GetAccount(ctx context.Context, accountID int64) (*types.Account, error)
	ResolveTicker(ctx context.Context, ticker string) (int64, error)
	ClientIDForAccount(ctx context.Context, accountID int64) (int64, error)

	// Transactions (idempotency)
	GetTransactionByExternalRef(ctx context.Context, externalRefID string) (*types.Transaction, error)

	// Snapshot hashes (duplicate detection)
	HasRecentSnapshotHash(ctx context.Context, accountID int64, contentHash string, since types.Date) (bool, error)
	SaveSnapshotHash(ctx context.Context, h *types.SnapshotHash) error

	// EOD runs
	StartRun(ctx context.Context, accountID int64, businessDate types.Date) (int64, error)
	FinishRun(ctx context.Context, runID int64, status types.RunStatus, batchID *int64, positionCount int, errorMessage string) error
	GetLatestRun(ctx context.Context, accountID int64, businessDate types.Date) (*types.EODRun, error)
	ListRuns(ctx context.Context, accountID int64, limit int) ([]*types.EODRun, error)
	CountOutstandingAccounts(ctx context.Context, clientID int64, businessDate types.Date) (int, error)

	// Dead-letter queue
	EnqueueDLQ(ctx context.Context, e *types.DlqEntry) (int64, error)
	DueDLQ(ctx context.Context, now time.Time, maxRetries, limit int) ([]*types.DlqEntry, error)
	ScheduleDLQRetry(ctx context.Context, id int64, retryCount int, nextRetryAt time.Time) error
	MarkDLQ(ctx context.Context, id int64, status types.DlqStatus) error
	ListDLQ(ctx context.Context, status types.DlqStatus, limit int) ([]*types.DlqEntry, error)

	// Distributed lock table
	TryAcquireLock(ctx context.Context, name, ownerID string, now, lockUntil time.Time) (bool, error)
	ReleaseLock(ctx context.Context, name, ownerID string) (bool, error)

	// Transactions
	RunInTransaction(ctx context.Context, fn func(tx Tx) error) error

	// Lifecycle
	Ping(ctx context.Context) error
	Close() error
}

// Tx exposes the mutation primitives that must share one database
// transaction: the intraday pipeline closes the current position version,
// inserts the new one, and records the Transaction row atomically.
type Tx interface {
	// ApplyBitemporalDelta closes the current version of the position
	// (systemTo := now) and inserts a new version with the updated quantity
	// and weighted-average cost. Returns the new quantity. If no current
	// version exists the delta seeds a fresh position at the event price.
	ApplyBitemporalDelta(ctx context.Context, accountID, productID, batchID int64, businessDate types.Date, delta, price decimal.Decimal, eventTime time.Time) (decimal.Decimal, error)

	// RecordTransaction inserts the Transaction row. Returns
	// ErrDuplicateRef if the externalRefId already exists.
	RecordTransaction(ctx context.Context, txn *types.Transaction) error
}
