// Package eod runs the end-of-day snapshot pipeline: fetch the upstream
// snapshot for one (account, businessDate), stage it as a new batch, and
// promote it blue/green so readers never observe a partial load.
package eod

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fundops/positionloader/internal/config"
	"github.com/fundops/positionloader/internal/debug"
	"github.com/fundops/positionloader/internal/lifecycle"
	"github.com/fundops/positionloader/internal/lock"
	"github.com/fundops/positionloader/internal/snapshot"
	"github.com/fundops/positionloader/internal/storage"
	"github.com/fundops/positionloader/internal/telemetry"
	"github.com/fundops/positionloader/internal/types"
	"github.com/fundops/positionloader/internal/validate"
)

// dedupWindow is how far back duplicate snapshot hashes are honored.
const dedupWindow = 7 * 24 * time.Hour

// createBatchAttempts bounds retries of the batch-id allocation race.
const createBatchAttempts = 3

// SnapshotFetcher retrieves upstream snapshots. *upstream.Client
// satisfies it.
type SnapshotFetcher interface {
	FetchSnapshot(ctx context.Context, accountID int64, businessDate types.Date) (*types.AccountSnapshot, error)
}

// SignoffEmitter publishes client sign-off events. *stream.Producer
// satisfies it. Nil disables emission.
type SignoffEmitter interface {
	PublishClientSignoff(ctx context.Context, s *types.ClientSignoff) error
}

// HolidayChecker consults an external business calendar for admission of
// triggers. Nil means every date is a business day.
type HolidayChecker interface {
	IsBusinessDay(d types.Date) bool
}

// Options holds the pipeline's tunables, resolved from config at startup.
type Options struct {
	Source             string // batch source label, default "EOD"
	LockWait           time.Duration
	DuplicateDetection bool
	ValidationEnabled  bool
	Thresholds         validate.Thresholds
}

// Pipeline is the EOD runner. One instance serves both the stream
// consumer and admin-initiated reruns.
type Pipeline struct {
	store    storage.Storage
	fetcher  SnapshotFetcher
	locks    *lock.Manager
	lists    *config.AccountLists
	drain    *lifecycle.Drainer
	signoff  SignoffEmitter
	holidays HolidayChecker
	metrics  *telemetry.PipelineMetrics
	opts     Options
	clock    func() time.Time
}

// New builds a pipeline. signoff, holidays, and metrics may be nil.
func New(store storage.Storage, fetcher SnapshotFetcher, locks *lock.Manager, lists *config.AccountLists, drain *lifecycle.Drainer, signoff SignoffEmitter, holidays HolidayChecker, metrics *telemetry.PipelineMetrics, opts Options) *Pipeline {
	if opts.Source == "" {
		opts.Source = "EOD"
	}
	if opts.LockWait <= 0 {
		opts.LockWait = 10 * time.Second
	}
	return &Pipeline{
		store:    store,
		fetcher:  fetcher,
		locks:    locks,
		lists:    lists,
		drain:    drain,
		signoff:  signoff,
		holidays: holidays,
		metrics:  metrics,
		opts:     opts,
		clock:    time.Now,
	}
}

// Run executes the blue/green load for one (accountId, businessDate).
// A nil return means the run finished COMPLETED or COMPLETED_NOOP; any
// error has already been reflected in the run and batch rows.
func (p *Pipeline) Run(ctx context.Context, accountID int64, businessDate types.Date) error {
	started := p.clock()
	outcome, err := p.run(ctx, accountID, businessDate)
	p.metrics.RecordEODRun(ctx, outcome, p.clock().Sub(started))
	return err
}

func (p *Pipeline) run(ctx context.Context, accountID int64, businessDate types.Date) (string, error) {
	// Admission.
	if p.lists != nil && !p.lists.Admitted(accountID) {
		return "refused", types.Validation("",
			fmt.Sprintf("account %d not admitted (disabled or outside pilot)", accountID), nil)
	}
	if p.holidays != nil && !p.holidays.IsBusinessDay(businessDate) {
		debug.Logf("eod: %s is not a business day, skipping account %d\n", businessDate, accountID)
		return "skipped", nil
	}
	if p.drain != nil {
		done, err := p.drain.Begin()
		if err != nil {
			return "refused", types.Capacity("shutting down", err)
		}
		defer done()
	}

	// EOD is mutually exclusive with intraday on the account: hold both
	// locks for the whole run.
	eodLease, err := p.locks.Acquire(ctx, lock.EODLockName(accountID), p.opts.LockWait)
	if err != nil {
		return "lock_busy", types.Transient(types.CodeLockBusy,
			fmt.Sprintf("eod lock for account %d unavailable", accountID), err)
	}
	defer p.release(ctx, eodLease)

	intradayLease, err := p.locks.Acquire(ctx, lock.IntradayLockName(accountID), p.opts.LockWait)
	if err != nil {
		return "lock_busy", types.Transient(types.CodeLockBusy,
			fmt.Sprintf("intraday lock for account %d unavailable", accountID), err)
	}
	defer p.release(ctx, intradayLease)

	runID, err := p.store.StartRun(ctx, accountID, businessDate)
	if err != nil {
		return "failed", types.Transient("", "record run start", err)
	}

	snap, err := p.fetcher.FetchSnapshot(ctx, accountID, businessDate)
	if err != nil {
		return "failed", p.fail(ctx, runID, accountID, nil, err)
	}

	if err := p.reconcileRefData(ctx, snap); err != nil {
		return "failed", p.fail(ctx, runID, accountID, nil, types.Transient("", "reference data reconcile", err))
	}

	hash := snapshot.ContentHash(snap)
	if p.opts.DuplicateDetection {
		since := types.DateOf(businessDate.Time().Add(-dedupWindow))
		seen, err := p.store.HasRecentSnapshotHash(ctx, accountID, hash, since)
		if err != nil {
			return "failed", p.fail(ctx, runID, accountID, nil, types.Transient("", "duplicate check", err))
		}
		if seen {
			debug.Logf("eod: account %d date %s snapshot unchanged, no-op\n", accountID, businessDate)
			if err := p.store.FinishRun(ctx, runID, types.RunCompletedNoop, nil, len(snap.Positions), ""); err != nil {
				return "failed", types.Transient("", "record no-op", err)
			}
			return "completed_noop", nil
		}
	}

	batchID, err := p.allocateBatch(ctx, accountID, businessDate)
	if err != nil {
		return "failed", p.fail(ctx, runID, accountID, nil, types.Transient("", "allocate batch", err))
	}

	if err := p.stage(ctx, accountID, batchID, businessDate, snap); err != nil {
		return "failed", p.fail(ctx, runID, accountID, &batchID, err)
	}

	if p.opts.ValidationEnabled {
		if err := p.validateStaged(ctx, accountID, businessDate, snap); err != nil {
			return "failed", p.fail(ctx, runID, accountID, &batchID, err)
		}
	}

	if err := p.store.PromoteBatch(ctx, accountID, businessDate, batchID); err != nil {
		return "failed", p.fail(ctx, runID, accountID, &batchID, types.Transient("", "promote batch", err))
	}

	totalQty, totalMV := snapshot.Totals(snap)
	if err := p.store.SaveSnapshotHash(ctx, &types.SnapshotHash{
		AccountID:        accountID,
		BusinessDate:     businessDate,
		ContentHash:      hash,
		PositionCount:    len(snap.Positions),
		TotalQuantity:    totalQty,
		TotalMarketValue: totalMV,
	}); err != nil {
		// The batch is already ACTIVE; a lost hash only costs one future
		// no-op detection.
		debug.Logf("eod: save snapshot hash for account %d: %v\n", accountID, err)
	}

	if err := p.store.FinishRun(ctx, runID, types.RunCompleted, &batchID, len(snap.Positions), ""); err != nil {
		return "failed", types.Transient("", "record completion", err)
	}

	p.emitSignoff(ctx, accountID, businessDate)
	debug.Logf("eod: account %d date %s promoted batch %d (%d positions)\n",
		accountID, businessDate, batchID, len(snap.Positions))
	return "completed", nil
}

// fail marks the staging batch (when one exists) and the run FAILED, then
// returns cause for DLQ routing by the caller.
func (p *Pipeline) fail(ctx context.Context, runID, accountID int64, batchID *int64, cause error) error {
	msg := cause.Error()
	if batchID != nil {
		if err := p.store.MarkBatchFailed(ctx, accountID, *batchID, msg); err != nil {
			debug.Logf("eod: mark batch %d failed: %v\n", *batchID, err)
		}
	}
	if err := p.store.FinishRun(ctx, runID, types.RunFailed, batchID, 0, msg); err != nil {
		debug.Logf("eod: record run %d failure: %v\n", runID, err)
	}
	return cause
}

func (p *Pipeline) release(ctx context.Context, l *lock.Lease) {
	if err := l.Release(ctx); err != nil {
		if errors.Is(err, storage.ErrLockStolen) {
			debug.PrintNormal("eod: lock %s seized mid-run, work may have raced\n", l.Name)
			return
		}
		debug.Logf("eod: release %s: %v\n", l.Name, err)
	}
}

// reconcileRefData upserts the snapshot's client, fund, account, and
// products. Upserts never alter immutable attributes once present.
func (p *Pipeline) reconcileRefData(ctx context.Context, snap *types.AccountSnapshot) error {
	if snap.Client != nil {
		if err := p.store.UpsertClient(ctx, snap.Client); err != nil {
			return err
		}
	}
	if snap.Fund != nil {
		if err := p.store.UpsertFund(ctx, snap.Fund); err != nil {
			return err
		}
	}
	if snap.AccountID != 0 {
		acct := &types.Account{
			AccountID:     snap.AccountID,
			AccountNumber: snap.AccountNumber,
			BaseCurrency:  snap.BaseCurrency,
			Status:        "ACTIVE",
		}
		if snap.Fund != nil {
			acct.FundID = snap.Fund.FundID
		}
		if err := p.store.UpsertAccount(ctx, acct); err != nil {
			return err
		}
	}
	for i := range snap.Products {
		if err := p.store.UpsertProduct(ctx, &snap.Products[i]); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) allocateBatch(ctx context.Context, accountID int64, businessDate types.Date) (int64, error) {
	var lastErr error
	for i := 0; i < createBatchAttempts; i++ {
		batchID, err := p.store.CreateBatch(ctx, accountID, businessDate, p.opts.Source)
		if err == nil {
			return batchID, nil
		}
		if !errors.Is(err, storage.ErrBatchConflict) {
			return 0, err
		}
		lastErr = err
	}
	return 0, lastErr
}

func (p *Pipeline) stage(ctx context.Context, accountID, batchID int64, businessDate types.Date, snap *types.AccountSnapshot) error {
	rows := make([]types.Position, 0, len(snap.Positions))
	for i := range snap.Positions {
		sp := &snap.Positions[i]
		productID := sp.ProductID
		if productID == 0 && sp.Ticker != "" {
			resolved, err := p.store.ResolveTicker(ctx, sp.Ticker)
			if err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					return types.Validation(types.CodeUnknownTicker,
						fmt.Sprintf("ticker %s not found", sp.Ticker), err)
				}
				return types.Transient("", "resolve ticker", err)
			}
			productID = resolved
		}
		rows = append(rows, types.Position{
			AccountID:    accountID,
			ProductID:    productID,
			BatchID:      batchID,
			BusinessDate: businessDate,
			Quantity:     sp.Quantity,
			AvgCostPrice: sp.AvgCostPrice,
			CostLocal:    sp.CostLocal,
			MVBase:       sp.MVBase,
			Source:       types.SourceEOD,
		})
	}
	if err := p.store.InsertPositionsToStaging(ctx, batchID, rows); err != nil {
		return types.Transient("", "stage positions", err)
	}
	return nil
}

func (p *Pipeline) validateStaged(ctx context.Context, accountID int64, businessDate types.Date, snap *types.AccountSnapshot) error {
	var prior map[int64]decimal.Decimal
	current, err := p.store.ReadActivePositions(ctx, accountID, businessDate)
	if err != nil && !errors.Is(err, storage.ErrNoActiveBatch) {
		return types.Transient("", "read prior active positions", err)
	}
	if len(current) > 0 {
		prior = make(map[int64]decimal.Decimal, len(current))
		for _, pos := range current {
			prior[pos.ProductID] = pos.Quantity
		}
	}

	res := validate.Snapshot(snap, prior, p.opts.Thresholds)
	for _, w := range res.Warnings {
		debug.PrintNormal("eod: account %d date %s validation warning: %s\n", accountID, businessDate, w)
	}
	if !res.OK(p.opts.Thresholds.StrictMode) {
		detail := strings.Join(append(res.Errors, res.Warnings...), "; ")
		return types.Business("", "snapshot validation failed: "+detail, nil)
	}
	return nil
}

// emitSignoff publishes CLIENT_REPORTING_SIGNOFF when this account was the
// client's last outstanding one for the date. Emission failures are logged
// only; the run itself already completed.
func (p *Pipeline) emitSignoff(ctx context.Context, accountID int64, businessDate types.Date) {
	if p.signoff == nil {
		return
	}
	clientID, err := p.store.ClientIDForAccount(ctx, accountID)
	if err != nil {
		debug.Logf("eod: resolve client for account %d: %v\n", accountID, err)
		return
	}
	outstanding, err := p.store.CountOutstandingAccounts(ctx, clientID, businessDate)
	if err != nil {
		debug.Logf("eod: count outstanding for client %d: %v\n", clientID, err)
		return
	}
	if outstanding > 0 {
		return
	}
	if err := p.signoff.PublishClientSignoff(ctx, &types.ClientSignoff{
		ClientID:     clientID,
		BusinessDate: businessDate,
	}); err != nil {
		debug.Logf("eod: publish signoff for client %d: %v\n", clientID, err)
		return
	}
	debug.Logf("eod: client %d signed off for %s\n", clientID, businessDate)
}

// Rollback reverts the current ACTIVE batch for (accountId, businessDate)
// to its most recent ARCHIVED predecessor, under both per-account locks.
// Returns false when there is no archived predecessor.
func (p *Pipeline) Rollback(ctx context.Context, accountID int64, businessDate types.Date) (bool, error) {
	eodLease, err := p.locks.Acquire(ctx, lock.EODLockName(accountID), p.opts.LockWait)
	if err != nil {
		return false, types.Transient(types.CodeLockBusy, "eod lock unavailable", err)
	}
	defer p.release(ctx, eodLease)

	intradayLease, err := p.locks.Acquire(ctx, lock.IntradayLockName(accountID), p.opts.LockWait)
	if err != nil {
		return false, types.Transient(types.CodeLockBusy, "intraday lock unavailable", err)
	}
	defer p.release(ctx, intradayLease)

	reverted, err := p.store.RollbackBatch(ctx, accountID, businessDate)
	if err != nil {
		return false, err
	}
	if reverted {
		debug.Logf("eod: rolled back account %d date %s\n", accountID, businessDate)
	}
	return reverted, nil
}
