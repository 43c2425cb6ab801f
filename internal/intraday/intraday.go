// Package intraday applies trade events to the ACTIVE batch of an
// account with bitemporal versioning and exactly-once effective semantics.
//
// Events arrive in batches but are applied per account serially, in
// eventTime order; account groups run in parallel on a bounded pool.
package intraday

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fundops/positionloader/internal/config"
	"github.com/fundops/positionloader/internal/debug"
	"github.com/fundops/positionloader/internal/dlq"
	"github.com/fundops/positionloader/internal/lifecycle"
	"github.com/fundops/positionloader/internal/lock"
	"github.com/fundops/positionloader/internal/refcache"
	"github.com/fundops/positionloader/internal/storage"
	"github.com/fundops/positionloader/internal/stream"
	"github.com/fundops/positionloader/internal/telemetry"
	"github.com/fundops/positionloader/internal/types"
)

// lockDeferral is how soon a lock-deferred event becomes due for replay.
// EOD holds the intraday lock for the whole run, so a short horizon is
// enough.
const lockDeferral = 30 * time.Second

// errDuplicate marks an already-applied externalRefId; the event is
// skipped silently.
var errDuplicate = errors.New("duplicate external ref, already applied")

// ChangeEmitter publishes position-change events. *stream.Producer
// satisfies it. Nil disables emission.
type ChangeEmitter interface {
	PublishPositionChange(ctx context.Context, change *types.PositionChange) error
}

// Options holds the processor's tunables.
type Options struct {
	Workers  int           // parallel account groups, default 16
	LockWait time.Duration // intraday lock wait bound, default 2s
}

// Processor applies trade batches.
type Processor struct {
	store   storage.Storage
	locks   *lock.Manager
	lists   *config.AccountLists
	drain   *lifecycle.Drainer
	park    *dlq.Writer
	emit    ChangeEmitter
	metrics *telemetry.PipelineMetrics
	opts    Options

	tickers *refcache.Cache[string, int64]
	batches *refcache.Cache[int64, *types.AccountBatch]
}

// New builds a processor. emit and metrics may be nil.
func New(store storage.Storage, locks *lock.Manager, lists *config.AccountLists, drain *lifecycle.Drainer, park *dlq.Writer, emit ChangeEmitter, metrics *telemetry.PipelineMetrics, opts Options) *Processor {
	if opts.Workers <= 0 {
		opts.Workers = 16
	}
	if opts.LockWait <= 0 {
		opts.LockWait = 2 * time.Second
	}
	return &Processor{
		store:   store,
		locks:   locks,
		lists:   lists,
		drain:   drain,
		park:    park,
		emit:    emit,
		metrics: metrics,
		opts:    opts,
		tickers: refcache.New[string, int64](refcache.RareChangeTTL),
		batches: refcache.New[int64, *types.AccountBatch](refcache.ActiveBatchTTL),
	}
}

// ProcessBatch groups the events by account and applies each group
// serially in eventTime order, groups in parallel. Per-event failures are
// parked in the DLQ here; the returned error covers batch-level refusal
// only.
func (p *Processor) ProcessBatch(ctx context.Context, events []types.TradeEvent) error {
	if len(events) == 0 {
		return nil
	}

	var done func()
	if p.drain != nil {
		var err error
		done, err = p.drain.Begin()
		if err != nil {
			// Offsets are committed by the consumer regardless; defer the
			// whole batch so nothing is lost across the restart.
			for i := range events {
				p.deferEvent(ctx, &events[i], types.Capacity("shutting down", err))
			}
			return nil
		}
		defer done()
	}

	groups := groupByAccount(events)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.Workers)
	for accountID, group := range groups {
		accountID, group := accountID, group
		g.Go(func() error {
			p.processGroup(gctx, accountID, group)
			return nil
		})
	}
	return g.Wait()
}

// groupByAccount splits events per account, each group sorted by
// eventTime (stable, so equal timestamps keep arrival order).
func groupByAccount(events []types.TradeEvent) map[int64][]types.TradeEvent {
	groups := make(map[int64][]types.TradeEvent)
	for i := range events {
		ev := events[i]
		groups[ev.AccountID] = append(groups[ev.AccountID], ev)
	}
	for _, group := range groups {
		sort.SliceStable(group, func(i, j int) bool {
			return group[i].EventTime.Before(group[j].EventTime)
		})
	}
	return groups
}

func (p *Processor) processGroup(ctx context.Context, accountID int64, events []types.TradeEvent) {
	if p.lists != nil && !p.lists.Admitted(accountID) {
		refusal := types.Validation("",
			fmt.Sprintf("account %d not admitted (disabled or outside pilot)", accountID), nil)
		for i := range events {
			p.parkEvent(ctx, &events[i], refusal)
		}
		return
	}

	// EOD takes precedence: while it holds the intraday lock this group is
	// deferred to the DLQ with a short retry horizon, not failed.
	lease, err := p.locks.Acquire(ctx, lock.IntradayLockName(accountID), p.opts.LockWait)
	if err != nil {
		deferral := types.Transient(types.CodeLockBusy,
			fmt.Sprintf("intraday lock for account %d unavailable", accountID), err)
		for i := range events {
			p.deferEvent(ctx, &events[i], deferral)
		}
		return
	}
	defer func() {
		if err := lease.Release(ctx); err != nil {
			debug.Logf("intraday: release %s: %v\n", lease.Name, err)
		}
	}()

	for i := range events {
		ev := &events[i]
		switch err := p.applyOne(ctx, ev); {
		case err == nil:
			p.metrics.RecordIntradayEvent(ctx, "applied")
		case errors.Is(err, errDuplicate):
			p.metrics.RecordIntradayEvent(ctx, "duplicate")
			debug.Logf("intraday: %s already applied, skipping\n", ev.ExternalRefID)
		default:
			p.parkEvent(ctx, ev, err)
		}
	}
}

// applyOne applies a single event: idempotency check, product resolution,
// ACTIVE batch lookup, then the bitemporal mutation and transaction record
// in one database transaction.
func (p *Processor) applyOne(ctx context.Context, ev *types.TradeEvent) error {
	productID, err := p.resolveProduct(ctx, ev)
	if err != nil {
		return err
	}

	existing, err := p.store.GetTransactionByExternalRef(ctx, ev.ExternalRefID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return types.Transient("", "idempotency lookup", err)
	}
	if existing != nil {
		if existing.AccountID != ev.AccountID ||
			existing.ProductID != productID ||
			existing.TxnType != ev.Side ||
			!existing.Quantity.Equal(ev.Quantity) ||
			!existing.Price.Equal(ev.Price) {
			return types.Business(types.CodeConflictingRef,
				fmt.Sprintf("externalRefId %s already recorded with different payload", ev.ExternalRefID), nil)
		}
		return errDuplicate
	}

	batch, err := p.activeBatch(ctx, ev.AccountID)
	if err != nil {
		return err
	}

	delta := ev.Side.SignedDelta(ev.Quantity)
	var newQty = ev.Quantity
	err = p.store.RunInTransaction(ctx, func(tx storage.Tx) error {
		q, err := tx.ApplyBitemporalDelta(ctx, ev.AccountID, productID, batch.BatchID,
			batch.BusinessDate, delta, ev.Price, ev.EventTime)
		if err != nil {
			return err
		}
		newQty = q
		return tx.RecordTransaction(ctx, &types.Transaction{
			AccountID:     ev.AccountID,
			ProductID:     productID,
			TxnType:       ev.Side,
			TradeDate:     types.DateOf(ev.EventTime),
			Quantity:      ev.Quantity,
			Price:         ev.Price,
			ExternalRefID: ev.ExternalRefID,
		})
	})
	if err != nil {
		if errors.Is(err, storage.ErrDuplicateRef) {
			// Lost a replay race; the first writer's transaction stands.
			return errDuplicate
		}
		return types.Transient("", "apply trade", err)
	}

	if p.emit != nil {
		change := &types.PositionChange{
			AccountID:   ev.AccountID,
			ProductID:   productID,
			NewQuantity: newQty,
			EventTime:   ev.EventTime,
		}
		if err := p.emit.PublishPositionChange(ctx, change); err != nil {
			// The mutation is committed; the change feed catches up from
			// the next event on this position.
			debug.Logf("intraday: publish change for account %d product %d: %v\n",
				ev.AccountID, productID, err)
		}
	}
	return nil
}

func (p *Processor) resolveProduct(ctx context.Context, ev *types.TradeEvent) (int64, error) {
	if ev.ProductID != 0 {
		return ev.ProductID, nil
	}
	if ev.Ticker == "" {
		return 0, types.Fatal(types.CodeBadPayload, "event carries neither productId nor ticker", nil)
	}
	if id, ok := p.tickers.Get(ev.Ticker); ok {
		return id, nil
	}
	id, err := p.store.ResolveTicker(ctx, ev.Ticker)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return 0, types.Validation(types.CodeUnknownTicker,
				fmt.Sprintf("ticker %s not found", ev.Ticker), err)
		}
		return 0, types.Transient("", "resolve ticker", err)
	}
	p.tickers.Put(ev.Ticker, id)
	return id, nil
}

func (p *Processor) activeBatch(ctx context.Context, accountID int64) (*types.AccountBatch, error) {
	if b, ok := p.batches.Get(accountID); ok {
		return b, nil
	}
	b, err := p.store.GetCurrentActiveBatch(ctx, accountID)
	if err != nil {
		if errors.Is(err, storage.ErrNoActiveBatch) {
			return nil, types.Validation(types.CodeNoActiveBatch,
				fmt.Sprintf("account %d has no ACTIVE batch", accountID), err)
		}
		return nil, types.Transient("", "locate active batch", err)
	}
	p.batches.Put(accountID, b)
	return b, nil
}

// EvictBatch drops the cached ACTIVE batch for the account, called after
// promotions and rollbacks.
func (p *Processor) EvictBatch(accountID int64) {
	p.batches.Evict(accountID)
}

func marshalEvent(ev *types.TradeEvent) ([]byte, error) {
	return json.Marshal(ev)
}

func (p *Processor) parkEvent(ctx context.Context, ev *types.TradeEvent, cause error) {
	p.metrics.RecordIntradayEvent(ctx, "dlq")
	payload, err := marshalEvent(ev)
	if err != nil {
		debug.Logf("intraday: marshal event %s: %v\n", ev.ExternalRefID, err)
		return
	}
	if err := p.park.Park(ctx, stream.TopicIntraday, fmt.Sprintf("%d", ev.AccountID), payload, cause); err != nil {
		debug.Logf("intraday: park event %s: %v\n", ev.ExternalRefID, err)
	}
}

func (p *Processor) deferEvent(ctx context.Context, ev *types.TradeEvent, cause error) {
	p.metrics.RecordIntradayEvent(ctx, "deferred")
	payload, err := marshalEvent(ev)
	if err != nil {
		debug.Logf("intraday: marshal event %s: %v\n", ev.ExternalRefID, err)
		return
	}
	next := time.Now().UTC().Add(lockDeferral)
	if err := p.park.ParkAfter(ctx, stream.TopicIntraday, fmt.Sprintf("%d", ev.AccountID), payload, cause, &next); err != nil {
		debug.Logf("intraday: defer event %s: %v\n", ev.ExternalRefID, err)
	}
}
