package intraday

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fundops/positionloader/internal/config"
	"github.com/fundops/positionloader/internal/dlq"
	"github.com/fundops/positionloader/internal/lifecycle"
	"github.com/fundops/positionloader/internal/lock"
	"github.com/fundops/positionloader/internal/storage"
	"github.com/fundops/positionloader/internal/types"
)

type appliedDelta struct {
	accountID int64
	productID int64
	batchID   int64
	delta     decimal.Decimal
	price     decimal.Decimal
	eventTime time.Time
}

type fakeStore struct {
	storage.Storage

	mu         sync.Mutex
	txns       map[string]*types.Transaction
	products   map[string]int64
	batch      *types.AccountBatch
	batchErr   error
	quantities map[int64]decimal.Decimal
	applied    []appliedDelta
	nextDlqID  int64
	parked     []*types.DlqEntry
	locks      map[string]struct {
		owner string
		until time.Time
	}
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		txns:       make(map[string]*types.Transaction),
		products:   map[string]int64{"AAPL": 2001},
		quantities: make(map[int64]decimal.Decimal),
		nextDlqID:  1,
		batch: &types.AccountBatch{
			AccountID:    1001,
			BatchID:      3,
			BusinessDate: types.NewDate(2025, 1, 15),
			Status:       types.BatchActive,
		},
		locks: make(map[string]struct {
			owner string
			until time.Time
		}),
	}
}

func (s *fakeStore) GetTransactionByExternalRef(_ context.Context, ref string) (*types.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	txn, ok := s.txns[ref]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *txn
	return &cp, nil
}

func (s *fakeStore) ResolveTicker(_ context.Context, ticker string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.products[ticker]
	if !ok {
		return 0, storage.ErrNotFound
	}
	return id, nil
}

func (s *fakeStore) GetCurrentActiveBatch(context.Context, int64) (*types.AccountBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.batchErr != nil {
		return nil, s.batchErr
	}
	cp := *s.batch
	return &cp, nil
}

type fakeTx struct {
	s *fakeStore
}

func (t *fakeTx) ApplyBitemporalDelta(_ context.Context, accountID, productID, batchID int64, _ types.Date, delta, price decimal.Decimal, eventTime time.Time) (decimal.Decimal, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	newQty := t.s.quantities[productID].Add(delta)
	t.s.quantities[productID] = newQty
	t.s.applied = append(t.s.applied, appliedDelta{
		accountID: accountID,
		productID: productID,
		batchID:   batchID,
		delta:     delta,
		price:     price,
		eventTime: eventTime,
	})
	return newQty, nil
}

func (t *fakeTx) RecordTransaction(_ context.Context, txn *types.Transaction) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if _, exists := t.s.txns[txn.ExternalRefID]; exists {
		return storage.ErrDuplicateRef
	}
	cp := *txn
	t.s.txns[txn.ExternalRefID] = &cp
	return nil
}

func (s *fakeStore) RunInTransaction(_ context.Context, fn func(tx storage.Tx) error) error {
	return fn(&fakeTx{s: s})
}

func (s *fakeStore) EnqueueDLQ(_ context.Context, e *types.DlqEntry) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextDlqID
	s.nextDlqID++
	cp := *e
	cp.ID = id
	s.parked = append(s.parked, &cp)
	return id, nil
}

func (s *fakeStore) TryAcquireLock(_ context.Context, name, ownerID string, now, lockUntil time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, held := s.locks[name]
	if held && cur.owner != ownerID && cur.until.After(now) {
		return false, nil
	}
	s.locks[name] = struct {
		owner string
		until time.Time
	}{ownerID, lockUntil}
	return true, nil
}

func (s *fakeStore) ReleaseLock(_ context.Context, name, ownerID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, held := s.locks[name]
	if !held || cur.owner != ownerID {
		return false, nil
	}
	delete(s.locks, name)
	return true, nil
}

type fakeEmitter struct {
	mu      sync.Mutex
	changes []*types.PositionChange
}

func (f *fakeEmitter) PublishPositionChange(_ context.Context, c *types.PositionChange) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.changes = append(f.changes, c)
	return nil
}

func newProcessor(store *fakeStore, emit ChangeEmitter) *Processor {
	lists := config.NewAccountLists(config.Features{})
	mgr := lock.NewManager(store, time.Minute)
	park := dlq.NewWriter(store, nil)
	return New(store, mgr, lists, lifecycle.New(), park, emit, nil, Options{
		Workers:  4,
		LockWait: 10 * time.Millisecond,
	})
}

func event(ref string, side types.Side, qty int64, at time.Time) types.TradeEvent {
	return types.TradeEvent{
		CorrelationID: "c-" + ref,
		AccountID:     1001,
		ProductID:     2001,
		Side:          side,
		Quantity:      decimal.NewFromInt(qty),
		Price:         decimal.NewFromInt(150),
		ExternalRefID: ref,
		EventTime:     at,
	}
}

func TestProcessBatchAppliesInEventTimeOrder(t *testing.T) {
	store := newFakeStore()
	p := newProcessor(store, nil)

	base := time.Date(2025, 1, 15, 14, 0, 0, 0, time.UTC)
	events := []types.TradeEvent{
		event("E3", types.SideBuy, 30, base.Add(2*time.Second)),
		event("E1", types.SideBuy, 10, base),
		event("E2", types.SideSell, 5, base.Add(time.Second)),
	}

	if err := p.ProcessBatch(context.Background(), events); err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	if len(store.applied) != 3 {
		t.Fatalf("applied %d deltas, want 3", len(store.applied))
	}
	for i := 1; i < len(store.applied); i++ {
		if store.applied[i].eventTime.Before(store.applied[i-1].eventTime) {
			t.Errorf("delta %d applied out of eventTime order", i)
		}
	}
	// BUY 10, SELL 5, BUY 30 => 35.
	if got := store.quantities[2001]; !got.Equal(decimal.NewFromInt(35)) {
		t.Errorf("final quantity = %s, want 35", got)
	}
	if !store.applied[1].delta.Equal(decimal.NewFromInt(-5)) {
		t.Errorf("second delta = %s, want -5 (SELL)", store.applied[1].delta)
	}
}

func TestIdempotentReplaySkipsSilently(t *testing.T) {
	store := newFakeStore()
	p := newProcessor(store, nil)

	at := time.Date(2025, 1, 15, 14, 0, 0, 0, time.UTC)
	ev := event("E1", types.SideBuy, 10, at)
	if err := p.ProcessBatch(context.Background(), []types.TradeEvent{ev}); err != nil {
		t.Fatalf("first ProcessBatch: %v", err)
	}
	if err := p.ProcessBatch(context.Background(), []types.TradeEvent{ev}); err != nil {
		t.Fatalf("replay ProcessBatch: %v", err)
	}

	if len(store.applied) != 1 {
		t.Errorf("applied %d deltas after replay, want 1", len(store.applied))
	}
	if len(store.parked) != 0 {
		t.Errorf("replay parked %d entries, want 0", len(store.parked))
	}
}

func TestConflictingExternalRefParked(t *testing.T) {
	store := newFakeStore()
	p := newProcessor(store, nil)

	at := time.Date(2025, 1, 15, 14, 0, 0, 0, time.UTC)
	if err := p.ProcessBatch(context.Background(), []types.TradeEvent{event("E1", types.SideBuy, 10, at)}); err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}

	conflicting := event("E1", types.SideBuy, 99, at)
	if err := p.ProcessBatch(context.Background(), []types.TradeEvent{conflicting}); err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}

	if len(store.parked) != 1 {
		t.Fatalf("parked %d, want 1", len(store.parked))
	}
	if store.parked[0].ErrorCode != types.CodeConflictingRef {
		t.Errorf("error code = %s, want CONFLICTING_EXTERNAL_REF", store.parked[0].ErrorCode)
	}
	if len(store.applied) != 1 {
		t.Errorf("conflicting replay must not apply a delta")
	}
}

func TestConflictingSideOrProductParked(t *testing.T) {
	store := newFakeStore()
	p := newProcessor(store, nil)

	at := time.Date(2025, 1, 15, 14, 0, 0, 0, time.UTC)
	if err := p.ProcessBatch(context.Background(), []types.TradeEvent{event("E1", types.SideBuy, 10, at)}); err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}

	// Same ref, same quantity and price, opposite side.
	flipped := event("E1", types.SideSell, 10, at)
	if err := p.ProcessBatch(context.Background(), []types.TradeEvent{flipped}); err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}

	// Same ref on a different instrument.
	moved := event("E1", types.SideBuy, 10, at)
	moved.ProductID = 2002
	if err := p.ProcessBatch(context.Background(), []types.TradeEvent{moved}); err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}

	if len(store.parked) != 2 {
		t.Fatalf("parked %d, want 2", len(store.parked))
	}
	for i, e := range store.parked {
		if e.ErrorCode != types.CodeConflictingRef {
			t.Errorf("parked[%d] code = %s, want CONFLICTING_EXTERNAL_REF", i, e.ErrorCode)
		}
	}
	if len(store.applied) != 1 {
		t.Errorf("applied %d deltas, want 1 (conflicts must not apply)", len(store.applied))
	}
}

func TestUnknownTickerParked(t *testing.T) {
	store := newFakeStore()
	p := newProcessor(store, nil)

	ev := event("E1", types.SideBuy, 10, time.Now().UTC())
	ev.ProductID = 0
	ev.Ticker = "ZZZZ"
	if err := p.ProcessBatch(context.Background(), []types.TradeEvent{ev}); err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	if len(store.parked) != 1 || store.parked[0].ErrorCode != types.CodeUnknownTicker {
		t.Fatalf("parked = %+v, want one UNKNOWN_TICKER entry", store.parked)
	}
}

func TestNoActiveBatchParked(t *testing.T) {
	store := newFakeStore()
	store.batchErr = storage.ErrNoActiveBatch
	p := newProcessor(store, nil)

	if err := p.ProcessBatch(context.Background(), []types.TradeEvent{
		event("E1", types.SideBuy, 10, time.Now().UTC()),
	}); err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	if len(store.parked) != 1 || store.parked[0].ErrorCode != types.CodeNoActiveBatch {
		t.Fatalf("parked = %+v, want one NO_ACTIVE_BATCH entry", store.parked)
	}
	if store.parked[0].Status != types.DlqPending {
		t.Errorf("status = %s, want PENDING", store.parked[0].Status)
	}
}

func TestLockHeldByEODDefersBatch(t *testing.T) {
	store := newFakeStore()

	eod := lock.NewManager(store, time.Minute)
	if _, err := eod.Acquire(context.Background(), lock.IntradayLockName(1001), 0); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	p := newProcessor(store, nil)
	if err := p.ProcessBatch(context.Background(), []types.TradeEvent{
		event("E1", types.SideBuy, 10, time.Now().UTC()),
	}); err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}

	if len(store.parked) != 1 {
		t.Fatalf("parked %d, want 1", len(store.parked))
	}
	e := store.parked[0]
	if e.ErrorCode != types.CodeLockBusy {
		t.Errorf("error code = %s, want LOCK_BUSY", e.ErrorCode)
	}
	if e.NextRetry == nil || time.Until(*e.NextRetry) > lockDeferral {
		t.Errorf("nextRetryAt = %v, want a short deferral", e.NextRetry)
	}
	if len(store.applied) != 0 {
		t.Error("deferred event must not apply")
	}
}

func TestEmitsPositionChange(t *testing.T) {
	store := newFakeStore()
	emit := &fakeEmitter{}
	p := newProcessor(store, emit)

	at := time.Date(2025, 1, 15, 14, 0, 0, 0, time.UTC)
	if err := p.ProcessBatch(context.Background(), []types.TradeEvent{
		event("E1", types.SideBuy, 10, at),
	}); err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}

	if len(emit.changes) != 1 {
		t.Fatalf("emitted %d changes, want 1", len(emit.changes))
	}
	c := emit.changes[0]
	if c.AccountID != 1001 || c.ProductID != 2001 || !c.NewQuantity.Equal(decimal.NewFromInt(10)) {
		t.Errorf("change = %+v", c)
	}
}
