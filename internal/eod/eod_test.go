package eod

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fundops/positionloader/internal/config"
	"github.com/fundops/positionloader/internal/lifecycle"
	"github.com/fundops/positionloader/internal/lock"
	"github.com/fundops/positionloader/internal/storage"
	"github.com/fundops/positionloader/internal/types"
	"github.com/fundops/positionloader/internal/validate"
)

type batchKey struct {
	accountID int64
	batchID   int64
}

// fakeStore implements the slices of storage.Storage the pipeline
// touches. The embedded interface panics on anything else.
type fakeStore struct {
	storage.Storage

	mu          sync.Mutex
	nextRunID   int64
	runs        map[int64]*types.EODRun
	nextBatch   map[int64]int64
	batches     map[batchKey]*types.AccountBatch
	staged      map[int64][]types.Position
	seenHashes  map[string]bool
	savedHashes []*types.SnapshotHash
	active      []*types.Position
	products    map[string]int64
	clientID    int64
	outstanding int
	rolledBack  bool
	locks       map[string]struct {
		owner string
		until time.Time
	}
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		nextRunID:  1,
		runs:       make(map[int64]*types.EODRun),
		nextBatch:  make(map[int64]int64),
		batches:    make(map[batchKey]*types.AccountBatch),
		staged:     make(map[int64][]types.Position),
		seenHashes: make(map[string]bool),
		products:   make(map[string]int64),
		clientID:   500,
		locks: make(map[string]struct {
			owner string
			until time.Time
		}),
	}
}

func (s *fakeStore) StartRun(_ context.Context, accountID int64, businessDate types.Date) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextRunID
	s.nextRunID++
	s.runs[id] = &types.EODRun{
		RunID:        id,
		AccountID:    accountID,
		BusinessDate: businessDate,
		Status:       types.RunRunning,
		StartedAt:    time.Now().UTC(),
	}
	return id, nil
}

func (s *fakeStore) FinishRun(_ context.Context, runID int64, status types.RunStatus, batchID *int64, positionCount int, errorMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return storage.ErrNotFound
	}
	run.Status = status
	run.BatchID = batchID
	run.PositionCount = positionCount
	run.ErrorMessage = errorMessage
	return nil
}

func (s *fakeStore) UpsertClient(context.Context, *types.Client) error    { return nil }
func (s *fakeStore) UpsertFund(context.Context, *types.Fund) error        { return nil }
func (s *fakeStore) UpsertAccount(context.Context, *types.Account) error  { return nil }
func (s *fakeStore) UpsertProduct(context.Context, *types.Product) error  { return nil }

func (s *fakeStore) ResolveTicker(_ context.Context, ticker string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.products[ticker]
	if !ok {
		return 0, storage.ErrNotFound
	}
	return id, nil
}

func (s *fakeStore) HasRecentSnapshotHash(_ context.Context, accountID int64, contentHash string, _ types.Date) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seenHashes[fmt.Sprintf("%d|%s", accountID, contentHash)], nil
}

func (s *fakeStore) SaveSnapshotHash(_ context.Context, h *types.SnapshotHash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seenHashes[fmt.Sprintf("%d|%s", h.AccountID, h.ContentHash)] = true
	cp := *h
	s.savedHashes = append(s.savedHashes, &cp)
	return nil
}

func (s *fakeStore) CreateBatch(_ context.Context, accountID int64, businessDate types.Date, source string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextBatch[accountID]++
	id := s.nextBatch[accountID]
	s.batches[batchKey{accountID, id}] = &types.AccountBatch{
		AccountID:    accountID,
		BatchID:      id,
		BusinessDate: businessDate,
		Status:       types.BatchStaging,
		Source:       source,
		CreatedAt:    time.Now().UTC(),
	}
	return id, nil
}

func (s *fakeStore) InsertPositionsToStaging(_ context.Context, batchID int64, rows []types.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.staged[batchID] = append(s.staged[batchID], rows...)
	return nil
}

func (s *fakeStore) ReadActivePositions(context.Context, int64, types.Date) ([]*types.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active, nil
}

func (s *fakeStore) PromoteBatch(_ context.Context, accountID int64, businessDate types.Date, batchID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	target, ok := s.batches[batchKey{accountID, batchID}]
	if !ok || target.Status != types.BatchStaging {
		return fmt.Errorf("batch %d not STAGING", batchID)
	}
	for _, b := range s.batches {
		if b.AccountID == accountID && b.BusinessDate.Equal(businessDate) && b.Status == types.BatchActive {
			b.Status = types.BatchArchived
		}
	}
	target.Status = types.BatchActive
	target.PositionCount = len(s.staged[batchID])
	return nil
}

func (s *fakeStore) MarkBatchFailed(_ context.Context, accountID, batchID int64, errorMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[batchKey{accountID, batchID}]
	if !ok {
		return storage.ErrNotFound
	}
	b.Status = types.BatchFailed
	b.ErrorMessage = errorMessage
	return nil
}

func (s *fakeStore) RollbackBatch(context.Context, int64, types.Date) (bool, error) {
	return s.rolledBack, nil
}

func (s *fakeStore) ClientIDForAccount(context.Context, int64) (int64, error) {
	return s.clientID, nil
}

func (s *fakeStore) CountOutstandingAccounts(context.Context, int64, types.Date) (int, error) {
	return s.outstanding, nil
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

func (s *fakeStore) run(t *testing.T, id int64) *types.EODRun {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		t.Fatalf("no run %d", id)
	}
	cp := *r
	return &cp
}

func (s *fakeStore) batch(t *testing.T, accountID, batchID int64) *types.AccountBatch {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[batchKey{accountID, batchID}]
	if !ok {
		t.Fatalf("no batch %d/%d", accountID, batchID)
	}
	cp := *b
	return &cp
}

type fakeFetcher struct {
	snap *types.AccountSnapshot
	err  error
}

func (f *fakeFetcher) FetchSnapshot(context.Context, int64, types.Date) (*types.AccountSnapshot, error) {
	return f.snap, f.err
}

type fakeSignoff struct {
	mu     sync.Mutex
	events []*types.ClientSignoff
}

func (f *fakeSignoff) PublishClientSignoff(_ context.Context, s *types.ClientSignoff) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, s)
	return nil
}

func testSnapshot(accountID int64, date types.Date) *types.AccountSnapshot {
	return &types.AccountSnapshot{
		AccountID:    accountID,
		BusinessDate: date,
		Client:       &types.Client{ClientID: 500, Name: "Alpha Capital"},
		Fund:         &types.Fund{FundID: 50, ClientID: 500, Name: "Alpha Core"},
		Positions: []types.SnapshotPosition{
			{ProductID: 2001, Quantity: decimal.NewFromInt(100), Price: decimal.NewFromInt(150), AvgCostPrice: decimal.NewFromInt(150)},
			{ProductID: 2002, Quantity: decimal.NewFromInt(50), Price: decimal.NewFromInt(400), AvgCostPrice: decimal.NewFromInt(400)},
		},
	}
}

func newPipeline(store *fakeStore, fetcher SnapshotFetcher, signoff SignoffEmitter, opts Options) *Pipeline {
	lists := config.NewAccountLists(config.Features{})
	mgr := lock.NewManager(store, time.Minute)
	return New(store, fetcher, mgr, lists, lifecycle.New(), signoff, nil, nil, opts)
}

func TestRunHappyPath(t *testing.T) {
	store := newFakeStore()
	date, _ := types.ParseDate("2025-01-15")
	signoff := &fakeSignoff{}
	p := newPipeline(store, &fakeFetcher{snap: testSnapshot(1001, date)}, signoff, Options{
		DuplicateDetection: true,
		ValidationEnabled:  true,
		Thresholds:         validate.Thresholds{ZeroPriceThresholdPct: 10, SuspiciousChangePct: 50},
	})

	if err := p.Run(context.Background(), 1001, date); err != nil {
		t.Fatalf("Run: %v", err)
	}

	run := store.run(t, 1)
	if run.Status != types.RunCompleted || run.PositionCount != 2 {
		t.Errorf("run = %+v, want COMPLETED with 2 positions", run)
	}
	b := store.batch(t, 1001, 1)
	if b.Status != types.BatchActive || b.PositionCount != 2 {
		t.Errorf("batch = %+v, want ACTIVE with 2 positions", b)
	}
	if len(store.savedHashes) != 1 {
		t.Errorf("saved %d hashes, want 1", len(store.savedHashes))
	}
	if len(signoff.events) != 1 || signoff.events[0].ClientID != 500 {
		t.Errorf("signoff events = %+v, want one for client 500", signoff.events)
	}
	if len(store.locks) != 0 {
		t.Errorf("locks still held after run: %v", store.locks)
	}
}

func TestRunSignoffWaitsForOutstandingAccounts(t *testing.T) {
	store := newFakeStore()
	store.outstanding = 2
	date, _ := types.ParseDate("2025-01-15")
	signoff := &fakeSignoff{}
	p := newPipeline(store, &fakeFetcher{snap: testSnapshot(1001, date)}, signoff, Options{})

	if err := p.Run(context.Background(), 1001, date); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(signoff.events) != 0 {
		t.Errorf("signoff emitted with %d accounts outstanding", store.outstanding)
	}
}

func TestRunDuplicateSnapshotIsNoop(t *testing.T) {
	store := newFakeStore()
	date, _ := types.ParseDate("2025-01-15")
	snap := testSnapshot(1001, date)
	p := newPipeline(store, &fakeFetcher{snap: snap}, nil, Options{DuplicateDetection: true})

	if err := p.Run(context.Background(), 1001, date); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if err := p.Run(context.Background(), 1001, date); err != nil {
		t.Fatalf("second Run: %v", err)
	}

	second := store.run(t, 2)
	if second.Status != types.RunCompletedNoop {
		t.Errorf("second run status = %s, want COMPLETED_NOOP", second.Status)
	}
	if n := len(store.batches); n != 1 {
		t.Errorf("batches = %d, want 1 (no-op must not allocate)", n)
	}
}

func TestRunFetchFailure(t *testing.T) {
	store := newFakeStore()
	date, _ := types.ParseDate("2025-01-15")
	cause := types.Transient(types.CodeUpstreamFailed, "upstream unavailable", errors.New("HTTP 500"))
	p := newPipeline(store, &fakeFetcher{err: cause}, nil, Options{})

	err := p.Run(context.Background(), 1001, date)
	if err == nil {
		t.Fatal("Run should fail")
	}
	pe := types.AsPipelineError(err)
	if pe.Code != types.CodeUpstreamFailed {
		t.Errorf("code = %s, want UPSTREAM_FAILED", pe.Code)
	}
	run := store.run(t, 1)
	if run.Status != types.RunFailed || run.ErrorMessage == "" {
		t.Errorf("run = %+v, want FAILED with message", run)
	}
	if len(store.batches) != 0 {
		t.Error("fetch failure must not allocate a batch")
	}
	if len(store.locks) != 0 {
		t.Errorf("locks still held after failure: %v", store.locks)
	}
}

func TestRunStrictValidationFailsBatch(t *testing.T) {
	store := newFakeStore()
	date, _ := types.ParseDate("2025-01-15")
	snap := testSnapshot(1001, date)
	// All positions zero-priced: warning above the 10% threshold.
	for i := range snap.Positions {
		snap.Positions[i].Price = decimal.Zero
	}
	p := newPipeline(store, &fakeFetcher{snap: snap}, nil, Options{
		ValidationEnabled: true,
		Thresholds:        validate.Thresholds{ZeroPriceThresholdPct: 10, SuspiciousChangePct: 50, StrictMode: true},
	})

	err := p.Run(context.Background(), 1001, date)
	if err == nil {
		t.Fatal("Run should fail in strict mode")
	}
	if pe := types.AsPipelineError(err); pe.Kind != types.KindBusiness {
		t.Errorf("kind = %s, want BUSINESS", pe.Kind)
	}
	b := store.batch(t, 1001, 1)
	if b.Status != types.BatchFailed {
		t.Errorf("batch status = %s, want FAILED", b.Status)
	}
	if store.run(t, 1).Status != types.RunFailed {
		t.Error("run should be FAILED")
	}
}

func TestRunRefusedWhileDraining(t *testing.T) {
	store := newFakeStore()
	date, _ := types.ParseDate("2025-01-15")
	drain := lifecycle.New()
	drain.Drain(context.Background(), time.Millisecond)

	lists := config.NewAccountLists(config.Features{})
	mgr := lock.NewManager(store, time.Minute)
	p := New(store, &fakeFetcher{snap: testSnapshot(1001, date)}, mgr, lists, drain, nil, nil, nil, Options{})

	err := p.Run(context.Background(), 1001, date)
	if pe := types.AsPipelineError(err); pe.Kind != types.KindCapacity {
		t.Errorf("err = %v, want CAPACITY", err)
	}
}

func TestRunRefusesDisabledAccount(t *testing.T) {
	store := newFakeStore()
	date, _ := types.ParseDate("2025-01-15")
	lists := config.NewAccountLists(config.Features{DisabledAccounts: []int64{1001}})
	mgr := lock.NewManager(store, time.Minute)
	p := New(store, &fakeFetcher{snap: testSnapshot(1001, date)}, mgr, lists, lifecycle.New(), nil, nil, nil, Options{})

	err := p.Run(context.Background(), 1001, date)
	if pe := types.AsPipelineError(err); pe.Kind != types.KindValidation {
		t.Errorf("err = %v, want VALIDATION refusal", err)
	}
	if len(store.runs) != 0 {
		t.Error("refused run must not write a run row")
	}
}

func TestRunLockBusy(t *testing.T) {
	store := newFakeStore()
	date, _ := types.ParseDate("2025-01-15")

	other := lock.NewManager(store, time.Minute)
	if _, err := other.Acquire(context.Background(), lock.EODLockName(1001), 0); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	p := newPipeline(store, &fakeFetcher{snap: testSnapshot(1001, date)}, nil, Options{LockWait: time.Millisecond})
	err := p.Run(context.Background(), 1001, date)
	pe := types.AsPipelineError(err)
	if pe.Code != types.CodeLockBusy {
		t.Errorf("err = %v, want LOCK_BUSY", err)
	}
}

func TestRollback(t *testing.T) {
	store := newFakeStore()
	date, _ := types.ParseDate("2025-01-15")
	p := newPipeline(store, nil, nil, Options{})

	reverted, err := p.Rollback(context.Background(), 1001, date)
	if err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if reverted {
		t.Error("Rollback without archived predecessor should return false")
	}

	store.rolledBack = true
	reverted, err = p.Rollback(context.Background(), 1001, date)
	if err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if !reverted {
		t.Error("Rollback should return true")
	}
}
