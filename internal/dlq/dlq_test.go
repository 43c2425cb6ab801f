package dlq

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fundops/positionloader/internal/lock"
	"github.com/fundops/positionloader/internal/storage"
	"github.com/fundops/positionloader/internal/types"
)

// fakeStore implements the DLQ and lock slices of storage.Storage in
// memory. The embedded interface panics on everything else, which is what
// we want: the replayer must not touch other storage.
type fakeStore struct {
	storage.Storage

	mu      sync.Mutex
	nextID  int64
	entries map[int64]*types.DlqEntry
	locks   map[string]struct {
		owner string
		until time.Time
	}
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		nextID:  1,
		entries: make(map[int64]*types.DlqEntry),
		locks: make(map[string]struct {
			owner string
			until time.Time
		}),
	}
}

func (s *fakeStore) EnqueueDLQ(_ context.Context, e *types.DlqEntry) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	cp := *e
	cp.ID = id
	cp.CreatedAt = time.Now().UTC()
	s.entries[id] = &cp
	return id, nil
}

func (s *fakeStore) DueDLQ(_ context.Context, now time.Time, maxRetries, limit int) ([]*types.DlqEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*types.DlqEntry
	for _, e := range s.entries {
		if e.Status != types.DlqPending || e.RetryCount >= maxRetries {
			continue
		}
		if e.NextRetry != nil && e.NextRetry.After(now) {
			continue
		}
		cp := *e
		due = append(due, &cp)
		if len(due) >= limit {
			break
		}
	}
	return due, nil
}

func (s *fakeStore) ScheduleDLQRetry(_ context.Context, id int64, retryCount int, nextRetryAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return storage.ErrNotFound
	}
	e.RetryCount = retryCount
	e.NextRetry = &nextRetryAt
	return nil
}

func (s *fakeStore) MarkDLQ(_ context.Context, id int64, status types.DlqStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return storage.ErrNotFound
	}
	e.Status = status
	return nil
}

func (s *fakeStore) ListDLQ(_ context.Context, status types.DlqStatus, limit int) ([]*types.DlqEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.DlqEntry
	for _, e := range s.entries {
		if e.Status != status {
			continue
		}
		cp := *e
		out = append(out, &cp)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
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

func (s *fakeStore) entry(t *testing.T, id int64) *types.DlqEntry {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		t.Fatalf("no dlq entry %d", id)
	}
	cp := *e
	return &cp
}

type fakePublisher struct {
	mu        sync.Mutex
	published []string // "topic/key"
	fail      bool
}

func (p *fakePublisher) Publish(_ context.Context, topic, key string, _ []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return errors.New("broker down")
	}
	p.published = append(p.published, topic+"/"+key)
	return nil
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.published)
}

func TestParkClassifiesByKind(t *testing.T) {
	store := newFakeStore()
	w := NewWriter(store, nil)
	ctx := context.Background()

	err := w.Park(ctx, "INTRADAY", "1001", []byte(`{}`),
		types.Validation(types.CodeUnknownTicker, "ticker XYZ unknown", nil))
	if err != nil {
		t.Fatalf("Park: %v", err)
	}
	e := store.entry(t, 1)
	if e.Status != types.DlqPending || e.ErrorCode != types.CodeUnknownTicker {
		t.Errorf("validation entry = %+v, want PENDING/UNKNOWN_TICKER", e)
	}

	err = w.Park(ctx, "INTRADAY", "1001", []byte(`not json`),
		types.Fatal(types.CodeBadPayload, "unparseable payload", nil))
	if err != nil {
		t.Fatalf("Park: %v", err)
	}
	if e := store.entry(t, 2); e.Status != types.DlqFailed {
		t.Errorf("fatal entry status = %s, want FAILED", e.Status)
	}
}

func TestSweepRepublishesAndBacksOff(t *testing.T) {
	store := newFakeStore()
	pub := &fakePublisher{}
	mgr := lock.NewManager(store, time.Minute)
	r := NewReplayer(store, mgr, pub, nil, ReplayerOptions{
		MaxRetries:     3,
		InitialBackoff: 30 * time.Second,
	})

	w := NewWriter(store, nil)
	if err := w.Park(context.Background(), "EOD_TRIGGER", "1001", []byte(`{}`),
		types.Transient(types.CodeUpstreamFailed, "timeout", nil)); err != nil {
		t.Fatalf("Park: %v", err)
	}

	if err := r.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if pub.count() != 1 {
		t.Fatalf("published %d, want 1", pub.count())
	}
	e := store.entry(t, 1)
	if e.RetryCount != 1 {
		t.Errorf("retryCount = %d, want 1", e.RetryCount)
	}
	if e.NextRetry == nil || time.Until(*e.NextRetry) < 20*time.Second {
		t.Errorf("nextRetryAt = %v, want ~30s out", e.NextRetry)
	}

	// Not due again until nextRetryAt.
	if err := r.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if pub.count() != 1 {
		t.Errorf("published %d after second sweep, want still 1", pub.count())
	}
}

func TestSweepFailsEntryAfterBudget(t *testing.T) {
	store := newFakeStore()
	pub := &fakePublisher{}
	mgr := lock.NewManager(store, time.Minute)
	r := NewReplayer(store, mgr, pub, nil, ReplayerOptions{MaxRetries: 3})

	id, err := store.EnqueueDLQ(context.Background(), &types.DlqEntry{
		Topic:      "INTRADAY",
		Key:        "7",
		Payload:    []byte(`{}`),
		RetryCount: 2,
		Status:     types.DlqPending,
	})
	if err != nil {
		t.Fatalf("EnqueueDLQ: %v", err)
	}

	if err := r.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	e := store.entry(t, id)
	if e.Status != types.DlqFailed {
		t.Errorf("status = %s, want FAILED after final replay", e.Status)
	}
	if e.RetryCount != 3 {
		t.Errorf("retryCount = %d, want 3 (budget spent)", e.RetryCount)
	}
}

func TestSweepSkipsWhenAnotherReplicaHoldsLock(t *testing.T) {
	store := newFakeStore()
	pub := &fakePublisher{}

	other := lock.NewManager(store, time.Minute)
	if _, err := other.Acquire(context.Background(), lock.ReplayerLockName, 0); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	mgr := lock.NewManager(store, time.Minute)
	r := NewReplayer(store, mgr, pub, nil, ReplayerOptions{})

	w := NewWriter(store, nil)
	if err := w.Park(context.Background(), "INTRADAY", "7", []byte(`{}`),
		types.Transient("", "deadlock", nil)); err != nil {
		t.Fatalf("Park: %v", err)
	}

	if err := r.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep with busy lock should not error: %v", err)
	}
	if pub.count() != 0 {
		t.Errorf("published %d with lock held elsewhere, want 0", pub.count())
	}
}

func TestReplayNowMarksProcessed(t *testing.T) {
	store := newFakeStore()
	pub := &fakePublisher{}
	mgr := lock.NewManager(store, time.Minute)
	r := NewReplayer(store, mgr, pub, nil, ReplayerOptions{})

	w := NewWriter(store, nil)
	if err := w.Park(context.Background(), "INTRADAY", "7", []byte(`{}`),
		types.Validation(types.CodeUnknownTicker, "unknown", nil)); err != nil {
		t.Fatalf("Park: %v", err)
	}

	n, err := r.ReplayNow(context.Background(), []int64{1})
	if err != nil {
		t.Fatalf("ReplayNow: %v", err)
	}
	if n != 1 {
		t.Errorf("replayed = %d, want 1", n)
	}
	if e := store.entry(t, 1); e.Status != types.DlqProcessed {
		t.Errorf("status = %s, want PROCESSED", e.Status)
	}
}
