// Package lock provides leased named locks over the distributed_locks
// table: at-most-one owner per name at any wall-clock instant.
//
// Every acquisition carries a bounded lease. On lease expiry without
// release another owner may seize the lock; the losing owner detects the
// seizure on release and must treat its work as aborted.
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fundops/positionloader/internal/debug"
	"github.com/fundops/positionloader/internal/storage"
)

// DefaultLease is the default lockAtMostFor.
const DefaultLease = 10 * time.Minute

// pollInterval is how often Acquire retries a busy lock within its wait
// bound.
const pollInterval = 100 * time.Millisecond

// Well-known lock names.
const ReplayerLockName = "dlq-replayer"

// EODLockName returns the per-account EOD lock name.
func EODLockName(accountID int64) string {
	return fmt.Sprintf("eod:%d", accountID)
}

// IntradayLockName returns the per-account intraday lock name.
func IntradayLockName(accountID int64) string {
	return fmt.Sprintf("intraday:%d", accountID)
}

// Store is the slice of the storage interface the manager needs.
type Store interface {
	TryAcquireLock(ctx context.Context, name, ownerID string, now, lockUntil time.Time) (bool, error)
	ReleaseLock(ctx context.Context, name, ownerID string) (bool, error)
}

// Manager acquires and releases named locks on behalf of one process.
// The owner id is unique per Manager so leases lost to a crash are
// seizable but leases held by a live process are not self-stealable
// across components.
type Manager struct {
	store   Store
	ownerID string
	lease   time.Duration
	clock   func() time.Time
}

// NewManager builds a manager with the given lease bound (DefaultLease
// when zero).
func NewManager(store Store, lease time.Duration) *Manager {
	if lease <= 0 {
		lease = DefaultLease
	}
	return &Manager{
		store:   store,
		ownerID: uuid.NewString(),
		lease:   lease,
		clock:   time.Now,
	}
}

// OwnerID returns the manager's owner identity (for diagnostics).
func (m *Manager) OwnerID() string { return m.ownerID }

// Lease is a held lock. Release it exactly once.
type Lease struct {
	mgr  *Manager
	Name string
}

// Acquire takes the named lock, polling for at most wait. A zero wait
// means a single attempt (fail-fast). Returns storage.ErrLockBusy when the
// lock is held by another live owner for the whole wait.
func (m *Manager) Acquire(ctx context.Context, name string, wait time.Duration) (*Lease, error) {
	deadline := m.clock().Add(wait)
	for {
		now := m.clock()
		ok, err := m.store.TryAcquireLock(ctx, name, m.ownerID, now, now.Add(m.lease))
		if err != nil {
			return nil, fmt.Errorf("acquire %s: %w", name, err)
		}
		if ok {
			debug.Logf("lock: acquired %s (owner %s, lease %v)\n", name, m.ownerID, m.lease)
			return &Lease{mgr: m, Name: name}, nil
		}
		if m.clock().Add(pollInterval).After(deadline) {
			return nil, fmt.Errorf("acquire %s: %w", name, storage.ErrLockBusy)
		}
		select {
		case <-time.After(pollInterval):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Renew extends the lease. Fails with storage.ErrLockStolen when another
// owner seized the lock after expiry.
func (m *Manager) Renew(ctx context.Context, l *Lease) error {
	now := m.clock()
	ok, err := m.store.TryAcquireLock(ctx, l.Name, m.ownerID, now, now.Add(m.lease))
	if err != nil {
		return fmt.Errorf("renew %s: %w", l.Name, err)
	}
	if !ok {
		return fmt.Errorf("renew %s: %w", l.Name, storage.ErrLockStolen)
	}
	return nil
}

// Release gives the lock back. Returns storage.ErrLockStolen when the
// conditional delete finds the lock no longer owned: the lease expired and
// another owner seized it, so the caller's work may have raced.
func (l *Lease) Release(ctx context.Context) error {
	released, err := l.mgr.store.ReleaseLock(ctx, l.Name, l.mgr.ownerID)
	if err != nil {
		return fmt.Errorf("release %s: %w", l.Name, err)
	}
	if !released {
		return fmt.Errorf("release %s: %w", l.Name, storage.ErrLockStolen)
	}
	debug.Logf("lock: released %s\n", l.Name)
	return nil
}
