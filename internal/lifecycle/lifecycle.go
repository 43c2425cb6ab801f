// Package lifecycle coordinates graceful shutdown: once draining starts,
// new work is refused while in-flight work is given a bounded window to
// finish.
package lifecycle

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fundops/positionloader/internal/debug"
)

// ErrDraining is returned by Begin once shutdown has started.
var ErrDraining = errors.New("shutting down, not accepting new work")

// Drainer tracks in-flight units of work.
type Drainer struct {
	draining atomic.Bool
	inflight sync.WaitGroup
	count    atomic.Int64
}

// New returns a Drainer accepting work.
func New() *Drainer {
	return &Drainer{}
}

// Begin registers a unit of work. The caller must invoke the returned
// done func exactly once. Fails with ErrDraining after Drain has started.
func (d *Drainer) Begin() (done func(), err error) {
	if d.draining.Load() {
		return nil, ErrDraining
	}
	d.inflight.Add(1)
	d.count.Add(1)
	// Re-check: Drain may have flipped between the load and the Add.
	if d.draining.Load() {
		d.inflight.Done()
		d.count.Add(-1)
		return nil, ErrDraining
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			d.count.Add(-1)
			d.inflight.Done()
		})
	}, nil
}

// Draining reports whether shutdown has started.
func (d *Drainer) Draining() bool {
	return d.draining.Load()
}

// InFlight returns the number of currently registered units.
func (d *Drainer) InFlight() int64 {
	return d.count.Load()
}

// Drain stops admission and waits up to timeout for in-flight work to
// finish. Returns false when the timeout expired with work still running.
func (d *Drainer) Drain(ctx context.Context, timeout time.Duration) bool {
	d.draining.Store(true)
	debug.Logf("lifecycle: draining, %d in flight\n", d.count.Load())

	finished := make(chan struct{})
	go func() {
		d.inflight.Wait()
		close(finished)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-finished:
		debug.Logf("lifecycle: drain complete\n")
		return true
	case <-timer.C:
		debug.Logf("lifecycle: drain timed out with %d in flight\n", d.count.Load())
		return false
	case <-ctx.Done():
		return false
	}
}
