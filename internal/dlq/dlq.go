// Package dlq parks failed pipeline messages and replays them with
// bounded retry.
//
// Entries are append-only rows in the dlq_entries table. A leader-elected
// replayer republishes PENDING entries to their originating topic with
// exponential backoff; after the retry budget is spent the entry goes
// FAILED and stays for operator attention. Replays are safe because both
// pipelines are idempotent.
package dlq

import (
	"context"
	"errors"
	"time"

	"github.com/fundops/positionloader/internal/debug"
	"github.com/fundops/positionloader/internal/lock"
	"github.com/fundops/positionloader/internal/storage"
	"github.com/fundops/positionloader/internal/telemetry"
	"github.com/fundops/positionloader/internal/types"
)

// Writer parks failed messages.
type Writer struct {
	store   storage.Storage
	metrics *telemetry.PipelineMetrics
}

// NewWriter builds a writer. metrics may be nil.
func NewWriter(store storage.Storage, metrics *telemetry.PipelineMetrics) *Writer {
	return &Writer{store: store, metrics: metrics}
}

// Park writes one entry for the failed message. Fatal errors are parked
// FAILED immediately (they can never succeed); everything else starts
// PENDING with retryCount 0. nextRetryAt is left nil so the replayer picks
// the entry up on its next sweep, unless the failure asked for a deferral.
func (w *Writer) Park(ctx context.Context, topic, key string, payload []byte, cause error) error {
	return w.ParkAfter(ctx, topic, key, payload, cause, nil)
}

// ParkAfter is Park with an explicit earliest-replay time, used when a
// failure is expected to clear quickly (lock contention deferral).
func (w *Writer) ParkAfter(ctx context.Context, topic, key string, payload []byte, cause error, nextRetryAt *time.Time) error {
	pe := types.AsPipelineError(cause)
	status := types.DlqPending
	if pe.Kind == types.KindFatal {
		status = types.DlqFailed
	}
	entry := &types.DlqEntry{
		Topic:     topic,
		Key:       key,
		Payload:   payload,
		ErrorMsg:  pe.Error(),
		ErrorCode: pe.Code,
		NextRetry: nextRetryAt,
		Status:    status,
	}
	id, err := w.store.EnqueueDLQ(ctx, entry)
	if err != nil {
		return err
	}
	w.metrics.RecordDLQWrite(ctx, topic)
	debug.Logf("dlq: parked %s key=%s id=%d status=%s code=%s\n",
		topic, key, id, status, pe.Code)
	return nil
}

// Publisher republishes a parked payload to its originating topic.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, payload []byte) error
}

// ReplayerOptions bounds the replayer's retry behavior.
type ReplayerOptions struct {
	MaxRetries     int           // default 3
	InitialBackoff time.Duration // default 30s
	PollInterval   time.Duration // default 15s
	SelectLimit    int           // default 100
	LockName       string        // default dlq-replayer
}

// Replayer periodically republishes due PENDING entries. Exactly one
// replica sweeps at a time: each sweep runs under the replayer lock, so
// passive replicas simply skip their tick.
type Replayer struct {
	store   storage.Storage
	locks   *lock.Manager
	pub     Publisher
	metrics *telemetry.PipelineMetrics
	opts    ReplayerOptions
	clock   func() time.Time
}

// NewReplayer builds a replayer. metrics may be nil.
func NewReplayer(store storage.Storage, locks *lock.Manager, pub Publisher, metrics *telemetry.PipelineMetrics, opts ReplayerOptions) *Replayer {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 30 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 15 * time.Second
	}
	if opts.SelectLimit <= 0 {
		opts.SelectLimit = 100
	}
	if opts.LockName == "" {
		opts.LockName = lock.ReplayerLockName
	}
	return &Replayer{
		store:   store,
		locks:   locks,
		pub:     pub,
		metrics: metrics,
		opts:    opts,
		clock:   time.Now,
	}
}

// Run sweeps until ctx is cancelled.
func (r *Replayer) Run(ctx context.Context) {
	ticker := time.NewTicker(r.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Sweep(ctx); err != nil {
				debug.Logf("dlq: sweep failed: %v\n", err)
			}
		}
	}
}

// Sweep runs one leader-elected replay pass. A busy lock means another
// replica is sweeping; that is not an error.
func (r *Replayer) Sweep(ctx context.Context) error {
	lease, err := r.locks.Acquire(ctx, r.opts.LockName, 0)
	if err != nil {
		if errors.Is(err, storage.ErrLockBusy) {
			return nil
		}
		return err
	}
	defer func() {
		if err := lease.Release(ctx); err != nil {
			debug.Logf("dlq: release replayer lock: %v\n", err)
		}
	}()

	due, err := r.store.DueDLQ(ctx, r.clock().UTC(), r.opts.MaxRetries, r.opts.SelectLimit)
	if err != nil {
		return err
	}
	for _, entry := range due {
		r.replayOne(ctx, entry)
	}
	return nil
}

func (r *Replayer) replayOne(ctx context.Context, entry *types.DlqEntry) {
	if err := r.pub.Publish(ctx, entry.Topic, entry.Key, entry.Payload); err != nil {
		debug.Logf("dlq: republish id=%d to %s failed: %v\n", entry.ID, entry.Topic, err)
		return
	}
	r.metrics.RecordDLQReplay(ctx, entry.Topic)

	retryCount := entry.RetryCount + 1
	if retryCount >= r.opts.MaxRetries {
		// Retry budget spent. The entry is republished one last time above;
		// if that replay fails too the message needs an operator. The final
		// attempt is recorded so the terminal row reads retryCount = max.
		if err := r.store.ScheduleDLQRetry(ctx, entry.ID, retryCount, r.clock().UTC()); err != nil {
			debug.Logf("dlq: record final attempt id=%d: %v\n", entry.ID, err)
		}
		if err := r.store.MarkDLQ(ctx, entry.ID, types.DlqFailed); err != nil {
			debug.Logf("dlq: mark id=%d failed: %v\n", entry.ID, err)
			return
		}
		debug.PrintNormal("ALERT: dlq entry %d (%s key=%s) exhausted %d retries\n",
			entry.ID, entry.Topic, entry.Key, r.opts.MaxRetries)
		return
	}

	backoff := r.opts.InitialBackoff
	for i := 0; i < entry.RetryCount; i++ {
		backoff *= 2
	}
	next := r.clock().UTC().Add(backoff)
	if err := r.store.ScheduleDLQRetry(ctx, entry.ID, retryCount, next); err != nil {
		debug.Logf("dlq: schedule id=%d retry: %v\n", entry.ID, err)
	}
}

// ReplayNow force-replays the given PENDING entries regardless of
// nextRetryAt, used by the admin surface and CLI. Returns the number
// republished.
func (r *Replayer) ReplayNow(ctx context.Context, ids []int64) (int, error) {
	entries, err := r.store.ListDLQ(ctx, types.DlqPending, r.opts.SelectLimit)
	if err != nil {
		return 0, err
	}
	want := make(map[int64]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	replayed := 0
	for _, entry := range entries {
		if len(ids) > 0 && !want[entry.ID] {
			continue
		}
		if err := r.pub.Publish(ctx, entry.Topic, entry.Key, entry.Payload); err != nil {
			debug.Logf("dlq: manual republish id=%d failed: %v\n", entry.ID, err)
			continue
		}
		r.metrics.RecordDLQReplay(ctx, entry.Topic)
		if err := r.store.MarkDLQ(ctx, entry.ID, types.DlqProcessed); err != nil {
			debug.Logf("dlq: mark id=%d processed: %v\n", entry.ID, err)
			continue
		}
		replayed++
	}
	return replayed, nil
}
