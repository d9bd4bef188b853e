package push

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/austindbirch/harbor_push/internal/logging"
	"github.com/austindbirch/harbor_push/internal/metrics"
	"github.com/austindbirch/harbor_push/internal/wakeup"
)

// DefaultInterval is the idle period of a shard loop between drain passes
const DefaultInterval = 200 * time.Millisecond

// Buffer coalesces push tasks per Key across a fixed set of shards. Each
// shard owns one table and one loop that drains due tasks to the committer.
type Buffer struct {
	workers   []*worker
	gate      Gate
	committer Committer
	newer     OrderFunc
	now       func() time.Time
	interval  time.Duration
	logger    *logging.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	group  *errgroup.Group
}

type worker struct {
	index int
	table *table
	loop  *wakeup.Loop
}

type Option func(*Buffer)

// WithInterval sets the shard loop idle period
func WithInterval(d time.Duration) Option {
	return func(b *Buffer) {
		if d > 0 {
			b.interval = d
		}
	}
}

// WithOrder replaces the version ordering used to decide replacement
func WithOrder(f OrderFunc) Option {
	return func(b *Buffer) {
		if f != nil {
			b.newer = f
		}
	}
}

// WithClock overrides the time source used by drain passes
func WithClock(now func() time.Time) Option {
	return func(b *Buffer) {
		if now != nil {
			b.now = now
		}
	}
}

func WithLogger(l *logging.Logger) Option {
	return func(b *Buffer) {
		if l != nil {
			b.logger = l
		}
	}
}

// New creates a buffer with the given number of shards. Loops do not run
// until Start is called. gate and committer are required.
func New(buckets int, gate Gate, committer Committer, opts ...Option) *Buffer {
	if gate == nil {
		panic("push: New called with nil Gate")
	}
	if committer == nil {
		panic("push: New called with nil Committer")
	}
	if buckets <= 0 {
		buckets = 1
	}
	b := &Buffer{
		gate:      gate,
		committer: committer,
		newer:     defaultOrder,
		now:       time.Now,
		interval:  DefaultInterval,
		logger:    logging.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}

	b.workers = make([]*worker, buckets)
	for i := range b.workers {
		w := &worker{index: i, table: newTable()}
		w.loop = wakeup.New(
			fmt.Sprintf("PushTaskBuffer-%d", i),
			b.interval,
			func(ctx context.Context) { b.drain(ctx, w) },
			wakeup.WithLogger(b.logger),
		)
		b.workers[i] = w
	}
	return b
}

// Start launches one loop per shard. Calling Start on a running buffer is a no-op.
func (b *Buffer) Start(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.group != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	for _, w := range b.workers {
		g.Go(func() error { return w.loop.Run(gctx) })
	}
	b.cancel = cancel
	b.group = g
	b.logger.Plain().WithField("shards", len(b.workers)).Info("push buffer started")
}

// Close stops every shard loop and waits for in-flight passes to finish.
// Tasks still buffered are dropped.
func (b *Buffer) Close() error {
	b.mu.Lock()
	cancel, g := b.cancel, b.group
	b.cancel, b.group = nil, nil
	b.mu.Unlock()

	if g == nil {
		return nil
	}
	cancel()
	return g.Wait()
}

// Buffer offers t for its key. It returns false when pushing to t's
// destination is disabled or a task at least as new is already buffered.
// It never blocks on a shard loop and never fails because of contention.
func (b *Buffer) Buffer(t *Task) bool {
	if !b.gate.CanPushTo(t.Host()) {
		metrics.RecordPending("denied")
		return false
	}
	key := KeyOf(t)
	w := b.workerOf(key)
	if w.table.putIfAbsent(key, t) {
		b.admitted(w, t, "new")
		return true
	}

	for {
		prev, ok := w.table.get(key)
		if !ok {
			// the occupant was drained concurrently
			if w.table.putIfAbsent(key, t) {
				b.admitted(w, t, "new")
				return true
			}
			continue
		}

		if !b.newer(t, prev) {
			metrics.RecordPending("skip")
			b.logger.Plain().
				WithKey(key).
				WithFields(map[string]any{
					"prev":        prev.ID,
					"prev_ver":    prev.Datum.Version,
					"task_id":     t.ID,
					"ver":         t.Datum.Version,
					"retry_count": t.RetryCount,
				}).
				Info("skip buffer")
			return false
		}

		// inherit the occupant's deadline so a stream of updates cannot
		// keep postponing delivery
		origExpire := t.ExpireAt
		t.ExpireAt = prev.ExpireAt
		if w.table.replace(key, prev, t) {
			b.admitted(w, t, "replace")
			return true
		}
		t.ExpireAt = origExpire
	}
}

func (b *Buffer) admitted(w *worker, t *Task, result string) {
	if t.NoDelay() {
		w.loop.Wakeup()
	}
	metrics.RecordPending(result)
}

// drain runs one pass over w's table and returns the number of tasks
// committed successfully.
func (b *Buffer) drain(ctx context.Context, w *worker) int {
	if !b.gate.CanPush() {
		metrics.RecordCleared(w.table.clear())
		return 0
	}

	start := time.Now()
	pending := b.transfer(w)
	committed, failed, dropped := 0, 0, 0
	for _, t := range pending {
		// the destination may have been closed since the task was admitted
		if !b.gate.CanPushTo(t.Host()) {
			dropped++
			continue
		}
		if err := b.committer.Commit(ctx, t); err != nil {
			failed++
			b.logger.WithContext(ctx).
				WithTask(t.ID).
				WithAddr(t.Addr).
				WithShard(w.index).
				WithError(err).
				Warn("push commit failed")
			continue
		}
		committed++
	}
	metrics.RecordCleared(dropped)
	metrics.RecordDrain(committed, failed, time.Since(start))
	if len(pending) > 0 {
		b.logger.Plain().
			WithShard(w.index).
			WithFields(map[string]any{"buffers": len(pending), "commits": committed, "dropped": dropped}).
			Info("push buffer drained")
	}
	return committed
}

// transfer removes and returns every task that is urgent or past its
// deadline. A task replaced after it was observed stays in the table.
func (b *Buffer) transfer(w *worker) []*Task {
	now := b.now()
	var pending []*Task
	w.table.each(func(k Key, t *Task) bool {
		if t.NoDelay() || !t.ExpireAt.After(now) {
			if w.table.removeIf(k, t) {
				pending = append(pending, t)
			}
		}
		return true
	})
	return pending
}

func (b *Buffer) workerOf(k Key) *worker {
	return b.workers[b.ShardOf(k)]
}

// ShardOf returns the index of the shard that owns k
func (b *Buffer) ShardOf(k Key) int {
	return int(k.Hash() % uint64(len(b.workers)))
}

// Shards returns the number of shards
func (b *Buffer) Shards() int {
	return len(b.workers)
}

// Size returns the number of live tasks across all shards. Shards keep
// changing while they are summed, so the result is approximate.
func (b *Buffer) Size() int {
	n := 0
	for _, w := range b.workers {
		n += w.table.size()
	}
	return n
}

// Snapshot copies the live tasks of one shard
func (b *Buffer) Snapshot(shard int) []*Task {
	if shard < 0 || shard >= len(b.workers) {
		return nil
	}
	var out []*Task
	b.workers[shard].table.each(func(_ Key, t *Task) bool {
		out = append(out, t)
		return true
	})
	return out
}

// Lookup returns the task buffered for k, if any
func (b *Buffer) Lookup(k Key) (*Task, bool) {
	return b.workerOf(k).table.get(k)
}

// Suspend pauses all shard loops; buffered tasks are kept
func (b *Buffer) Suspend() {
	for _, w := range b.workers {
		w.loop.Suspend()
	}
	b.logger.Plain().Info("push buffer suspended")
}

// Resume continues all shard loops
func (b *Buffer) Resume() {
	for _, w := range b.workers {
		w.loop.Resume()
	}
	b.logger.Plain().Info("push buffer resumed")
}

// Suspended reports whether the shard loops are paused
func (b *Buffer) Suspended() bool {
	for _, w := range b.workers {
		if !w.loop.Suspended() {
			return false
		}
	}
	return len(b.workers) > 0
}
