// Package engine applies task mutations optimistically: the local cache
// changes first, the record store is told second, and a failed call rolls
// the cache back to the exact pre-mutation snapshot. Every settled
// mutation ends with a full refetch so server truth wins.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/opsync/internal/bus"
	"github.com/basket/opsync/internal/cache"
	"github.com/basket/opsync/internal/otel"
	"github.com/basket/opsync/internal/queue"
	"github.com/basket/opsync/internal/remote"
	"github.com/basket/opsync/internal/task"
)

// ErrMutationInFlight is returned when a mutation targets a task that
// already has a mutation awaiting settlement. Callers retry after the
// first one settles.
var ErrMutationInFlight = errors.New("mutation already in flight for this task")

const (
	refetchBaseDelay = 200 * time.Millisecond
	refetchMaxDelay  = 2 * time.Second
)

// Options configures an Engine.
type Options struct {
	Cache   *cache.Cache
	Remote  remote.Store
	Queue   *queue.Queue
	Bus     *bus.Bus      // may be nil
	Logger  *slog.Logger  // defaults to slog.Default
	Metrics *otel.Metrics // may be nil

	Owner string

	// FreshnessWindow bounds how long a ReplaceAll result counts as
	// fresh for stale-while-revalidate reads.
	FreshnessWindow time.Duration

	// FetchRetryAttempts bounds the refetch retry budget.
	FetchRetryAttempts int

	// Now overrides the clock in tests.
	Now func() time.Time
}

// Engine coordinates the cache, the record store, and the offline queue.
type Engine struct {
	cache   *cache.Cache
	remote  remote.Store
	queue   *queue.Queue
	bus     *bus.Bus
	logger  *slog.Logger
	metrics *otel.Metrics

	owner              string
	freshnessWindow    time.Duration
	fetchRetryAttempts int
	now                func() time.Time

	busyMu sync.Mutex
	busy   map[string]struct{}

	loading  atomic.Int64
	creating atomic.Int64
	updating atomic.Int64
	toggling atomic.Int64
	deleting atomic.Int64
}

// New builds an Engine. Cache, Remote, and Queue are required.
func New(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	window := opts.FreshnessWindow
	if window <= 0 {
		window = 5 * time.Minute
	}
	attempts := opts.FetchRetryAttempts
	if attempts <= 0 {
		attempts = 3
	}
	return &Engine{
		cache:              opts.Cache,
		remote:             opts.Remote,
		queue:              opts.Queue,
		bus:                opts.Bus,
		logger:             logger,
		metrics:            opts.Metrics,
		owner:              opts.Owner,
		freshnessWindow:    window,
		fetchRetryAttempts: attempts,
		now:                now,
	}
}

// acquire claims the per-id mutation slot. A second mutation against the
// same id while one is unsettled fails fast instead of racing.
func (e *Engine) acquire(id string) error {
	e.busyMu.Lock()
	defer e.busyMu.Unlock()
	if e.busy == nil {
		e.busy = make(map[string]struct{})
	}
	if _, ok := e.busy[id]; ok {
		return fmt.Errorf("task %s: %w", id, ErrMutationInFlight)
	}
	e.busy[id] = struct{}{}
	return nil
}

func (e *Engine) release(id string) {
	e.busyMu.Lock()
	delete(e.busy, id)
	e.busyMu.Unlock()
}

// CreateTask optimistically inserts a provisional task at the head of the
// cache, then asks the record store to create it. On failure the cache is
// restored and the provisional task is queued for replay.
func (e *Engine) CreateTask(ctx context.Context, input task.CreateInput) (task.Task, error) {
	if err := input.Validate(); err != nil {
		return task.Task{}, err
	}

	now := e.now().UTC()
	provisional := task.NewProvisional(input, e.owner, now)
	if err := e.acquire(provisional.ID); err != nil {
		return task.Task{}, err
	}
	defer e.release(provisional.ID)

	e.creating.Add(1)
	defer e.creating.Add(-1)

	snap := e.cache.Snapshot()
	e.cache.InsertFront(provisional)
	mutationID := uuid.NewString()
	e.publishApplied(mutationID, provisional.ID, "create")

	start := e.now()
	created, err := e.remote.Create(ctx, input)
	if err != nil {
		e.cache.Restore(snap)
		e.publishRolledBack(mutationID, provisional.ID, "create")
		e.settle(ctx, mutationID, provisional.ID, "create", start, err)
		if remote.Retriable(err) {
			if qerr := e.queue.Enqueue(ctx, provisional); qerr != nil {
				e.logger.Error("enqueue after failed create", "taskId", provisional.ID, "error", qerr)
			} else {
				e.noteQueued(ctx)
			}
		}
		e.refetchAfterSettle(ctx)
		return task.Task{}, err
	}

	e.settle(ctx, mutationID, created.ID, "create", start, nil)
	e.refetchAfterSettle(ctx)
	return created, nil
}

// UpdateTask merges fields into the cached task (when present), then sends
// the update to the record store. Absent ids still go to the server; there
// is just nothing local to optimistically change.
func (e *Engine) UpdateTask(ctx context.Context, id string, fields task.Fields) (task.Task, error) {
	if err := fields.Validate(); err != nil {
		return task.Task{}, err
	}
	if err := e.acquire(id); err != nil {
		return task.Task{}, err
	}
	defer e.release(id)

	e.updating.Add(1)
	defer e.updating.Add(-1)

	now := e.now().UTC()
	snap := e.cache.Snapshot()
	applied := e.cache.Merge(id, fields, now)
	mutationID := uuid.NewString()
	if applied {
		e.publishApplied(mutationID, id, "update")
	}

	start := e.now()
	updated, err := e.remote.Update(ctx, id, fields)
	if err != nil {
		if applied {
			e.cache.Restore(snap)
			e.publishRolledBack(mutationID, id, "update")
		}
		e.settle(ctx, mutationID, id, "update", start, err)
		if remote.Retriable(err) {
			e.enqueueCurrent(ctx, id, fields, now)
		}
		e.refetchAfterSettle(ctx)
		return task.Task{}, err
	}

	e.settle(ctx, mutationID, id, "update", start, nil)
	e.refetchAfterSettle(ctx)
	return updated, nil
}

// ToggleTask flips a task's completion. The target value is computed once
// from the current state and sent as an absolute write, so a retry of the
// same toggle converges instead of flipping again.
func (e *Engine) ToggleTask(ctx context.Context, id string) (task.Task, error) {
	if err := e.acquire(id); err != nil {
		return task.Task{}, err
	}
	defer e.release(id)

	e.toggling.Add(1)
	defer e.toggling.Add(-1)

	now := e.now().UTC()
	current, inCache := e.cache.Get(id)
	if !inCache {
		fetched, err := e.remote.FetchOne(ctx, id)
		if err != nil {
			return task.Task{}, fmt.Errorf("toggle %s: %w", id, err)
		}
		current = fetched
	}
	target := !current.Completed

	snap := e.cache.Snapshot()
	applied := e.cache.SetCompleted(id, target, now)
	mutationID := uuid.NewString()
	if applied {
		e.publishApplied(mutationID, id, "toggle")
	}

	start := e.now()
	updated, err := e.remote.SetCompleted(ctx, id, target)
	if err != nil {
		if applied {
			e.cache.Restore(snap)
			e.publishRolledBack(mutationID, id, "toggle")
		}
		e.settle(ctx, mutationID, id, "toggle", start, err)
		if remote.Retriable(err) {
			current.Completed = target
			current.UpdatedAt = now
			current.Synced = false
			if qerr := e.queue.Enqueue(ctx, current); qerr != nil {
				e.logger.Error("enqueue after failed toggle", "taskId", id, "error", qerr)
			} else {
				e.noteQueued(ctx)
			}
		}
		e.refetchAfterSettle(ctx)
		return task.Task{}, err
	}

	e.settle(ctx, mutationID, id, "toggle", start, nil)
	e.refetchAfterSettle(ctx)
	return updated, nil
}

// DeleteTask removes the task locally, then from the record store. A
// failed delete restores the entry; a transport failure also records a
// tombstone so the delete replays later.
func (e *Engine) DeleteTask(ctx context.Context, id string) error {
	if err := e.acquire(id); err != nil {
		return err
	}
	defer e.release(id)

	e.deleting.Add(1)
	defer e.deleting.Add(-1)

	snap := e.cache.Snapshot()
	removed, _ := e.cache.Get(id)
	e.cache.Remove(id)
	mutationID := uuid.NewString()
	e.publishApplied(mutationID, id, "delete")

	start := e.now()
	err := e.remote.Delete(ctx, id)
	if err != nil {
		e.cache.Restore(snap)
		e.publishRolledBack(mutationID, id, "delete")
		e.settle(ctx, mutationID, id, "delete", start, err)
		if remote.Retriable(err) {
			if removed.ID == "" {
				removed.ID = id
			}
			if qerr := e.queue.EnqueueDelete(ctx, removed); qerr != nil {
				e.logger.Error("enqueue tombstone", "taskId", id, "error", qerr)
			} else {
				e.noteQueued(ctx)
			}
		}
		e.refetchAfterSettle(ctx)
		return err
	}

	e.settle(ctx, mutationID, id, "delete", start, nil)
	e.refetchAfterSettle(ctx)
	return nil
}

// enqueueCurrent queues the task's post-merge state for replay.
func (e *Engine) enqueueCurrent(ctx context.Context, id string, fields task.Fields, now time.Time) {
	t, ok := e.cache.Get(id)
	if !ok {
		t = task.Task{ID: id, CreatedAt: now, UpdatedAt: now}
	}
	t.Apply(fields, now)
	if err := e.queue.Enqueue(ctx, t); err != nil {
		e.logger.Error("enqueue after failed update", "taskId", id, "error", err)
		return
	}
	e.noteQueued(ctx)
}

// noteQueued bumps the pending-queue gauge; the replayer decrements it
// when an entry lands.
func (e *Engine) noteQueued(ctx context.Context) {
	if e.metrics != nil {
		e.metrics.QueuePending.Add(ctx, 1)
	}
}

// Refetch fetches the full collection and replaces the cache wholesale. A
// bounded retry budget covers transient transport failures.
func (e *Engine) Refetch(ctx context.Context) error {
	e.loading.Add(1)
	defer e.loading.Add(-1)

	start := e.now()
	var err error
	for attempt := 0; attempt < e.fetchRetryAttempts; attempt++ {
		if attempt > 0 {
			if e.metrics != nil {
				e.metrics.RefetchRetries.Add(ctx, 1)
			}
			delay := refetchBaseDelay << uint(attempt-1)
			if delay > refetchMaxDelay {
				delay = refetchMaxDelay
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		var tasks []task.Task
		tasks, err = e.remote.List(ctx)
		if err == nil {
			e.cache.ReplaceAll(tasks, e.now().UTC())
			if e.metrics != nil {
				e.metrics.RefetchDuration.Record(ctx, e.now().Sub(start).Seconds())
			}
			return nil
		}
		if !remote.Retriable(err) {
			break
		}
		e.logger.Warn("refetch attempt failed", "attempt", attempt+1, "error", err)
	}

	if e.metrics != nil {
		e.metrics.RemoteCallErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("op", "list")))
	}
	e.logger.Error("refetch exhausted", "attempts", e.fetchRetryAttempts, "error", err)
	return fmt.Errorf("refetch: %w", err)
}

// refetchAfterSettle runs the unconditional post-settlement refetch. A
// refetch failure is logged, not surfaced; the mutation's own outcome is
// the caller's result.
func (e *Engine) refetchAfterSettle(ctx context.Context) {
	if err := e.Refetch(ctx); err != nil {
		e.logger.Warn("post-settlement refetch failed", "error", err)
	}
}

// InvalidateCache drops freshness without touching cached data, forcing
// the next freshness check to trigger a refetch.
func (e *Engine) InvalidateCache() {
	e.cache.Invalidate()
}

// EnsureFresh refetches only when the cache has aged past the freshness
// window, serving stale data in the meantime.
func (e *Engine) EnsureFresh(ctx context.Context) error {
	if e.cache.Fresh(e.freshnessWindow, e.now()) {
		return nil
	}
	return e.Refetch(ctx)
}

// Tasks returns the current cached collection in display order.
func (e *Engine) Tasks() []task.Task { return e.cache.List() }

// IsLoading reports whether a collection fetch is in flight.
func (e *Engine) IsLoading() bool { return e.loading.Load() > 0 }

// IsCreating reports whether a create mutation is unsettled.
func (e *Engine) IsCreating() bool { return e.creating.Load() > 0 }

// IsUpdating reports whether an update mutation is unsettled.
func (e *Engine) IsUpdating() bool { return e.updating.Load() > 0 }

// IsToggling reports whether a toggle mutation is unsettled.
func (e *Engine) IsToggling() bool { return e.toggling.Load() > 0 }

// IsDeleting reports whether a delete mutation is unsettled.
func (e *Engine) IsDeleting() bool { return e.deleting.Load() > 0 }

func (e *Engine) publishApplied(mutationID, taskID, op string) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(bus.TopicMutationApplied, bus.MutationSettledEvent{
		MutationID: mutationID, TaskID: taskID, Op: op,
	})
}

func (e *Engine) publishRolledBack(mutationID, taskID, op string) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(bus.TopicMutationRolledBack, bus.MutationSettledEvent{
		MutationID: mutationID, TaskID: taskID, Op: op,
	})
}

// settle records metrics, logs, and the bus event for a settled mutation.
func (e *Engine) settle(ctx context.Context, mutationID, taskID, op string, start time.Time, err error) {
	success := err == nil
	elapsed := e.now().Sub(start)

	if e.metrics != nil {
		attrs := metric.WithAttributes(
			attribute.String("op", op),
			attribute.Bool("success", success),
		)
		e.metrics.MutationsTotal.Add(ctx, 1, attrs)
		e.metrics.MutationDuration.Record(ctx, elapsed.Seconds(), attrs)
		if !success {
			e.metrics.RollbacksTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
			e.metrics.RemoteCallErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
		}
	}

	if success {
		e.logger.Info("mutation settled", "op", op, "taskId", taskID, "durationMs", elapsed.Milliseconds())
	} else {
		e.logger.Warn("mutation failed, rolled back",
			"op", op, "taskId", taskID, "class", string(remote.Classify(err)), "error", err)
	}

	if e.bus != nil {
		e.bus.Publish(bus.TopicMutationSettled, bus.MutationSettledEvent{
			MutationID: mutationID, TaskID: taskID, Op: op, Success: success,
		})
	}
}
