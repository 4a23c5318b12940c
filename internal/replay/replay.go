// Package replay drains the offline queue against the record store on a
// cron schedule. Entries replay oldest first so the server sees mutations
// in the order the user made them.
package replay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/opsync/internal/bus"
	"github.com/basket/opsync/internal/otel"
	"github.com/basket/opsync/internal/queue"
	"github.com/basket/opsync/internal/remote"
	"github.com/basket/opsync/internal/task"
)

var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Refetcher refreshes the local cache from server truth after a replay
// pass lands queued work.
type Refetcher interface {
	Refetch(ctx context.Context) error
}

// Options configures a Replayer.
type Options struct {
	Queue   *queue.Queue
	Remote  remote.Store
	Engine  Refetcher
	Bus     *bus.Bus      // may be nil
	Logger  *slog.Logger  // defaults to slog.Default
	Metrics *otel.Metrics // may be nil
}

// Replayer pushes pending offline entries to the record store.
type Replayer struct {
	queue   *queue.Queue
	remote  remote.Store
	engine  Refetcher
	bus     *bus.Bus
	logger  *slog.Logger
	metrics *otel.Metrics

	mu      sync.Mutex
	running bool
}

// New builds a Replayer. Queue and Remote are required; Engine may be nil
// when no cache refresh should follow a pass.
func New(opts Options) *Replayer {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Replayer{
		queue:   opts.Queue,
		remote:  opts.Remote,
		engine:  opts.Engine,
		bus:     opts.Bus,
		logger:  logger,
		metrics: opts.Metrics,
	}
}

// ReplayOnce runs one replay pass and returns how many entries landed.
// A transport failure stops the pass: later entries stay pending so
// ordering holds on the next attempt. Overlapping passes coalesce into
// one.
func (r *Replayer) ReplayOnce(ctx context.Context) (int, error) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return 0, nil
	}
	r.running = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
	}()

	pending := r.queue.Pending()
	if len(pending) == 0 {
		return 0, nil
	}
	r.logger.Info("replaying offline queue", "pending", len(pending))

	replayed := 0
	for _, entry := range pending {
		if err := ctx.Err(); err != nil {
			return replayed, err
		}
		err := r.replayEntry(ctx, entry)
		if err != nil {
			if remote.Retriable(err) {
				r.logger.Warn("replay stopped, store unreachable",
					"taskId", entry.Task.ID, "replayed", replayed, "error", err)
				r.finish(ctx, replayed)
				return replayed, err
			}
			// The store rejected the entry outright; retrying the same
			// payload cannot succeed, so stop holding the queue on it.
			r.logger.Warn("replay entry rejected, dropping",
				"taskId", entry.Task.ID, "class", string(remote.Classify(err)), "error", err)
		}
		if entry.Task.Provisional() && !entry.Deleted && err == nil {
			// The server assigned a real id; the provisional entry is done.
			if rerr := r.queue.Remove(ctx, entry.Task.ID); rerr != nil {
				r.logger.Error("remove replayed provisional", "taskId", entry.Task.ID, "error", rerr)
			}
		} else {
			if merr := r.queue.MarkSynced(ctx, entry.Task.ID); merr != nil {
				r.logger.Error("mark replayed entry synced", "taskId", entry.Task.ID, "error", merr)
			}
		}
		if err == nil {
			replayed++
			if r.metrics != nil {
				r.metrics.ReplayedTotal.Add(ctx, 1, metric.WithAttributes(
					attribute.Bool("tombstone", entry.Deleted),
				))
				r.metrics.QueuePending.Add(ctx, -1)
			}
		}
	}

	r.finish(ctx, replayed)
	return replayed, nil
}

// replayEntry sends one queued mutation to the record store.
func (r *Replayer) replayEntry(ctx context.Context, entry queue.Entry) error {
	t := entry.Task
	switch {
	case entry.Deleted:
		err := r.remote.Delete(ctx, t.ID)
		if err != nil && remote.Classify(err) == remote.ClassConflict {
			// Already gone server-side; the tombstone's intent is met.
			return nil
		}
		return err

	case t.Provisional():
		created, err := r.remote.Create(ctx, task.CreateInput{
			Title:       t.Title,
			Description: t.Description,
		})
		if err != nil {
			return err
		}
		if t.Completed {
			if _, err := r.remote.SetCompleted(ctx, created.ID, true); err != nil {
				return err
			}
		}
		return nil

	default:
		fields := task.Fields{Title: &t.Title}
		if t.Description != "" {
			fields.Description = &t.Description
		}
		if _, err := r.remote.Update(ctx, t.ID, fields); err != nil {
			return err
		}
		_, err := r.remote.SetCompleted(ctx, t.ID, t.Completed)
		return err
	}
}

// finish publishes flush events and refreshes the cache once per pass
// that landed anything.
func (r *Replayer) finish(ctx context.Context, replayed int) {
	if replayed == 0 {
		return
	}
	if r.bus != nil {
		r.bus.Publish(bus.TopicQueueFlushed, replayed)
	}
	if r.engine != nil {
		if err := r.engine.Refetch(ctx); err != nil {
			r.logger.Warn("refetch after replay failed", "error", err)
		}
	}
}

// Scheduler runs replay passes on a cron expression.
type Scheduler struct {
	replayer *Replayer
	schedule cronlib.Schedule
	logger   *slog.Logger
	now      func() time.Time
}

// NewScheduler parses a five-field cron expression (minute granularity).
func NewScheduler(expr string, r *Replayer, logger *slog.Logger) (*Scheduler, error) {
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse replay schedule %q: %w", expr, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{replayer: r, schedule: schedule, logger: logger, now: time.Now}, nil
}

// Run blocks, firing a replay pass at each scheduled activation until the
// context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		next := s.schedule.Next(s.now())
		timer := time.NewTimer(next.Sub(s.now()))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if n, err := s.replayer.ReplayOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("scheduled replay incomplete", "replayed", n, "error", err)
		} else if n > 0 {
			s.logger.Info("scheduled replay complete", "replayed", n)
		}
	}
}
