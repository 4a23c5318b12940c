// Package queue is the durable offline queue: mutations made without
// connectivity, or not yet acknowledged by the record store, are recorded
// here and replayed later. The queue survives process restarts.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/basket/opsync/internal/bus"
	"github.com/basket/opsync/internal/task"
)

// queueKey is the named key-value entry holding the serialized queue.
const queueKey = "offline_queue"

// Entry is one recorded mutation. NeedsSync stays true until the record
// store confirms; entries are never silently dropped.
type Entry struct {
	Task task.Task `json:"task"`

	// Deleted marks a tombstone: the task was removed locally while
	// offline and the delete still has to reach the server.
	Deleted bool `json:"deleted,omitempty"`

	NeedsSync bool      `json:"needsSync"`
	QueuedAt  time.Time `json:"queuedAt"`
}

// Queue holds the in-memory entries and mirrors every change to sqlite.
type Queue struct {
	mu      sync.Mutex
	entries []Entry
	index   map[string]int

	db     *sql.DB
	logger *slog.Logger
	bus    *bus.Bus // may be nil in tests
}

// Options configures optional queue collaborators.
type Options struct {
	Logger *slog.Logger
	Bus    *bus.Bus
}

// Open opens (or creates) the queue database and rehydrates entries.
// A corrupt or schema-invalid persisted payload degrades to an empty
// queue with a logged warning; Open never fails on bad data, only on
// storage-level errors.
func Open(ctx context.Context, dbPath string, opts Options) (*Queue, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open queue db: %w", err)
	}
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS kv (
			key        TEXT PRIMARY KEY,
			value      TEXT NOT NULL,
			updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		);
	`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create kv table: %w", err)
	}

	q := &Queue{
		index:  make(map[string]int),
		db:     db,
		logger: logger,
		bus:    opts.Bus,
	}
	q.rehydrate(ctx)
	return q, nil
}

// Close closes the underlying database.
func (q *Queue) Close() error {
	return q.db.Close()
}

// rehydrate loads the persisted queue. Any failure is fail-open: log a
// warning and start empty rather than crash before the UI can render.
func (q *Queue) rehydrate(ctx context.Context) {
	var raw string
	err := q.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?;`, queueKey).Scan(&raw)
	if err == sql.ErrNoRows {
		return
	}
	if err != nil {
		q.logger.Warn("offline queue load failed, starting empty", "error", err)
		return
	}

	if err := validatePayload(raw); err != nil {
		q.logger.Warn("offline queue payload invalid, starting empty", "error", err)
		return
	}

	var entries []Entry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		q.logger.Warn("offline queue payload corrupt, starting empty", "error", err)
		return
	}

	q.mu.Lock()
	q.entries = entries
	q.rebuildIndex()
	q.mu.Unlock()
}

// Enqueue appends or updates the entry for the given task and marks it
// pending. Existing entries keep their queue position so replay order
// reflects first intent.
func (q *Queue) Enqueue(ctx context.Context, t task.Task) error {
	return q.put(ctx, Entry{Task: t.Clone(), NeedsSync: true, QueuedAt: time.Now().UTC()})
}

// EnqueueDelete records a tombstone so an offline delete replays.
func (q *Queue) EnqueueDelete(ctx context.Context, t task.Task) error {
	return q.put(ctx, Entry{Task: t.Clone(), Deleted: true, NeedsSync: true, QueuedAt: time.Now().UTC()})
}

func (q *Queue) put(ctx context.Context, e Entry) error {
	q.mu.Lock()
	if i, ok := q.index[e.Task.ID]; ok {
		queuedAt := q.entries[i].QueuedAt
		q.entries[i] = e
		q.entries[i].QueuedAt = queuedAt
	} else {
		q.entries = append(q.entries, e)
		q.index[e.Task.ID] = len(q.entries) - 1
	}
	err := q.persistLocked(ctx)
	q.mu.Unlock()
	if err != nil {
		return err
	}

	if q.bus != nil {
		q.bus.Publish(bus.TopicQueueEnqueued, bus.QueueEnqueuedEvent{TaskID: e.Task.ID, Deleted: e.Deleted})
	}
	return nil
}

// MarkSynced clears the pending flag for the given id. The entry is kept
// for the session's history rather than deleted.
func (q *Queue) MarkSynced(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	i, ok := q.index[id]
	if !ok {
		return nil
	}
	q.entries[i].NeedsSync = false
	return q.persistLocked(ctx)
}

// Pending returns entries still awaiting sync, in insertion order. This is
// the replay-order contract: oldest first, preserving causal intent.
func (q *Queue) Pending() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []Entry
	for _, e := range q.entries {
		if e.NeedsSync {
			out = append(out, e)
		}
	}
	return out
}

// All returns every entry, synced or not, in insertion order.
func (q *Queue) All() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Entry, len(q.entries))
	copy(out, q.entries)
	return out
}

// Len returns the total entry count.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// PendingLen returns the count of entries awaiting sync.
func (q *Queue) PendingLen() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, e := range q.entries {
		if e.NeedsSync {
			n++
		}
	}
	return n
}

// Toggle flips completion on a queued task without touching the server.
// Used when the record store is unreachable entirely.
func (q *Queue) Toggle(ctx context.Context, id string, now time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	i, ok := q.index[id]
	if !ok {
		return nil
	}
	q.entries[i].Task.Completed = !q.entries[i].Task.Completed
	q.entries[i].Task.UpdatedAt = now.UTC()
	q.entries[i].Task.Synced = false
	q.entries[i].NeedsSync = true
	return q.persistLocked(ctx)
}

// Update merges fields into a queued task and marks it pending.
func (q *Queue) Update(ctx context.Context, id string, fields task.Fields, now time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	i, ok := q.index[id]
	if !ok {
		return nil
	}
	q.entries[i].Task.Apply(fields, now)
	q.entries[i].NeedsSync = true
	return q.persistLocked(ctx)
}

// Remove drops the entry for id from the queue entirely. Used when a
// replayed create supersedes a provisional id.
func (q *Queue) Remove(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	i, ok := q.index[id]
	if !ok {
		return nil
	}
	q.entries = append(q.entries[:i], q.entries[i+1:]...)
	q.rebuildIndex()
	return q.persistLocked(ctx)
}

// persistLocked serializes the whole queue to the named kv entry. Callers
// hold the mutex. The entire array is written on every mutation so the
// persisted state is always a complete, consistent picture.
func (q *Queue) persistLocked(ctx context.Context) error {
	payload, err := json.Marshal(q.entries)
	if err != nil {
		return fmt.Errorf("marshal queue: %w", err)
	}
	if q.entries == nil {
		payload = []byte("[]")
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := q.db.ExecContext(ctx, `
			INSERT INTO kv (key, value, updated_at)
			VALUES (?, ?, strftime('%Y-%m-%dT%H:%M:%fZ','now'))
			ON CONFLICT(key) DO UPDATE SET
				value = excluded.value,
				updated_at = excluded.updated_at;
		`, queueKey, string(payload))
		if err != nil {
			return fmt.Errorf("persist queue: %w", err)
		}
		return nil
	})
}

// rebuildIndex recomputes the id index. Callers hold the mutex.
func (q *Queue) rebuildIndex() {
	q.index = make(map[string]int, len(q.entries))
	for i, e := range q.entries {
		q.index[e.Task.ID] = i
	}
}

// retryOnBusy retries transient sqlite lock errors with bounded backoff
// and jitter.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		// Jitter: ±25% of delay.
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") || // SQLITE_BUSY
		strings.Contains(msg, "(6)") // SQLITE_LOCKED
}
