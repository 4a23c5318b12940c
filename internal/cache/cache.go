// Package cache holds the in-memory task collection that renders read
// views. It is the single source of truth for callers; the mutation engine
// keeps it consistent with the record store.
package cache

import (
	"sync"
	"time"

	"github.com/basket/opsync/internal/bus"
	"github.com/basket/opsync/internal/task"
)

// Snapshot is a verbatim capture of the whole collection, taken before an
// optimistic mutation. Restoring it is the unit of rollback: never
// field-level, so concurrent mutations cannot leave partial state behind.
type Snapshot struct {
	tasks       []task.Task
	lastFetched time.Time
}

// Tasks returns a copy of the captured collection, for tests and debugging.
func (s Snapshot) Tasks() []task.Task {
	return cloneTasks(s.tasks)
}

// Cache is an ordered, keyed collection of tasks. Insertion order is
// most-recent-first for creates; ReplaceAll adopts the server's order.
type Cache struct {
	mu          sync.RWMutex
	tasks       []task.Task
	index       map[string]int
	lastFetched time.Time
	bus         *bus.Bus // may be nil in tests
}

// New creates an empty cache. The bus may be nil.
func New(b *bus.Bus) *Cache {
	return &Cache{
		index: make(map[string]int),
		bus:   b,
	}
}

// List returns a copy of the collection in order.
func (c *Cache) List() []task.Task {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return cloneTasks(c.tasks)
}

// Get returns the task with the given id.
func (c *Cache) Get(id string) (task.Task, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	i, ok := c.index[id]
	if !ok {
		return task.Task{}, false
	}
	return c.tasks[i].Clone(), true
}

// Len returns the number of cached tasks.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.tasks)
}

// Snapshot captures the entire collection. The caller owns the result for
// the duration of one mutation.
func (c *Cache) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Snapshot{
		tasks:       cloneTasks(c.tasks),
		lastFetched: c.lastFetched,
	}
}

// Restore replaces the collection with a previously captured snapshot.
func (c *Cache) Restore(snap Snapshot) {
	c.mu.Lock()
	c.tasks = cloneTasks(snap.tasks)
	c.rebuildIndex()
	c.lastFetched = snap.lastFetched
	c.mu.Unlock()

	c.publish(bus.TopicCacheMutated, bus.CacheMutatedEvent{Op: "restore"})
}

// InsertFront adds a task at the head of the collection.
func (c *Cache) InsertFront(t task.Task) {
	c.mu.Lock()
	c.tasks = append([]task.Task{t.Clone()}, c.tasks...)
	c.rebuildIndex()
	c.mu.Unlock()

	c.publish(bus.TopicCacheMutated, bus.CacheMutatedEvent{TaskID: t.ID, Op: "insert"})
}

// Merge applies a partial update to the task with the given id and bumps
// its UpdatedAt. Absent ids are a no-op returning false.
func (c *Cache) Merge(id string, fields task.Fields, now time.Time) bool {
	c.mu.Lock()
	i, ok := c.index[id]
	if !ok {
		c.mu.Unlock()
		return false
	}
	c.tasks[i].Apply(fields, now)
	c.mu.Unlock()

	c.publish(bus.TopicCacheMutated, bus.CacheMutatedEvent{TaskID: id, Op: "merge"})
	return true
}

// SetCompleted flips the completion flag to an absolute value. Absent ids
// are a no-op returning false.
func (c *Cache) SetCompleted(id string, completed bool, now time.Time) bool {
	c.mu.Lock()
	i, ok := c.index[id]
	if !ok {
		c.mu.Unlock()
		return false
	}
	c.tasks[i].Completed = completed
	c.tasks[i].UpdatedAt = now.UTC()
	c.tasks[i].Synced = false
	c.mu.Unlock()

	c.publish(bus.TopicCacheMutated, bus.CacheMutatedEvent{TaskID: id, Op: "toggle"})
	return true
}

// Remove deletes the task with the given id. Absent ids return false.
func (c *Cache) Remove(id string) bool {
	c.mu.Lock()
	i, ok := c.index[id]
	if !ok {
		c.mu.Unlock()
		return false
	}
	c.tasks = append(c.tasks[:i], c.tasks[i+1:]...)
	c.rebuildIndex()
	c.mu.Unlock()

	c.publish(bus.TopicCacheMutated, bus.CacheMutatedEvent{TaskID: id, Op: "remove"})
	return true
}

// ReplaceAll adopts the server collection wholesale and records the fetch
// time for freshness decisions. Every adopted task is marked synced.
func (c *Cache) ReplaceAll(tasks []task.Task, fetchedAt time.Time) {
	fresh := cloneTasks(tasks)
	for i := range fresh {
		fresh[i].Synced = true
	}

	c.mu.Lock()
	c.tasks = fresh
	c.rebuildIndex()
	c.lastFetched = fetchedAt
	c.mu.Unlock()

	c.publish(bus.TopicCacheReplaced, bus.CacheReplacedEvent{Count: len(fresh)})
}

// Invalidate forgets freshness so the next read triggers a revalidation.
// The cached data itself stays serveable (stale-while-revalidate).
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.lastFetched = time.Time{}
	c.mu.Unlock()

	c.publish(bus.TopicCacheInvalidated, nil)
}

// Fresh reports whether the last fetch is within the freshness window.
func (c *Cache) Fresh(window time.Duration, now time.Time) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.lastFetched.IsZero() {
		return false
	}
	return now.Sub(c.lastFetched) < window
}

// LastFetched returns when the collection was last adopted from the server.
func (c *Cache) LastFetched() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastFetched
}

// rebuildIndex recomputes the id index. Callers hold the write lock.
func (c *Cache) rebuildIndex() {
	c.index = make(map[string]int, len(c.tasks))
	for i, t := range c.tasks {
		c.index[t.ID] = i
	}
}

func (c *Cache) publish(topic string, payload interface{}) {
	if c.bus != nil {
		c.bus.Publish(topic, payload)
	}
}

func cloneTasks(tasks []task.Task) []task.Task {
	if len(tasks) == 0 {
		return nil
	}
	dup := make([]task.Task, len(tasks))
	copy(dup, tasks)
	return dup
}
