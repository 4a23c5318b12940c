package cache

import (
	"reflect"
	"testing"
	"time"

	"github.com/basket/opsync/internal/bus"
	"github.com/basket/opsync/internal/task"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func seed(c *Cache) {
	c.ReplaceAll([]task.Task{
		{ID: "3", Title: "newest", CreatedAt: now, UpdatedAt: now},
		{ID: "2", Title: "middle", CreatedAt: now.Add(-time.Hour), UpdatedAt: now.Add(-time.Hour)},
		{ID: "1", Title: "oldest", CreatedAt: now.Add(-2 * time.Hour), UpdatedAt: now.Add(-2 * time.Hour)},
	}, now)
}

func TestInsertFront(t *testing.T) {
	c := New(nil)
	seed(c)

	c.InsertFront(task.Task{ID: "temp-1", Title: "provisional"})

	got := c.List()
	if got[0].ID != "temp-1" {
		t.Fatalf("head = %q, want temp-1", got[0].ID)
	}
	if c.Len() != 4 {
		t.Fatalf("len = %d, want 4", c.Len())
	}
	if _, ok := c.Get("temp-1"); !ok {
		t.Fatal("inserted task not indexed")
	}
}

func TestSnapshotRestore_ByteEqual(t *testing.T) {
	c := New(nil)
	seed(c)

	before := c.List()
	snap := c.Snapshot()

	title := "changed"
	c.Merge("2", task.Fields{Title: &title}, now.Add(time.Minute))
	c.Remove("1")
	c.InsertFront(task.Task{ID: "temp-9"})

	c.Restore(snap)

	after := c.List()
	if !reflect.DeepEqual(before, after) {
		t.Fatalf("restore diverged:\nbefore %+v\nafter  %+v", before, after)
	}
	if !c.LastFetched().Equal(now) {
		t.Fatalf("LastFetched = %v, want %v restored", c.LastFetched(), now)
	}
}

func TestSnapshot_IsolatedFromLaterMutations(t *testing.T) {
	c := New(nil)
	seed(c)
	snap := c.Snapshot()

	c.Remove("3")

	if len(snap.Tasks()) != 3 {
		t.Fatalf("snapshot observed later mutation: %+v", snap.Tasks())
	}
}

func TestMerge(t *testing.T) {
	c := New(nil)
	seed(c)

	title := "renamed"
	later := now.Add(time.Minute)
	if !c.Merge("2", task.Fields{Title: &title}, later) {
		t.Fatal("merge returned false for present id")
	}

	got, _ := c.Get("2")
	if got.Title != "renamed" {
		t.Fatalf("title = %q", got.Title)
	}
	if !got.UpdatedAt.Equal(later) {
		t.Fatalf("UpdatedAt = %v, want bumped", got.UpdatedAt)
	}
	if got.Synced {
		t.Fatal("merged entry must be unsynced")
	}

	if c.Merge("missing", task.Fields{Title: &title}, later) {
		t.Fatal("merge returned true for absent id")
	}
}

func TestSetCompleted(t *testing.T) {
	c := New(nil)
	seed(c)

	if !c.SetCompleted("1", true, now.Add(time.Minute)) {
		t.Fatal("SetCompleted returned false for present id")
	}
	got, _ := c.Get("1")
	if !got.Completed {
		t.Fatal("completed not set")
	}
	if c.SetCompleted("missing", true, now) {
		t.Fatal("SetCompleted returned true for absent id")
	}
}

func TestRemove(t *testing.T) {
	c := New(nil)
	seed(c)

	if !c.Remove("2") {
		t.Fatal("remove returned false for present id")
	}
	if _, ok := c.Get("2"); ok {
		t.Fatal("removed entry still indexed")
	}
	got := c.List()
	if len(got) != 2 || got[0].ID != "3" || got[1].ID != "1" {
		t.Fatalf("order damaged after remove: %+v", got)
	}
}

func TestReplaceAll_MarksSynced(t *testing.T) {
	c := New(nil)
	c.ReplaceAll([]task.Task{{ID: "1", Synced: false}}, now)

	got, _ := c.Get("1")
	if !got.Synced {
		t.Fatal("adopted server task must be synced")
	}
}

func TestFreshness(t *testing.T) {
	c := New(nil)
	window := 5 * time.Minute

	if c.Fresh(window, now) {
		t.Fatal("empty cache cannot be fresh")
	}

	seed(c)
	if !c.Fresh(window, now.Add(time.Minute)) {
		t.Fatal("fetch within window should be fresh")
	}
	if c.Fresh(window, now.Add(10*time.Minute)) {
		t.Fatal("fetch outside window should be stale")
	}

	c.Invalidate()
	if c.Fresh(window, now) {
		t.Fatal("invalidated cache must be stale")
	}
	if c.Len() != 3 {
		t.Fatal("invalidate must keep data serveable")
	}
}

func TestList_ReturnsCopy(t *testing.T) {
	c := New(nil)
	seed(c)

	got := c.List()
	got[0].Title = "tampered"

	fresh, _ := c.Get("3")
	if fresh.Title == "tampered" {
		t.Fatal("List leaked internal storage")
	}
}

func TestPublishesBusEvents(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe("cache.")
	defer b.Unsubscribe(sub)

	c := New(b)
	seed(c)
	c.InsertFront(task.Task{ID: "temp-1"})
	c.Remove("temp-1")
	c.Invalidate()

	topics := map[string]bool{}
	for i := 0; i < 4; i++ {
		select {
		case ev := <-sub.Ch():
			topics[ev.Topic] = true
		case <-time.After(time.Second):
			t.Fatal("timeout draining events")
		}
	}
	for _, want := range []string{bus.TopicCacheReplaced, bus.TopicCacheMutated, bus.TopicCacheInvalidated} {
		if !topics[want] {
			t.Fatalf("missing topic %q in %v", want, topics)
		}
	}
}
