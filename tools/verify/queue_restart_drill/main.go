// Command queue_restart_drill verifies that the offline queue survives a
// cold restart: pending entries must come back in insertion order with
// their NeedsSync and tombstone flags intact.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/basket/opsync/internal/queue"
	"github.com/basket/opsync/internal/task"
)

func main() {
	ctx := context.Background()
	baseDir, err := os.MkdirTemp("", "opsync-restart-drill-*")
	if err != nil {
		fmt.Printf("mktemp_error=%v\n", err)
		os.Exit(1)
	}
	defer os.RemoveAll(baseDir)
	dbPath := filepath.Join(baseDir, "queue.db")

	now := time.Now().UTC()
	seed := []struct {
		id      string
		title   string
		deleted bool
	}{
		{"srv-100", "edited while offline", false},
		{task.NewProvisionalID(now), "born offline", false},
		{"srv-200", "deleted while offline", true},
	}

	q1, err := queue.Open(ctx, dbPath, queue.Options{})
	if err != nil {
		fmt.Printf("open_error=%v\n", err)
		os.Exit(1)
	}
	for _, s := range seed {
		t := task.Task{ID: s.id, Title: s.title, CreatedAt: now, UpdatedAt: now}
		if s.deleted {
			err = q1.EnqueueDelete(ctx, t)
		} else {
			err = q1.Enqueue(ctx, t)
		}
		if err != nil {
			fmt.Printf("enqueue_error id=%s err=%v\n", s.id, err)
			os.Exit(1)
		}
	}
	if err := q1.Close(); err != nil {
		fmt.Printf("close_error=%v\n", err)
		os.Exit(1)
	}
	fmt.Printf("SEEDED entries=%d db=%s\n", len(seed), dbPath)

	// Cold reopen: nothing in memory survives, only the database.
	q2, err := queue.Open(ctx, dbPath, queue.Options{})
	if err != nil {
		fmt.Printf("reopen_error=%v\n", err)
		os.Exit(1)
	}
	defer q2.Close()

	pending := q2.Pending()
	if len(pending) != len(seed) {
		fmt.Printf("FAIL pending=%d want=%d\n", len(pending), len(seed))
		os.Exit(1)
	}
	for i, s := range seed {
		e := pending[i]
		if e.Task.ID != s.id {
			fmt.Printf("FAIL position=%d id=%s want=%s (order lost)\n", i, e.Task.ID, s.id)
			os.Exit(1)
		}
		if !e.NeedsSync {
			fmt.Printf("FAIL id=%s needs_sync=false after restart\n", s.id)
			os.Exit(1)
		}
		if e.Deleted != s.deleted {
			fmt.Printf("FAIL id=%s deleted=%v want=%v\n", s.id, e.Deleted, s.deleted)
			os.Exit(1)
		}
	}
	fmt.Printf("RESTART_CHECK pending=%d order=preserved flags=intact\n", len(pending))

	// Settling one entry must also survive a second restart.
	if err := q2.MarkSynced(ctx, seed[0].id); err != nil {
		fmt.Printf("mark_synced_error=%v\n", err)
		os.Exit(1)
	}
	_ = q2.Close()

	q3, err := queue.Open(ctx, dbPath, queue.Options{})
	if err != nil {
		fmt.Printf("reopen2_error=%v\n", err)
		os.Exit(1)
	}
	defer q3.Close()
	if got := q3.PendingLen(); got != len(seed)-1 {
		fmt.Printf("FAIL pending_after_sync=%d want=%d\n", got, len(seed)-1)
		os.Exit(1)
	}
	fmt.Printf("SYNC_CHECK pending=%d total=%d\n", q3.PendingLen(), q3.Len())
	fmt.Println("OK queue restart drill passed")
}
