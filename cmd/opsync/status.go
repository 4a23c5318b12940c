package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/basket/opsync/internal/config"
	"github.com/basket/opsync/internal/queue"
)

// runStatusCommand prints the offline queue depth and config summary.
func runStatusCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: load config: %v\n", err)
		return 1
	}

	q, err := queue.Open(ctx, cfg.QueueDBPath(), queue.Options{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: open queue: %v\n", err)
		return 1
	}
	defer q.Close()

	fmt.Printf("home:         %s\n", cfg.HomeDir)
	fmt.Printf("remote:       %s\n", cfg.RemoteBaseURL)
	fmt.Printf("fingerprint:  %s\n", cfg.Fingerprint())
	fmt.Printf("replay cron:  %s\n", cfg.ReplayCron)
	fmt.Printf("queue:        %d pending / %d total\n", q.PendingLen(), q.Len())

	for _, e := range q.Pending() {
		kind := "update"
		switch {
		case e.Deleted:
			kind = "delete"
		case e.Task.Provisional():
			kind = "create"
		}
		fmt.Printf("  %-8s %-24s queued %s\n", kind, e.Task.ID, e.QueuedAt.Format(time.RFC3339))
	}
	return 0
}
