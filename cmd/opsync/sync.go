package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/basket/opsync/internal/config"
	"github.com/basket/opsync/internal/queue"
	"github.com/basket/opsync/internal/remote"
	"github.com/basket/opsync/internal/replay"
)

// runSyncCommand runs one replay pass against the record store.
func runSyncCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("sync", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "sync: load config: %v\n", err)
		return 1
	}

	q, err := queue.Open(ctx, cfg.QueueDBPath(), queue.Options{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "sync: open queue: %v\n", err)
		return 1
	}
	defer q.Close()

	if q.PendingLen() == 0 {
		fmt.Println("nothing to sync")
		return 0
	}

	store, err := remote.NewClient(cfg.RemoteBaseURL, remote.Options{
		Timeout: cfg.RequestTimeout(),
		Token:   configToken(cfg),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "sync: %v\n", err)
		return 1
	}

	replayer := replay.New(replay.Options{Queue: q, Remote: store})
	n, err := replayer.ReplayOnce(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sync: replayed %d, then failed: %v\n", n, err)
		return 1
	}
	fmt.Printf("replayed %d entries, %d still pending\n", n, q.PendingLen())
	return 0
}
