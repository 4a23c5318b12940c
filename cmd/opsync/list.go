package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/basket/opsync/internal/config"
	"github.com/basket/opsync/internal/remote"
)

// runListCommand fetches and prints the task collection.
func runListCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	all := fs.Bool("all", false, "include completed tasks")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "list: load config: %v\n", err)
		return 1
	}

	store, err := remote.NewClient(cfg.RemoteBaseURL, remote.Options{
		Timeout: cfg.RequestTimeout(),
		Token:   configToken(cfg),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "list: %v\n", err)
		return 1
	}

	tasks, err := store.List(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "list: fetch: %v\n", err)
		return 1
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tDONE\tTITLE")
	shown := 0
	for _, t := range tasks {
		if t.Completed && !*all {
			continue
		}
		done := " "
		if t.Completed {
			done = "x"
		}
		fmt.Fprintf(w, "%s\t[%s]\t%s\n", t.ID, done, t.Title)
		shown++
	}
	_ = w.Flush()
	fmt.Printf("%d of %d tasks\n", shown, len(tasks))
	return 0
}
