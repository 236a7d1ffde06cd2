package main

import (
	"context"
	"fmt"
	"os"

	"github.com/basket/taskos/internal/config"
	"github.com/basket/taskos/internal/store"
)

func runStatusCommand(ctx context.Context, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: taskos status")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	st, err := store.Open(cfg.DBPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		return 1
	}
	defer st.Close()

	counts, err := st.StatusCounts(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "status counts: %v\n", err)
		return 1
	}
	total, err := st.TotalEventCount(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "event count: %v\n", err)
		return 1
	}

	fmt.Printf("taskos %s (%s)\n", Version, cfg.Fingerprint())
	fmt.Printf("home: %s\n", cfg.HomeDir)
	order := []store.Status{
		store.StatusPending, store.StatusPlanning, store.StatusAwaitingApproval,
		store.StatusExecuting, store.StatusPaused, store.StatusSucceeded, store.StatusFailed,
	}
	for _, status := range order {
		if n := counts[status]; n > 0 {
			fmt.Printf("  %-18s %d\n", status, n)
		}
	}
	fmt.Printf("audit events: %d\n", total)
	return 0
}
