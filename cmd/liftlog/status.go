package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show local store counts and remote reachability",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	client, err := openClient()
	if err != nil {
		return err
	}
	defer client.Close()

	stats, err := client.Stats(ctx)
	if err != nil {
		return fmt.Errorf("stats: %w", err)
	}
	health := client.Health(ctx)

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"version": Version,
			"stats":   stats,
			"health":  health,
		})
	}

	remote := "reachable"
	if !health.RemoteReachable {
		remote = "unreachable"
	}
	store := stats.Store.Path
	if store == "" {
		store = "(memory)"
	}
	lastFlush := "never"
	if stats.Store.LastFlush != nil {
		lastFlush = formatAge(*stats.Store.LastFlush, time.Now())
	}

	w := newTabWriter(cmd.OutOrStdout())
	fmt.Fprintf(w, "Store:\t%s\n", store)
	fmt.Fprintf(w, "Remote:\t%s (%s)\n", cfg.API.URL, remote)
	fmt.Fprintf(w, "Pending writes:\t%d\n", stats.Store.PendingMutations)
	fmt.Fprintf(w, "Failed once:\t%d\n", stats.Store.FailedMutations)
	fmt.Fprintf(w, "Cached responses:\t%d\n", stats.Store.CachedResponses)
	fmt.Fprintf(w, "Keys:\t%d\n", stats.Store.KVEntries)
	fmt.Fprintf(w, "Last flush:\t%s\n", lastFlush)
	w.Flush()

	return nil
}
