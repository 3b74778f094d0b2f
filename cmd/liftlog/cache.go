package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var pruneOlderThan time.Duration

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and prune cached responses",
}

var cacheListCmd = &cobra.Command{
	Use:   "list",
	Short: "List cached responses, most recently used first",
	Args:  cobra.NoArgs,
	RunE:  runCacheList,
}

var cachePruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete cached responses not read recently",
	Args:  cobra.NoArgs,
	RunE:  runCachePrune,
}

func init() {
	cachePruneCmd.Flags().DurationVar(&pruneOlderThan, "older-than", 0,
		"Prune responses idle this long (default: store.cache_max_age)")

	cacheCmd.AddCommand(cacheListCmd)
	cacheCmd.AddCommand(cachePruneCmd)
}

func runCacheList(cmd *cobra.Command, args []string) error {
	client, err := openClient()
	if err != nil {
		return err
	}
	defer client.Close()

	responses, err := client.Store().ListResponses(context.Background())
	if err != nil {
		return fmt.Errorf("list cache: %w", err)
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"responses": responses,
			"total":     len(responses),
		})
	}

	if len(responses) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "Cache is empty.")
		return nil
	}

	now := time.Now()
	w := newTabWriter(cmd.OutOrStdout())
	fmt.Fprintln(w, "KEY\tCALL\tLAST USED\tSIZE")
	for _, r := range responses {
		fmt.Fprintf(w, "%s\t%s/%s\t%s\t%d\n",
			r.DataKey,
			r.Controller,
			r.Action,
			formatAge(r.LastAccessed, now),
			len(r.ResponseData),
		)
	}
	w.Flush()

	return nil
}

func runCachePrune(cmd *cobra.Command, args []string) error {
	age := pruneOlderThan
	if age <= 0 {
		age = cfg.Store.CacheMaxAge.Std()
	}
	if age <= 0 {
		return fmt.Errorf("no prune age: pass --older-than or set store.cache_max_age")
	}

	client, err := openClient()
	if err != nil {
		return err
	}
	defer client.Close()

	n, err := client.Store().PruneResponses(context.Background(), time.Now().Add(-age))
	if err != nil {
		return fmt.Errorf("prune cache: %w", err)
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{"pruned": n})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d cached responses.\n", n)
	return nil
}
