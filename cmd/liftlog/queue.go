package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and replay queued writes",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued writes in replay order",
	Args:  cobra.NoArgs,
	RunE:  runQueueList,
}

var queueReplayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Replay queued writes now",
	Args:  cobra.NoArgs,
	RunE:  runQueueReplay,
}

func init() {
	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueReplayCmd)
}

func runQueueList(cmd *cobra.Command, args []string) error {
	client, err := openClient()
	if err != nil {
		return err
	}
	defer client.Close()

	rows, err := client.Store().ListMutations(context.Background())
	if err != nil {
		return fmt.Errorf("list queue: %w", err)
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"mutations": rows,
			"total":     len(rows),
		})
	}

	if len(rows) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "Queue is empty.")
		return nil
	}

	w := newTabWriter(cmd.OutOrStdout())
	fmt.Fprintln(w, "REQUEST\tCORRELATION\tCALL\tSTATE\tPARAMS")
	for _, m := range rows {
		fmt.Fprintf(w, "%d\t%s\t%s/%s\t%s\t%s\n",
			m.RequestID,
			m.CorrelationID,
			m.Payload.Controller,
			m.Payload.Action,
			m.Failed,
			truncate(string(m.Payload.Params), 48),
		)
	}
	w.Flush()

	return nil
}

func runQueueReplay(cmd *cobra.Command, args []string) error {
	client, err := openClient()
	if err != nil {
		return err
	}
	defer client.Close()

	res, err := client.Replay(context.Background())
	if err != nil {
		return fmt.Errorf("replay: %w", err)
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), res)
	}

	fmt.Fprintf(cmd.OutOrStdout(),
		"Attempted %d, delivered %d, failed %d, abandoned %d in %s.\n",
		res.Attempted, res.Delivered, res.Failed, res.Abandoned,
		res.Duration.Round(time.Millisecond))
	if res.Interrupted {
		fmt.Fprintln(cmd.OutOrStdout(), "Remote unreachable: remaining writes stay queued.")
	}
	return nil
}
