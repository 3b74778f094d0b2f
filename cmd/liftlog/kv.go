package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var clearForce bool

var kvCmd = &cobra.Command{
	Use:   "kv",
	Short: "Read and write the local key/value space",
}

var kvGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print the value stored under key",
	Args:  cobra.ExactArgs(1),
	RunE:  runKVGet,
}

var kvSetCmd = &cobra.Command{
	Use:   "set <key> <json-value>",
	Short: "Store a JSON value under key",
	Args:  cobra.ExactArgs(2),
	RunE:  runKVSet,
}

var kvRmCmd = &cobra.Command{
	Use:   "rm <key>",
	Short: "Remove key",
	Args:  cobra.ExactArgs(1),
	RunE:  runKVRm,
}

var kvListCmd = &cobra.Command{
	Use:   "list",
	Short: "List keys",
	Args:  cobra.NoArgs,
	RunE:  runKVList,
}

var kvClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Wipe keys, cached responses and queued writes",
	Long:  "Wipe the whole local store: key/value entries, cached responses and queued writes. Requires --force or interactive confirmation.",
	Args:  cobra.NoArgs,
	RunE:  runKVClear,
}

func init() {
	kvClearCmd.Flags().BoolVar(&clearForce, "force", false,
		"Skip confirmation prompt")

	kvCmd.AddCommand(kvGetCmd)
	kvCmd.AddCommand(kvSetCmd)
	kvCmd.AddCommand(kvRmCmd)
	kvCmd.AddCommand(kvListCmd)
	kvCmd.AddCommand(kvClearCmd)
}

func runKVGet(cmd *cobra.Command, args []string) error {
	client, err := openClient()
	if err != nil {
		return err
	}
	defer client.Close()

	value, err := client.Store().Get(context.Background(), args[0])
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), value)
}

func runKVSet(cmd *cobra.Command, args []string) error {
	value := json.RawMessage(args[1])
	if !json.Valid(value) {
		return fmt.Errorf("value for %q is not valid JSON", args[0])
	}

	client, err := openClient()
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.Store().Set(context.Background(), args[0], value); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Set %q.\n", args[0])
	return nil
}

func runKVRm(cmd *cobra.Command, args []string) error {
	client, err := openClient()
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.Store().Remove(context.Background(), args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed %q.\n", args[0])
	return nil
}

func runKVList(cmd *cobra.Command, args []string) error {
	client, err := openClient()
	if err != nil {
		return err
	}
	defer client.Close()

	keys, err := client.Store().Keys(context.Background())
	if err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{"keys": keys, "total": len(keys)})
	}
	for _, k := range keys {
		fmt.Fprintln(cmd.OutOrStdout(), k)
	}
	return nil
}

func runKVClear(cmd *cobra.Command, args []string) error {
	// Interactive confirmation unless --force
	if !clearForce {
		errOut := cmd.ErrOrStderr()
		fmt.Fprintln(errOut, "WARNING: This will wipe every key, cached response and queued write.")
		fmt.Fprint(errOut, "Type 'clear' to confirm: ")

		reader := bufio.NewReader(cmd.InOrStdin())
		input, err := reader.ReadString('\n')
		if err != nil {
			return fmt.Errorf("failed to read confirmation: %w", err)
		}

		if strings.TrimSpace(input) != "clear" {
			fmt.Fprintln(errOut, "Aborted.")
			return nil
		}
	}

	client, err := openClient()
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.Store().Clear(context.Background()); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Local store cleared.")
	return nil
}
