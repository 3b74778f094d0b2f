package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/liftlog/pkg/liftlog"
)

var (
	getCacheKey       string
	modifyCorrelation string
	uploadFields      []string
)

var getCmd = &cobra.Command{
	Use:   "get <controller> <action> [params-json]",
	Short: "Perform a read, falling back to the cache when offline",
	Args:  cobra.RangeArgs(2, 3),
	RunE:  runGet,
}

var modifyCmd = &cobra.Command{
	Use:   "modify <controller> <action> [params-json]",
	Short: "Perform a write, queueing it when offline",
	Long: "Perform a write. When the remote is unreachable the write is queued and " +
		"replayed by `liftlog sync`. Pass --correlation with the id printed for an " +
		"earlier queued write to fold this one into it.",
	Args: cobra.RangeArgs(2, 3),
	RunE: runModify,
}

var uploadCmd = &cobra.Command{
	Use:   "upload <action> <file>",
	Short: "Upload a file (never queued)",
	Args:  cobra.ExactArgs(2),
	RunE:  runUpload,
}

func init() {
	getCmd.Flags().StringVar(&getCacheKey, "cache-key", "",
		"Cache the result under this key and serve it when offline")
	modifyCmd.Flags().StringVar(&modifyCorrelation, "correlation", "",
		"Correlation id of a queued write to merge into")
	uploadCmd.Flags().StringArrayVar(&uploadFields, "field", nil,
		"Extra form field as name=value (repeatable)")
}

func optionalArg(args []string, i int) string {
	if len(args) > i {
		return args[i]
	}
	return ""
}

func runGet(cmd *cobra.Command, args []string) error {
	params, err := parseParams(optionalArg(args, 2))
	if err != nil {
		return err
	}

	client, err := openClient()
	if err != nil {
		return err
	}
	defer client.Close()

	data, err := client.Get(context.Background(), args[0], args[1], getCacheKey, params)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), data)
}

func runModify(cmd *cobra.Command, args []string) error {
	params, err := parseParams(optionalArg(args, 2))
	if err != nil {
		return err
	}

	client, err := openClient()
	if err != nil {
		return err
	}
	defer client.Close()

	res, err := client.Modify(context.Background(), args[0], args[1], params, modifyCorrelation)
	if err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), res)
	}

	out := cmd.OutOrStdout()
	switch {
	case res.Cancelled:
		fmt.Fprintln(out, "Cancelled queued write. Nothing will be sent.")
	case res.Merged:
		fmt.Fprintf(out, "Merged into queued write %d (correlation %s).\n",
			res.Queued.RequestID, res.Queued.CorrelationID)
	case res.Queued != nil:
		fmt.Fprintf(out, "Offline: queued as request %d (correlation %s).\n",
			res.Queued.RequestID, res.Queued.CorrelationID)
	default:
		return printJSON(out, res.Data)
	}
	return nil
}

func runUpload(cmd *cobra.Command, args []string) error {
	fields := make(map[string]string, len(uploadFields))
	for _, f := range uploadFields {
		name, value, ok := strings.Cut(f, "=")
		if !ok || name == "" {
			return fmt.Errorf("invalid --field %q: want name=value", f)
		}
		fields[name] = value
	}

	f, err := os.Open(args[1])
	if err != nil {
		return fmt.Errorf("open upload: %w", err)
	}
	defer f.Close()

	client, err := openClient()
	if err != nil {
		return err
	}
	defer client.Close()

	data, err := client.Upload(context.Background(), args[0], liftlog.File{
		Name:    filepath.Base(args[1]),
		Content: f,
		Fields:  fields,
	})
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), data)
}
