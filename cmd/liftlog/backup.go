package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/liftlog/internal/backup"
)

// newUploader is swapped in tests.
var newUploader = backup.NewUploader

var restoreForce bool

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Copy the store image to and from object storage",
}

var backupPushCmd = &cobra.Command{
	Use:   "push",
	Short: "Flush the store and upload its image",
	Args:  cobra.NoArgs,
	RunE:  runBackupPush,
}

var backupRestoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Replace the local store image with the uploaded one",
	Args:  cobra.NoArgs,
	RunE:  runBackupRestore,
}

var backupURLCmd = &cobra.Command{
	Use:   "url",
	Short: "Print a time-limited download URL for the uploaded image",
	Args:  cobra.NoArgs,
	RunE:  runBackupURL,
}

func init() {
	backupRestoreCmd.Flags().BoolVar(&restoreForce, "force", false,
		"Overwrite an existing local store image")

	backupCmd.AddCommand(backupPushCmd)
	backupCmd.AddCommand(backupRestoreCmd)
	backupCmd.AddCommand(backupURLCmd)
}

func configuredUploader() (backup.Uploader, error) {
	if cfg.Backup.Bucket == "" {
		return nil, backup.ErrNotConfigured
	}
	if cfg.Store.Path == "" {
		return nil, errors.New("backup needs a file-backed store (store.path is empty)")
	}
	return newUploader(cfg.Backup)
}

func runBackupPush(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	uploader, err := configuredUploader()
	if err != nil {
		return err
	}

	client, err := openClient()
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.Store().Flush(ctx); err != nil {
		return fmt.Errorf("flush store: %w", err)
	}

	if err := uploadImage(ctx, uploader); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Uploaded %s for device %s.\n", cfg.Store.Path, cfg.Backup.Device)
	return nil
}

// uploadImage uploads the flushed store image for the configured device.
func uploadImage(ctx context.Context, uploader backup.Uploader) error {
	start := time.Now()
	if err := uploader.Upload(ctx, cfg.Backup.Device, cfg.Store.Path); err != nil {
		return err
	}
	slog.Info("store image uploaded",
		"component", "backup",
		"action", "push",
		"device", cfg.Backup.Device,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// uploadOnChange returns a flush hook that uploads the image whenever the
// file on disk has been rewritten since the last upload.
func uploadOnChange(uploader backup.Uploader) func(ctx context.Context) error {
	var uploaded time.Time
	return func(ctx context.Context) error {
		info, err := os.Stat(cfg.Store.Path)
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		if info.ModTime().Equal(uploaded) {
			return nil
		}
		if err := uploadImage(ctx, uploader); err != nil {
			return err
		}
		uploaded = info.ModTime()
		return nil
	}
}

func runBackupRestore(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	uploader, err := configuredUploader()
	if err != nil {
		return err
	}

	path := cfg.Store.Path
	if _, err := os.Stat(path); err == nil && !restoreForce {
		return fmt.Errorf("%s exists; use --force to overwrite it", path)
	}

	tmp := path + ".restore"
	if err := uploader.Download(ctx, cfg.Backup.Device, tmp); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace store image: %w", err)
	}

	// Open once so migrations run on images written by older releases.
	client, err := openClient()
	if err != nil {
		return fmt.Errorf("open restored image: %w", err)
	}
	stats, err := client.Stats(ctx)
	closeErr := client.Close()
	if err != nil {
		return fmt.Errorf("stats: %w", err)
	}
	if closeErr != nil {
		return closeErr
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Restored device %s: %d pending writes, %d cached responses.\n",
		cfg.Backup.Device, stats.Store.PendingMutations, stats.Store.CachedResponses)
	return nil
}

func runBackupURL(cmd *cobra.Command, args []string) error {
	uploader, err := configuredUploader()
	if err != nil {
		return err
	}

	link, expiry, err := uploader.PresignedURL(context.Background(), cfg.Backup.Device)
	if err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"url":        link,
			"expires_at": expiry.UTC().Format(time.RFC3339),
		})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s\nExpires %s\n", link, expiry.UTC().Format(time.RFC3339))
	return nil
}
