package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/hyperengineering/liftlog/internal/config"
	"github.com/hyperengineering/liftlog/pkg/liftlog"
)

// Version is set at build time via ldflags: -ldflags "-X main.Version=1.0.0"
var Version = "dev"

var (
	configPath    string
	storeOverride string
	urlOverride   string
	jsonOutput    bool

	cfg       *config.Config
	logCloser io.Closer
)

var rootCmd = &cobra.Command{
	Use:               "liftlog",
	Short:             "liftlog - offline-first workout data sync",
	Version:           Version,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
	PersistentPostRun: teardown,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"Config file (overrides LIFTLOG_CONFIG_PATH)")
	rootCmd.PersistentFlags().StringVar(&storeOverride, "store", "",
		"Store image path (overrides config and LIFTLOG_STORE_PATH)")
	rootCmd.PersistentFlags().StringVar(&urlOverride, "api-url", "",
		"Remote API URL (overrides config and LIFTLOG_API_URL)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false,
		"Output in JSON format")

	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(modifyCmd)
	rootCmd.AddCommand(uploadCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(cacheCmd)
	rootCmd.AddCommand(kvCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(devserverCmd)
	rootCmd.AddCommand(backupCmd)
}

// setup loads configuration and installs the logger before any command runs.
func setup(cmd *cobra.Command, args []string) error {
	var err error
	if configPath != "" {
		cfg, err = config.LoadFromFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if storeOverride != "" {
		cfg.Store.Path = storeOverride
	}
	if urlOverride != "" {
		cfg.API.URL = urlOverride
	}

	logCloser, err = setupLogger(cmd.ErrOrStderr(), cfg.Log)
	if err != nil {
		return err
	}
	slog.Debug("configuration loaded",
		"store", cfg.Store.Path,
		"api_url", cfg.API.URL,
	)
	return nil
}

func teardown(cmd *cobra.Command, args []string) {
	if logCloser != nil {
		logCloser.Close()
		logCloser = nil
	}
}

// setupLogger installs the default slog logger. Logs go to w unless a log
// file is configured, in which case they go through a rotating writer.
func setupLogger(w io.Writer, c config.LogConfig) (io.Closer, error) {
	var closer io.Closer
	if c.File != "" {
		rotating := &lumberjack.Logger{
			Filename:   c.File,
			MaxSize:    c.MaxSizeMB,
			MaxBackups: c.MaxBackups,
			MaxAge:     c.MaxAgeDays,
		}
		w = rotating
		closer = rotating
	}

	opts := &slog.HandlerOptions{Level: parseLogLevel(c.Level)}
	var handler slog.Handler
	switch strings.ToLower(c.Format) {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}
	slog.SetDefault(slog.New(handler))
	return closer, nil
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// openClient builds a client from the loaded configuration.
func openClient() (*liftlog.Client, error) {
	return liftlog.New(clientConfig())
}

func clientConfig() liftlog.Config {
	return liftlog.Config{
		StorePath:         cfg.Store.Path,
		APIURL:            cfg.API.URL,
		APIKey:            cfg.API.Key,
		Timeout:           cfg.API.Timeout.Std(),
		FlushInterval:     cfg.Store.FlushInterval.Std(),
		CacheMaxAge:       cfg.Store.CacheMaxAge.Std(),
		HeartbeatInterval: cfg.Sync.HeartbeatInterval.Std(),
		ReplayEveryReads:  cfg.Sync.ReplayEveryReads,
	}
}

// startWorker launches a background worker goroutine that respects context cancellation.
// Workers are tracked via WaitGroup for graceful shutdown.
func startWorker(ctx context.Context, wg *sync.WaitGroup, name string, fn func(ctx context.Context)) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("worker started", "worker", name)
		fn(ctx)
		slog.Info("worker stopped", "worker", name)
	}()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
