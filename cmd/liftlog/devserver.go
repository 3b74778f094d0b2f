package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/liftlog/internal/devserver"
)

var devserverPort int

var devserverCmd = &cobra.Command{
	Use:   "devserver",
	Short: "Run the in-memory workout results API for local development",
	Args:  cobra.NoArgs,
	RunE:  runDevserver,
}

func init() {
	devserverCmd.Flags().IntVar(&devserverPort, "port", 0,
		"Listen port (default: devserver.port)")
}

func runDevserver(cmd *cobra.Command, args []string) error {
	// 1. Signal handling
	ctx, cancel := signal.NotifyContext(cmd.Context(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	port := devserverPort
	if port == 0 {
		port = cfg.DevServer.Port
	}

	// 2. Initialize HTTP router
	server := devserver.New(devserver.Config{APIKey: cfg.API.Key})

	// 3. Configure HTTP server
	addr := fmt.Sprintf(":%d", port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// 4. Start HTTP server in goroutine
	go func() {
		slog.Info("server starting",
			"address", addr,
			"endpoint", devserver.APIPath,
		)
		// ErrServerClosed is the expected error when Shutdown() is called gracefully.
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel() // Trigger shutdown on server failure
		}
	}()

	// 5. Block until signal received
	<-ctx.Done()
	slog.Info("shutdown initiated")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}
