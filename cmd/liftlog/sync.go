package main

import (
	"context"
	"log/slog"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/liftlog/pkg/liftlog"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run the flush worker and replay queued writes until interrupted",
	Args:  cobra.NoArgs,
	RunE:  runSync,
}

func runSync(cmd *cobra.Command, args []string) error {
	// 1. Signal handling
	ctx, cancel := signal.NotifyContext(cmd.Context(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	return syncUntilDone(ctx)
}

// syncUntilDone runs the client until ctx ends, logging every sync event.
func syncUntilDone(ctx context.Context) error {
	// 2. Open client (loads the durable image), uploading it after every
	// flush when backup is configured
	conf := clientConfig()
	if cfg.Backup.Bucket != "" {
		uploader, err := configuredUploader()
		if err != nil {
			return err
		}
		conf.AfterFlush = uploadOnChange(uploader)
	}

	client, err := liftlog.New(conf)
	if err != nil {
		return err
	}
	slog.Info("client initialized",
		"store", cfg.Store.Path,
		"api_url", cfg.API.URL,
		"backup", conf.AfterFlush != nil,
	)

	events, unsubscribe := client.Subscribe(0)

	// 3. Worker lifecycle infrastructure
	var wg sync.WaitGroup
	startWorker(ctx, &wg, "event-log", func(ctx context.Context) {
		logEvents(ctx, events)
	})

	// 4. Start flush worker and recover queued writes
	if err := client.Start(ctx); err != nil {
		unsubscribe()
		wg.Wait()
		client.Close()
		return err
	}

	// 5. Block until signal received
	<-ctx.Done()
	slog.Info("shutdown initiated")

	// 6. Graceful shutdown sequence
	unsubscribe()
	wg.Wait()

	if err := client.Close(); err != nil {
		slog.Error("client close error", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}

func logEvents(ctx context.Context, events <-chan liftlog.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			switch e.Kind {
			case liftlog.DataChanged:
				slog.Info("queued writes delivered",
					"component", "sync",
					"action", "data_changed",
					"delivered", e.Delivered,
				)
			case liftlog.Abandoned:
				attrs := []any{
					"component", "sync",
					"action", "abandoned",
					"error", e.Error,
				}
				if e.Mutation != nil {
					attrs = append(attrs,
						"request_id", e.Mutation.RequestID,
						"controller", e.Mutation.Payload.Controller,
						"call_action", e.Mutation.Payload.Action,
					)
				}
				slog.Warn("queued write abandoned", attrs...)
			}
		}
	}
}
