// Package worker holds the background loops run alongside the store.
package worker

import (
	"context"
	"log/slog"
	"time"
)

// FlushStore defines the store operations needed by the flush worker.
type FlushStore interface {
	Flush(ctx context.Context) error
	PruneResponses(ctx context.Context, before time.Time) (int64, error)
}

// AfterFlushFunc runs after each successful flush, with the durable image
// up to date.
type AfterFlushFunc func(ctx context.Context) error

// FlushWorker periodically prunes stale cached responses and writes the
// in-memory image to its durable file.
type FlushWorker struct {
	store      FlushStore
	interval   time.Duration
	maxAge     time.Duration
	afterFlush AfterFlushFunc
	now        func() time.Time
}

// NewFlushWorker creates a worker with the given store and interval.
// Cached responses not read within maxAge are pruned before each flush;
// a zero maxAge keeps them forever.
func NewFlushWorker(store FlushStore, interval, maxAge time.Duration) *FlushWorker {
	return &FlushWorker{
		store:    store,
		interval: interval,
		maxAge:   maxAge,
		now:      time.Now,
	}
}

// SetAfterFlush registers fn to run after every successful flush. A failing
// fn is logged and does not stop the worker.
func (w *FlushWorker) SetAfterFlush(fn AfterFlushFunc) {
	w.afterFlush = fn
}

// Run starts the worker loop. Blocks until ctx is cancelled.
// Does NOT flush on start: a freshly loaded image has nothing to write.
func (w *FlushWorker) Run(ctx context.Context) {
	slog.Info("worker started",
		"component", "worker",
		"worker", "flush",
		"interval", w.interval.String(),
		"cache_max_age", w.maxAge.String(),
	)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped",
				"component", "worker",
				"worker", "flush",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// RunOnce executes a single prune and flush cycle.
func (w *FlushWorker) RunOnce(ctx context.Context) {
	start := w.now()

	if w.maxAge > 0 {
		pruned, err := w.store.PruneResponses(ctx, start.Add(-w.maxAge))
		switch {
		case err != nil && ctx.Err() != nil:
			return
		case err != nil:
			slog.Warn("cache prune failed",
				"component", "worker",
				"action", "prune_failed",
				"error", err,
			)
		case pruned > 0:
			slog.Info("stale responses pruned",
				"component", "worker",
				"action", "prune_complete",
				"pruned", pruned,
			)
		}
	}

	if err := w.store.Flush(ctx); err != nil {
		// Check for graceful shutdown
		if ctx.Err() != nil {
			return
		}
		slog.Warn("flush failed",
			"component", "worker",
			"action", "flush_failed",
			"error", err,
		)
		return
	}

	if w.afterFlush != nil {
		if err := w.afterFlush(ctx); err != nil && ctx.Err() == nil {
			slog.Warn("after-flush hook failed",
				"component", "worker",
				"action", "after_flush_failed",
				"error", err,
			)
		}
	}

	slog.Debug("flush cycle completed",
		"component", "worker",
		"action", "flush_complete",
		"duration_ms", time.Since(start).Milliseconds(),
	)
}
