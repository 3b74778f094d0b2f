// Package dispatch performs one remote call per logical operation and
// degrades on network failure: reads fall back to the response cache and
// writes are queued for replay.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/oklog/ulid/v2"

	"github.com/hyperengineering/liftlog/internal/replay"
	"github.com/hyperengineering/liftlog/internal/store"
	"github.com/hyperengineering/liftlog/internal/transport"
)

var (
	// ErrCacheMiss is returned when a read fails for network reasons and
	// nothing is cached under its key.
	ErrCacheMiss = errors.New("no cached response")

	ErrNetworkUnavailable = transport.ErrNetworkUnavailable
	ErrServerRejected     = transport.ErrServerRejected
)

// DefaultReplayEveryReads is used when Config.ReplayEveryReads is zero.
const DefaultReplayEveryReads = 10

// Transport is the remote API.
type Transport interface {
	Call(ctx context.Context, req transport.Request) (json.RawMessage, error)
	Upload(ctx context.Context, action string, file transport.File) (json.RawMessage, error)
}

// Store holds the response cache and the mutation queue.
type Store interface {
	UpsertResponse(ctx context.Context, r store.CachedResponse) error
	GetResponse(ctx context.Context, dataKey string) (*store.CachedResponse, error)
	QueueMutation(ctx context.Context, correlationID string, payload store.MutationPayload, fold store.FoldFunc) (*store.QueueResult, error)
	CountMutations(ctx context.Context) (int, error)
}

// Replayer drains the queue.
type Replayer interface {
	Replay(ctx context.Context) (*replay.Result, error)
	StartHeartbeat()
	Exclusive(fn func() error) error
}

// Config configures a Dispatcher.
type Config struct {
	// ReplayEveryReads triggers a replay pass after every Nth successful
	// read while the queue is non-empty. Negative disables it.
	ReplayEveryReads int
}

// QueueHandle identifies a queued write. CorrelationID can be passed to a
// later Modify to fold an edit or removal into the same row.
type QueueHandle struct {
	RequestID     int64  `json:"request_id"`
	CorrelationID string `json:"correlation_id"`
}

// ModifyResult is the outcome of Modify. Exactly one of Data, Queued or
// Cancelled is meaningful.
type ModifyResult struct {
	// Data is the server result when the call went through.
	Data json.RawMessage `json:"data,omitempty"`
	// Queued is set when the write was stored for replay.
	Queued *QueueHandle `json:"queued,omitempty"`
	// Merged is true when the write was folded into an existing queued row.
	Merged bool `json:"merged,omitempty"`
	// Cancelled is true when a removal cancelled a queued creation. Nothing
	// will reach the server.
	Cancelled bool `json:"cancelled,omitempty"`
}

// Dispatcher routes reads and writes.
type Dispatcher struct {
	store     Store
	transport Transport
	replayer  Replayer
	every     int64

	reads    atomic.Int64
	triggers sync.WaitGroup
}

// New creates a Dispatcher.
func New(s Store, t Transport, r Replayer, cfg Config) *Dispatcher {
	every := cfg.ReplayEveryReads
	if every == 0 {
		every = DefaultReplayEveryReads
	}

	return &Dispatcher{
		store:     s,
		transport: t,
		replayer:  r,
		every:     int64(every),
	}
}

// Get performs a read. With a cacheKey, a successful result is cached and a
// network failure returns the cached copy instead.
func (d *Dispatcher) Get(ctx context.Context, controller, action, cacheKey string, params json.RawMessage) (json.RawMessage, error) {
	data, err := d.transport.Call(ctx, transport.Request{
		Controller: controller,
		Action:     action,
		Params:     params,
	})
	if err == nil {
		if cacheKey != "" {
			if err := d.store.UpsertResponse(ctx, store.CachedResponse{
				DataKey:      cacheKey,
				Controller:   controller,
				Action:       action,
				RequestData:  params,
				ResponseData: data,
			}); err != nil {
				slog.Warn("failed to cache response",
					"component", "dispatch",
					"action", "cache_write",
					"data_key", cacheKey,
					"error", err,
				)
			}
		}
		d.countRead()
		return data, nil
	}

	if !errors.Is(err, transport.ErrNetworkUnavailable) || cacheKey == "" {
		return nil, err
	}

	cached, cacheErr := d.store.GetResponse(ctx, cacheKey)
	if errors.Is(cacheErr, store.ErrNotFound) {
		return nil, fmt.Errorf("%s/%s %q: %w", controller, action, cacheKey, ErrCacheMiss)
	}
	if cacheErr != nil {
		return nil, fmt.Errorf("read cache: %w", cacheErr)
	}

	slog.Debug("serving cached response",
		"component", "dispatch",
		"action", "cache_fallback",
		"data_key", cacheKey,
		"last_accessed", cached.LastAccessed,
	)

	return cached.ResponseData, nil
}

// Modify performs a write. A fresh idempotency token is attached to the call.
// On a network failure the write is queued, folded into the queued row named
// by correlationID, or cancels that row, and the heartbeat is started.
func (d *Dispatcher) Modify(ctx context.Context, controller, action string, params json.RawMessage, correlationID string) (*ModifyResult, error) {
	token := ulid.Make().String()

	data, err := d.transport.Call(ctx, transport.Request{
		Controller: controller,
		Action:     action,
		Params:     params,
		Token:      token,
	})
	if err == nil {
		return &ModifyResult{Data: data}, nil
	}
	if !errors.Is(err, transport.ErrNetworkUnavailable) {
		return nil, err
	}

	kind := KindOf(controller)
	payload := store.MutationPayload{
		Controller: controller,
		Action:     action,
		Params:     params,
		Token:      token,
	}

	var queued *store.QueueResult
	err = d.replayer.Exclusive(func() error {
		var err error
		queued, err = d.store.QueueMutation(ctx, correlationID, payload, foldFor(kind))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("queue mutation: %w", err)
	}

	d.replayer.StartHeartbeat()

	handle := &QueueHandle{
		RequestID:     queued.Mutation.RequestID,
		CorrelationID: queued.Mutation.CorrelationID,
	}

	switch {
	case queued.Appended:
		slog.Info("mutation queued",
			"component", "dispatch",
			"action", "enqueue",
			"request_id", handle.RequestID,
			"controller", controller,
		)
		return &ModifyResult{Queued: handle}, nil
	case queued.Action == store.FoldDelete:
		slog.Info("queued creation cancelled",
			"component", "dispatch",
			"action", "cancel",
			"request_id", handle.RequestID,
		)
		return &ModifyResult{Cancelled: true}, nil
	default:
		slog.Info("mutation folded into queued row",
			"component", "dispatch",
			"action", "merge",
			"request_id", handle.RequestID,
			"kind", kind.String(),
		)
		return &ModifyResult{Queued: handle, Merged: true}, nil
	}
}

// Upload sends a file. Uploads are never queued.
func (d *Dispatcher) Upload(ctx context.Context, action string, file transport.File) (json.RawMessage, error) {
	return d.transport.Upload(ctx, action, file)
}

// countRead triggers a background replay pass on every Nth successful read
// while the queue holds rows.
func (d *Dispatcher) countRead() {
	if d.every <= 0 {
		return
	}
	if d.reads.Add(1)%d.every != 0 {
		return
	}

	d.triggers.Add(1)
	go func() {
		defer d.triggers.Done()

		ctx := context.Background()
		n, err := d.store.CountMutations(ctx)
		if err != nil || n == 0 {
			return
		}

		slog.Debug("opportunistic replay",
			"component", "dispatch",
			"action", "replay_trigger",
			"queued", n,
		)
		if _, err := d.replayer.Replay(ctx); err != nil {
			slog.Warn("opportunistic replay failed",
				"component", "dispatch",
				"action", "replay_trigger",
				"error", err,
			)
		}
	}()
}

// Wait blocks until replays triggered by reads have finished.
func (d *Dispatcher) Wait() {
	d.triggers.Wait()
}
