// Package replay delivers queued mutations once connectivity returns.
//
// A Replayer owns two triggers: a heartbeat that pings the remote at a fixed
// interval after a write fails and runs one replay pass when the ping
// succeeds, and explicit Replay calls (the dispatcher issues one every Nth
// successful read). Passes never overlap; concurrent triggers join the pass
// already running.
package replay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/singleflight"

	"github.com/hyperengineering/liftlog/internal/notify"
	"github.com/hyperengineering/liftlog/internal/store"
	"github.com/hyperengineering/liftlog/internal/transport"
)

// DefaultHeartbeatInterval is used when Config.HeartbeatInterval is zero.
const DefaultHeartbeatInterval = 15 * time.Second

// Queue is the part of the store a Replayer drains.
type Queue interface {
	ListMutations(ctx context.Context) ([]store.QueuedMutation, error)
	GetMutation(ctx context.Context, requestID int64) (*store.QueuedMutation, error)
	DeleteMutation(ctx context.Context, requestID int64) error
	MarkMutationFailed(ctx context.Context, requestID int64) (store.FailureState, error)
}

// Sender delivers one mutation and checks connectivity.
type Sender interface {
	Call(ctx context.Context, req transport.Request) (json.RawMessage, error)
	Ping(ctx context.Context) error
}

// Publisher receives sync events.
type Publisher interface {
	Publish(e notify.Event)
}

// Config configures a Replayer.
type Config struct {
	HeartbeatInterval time.Duration
}

// Result summarizes one replay pass.
type Result struct {
	Attempted int `json:"attempted"`
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
	Abandoned int `json:"abandoned"`
	// Interrupted is true when the pass stopped early on a network failure.
	Interrupted bool          `json:"interrupted"`
	Duration    time.Duration `json:"duration"`
}

// Replayer runs replay passes and the heartbeat.
type Replayer struct {
	queue    Queue
	sender   Sender
	events   Publisher
	interval time.Duration

	group singleflight.Group

	// delivery is held while a row is being sent, and by Exclusive.
	delivery sync.Mutex

	hbMu      sync.Mutex
	hbRunning bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	lastMu   sync.Mutex
	lastPass *Result
	lastAt   time.Time
}

// New creates a Replayer. Close stops its heartbeat.
func New(queue Queue, sender Sender, events Publisher, cfg Config) *Replayer {
	interval := cfg.HeartbeatInterval
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Replayer{
		queue:    queue,
		sender:   sender,
		events:   events,
		interval: interval,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Exclusive runs fn while no row is in flight. The dispatcher queues through
// it so a merge never races the delivery of the row it folds into.
func (r *Replayer) Exclusive(fn func() error) error {
	r.delivery.Lock()
	defer r.delivery.Unlock()
	return fn()
}

// Replay runs one pass, or joins the pass already running, and waits for it.
// The pass itself is bound to the Replayer's lifetime, not to ctx: a caller
// that gives up does not abort delivery for everyone else.
func (r *Replayer) Replay(ctx context.Context) (*Result, error) {
	ch := r.group.DoChan("replay", func() (any, error) {
		return r.pass(r.ctx)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Result), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Replayer) pass(ctx context.Context) (*Result, error) {
	start := time.Now()
	res := &Result{}

	rows, err := r.queue.ListMutations(ctx)
	if err != nil {
		return nil, err
	}

	for _, row := range rows {
		stop, err := r.deliver(ctx, row, res)
		if err != nil {
			return nil, err
		}
		if stop {
			res.Interrupted = true
			break
		}
	}

	res.Duration = time.Since(start)
	r.recordPass(res)

	if res.Attempted > 0 {
		slog.Info("replay pass complete",
			"component", "replay",
			"action", "pass",
			"attempted", res.Attempted,
			"delivered", res.Delivered,
			"failed", res.Failed,
			"abandoned", res.Abandoned,
			"interrupted", res.Interrupted,
			"duration_ms", res.Duration.Milliseconds(),
		)
	}

	if res.Delivered > 0 && r.events != nil {
		r.events.Publish(notify.Event{Kind: notify.DataChanged, Delivered: res.Delivered})
	}

	if res.Interrupted {
		r.StartHeartbeat()
	}

	return res, nil
}

// deliver sends one row. It reports stop=true when the pass must end because
// the network is gone.
func (r *Replayer) deliver(ctx context.Context, listed store.QueuedMutation, res *Result) (bool, error) {
	r.delivery.Lock()
	defer r.delivery.Unlock()

	// The row may have been merged or cancelled since the pass listed it.
	row, err := r.queue.GetMutation(ctx, listed.RequestID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	res.Attempted++
	_, callErr := r.sender.Call(ctx, transport.Request{
		Controller: row.Payload.Controller,
		Action:     row.Payload.Action,
		Params:     row.Payload.Params,
		Token:      row.Payload.Token,
	})

	if callErr == nil {
		if err := r.queue.DeleteMutation(ctx, row.RequestID); err != nil && !errors.Is(err, store.ErrNotFound) {
			return false, err
		}
		res.Delivered++
		return false, nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return false, ctxErr
	}

	res.Failed++
	state, err := r.queue.MarkMutationFailed(ctx, row.RequestID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return false, err
	}

	slog.Warn("queued mutation delivery failed",
		"component", "replay",
		"action", "deliver",
		"request_id", row.RequestID,
		"controller", row.Payload.Controller,
		"state", state.String(),
		"error", callErr,
	)

	if state >= store.StateFailedTwice {
		res.Abandoned++
		r.abandon(*row, callErr)
	}

	return errors.Is(callErr, transport.ErrNetworkUnavailable), nil
}

func (r *Replayer) abandon(row store.QueuedMutation, cause error) {
	row.Failed = store.StateFailedTwice

	slog.Warn("queued mutation abandoned",
		"component", "replay",
		"action", "abandon",
		"request_id", row.RequestID,
		"correlation_id", row.CorrelationID,
		"controller", row.Payload.Controller,
		"error", cause,
	)

	if r.events != nil {
		r.events.Publish(notify.Event{
			Kind:     notify.Abandoned,
			Mutation: &row,
			Error:    cause.Error(),
		})
	}
}

// StartHeartbeat begins pinging the remote at the configured interval. When
// a ping succeeds the heartbeat stops and runs exactly one replay pass.
// Starting while a heartbeat is already running is a no-op.
func (r *Replayer) StartHeartbeat() {
	r.hbMu.Lock()
	defer r.hbMu.Unlock()

	if r.hbRunning || r.ctx.Err() != nil {
		return
	}
	r.hbRunning = true

	slog.Debug("heartbeat started",
		"component", "replay",
		"action", "heartbeat_start",
		"interval", r.interval.String(),
	)

	r.wg.Add(1)
	go r.heartbeat()
}

// HeartbeatRunning reports whether a heartbeat is active.
func (r *Replayer) HeartbeatRunning() bool {
	r.hbMu.Lock()
	defer r.hbMu.Unlock()
	return r.hbRunning
}

func (r *Replayer) heartbeat() {
	defer r.wg.Done()

	stop := func() {
		r.hbMu.Lock()
		r.hbRunning = false
		r.hbMu.Unlock()
	}

	timer := time.NewTimer(r.interval)
	select {
	case <-r.ctx.Done():
		timer.Stop()
		stop()
		return
	case <-timer.C:
	}

	err := retry.Do(r.ctx, retry.NewConstant(r.interval), func(ctx context.Context) error {
		if err := r.sender.Ping(ctx); err != nil {
			slog.Debug("heartbeat ping failed",
				"component", "replay",
				"action", "heartbeat",
				"error", err,
			)
			return retry.RetryableError(err)
		}
		return nil
	})

	// Cleared before the pass so a pass interrupted by the network can
	// start a fresh heartbeat.
	stop()

	if err != nil {
		return
	}

	slog.Info("connectivity restored",
		"component", "replay",
		"action", "heartbeat_success",
	)

	if _, err := r.Replay(r.ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("replay after heartbeat failed",
			"component", "replay",
			"action", "pass",
			"error", err,
		)
	}
}

func (r *Replayer) recordPass(res *Result) {
	r.lastMu.Lock()
	defer r.lastMu.Unlock()
	copied := *res
	r.lastPass = &copied
	r.lastAt = time.Now().UTC()
}

// LastPass returns the most recent pass result and when it finished, or nil.
func (r *Replayer) LastPass() (*Result, time.Time) {
	r.lastMu.Lock()
	defer r.lastMu.Unlock()
	if r.lastPass == nil {
		return nil, time.Time{}
	}
	copied := *r.lastPass
	return &copied, r.lastAt
}

// Close stops the heartbeat and waits for it to exit. A pass in progress is
// cancelled.
func (r *Replayer) Close() {
	// Cancelled under hbMu so StartHeartbeat either sees the cancellation or
	// has already added its goroutine to wg.
	r.hbMu.Lock()
	r.cancel()
	r.hbMu.Unlock()

	r.wg.Wait()
}
