// Package liftlog is the offline-first data layer used by the app's views.
//
// A Client answers reads from the remote API and falls back to the last
// cached response when the network is gone, and accepts writes
// optimistically: a write that cannot reach the server is queued and replayed
// in order once connectivity returns.
package liftlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hyperengineering/liftlog/internal/dispatch"
	"github.com/hyperengineering/liftlog/internal/notify"
	"github.com/hyperengineering/liftlog/internal/replay"
	"github.com/hyperengineering/liftlog/internal/store"
	"github.com/hyperengineering/liftlog/internal/transport"
	"github.com/hyperengineering/liftlog/internal/worker"
)

// sessionKey is the kv entry holding the signed-in session token.
const sessionKey = "session"

// ErrClientClosed is returned by every operation after Close.
var ErrClientClosed = errors.New("client is closed")

// Client is the liftlog client
type Client struct {
	config     Config
	store      *store.Store
	transport  *transport.Client
	hub        *notify.Hub
	replayer   *replay.Replayer
	dispatcher *dispatch.Dispatcher
	flusher    *worker.FlushWorker

	mu      sync.RWMutex
	closed  bool
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New opens the local store and wires the client. Call Start to run the
// background flush and recover a queue left by a previous run.
func New(config Config) (*Client, error) {
	// Set defaults
	if config.FlushInterval <= 0 {
		config.FlushInterval = 30 * time.Second
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = replay.DefaultHeartbeatInterval
	}

	st, err := store.Open(config.StorePath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	c := &Client{
		config: config,
		store:  st,
		hub:    notify.NewHub(),
	}

	c.transport = transport.New(transport.Config{
		URL:        config.APIURL,
		APIKey:     config.APIKey,
		Timeout:    config.Timeout,
		Session:    c.currentSession,
		HTTPClient: config.HTTPClient,
	})
	c.replayer = replay.New(st, c.transport, c.hub, replay.Config{
		HeartbeatInterval: config.HeartbeatInterval,
	})
	c.dispatcher = dispatch.New(st, c.transport, c.replayer, dispatch.Config{
		ReplayEveryReads: config.ReplayEveryReads,
	})
	c.flusher = worker.NewFlushWorker(st, config.FlushInterval, config.CacheMaxAge)
	if config.AfterFlush != nil {
		c.flusher.SetAfterFlush(config.AfterFlush)
	}

	return c, nil
}

// Start runs the background flush worker and, when mutations survived from
// a previous run, starts the heartbeat so they are replayed once the remote
// answers. Calling Start more than once is a no-op.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClientClosed
	}
	if c.started {
		return nil
	}

	n, err := c.store.CountMutations(ctx)
	if err != nil {
		return fmt.Errorf("count queued mutations: %w", err)
	}

	workerCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.started = true

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.flusher.Run(workerCtx)
	}()

	if n > 0 {
		slog.Info("recovering queued mutations",
			"component", "client",
			"action", "recover",
			"queued", n,
		)
		c.replayer.StartHeartbeat()
	}

	return nil
}

// Close stops background work, flushes the store and releases it.
// Calling Close more than once is a no-op.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.wg.Wait()

	c.replayer.Close()
	c.dispatcher.Wait()
	c.hub.Close()

	return c.store.Close()
}

// Get performs a read. With a cacheKey, the result is cached and served
// back when the network is unavailable.
func (c *Client) Get(ctx context.Context, controller, action, cacheKey string, params any) (json.RawMessage, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}

	raw, err := encodeParams(params)
	if err != nil {
		return nil, err
	}
	return c.dispatcher.Get(ctx, controller, action, cacheKey, raw)
}

// Modify performs a write. When the network is unavailable the write is
// queued, folded into the queued row named by correlationID, or cancels it.
func (c *Client) Modify(ctx context.Context, controller, action string, params any, correlationID string) (*ModifyResult, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}

	raw, err := encodeParams(params)
	if err != nil {
		return nil, err
	}
	return c.dispatcher.Modify(ctx, controller, action, raw, correlationID)
}

// Upload sends a file. Uploads are never queued.
func (c *Client) Upload(ctx context.Context, action string, file File) (json.RawMessage, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	return c.dispatcher.Upload(ctx, action, file)
}

// Subscribe returns a stream of sync events and a func that ends it.
func (c *Client) Subscribe(buffer int) (<-chan Event, func()) {
	return c.hub.Subscribe(buffer)
}

// Replay drains the queue now instead of waiting for a trigger.
func (c *Client) Replay(ctx context.Context) (*ReplayResult, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	return c.replayer.Replay(ctx)
}

// SetSession stores the session token sent with every call. An empty token
// signs out.
func (c *Client) SetSession(ctx context.Context, token string) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	if token == "" {
		return c.store.Remove(ctx, sessionKey)
	}
	return c.store.Set(ctx, sessionKey, token)
}

// Session returns the stored session token, or "" when signed out.
func (c *Client) Session(ctx context.Context) (string, error) {
	if err := c.checkOpen(); err != nil {
		return "", err
	}

	var token string
	if _, err := c.store.GetJSON(ctx, sessionKey, &token); err != nil {
		return "", err
	}
	return token, nil
}

// Store exposes the local store for key/value and tabular access.
func (c *Client) Store() *store.Store {
	return c.store
}

// Stats returns local counts and the outcome of the last replay pass.
func (c *Client) Stats(ctx context.Context) (*Stats, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}

	st, err := c.store.Stats(ctx)
	if err != nil {
		return nil, err
	}

	stats := &Stats{
		Store:            *st,
		Subscribers:      c.hub.Subscribers(),
		HeartbeatRunning: c.replayer.HeartbeatRunning(),
	}
	if last, at := c.replayer.LastPass(); last != nil {
		stats.LastReplay = last
		stats.LastReplayAt = &at
	}
	return stats, nil
}

// Health checks the store and pings the remote.
func (c *Client) Health(ctx context.Context) *Health {
	h := &Health{}

	if err := c.checkOpen(); err != nil {
		h.StoreError = err.Error()
		h.RemoteError = err.Error()
		return h
	}

	if n, err := c.store.CountMutations(ctx); err != nil {
		h.StoreError = err.Error()
	} else {
		h.StoreOK = true
		h.QueuedMutations = n
	}

	if err := c.transport.Ping(ctx); err != nil {
		h.RemoteError = err.Error()
	} else {
		h.RemoteReachable = true
	}

	return h
}

func (c *Client) checkOpen() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClientClosed
	}
	return nil
}

// currentSession feeds the transport. A store error signs the call out
// rather than failing it.
func (c *Client) currentSession(ctx context.Context) string {
	var token string
	if _, err := c.store.GetJSON(ctx, sessionKey, &token); err != nil {
		return ""
	}
	return token
}

// encodeParams turns params into a JSON object. nil means no params.
func encodeParams(params any) (json.RawMessage, error) {
	switch p := params.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	case string:
		return json.RawMessage(p), nil
	}

	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode params: %w", err)
	}
	return raw, nil
}
