package liftlog

import (
	"context"
	"net/http"
	"time"

	"github.com/hyperengineering/liftlog/internal/dispatch"
	"github.com/hyperengineering/liftlog/internal/notify"
	"github.com/hyperengineering/liftlog/internal/replay"
	"github.com/hyperengineering/liftlog/internal/store"
	"github.com/hyperengineering/liftlog/internal/transport"
)

// Config holds the client configuration
type Config struct {
	StorePath         string        // Durable image path; "" or ":memory:" keeps everything in memory
	APIURL            string        // Remote endpoint; "" behaves as permanently offline
	APIKey            string        // Sent as the key field of every call
	Timeout           time.Duration // HTTP timeout per call (default: 30s)
	FlushInterval     time.Duration // Background flush interval (default: 30s)
	CacheMaxAge       time.Duration // Prune cached responses idle this long (0 keeps them)
	HeartbeatInterval time.Duration // Ping interval while offline (default: 15s)
	ReplayEveryReads  int           // Replay after every Nth read (default: 10, negative disables)
	HTTPClient        *http.Client  // Overrides the default HTTP client

	// AfterFlush runs after each successful background flush, with the
	// durable image at StorePath up to date. Errors are logged.
	AfterFlush func(ctx context.Context) error
}

// Re-exported building blocks so callers never import internal packages.
type (
	Event               = notify.Event
	EventKind           = notify.Kind
	ModifyResult        = dispatch.ModifyResult
	QueueHandle         = dispatch.QueueHandle
	ReplayResult        = replay.Result
	File                = transport.File
	ServerRejectedError = transport.ServerRejectedError
	StoreStats          = store.Stats
	QueuedMutation      = store.QueuedMutation
	CachedResponse      = store.CachedResponse
)

const (
	DataChanged = notify.DataChanged
	Abandoned   = notify.Abandoned
)

var (
	ErrNetworkUnavailable = transport.ErrNetworkUnavailable
	ErrServerRejected     = transport.ErrServerRejected
	ErrCacheMiss          = dispatch.ErrCacheMiss
	ErrNotFound           = store.ErrNotFound
)

// Stats describes local state and sync activity.
type Stats struct {
	Store            StoreStats    `json:"store"`
	Subscribers      int           `json:"subscribers"`
	HeartbeatRunning bool          `json:"heartbeat_running"`
	LastReplay       *ReplayResult `json:"last_replay,omitempty"`
	LastReplayAt     *time.Time    `json:"last_replay_at,omitempty"`
}

// Health reports whether the store answers and the remote is reachable.
type Health struct {
	StoreOK         bool   `json:"store_ok"`
	StoreError      string `json:"store_error,omitempty"`
	RemoteReachable bool   `json:"remote_reachable"`
	RemoteError     string `json:"remote_error,omitempty"`
	QueuedMutations int    `json:"queued_mutations"`
}

// Healthy reports whether both checks passed.
func (h Health) Healthy() bool {
	return h.StoreOK && h.RemoteReachable
}
