package e2e

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/hyperengineering/liftlog/internal/devserver"
	"github.com/hyperengineering/liftlog/pkg/liftlog"
)

const testAPIKey = "e2e-test-api-key"

// remote is an in-process results API.
type remote struct {
	*devserver.Server
	url string
}

func startRemote(t *testing.T) *remote {
	t.Helper()
	s := devserver.New(devserver.Config{APIKey: testAPIKey})
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &remote{Server: s, url: srv.URL + devserver.APIPath}
}

// device is one install of the app: a client over a store image on disk.
type device struct {
	path   string
	remote *remote
	client *liftlog.Client
}

func newDevice(t *testing.T, r *remote) *device {
	t.Helper()
	d := &device{
		path:   filepath.Join(t.TempDir(), "liftlog.db"),
		remote: r,
	}
	d.open(t)
	return d
}

func (d *device) open(t *testing.T) {
	t.Helper()
	c, err := liftlog.New(liftlog.Config{
		StorePath:         d.path,
		APIURL:            d.remote.url,
		APIKey:            testAPIKey,
		Timeout:           2 * time.Second,
		FlushInterval:     50 * time.Millisecond,
		HeartbeatInterval: 25 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("open client: %v", err)
	}
	if err := c.Start(context.Background()); err != nil {
		c.Close()
		t.Fatalf("start client: %v", err)
	}
	d.client = c
	t.Cleanup(func() { d.client.Close() })
}

// restart closes the client, which flushes the image, and opens a new one
// over the same file.
func (d *device) restart(t *testing.T) {
	t.Helper()
	if err := d.client.Close(); err != nil {
		t.Fatalf("close client: %v", err)
	}
	d.open(t)
}

func (d *device) queued(t *testing.T) []liftlog.QueuedMutation {
	t.Helper()
	rows, err := d.client.Store().ListMutations(context.Background())
	if err != nil {
		t.Fatalf("list mutations: %v", err)
	}
	return rows
}

func waitFor(t *testing.T, events <-chan liftlog.Event, kind liftlog.EventKind) liftlog.Event {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case e, ok := <-events:
			if !ok {
				t.Fatalf("event stream closed while waiting for %s", kind)
			}
			if e.Kind == kind {
				return e
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", kind)
		}
	}
}

// noMore fails if another event of kind arrives within d.
func noMore(t *testing.T, events <-chan liftlog.Event, kind liftlog.EventKind, d time.Duration) {
	t.Helper()
	deadline := time.After(d)
	for {
		select {
		case e, ok := <-events:
			if !ok {
				return
			}
			if e.Kind == kind {
				t.Errorf("unexpected extra %s event: %+v", kind, e)
			}
		case <-deadline:
			return
		}
	}
}

func recordID(t *testing.T, data json.RawMessage) string {
	t.Helper()
	var rec struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &rec); err != nil || rec.ID == "" {
		t.Fatalf("expected a record with an id, got %s", data)
	}
	return rec.ID
}
