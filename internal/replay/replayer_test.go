package replay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hyperengineering/liftlog/internal/notify"
	"github.com/hyperengineering/liftlog/internal/store"
	"github.com/hyperengineering/liftlog/internal/transport"
)

// mockSender records calls and fails according to its fields.
type mockSender struct {
	mu    sync.Mutex
	calls []transport.Request

	// callErr, when set, decides the outcome per call.
	callErr func(req transport.Request) error
	// gate, when non-nil, blocks each call until it is closed.
	gate chan struct{}

	pings     int
	pingErrs  int // number of leading pings that fail
	inPing    int
	maxInPing int
}

func (m *mockSender) Call(ctx context.Context, req transport.Request) (json.RawMessage, error) {
	if m.gate != nil {
		select {
		case <-m.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	m.mu.Lock()
	m.calls = append(m.calls, req)
	fn := m.callErr
	m.mu.Unlock()

	if fn != nil {
		if err := fn(req); err != nil {
			return nil, err
		}
	}
	return json.RawMessage(`{}`), nil
}

func (m *mockSender) Ping(ctx context.Context) error {
	m.mu.Lock()
	m.pings++
	n := m.pings
	m.inPing++
	if m.inPing > m.maxInPing {
		m.maxInPing = m.inPing
	}
	m.mu.Unlock()

	time.Sleep(time.Millisecond)

	m.mu.Lock()
	m.inPing--
	m.mu.Unlock()

	if n <= m.pingErrs {
		return fmt.Errorf("ping: %w", transport.ErrNetworkUnavailable)
	}
	return nil
}

func (m *mockSender) Calls() []transport.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]transport.Request(nil), m.calls...)
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestReplayer(t *testing.T, s *store.Store, sender *mockSender) (*Replayer, *notify.Hub) {
	t.Helper()
	hub := notify.NewHub()
	r := New(s, sender, hub, Config{HeartbeatInterval: 10 * time.Millisecond})
	t.Cleanup(func() {
		r.Close()
		hub.Close()
	})
	return r, hub
}

func enqueue(t *testing.T, s *store.Store, action string, params string) store.QueuedMutation {
	t.Helper()
	res, err := s.QueueMutation(context.Background(), "", store.MutationPayload{
		Controller: "edit",
		Action:     action,
		Params:     json.RawMessage(params),
		Token:      "tok-" + action,
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	return res.Mutation
}

func TestReplay_DeliversInOrderAndNotifiesOnce(t *testing.T) {
	s := newTestStore(t)
	sender := &mockSender{}
	r, hub := newTestReplayer(t, s, sender)

	events, unsub := hub.Subscribe(4)
	defer unsub()

	for i := 1; i <= 3; i++ {
		enqueue(t, s, fmt.Sprintf("a%d", i), fmt.Sprintf(`{"n":%d}`, i))
	}

	res, err := r.Replay(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Attempted != 3 || res.Delivered != 3 {
		t.Errorf("Expected 3 attempted and delivered, got %+v", res)
	}

	calls := sender.Calls()
	if len(calls) != 3 {
		t.Fatalf("Expected 3 calls, got %d", len(calls))
	}
	for i, c := range calls {
		if want := fmt.Sprintf("a%d", i+1); c.Action != want {
			t.Errorf("call %d: expected %s, got %s", i, want, c.Action)
		}
		if c.Token != "tok-"+c.Action {
			t.Errorf("call %d: expected stored token to be sent, got %q", i, c.Token)
		}
	}

	rows, err := s.ListMutations(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 0 {
		t.Errorf("Expected empty queue, got %d rows", len(rows))
	}

	select {
	case e := <-events:
		if e.Kind != notify.DataChanged || e.Delivered != 3 {
			t.Errorf("Unexpected event %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("Expected DataChanged event")
	}
	select {
	case e := <-events:
		t.Errorf("Expected exactly one event, got another %+v", e)
	default:
	}
}

func TestReplay_EmptyQueuePublishesNothing(t *testing.T) {
	s := newTestStore(t)
	r, hub := newTestReplayer(t, s, &mockSender{})

	events, unsub := hub.Subscribe(1)
	defer unsub()

	res, err := r.Replay(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Attempted != 0 {
		t.Errorf("Expected no attempts, got %+v", res)
	}

	select {
	case e := <-events:
		t.Errorf("Expected no event, got %+v", e)
	default:
	}
}

func TestReplay_ConcurrentTriggersShareOnePass(t *testing.T) {
	s := newTestStore(t)
	sender := &mockSender{gate: make(chan struct{})}
	r, _ := newTestReplayer(t, s, sender)

	for i := 0; i < 4; i++ {
		enqueue(t, s, fmt.Sprintf("a%d", i), `{}`)
	}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Replay(context.Background()); err != nil {
				t.Errorf("Replay: %v", err)
			}
		}()
	}

	time.Sleep(20 * time.Millisecond)
	close(sender.gate)
	wg.Wait()

	if got := len(sender.Calls()); got != 4 {
		t.Errorf("Expected exactly 4 network calls, got %d", got)
	}
}

func TestReplay_RejectedRowIsAbandonedAfterTwoFailures(t *testing.T) {
	s := newTestStore(t)
	sender := &mockSender{
		callErr: func(req transport.Request) error {
			if req.Action == "bad" {
				return &transport.ServerRejectedError{Controller: req.Controller, Action: req.Action}
			}
			return nil
		},
	}
	r, hub := newTestReplayer(t, s, sender)

	events, unsub := hub.Subscribe(8)
	defer unsub()

	bad := enqueue(t, s, "bad", `{}`)
	enqueue(t, s, "good", `{}`)

	res, err := r.Replay(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Failed != 1 || res.Delivered != 1 || res.Interrupted {
		t.Errorf("Expected rejection to skip to the next row, got %+v", res)
	}

	m, err := s.FindMutation(context.Background(), bad.CorrelationID)
	if err != nil {
		t.Fatalf("Expected rejected row to remain after first failure: %v", err)
	}
	if m.Failed != store.StateFailedOnce {
		t.Errorf("Expected failed-once, got %s", m.Failed)
	}

	res, err = r.Replay(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Abandoned != 1 {
		t.Errorf("Expected 1 abandoned row, got %+v", res)
	}
	if _, err := s.FindMutation(context.Background(), bad.CorrelationID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Expected abandoned row to be deleted, got %v", err)
	}

	var sawAbandoned bool
	for len(events) > 0 {
		e := <-events
		if e.Kind == notify.Abandoned {
			sawAbandoned = true
			if e.Mutation == nil || e.Mutation.RequestID != bad.RequestID {
				t.Errorf("Unexpected abandoned mutation %+v", e.Mutation)
			}
		}
	}
	if !sawAbandoned {
		t.Error("Expected an Abandoned event")
	}

	// Never retried again.
	before := len(sender.Calls())
	if _, err := r.Replay(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := len(sender.Calls()); got != before {
		t.Errorf("Expected no further calls, got %d new", got-before)
	}
}

func TestReplay_NetworkFailureInterruptsPass(t *testing.T) {
	s := newTestStore(t)
	sender := &mockSender{
		callErr: func(transport.Request) error {
			return fmt.Errorf("dial: %w", transport.ErrNetworkUnavailable)
		},
		pingErrs: 1000,
	}
	r, _ := newTestReplayer(t, s, sender)

	first := enqueue(t, s, "a1", `{}`)
	second := enqueue(t, s, "a2", `{}`)

	res, err := r.Replay(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !res.Interrupted || res.Attempted != 1 {
		t.Errorf("Expected pass to stop after first row, got %+v", res)
	}

	m1, err := s.FindMutation(context.Background(), first.CorrelationID)
	if err != nil || m1.Failed != store.StateFailedOnce {
		t.Errorf("Expected first row failed-once, got %+v err=%v", m1, err)
	}
	m2, err := s.FindMutation(context.Background(), second.CorrelationID)
	if err != nil || m2.Failed != store.StatePending {
		t.Errorf("Expected second row untouched, got %+v err=%v", m2, err)
	}

	if !r.HeartbeatRunning() {
		t.Error("Expected heartbeat to be restarted")
	}
}

func TestHeartbeat_ReplaysWhenPingSucceeds(t *testing.T) {
	s := newTestStore(t)
	sender := &mockSender{pingErrs: 2}
	r, hub := newTestReplayer(t, s, sender)

	events, unsub := hub.Subscribe(4)
	defer unsub()

	enqueue(t, s, "changeresults", `{"id":5,"reps":4}`)

	r.StartHeartbeat()

	select {
	case e := <-events:
		if e.Kind != notify.DataChanged || e.Delivered != 1 {
			t.Errorf("Unexpected event %+v", e)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Expected DataChanged after heartbeat success")
	}

	rows, err := s.ListMutations(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 0 {
		t.Errorf("Expected empty queue, got %d", len(rows))
	}

	deadline := time.Now().Add(time.Second)
	for r.HeartbeatRunning() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if r.HeartbeatRunning() {
		t.Error("Expected heartbeat to stop after success")
	}

	sender.mu.Lock()
	pings := sender.pings
	sender.mu.Unlock()
	if pings != 3 {
		t.Errorf("Expected 3 pings, got %d", pings)
	}
}

func TestHeartbeat_StartIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	sender := &mockSender{pingErrs: 5}
	r, _ := newTestReplayer(t, s, sender)

	for i := 0; i < 10; i++ {
		r.StartHeartbeat()
	}

	deadline := time.Now().Add(2 * time.Second)
	for r.HeartbeatRunning() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	sender.mu.Lock()
	defer sender.mu.Unlock()
	if sender.maxInPing != 1 {
		t.Errorf("Expected a single heartbeat, saw %d concurrent pings", sender.maxInPing)
	}
	if sender.pings != 6 {
		t.Errorf("Expected 6 pings from one heartbeat, got %d", sender.pings)
	}
}

func TestHeartbeat_StopsOnClose(t *testing.T) {
	s := newTestStore(t)
	sender := &mockSender{pingErrs: 1 << 30}
	r := New(s, sender, nil, Config{HeartbeatInterval: 5 * time.Millisecond})

	r.StartHeartbeat()
	time.Sleep(20 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		r.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close did not stop the heartbeat")
	}

	r.StartHeartbeat()
	if r.HeartbeatRunning() {
		t.Error("Expected StartHeartbeat after Close to be a no-op")
	}
}

func TestHeartbeat_StartRacingClose(t *testing.T) {
	s := newTestStore(t)

	for i := 0; i < 50; i++ {
		r := New(s, &mockSender{pingErrs: 1 << 30}, nil, Config{HeartbeatInterval: time.Millisecond})

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.StartHeartbeat()
		}()
		go func() {
			defer wg.Done()
			r.Close()
		}()
		wg.Wait()

		if r.HeartbeatRunning() {
			t.Fatalf("iteration %d: heartbeat outlived Close", i)
		}
	}
}

func TestReplay_DeliversRowWithoutCorrelationID(t *testing.T) {
	s := newTestStore(t)
	sender := &mockSender{}
	r, _ := newTestReplayer(t, s, sender)
	ctx := context.Background()

	// Rows written through the raw query surface carry no duplicate_id.
	if _, err := s.Query(ctx, `INSERT INTO requests (request) VALUES (?)`,
		`{"controller":"edit","action":"changeresults","params":{"id":4,"reps":8}}`); err != nil {
		t.Fatal(err)
	}
	enqueue(t, s, "a1", `{}`)

	res, err := r.Replay(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Attempted != 2 || res.Delivered != 2 {
		t.Errorf("Expected both rows delivered, got %+v", res)
	}

	calls := sender.Calls()
	if len(calls) != 2 || calls[0].Action != "changeresults" {
		t.Fatalf("Expected the uncorrelated row delivered first, got %+v", calls)
	}
	if string(calls[0].Params) != `{"id":4,"reps":8}` {
		t.Errorf("Unexpected params %s", calls[0].Params)
	}

	n, err := s.CountMutations(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("Expected empty queue, got %d rows", n)
	}
}

func TestExclusive_BlocksDelivery(t *testing.T) {
	s := newTestStore(t)
	sender := &mockSender{}
	r, _ := newTestReplayer(t, s, sender)

	enqueue(t, s, "a1", `{}`)

	release := make(chan struct{})
	entered := make(chan struct{})
	go r.Exclusive(func() error {
		close(entered)
		<-release
		return nil
	})
	<-entered

	done := make(chan struct{})
	go func() {
		r.Replay(context.Background())
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	if got := len(sender.Calls()); got != 0 {
		t.Errorf("Expected no delivery while Exclusive holds, got %d calls", got)
	}

	close(release)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Replay did not finish after Exclusive released")
	}
	if got := len(sender.Calls()); got != 1 {
		t.Errorf("Expected 1 call after release, got %d", got)
	}
}

func TestReplay_LastPass(t *testing.T) {
	s := newTestStore(t)
	r, _ := newTestReplayer(t, s, &mockSender{})

	if res, _ := r.LastPass(); res != nil {
		t.Errorf("Expected no pass yet, got %+v", res)
	}

	enqueue(t, s, "a", `{}`)
	if _, err := r.Replay(context.Background()); err != nil {
		t.Fatal(err)
	}

	res, at := r.LastPass()
	if res == nil || res.Delivered != 1 {
		t.Errorf("Unexpected last pass %+v", res)
	}
	if at.IsZero() {
		t.Error("Expected last pass time")
	}
}
