package notify

import (
	"testing"
	"time"

	"github.com/hyperengineering/liftlog/internal/store"
)

func TestHub_PublishReachesAllSubscribers(t *testing.T) {
	h := NewHub()
	defer h.Close()

	a, unsubA := h.Subscribe(1)
	defer unsubA()
	b, unsubB := h.Subscribe(1)
	defer unsubB()

	h.Publish(Event{Kind: DataChanged, Delivered: 2})

	for name, ch := range map[string]<-chan Event{"a": a, "b": b} {
		select {
		case e := <-ch:
			if e.Kind != DataChanged || e.Delivered != 2 {
				t.Errorf("%s: unexpected event %+v", name, e)
			}
			if e.At.IsZero() {
				t.Errorf("%s: expected At to be stamped", name)
			}
		case <-time.After(time.Second):
			t.Errorf("%s: no event received", name)
		}
	}
}

func TestHub_UnsubscribeClosesChannel(t *testing.T) {
	h := NewHub()
	defer h.Close()

	ch, unsub := h.Subscribe(0)
	if h.Subscribers() != 1 {
		t.Fatalf("Expected 1 subscriber, got %d", h.Subscribers())
	}

	unsub()
	unsub()

	if _, ok := <-ch; ok {
		t.Error("Expected channel to be closed")
	}
	if h.Subscribers() != 0 {
		t.Errorf("Expected 0 subscribers, got %d", h.Subscribers())
	}

	// Publishing with no subscribers is fine.
	h.Publish(Event{Kind: DataChanged})
}

func TestHub_FullBufferDropsInsteadOfBlocking(t *testing.T) {
	h := NewHub()
	defer h.Close()

	ch, unsub := h.Subscribe(1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		h.Publish(Event{Kind: DataChanged, Delivered: 1})
		h.Publish(Event{Kind: DataChanged, Delivered: 2})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}

	e := <-ch
	if e.Delivered != 1 {
		t.Errorf("Expected first event to be kept, got %+v", e)
	}
}

func TestHub_AbandonedCarriesMutation(t *testing.T) {
	h := NewHub()
	defer h.Close()

	ch, unsub := h.Subscribe(1)
	defer unsub()

	m := &store.QueuedMutation{RequestID: 3, CorrelationID: "3"}
	h.Publish(Event{Kind: Abandoned, Mutation: m, Error: "network unavailable"})

	e := <-ch
	if e.Kind != Abandoned || e.Mutation == nil || e.Mutation.RequestID != 3 {
		t.Errorf("Unexpected event %+v", e)
	}
}

func TestHub_CloseClosesSubscribers(t *testing.T) {
	h := NewHub()
	ch, _ := h.Subscribe(1)

	h.Close()
	h.Close()

	if _, ok := <-ch; ok {
		t.Error("Expected channel closed after Close")
	}

	late, _ := h.Subscribe(1)
	if _, ok := <-late; ok {
		t.Error("Expected closed channel for subscription after Close")
	}
}
