package gateway

import (
	"testing"
	"time"
)

func TestHubPublishReachesAllSubscribers(t *testing.T) {
	h := NewHub()
	a := h.Subscribe()
	b := h.Subscribe()

	h.Publish(Event{Kind: "task", Subject: "scan"})

	for _, ch := range []chan Event{a, b} {
		select {
		case evt := <-ch:
			if evt.Kind != "task" || evt.Subject != "scan" {
				t.Errorf("unexpected event %+v", evt)
			}
			if evt.Time.IsZero() {
				t.Error("publish should stamp the event time")
			}
		case <-time.After(time.Second):
			t.Fatal("subscriber never received event")
		}
	}
}

func TestHubUnsubscribeClosesChannel(t *testing.T) {
	h := NewHub()
	ch := h.Subscribe()

	h.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Error("unsubscribed channel should be closed")
	}
	if h.SubscriberCount() != 0 {
		t.Errorf("expected 0 subscribers, got %d", h.SubscriberCount())
	}

	// Double unsubscribe must not panic on the closed channel.
	h.Unsubscribe(ch)
}

func TestHubSlowSubscriberDropsEvents(t *testing.T) {
	h := NewHub()
	ch := h.Subscribe()

	// Overfill the buffer; Publish must not block.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			h.Publish(Event{Kind: "tick"})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}

	if len(ch) != cap(ch) {
		t.Errorf("expected full buffer of %d, got %d", cap(ch), len(ch))
	}
}
