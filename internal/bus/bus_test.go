package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("view.", 10)
	defer unsub()

	b.Publish(Event{Kind: "view.updated", Timestamp: time.Now(), Payload: "test"})

	select {
	case evt := <-ch:
		if evt.Kind != "view.updated" {
			t.Errorf("got kind %q, want view.updated", evt.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestNamespaceFiltering(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("notice.", 10)
	defer unsub()

	b.Publish(Event{Kind: "view.updated"})
	b.Publish(Event{Kind: "notice.feed_error"})

	select {
	case evt := <-ch:
		if evt.Kind != "notice.feed_error" {
			t.Errorf("got kind %q, want notice.feed_error", evt.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	// The view event must not have been delivered.
	select {
	case evt := <-ch:
		t.Errorf("unexpected event: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("view.", 10)
	unsub()

	b.Publish(Event{Kind: "view.updated"})

	select {
	case evt := <-ch:
		t.Errorf("received event after unsubscribe: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDropOnFullBuffer(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("feed.", 1)
	defer unsub()

	b.Publish(Event{Kind: "feed.contacts"})
	// Buffer is full, this one is dropped rather than blocking.
	b.Publish(Event{Kind: "feed.chats"})

	evt := <-ch
	if evt.Kind != "feed.contacts" {
		t.Errorf("got %q, want feed.contacts", evt.Kind)
	}
}
