package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("chat.", 10)
	defer unsub()

	b.Publish(NewEvent(KindReady, nil))

	select {
	case evt := <-ch:
		if evt.Kind != KindReady {
			t.Errorf("got kind %q, want %s", evt.Kind, KindReady)
		}
		if evt.Timestamp.IsZero() {
			t.Error("timestamp not set")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestNamespaceFiltering(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("chat.message", 10)
	defer unsub()

	b.Publish(Event{Kind: KindStatusChanged})
	b.Publish(Event{Kind: KindReady})
	b.Publish(Event{Kind: KindMessage})

	select {
	case evt := <-ch:
		if evt.Kind != KindMessage {
			t.Errorf("got kind %q, want %s", evt.Kind, KindMessage)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	select {
	case evt := <-ch:
		t.Errorf("unexpected event: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("status.", 10)
	unsub()
	// Second call is harmless.
	unsub()

	b.Publish(Event{Kind: KindStatusChanged})

	select {
	case evt := <-ch:
		t.Errorf("received event after unsubscribe: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDropOnFullBuffer(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("test.", 1)
	defer unsub()

	b.Publish(Event{Kind: "test.one"})
	b.Publish(Event{Kind: "test.two"})

	evt := <-ch
	if evt.Kind != "test.one" {
		t.Errorf("got %q, want test.one", evt.Kind)
	}
	if got := b.Dropped(); got != 1 {
		t.Errorf("Dropped() = %d, want 1", got)
	}
}

func TestLosslessDeliversBurst(t *testing.T) {
	b := New()
	ch, unsub := b.SubscribeLossless("chat.", 4)
	defer unsub()

	const n = 200
	go func() {
		for i := 0; i < n; i++ {
			b.Publish(Event{Kind: KindMessage, Payload: i})
		}
	}()

	for i := 0; i < n; i++ {
		select {
		case evt := <-ch:
			if evt.Payload.(int) != i {
				t.Fatalf("event %d payload = %v, want in order", i, evt.Payload)
			}
			time.Sleep(100 * time.Microsecond)
		case <-time.After(2 * time.Second):
			t.Fatalf("timeout after %d events", i)
		}
	}
	if got := b.Dropped(); got != 0 {
		t.Errorf("Dropped() = %d, want 0", got)
	}
}

func TestLosslessUnsubscribeReleasesPublisher(t *testing.T) {
	b := New()
	_, unsub := b.SubscribeLossless("chat.", 1)
	b.Publish(Event{Kind: KindMessage})

	done := make(chan struct{})
	go func() {
		b.Publish(Event{Kind: KindMessage})
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("publish returned while the lossless buffer was full")
	case <-time.After(50 * time.Millisecond):
	}

	// A blocked publisher must not hold up other subscribers.
	other, unsubOther := b.Subscribe("status.", 1)
	defer unsubOther()
	b.Publish(Event{Kind: KindStatusChanged})
	select {
	case <-other:
	case <-time.After(time.Second):
		t.Fatal("regular subscriber starved by a blocked publisher")
	}

	unsub()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher still blocked after unsubscribe")
	}
}
