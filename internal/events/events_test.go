package events

import (
	"testing"
	"time"
)

func TestEventBus_PublishSubscribe(t *testing.T) {
	bus := NewEventBus(10)
	defer bus.Close()

	ch := bus.Subscribe(EventRequestFinished)

	bus.PublishRequest(EventRequestFinished, 3, 17, 0)

	select {
	case received := <-ch:
		req, ok := received.(*RequestEvent)
		if !ok {
			t.Fatal("Expected RequestEvent")
		}
		if req.Request != 3 {
			t.Errorf("Expected request 3, got %d", req.Request)
		}
		if req.Handle != 17 {
			t.Errorf("Expected handle 17, got %d", req.Handle)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("Timeout waiting for event")
	}
}

func TestEventBus_MultipleSubscribers(t *testing.T) {
	bus := NewEventBus(10)
	defer bus.Close()

	ch1 := bus.Subscribe(EventThumbState)
	ch2 := bus.Subscribe(EventThumbState)

	bus.PublishThumbState("file:///tmp/a.png", "none", "loading")

	received1 := false
	received2 := false

	select {
	case <-ch1:
		received1 = true
	case <-time.After(100 * time.Millisecond):
	}

	select {
	case <-ch2:
		received2 = true
	case <-time.After(100 * time.Millisecond):
	}

	if !received1 || !received2 {
		t.Error("Not all subscribers received the event")
	}
}

func TestEventBus_DifferentEventTypes(t *testing.T) {
	bus := NewEventBus(10)
	defer bus.Close()

	queuedCh := bus.Subscribe(EventRequestQueued)
	stateCh := bus.Subscribe(EventThumbState)

	bus.PublishRequest(EventRequestQueued, 1, 0, 2)

	select {
	case <-queuedCh:
	case <-time.After(100 * time.Millisecond):
		t.Error("Queued subscriber didn't receive event")
	}

	select {
	case <-stateCh:
		t.Error("State subscriber received wrong event type")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEventBus_SubscribeAll(t *testing.T) {
	bus := NewEventBus(10)
	defer bus.Close()

	allCh := bus.SubscribeAll()

	bus.PublishRequest(EventRequestQueued, 1, 0, 1)
	bus.PublishThumbState("file:///tmp/b.jpg", "loading", "ready")

	count := 0
	for i := 0; i < 2; i++ {
		select {
		case <-allCh:
			count++
		case <-time.After(100 * time.Millisecond):
		}
	}

	if count != 2 {
		t.Errorf("Expected to receive 2 events, got %d", count)
	}
}

func TestEventBus_NonBlocking(t *testing.T) {
	bus := NewEventBus(2)
	defer bus.Close()

	ch := bus.Subscribe(EventThumbState)

	for i := 0; i < 10; i++ {
		bus.PublishThumbState("file:///tmp/c.png", "none", "loading")
	}

	count := 0
	for {
		select {
		case <-ch:
			count++
			continue
		case <-time.After(10 * time.Millisecond):
		}
		break
	}

	if count != 2 {
		t.Errorf("Expected 2 buffered events, got %d", count)
	}
	if dropped := bus.GetDroppedEventCount(); dropped != 8 {
		t.Errorf("Expected 8 dropped events, got %d", dropped)
	}
	if reset := bus.ResetDroppedEventCount(); reset != 8 {
		t.Errorf("Expected reset to return 8, got %d", reset)
	}
	if bus.GetDroppedEventCount() != 0 {
		t.Error("Dropped count should be zero after reset")
	}
}

func TestEventBus_Close(t *testing.T) {
	bus := NewEventBus(10)

	ch := bus.Subscribe(EventRequestFinished)

	bus.Close()

	if _, ok := <-ch; ok {
		t.Error("Channel should be closed after bus.Close()")
	}

	// Publishing after close should not panic
	bus.PublishRequest(EventRequestFinished, 1, 1, 0)

	late := bus.Subscribe(EventRequestFinished)
	if _, ok := <-late; ok {
		t.Error("Subscribing to a closed bus should return a closed channel")
	}
}

func TestEventBus_Unsubscribe(t *testing.T) {
	bus := NewEventBus(10)
	defer bus.Close()

	ch := bus.Subscribe(EventRequestDequeued)
	bus.Unsubscribe(EventRequestDequeued, ch)

	if _, ok := <-ch; ok {
		t.Error("Unsubscribed channel should be closed")
	}

	// Must not panic by sending on the closed channel
	bus.PublishRequest(EventRequestDequeued, 4, 0, 0)
}

func TestEventBus_UnsubscribeAll(t *testing.T) {
	bus := NewEventBus(10)
	defer bus.Close()

	allCh := bus.SubscribeAll()
	bus.UnsubscribeAll(allCh)

	if _, ok := <-allCh; ok {
		t.Error("Unsubscribed channel should be closed")
	}
	bus.PublishThumbState("file:///tmp/d.png", "none", "ready")
}

func TestNewEventBus_BufferBounds(t *testing.T) {
	if bus := NewEventBus(0); bus.buffer <= 0 {
		t.Errorf("Expected default buffer size, got %d", bus.buffer)
	}
	if bus := NewEventBus(1 << 30); bus.buffer > 5000 {
		t.Errorf("Expected buffer size to be capped, got %d", bus.buffer)
	}
}

func TestEventBus_PublishThumbnailError(t *testing.T) {
	bus := NewEventBus(10)
	defer bus.Close()

	ch := bus.Subscribe(EventThumbnailError)
	uris := []string{"file:///tmp/a.png", "file:///tmp/b.png"}
	bus.PublishThumbnailError(3, 17, uris, 2, "unsupported")
	uris[0] = "changed"

	select {
	case ev := <-ch:
		e, ok := ev.(*ThumbnailErrorEvent)
		if !ok {
			t.Fatalf("Expected *ThumbnailErrorEvent, got %T", ev)
		}
		if e.Request != 3 || e.Handle != 17 || e.Code != 2 {
			t.Errorf("Expected request 3 handle 17 code 2, got %d %d %d", e.Request, e.Handle, e.Code)
		}
		if e.URIs[0] != "file:///tmp/a.png" {
			t.Errorf("Expected URIs to be copied, got %v", e.URIs)
		}
		if e.Message != "unsupported" {
			t.Errorf("Expected message 'unsupported', got %q", e.Message)
		}
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for error event")
	}
}
