// Package events provides the in-process event bus used to observe thumbnail
// requests and file thumbnail state.
//
// Delivery is best-effort: a subscriber whose buffer is full misses the event
// and the bus counts it as dropped. Code that must see every finished request
// registers a listener on the thumbnailer instead.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rescale/thumblink/internal/constants"
)

// EventType names a kind of event.
type EventType string

const (
	EventRequestQueued   EventType = "request_queued"   // Queue call issued for a batch
	EventRequestFinished EventType = "request_finished" // Service reported Finished for a tracked request
	EventRequestDequeued EventType = "request_dequeued" // Caller cancelled a request
	EventThumbnailError  EventType = "thumbnail_error"  // Service reported Error for some URIs
	EventThumbState      EventType = "thumb_state"      // A file's thumbnail state changed
)

// anyType keys subscriptions that receive every event.
const anyType EventType = ""

// Event is implemented by everything published on the bus.
type Event interface {
	Type() EventType
	Timestamp() time.Time
}

// BaseEvent carries the fields common to all events.
type BaseEvent struct {
	EventType EventType
	Time      time.Time
}

func (e BaseEvent) Type() EventType      { return e.EventType }
func (e BaseEvent) Timestamp() time.Time { return e.Time }

func now(t EventType) BaseEvent {
	return BaseEvent{EventType: t, Time: time.Now()}
}

// RequestEvent describes a thumbnail request lifecycle step.
type RequestEvent struct {
	BaseEvent
	Request uint32 // Local request id
	Handle  uint32 // Service handle, 0 if not yet known
	URIs    int    // Number of URIs in the batch (queued events only)
}

// ThumbnailErrorEvent carries the service's error report for a batch.
type ThumbnailErrorEvent struct {
	BaseEvent
	Request uint32
	Handle  uint32
	URIs    []string
	Code    int32
	Message string
}

// ThumbStateEvent reports a file's thumbnail state transition.
type ThumbStateEvent struct {
	BaseEvent
	URI      string
	OldState string
	NewState string
}

// EventBus fans events out to buffered subscriber channels.
type EventBus struct {
	mu      sync.RWMutex
	subs    map[EventType][]chan Event
	buffer  int
	closed  bool
	dropped atomic.Int64
}

// NewEventBus creates a bus whose subscriber channels hold bufferSize events.
// The size is clamped to the configured limits.
func NewEventBus(bufferSize int) *EventBus {
	switch {
	case bufferSize <= 0:
		bufferSize = constants.EventBusDefaultBuffer
	case bufferSize > constants.EventBusMaxBuffer:
		bufferSize = constants.EventBusMaxBuffer
	}
	return &EventBus{
		subs:   make(map[EventType][]chan Event),
		buffer: bufferSize,
	}
}

// Subscribe returns a channel receiving events of one type.
func (eb *EventBus) Subscribe(eventType EventType) <-chan Event {
	return eb.subscribe(eventType)
}

// SubscribeAll returns a channel receiving every event.
func (eb *EventBus) SubscribeAll() <-chan Event {
	return eb.subscribe(anyType)
}

func (eb *EventBus) subscribe(key EventType) <-chan Event {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.closed {
		ch := make(chan Event)
		close(ch)
		return ch
	}

	ch := make(chan Event, eb.buffer)
	eb.subs[key] = append(eb.subs[key], ch)
	return ch
}

// Publish delivers an event without blocking.
func (eb *EventBus) Publish(event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if eb.closed {
		return
	}
	eb.deliver(eb.subs[event.Type()], event)
	eb.deliver(eb.subs[anyType], event)
}

func (eb *EventBus) deliver(chans []chan Event, event Event) {
	for _, ch := range chans {
		select {
		case ch <- event:
		default:
			eb.dropped.Add(1)
		}
	}
}

// PublishRequest publishes a request lifecycle event.
func (eb *EventBus) PublishRequest(eventType EventType, request, handle uint32, uris int) {
	eb.Publish(&RequestEvent{
		BaseEvent: now(eventType),
		Request:   request,
		Handle:    handle,
		URIs:      uris,
	})
}

// PublishThumbnailError publishes an Error report. uris is copied.
func (eb *EventBus) PublishThumbnailError(request, handle uint32, uris []string, code int32, message string) {
	eb.Publish(&ThumbnailErrorEvent{
		BaseEvent: now(EventThumbnailError),
		Request:   request,
		Handle:    handle,
		URIs:      append([]string(nil), uris...),
		Code:      code,
		Message:   message,
	})
}

// PublishThumbState publishes a thumbnail state change.
func (eb *EventBus) PublishThumbState(uri, oldState, newState string) {
	eb.Publish(&ThumbStateEvent{
		BaseEvent: now(EventThumbState),
		URI:       uri,
		OldState:  oldState,
		NewState:  newState,
	})
}

// Unsubscribe closes and removes a channel returned by Subscribe.
func (eb *EventBus) Unsubscribe(eventType EventType, ch <-chan Event) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if !eb.closed {
		eb.remove(eventType, ch)
	}
}

// UnsubscribeAll closes and removes a channel wherever it is subscribed.
func (eb *EventBus) UnsubscribeAll(ch <-chan Event) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.closed {
		return
	}
	for key := range eb.subs {
		if eb.remove(key, ch) {
			return
		}
	}
}

// remove reports whether ch was found under key. Callers hold eb.mu.
func (eb *EventBus) remove(key EventType, ch <-chan Event) bool {
	chans := eb.subs[key]
	for i, c := range chans {
		if c == ch {
			close(c)
			chans[i] = chans[len(chans)-1]
			eb.subs[key] = chans[:len(chans)-1]
			return true
		}
	}
	return false
}

// Close closes every subscriber channel. Later publishes are ignored and
// later subscriptions receive a closed channel.
func (eb *EventBus) Close() {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.closed {
		return
	}
	eb.closed = true

	for _, chans := range eb.subs {
		for _, ch := range chans {
			close(ch)
		}
	}
}

// GetDroppedEventCount returns how many deliveries were skipped because a
// subscriber's buffer was full.
func (eb *EventBus) GetDroppedEventCount() int64 {
	return eb.dropped.Load()
}

// ResetDroppedEventCount zeroes the dropped counter and returns its old value.
func (eb *EventBus) ResetDroppedEventCount() int64 {
	return eb.dropped.Swap(0)
}
