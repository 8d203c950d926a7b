package pipeline

import (
	"sync"
)

// ResultHandler receives analysis results published on the bus.
type ResultHandler interface {
	OnResult(result *Result)
}

// ResultHandlerFunc adapts a function to ResultHandler.
type ResultHandlerFunc func(result *Result)

func (f ResultHandlerFunc) OnResult(result *Result) { f(result) }

// EventBus provides pub/sub for analysis results
type EventBus struct {
	subscribers map[*eventSubscription]bool
	mu          sync.RWMutex
}

type eventSubscription struct {
	cameraFilter string // Empty string means receive all cameras
	channel      chan *Result
	handler      ResultHandler
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[*eventSubscription]bool),
	}
}

func (b *EventBus) add(sub *eventSubscription) func() {
	b.mu.Lock()
	b.subscribers[sub] = true
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subscribers[sub]; ok {
			delete(b.subscribers, sub)
			if sub.channel != nil {
				close(sub.channel)
			}
		}
	}
}

// Subscribe registers a handler for results from all cameras.
// Returns an unsubscribe function
func (b *EventBus) Subscribe(handler ResultHandler) func() {
	return b.add(&eventSubscription{handler: handler})
}

// SubscribeCamera registers a handler for results from one camera
func (b *EventBus) SubscribeCamera(cameraID string, handler ResultHandler) func() {
	return b.add(&eventSubscription{cameraFilter: cameraID, handler: handler})
}

// SubscribeChannel returns a buffered channel of results. An empty cameraID
// receives every camera. The channel is closed on unsubscribe.
func (b *EventBus) SubscribeChannel(cameraID string, bufferSize int) (<-chan *Result, func()) {
	if bufferSize <= 0 {
		bufferSize = 10
	}
	ch := make(chan *Result, bufferSize)
	return ch, b.add(&eventSubscription{cameraFilter: cameraID, channel: ch})
}

// Publish sends a result to all subscribers. Handlers run synchronously so
// a camera's results arrive in order; slow channel subscribers drop results.
func (b *EventBus) Publish(result *Result) {
	if result == nil {
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		if sub.cameraFilter != "" && sub.cameraFilter != result.CameraID {
			continue
		}

		if sub.handler != nil {
			sub.handler.OnResult(result)
		} else if sub.channel != nil {
			select {
			case sub.channel <- result:
			default:
			}
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *EventBus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close unsubscribes all subscribers and closes channels
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subscribers {
		if sub.channel != nil {
			close(sub.channel)
		}
		delete(b.subscribers, sub)
	}
}
