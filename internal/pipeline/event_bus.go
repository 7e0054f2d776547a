package pipeline

import (
	"sync"
	"sync/atomic"
)

// DetectionHandler receives detection sets synchronously from the bus
type DetectionHandler interface {
	OnDetections(set *DetectionSet)
}

// DetectionHandlerFunc adapts a function to DetectionHandler
type DetectionHandlerFunc func(set *DetectionSet)

// OnDetections implements DetectionHandler
func (f DetectionHandlerFunc) OnDetections(set *DetectionSet) {
	f(set)
}

// EventBus fans detection sets out to subscribers.
// It is the ResultSink handed to the scheduler when more than one consumer
// needs the results.
type EventBus struct {
	subscribers map[*eventSubscription]bool
	mu          sync.RWMutex
	dropped     atomic.Uint64
}

type eventSubscription struct {
	sourceFilter string // Empty string means receive all sources
	channel      chan *DetectionSet
	handler      DetectionHandler
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
		if _, ok := b.subscribers[sub]; ok {
			delete(b.subscribers, sub)
			if sub.channel != nil {
				close(sub.channel)
			}
		}
		b.mu.Unlock()
	}
}

// Subscribe registers a handler for detection sets from all sources.
// Handlers run on the detect stage and see the set's Image; they must not
// keep it. Returns an unsubscribe function.
func (b *EventBus) Subscribe(handler DetectionHandler) func() {
	return b.add(&eventSubscription{handler: handler})
}

// SubscribeSource registers a handler for a single source
func (b *EventBus) SubscribeSource(source string, handler DetectionHandler) func() {
	return b.add(&eventSubscription{sourceFilter: source, handler: handler})
}

// SubscribeSink forwards every set to another ResultSink
func (b *EventBus) SubscribeSink(sink ResultSink) func() {
	return b.Subscribe(DetectionHandlerFunc(func(set *DetectionSet) {
		sink.Publish(set, set.Meta)
	}))
}

// SubscribeChannel returns a channel that receives copies of detection sets
// without the image. Sets are dropped when the channel is full.
func (b *EventBus) SubscribeChannel(bufferSize int) (<-chan *DetectionSet, func()) {
	if bufferSize <= 0 {
		bufferSize = 10
	}
	ch := make(chan *DetectionSet, bufferSize)
	return ch, b.add(&eventSubscription{channel: ch})
}

// Publish implements ResultSink
func (b *EventBus) Publish(set *DetectionSet, meta FrameMeta) {
	if set == nil {
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	var detached *DetectionSet
	for sub := range b.subscribers {
		if sub.sourceFilter != "" && sub.sourceFilter != meta.Source {
			continue
		}

		// Handlers are called synchronously so results arrive in cycle order
		if sub.handler != nil {
			sub.handler.OnDetections(set)
			continue
		}

		if detached == nil {
			detached = set.Detach()
		}
		select {
		case sub.channel <- detached:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped returns how many channel deliveries were skipped because the
// subscriber was full
func (b *EventBus) Dropped() uint64 {
	return b.dropped.Load()
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

var _ ResultSink = (*EventBus)(nil)
