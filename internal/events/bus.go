// Package events provides the in-memory topic bus every subsystem
// publishes to: agent lifecycle, logs, messages, costs, and action
// completions. Subscriptions match topics by pattern, with "*" matching
// one segment and ">" matching the rest.
package events

import (
	"context"
	"errors"
	"strings"
	"sync"
)

var ErrBusClosed = errors.New("event bus is closed")

// Subscriber is a function that receives events.
type Subscriber func(Event)

// subscription delivers matching events through its own buffered channel,
// so each subscriber sees events in publish order and a slow one only
// loses its own events.
type subscription struct {
	id      int
	pattern string
	ch      chan Event
}

// Bus is an in-memory pattern-matching event bus.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[int]*subscription
	nextID      int
	eventChan   chan Event
	bufferSize  int
	ringBuffer  *RingBuffer
	closed      bool
	done        chan struct{}
	wg          sync.WaitGroup
}

// NewBus creates a new event bus. bufferSize bounds both the publish
// queue and each subscriber's delivery queue.
func NewBus(bufferSize int) *Bus {
	b := &Bus{
		subscribers: make(map[int]*subscription),
		eventChan:   make(chan Event, bufferSize),
		bufferSize:  bufferSize,
		ringBuffer:  NewRingBuffer(bufferSize),
		done:        make(chan struct{}),
	}
	go b.dispatch()
	return b
}

func (b *Bus) dispatch() {
	for {
		select {
		case event := <-b.eventChan:
			b.ringBuffer.Add(event)
			b.fanOut(event)
		case <-b.done:
			return
		}
	}
}

func (b *Bus) fanOut(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subscribers {
		if !TopicMatches(sub.pattern, event.Topic) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			// Slow subscriber: drop rather than stall the bus.
		}
	}
}

// TopicMatches reports whether a colon-separated topic matches pattern.
// "*" matches exactly one segment, ">" matches one or more trailing
// segments.
func TopicMatches(pattern, topic string) bool {
	if pattern == topic {
		return true
	}
	ps := strings.Split(pattern, ":")
	ts := strings.Split(topic, ":")
	for i, p := range ps {
		if p == ">" {
			return i < len(ts)
		}
		if i >= len(ts) {
			return false
		}
		if p != "*" && p != ts[i] {
			return false
		}
	}
	return len(ps) == len(ts)
}

// Publish sends a payload to a topic. Never blocks; when the queue is
// full the event is dropped.
func (b *Bus) Publish(topic string, payload any) {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()

	if closed {
		return
	}

	select {
	case b.eventChan <- NewEvent(topic, payload):
	default:
	}
}

// PublishSync sends with context cancellation support instead of
// dropping, for callers that must not lose the event.
func (b *Bus) PublishSync(ctx context.Context, topic string, payload any) error {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()

	if closed {
		return ErrBusClosed
	}

	select {
	case b.eventChan <- NewEvent(topic, payload):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe registers a handler for topics matching pattern.
// Returns an unsubscribe function.
func (b *Bus) Subscribe(pattern string, handler Subscriber) func() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return func() {}
	}

	id := b.nextID
	b.nextID++

	sub := &subscription{
		id:      id,
		pattern: pattern,
		ch:      make(chan Event, b.bufferSize),
	}
	b.subscribers[id] = sub
	b.wg.Add(1)
	b.mu.Unlock()

	go func() {
		defer b.wg.Done()
		for event := range sub.ch {
			handler(event)
		}
	}()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subscribers[id]; !ok {
			return
		}
		delete(b.subscribers, id)
		close(sub.ch)
	}
}

// SubscribeChan returns a channel that receives events matching pattern.
func (b *Bus) SubscribeChan(pattern string, bufSize int) (<-chan Event, func()) {
	ch := make(chan Event, bufSize)

	unsubscribe := b.Subscribe(pattern, func(e Event) {
		select {
		case ch <- e:
		default:
		}
	})

	return ch, func() {
		unsubscribe()
		close(ch)
	}
}

// History returns recent events from the ring buffer.
func (b *Bus) History(limit int) []Event {
	return b.ringBuffer.Get(limit)
}

// Close shuts down the bus and waits for subscriber goroutines to drain.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	close(b.done)
	for id, sub := range b.subscribers {
		delete(b.subscribers, id)
		close(sub.ch)
	}
	b.mu.Unlock()
	b.wg.Wait()
}

// RingBuffer is a circular buffer for storing recent events.
type RingBuffer struct {
	mu     sync.RWMutex
	events []Event
	size   int
	pos    int
	count  int
}

// NewRingBuffer creates a new ring buffer.
func NewRingBuffer(size int) *RingBuffer {
	return &RingBuffer{
		events: make([]Event, size),
		size:   size,
	}
}

func (r *RingBuffer) Add(event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events[r.pos] = event
	r.pos = (r.pos + 1) % r.size
	if r.count < r.size {
		r.count++
	}
}

func (r *RingBuffer) Get(n int) []Event {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if n > r.count {
		n = r.count
	}
	if n <= 0 {
		return nil
	}

	result := make([]Event, n)
	start := (r.pos - n + r.size) % r.size
	for i := 0; i < n; i++ {
		result[i] = r.events[(start+i)%r.size]
	}
	return result
}

func (r *RingBuffer) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pos = 0
	r.count = 0
}
