// Package events provides the in-memory event bus that sequences everything the
// executions, the approval coordinator and the transcript exchange.
package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrBusClosed = errors.New("event bus is closed")
)

// EventType represents the type of event.
type EventType string

const (
	// User → Agent
	EventUserMessage EventType = "user.message"

	// Agent → Client: turn progress
	EventThinking    EventType = "assistant.thinking"
	EventStreamChunk EventType = "assistant.stream"
	EventStep        EventType = "assistant.step"
	EventFileReady   EventType = "assistant.file_ready"
	EventComplete    EventType = "assistant.complete"
	EventError       EventType = "assistant.error"
	EventCancelled   EventType = "assistant.cancelled"

	// Agent ↔ Client: approvals
	EventApprovalRequired EventType = "approval.required"
	EventApprovalResolved EventType = "approval.resolved"

	// Session state
	EventConnectionState EventType = "connection.state"
	EventEditModeChanged EventType = "session.edit_mode"
)

// EventSource identifies the component that emitted an event.
type EventSource string

const (
	SourceUser      EventSource = "user"
	SourceSocket    EventSource = "socket"
	SourceIterative EventSource = "iterative"
	SourceApproval  EventSource = "approval"
	SourceSession   EventSource = "session"
)

// Event represents an event in the system.
type Event struct {
	ID        string       `json:"id"`
	SessionID string       `json:"session_id,omitempty"`
	Type      EventType    `json:"type"`
	Timestamp time.Time    `json:"timestamp"`
	Source    EventSource  `json:"source"`
	Payload   EventPayload `json:"payload"`
}

// eventIDCounter is used to generate sequential event IDs.
var eventIDCounter uint64

func generateEventID() string {
	seq := atomic.AddUint64(&eventIDCounter, 1)
	return fmt.Sprintf("%d-%d", time.Now().UnixNano(), seq)
}

// Publisher accepts events. *Bus implements it; tests use recorders.
type Publisher interface {
	Publish(Event)
}

// Subscriber is a function that receives events. It runs on the bus dispatch
// goroutine and must not block; it may publish to the same bus.
type Subscriber func(Event)

type subscription struct {
	id         int
	eventTypes []EventType
	handler    Subscriber
}

type queued struct {
	event Event
	ack   chan struct{}
}

// Bus is an in-memory event bus. Published events go to an unbounded FIFO
// queue; a single dispatch goroutine delivers them to subscribers one at a
// time, in publish order.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[int]*subscription
	order       []int
	nextID      int
	ringBuffer  *RingBuffer
	closed      bool

	qmu     sync.Mutex
	queue   []queued
	wake    chan struct{}
	done    chan struct{}
	stopped chan struct{}
}

// NewBus creates a new event bus keeping historySize recent events.
func NewBus(historySize int) *Bus {
	if historySize <= 0 {
		historySize = 1
	}
	b := &Bus{
		subscribers: make(map[int]*subscription),
		ringBuffer:  NewRingBuffer(historySize),
		wake:        make(chan struct{}, 1),
		done:        make(chan struct{}),
		stopped:     make(chan struct{}),
	}
	go b.dispatch()
	return b
}

func (b *Bus) dispatch() {
	defer close(b.stopped)
	for {
		select {
		case <-b.wake:
			b.drain()
		case <-b.done:
			b.drain()
			return
		}
	}
}

func (b *Bus) drain() {
	for {
		b.qmu.Lock()
		if len(b.queue) == 0 {
			b.qmu.Unlock()
			return
		}
		q := b.queue[0]
		b.queue[0] = queued{}
		b.queue = b.queue[1:]
		b.qmu.Unlock()

		if q.ack != nil {
			close(q.ack)
			continue
		}
		b.ringBuffer.Add(q.event)
		b.notifySubscribers(q.event)
	}
}

func (b *Bus) enqueue(q queued) bool {
	b.qmu.Lock()
	if b.isClosed() {
		b.qmu.Unlock()
		return false
	}
	b.queue = append(b.queue, q)
	b.qmu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
	return true
}

func (b *Bus) isClosed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.closed
}

func (b *Bus) notifySubscribers(event Event) {
	b.mu.RLock()
	subs := make([]*subscription, 0, len(b.order))
	for _, id := range b.order {
		if sub, ok := b.subscribers[id]; ok && sub.matches(event) {
			subs = append(subs, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		deliver(sub, event)
	}
}

func deliver(sub *subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("event subscriber panicked", "event", event.Type, "panic", r)
		}
	}()
	sub.handler(event)
}

func (s *subscription) matches(event Event) bool {
	if len(s.eventTypes) == 0 {
		return true
	}
	for _, t := range s.eventTypes {
		if t == event.Type {
			return true
		}
	}
	return false
}

// Publish queues an event without blocking. Events published after Close are
// dropped.
func (b *Bus) Publish(event Event) {
	b.enqueue(queued{event: event})
}

// PublishAsync queues an event, reporting ErrBusClosed after Close.
func (b *Bus) PublishAsync(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !b.enqueue(queued{event: event}) {
		return ErrBusClosed
	}
	return nil
}

// Flush blocks until every event published before the call has been
// delivered. It must not be called from a subscriber.
func (b *Bus) Flush(ctx context.Context) error {
	ack := make(chan struct{})
	if !b.enqueue(queued{ack: ack}) {
		return ErrBusClosed
	}
	select {
	case <-ack:
		return nil
	case <-b.stopped:
		return ErrBusClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe registers a handler for specific event types. Handlers are invoked
// in subscription order. Returns an unsubscribe function.
func (b *Bus) Subscribe(handler Subscriber, eventTypes ...EventType) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++

	b.subscribers[id] = &subscription{
		id:         id,
		eventTypes: eventTypes,
		handler:    handler,
	}
	b.order = append(b.order, id)

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subscribers, id)
		for i, v := range b.order {
			if v == id {
				b.order = append(b.order[:i], b.order[i+1:]...)
				break
			}
		}
	}
}

// SubscribeChan returns a channel that receives events. Events are dropped
// when the channel buffer is full.
func (b *Bus) SubscribeChan(bufSize int, eventTypes ...EventType) (<-chan Event, func()) {
	ch := make(chan Event, bufSize)
	var once sync.Once
	var closedMu sync.Mutex
	chClosed := false

	unsubscribe := b.Subscribe(func(e Event) {
		closedMu.Lock()
		defer closedMu.Unlock()
		if chClosed {
			return
		}
		select {
		case ch <- e:
		default:
		}
	}, eventTypes...)

	return ch, func() {
		once.Do(func() {
			unsubscribe()
			closedMu.Lock()
			chClosed = true
			close(ch)
			closedMu.Unlock()
		})
	}
}

// History returns recent events from the ring buffer.
func (b *Bus) History(limit int) []Event {
	return b.ringBuffer.Get(limit)
}

// Close stops accepting events, delivers what is already queued and waits
// for the dispatch goroutine to exit.
func (b *Bus) Close() {
	b.qmu.Lock()
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		b.qmu.Unlock()
		return
	}
	b.closed = true
	close(b.done)
	b.mu.Unlock()
	b.qmu.Unlock()

	<-b.stopped
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
