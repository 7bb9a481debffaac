package events

import (
	"sync"
	"time"
)

// EventType represents the type of event being published.
type EventType string

const (
	// EventCommandTransition is published after every committed command status change.
	EventCommandTransition EventType = "command_transition"
	// EventExecutionUpdate is published when an execution is created or changes status.
	EventExecutionUpdate EventType = "execution_update"
	// EventExecutionLog is published for each execution log line.
	EventExecutionLog EventType = "log_update"
)

// Event represents a system event.
type Event struct {
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// Subscriber is a function that receives events.
type Subscriber func(Event)

// Bus is a non-blocking event bus using Publish/Subscribe pattern.
// Events are delivered asynchronously via buffered channels.
// If a subscriber's channel is full, the event is dropped and counted.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]chan Event
	bufferSize  int
	closed      bool
	delivery    sync.WaitGroup

	dropMu  sync.Mutex
	dropped map[EventType]int
}

// NewBus creates a new event bus with the specified buffer size per subscriber.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Bus{
		subscribers: make(map[EventType][]chan Event),
		bufferSize:  bufferSize,
		dropped:     make(map[EventType]int),
	}
}

// Subscribe registers fn for the given event types and returns an
// unsubscribe function. fn runs on a dedicated goroutine per subscription.
func (b *Bus) Subscribe(fn Subscriber, types ...EventType) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	if b.closed {
		close(ch)
		return func() {}
	}
	for _, t := range types {
		b.subscribers[t] = append(b.subscribers[t], ch)
	}

	b.delivery.Add(1)
	go func() {
		defer b.delivery.Done()
		for event := range ch {
			func() {
				defer func() {
					// a panicking subscriber must not stop delivery
					_ = recover()
				}()
				fn(event)
			}()
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if b.closed {
				return
			}
			for _, t := range types {
				subs := b.subscribers[t]
				for i, subCh := range subs {
					if subCh == ch {
						b.subscribers[t] = append(subs[:i:i], subs[i+1:]...)
						break
					}
				}
			}
			close(ch)
		})
	}
}

// Publish sends an event to all subscribers of the given type without blocking.
func (b *Bus) Publish(eventType EventType, data map[string]any) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	event := Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}

	for _, ch := range b.subscribers[eventType] {
		select {
		case ch <- event:
		default:
			b.dropMu.Lock()
			b.dropped[eventType]++
			b.dropMu.Unlock()
		}
	}
}

// Dropped returns how many deliveries of eventType were dropped on full buffers.
func (b *Bus) Dropped(eventType EventType) int {
	b.dropMu.Lock()
	defer b.dropMu.Unlock()
	return b.dropped[eventType]
}

// Close stops accepting events, closes every subscriber channel and waits
// until queued events have been delivered.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	seen := make(map[chan Event]bool)
	for eventType, subs := range b.subscribers {
		for _, ch := range subs {
			if !seen[ch] {
				seen[ch] = true
				close(ch)
			}
		}
		delete(b.subscribers, eventType)
	}
	b.mu.Unlock()

	b.delivery.Wait()
}
