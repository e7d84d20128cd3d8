package events

import (
	"sync"
	"time"
)

// EventType represents the type of event being published.
type EventType string

const (
	EventSubmitted    EventType = "submitted"
	EventAdmitted     EventType = "admitted"
	EventWaiting      EventType = "waiting"
	EventStarted      EventType = "started"
	EventProgress     EventType = "progress"
	EventRetrying     EventType = "retrying"
	EventCompleted    EventType = "completed"
	EventFailed       EventType = "failed"
	EventCancelled    EventType = "cancelled"
	EventSpaceWarning EventType = "space_warning"
)

// AllEventTypes is used when a subscriber does not name any type.
var AllEventTypes = []EventType{
	EventSubmitted,
	EventAdmitted,
	EventWaiting,
	EventStarted,
	EventProgress,
	EventRetrying,
	EventCompleted,
	EventFailed,
	EventCancelled,
	EventSpaceWarning,
}

// Event represents a system event. TaskID is empty for volume-level events.
type Event struct {
	Type      EventType
	Timestamp time.Time
	TaskID    string
	Owner     string
	Data      map[string]any
}

// Subscriber is a function that receives events.
type Subscriber func(Event)

// Publisher is the narrow interface producers depend on.
type Publisher interface {
	Publish(e Event)
}

// Bus is a non-blocking event bus. Every subscription owns a buffered channel
// drained by its own goroutine; when the buffer is full the event is dropped for
// that subscriber, so producers never wait on a slow consumer.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]chan Event
	bufferSize  int
	closed      bool

	// publishers only hold the read lock, so drop counters have their own
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

// Subscribe registers fn for the given event types, or for every type when
// none are given. Returns an unsubscribe function.
func (b *Bus) Subscribe(fn Subscriber, types ...EventType) func() {
	if len(types) == 0 {
		types = AllEventTypes
	}

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

	go func() {
		for event := range ch {
			func() {
				defer func() {
					// a panicking subscriber must not take the bus down
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

// Publish delivers e to every subscriber of its type without blocking.
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	for _, ch := range b.subscribers[e.Type] {
		select {
		case ch <- e:
		default:
			b.countDrop(e.Type)
		}
	}
}

func (b *Bus) countDrop(t EventType) {
	b.dropMu.Lock()
	b.dropped[t]++
	b.dropMu.Unlock()
}

// Dropped returns how many events of type t were discarded on full buffers.
func (b *Bus) Dropped(t EventType) int {
	b.dropMu.Lock()
	defer b.dropMu.Unlock()
	return b.dropped[t]
}

// Close closes all subscriber channels and clears subscriptions.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
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
}
