package session

import (
	"sync"
	"time"
)

// EventType classifies an observer notification for stream clients.
type EventType string

const (
	EventError  EventType = "error"
	EventStatus EventType = "status"
)

// Event is the JSON envelope published to subscribers.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Title     string    `json:"title,omitempty"`
	Message   string    `json:"message"`
}

const subscriberBuffer = 64

type subscriber struct {
	ch chan Event
}

// EventBus is an Observer that fans notifications out to subscribers.
// Subscribers whose buffer is full miss the event.
type EventBus struct {
	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[*subscriber]struct{})}
}

// Subscribe returns an event channel and a function that detaches it and
// closes the channel.
func (b *EventBus) Subscribe() (<-chan Event, func()) {
	s := &subscriber{ch: make(chan Event, subscriberBuffer)}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, s)
			b.mu.Unlock()
			close(s.ch)
		})
	}
	return s.ch, unsub
}

func (b *EventBus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		select {
		case s.ch <- e:
		default:
		}
	}
}

func (b *EventBus) OnError(title, message string) {
	b.Publish(Event{Type: EventError, Title: title, Message: message})
}

func (b *EventBus) OnStatus(message string) {
	b.Publish(Event{Type: EventStatus, Message: message})
}

// Len returns the current subscriber count.
func (b *EventBus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
