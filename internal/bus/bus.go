package bus

import (
	"encoding/json"
	"strings"
	"sync"
	"time"
)

const defaultBufferSize = 100

// Event is a message published on the bus.
type Event struct {
	Topic   string
	Payload interface{}
}

// Lifecycle topics. Subscribers match by prefix, so "task." receives every
// task event and "" receives everything.
const (
	TopicTaskStarted   = "task.started"
	TopicTaskFinished  = "task.finished"
	TopicTaskFailed    = "task.failed"
	TopicToolStarted   = "tool.started"
	TopicToolFinished  = "tool.finished"
	TopicSessionOpened = "session.opened"
	TopicSessionLost   = "session.lost"
	TopicSessionClosed = "session.closed"
)

// TaskEvent is the payload of task.* topics.
type TaskEvent struct {
	SessionID string
	TaskID    string
	Mode      string // normal, aborted or error
	Steps     int
	Err       string
	Duration  time.Duration
}

// ToolEvent is the payload of tool.* topics.
type ToolEvent struct {
	SessionID string
	TaskID    string
	CallID    string // empty for local tools
	Tool      string
	Locality  string
	Args      json.RawMessage
	Result    json.RawMessage
	ErrKind   string
	Err       string
	Duration  time.Duration
}

// SessionEvent is the payload of session.* topics.
type SessionEvent struct {
	SessionID string
	Reason    string
}

// Subscription represents an active subscription.
type Subscription struct {
	id     int
	prefix string
	ch     chan Event
}

// Ch returns the channel to receive events on.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Bus is an in-process pub/sub bus with topic prefix matching.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*Subscription
	nextID int
}

// New creates a new Bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*Subscription),
	}
}

// Subscribe creates a subscription for topics starting with topicPrefix. The
// channel is buffered; a subscriber that falls behind misses events.
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		prefix: topicPrefix,
		ch:     make(chan Event, defaultBufferSize),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish delivers to every matching subscriber without blocking. A nil Bus
// discards the event.
func (b *Bus) Publish(topic string, payload interface{}) {
	if b == nil {
		return
	}
	event := Event{
		Topic:   topic,
		Payload: payload,
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.prefix == "" || strings.HasPrefix(topic, sub.prefix) {
			// Non-blocking send.
			select {
			case sub.ch <- event:
			default:
			}
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
