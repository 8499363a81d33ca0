// Package events provides the publish/subscribe bus that carries
// conversation activity. The chat service publishes user turns and
// stored fragments; the WebSocket feed and the MQTT and AMQP forwarders
// subscribe. The bus is nil-safe: calling Publish on a nil *Bus is a
// no-op, so components do not need guard checks.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceChat identifies events from the chat service.
	SourceChat = "chat"
	// SourceAgents identifies events from agent registry changes.
	SourceAgents = "agents"
)

// Kind constants describe the type of event within a source.
const (
	// KindUserMessage signals a user turn was stored.
	// Data: conversation_id, message_id, agent_ids, text_len.
	KindUserMessage = "user_message"
	// KindFragment signals an assistant fragment was stored.
	// Data: conversation_id, fragment_id, index, agent_ids, content,
	// preview.
	KindFragment = "fragment"
	// KindFormatFailed signals a response could not be formatted and
	// was discarded.
	// Data: conversation_id, response_id, error.
	KindFormatFailed = "format_failed"
	// KindBackendError signals the backend call failed.
	// Data: conversation_id, error.
	KindBackendError = "backend_error"

	// KindAgentChanged signals an agent was created, updated or deleted.
	// Data: agent_id, workspace_id, action.
	KindAgentChanged = "agent_changed"
)

// Event is one thing that happened. Data keys for each kind are listed
// with the Kind constants.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// ConversationID returns the conversation an event belongs to, or ""
// for events that are not about a conversation.
func (e Event) ConversationID() string {
	id, _ := e.Data["conversation_id"].(string)
	return id
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; a subscriber whose buffer is full misses the
// event and the miss is counted.
type Bus struct {
	mu sync.RWMutex
	// Keyed by the receive-only view handed to the caller so Unsubscribe
	// can take the same value back.
	subs map[<-chan Event]*subscriber
}

type subscriber struct {
	ch      chan Event
	dropped atomic.Uint64
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{subs: make(map[<-chan Event]*subscriber)}
}

// Publish delivers e to every subscriber with room for it. It never
// blocks. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		select {
		case s.ch <- e:
		default:
			s.dropped.Add(1)
		}
	}
}

// Emit publishes an event from source stamped with the current time.
// Safe to call on a nil receiver (no-op).
func (b *Bus) Emit(source, kind string, data map[string]any) {
	if b == nil {
		return
	}
	b.Publish(Event{Timestamp: time.Now(), Source: source, Kind: kind, Data: data})
}

// Subscribe returns a channel with room for bufSize undelivered events.
// Every Subscribe must be paired with an Unsubscribe.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	s := &subscriber{ch: make(chan Event, bufSize)}
	b.mu.Lock()
	b.subs[s.ch] = s
	b.mu.Unlock()
	return s.ch
}

// Unsubscribe removes a subscription and closes its channel. Unknown or
// already removed channels are ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(s.ch)
	}
}

// Dropped returns how many events a live subscription has missed
// because its buffer was full.
func (b *Bus) Dropped(ch <-chan Event) uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if s, ok := b.subs[ch]; ok {
		return s.dropped.Load()
	}
	return 0
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
