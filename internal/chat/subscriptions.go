package chat

import (
	"context"
	"sync"

	jww "github.com/spf13/jwalterweatherman"
)

type EventKind string

const (
	EventConversationCreated EventKind = "conversation_created"
	EventContactAdded        EventKind = "contact_added"
	EventMessageAppended     EventKind = "message_appended"
	EventMessageCommitted    EventKind = "message_committed"
	EventMessageFailed       EventKind = "message_failed"
	EventRead                EventKind = "read"
	EventPresence            EventKind = "presence"
	EventActiveChanged       EventKind = "active_changed"
)

// Event announces a change that already happened. Payload pointers are
// private copies.
type Event struct {
	Kind           EventKind     `json:"kind"`
	ConversationID string        `json:"conversationId,omitempty"`
	MessageID      string        `json:"messageId,omitempty"`
	UserID         string        `json:"userId,omitempty"`
	LastRead       uint64        `json:"lastRead,omitempty"`
	Message        *Message      `json:"message,omitempty"`
	Conversation   *Conversation `json:"conversation,omitempty"`
	User           *User         `json:"user,omitempty"`
}

type Subscription struct {
	C <-chan Event

	id     uint64
	ch     chan Event
	filter map[string]bool
	hub    *Hub
}

func (s *Subscription) wants(e Event) bool {
	if len(s.filter) == 0 || e.ConversationID == "" {
		return true
	}
	return s.filter[e.ConversationID]
}

// Close detaches the subscription and closes C.
func (s *Subscription) Close() { s.hub.unsubscribe(s) }

// Hub fans events out to subscribers in publish order. A subscriber that
// does not keep up loses events instead of stalling writers.
type Hub struct {
	mu      sync.RWMutex
	subs    map[uint64]*Subscription
	next    uint64
	stopped bool

	queue chan Event
	obs   Observer
}

func newHub(buffer int, obs Observer) *Hub {
	if buffer <= 0 {
		buffer = 1024
	}
	return &Hub{
		subs:  map[uint64]*Subscription{},
		queue: make(chan Event, buffer),
		obs:   obs,
	}
}

// Subscribe registers a subscriber. With no conversation IDs it receives
// every event; otherwise only events of those conversations and global ones.
func (h *Hub) Subscribe(buffer int, conversationIDs ...string) *Subscription {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	sub := &Subscription{C: ch, ch: ch, hub: h}
	if len(conversationIDs) > 0 {
		sub.filter = make(map[string]bool, len(conversationIDs))
		for _, id := range conversationIDs {
			sub.filter[id] = true
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		close(ch)
		return sub
	}
	h.next++
	sub.id = h.next
	h.subs[sub.id] = sub
	return sub
}

func (h *Hub) unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[sub.id]; ok {
		delete(h.subs, sub.id)
		close(sub.ch)
	}
}

func (h *Hub) publish(e Event) {
	select {
	case h.queue <- e:
	default:
		h.obs.EventDropped(e.Kind)
		jww.WARN.Printf("[Chat] event queue full, dropped %s for %s", e.Kind, e.ConversationID)
	}
}

// Run dispatches queued events until ctx is done, then closes every
// subscription.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case e := <-h.queue:
			h.dispatch(e)
		case <-ctx.Done():
			h.mu.Lock()
			h.stopped = true
			for id, sub := range h.subs {
				delete(h.subs, id)
				close(sub.ch)
			}
			h.mu.Unlock()
			return
		}
	}
}

func (h *Hub) dispatch(e Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		if !sub.wants(e) {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			h.obs.EventDropped(e.Kind)
		}
	}
}
