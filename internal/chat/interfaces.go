package chat

import (
	"context"
	"time"
)

// Transport commits a locally written message with the remote side. It may be
// slow and it may fail; every attempt carries a fresh message ID so a retry is
// never mistaken for a duplicate.
type Transport interface {
	Submit(ctx context.Context, conversationID string, m Message) (Ack, error)
}

type PresenceEvent struct {
	UserID   string
	State    Presence
	LastSeen *time.Time
}

// PresenceFeed streams presence changes. The channel is closed when the feed
// ends or ctx is done.
type PresenceFeed interface {
	Subscribe(ctx context.Context) (<-chan PresenceEvent, error)
}

// Recorder persists state changes. Calls happen inside the critical section
// of the mutation they describe, so records arrive in mutation order.
type Recorder interface {
	RecordUser(u User) error
	RecordConversation(c ConversationState) error
	RecordMessage(m Message) error
	RecordReadMarker(conversationID string, sequence uint64) error
}

// Observer receives engine measurements.
type Observer interface {
	MessageAppended(m Message)
	MessageCommitted(m Message, latency time.Duration)
	MessageFailed(m Message)
	EventDropped(kind EventKind)
}

type nopRecorder struct{}

func (nopRecorder) RecordUser(User) error                     { return nil }
func (nopRecorder) RecordConversation(ConversationState) error { return nil }
func (nopRecorder) RecordMessage(Message) error               { return nil }
func (nopRecorder) RecordReadMarker(string, uint64) error     { return nil }

type nopObserver struct{}

func (nopObserver) MessageAppended(Message)                  {}
func (nopObserver) MessageCommitted(Message, time.Duration) {}
func (nopObserver) MessageFailed(Message)                    {}
func (nopObserver) EventDropped(EventKind)                   {}
