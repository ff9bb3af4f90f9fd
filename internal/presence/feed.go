package presence

import (
	"context"
	"strings"
	"sync"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"github.com/pelusa-v/pelusa-chat/internal/chat"
)

var ErrClosed = errors.New("presence feed closed")

// Feed is an in-process presence stream. Publishers push events; each
// subscriber has its own buffer and misses events when it falls behind.
type Feed struct {
	mu     sync.Mutex
	subs   map[chan chat.PresenceEvent]struct{}
	buffer int
	closed bool
}

func NewFeed(buffer int) *Feed {
	if buffer <= 0 {
		buffer = 64
	}
	return &Feed{subs: map[chan chat.PresenceEvent]struct{}{}, buffer: buffer}
}

func (f *Feed) Subscribe(ctx context.Context) (<-chan chat.PresenceEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrClosed
	}
	ch := make(chan chat.PresenceEvent, f.buffer)
	f.subs[ch] = struct{}{}
	go func() {
		<-ctx.Done()
		f.mu.Lock()
		defer f.mu.Unlock()
		if _, ok := f.subs[ch]; ok {
			delete(f.subs, ch)
			close(ch)
		}
	}()
	return ch, nil
}

// Publish hands ev to every subscriber without blocking.
func (f *Feed) Publish(ev chat.PresenceEvent) error {
	if strings.TrimSpace(ev.UserID) == "" {
		return errors.Wrap(chat.ErrInvalidArgument, "presence event without user id")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	for ch := range f.subs {
		select {
		case ch <- ev:
		default:
			jww.WARN.Printf("[Presence] subscriber full, dropped update for %s", ev.UserID)
		}
	}
	return nil
}

// Close ends every subscription.
func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for ch := range f.subs {
		delete(f.subs, ch)
		close(ch)
	}
}
