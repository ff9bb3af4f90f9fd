package chat

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

// DefaultPresenceFallback is shown for an offline user whose last-seen time
// is unknown.
const DefaultPresenceFallback = "Offline"

// Summary is one row of the conversation list.
type Summary struct {
	ConversationID     string    `json:"conversationId"`
	Title              string    `json:"title"`
	Avatar             string    `json:"avatar"`
	Presence           string    `json:"presence"`
	LastMessagePreview string    `json:"lastMessagePreview"`
	LastMessageTime    string    `json:"lastMessageTime"`
	LastMessageAt      time.Time `json:"lastMessageAt"`
	UnreadCount        int       `json:"unreadCount"`
	Active             bool      `json:"active"`
}

// Tracker derives read state and presence labels from the stores.
type Tracker struct {
	store    *ConversationStore
	identity *IdentityStore
	hub      *Hub
	now      func() time.Time
	fallback string
}

func newTracker(store *ConversationStore, identity *IdentityStore, hub *Hub, now func() time.Time, fallback string) *Tracker {
	if fallback == "" {
		fallback = DefaultPresenceFallback
	}
	return &Tracker{store: store, identity: identity, hub: hub, now: now, fallback: fallback}
}

// MarkRead moves the read marker of a conversation to its newest committed
// message. Calling it again without new messages changes nothing.
func (t *Tracker) MarkRead(conversationID string) error {
	return t.store.update(conversationID, func(c *conversation) ([]Event, error) {
		if c.readSeq >= c.counter {
			return nil, nil
		}
		c.readSeq = c.counter
		c.unread = 0
		if err := t.store.rec.RecordReadMarker(c.id, c.readSeq); err != nil {
			jww.ERROR.Printf("[Chat] failed to record read marker of %s: %+v", c.id, err)
		}
		return []Event{{Kind: EventRead, ConversationID: c.id, LastRead: c.readSeq}}, nil
	})
}

// UnreadCount recounts unread messages from the current log and marker on
// every call.
func (t *Tracker) UnreadCount(conversationID string) (int, error) {
	sn, err := t.store.snapshot(conversationID)
	if err != nil {
		return 0, err
	}
	return unread(sn.msgs, sn.head.LastRead), nil
}

func (t *Tracker) PresenceLabel(userID string) (string, error) {
	u, err := t.identity.GetUser(userID)
	if err != nil {
		return "", err
	}
	return t.presenceLabel(u), nil
}

func (t *Tracker) presenceLabel(u User) string {
	switch u.Presence {
	case Online:
		return "Online"
	case Away:
		return "Away"
	}
	if u.LastSeen == nil || u.LastSeen.IsZero() {
		return t.fallback
	}
	return "Last seen " + humanize.RelTime(*u.LastSeen, t.now(), "ago", "from now")
}

// Inbox lists conversation summaries, most recently active first. A non-empty
// query keeps the conversations whose title or preview contains it, ignoring
// case.
func (t *Tracker) Inbox(query string) []Summary {
	query = strings.ToLower(strings.TrimSpace(query))
	sns := t.store.snapshots()
	now := t.now()
	out := make([]Summary, 0, len(sns))
	for _, sn := range sns {
		s := t.summarize(&sn.head, now)
		if query != "" &&
			!strings.Contains(strings.ToLower(s.Title), query) &&
			!strings.Contains(strings.ToLower(s.LastMessagePreview), query) {
			continue
		}
		out = append(out, s)
	}
	return out
}

func (t *Tracker) summarize(c *Conversation, now time.Time) Summary {
	s := Summary{
		ConversationID:     c.ID,
		LastMessagePreview: c.LastMessagePreview,
		LastMessageAt:      c.LastMessageAt,
		LastMessageTime:    DisplayTime(c.LastMessageAt, now),
		UnreadCount:        c.UnreadCount,
	}
	names := make([]string, 0, len(c.Participants))
	for i, id := range c.Participants {
		u, err := t.identity.GetUser(id)
		if err != nil {
			names = append(names, id)
			continue
		}
		names = append(names, u.Name)
		if i == 0 {
			s.Avatar = u.Avatar
			s.Presence = t.presenceLabel(u)
		}
	}
	s.Title = strings.Join(names, ", ")
	return s
}

// DisplayTime renders the time of the last message the way the conversation
// list shows it.
func DisplayTime(at, now time.Time) string {
	if at.IsZero() {
		return "New"
	}
	at = at.In(now.Location())
	if now.Sub(at) < time.Minute {
		return "Just now"
	}
	// local dates compared at UTC midnight; a local day is not always 24h
	day := func(t time.Time) time.Time {
		y, m, d := t.Date()
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	}
	days := int(day(now).Sub(day(at)) / (24 * time.Hour))
	switch {
	case days <= 0:
		return at.Format("3:04 PM")
	case days == 1:
		return "Yesterday"
	case days < 7:
		return fmt.Sprintf("%dd ago", days)
	case at.Year() == now.Year():
		return at.Format("Jan 2")
	}
	return at.Format("Jan 2, 2006")
}

// Run applies presence events from feed until the feed ends or ctx is done.
func (t *Tracker) Run(ctx context.Context, feed PresenceFeed) error {
	events, err := feed.Subscribe(ctx)
	if err != nil {
		return errors.Wrap(err, "subscribing to presence feed")
	}
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			t.applyPresence(ev)
		case <-ctx.Done():
			return nil
		}
	}
}

func (t *Tracker) applyPresence(ev PresenceEvent) {
	u, err := t.identity.UpdatePresence(ev.UserID, ev.State, ev.LastSeen)
	if err != nil {
		jww.WARN.Printf("[Chat] skipped presence event for %s: %v", ev.UserID, err)
		return
	}
	t.hub.publish(Event{Kind: EventPresence, UserID: u.ID, User: &u})
}
