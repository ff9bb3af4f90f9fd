package chat

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

type Options struct {
	// Transport commits local messages. Required.
	Transport Transport
	Recorder  Recorder
	Observer  Observer

	AvatarBase       string
	PresenceFallback string
	SubmitTimeout    time.Duration
	EventBuffer      int

	Now   func() time.Time
	NewID func() string
}

// Session is the single entry point for a UI: the conversation list, the
// active conversation, and the send and add-contact intents.
type Session struct {
	// mu guards active and serializes implicit conversation creation.
	mu     sync.Mutex
	active string

	identity *IdentityStore
	convs    *ConversationStore
	seq      *Sequencer
	tracker  *Tracker
	hub      *Hub

	now   func() time.Time
	newID func() string
}

func New(opts Options) (*Session, error) {
	if opts.Transport == nil {
		return nil, errors.Wrap(ErrInvalidArgument, "session needs a transport")
	}
	if opts.Recorder == nil {
		opts.Recorder = nopRecorder{}
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}

	s := &Session{now: opts.Now, newID: opts.NewID}
	s.hub = newHub(opts.EventBuffer, opts.Observer)
	s.identity = newIdentityStore(opts.AvatarBase, opts.NewID, opts.Now, opts.Recorder)
	s.convs = newConversationStore(s.identity, s.hub, opts.NewID, opts.Now, opts.Recorder, opts.Observer)
	s.seq = newSequencer(s.convs, opts.Transport, opts.SubmitTimeout, opts.Now, opts.Observer)
	s.tracker = newTracker(s.convs, s.identity, s.hub, opts.Now, opts.PresenceFallback)
	return s, nil
}

func (s *Session) Identity() *IdentityStore { return s.identity }
func (s *Session) Store() *ConversationStore { return s.convs }
func (s *Session) Sequencer() *Sequencer { return s.seq }
func (s *Session) Tracker() *Tracker { return s.tracker }

// Run dispatches events and consumes the presence feed until ctx is done.
// feed may be nil.
func (s *Session) Run(ctx context.Context, feed PresenceFeed) error {
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.hub.Run(ctx)
	}()
	var err error
	if feed != nil {
		err = s.tracker.Run(ctx, feed)
	}
	<-done
	return err
}

// Close waits for in-flight sends. Sends still unacknowledged when ctx ends
// are failed as interrupted.
func (s *Session) Close(ctx context.Context) error {
	return s.seq.Close(ctx)
}

func (s *Session) Subscribe(buffer int, conversationIDs ...string) *Subscription {
	return s.hub.Subscribe(buffer, conversationIDs...)
}

// SelectConversation makes id the active conversation and marks it read.
// An empty id clears the selection without touching read state.
func (s *Session) SelectConversation(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id == "" {
		if s.active != "" {
			s.active = ""
			s.hub.publish(Event{Kind: EventActiveChanged})
		}
		return nil
	}
	if _, err := s.convs.lookup(id); err != nil {
		return err
	}
	s.active = id
	if err := s.tracker.MarkRead(id); err != nil {
		return err
	}
	s.hub.publish(Event{Kind: EventActiveChanged, ConversationID: id})
	return nil
}

func (s *Session) Active() (Conversation, bool) {
	s.mu.Lock()
	id := s.active
	s.mu.Unlock()
	if id == "" {
		return Conversation{}, false
	}
	c, err := s.convs.GetConversation(id)
	return c, err == nil
}

func (s *Session) activeID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Send writes a message to the active conversation. It is visible as pending
// when Send returns; the commit happens in the background and its outcome is
// reported on the message and as an event.
func (s *Session) Send(kind Kind, text, uri string) (Message, error) {
	convID := s.activeID()
	if convID == "" {
		return Message{}, errors.Wrap(ErrInvalidState, "no active conversation")
	}
	content, err := NewContent(kind, text, uri)
	if err != nil {
		return Message{}, err
	}
	return s.sendDraft(convID, Draft{
		ID:        s.newID(),
		SenderID:  LocalUser,
		Content:   content,
		CreatedAt: s.now(),
		State:     Pending,
	})
}

func (s *Session) sendDraft(convID string, d Draft) (Message, error) {
	m, err := s.convs.AppendMessage(convID, d)
	if err != nil {
		return Message{}, err
	}
	if err := s.tracker.MarkRead(convID); err != nil {
		jww.WARN.Printf("[Chat] failed to mark %s read after send: %v", convID, err)
	}
	if err := s.seq.Submit(convID, m.ID); err != nil {
		jww.WARN.Printf("[Chat] could not submit message %s: %v", m.ID, err)
		if _, ferr := s.seq.fail(convID, m.ID, reasonInterrupted); ferr != nil {
			jww.DEBUG.Printf("[Chat] message %s already resolved: %v", m.ID, ferr)
		}
	}
	return m, nil
}

// Cancel fails a send that has not been acknowledged yet.
func (s *Session) Cancel(messageID string) (Message, error) {
	return s.seq.Cancel(messageID)
}

// Retry sends the content of a failed message again under a new ID. The
// failed entry stays in the log.
func (s *Session) Retry(messageID string) (Message, error) {
	convID, err := s.convs.owner(messageID)
	if err != nil {
		return Message{}, err
	}
	sn, err := s.convs.snapshot(convID)
	if err != nil {
		return Message{}, err
	}
	orig, ok := sn.message(messageID)
	if !ok {
		return Message{}, errors.Wrapf(ErrNotFound, "message %s", messageID)
	}
	if orig.State != Failed || !orig.Local() {
		return Message{}, errors.Wrapf(ErrInvalidState, "message %s is %s", messageID, orig.State)
	}
	return s.sendDraft(convID, Draft{
		ID:        s.newID(),
		SenderID:  LocalUser,
		Content:   orig.Content,
		CreatedAt: s.now(),
		State:     Pending,
		RetryOf:   orig.ID,
	})
}

// AddContact creates a user and an empty conversation with them. Readers see
// both or neither.
func (s *Session) AddContact(name, avatarHint string) (User, Conversation, error) {
	u, err := s.identity.prepare(s.newID(), name, avatarHint)
	if err != nil {
		return User{}, Conversation{}, err
	}
	return s.introduce(u)
}

// introduce inserts u and its direct conversation while holding both store
// write locks, identity first.
func (s *Session) introduce(u *User) (User, Conversation, error) {
	c, err := s.convs.prepare([]string{u.ID})
	if err != nil {
		return User{}, Conversation{}, err
	}

	s.identity.mu.Lock()
	defer s.identity.mu.Unlock()
	if s.identity.existsLocked(u.ID) {
		return User{}, Conversation{}, errors.Wrapf(ErrInvalidArgument, "user %s already exists", u.ID)
	}
	s.convs.mu.Lock()
	defer s.convs.mu.Unlock()

	s.identity.insertLocked(u)
	snap := s.convs.insertLocked(c)
	user := u.clone()
	s.hub.publish(Event{Kind: EventContactAdded, ConversationID: c.id, UserID: u.ID, User: &user})
	jww.INFO.Printf("[Chat] added contact %s (%q) with conversation %s", u.ID, u.Name, c.id)
	return user, snap, nil
}

// Receive records a message that arrived for this device. Without a
// conversation ID it lands in the direct conversation with the sender, which
// is created on the first message. An unknown sender is added when the
// message carries their name.
func (s *Session) Receive(in Inbound) (Message, error) {
	if err := in.Content.Validate(); err != nil {
		return Message{}, err
	}
	if in.SenderID == LocalUser || in.SenderID == "" {
		return Message{}, errors.Wrapf(ErrInvalidArgument, "invalid sender %q", in.SenderID)
	}

	convID := in.ConversationID
	if convID == "" {
		id, err := s.directConversation(in)
		if err != nil {
			return Message{}, err
		}
		convID = id
	} else {
		sn, err := s.convs.snapshot(convID)
		if err != nil {
			return Message{}, err
		}
		if !contains(sn.head.Participants, in.SenderID) {
			return Message{}, errors.Wrapf(ErrInvalidArgument, "%s is not in conversation %s", in.SenderID, convID)
		}
	}

	m, err := s.seq.Deliver(convID, in)
	if err != nil {
		return Message{}, err
	}
	if s.activeID() == convID {
		if err := s.tracker.MarkRead(convID); err != nil {
			jww.WARN.Printf("[Chat] failed to mark active %s read: %v", convID, err)
		}
	}
	return m, nil
}

func (s *Session) directConversation(in Inbound) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.identity.GetUser(in.SenderID); err != nil {
		if !errors.Is(err, ErrNotFound) || in.SenderName == "" {
			return "", err
		}
		u, err := s.identity.prepare(in.SenderID, in.SenderName, "")
		if err != nil {
			return "", err
		}
		_, c, err := s.introduce(u)
		if err != nil {
			return "", err
		}
		return c.ID, nil
	}
	if sn := s.convs.findDirect(in.SenderID); sn != nil {
		return sn.head.ID, nil
	}
	c, err := s.convs.CreateConversation([]string{in.SenderID})
	if err != nil {
		return "", err
	}
	return c.ID, nil
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

// Conversations lists conversation summaries, most recent first, filtered by
// query when it is not empty.
func (s *Session) Conversations(query string) []Summary {
	active := s.activeID()
	list := s.tracker.Inbox(query)
	for i := range list {
		list[i].Active = list[i].ConversationID == active
	}
	return list
}

func (s *Session) Conversation(id string) (Conversation, error) {
	return s.convs.GetConversation(id)
}

func (s *Session) CreateConversation(participantIDs []string) (Conversation, error) {
	return s.convs.CreateConversation(participantIDs)
}

func (s *Session) MarkRead(conversationID string) error {
	return s.tracker.MarkRead(conversationID)
}

func (s *Session) UnreadCount(conversationID string) (int, error) {
	return s.tracker.UnreadCount(conversationID)
}

func (s *Session) Users() []User { return s.identity.ListUsers() }

func (s *Session) User(id string) (User, error) { return s.identity.GetUser(id) }

func (s *Session) UpdatePresence(userID string, state Presence, lastSeen *time.Time) (User, error) {
	u, err := s.identity.UpdatePresence(userID, state, lastSeen)
	if err != nil {
		return User{}, err
	}
	s.hub.publish(Event{Kind: EventPresence, UserID: u.ID, User: &u})
	return u, nil
}

func (s *Session) PresenceLabel(userID string) (string, error) {
	return s.tracker.PresenceLabel(userID)
}
