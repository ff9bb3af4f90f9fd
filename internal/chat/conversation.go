package chat

import (
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

// Conversation is an immutable snapshot of one conversation. Messages are in
// render order.
type Conversation struct {
	ID                 string    `json:"id"`
	Participants       []string  `json:"participants"`
	CreatedAt          time.Time `json:"createdAt"`
	Messages           []Message `json:"messages"`
	LastRead           uint64    `json:"lastRead"`
	LastSequence       uint64    `json:"lastSequence"`
	UnreadCount        int       `json:"unreadCount"`
	LastMessagePreview string    `json:"lastMessagePreview"`
	LastMessageAt      time.Time `json:"lastMessageAt"`
}

func (c Conversation) Message(id string) (Message, bool) {
	for _, m := range c.Messages {
		if m.ID == id {
			return m, true
		}
	}
	return Message{}, false
}

// activity is the list sort key: the last message time, or the creation time
// for a conversation without messages.
func (c Conversation) activity() time.Time {
	if c.LastMessageAt.IsZero() {
		return c.CreatedAt
	}
	return c.LastMessageAt
}

// ConversationState is the persisted header of a conversation.
type ConversationState struct {
	ID           string    `json:"id"`
	Participants []string  `json:"participants"`
	CreatedAt    time.Time `json:"createdAt"`
	LastRead     uint64    `json:"lastRead"`
}

// snapshot is what readers load. head carries everything but the messages;
// msgs holds frozen copies in render order. Nothing reachable from a
// published snapshot is written again.
type snapshot struct {
	head Conversation
	msgs []*Message
}

// conversation returns a copy the caller owns.
func (sn *snapshot) conversation() Conversation {
	c := sn.head
	c.Participants = append([]string(nil), sn.head.Participants...)
	c.Messages = make([]Message, len(sn.msgs))
	for i, m := range sn.msgs {
		c.Messages[i] = *m
	}
	return c
}

func (sn *snapshot) message(id string) (Message, bool) {
	for i := len(sn.msgs) - 1; i >= 0; i-- {
		if sn.msgs[i].ID == id {
			return *sn.msgs[i], true
		}
	}
	return Message{}, false
}

// conversation is the mutable state behind a snapshot. mu serializes every
// writer; readers only load snap.
type conversation struct {
	mu sync.Mutex

	id           string
	participants []string
	createdAt    time.Time

	log     []*Message
	byID    map[string]*Message
	counter uint64
	readSeq uint64
	unread  int

	// view is the render order of the last publish. Published snapshots
	// share its backing array up to their own length.
	view   []*Message
	viewed int
	dirty  []*Message

	snap atomic.Pointer[snapshot]
}

func (c *conversation) state() ConversationState {
	return ConversationState{
		ID:           c.id,
		Participants: append([]string(nil), c.participants...),
		CreatedAt:    c.createdAt,
		LastRead:     c.readSeq,
	}
}

// unread counts committed messages past the read marker that were not
// written locally.
func unread(msgs []*Message, marker uint64) int {
	n := 0
	for _, m := range msgs {
		if m.Committed() && !m.Local() && m.Sequence > marker {
			n++
		}
	}
	return n
}

// touch queues m to be re-frozen by the next publish.
func (c *conversation) touch(m *Message) {
	for _, d := range c.dirty {
		if d == m {
			return
		}
	}
	c.dirty = append(c.dirty, m)
}

// publishLocked folds the touched messages into the render order and stores
// a new snapshot. Appends land at the tail without copying; moving or
// replacing an existing entry copies the view once.
func (c *conversation) publishLocked() {
	view := c.view
	shared := true
	own := func() {
		if shared {
			view = append(make([]*Message, 0, len(view)+len(c.dirty)), view...)
			shared = false
		}
	}
	for _, m := range c.dirty {
		frozen := *m
		if int(m.pos) < c.viewed {
			for i := len(view) - 1; i >= 0; i-- {
				if view[i].ID == m.ID {
					own()
					view = append(view[:i], view[i+1:]...)
					break
				}
			}
		} else {
			c.viewed++
		}
		j := len(view)
		for j > 0 && renderBefore(&frozen, view[j-1]) {
			j--
		}
		if j == len(view) {
			view = append(view, &frozen)
			continue
		}
		own()
		view = append(view, nil)
		copy(view[j+1:], view[j:])
		view[j] = &frozen
	}
	c.dirty = c.dirty[:0]
	c.view = view

	sn := &snapshot{
		head: Conversation{
			ID:           c.id,
			Participants: c.participants,
			CreatedAt:    c.createdAt,
			LastRead:     c.readSeq,
			LastSequence: c.counter,
			UnreadCount:  c.unread,
		},
		msgs: view[:len(view):len(view)],
	}
	if n := len(view); n > 0 {
		sn.head.LastMessagePreview = view[n-1].Preview()
		sn.head.LastMessageAt = view[n-1].Time()
	} else {
		sn.head.LastMessagePreview = previewEmpty
	}
	c.snap.Store(sn)
}

// ConversationStore owns conversations and their message logs.
type ConversationStore struct {
	mu    sync.RWMutex
	convs map[string]*conversation

	// message ID -> conversation ID
	owners sync.Map

	identity *IdentityStore
	hub      *Hub
	newID    func() string
	now      func() time.Time
	rec      Recorder
	obs      Observer
}

func newConversationStore(identity *IdentityStore, hub *Hub, newID func() string, now func() time.Time, rec Recorder, obs Observer) *ConversationStore {
	return &ConversationStore{
		convs:    map[string]*conversation{},
		identity: identity,
		hub:      hub,
		newID:    newID,
		now:      now,
		rec:      rec,
		obs:      obs,
	}
}

func (s *ConversationStore) prepare(participantIDs []string) (*conversation, error) {
	if len(participantIDs) == 0 {
		return nil, errors.Wrap(ErrInvalidArgument, "conversation needs at least one participant")
	}
	seen := make(map[string]bool, len(participantIDs))
	for _, id := range participantIDs {
		if id == LocalUser || strings.TrimSpace(id) == "" {
			return nil, errors.Wrapf(ErrInvalidArgument, "invalid participant %q", id)
		}
		if seen[id] {
			return nil, errors.Wrapf(ErrInvalidArgument, "participant %s listed twice", id)
		}
		seen[id] = true
	}
	return &conversation{
		id:           s.newID(),
		participants: append([]string(nil), participantIDs...),
		createdAt:    s.now(),
		byID:         map[string]*Message{},
	}, nil
}

// insertLocked must be called with s.mu held for writing.
func (s *ConversationStore) insertLocked(c *conversation) Conversation {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.publishLocked()
	s.convs[c.id] = c
	if err := s.rec.RecordConversation(c.state()); err != nil {
		jww.ERROR.Printf("[Chat] failed to record conversation %s: %+v", c.id, err)
	}
	sn := c.snap.Load()
	ev := sn.conversation()
	s.hub.publish(Event{Kind: EventConversationCreated, ConversationID: c.id, Conversation: &ev})
	return sn.conversation()
}

// CreateConversation starts an empty conversation between the local user and
// the given participants.
func (s *ConversationStore) CreateConversation(participantIDs []string) (Conversation, error) {
	c, err := s.prepare(participantIDs)
	if err != nil {
		return Conversation{}, err
	}

	s.identity.mu.RLock()
	defer s.identity.mu.RUnlock()
	for _, id := range c.participants {
		if !s.identity.existsLocked(id) {
			return Conversation{}, errors.Wrapf(ErrInvalidArgument, "unknown participant %s", id)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.insertLocked(c)
	jww.INFO.Printf("[Chat] created conversation %s with %v", c.id, c.participants)
	return snap, nil
}

func (s *ConversationStore) lookup(id string) (*conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.convs[id]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "conversation %s", id)
	}
	return c, nil
}

// update runs fn as the single writer of the conversation. If fn succeeds a
// new snapshot is published and then the events fn returned. fn must not
// leave partial changes when it fails.
func (s *ConversationStore) update(id string, fn func(c *conversation) ([]Event, error)) error {
	c, err := s.lookup(id)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	events, err := fn(c)
	if err != nil {
		return err
	}
	c.publishLocked()
	for _, e := range events {
		s.hub.publish(e)
	}
	return nil
}

func (s *ConversationStore) validateDraft(d Draft) error {
	if err := d.Content.Validate(); err != nil {
		return err
	}
	switch d.State {
	case Pending:
		if d.SenderID != LocalUser {
			return errors.Wrap(ErrInvalidArgument, "only local messages can be appended as pending")
		}
	case Sent:
		if d.SenderID != LocalUser {
			if _, err := s.identity.GetUser(d.SenderID); err != nil {
				return errors.Wrapf(ErrInvalidArgument, "unknown sender %s", d.SenderID)
			}
		}
	default:
		return errors.Wrapf(ErrInvalidArgument, "cannot append a message in state %s", d.State)
	}
	return nil
}

// AppendMessage adds a draft to the end of a conversation log. It is the only
// way entries enter a log. Pending drafts stay uncommitted; sent drafts are
// sequenced in the same critical section as the append.
func (s *ConversationStore) AppendMessage(conversationID string, d Draft) (Message, error) {
	if err := s.validateDraft(d); err != nil {
		return Message{}, err
	}
	var out Message
	err := s.update(conversationID, func(c *conversation) ([]Event, error) {
		m, ev, err := s.appendLocked(c, d)
		if err != nil {
			return nil, err
		}
		out = *m
		return []Event{ev}, nil
	})
	return out, err
}

func (s *ConversationStore) appendLocked(c *conversation, d Draft) (*Message, Event, error) {
	id := d.ID
	if id == "" {
		id = s.newID()
	}
	if _, dup := c.byID[id]; dup {
		return nil, Event{}, errors.Wrapf(ErrInvalidArgument, "message %s already in conversation %s", id, c.id)
	}
	created := d.CreatedAt
	if created.IsZero() {
		created = s.now()
	}
	m := &Message{
		ID:             id,
		ConversationID: c.id,
		SenderID:       d.SenderID,
		Content:        d.Content,
		CreatedAt:      created,
		State:          Pending,
		RetryOf:        d.RetryOf,
		pos:            uint64(len(c.log)),
	}
	if d.State == Sent {
		c.commitLocked(m, s.now())
	} else {
		m.After = c.counter
	}
	c.log = append(c.log, m)
	c.byID[m.ID] = m
	c.touch(m)
	s.owners.Store(m.ID, c.id)

	if err := s.rec.RecordMessage(*m); err != nil {
		jww.ERROR.Printf("[Chat] failed to record message %s: %+v", m.ID, err)
	}
	s.obs.MessageAppended(*m)
	cp := *m
	return m, Event{Kind: EventMessageAppended, ConversationID: c.id, MessageID: m.ID, Message: &cp}, nil
}

// owner returns the conversation a message was appended to.
func (s *ConversationStore) owner(messageID string) (string, error) {
	v, ok := s.owners.Load(messageID)
	if !ok {
		return "", errors.Wrapf(ErrNotFound, "message %s", messageID)
	}
	return v.(string), nil
}

// snapshot returns the current published state of a conversation. Callers
// must not write through it.
func (s *ConversationStore) snapshot(id string) (*snapshot, error) {
	c, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	return c.snap.Load(), nil
}

// GetConversation returns a copy of the conversation that the caller owns.
func (s *ConversationStore) GetConversation(id string) (Conversation, error) {
	sn, err := s.snapshot(id)
	if err != nil {
		return Conversation{}, err
	}
	return sn.conversation(), nil
}

// snapshots lists the published state of every conversation, most recently
// active first.
func (s *ConversationStore) snapshots() []*snapshot {
	s.mu.RLock()
	out := make([]*snapshot, 0, len(s.convs))
	for _, c := range s.convs {
		out = append(out, c.snap.Load())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		ai, aj := out[i].head.activity(), out[j].head.activity()
		if !ai.Equal(aj) {
			return ai.After(aj)
		}
		return out[i].head.ID < out[j].head.ID
	})
	return out
}

// ListConversations returns every conversation, most recently active first.
func (s *ConversationStore) ListConversations() []Conversation {
	sns := s.snapshots()
	out := make([]Conversation, len(sns))
	for i, sn := range sns {
		out[i] = sn.conversation()
	}
	return out
}

func (s *ConversationStore) findDirect(userID string) *snapshot {
	var found *snapshot
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.convs {
		sn := c.snap.Load()
		h := &sn.head
		if len(h.Participants) != 1 || h.Participants[0] != userID {
			continue
		}
		if found == nil || h.CreatedAt.Before(found.head.CreatedAt) ||
			(h.CreatedAt.Equal(found.head.CreatedAt) && h.ID < found.head.ID) {
			found = sn
		}
	}
	return found
}

// FindDirect returns the oldest conversation whose only participant is
// userID.
func (s *ConversationStore) FindDirect(userID string) (Conversation, bool) {
	sn := s.findDirect(userID)
	if sn == nil {
		return Conversation{}, false
	}
	return sn.conversation(), true
}

// restore rebuilds a conversation from persisted records. msgs must be in
// append order. Messages still pending from an interrupted run are failed.
func (s *ConversationStore) restore(st ConversationState, msgs []Message) {
	c := &conversation{
		id:           st.ID,
		participants: append([]string(nil), st.Participants...),
		createdAt:    st.CreatedAt,
		byID:         make(map[string]*Message, len(msgs)),
		readSeq:      st.LastRead,
	}
	for i := range msgs {
		m := msgs[i]
		m.ConversationID = c.id
		m.pos = uint64(len(c.log))
		if m.State == Pending {
			m.State = Failed
			m.Error = reasonInterrupted
			if err := s.rec.RecordMessage(m); err != nil {
				jww.ERROR.Printf("[Chat] failed to record interrupted message %s: %+v", m.ID, err)
			}
		}
		if m.Committed() && m.Sequence > c.counter {
			c.counter = m.Sequence
		}
		c.log = append(c.log, &m)
		c.byID[m.ID] = &m
		s.owners.Store(m.ID, c.id)
	}
	if c.readSeq > c.counter {
		c.readSeq = c.counter
	}
	c.unread = unread(c.log, c.readSeq)

	c.mu.Lock()
	c.view = make([]*Message, len(c.log))
	for i, m := range c.log {
		frozen := *m
		c.view[i] = &frozen
	}
	sort.Slice(c.view, func(i, j int) bool { return renderBefore(c.view[i], c.view[j]) })
	c.viewed = len(c.log)
	c.publishLocked()
	c.mu.Unlock()

	s.mu.Lock()
	s.convs[c.id] = c
	s.mu.Unlock()
}
