package chat

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock {
	return &clock{t: time.Date(2024, 3, 14, 15, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func seqIDs(prefix string) func() string {
	var n atomic.Uint64
	return func() string { return fmt.Sprintf("%s-%03d", prefix, n.Add(1)) }
}

// ackTransport acknowledges every submit at once.
type ackTransport struct{}

func (ackTransport) Submit(context.Context, string, Message) (Ack, error) {
	return Ack{Sequence: 1000, Timestamp: time.Now()}, nil
}

// failTransport rejects every submit.
type failTransport struct{}

func (failTransport) Submit(_ context.Context, _ string, m Message) (Ack, error) {
	return Ack{}, errors.Wrapf(ErrDelivery, "no route for %s", m.ID)
}

// gateTransport blocks each submit until the test answers on acks. A nil
// answer acknowledges.
type gateTransport struct {
	submitted chan Message
	acks      chan error
	// ignoreCtx keeps waiting for an answer after ctx is done.
	ignoreCtx bool
}

func newGate() *gateTransport {
	return &gateTransport{submitted: make(chan Message, 16), acks: make(chan error)}
}

func (g *gateTransport) Submit(ctx context.Context, _ string, m Message) (Ack, error) {
	g.submitted <- m
	done := ctx.Done()
	if g.ignoreCtx {
		done = nil
	}
	select {
	case err := <-g.acks:
		if err != nil {
			return Ack{}, err
		}
		return Ack{Sequence: 77, Timestamp: time.Now()}, nil
	case <-done:
		return Ack{}, ctx.Err()
	}
}

func (g *gateTransport) next(t *testing.T) Message {
	t.Helper()
	select {
	case m := <-g.submitted:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("no submit reached the transport")
	}
	return Message{}
}

// memRecorder keeps the latest record of everything, like the journal.
type memRecorder struct {
	mu    sync.Mutex
	users map[string]User
	convs map[string]ConversationState
	msgs  map[string]map[uint64]Message
}

func newMemRecorder() *memRecorder {
	return &memRecorder{
		users: map[string]User{},
		convs: map[string]ConversationState{},
		msgs:  map[string]map[uint64]Message{},
	}
}

func (r *memRecorder) RecordUser(u User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users[u.ID] = u.clone()
	return nil
}

func (r *memRecorder) RecordConversation(c ConversationState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.convs[c.ID] = c
	return nil
}

func (r *memRecorder) RecordMessage(m Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.msgs[m.ConversationID] == nil {
		r.msgs[m.ConversationID] = map[uint64]Message{}
	}
	r.msgs[m.ConversationID][m.Position()] = m
	return nil
}

func (r *memRecorder) RecordReadMarker(id string, seq uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.convs[id]
	c.LastRead = seq
	r.convs[id] = c
	return nil
}

func (r *memRecorder) state() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	var st State
	for _, u := range r.users {
		st.Users = append(st.Users, u)
	}
	sort.Slice(st.Users, func(i, j int) bool { return st.Users[i].ID < st.Users[j].ID })
	for id, c := range r.convs {
		rec := ConversationRecord{ConversationState: c}
		for pos := uint64(0); pos < uint64(len(r.msgs[id])); pos++ {
			m := r.msgs[id][pos]
			m.pos = 0
			rec.Messages = append(rec.Messages, m)
		}
		st.Conversations = append(st.Conversations, rec)
	}
	sort.Slice(st.Conversations, func(i, j int) bool { return st.Conversations[i].ID < st.Conversations[j].ID })
	return st
}

type countingObserver struct {
	appended, committed, failed, dropped atomic.Int64
}

func (o *countingObserver) MessageAppended(Message)                  { o.appended.Add(1) }
func (o *countingObserver) MessageCommitted(Message, time.Duration) { o.committed.Add(1) }
func (o *countingObserver) MessageFailed(Message)                    { o.failed.Add(1) }
func (o *countingObserver) EventDropped(EventKind)                   { o.dropped.Add(1) }

type fixture struct {
	s     *Session
	clock *clock
	rec   *memRecorder
	obs   *countingObserver
}

func newFixture(t *testing.T, tr Transport) *fixture {
	t.Helper()
	f := &fixture{clock: newClock(), rec: newMemRecorder(), obs: &countingObserver{}}
	s, err := New(Options{
		Transport:     tr,
		Recorder:      f.rec,
		Observer:      f.obs,
		Now:           f.clock.Now,
		NewID:         seqIDs("id"),
		SubmitTimeout: 5 * time.Second,
	})
	require.NoError(t, err)
	f.s = s
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Close(ctx)
	})
	return f
}

// contact adds a user with a direct conversation and returns both IDs.
func (f *fixture) contact(t *testing.T, name string) (userID, convID string) {
	t.Helper()
	u, c, err := f.s.AddContact(name, "")
	require.NoError(t, err)
	return u.ID, c.ID
}

func (f *fixture) inbound(t *testing.T, convID, senderID, body string) Message {
	t.Helper()
	f.clock.Advance(time.Second)
	m, err := f.s.Receive(Inbound{
		ConversationID: convID,
		SenderID:       senderID,
		Content:        Content{Kind: KindText, Body: body},
		SentAt:         f.clock.Now(),
	})
	require.NoError(t, err)
	return m
}

// waitState waits for a message to reach state and returns it.
func (f *fixture) waitState(t *testing.T, convID, msgID string, state DeliveryState) Message {
	t.Helper()
	get := func() (Message, bool) {
		c, err := f.s.Conversation(convID)
		if err != nil {
			return Message{}, false
		}
		return c.Message(msgID)
	}
	require.Eventually(t, func() bool {
		m, ok := get()
		return ok && m.State == state
	}, 2*time.Second, 5*time.Millisecond, "message %s never became %s", msgID, state)
	m, _ := get()
	return m
}

func bodies(c Conversation) []string {
	out := make([]string, len(c.Messages))
	for i, m := range c.Messages {
		out[i] = m.Preview()
	}
	return out
}
