package chat

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

// commitLocked gives m the next sequence of the conversation. The counter and
// the log entry change together under c.mu, so a sequence is never handed
// out without its entry and never reused.
func (c *conversation) commitLocked(m *Message, at time.Time) {
	c.counter++
	m.Sequence = c.counter
	m.Timestamp = at
	m.State = Sent
	m.After = 0
	m.Error = ""
	if !m.Local() {
		c.unread++
	}
	c.touch(m)
}

// Sequencer resolves pending messages to sent or failed. Each conversation
// numbers its committed messages 1, 2, 3... in commit order; that sequence,
// not any timestamp, is the order readers iterate in.
type Sequencer struct {
	store     *ConversationStore
	transport Transport
	timeout   time.Duration
	now       func() time.Time
	obs       Observer

	ctx  context.Context
	stop context.CancelFunc

	mu       sync.Mutex
	closed   bool
	inflight map[string]context.CancelFunc
	wg       sync.WaitGroup
}

func newSequencer(store *ConversationStore, transport Transport, timeout time.Duration, now func() time.Time, obs Observer) *Sequencer {
	ctx, stop := context.WithCancel(context.Background())
	return &Sequencer{
		store:     store,
		transport: transport,
		timeout:   timeout,
		now:       now,
		obs:       obs,
		ctx:       ctx,
		stop:      stop,
		inflight:  map[string]context.CancelFunc{},
	}
}

// Submit hands a pending message to the transport and returns at once. The
// outcome lands on the message itself and is announced on the hub.
func (s *Sequencer) Submit(conversationID, messageID string) error {
	sn, err := s.store.snapshot(conversationID)
	if err != nil {
		return err
	}
	m, ok := sn.message(messageID)
	if !ok {
		return errors.Wrapf(ErrNotFound, "message %s in conversation %s", messageID, conversationID)
	}
	if m.State != Pending {
		return errors.Wrapf(ErrInvalidState, "message %s is %s", messageID, m.State)
	}

	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if s.timeout > 0 {
		ctx, cancel = context.WithTimeout(s.ctx, s.timeout)
	} else {
		ctx, cancel = context.WithCancel(s.ctx)
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		return errors.Wrap(ErrInvalidState, "sequencer is closed")
	}
	if _, busy := s.inflight[messageID]; busy {
		s.mu.Unlock()
		cancel()
		return errors.Wrapf(ErrInvalidState, "message %s is already submitted", messageID)
	}
	s.inflight[messageID] = cancel
	s.wg.Add(1)
	s.mu.Unlock()

	go s.deliver(ctx, cancel, m)
	return nil
}

func (s *Sequencer) deliver(ctx context.Context, cancel context.CancelFunc, m Message) {
	defer s.wg.Done()
	defer cancel()
	defer s.forget(m.ID)

	ack, err := s.transport.Submit(ctx, m.ConversationID, m)
	if err != nil {
		reason := ErrDelivery.Error() + ": " + err.Error()
		switch {
		case errors.Is(err, ErrDelivery):
			reason = err.Error()
		case s.ctx.Err() != nil:
			reason = reasonInterrupted
		}
		if _, ferr := s.fail(m.ConversationID, m.ID, reason); ferr != nil {
			jww.DEBUG.Printf("[Chat] dropped failure of message %s: %v", m.ID, ferr)
		}
		return
	}
	if _, cerr := s.Commit(m.ConversationID, m.ID, ack); cerr != nil {
		// already cancelled or failed; the late ack changes nothing
		jww.DEBUG.Printf("[Chat] ignored ack for message %s: %v", m.ID, cerr)
	}
}

func (s *Sequencer) forget(messageID string) {
	s.mu.Lock()
	delete(s.inflight, messageID)
	s.mu.Unlock()
}

// Commit moves a pending message to sent, assigning its sequence and commit
// timestamp. The ack's own sequence is kept for diagnostics only.
func (s *Sequencer) Commit(conversationID, messageID string, ack Ack) (Message, error) {
	var out Message
	err := s.store.update(conversationID, func(c *conversation) ([]Event, error) {
		m, ok := c.byID[messageID]
		if !ok {
			return nil, errors.Wrapf(ErrNotFound, "message %s in conversation %s", messageID, conversationID)
		}
		if m.State != Pending {
			return nil, errors.Wrapf(ErrInvalidState, "message %s is %s", messageID, m.State)
		}
		c.commitLocked(m, s.now())
		m.ServerSequence = ack.Sequence
		if err := s.store.rec.RecordMessage(*m); err != nil {
			jww.ERROR.Printf("[Chat] failed to record commit of %s: %+v", m.ID, err)
		}
		s.obs.MessageCommitted(*m, m.Timestamp.Sub(m.CreatedAt))
		out = *m
		cp := *m
		return []Event{{Kind: EventMessageCommitted, ConversationID: c.id, MessageID: m.ID, Message: &cp}}, nil
	})
	if err == nil {
		jww.DEBUG.Printf("[Chat] committed message %s as %s#%d", out.ID, conversationID, out.Sequence)
	}
	return out, err
}

// fail marks a pending message failed. The entry stays in the log so the
// failure can be shown and retried.
func (s *Sequencer) fail(conversationID, messageID, reason string) (Message, error) {
	var out Message
	err := s.store.update(conversationID, func(c *conversation) ([]Event, error) {
		m, ok := c.byID[messageID]
		if !ok {
			return nil, errors.Wrapf(ErrNotFound, "message %s in conversation %s", messageID, conversationID)
		}
		if m.State != Pending {
			return nil, errors.Wrapf(ErrInvalidState, "message %s is %s", messageID, m.State)
		}
		m.State = Failed
		m.Error = reason
		c.touch(m)
		if err := s.store.rec.RecordMessage(*m); err != nil {
			jww.ERROR.Printf("[Chat] failed to record failure of %s: %+v", m.ID, err)
		}
		s.obs.MessageFailed(*m)
		out = *m
		cp := *m
		return []Event{{Kind: EventMessageFailed, ConversationID: c.id, MessageID: m.ID, Message: &cp}}, nil
	})
	if err == nil {
		jww.WARN.Printf("[Chat] message %s in %s failed: %s", messageID, conversationID, reason)
	}
	return out, err
}

// Cancel fails a message whose commit has not been acknowledged yet. A
// message that already resolved cannot be cancelled.
func (s *Sequencer) Cancel(messageID string) (Message, error) {
	conversationID, err := s.store.owner(messageID)
	if err != nil {
		return Message{}, err
	}
	m, err := s.fail(conversationID, messageID, reasonCancelled)
	if err != nil {
		return Message{}, err
	}
	s.mu.Lock()
	cancel, ok := s.inflight[messageID]
	s.mu.Unlock()
	if ok {
		cancel()
	}
	return m, nil
}

// Deliver commits a message that arrived from the transport. It is sequenced
// in the same step as its append.
func (s *Sequencer) Deliver(conversationID string, in Inbound) (Message, error) {
	if in.SenderID == LocalUser {
		return Message{}, errors.Wrap(ErrInvalidArgument, "inbound message cannot come from the local user")
	}
	return s.store.AppendMessage(conversationID, Draft{
		SenderID:  in.SenderID,
		Content:   in.Content,
		CreatedAt: in.SentAt,
		State:     Sent,
	})
}

// Close stops accepting submits, cancels the ones in flight and waits for
// them to resolve.
func (s *Sequencer) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.stop()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
