package chat

import (
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

// State is everything a Recorder has persisted, as read back for replay.
type State struct {
	Users         []User
	Conversations []ConversationRecord
}

type ConversationRecord struct {
	ConversationState
	// Messages in append order.
	Messages []Message
}

// Restore loads persisted state into an unused session. Replaying the same
// records always yields the same render order, since committed messages keep
// their sequence and uncommitted ones keep their position.
func (s *Session) Restore(st State) error {
	if len(s.identity.ListUsers()) > 0 || len(s.convs.snapshots()) > 0 {
		return errors.Wrap(ErrInvalidState, "restore needs an empty session")
	}

	known := make(map[string]bool, len(st.Users))
	for _, u := range st.Users {
		if u.ID == "" || u.ID == LocalUser {
			return errors.Wrapf(ErrInvalidArgument, "invalid persisted user id %q", u.ID)
		}
		known[u.ID] = true
	}
	for _, c := range st.Conversations {
		if len(c.Participants) == 0 {
			return errors.Wrapf(ErrInvalidArgument, "persisted conversation %s has no participants", c.ID)
		}
		for _, p := range c.Participants {
			if !known[p] {
				return errors.Wrapf(ErrInvalidArgument, "persisted conversation %s references unknown user %s", c.ID, p)
			}
		}
		seqs := make(map[uint64]string, len(c.Messages))
		for _, m := range c.Messages {
			if !m.Committed() {
				continue
			}
			if prev, dup := seqs[m.Sequence]; dup {
				return errors.Wrapf(ErrInvalidArgument, "messages %s and %s share sequence %d in %s", prev, m.ID, m.Sequence, c.ID)
			}
			seqs[m.Sequence] = m.ID
		}
	}

	for _, u := range st.Users {
		s.identity.restore(u)
	}
	for _, c := range st.Conversations {
		s.convs.restore(c.ConversationState, c.Messages)
	}
	jww.INFO.Printf("[Chat] restored %d users and %d conversations", len(st.Users), len(st.Conversations))
	return nil
}
