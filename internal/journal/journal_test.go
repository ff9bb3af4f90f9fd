package journal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pelusa-v/pelusa-chat/internal/chat"
	"github.com/pelusa-v/pelusa-chat/internal/transport"
)

// utcNow drops the monotonic reading so times survive the JSON round trip
// unchanged.
func utcNow() time.Time { return time.Now().UTC() }

func openMem(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(Options{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func TestOpenNeedsPath(t *testing.T) {
	_, err := Open(Options{})
	assert.Error(t, err)
}

func TestMessageKeysSortByPosition(t *testing.T) {
	assert.Less(t, string(messageKey("c", 9)), string(messageKey("c", 10)))
	assert.Less(t, string(messageKey("c", 99)), string(messageKey("c", 100)))
	assert.Equal(t, []byte("m0"), prefixEnd("m/"))
}

func TestReplayProducesIdenticalOrder(t *testing.T) {
	j := openMem(t)
	s, err := chat.New(chat.Options{
		Transport: transport.NewLoopback(transport.WithFailureRate(0.5, 7)),
		Recorder:  j,
		Now:       utcNow,
	})
	require.NoError(t, err)

	sam, conv, err := s.AddContact("Sam", "")
	require.NoError(t, err)
	_, _, err = s.AddContact("Kim", "https://pics.example/kim.png")
	require.NoError(t, err)
	require.NoError(t, s.SelectConversation(conv.ID))

	var sent []string
	for i := 0; i < 12; i++ {
		if i%3 == 0 {
			_, err := s.Receive(chat.Inbound{
				ConversationID: conv.ID,
				SenderID:       sam.ID,
				Content:        chat.Content{Kind: chat.KindText, Body: "inbound"},
				SentAt:         utcNow(),
			})
			require.NoError(t, err)
			continue
		}
		m, err := s.Send(chat.KindText, "outbound", "")
		require.NoError(t, err)
		sent = append(sent, m.ID)
	}
	require.Eventually(t, func() bool {
		c, err := s.Conversation(conv.ID)
		if err != nil {
			return false
		}
		for _, id := range sent {
			if m, ok := c.Message(id); !ok || m.State == chat.Pending {
				return false
			}
		}
		return true
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, s.SelectConversation(""))
	_, err = s.Receive(chat.Inbound{ConversationID: conv.ID, SenderID: sam.ID, Content: chat.Content{Kind: chat.KindEmoji, Glyph: "🎉"}})
	require.NoError(t, err)

	orig, err := s.Conversation(conv.ID)
	require.NoError(t, err)

	st, err := j.Load()
	require.NoError(t, err)
	require.Len(t, st.Users, 2)
	assert.ElementsMatch(t, []string{"Sam", "Kim"}, []string{st.Users[0].Name, st.Users[1].Name})
	require.Len(t, st.Conversations, 2)

	replayed, err := chat.New(chat.Options{Transport: transport.NewLoopback()})
	require.NoError(t, err)
	require.NoError(t, replayed.Restore(st))

	got, err := replayed.Conversation(conv.ID)
	require.NoError(t, err)
	assert.Equal(t, orig.Messages, got.Messages)
	assert.Equal(t, orig.LastRead, got.LastRead)
	assert.Equal(t, orig.UnreadCount, got.UnreadCount)
	assert.Equal(t, 1, got.UnreadCount)

	require.NoError(t, j.Compact())
	again, err := j.Load()
	require.NoError(t, err)
	assert.Equal(t, st, again, "compaction keeps every live record")
}

func TestReadMarkerOnlyMovesForward(t *testing.T) {
	j := openMem(t)
	require.NoError(t, j.RecordConversation(chat.ConversationState{ID: "c1", Participants: []string{"u1"}}))
	require.NoError(t, j.RecordReadMarker("c1", 4))
	require.NoError(t, j.RecordReadMarker("c1", 2))

	st, err := j.Load()
	require.NoError(t, err)
	require.Len(t, st.Conversations, 1)
	assert.Equal(t, uint64(4), st.Conversations[0].LastRead)

	assert.Error(t, j.RecordReadMarker("missing", 1))
}

func TestMessagesStayInTheirConversation(t *testing.T) {
	j := openMem(t)
	for _, id := range []string{"c1", "c10"} {
		require.NoError(t, j.RecordConversation(chat.ConversationState{ID: id, Participants: []string{"u1"}}))
		require.NoError(t, j.RecordMessage(chat.Message{
			ID:             id + "-m",
			ConversationID: id,
			SenderID:       "u1",
			Content:        chat.Content{Kind: chat.KindText, Body: id},
			State:          chat.Sent,
			Sequence:       1,
		}))
	}
	st, err := j.Load()
	require.NoError(t, err)
	require.Len(t, st.Conversations, 2)
	for _, c := range st.Conversations {
		require.Len(t, c.Messages, 1, c.ID)
		assert.Equal(t, c.ID, c.Messages[0].Body)
	}
}
