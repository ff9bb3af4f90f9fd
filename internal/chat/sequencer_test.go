package chat

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendCommits(t *testing.T) {
	f := newFixture(t, ackTransport{})
	_, conv := f.contact(t, "Sam")
	require.NoError(t, f.s.SelectConversation(conv))

	m, err := f.s.Send(KindText, "hello", "")
	require.NoError(t, err)
	assert.Equal(t, LocalUser, m.SenderID)
	assert.Equal(t, Pending, m.State)
	assert.Zero(t, m.Sequence)
	assert.Equal(t, f.clock.Now(), m.CreatedAt)

	f.clock.Advance(time.Second)
	sent := f.waitState(t, conv, m.ID, Sent)
	assert.Equal(t, uint64(1), sent.Sequence)
	assert.Equal(t, uint64(1000), sent.ServerSequence, "the transport's number is kept for diagnostics")
	assert.Empty(t, sent.Error)
	assert.Equal(t, int64(1), f.obs.committed.Load())
}

func TestConcurrentSendsGetDistinctSequences(t *testing.T) {
	f := newFixture(t, ackTransport{})
	_, conv := f.contact(t, "Sam")
	require.NoError(t, f.s.SelectConversation(conv))

	const n = 40
	ids := make(chan string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m, err := f.s.Send(KindText, "burst", "")
			assert.NoError(t, err)
			ids <- m.ID
		}()
	}
	wg.Wait()
	close(ids)
	for id := range ids {
		f.waitState(t, conv, id, Sent)
	}

	c, err := f.s.Conversation(conv)
	require.NoError(t, err)
	require.Len(t, c.Messages, n)
	seen := map[string]bool{}
	for i, m := range c.Messages {
		assert.False(t, seen[m.ID], "message %s listed twice", m.ID)
		seen[m.ID] = true
		assert.Equal(t, uint64(i+1), m.Sequence)
	}
}

func TestAckOrderDoesNotMatter(t *testing.T) {
	g := newGate()
	f := newFixture(t, g)
	_, conv := f.contact(t, "Sam")
	require.NoError(t, f.s.SelectConversation(conv))

	first, err := f.s.Send(KindText, "first", "")
	require.NoError(t, err)
	g.next(t)
	second, err := f.s.Send(KindText, "second", "")
	require.NoError(t, err)
	g.next(t)

	c, err := f.s.Conversation(conv)
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second"}, bodies(c), "pending entries keep append order")

	g.acks <- nil
	g.acks <- nil
	a := f.waitState(t, conv, first.ID, Sent)
	b := f.waitState(t, conv, second.ID, Sent)
	assert.NotEqual(t, a.Sequence, b.Sequence)
	assert.ElementsMatch(t, []uint64{1, 2}, []uint64{a.Sequence, b.Sequence})
}

func TestDeliveryFailureKeepsLog(t *testing.T) {
	f := newFixture(t, failTransport{})
	sam, conv := f.contact(t, "Sam")
	f.inbound(t, conv, sam, "one")
	f.inbound(t, conv, sam, "two")
	require.NoError(t, f.s.SelectConversation(conv))

	m, err := f.s.Send(KindText, "doomed", "")
	require.NoError(t, err, "delivery failures are not returned from Send")
	failed := f.waitState(t, conv, m.ID, Failed)
	assert.Zero(t, failed.Sequence)
	assert.Contains(t, failed.Error, ErrDelivery.Error())

	c, err := f.s.Conversation(conv)
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two", "doomed"}, bodies(c))
	assert.Equal(t, uint64(1), c.Messages[0].Sequence)
	assert.Equal(t, uint64(2), c.Messages[1].Sequence)
	assert.Equal(t, uint64(2), c.LastSequence)
	assert.Equal(t, int64(1), f.obs.failed.Load())
}

func TestInboundDuringPendingSend(t *testing.T) {
	g := newGate()
	f := newFixture(t, g)
	sam, conv := f.contact(t, "Sam")
	for _, b := range []string{"1", "2", "3", "4"} {
		f.inbound(t, conv, sam, b)
	}
	require.NoError(t, f.s.SelectConversation(conv))

	local, err := f.s.Send(KindText, "local", "")
	require.NoError(t, err)
	g.next(t)

	five := f.inbound(t, conv, sam, "5")
	assert.Equal(t, uint64(5), five.Sequence)

	c, err := f.s.Conversation(conv)
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2", "3", "4", "local", "5"}, bodies(c),
		"pending entry holds its provisional position")

	g.acks <- nil
	sent := f.waitState(t, conv, local.ID, Sent)
	assert.Equal(t, uint64(6), sent.Sequence)

	c, err = f.s.Conversation(conv)
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2", "3", "4", "5", "local"}, bodies(c))
}

func TestCancelPendingSend(t *testing.T) {
	g := newGate()
	f := newFixture(t, g)
	_, conv := f.contact(t, "Sam")
	require.NoError(t, f.s.SelectConversation(conv))

	m, err := f.s.Send(KindText, "oops", "")
	require.NoError(t, err)
	g.next(t)

	cancelled, err := f.s.Cancel(m.ID)
	require.NoError(t, err)
	assert.Equal(t, Failed, cancelled.State)
	assert.Equal(t, "cancelled", cancelled.Error)

	_, err = f.s.Cancel(m.ID)
	assert.True(t, errors.Is(err, ErrInvalidState))
	_, err = f.s.Sequencer().Commit(conv, m.ID, Ack{Sequence: 1})
	assert.True(t, errors.Is(err, ErrInvalidState))
	_, err = f.s.Cancel("unknown")
	assert.True(t, errors.Is(err, ErrNotFound))

	c, err := f.s.Conversation(conv)
	require.NoError(t, err)
	require.Len(t, c.Messages, 1, "cancelled sends stay visible")
	assert.Equal(t, uint64(0), c.LastSequence)
}

func TestLateAckAfterCancelIsIgnored(t *testing.T) {
	g := newGate()
	g.ignoreCtx = true
	f := newFixture(t, g)
	_, conv := f.contact(t, "Sam")
	require.NoError(t, f.s.SelectConversation(conv))

	m, err := f.s.Send(KindText, "slow", "")
	require.NoError(t, err)
	g.next(t)
	_, err = f.s.Cancel(m.ID)
	require.NoError(t, err)

	g.acks <- nil
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.s.Close(ctx))

	c, err := f.s.Conversation(conv)
	require.NoError(t, err)
	got, ok := c.Message(m.ID)
	require.True(t, ok)
	assert.Equal(t, Failed, got.State)
	assert.Equal(t, "cancelled", got.Error)
	assert.Zero(t, got.Sequence)
	assert.Zero(t, c.LastSequence)
}

func TestRetryFailedSend(t *testing.T) {
	g := newGate()
	f := newFixture(t, g)
	_, conv := f.contact(t, "Sam")
	require.NoError(t, f.s.SelectConversation(conv))

	orig, err := f.s.Send(KindGIF, "party", "https://media.example/party.gif")
	require.NoError(t, err)
	g.next(t)
	g.acks <- errors.Wrap(ErrDelivery, "timeout")
	f.waitState(t, conv, orig.ID, Failed)

	retry, err := f.s.Retry(orig.ID)
	require.NoError(t, err)
	assert.NotEqual(t, orig.ID, retry.ID)
	assert.Equal(t, orig.ID, retry.RetryOf)
	assert.Equal(t, orig.Content, retry.Content)
	assert.Equal(t, retry.ID, g.next(t).ID, "each attempt reaches the transport under its own ID")
	g.acks <- nil
	sent := f.waitState(t, conv, retry.ID, Sent)
	assert.Equal(t, uint64(1), sent.Sequence)

	c, err := f.s.Conversation(conv)
	require.NoError(t, err)
	require.Len(t, c.Messages, 2)
	kept, ok := c.Message(orig.ID)
	require.True(t, ok)
	assert.Equal(t, Failed, kept.State)

	_, err = f.s.Retry(retry.ID)
	assert.True(t, errors.Is(err, ErrInvalidState), "only failed messages can be retried")
	_, err = f.s.Retry("missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestCloseInterruptsInFlightSends(t *testing.T) {
	g := newGate()
	f := newFixture(t, g)
	_, conv := f.contact(t, "Sam")
	require.NoError(t, f.s.SelectConversation(conv))

	m, err := f.s.Send(KindText, "bye", "")
	require.NoError(t, err)
	g.next(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.s.Close(ctx))
	got := f.waitState(t, conv, m.ID, Failed)
	assert.Equal(t, "interrupted", got.Error)

	late, err := f.s.Send(KindText, "after close", "")
	require.NoError(t, err)
	got = f.waitState(t, conv, late.ID, Failed)
	assert.Equal(t, "interrupted", got.Error)
}

func TestDeliverRejectsLocalSender(t *testing.T) {
	f := newFixture(t, ackTransport{})
	_, conv := f.contact(t, "Sam")
	_, err := f.s.Sequencer().Deliver(conv, Inbound{SenderID: LocalUser, Content: Content{Kind: KindText, Body: "x"}})
	assert.True(t, errors.Is(err, ErrInvalidArgument))
}

func TestSubmitTwiceIsRejected(t *testing.T) {
	g := newGate()
	f := newFixture(t, g)
	_, conv := f.contact(t, "Sam")
	require.NoError(t, f.s.SelectConversation(conv))

	m, err := f.s.Send(KindText, "once", "")
	require.NoError(t, err)
	g.next(t)

	err = f.s.Sequencer().Submit(conv, m.ID)
	assert.True(t, errors.Is(err, ErrInvalidState))
	select {
	case extra := <-g.submitted:
		t.Fatalf("second transport call for %s", extra.ID)
	case <-time.After(50 * time.Millisecond):
	}

	g.acks <- nil
	sent := f.waitState(t, conv, m.ID, Sent)
	assert.Equal(t, uint64(1), sent.Sequence)
}
