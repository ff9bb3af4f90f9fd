package transport

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pelusa-v/pelusa-chat/internal/chat"
)

func TestLoopbackAcksPerConversation(t *testing.T) {
	l := NewLoopback()
	ctx := context.Background()

	for want := uint64(1); want <= 3; want++ {
		ack, err := l.Submit(ctx, "c1", chat.Message{ID: "m"})
		require.NoError(t, err)
		assert.Equal(t, want, ack.Sequence)
		assert.False(t, ack.Timestamp.IsZero())
	}
	ack, err := l.Submit(ctx, "c2", chat.Message{ID: "m"})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), ack.Sequence)
}

func TestLoopbackHonoursContext(t *testing.T) {
	l := NewLoopback(WithLatency(time.Hour))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := l.Submit(ctx, "c1", chat.Message{ID: "m1"})
	assert.True(t, errors.Is(err, chat.ErrDelivery))

	done, stop := context.WithCancel(context.Background())
	stop()
	_, err = NewLoopback().Submit(done, "c1", chat.Message{ID: "m2"})
	assert.True(t, errors.Is(err, chat.ErrDelivery))
}

func TestLoopbackFailureRate(t *testing.T) {
	always := NewLoopback(WithFailureRate(1, 1))
	_, err := always.Submit(context.Background(), "c1", chat.Message{ID: "m1"})
	assert.True(t, errors.Is(err, chat.ErrDelivery))

	run := func() []bool {
		l := NewLoopback(WithFailureRate(0.5, 42))
		var out []bool
		for i := 0; i < 20; i++ {
			_, err := l.Submit(context.Background(), "c1", chat.Message{ID: "m"})
			out = append(out, err == nil)
		}
		return out
	}
	assert.Equal(t, run(), run(), "the same seed fails the same submits")
}

func TestLoopbackThroughput(t *testing.T) {
	l := NewLoopback(WithThroughput(100))
	start := time.Now()
	for i := 0; i < 5; i++ {
		_, err := l.Submit(context.Background(), "c1", chat.Message{ID: "m"})
		require.NoError(t, err)
	}
	assert.GreaterOrEqual(t, time.Since(start), 35*time.Millisecond)
}

func TestLoopbackDropsSubmitThatExpiredWhileThrottled(t *testing.T) {
	l := NewLoopback(WithThroughput(5))
	_, err := l.Submit(context.Background(), "c1", chat.Message{ID: "m1"})
	require.NoError(t, err)

	// the next slot opens 200ms after the first
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Submit(ctx, "c1", chat.Message{ID: "m2"})
	assert.True(t, errors.Is(err, chat.ErrDelivery))

	ack, err := l.Submit(context.Background(), "c1", chat.Message{ID: "m3"})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), ack.Sequence, "the expired submit was never acknowledged")
}
