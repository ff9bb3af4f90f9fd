// Package transport holds Transport implementations for the chat engine.
package transport

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
	"go.uber.org/ratelimit"

	"github.com/pelusa-v/pelusa-chat/internal/chat"
)

// Loopback acknowledges every submit locally after a simulated network
// delay. It stands in for a remote service during development and tests.
type Loopback struct {
	latency  time.Duration
	failRate float64
	limiter  ratelimit.Limiter
	now      func() time.Time

	mu  sync.Mutex
	rng *rand.Rand
	seq map[string]uint64
}

type Option func(*Loopback)

func WithLatency(d time.Duration) Option {
	return func(l *Loopback) { l.latency = d }
}

// WithFailureRate makes a fraction p of submits fail. seed fixes the
// sequence of failures.
func WithFailureRate(p float64, seed int64) Option {
	return func(l *Loopback) {
		l.failRate = p
		l.rng = rand.New(rand.NewSource(seed))
	}
}

// WithThroughput caps acknowledged submits per second across all
// conversations.
func WithThroughput(perSecond int) Option {
	return func(l *Loopback) {
		if perSecond > 0 {
			l.limiter = ratelimit.New(perSecond, ratelimit.WithoutSlack)
		}
	}
}

func NewLoopback(opts ...Option) *Loopback {
	l := &Loopback{
		limiter: ratelimit.NewUnlimited(),
		now:     time.Now,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		seq:     map[string]uint64{},
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

func (l *Loopback) Submit(ctx context.Context, conversationID string, m chat.Message) (chat.Ack, error) {
	if err := ctx.Err(); err != nil {
		return chat.Ack{}, errors.Wrapf(chat.ErrDelivery, "message %s: %v", m.ID, err)
	}
	// Take cannot be interrupted; a submit that expired while queued is
	// dropped here.
	l.limiter.Take()
	if err := ctx.Err(); err != nil {
		return chat.Ack{}, errors.Wrapf(chat.ErrDelivery, "message %s: %v", m.ID, err)
	}
	if l.latency > 0 {
		t := time.NewTimer(l.latency)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return chat.Ack{}, errors.Wrapf(chat.ErrDelivery, "message %s: %v", m.ID, ctx.Err())
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failRate > 0 && l.rng.Float64() < l.failRate {
		jww.DEBUG.Printf("[Loopback] dropping message %s", m.ID)
		return chat.Ack{}, errors.Wrapf(chat.ErrDelivery, "message %s: network unreachable", m.ID)
	}
	l.seq[conversationID]++
	return chat.Ack{Sequence: l.seq[conversationID], Timestamp: l.now()}, nil
}
