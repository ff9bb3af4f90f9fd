package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pelusa-v/pelusa-chat/internal/chat"
)

func TestObserverCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	o, err := NewObserver(reg)
	require.NoError(t, err)

	local := chat.Message{SenderID: chat.LocalUser, Content: chat.Content{Kind: chat.KindText}}
	remote := chat.Message{SenderID: "u1", Content: chat.Content{Kind: chat.KindGIF}}

	o.MessageAppended(local)
	o.MessageAppended(remote)
	o.MessageCommitted(local, 250*time.Millisecond)
	o.MessageCommitted(remote, 0)

	local.Error = "cancelled"
	o.MessageFailed(local)
	local.Error = chat.ErrDelivery.Error() + ": timeout"
	o.MessageFailed(local)
	local.Error = "no route: " + chat.ErrDelivery.Error()
	o.MessageFailed(local)
	local.Error = "boom"
	o.MessageFailed(local)
	o.EventDropped(chat.EventPresence)

	assert.Equal(t, 1.0, testutil.ToFloat64(o.appended.WithLabelValues("text", "outbound")))
	assert.Equal(t, 1.0, testutil.ToFloat64(o.appended.WithLabelValues("gif", "inbound")))
	assert.Equal(t, 1.0, testutil.ToFloat64(o.committed), "inbound commits are not send latency")
	assert.Equal(t, 1.0, testutil.ToFloat64(o.failed.WithLabelValues("cancelled")))
	assert.Equal(t, 2.0, testutil.ToFloat64(o.failed.WithLabelValues("delivery")))
	assert.Equal(t, 1.0, testutil.ToFloat64(o.failed.WithLabelValues("other")))
	assert.Equal(t, 1.0, testutil.ToFloat64(o.dropped.WithLabelValues("presence")))

	_, err = NewObserver(reg)
	assert.Error(t, err, "collectors register once per registry")
}

func TestHandlerServesRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	o, err := NewObserver(reg)
	require.NoError(t, err)
	o.MessageCommitted(chat.Message{SenderID: chat.LocalUser}, time.Second)

	app := fiber.New()
	app.Get("/metrics", Handler(reg))
	resp, err := app.Test(httptest.NewRequest("GET", "/metrics", nil), -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, 200, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "pelusa_messages_committed_total 1")
	assert.Contains(t, string(body), "pelusa_commit_latency_seconds_count 1")
}
