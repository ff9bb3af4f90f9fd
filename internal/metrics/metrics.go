// Package metrics exports chat engine measurements to prometheus.
package metrics

import (
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"

	"github.com/pelusa-v/pelusa-chat/internal/chat"
)

// Observer implements chat.Observer.
type Observer struct {
	appended  *prometheus.CounterVec
	committed prometheus.Counter
	latency   prometheus.Histogram
	failed    *prometheus.CounterVec
	dropped   *prometheus.CounterVec
}

// NewObserver creates the collectors and registers them on reg.
func NewObserver(reg prometheus.Registerer) (*Observer, error) {
	o := &Observer{
		appended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pelusa",
			Name:      "messages_appended_total",
			Help:      "Messages appended to conversation logs, by kind and direction.",
		}, []string{"kind", "direction"}),
		committed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pelusa",
			Name:      "messages_committed_total",
			Help:      "Local messages acknowledged by the transport.",
		}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "pelusa",
			Name:      "commit_latency_seconds",
			Help:      "Time from local append to commit.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pelusa",
			Name:      "messages_failed_total",
			Help:      "Local messages that failed, by reason.",
		}, []string{"reason"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pelusa",
			Name:      "events_dropped_total",
			Help:      "Change notifications dropped because a queue was full.",
		}, []string{"kind"}),
	}
	for _, c := range []prometheus.Collector{o.appended, o.committed, o.latency, o.failed, o.dropped} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return o, nil
}

func (o *Observer) MessageAppended(m chat.Message) {
	dir := "inbound"
	if m.Local() {
		dir = "outbound"
	}
	o.appended.WithLabelValues(string(m.Kind), dir).Inc()
}

func (o *Observer) MessageCommitted(m chat.Message, latency time.Duration) {
	if !m.Local() {
		return
	}
	o.committed.Inc()
	o.latency.Observe(latency.Seconds())
}

func (o *Observer) MessageFailed(m chat.Message) {
	o.failed.WithLabelValues(reasonClass(m.Error)).Inc()
}

func (o *Observer) EventDropped(kind chat.EventKind) {
	o.dropped.WithLabelValues(string(kind)).Inc()
}

// reasonClass keeps the reason label bounded.
func reasonClass(reason string) string {
	switch {
	case reason == "cancelled", reason == "interrupted":
		return reason
	case strings.Contains(reason, chat.ErrDelivery.Error()):
		return "delivery"
	}
	return "other"
}

// Handler serves the registry in the prometheus text format.
func Handler(g prometheus.Gatherer) fiber.Handler {
	h := fasthttpadaptor.NewFastHTTPHandler(promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	return func(c *fiber.Ctx) error {
		h(c.Context())
		return nil
	}
}
