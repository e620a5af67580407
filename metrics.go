package wiremsg

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Drop reasons recorded on messages_dropped_total.
const (
	dropMalformed = "malformed"
	dropMissing   = "missing_discriminator"
	dropUnknown   = "unknown_discriminator"
	dropDecode    = "decode"
	dropHandler   = "handler"
)

// Rejection reasons recorded on connections_rejected_total.
const (
	rejectRate     = "rate"
	rejectCapacity = "capacity"
)

// Metrics holds the Prometheus collectors shared by servers, clients,
// sessions and dispatchers. A nil *Metrics records nothing.
type Metrics struct {
	framesReceived  prometheus.Counter
	keepAlives      prometheus.Counter
	dispatched      *prometheus.CounterVec
	dropped         *prometheus.CounterVec
	handlerDuration *prometheus.HistogramVec
	sendFailures    prometheus.Counter
	sessionsActive  prometheus.Gauge
	rejected        *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
// Passing nil registers with prometheus.DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		framesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "wiremsg",
			Name:      "frames_received_total",
			Help:      "Frames carrying a payload read from peers",
		}),
		keepAlives: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "wiremsg",
			Name:      "keepalives_received_total",
			Help:      "Keep-alive frames read from peers",
		}),
		dispatched: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wiremsg",
			Name:      "messages_dispatched_total",
			Help:      "Messages decoded and passed to their handler",
		}, []string{"kind"}),
		dropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wiremsg",
			Name:      "messages_dropped_total",
			Help:      "Messages dropped without ending their session",
		}, []string{"reason"}),
		handlerDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "wiremsg",
			Name:      "handler_duration_seconds",
			Help:      "Time spent in message handlers",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
		sendFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "wiremsg",
			Name:      "send_failures_total",
			Help:      "Outgoing messages that could not be encoded or written",
		}),
		sessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "wiremsg",
			Name:      "sessions_active",
			Help:      "Sessions between a successful connect hook and their disconnect",
		}),
		rejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wiremsg",
			Name:      "connections_rejected_total",
			Help:      "Inbound connections closed before a session was created",
		}, []string{"reason"}),
	}
}

func (m *Metrics) frameReceived() {
	if m != nil {
		m.framesReceived.Inc()
	}
}

func (m *Metrics) keepAliveReceived() {
	if m != nil {
		m.keepAlives.Inc()
	}
}

func (m *Metrics) messageDispatched(kind string, took time.Duration) {
	if m != nil {
		m.dispatched.WithLabelValues(kind).Inc()
		m.handlerDuration.WithLabelValues(kind).Observe(took.Seconds())
	}
}

func (m *Metrics) messageDropped(reason string) {
	if m != nil {
		m.dropped.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) sendFailed() {
	if m != nil {
		m.sendFailures.Inc()
	}
}

func (m *Metrics) sessionOpened() {
	if m != nil {
		m.sessionsActive.Inc()
	}
}

func (m *Metrics) sessionClosed() {
	if m != nil {
		m.sessionsActive.Dec()
	}
}

func (m *Metrics) connectionRejected(reason string) {
	if m != nil {
		m.rejected.WithLabelValues(reason).Inc()
	}
}
