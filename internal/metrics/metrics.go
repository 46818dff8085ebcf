// Package metrics provides Prometheus metrics for the relay.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "cliprelay"
)

// Metrics contains all Prometheus metrics for the relay process.
type Metrics struct {
	// Connection and session metrics
	SessionsActive prometheus.Gauge
	SessionsTotal  prometheus.Counter
	SessionsClosed *prometheus.CounterVec
	HelloLatency   prometheus.Histogram

	// Room metrics
	RoomsActive prometheus.Gauge
	RoomJoins   prometheus.Counter
	RoomRejects *prometheus.CounterVec

	// Frame metrics
	FramesForwarded prometheus.Counter
	FramesDropped   *prometheus.CounterVec
	BytesForwarded  prometheus.Counter

	// Backpressure and rate limiting
	BackpressureDrops prometheus.Counter
	RateLimitDrops    prometheus.Counter

	// Keepalive metrics
	KeepalivesSent  prometheus.Counter
	KeepaliveMisses prometheus.Counter
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance, registered against the
// global Prometheus registry.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance registered against the
// default Prometheus registerer.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance registered
// against reg, so tests can use a throwaway registry instead of the
// process-global one.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of currently active device sessions",
		}),
		SessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of sessions that completed a Hello handshake",
		}),
		SessionsClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_closed_total",
			Help:      "Total number of sessions closed, labeled by reason",
		}, []string{"reason"}),
		HelloLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "hello_handshake_seconds",
			Help:      "Time from connection accept to completed Hello handshake",
			Buckets:   prometheus.DefBuckets,
		}),

		RoomsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rooms_active",
			Help:      "Number of currently active rooms",
		}),
		RoomJoins: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "room_joins_total",
			Help:      "Total number of successful room joins",
		}),
		RoomRejects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "room_joins_rejected_total",
			Help:      "Total number of rejected room joins, labeled by reason",
		}, []string{"reason"}),

		FramesForwarded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_forwarded_total",
			Help:      "Total number of EncryptedMessage frames forwarded to room members",
		}),
		FramesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Total number of frames dropped, labeled by reason",
		}, []string{"reason"}),
		BytesForwarded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_forwarded_total",
			Help:      "Total number of ciphertext bytes forwarded across all rooms",
		}),

		BackpressureDrops: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backpressure_drops_total",
			Help:      "Total number of frames discarded because a sink's outbound queue was full",
		}),
		RateLimitDrops: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_drops_total",
			Help:      "Total number of frames dropped for exceeding the per-connection rate limit",
		}),

		KeepalivesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "keepalives_sent_total",
			Help:      "Total number of WebSocket pings sent",
		}),
		KeepaliveMisses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "keepalive_misses_total",
			Help:      "Total number of missed keepalive pongs",
		}),
	}
}
