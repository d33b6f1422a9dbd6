package observability

import "github.com/prometheus/client_golang/prometheus"

// Realtime collectors. Labels are limited to bounded sets (event names,
// handshake outcomes, link states) so cardinality stays flat regardless of
// the number of users or topics.
var (
	// ConnectionsActive gauges Active handles in this process.
	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "realtime_connections_active",
		Help: "Current number of active realtime connections.",
	})

	// Handshakes counts handshake outcomes (ok or a rejection reason).
	Handshakes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_handshakes_total",
		Help: "Realtime handshake outcomes by result.",
	}, []string{"result"})

	// EventsPublished counts envelopes published to the shared store.
	EventsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_events_published_total",
		Help: "Events published to the shared channel by event name.",
	}, []string{"event"})

	// PublishFailures counts publishes swallowed by the delivery gateway.
	PublishFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_publish_failures_total",
		Help: "Best-effort publishes that failed, by event name.",
	}, []string{"event"})

	// EventsDelivered counts local deliveries into connection queues.
	EventsDelivered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_events_delivered_total",
		Help: "Events pushed into local connection queues by event name.",
	}, []string{"event"})

	// QueueDrops counts events discarded by drop-oldest overflow.
	QueueDrops = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "realtime_queue_drops_total",
		Help: "Events dropped from slow connection queues.",
	})

	// FanoutLinkUp is 1 while the shared-store subscription link is connected.
	FanoutLinkUp = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "realtime_fanout_link_up",
		Help: "1 when the fanout link to the shared store is connected.",
	})

	// FanoutReconnects counts link re-establishments.
	FanoutReconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "realtime_fanout_reconnects_total",
		Help: "Times the fanout link reconnected and resubscribed.",
	})

	// FanoutTopics gauges shared channels this process is subscribed to.
	FanoutTopics = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "realtime_fanout_topics",
		Help: "Topics with local interest watched on the shared store.",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsActive,
		Handshakes,
		EventsPublished,
		PublishFailures,
		EventsDelivered,
		QueueDrops,
		FanoutLinkUp,
		FanoutReconnects,
		FanoutTopics,
	)
}
