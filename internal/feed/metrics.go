package feed

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Bus metrics
	BusEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blocklens_feed_events_total",
			Help: "Total number of events published on the feed bus by topic",
		},
		[]string{"topic"},
	)

	BusDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blocklens_feed_events_dropped_total",
			Help: "Total number of events dropped due to slow subscribers by topic",
		},
		[]string{"topic"},
	)

	BusSubscribers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "blocklens_feed_subscribers",
			Help: "Current number of subscribers per topic",
		},
		[]string{"topic"},
	)

	// ZMQ metrics
	ZMQMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blocklens_zmq_messages_total",
			Help: "Total number of ZMQ notifications received by topic",
		},
		[]string{"topic"},
	)

	ZMQErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blocklens_zmq_errors_total",
			Help: "Total number of ZMQ receive errors by topic",
		},
		[]string{"topic"},
	)
)

func BusEventInc(topic string) {
	BusEvents.WithLabelValues(topic).Inc()
}

func BusDroppedInc(topic string) {
	BusDropped.WithLabelValues(topic).Inc()
}

func BusSubscribersSet(topic string, n int) {
	BusSubscribers.WithLabelValues(topic).Set(float64(n))
}

func ZMQMessageInc(topic string) {
	ZMQMessages.WithLabelValues(topic).Inc()
}

func ZMQErrorInc(topic string) {
	ZMQErrors.WithLabelValues(topic).Inc()
}
