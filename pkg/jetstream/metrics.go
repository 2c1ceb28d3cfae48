package jetstream

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var eventsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "jetstream_events_received_total",
	Help: "The number of events received from Jetstream",
}, []string{"kind"})

var messagesFailed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "jetstream_messages_failed_total",
	Help: "The number of Jetstream messages dropped because they could not be processed",
}, []string{"reason"})

var reconnects = promauto.NewCounter(prometheus.CounterOpts{
	Name: "jetstream_reconnects_total",
	Help: "The number of scheduled reconnects to Jetstream",
})

var connected = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "jetstream_connected",
	Help: "Whether the client currently holds an open Jetstream connection",
})

var lastEventTime = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "jetstream_last_event_time_us",
	Help: "The cursor (time_us) of the newest event received",
})

var handlerDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "jetstream_handler_duration_seconds",
	Help:    "The time spent handling one commit event",
	Buckets: prometheus.ExponentialBuckets(0.0001, 2, 16),
}, []string{"collection"})
