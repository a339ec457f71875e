package transport

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricsOnce sync.Once

	commandsTotal   *prometheus.CounterVec
	commandsDeduped prometheus.Counter
	eventsTotal     *prometheus.CounterVec
	eventsDropped   prometheus.Counter
	queueDepth      prometheus.Gauge
	relayState      prometheus.Gauge
	relayReconnects prometheus.Counter
)

func initMetrics() {
	metricsOnce.Do(func() {
		commandsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ajime",
			Subsystem: "agent",
			Name:      "commands_total",
			Help:      "Commands accepted by the coordinator",
		}, []string{"origin", "kind"})

		commandsDeduped = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ajime",
			Subsystem: "agent",
			Name:      "commands_deduplicated_total",
			Help:      "Commands discarded as cross-channel duplicates",
		})

		eventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ajime",
			Subsystem: "agent",
			Name:      "status_events_total",
			Help:      "Outbound status events by delivery channel and result",
		}, []string{"channel", "result"})

		eventsDropped = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ajime",
			Subsystem: "agent",
			Name:      "status_events_dropped_total",
			Help:      "Status events dropped because the outbound queue was full",
		})

		queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ajime",
			Subsystem: "agent",
			Name:      "status_queue_depth",
			Help:      "Status events waiting for delivery",
		})

		relayState = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ajime",
			Subsystem: "agent",
			Name:      "relay_connected",
			Help:      "1 while the push relay connection is established",
		})

		relayReconnects = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ajime",
			Subsystem: "agent",
			Name:      "relay_reconnects_total",
			Help:      "Relay reconnection attempts",
		})

		collectors := []prometheus.Collector{
			commandsTotal, commandsDeduped, eventsTotal, eventsDropped,
			queueDepth, relayState, relayReconnects,
		}
		for _, collector := range collectors {
			if err := prometheus.Register(collector); err != nil {
				if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
					panic(err)
				}
			}
		}
	})
}
