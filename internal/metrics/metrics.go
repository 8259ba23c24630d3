// Registers:
//
//	#bookfeed_messages_total{exchange,kind}
//	#bookfeed_message_errors_total{exchange,kind}
//	#bookfeed_stale_updates_total{exchange}
//	#bookfeed_unsynced_updates_total{exchange}
//	#bookfeed_events_total{exchange,type}
//	#bookfeed_sink_dropped_total{queue}
//	#bookfeed_queue_depth{queue}
//	#go_* and process_* system metrics
//
// Handler exposes them for the /metrics endpoint served by main.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once          sync.Once
	registry      *prometheus.Registry
	messagesTotal *prometheus.CounterVec
	errorsTotal   *prometheus.CounterVec
	staleTotal    *prometheus.CounterVec
	unsynced      *prometheus.CounterVec
	eventsTotal   *prometheus.CounterVec
	droppedTotal  *prometheus.CounterVec
	queueDepth    *prometheus.GaugeVec
)

// Init creates and registers the collectors. Safe to call more than once.
func Init() {
	once.Do(func() {
		registry = prometheus.NewRegistry()
		messagesTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bookfeed_messages_total",
				Help: "Inbound exchange messages by classified kind",
			},
			[]string{"exchange", "kind"},
		)
		errorsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bookfeed_message_errors_total",
				Help: "Per-message failures by error kind",
			},
			[]string{"exchange", "kind"},
		)
		staleTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bookfeed_stale_updates_total",
				Help: "Book updates discarded because a newer offset was already applied",
			},
			[]string{"exchange"},
		)
		unsynced = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bookfeed_unsynced_updates_total",
				Help: "Book updates dropped because no snapshot has arrived since the last reset",
			},
			[]string{"exchange"},
		)
		eventsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bookfeed_events_total",
				Help: "Normalized events handed to the sink",
			},
			[]string{"exchange", "type"},
		)
		droppedTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bookfeed_sink_dropped_total",
				Help: "Events dropped by a full sink queue",
			},
			[]string{"queue"},
		)
		queueDepth = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "bookfeed_queue_depth",
				Help: "Current number of buffered events per sink queue",
			},
			[]string{"queue"},
		)

		registry.MustRegister(messagesTotal, errorsTotal, staleTotal, unsynced, eventsTotal, droppedTotal, queueDepth)
		registry.MustRegister(collectors.NewGoCollector())
		registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

// Handler returns the HTTP handler for the metrics registry.
func Handler() http.Handler {
	Init()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// IncMessage counts one classified inbound message.
func IncMessage(exchange, kind string) {
	if messagesTotal != nil {
		messagesTotal.WithLabelValues(exchange, kind).Inc()
	}
}

// IncError counts one per-message failure.
func IncError(exchange, kind string) {
	if errorsTotal != nil {
		errorsTotal.WithLabelValues(exchange, kind).Inc()
	}
}

// AddStale counts discarded stale updates.
func AddStale(exchange string, n int) {
	if staleTotal != nil && n > 0 {
		staleTotal.WithLabelValues(exchange).Add(float64(n))
	}
}

// IncUnsynced counts one book update dropped while waiting for a snapshot.
func IncUnsynced(exchange string) {
	if unsynced != nil {
		unsynced.WithLabelValues(exchange).Inc()
	}
}

// IncEvent counts one event delivered to the sink.
func IncEvent(exchange, eventType string) {
	if eventsTotal != nil {
		eventsTotal.WithLabelValues(exchange, eventType).Inc()
	}
}

// IncDropped counts one event dropped by a queue.
func IncDropped(queue string) { AddDropped(queue, 1) }

// AddDropped counts n events dropped by a queue.
func AddDropped(queue string, n int) {
	if droppedTotal != nil && n > 0 {
		droppedTotal.WithLabelValues(queue).Add(float64(n))
	}
}

// SetQueueDepth records the current length of a queue.
func SetQueueDepth(queue string, n int) {
	if queueDepth != nil {
		queueDepth.WithLabelValues(queue).Set(float64(n))
	}
}
