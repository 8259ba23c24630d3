package metrics

import "bookfeed/logger"

// DropMetric identifies the metric name emitted when sink events are dropped.
type DropMetric string

const (
	// DropMetricBook records book events dropped by a full queue.
	DropMetricBook DropMetric = "book_events_dropped"
	// DropMetricTrade records trade events dropped by a full queue.
	DropMetricTrade DropMetric = "trade_events_dropped"
	// DropMetricArchive records buffered trades evicted before upload.
	DropMetricArchive DropMetric = "archived_trades_dropped"
)

// EmitDropMetric counts one dropped event in Prometheus and forwards it to
// CloudWatch. Exchange and symbol are attached when provided.
func EmitDropMetric(log *logger.Log, metric DropMetric, queue, exchange, symbol string) {
	EmitDropCount(log, metric, queue, exchange, symbol, 1)
}

// EmitDropCount is EmitDropMetric for n events at once.
func EmitDropCount(log *logger.Log, metric DropMetric, queue, exchange, symbol string, n int) {
	if n <= 0 {
		return
	}
	AddDropped(queue, n)

	fields := logger.Fields{"queue": queue}
	if exchange != "" {
		fields["exchange"] = exchange
	}
	if symbol != "" {
		fields["symbol"] = symbol
	}
	EmitMetric(log, "channel_drops", string(metric), float64(n), fields)
}
