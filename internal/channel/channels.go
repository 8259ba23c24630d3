package channel

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"bookfeed/internal/metrics"
	"bookfeed/logger"
	"bookfeed/models"
)

// OverflowPolicy decides what a full queue does with a new event.
type OverflowPolicy string

const (
	// Block waits for room, applying backpressure to the reader.
	Block OverflowPolicy = "block"
	// DropNewest discards the incoming event.
	DropNewest OverflowPolicy = "drop_newest"
	// DropOldest evicts the oldest buffered event to make room.
	DropOldest OverflowPolicy = "drop_oldest"
)

// ParseOverflowPolicy accepts the config spelling of a policy. Empty means
// Block.
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch p := OverflowPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return Block, nil
	case Block, DropNewest, DropOldest:
		return p, nil
	default:
		return "", fmt.Errorf("unknown overflow policy %q", s)
	}
}

// Event is one queued sink call. Exactly one field is set.
type Event struct {
	Book  *models.BookEvent
	Trade *models.TradeEvent
}

func (e Event) exchangeSymbol() (string, string) {
	if e.Book != nil {
		return e.Book.Exchange, e.Book.Symbol
	}
	if e.Trade != nil {
		return e.Trade.Trade.Exchange, e.Trade.Trade.Symbol
	}
	return "", ""
}

type ChannelStats struct {
	BookSent     int64
	TradeSent    int64
	BookDropped  int64
	TradeDropped int64
}

// Channels is a bounded Sink. Book and trade events share one queue so that
// a consumer sees them in the order the readers produced them.
type Channels struct {
	Events chan Event

	policy     OverflowPolicy
	stats      ChannelStats
	statsMutex sync.RWMutex
	log        *logger.Log

	metricsReportTicker *time.Ticker
}

func NewChannels(bufferSize int, policy OverflowPolicy) *Channels {
	log := logger.GetLogger()
	if bufferSize < 1 {
		bufferSize = 1
	}
	if policy == "" {
		policy = Block
	}
	c := &Channels{
		Events: make(chan Event, bufferSize),
		policy: policy,
		log:    log,
	}

	log.WithComponent("channels").WithFields(logger.Fields{
		"buffer_size": bufferSize,
		"overflow":    string(policy),
	}).Info("channels initialized")

	return c
}

func (c *Channels) Policy() OverflowPolicy { return c.policy }

// OnBook queues a book event according to the overflow policy.
func (c *Channels) OnBook(ctx context.Context, ev models.BookEvent) error {
	return c.send(ctx, Event{Book: &ev})
}

// OnTrade queues a trade event according to the overflow policy.
func (c *Channels) OnTrade(ctx context.Context, ev models.TradeEvent) error {
	return c.send(ctx, Event{Trade: &ev})
}

func (c *Channels) send(ctx context.Context, ev Event) error {
	switch c.policy {
	case DropNewest:
		select {
		case c.Events <- ev:
			c.recordSent(ev)
		default:
			c.recordDropped(ev)
		}
		return nil

	case DropOldest:
		for {
			select {
			case c.Events <- ev:
				c.recordSent(ev)
				return nil
			default:
			}
			select {
			case old := <-c.Events:
				c.recordDropped(old)
			default:
				// drained by the consumer in between; retry the send
			}
			if err := ctx.Err(); err != nil {
				return err
			}
		}

	default:
		select {
		case c.Events <- ev:
			c.recordSent(ev)
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Channels) recordSent(ev Event) {
	c.statsMutex.Lock()
	if ev.Book != nil {
		c.stats.BookSent++
	} else {
		c.stats.TradeSent++
	}
	c.statsMutex.Unlock()
}

func (c *Channels) recordDropped(ev Event) {
	c.statsMutex.Lock()
	metric := metrics.DropMetricTrade
	if ev.Book != nil {
		c.stats.BookDropped++
		metric = metrics.DropMetricBook
	} else {
		c.stats.TradeDropped++
	}
	c.statsMutex.Unlock()

	exchange, symbol := ev.exchangeSymbol()
	metrics.EmitDropMetric(c.log, metric, "events", exchange, symbol)
}

func (c *Channels) GetStats() ChannelStats {
	c.statsMutex.RLock()
	defer c.statsMutex.RUnlock()
	return c.stats
}

// Close closes the queue. Producers must have stopped.
func (c *Channels) Close() {
	if c.metricsReportTicker != nil {
		c.metricsReportTicker.Stop()
	}
	close(c.Events)
	c.log.WithComponent("channels").Info("channels closed")
}

var (
	cpuPercentFn = func(ctx context.Context) ([]float64, error) {
		return cpu.PercentWithContext(ctx, 0, false)
	}
	memoryStatsFn = mem.VirtualMemoryWithContext
)

// StartMetricsReporting logs queue statistics every interval and publishes
// queue usage until ctx is done.
func (c *Channels) StartMetricsReporting(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	c.metricsReportTicker = time.NewTicker(interval)
	ticker := c.metricsReportTicker

	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				c.logChannelStats(ctx, c.log)
			}
		}
	}()
}

func (c *Channels) logChannelStats(ctx context.Context, log *logger.Log) {
	stats := c.GetStats()
	length, capacity := len(c.Events), cap(c.Events)
	usage := 0.0
	if capacity > 0 {
		usage = float64(length) / float64(capacity) * 100
	}

	fields := logger.Fields{
		"book_sent":     stats.BookSent,
		"trade_sent":    stats.TradeSent,
		"book_dropped":  stats.BookDropped,
		"trade_dropped": stats.TradeDropped,
		"queue_len":     length,
		"queue_cap":     capacity,
		"overflow":      string(c.policy),
	}
	if pct, err := cpuPercentFn(ctx); err == nil && len(pct) > 0 {
		fields["cpu_percent"] = pct[0]
	}
	if vm, err := memoryStatsFn(ctx); err == nil && vm != nil {
		fields["ram_used"] = vm.Used
		fields["ram_percent"] = vm.UsedPercent
	}
	log.WithComponent("channels").WithFields(fields).Info("channel statistics")

	metrics.SetQueueDepth("events", length)
	metrics.EmitMetric(log, "channels", "queue_usage", usage, logger.Fields{"unit": "percent", "queue": "events"})
}
