package channel

import (
	"context"

	"bookfeed/logger"
)

// Pump drains c into sink until the queue is closed or ctx is done. Sink
// errors are logged and the event is dropped; delivery continues.
func Pump(ctx context.Context, c *Channels, sink Sink) {
	log := logger.GetLogger().WithComponent("pump")
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-c.Events:
			if !ok {
				log.Info("event queue closed")
				return
			}
			deliver(ctx, log, sink, ev)
		}
	}
}

func deliver(ctx context.Context, log *logger.Entry, sink Sink, ev Event) {
	var err error
	switch {
	case ev.Book != nil:
		err = sink.OnBook(ctx, *ev.Book)
	case ev.Trade != nil:
		err = sink.OnTrade(ctx, *ev.Trade)
	default:
		return
	}
	if err != nil {
		exchange, symbol := ev.exchangeSymbol()
		log.WithError(err).WithFields(logger.Fields{
			"exchange": exchange,
			"symbol":   symbol,
		}).Warn("sink rejected event")
	}
}
