// Package dydx normalizes the dYdX v3 websocket feed. Book updates carry an
// offset per message which is applied per price level through the store's
// offset ledger.
package dydx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"bookfeed/internal/channel"
	"bookfeed/internal/metrics"
	"bookfeed/internal/symbols"
	"bookfeed/logger"
	"bookfeed/models"
	"bookfeed/processor"
	"bookfeed/reader"
)

const (
	DefaultWSURL   = "wss://api.dydx.exchange/v3/ws"
	DefaultRESTURL = "https://api.dydx.exchange"
	MarketsPath    = "/v3/markets"
)

var tradeSides = map[string]models.TradeSide{"BUY": models.Buy, "SELL": models.Sell}

// Adapter implements reader.Protocol for dYdX. All methods must be called
// from the connection's read goroutine.
type Adapter struct {
	mapper *symbols.Mapper
	store  *processor.Store
	trades *processor.TradeNormalizer
	sink   channel.Sink
	log    *logger.Entry
}

var _ reader.Protocol[Message] = (*Adapter)(nil)

// New builds an adapter over the markets known to mapper.
func New(mapper *symbols.Mapper, sink channel.Sink, maxDepth int) *Adapter {
	return &Adapter{
		mapper: mapper,
		store:  processor.NewStore(models.ExchangeDydx, mapper.Symbols(), maxDepth),
		trades: processor.NewTradeNormalizer(models.ExchangeDydx, tradeSides, sink),
		sink:   sink,
		log:    logger.GetLogger().WithComponent("dydx_adapter").WithExchange(models.ExchangeDydx),
	}
}

func (a *Adapter) Exchange() string { return models.ExchangeDydx }

// Store exposes the book store for diagnostics.
func (a *Adapter) Store() *processor.Store { return a.store }

func (a *Adapter) Reset() { a.store.ResetAll() }

func (a *Adapter) malformed(op, format string, args ...any) error {
	return models.Errorf(models.KindMalformedMessage, models.ExchangeDydx, op, format, args...)
}

// Classify decodes the envelope. Subscribe acknowledgements that carry
// contents are routed by channel like ordinary updates.
func (a *Adapter) Classify(raw []byte) (reader.Kind, Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return reader.KindUnrecognized, msg, models.NewError(models.KindMalformedMessage, models.ExchangeDydx, "classify", err)
	}

	switch msg.Type {
	case "connected", "unsubscribed", "pong":
		return reader.KindLifecycle, msg, nil
	case "error":
		return reader.KindExchangeError, msg, fmt.Errorf("dydx error: %s", msg.Message)
	case "subscribed", "channel_data":
	case "":
		return reader.KindUnrecognized, msg, a.malformed("classify", "missing type")
	default:
		return reader.KindUnrecognized, msg, models.Errorf(models.KindUnrecognizedMessageType, models.ExchangeDydx, "classify", "type %q", msg.Type)
	}

	if msg.Type == "subscribed" && !msg.hasContents() {
		return reader.KindAck, msg, nil
	}
	if !msg.hasContents() {
		return reader.KindUnrecognized, msg, a.malformed("classify", "%s without contents", msg.Type)
	}
	if msg.ID == "" {
		return reader.KindUnrecognized, msg, a.malformed("classify", "missing market id")
	}
	switch msg.Channel {
	case channelOrderbook:
		return reader.KindBook, msg, nil
	case channelTrades:
		return reader.KindTrade, msg, nil
	default:
		return reader.KindUnrecognized, msg, models.Errorf(models.KindUnrecognizedChannel, models.ExchangeDydx, "classify", "channel %q", msg.Channel)
	}
}

// HandleBook applies a snapshot (subscribed) or an offset-tagged update
// (channel_data) and emits the result.
func (a *Adapter) HandleBook(ctx context.Context, msg Message, received time.Time) error {
	symbol, err := a.mapper.Canonical(msg.ID)
	if err != nil {
		return err
	}
	if msg.Type == "subscribed" {
		return a.snapshot(ctx, symbol, msg, received)
	}
	return a.update(ctx, symbol, msg, received)
}

func (a *Adapter) snapshot(ctx context.Context, symbol string, msg Message, received time.Time) error {
	var c snapshotContents
	if err := json.Unmarshal(msg.Contents, &c); err != nil {
		return models.NewError(models.KindMalformedMessage, models.ExchangeDydx, "snapshot", err)
	}
	bids, err := a.snapshotLevels(c.Bids)
	if err != nil {
		return err
	}
	asks, err := a.snapshotLevels(c.Asks)
	if err != nil {
		return err
	}

	book, err := a.store.ApplySnapshot(symbol, bids, asks)
	if err != nil {
		return err
	}
	a.log.WithFields(logger.Fields{
		"symbol": symbol,
		"bids":   len(book.Bids),
		"asks":   len(book.Asks),
	}).Debug("applied snapshot")

	return a.emitBook(ctx, models.BookEvent{
		Exchange: models.ExchangeDydx,
		Symbol:   symbol,
		Book:     book,
		Received: received,
	})
}

func (a *Adapter) snapshotLevels(in []snapshotLevel) ([]models.SnapshotLevel, error) {
	out := make([]models.SnapshotLevel, 0, len(in))
	for i, l := range in {
		if l.Price == nil || l.Size == nil || l.Offset == nil {
			return nil, a.malformed("snapshot", "level %d is missing price, size or offset", i)
		}
		if l.Size.IsNegative() {
			return nil, a.malformed("snapshot", "level %d has negative size", i)
		}
		tok := int64(*l.Offset)
		out = append(out, models.SnapshotLevel{Price: *l.Price, Size: *l.Size, Token: &tok})
	}
	return out, nil
}

type levelUpdate struct {
	side  models.Side
	price decimal.Decimal
	size  decimal.Decimal
}

func (a *Adapter) update(ctx context.Context, symbol string, msg Message, received time.Time) error {
	var c updateContents
	if err := json.Unmarshal(msg.Contents, &c); err != nil {
		return models.NewError(models.KindMalformedMessage, models.ExchangeDydx, "update", err)
	}
	if c.Offset == nil {
		return a.malformed("update", "missing offset")
	}

	// validate everything before touching the book
	updates := make([]levelUpdate, 0, len(c.Bids)+len(c.Asks))
	for _, side := range []struct {
		side   models.Side
		levels [][]decimal.Decimal
	}{{models.Bid, c.Bids}, {models.Ask, c.Asks}} {
		for i, l := range side.levels {
			if len(l) != 2 {
				return a.malformed("update", "%s level %d has %d fields", side.side, i, len(l))
			}
			if !l[0].IsPositive() || l[1].IsNegative() {
				return a.malformed("update", "%s level %d has invalid price or size", side.side, i)
			}
			updates = append(updates, levelUpdate{side: side.side, price: l[0], size: l[1]})
		}
	}

	tok := int64(*c.Offset)
	if !a.store.Synced(symbol) {
		metrics.IncUnsynced(models.ExchangeDydx)
		a.log.WithFields(logger.Fields{
			"symbol": symbol,
			"offset": tok,
		}).Debug("dropped update received before snapshot")
		return nil
	}

	delta := &models.BookDelta{}
	stale := 0
	for _, u := range updates {
		res, err := a.store.ApplyDelta(symbol, u.side, u.price, u.size, &tok)
		if err != nil {
			return err
		}
		if !res.Applied {
			stale++
			continue
		}
		if res.Changed {
			delta.Add(res.Side, res.Price, res.Size)
		}
	}
	if stale > 0 {
		metrics.AddStale(models.ExchangeDydx, stale)
		a.log.WithFields(logger.Fields{
			"symbol": symbol,
			"offset": tok,
			"stale":  stale,
		}).Debug("discarded stale levels")
	}
	if delta.Empty() {
		return nil
	}

	book, err := a.store.Snapshot(symbol)
	if err != nil {
		return err
	}
	return a.emitBook(ctx, models.BookEvent{
		Exchange: models.ExchangeDydx,
		Symbol:   symbol,
		Book:     book,
		Delta:    delta,
		Received: received,
	})
}

func (a *Adapter) emitBook(ctx context.Context, ev models.BookEvent) error {
	if err := a.sink.OnBook(ctx, ev); err != nil {
		return err
	}
	metrics.IncEvent(models.ExchangeDydx, "book")
	return nil
}

// HandleTrade emits one trade per record in wire order. A malformed record
// is reported but does not stop the rest of the batch.
func (a *Adapter) HandleTrade(ctx context.Context, msg Message, received time.Time) error {
	symbol, err := a.mapper.Canonical(msg.ID)
	if err != nil {
		return err
	}
	var c tradeContents
	if err := json.Unmarshal(msg.Contents, &c); err != nil {
		return models.NewError(models.KindMalformedMessage, models.ExchangeDydx, "trade", err)
	}
	if c.Trades == nil {
		return a.malformed("trade", "missing trades")
	}

	records := make([]processor.TradeRecord, 0, len(c.Trades))
	var bad []error
	for i, raw := range c.Trades {
		var t tradeRecord
		if err := json.Unmarshal(raw, &t); err != nil {
			bad = append(bad, a.malformed("trade", "record %d: %v", i, err))
			continue
		}
		rec := processor.TradeRecord{Side: t.Side, ID: t.ID, Raw: raw}
		if t.Size != nil {
			rec.Amount = *t.Size
		}
		if t.Price != nil {
			rec.Price = *t.Price
		}
		if ts, err := time.Parse(time.RFC3339Nano, t.CreatedAt); err == nil {
			rec.Timestamp = models.UnixSeconds(ts)
		}
		records = append(records, rec)
	}

	n, err := a.trades.Emit(ctx, symbol, records, received)
	for i := 0; i < n; i++ {
		metrics.IncEvent(models.ExchangeDydx, "trade")
	}
	if err != nil {
		bad = append(bad, err)
	}
	return errors.Join(bad...)
}
