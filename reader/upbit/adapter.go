// Package upbit normalizes the Upbit quotation websocket. Every orderbook
// frame carries the full top of book, so each one replaces the stored book.
package upbit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"bookfeed/internal/channel"
	"bookfeed/internal/metrics"
	"bookfeed/internal/symbols"
	"bookfeed/logger"
	"bookfeed/models"
	"bookfeed/processor"
	"bookfeed/reader"
)

const (
	DefaultWSURL   = "wss://api.upbit.com/websocket/v1"
	DefaultRESTURL = "https://api.upbit.com"
	MarketsPath    = "/v1/market/all"
)

var tradeSides = map[string]models.TradeSide{"BID": models.Buy, "ASK": models.Sell}

// Adapter implements reader.Protocol for Upbit. All methods must be called
// from the connection's read goroutine.
type Adapter struct {
	mapper *symbols.Mapper
	store  *processor.Store
	trades *processor.TradeNormalizer
	sink   channel.Sink
	ticket func() string
	log    *logger.Entry
}

var _ reader.Protocol[Message] = (*Adapter)(nil)

// New builds an adapter over the markets known to mapper.
func New(mapper *symbols.Mapper, sink channel.Sink, maxDepth int) *Adapter {
	return &Adapter{
		mapper: mapper,
		store:  processor.NewStore(models.ExchangeUpbit, mapper.Symbols(), maxDepth),
		trades: processor.NewTradeNormalizer(models.ExchangeUpbit, tradeSides, sink),
		sink:   sink,
		ticket: uuid.NewString,
		log:    logger.GetLogger().WithComponent("upbit_adapter").WithExchange(models.ExchangeUpbit),
	}
}

// SetTicketSource replaces the generator of subscription tickets.
func (a *Adapter) SetTicketSource(fn func() string) {
	if fn != nil {
		a.ticket = fn
	}
}

func (a *Adapter) Exchange() string { return models.ExchangeUpbit }

// Store exposes the book store for diagnostics.
func (a *Adapter) Store() *processor.Store { return a.store }

func (a *Adapter) Reset() { a.store.ResetAll() }

func (a *Adapter) malformed(op, format string, args ...any) error {
	return models.Errorf(models.KindMalformedMessage, models.ExchangeUpbit, op, format, args...)
}

func (a *Adapter) Classify(raw []byte) (reader.Kind, Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return reader.KindUnrecognized, msg, models.NewError(models.KindMalformedMessage, models.ExchangeUpbit, "classify", err)
	}
	msg.Raw = raw

	switch {
	case msg.Error != nil:
		return reader.KindExchangeError, msg, fmt.Errorf("upbit error %s: %s", msg.Error.Name, msg.Error.Message)
	case msg.Type == "" && msg.Status != "":
		return reader.KindLifecycle, msg, nil
	case msg.Type == "":
		return reader.KindUnrecognized, msg, a.malformed("classify", "missing ty")
	}

	switch msg.Type {
	case typeOrderbook:
		if msg.Code == "" || msg.Units == nil || msg.Timestamp == nil {
			return reader.KindUnrecognized, msg, a.malformed("classify", "orderbook without cd, obu or tms")
		}
		return reader.KindBook, msg, nil
	case typeTrade:
		if msg.Code == "" {
			return reader.KindUnrecognized, msg, a.malformed("classify", "trade without cd")
		}
		return reader.KindTrade, msg, nil
	default:
		return reader.KindUnrecognized, msg, models.Errorf(models.KindUnrecognizedMessageType, models.ExchangeUpbit, "classify", "ty %q", msg.Type)
	}
}

// HandleBook replaces the book with the frame's units and always emits the
// full book with no delta.
func (a *Adapter) HandleBook(ctx context.Context, msg Message, received time.Time) error {
	symbol, err := a.mapper.Canonical(msg.Code)
	if err != nil {
		return err
	}

	bids := make([]models.SnapshotLevel, 0, len(msg.Units))
	asks := make([]models.SnapshotLevel, 0, len(msg.Units))
	for _, u := range msg.Units {
		if u.BidPrice.IsPositive() {
			bids = append(bids, models.SnapshotLevel{Price: u.BidPrice, Size: u.BidSize})
		}
		if u.AskPrice.IsPositive() {
			asks = append(asks, models.SnapshotLevel{Price: u.AskPrice, Size: u.AskSize})
		}
	}

	book, err := a.store.ApplySnapshot(symbol, bids, asks)
	if err != nil {
		return err
	}
	ts := models.MillisToSeconds(*msg.Timestamp)
	if err := a.sink.OnBook(ctx, models.BookEvent{
		Exchange:          models.ExchangeUpbit,
		Symbol:            symbol,
		Book:              book,
		Received:          received,
		ExchangeTimestamp: &ts,
	}); err != nil {
		return err
	}
	metrics.IncEvent(models.ExchangeUpbit, "book")
	return nil
}

// HandleTrade emits the single trade carried by a trade frame.
func (a *Adapter) HandleTrade(ctx context.Context, msg Message, received time.Time) error {
	symbol, err := a.mapper.Canonical(msg.Code)
	if err != nil {
		return err
	}
	rec := processor.TradeRecord{Side: msg.AskBid, ID: msg.tradeID(), Raw: msg.Raw}
	if msg.TradeVolume != nil {
		rec.Amount = *msg.TradeVolume
	}
	if msg.TradePrice != nil {
		rec.Price = *msg.TradePrice
	}
	if msg.TradeTimestamp != nil {
		rec.Timestamp = models.MillisToSeconds(*msg.TradeTimestamp)
	}

	n, err := a.trades.Emit(ctx, symbol, []processor.TradeRecord{rec}, received)
	if n > 0 {
		metrics.IncEvent(models.ExchangeUpbit, "trade")
	}
	return err
}
