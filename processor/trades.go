package processor

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"bookfeed/models"
)

// TradeSink receives normalized trades.
type TradeSink interface {
	OnTrade(ctx context.Context, ev models.TradeEvent) error
}

// TradeRecord is one decoded wire trade before normalization. Side is the
// exchange's own vocabulary; Timestamp is already in epoch seconds.
type TradeRecord struct {
	Side      string
	Amount    decimal.Decimal
	Price     decimal.Decimal
	Timestamp float64
	ID        string
	Raw       json.RawMessage
}

// TradeNormalizer turns wire trade records of one exchange into
// models.Trade values and hands them to a sink in wire order.
type TradeNormalizer struct {
	exchange string
	sides    map[string]models.TradeSide
	sink     TradeSink
}

// NewTradeNormalizer builds a normalizer. sides maps the exchange's side
// strings (matched case-insensitively) onto buy or sell.
func NewTradeNormalizer(exchange string, sides map[string]models.TradeSide, sink TradeSink) *TradeNormalizer {
	norm := make(map[string]models.TradeSide, len(sides))
	for k, v := range sides {
		norm[strings.ToUpper(k)] = v
	}
	return &TradeNormalizer{exchange: exchange, sides: norm, sink: sink}
}

// Normalize validates one record and converts it.
func (n *TradeNormalizer) Normalize(symbol string, rec TradeRecord) (models.Trade, error) {
	side, ok := n.sides[strings.ToUpper(rec.Side)]
	if !ok {
		return models.Trade{}, models.Errorf(models.KindMalformedMessage, n.exchange, "trade", "unknown side %q", rec.Side)
	}
	if !rec.Amount.IsPositive() {
		return models.Trade{}, models.Errorf(models.KindMalformedMessage, n.exchange, "trade", "non-positive amount %s", rec.Amount)
	}
	if !rec.Price.IsPositive() {
		return models.Trade{}, models.Errorf(models.KindMalformedMessage, n.exchange, "trade", "non-positive price %s", rec.Price)
	}
	if rec.Timestamp <= 0 {
		return models.Trade{}, models.Errorf(models.KindMalformedMessage, n.exchange, "trade", "missing timestamp")
	}
	return models.Trade{
		Exchange:  n.exchange,
		Symbol:    symbol,
		Side:      side,
		Amount:    rec.Amount,
		Price:     rec.Price,
		Timestamp: rec.Timestamp,
		ID:        rec.ID,
		Raw:       rec.Raw,
	}, nil
}

// Emit normalizes records in order and delivers one event per valid record.
// Malformed records are skipped and reported together in the returned error;
// a sink error stops delivery immediately.
func (n *TradeNormalizer) Emit(ctx context.Context, symbol string, records []TradeRecord, received time.Time) (int, error) {
	var (
		emitted int
		bad     []error
	)
	for _, rec := range records {
		trade, err := n.Normalize(symbol, rec)
		if err != nil {
			bad = append(bad, err)
			continue
		}
		if err := n.sink.OnTrade(ctx, models.TradeEvent{Trade: trade, Received: received}); err != nil {
			return emitted, err
		}
		emitted++
	}
	return emitted, errors.Join(bad...)
}
