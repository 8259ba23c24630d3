package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// TradeSide is the aggressor side of a trade.
type TradeSide string

const (
	Buy  TradeSide = "buy"
	Sell TradeSide = "sell"
)

// Trade is a normalized trade print. It is created once per wire record and
// never modified.
type Trade struct {
	Exchange  string          `json:"exchange"`
	Symbol    string          `json:"symbol"`
	Side      TradeSide       `json:"side"`
	Amount    decimal.Decimal `json:"amount"`
	Price     decimal.Decimal `json:"price"`
	Timestamp float64         `json:"timestamp"` // epoch seconds
	ID        string          `json:"id,omitempty"`
	Raw       json.RawMessage `json:"-"`
}

// TradeEvent is delivered to sinks for every trade.
type TradeEvent struct {
	Trade    Trade     `json:"trade"`
	Received time.Time `json:"received"`
}

// UnixSeconds converts t to fractional epoch seconds.
func UnixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// MillisToSeconds converts epoch milliseconds to fractional epoch seconds.
func MillisToSeconds(ms int64) float64 {
	return float64(ms) / 1000.0
}
