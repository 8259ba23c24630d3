package upbit

import (
	"bytes"
	"encoding/json"

	"github.com/shopspring/decimal"
)

// Wire types in the SIMPLE format.
const (
	typeOrderbook = "orderbook"
	typeTrade     = "trade"
)

// Message is a decoded Upbit SIMPLE-format frame. Only the fields of the
// classified type are populated.
type Message struct {
	Type   string      `json:"ty"`
	Code   string      `json:"cd"`
	Status string      `json:"status"`
	Error  *errorField `json:"error"`

	// orderbook
	Timestamp *int64          `json:"tms"`
	Units     []orderbookUnit `json:"obu"`

	// trade
	TradePrice     *decimal.Decimal `json:"tp"`
	TradeVolume    *decimal.Decimal `json:"tv"`
	TradeTimestamp *int64           `json:"ttms"`
	AskBid         string           `json:"ab"`
	SequentialID   json.RawMessage  `json:"sid"`

	Raw json.RawMessage `json:"-"`
}

type errorField struct {
	Name    string `json:"name"`
	Message string `json:"message"`
}

type orderbookUnit struct {
	AskPrice decimal.Decimal `json:"ap"`
	AskSize  decimal.Decimal `json:"as"`
	BidPrice decimal.Decimal `json:"bp"`
	BidSize  decimal.Decimal `json:"bs"`
}

// tradeID renders sid verbatim whether it arrives as a number or a string.
func (m Message) tradeID() string {
	return string(bytes.Trim(bytes.TrimSpace(m.SequentialID), `"`))
}

type ticket struct {
	Ticket string `json:"ticket"`
}

type format struct {
	Format string `json:"format"`
}

type stream struct {
	Type           string   `json:"type"`
	Codes          []string `json:"codes"`
	IsOnlyRealtime bool     `json:"isOnlyRealtime"`
}
