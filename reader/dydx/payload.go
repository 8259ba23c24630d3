package dydx

import (
	"bytes"
	"encoding/json"
	"strconv"

	"github.com/shopspring/decimal"
)

// Wire channel names.
const (
	channelOrderbook = "v3_orderbook"
	channelTrades    = "v3_trades"
)

// Message is a decoded dYdX frame. Contents stays raw until the handler for
// the classified channel decodes it.
type Message struct {
	Type      string          `json:"type"`
	Channel   string          `json:"channel"`
	ID        string          `json:"id"`
	MessageID int64           `json:"message_id"`
	Message   string          `json:"message"`
	Contents  json.RawMessage `json:"contents"`
}

func (m Message) hasContents() bool {
	c := bytes.TrimSpace(m.Contents)
	return len(c) > 0 && !bytes.Equal(c, []byte("null"))
}

// offset accepts the token as a JSON string or number.
type offset int64

func (o *offset) UnmarshalJSON(b []byte) error {
	s := string(bytes.Trim(b, `"`))
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return err
	}
	*o = offset(v)
	return nil
}

type snapshotLevel struct {
	Price  *decimal.Decimal `json:"price"`
	Size   *decimal.Decimal `json:"size"`
	Offset *offset          `json:"offset"`
}

type snapshotContents struct {
	Bids []snapshotLevel `json:"bids"`
	Asks []snapshotLevel `json:"asks"`
}

// updateContents carries [price, size] pairs sharing one offset.
type updateContents struct {
	Offset *offset             `json:"offset"`
	Bids   [][]decimal.Decimal `json:"bids"`
	Asks   [][]decimal.Decimal `json:"asks"`
}

type tradeRecord struct {
	ID        string           `json:"id"`
	Side      string           `json:"side"`
	Size      *decimal.Decimal `json:"size"`
	Price     *decimal.Decimal `json:"price"`
	CreatedAt string           `json:"createdAt"`
}

// Trades is nil when the key is absent or null.
type tradeContents struct {
	Trades []json.RawMessage `json:"trades"`
}

type subscribeRequest struct {
	Type           string `json:"type"`
	Channel        string `json:"channel"`
	ID             string `json:"id"`
	IncludeOffsets bool   `json:"includeOffsets,omitempty"`
}
