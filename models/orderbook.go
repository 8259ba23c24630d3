package models

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/btree"
)

// Side identifies the book side of a price level.
type Side string

const (
	Bid Side = "bid"
	Ask Side = "ask"
)

// Level is a single price level.
type Level struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

// SnapshotLevel is a level delivered in a full snapshot. Token is set only by
// exchanges that tag every level with a sequence offset.
type SnapshotLevel struct {
	Price decimal.Decimal
	Size  decimal.Decimal
	Token *int64
}

// BookDelta holds the levels that were actually applied for one message.
// A zero size means the level was removed.
type BookDelta struct {
	Bids []Level `json:"bids"`
	Asks []Level `json:"asks"`
}

// Add records an applied level on the given side.
func (d *BookDelta) Add(side Side, price, size decimal.Decimal) {
	l := Level{Price: price, Size: size}
	if side == Bid {
		d.Bids = append(d.Bids, l)
		return
	}
	d.Asks = append(d.Asks, l)
}

// Len returns the number of applied levels across both sides.
func (d *BookDelta) Len() int {
	if d == nil {
		return 0
	}
	return len(d.Bids) + len(d.Asks)
}

// Empty reports whether nothing was applied.
func (d *BookDelta) Empty() bool { return d.Len() == 0 }

// BookSnapshot is an immutable copy of a book, best levels first.
type BookSnapshot struct {
	Bids []Level `json:"bids"`
	Asks []Level `json:"asks"`
}

// BookEvent is delivered to sinks for every book change. Delta is nil when the
// book was replaced wholesale.
type BookEvent struct {
	Exchange          string       `json:"exchange"`
	Symbol            string       `json:"symbol"`
	Book              BookSnapshot `json:"book"`
	Delta             *BookDelta   `json:"delta,omitempty"`
	Received          time.Time    `json:"received"`
	ExchangeTimestamp *float64     `json:"exchange_timestamp,omitempty"`
}

// OrderBook keeps bids and asks ordered best first. It is not safe for
// concurrent use; callers serialize access per symbol.
type OrderBook struct {
	bids *btree.BTreeG[Level]
	asks *btree.BTreeG[Level]
}

// NewOrderBook returns an empty book.
func NewOrderBook() *OrderBook {
	opts := btree.Options{NoLocks: true}
	return &OrderBook{
		bids: btree.NewBTreeGOptions(func(a, b Level) bool { return a.Price.GreaterThan(b.Price) }, opts),
		asks: btree.NewBTreeGOptions(func(a, b Level) bool { return a.Price.LessThan(b.Price) }, opts),
	}
}

func (b *OrderBook) side(s Side) *btree.BTreeG[Level] {
	if s == Bid {
		return b.bids
	}
	return b.asks
}

// Set inserts or replaces the level at price.
func (b *OrderBook) Set(s Side, price, size decimal.Decimal) {
	b.side(s).Set(Level{Price: price, Size: size})
}

// Remove deletes the level at price and reports whether it existed.
func (b *OrderBook) Remove(s Side, price decimal.Decimal) bool {
	_, ok := b.side(s).Delete(Level{Price: price})
	return ok
}

// Size returns the size resting at price.
func (b *OrderBook) Size(s Side, price decimal.Decimal) (decimal.Decimal, bool) {
	l, ok := b.side(s).Get(Level{Price: price})
	return l.Size, ok
}

// Len returns the number of levels on a side.
func (b *OrderBook) Len(s Side) int { return b.side(s).Len() }

// Levels returns up to depth best levels of a side. depth <= 0 returns all.
func (b *OrderBook) Levels(s Side, depth int) []Level {
	tr := b.side(s)
	n := tr.Len()
	if depth > 0 && depth < n {
		n = depth
	}
	out := make([]Level, 0, n)
	tr.Scan(func(l Level) bool {
		out = append(out, l)
		return len(out) < n
	})
	return out
}

// Snapshot copies the book, capping each side to depth when depth > 0.
func (b *OrderBook) Snapshot(depth int) BookSnapshot {
	return BookSnapshot{
		Bids: b.Levels(Bid, depth),
		Asks: b.Levels(Ask, depth),
	}
}

// Clear removes every level.
func (b *OrderBook) Clear() {
	b.bids.Clear()
	b.asks.Clear()
}
