package processor

import (
	"github.com/shopspring/decimal"

	"bookfeed/models"
)

// DeltaResult reports what ApplyDelta did with one price-level update.
type DeltaResult struct {
	// Applied is false when the update was discarded as stale or arrived
	// before the first snapshot.
	Applied bool
	// Unsynced is set when the symbol has no snapshot since its last reset.
	Unsynced bool
	// Changed is true when the book now differs at this price. Removing an
	// absent level is applied but does not change anything.
	Changed bool
	Side    models.Side
	Price   decimal.Decimal
	Size    decimal.Decimal
}

type bookState struct {
	book *models.OrderBook
	// offsets maps a normalized price string to the last applied token.
	offsets map[string]int64
	// synced is set by a snapshot and cleared by a reset.
	synced bool
}

// Store owns the order books and offset ledgers of one exchange connection.
// Only symbols registered at construction get a book. All calls for a given
// store must come from a single goroutine.
type Store struct {
	exchange string
	maxDepth int
	books    map[string]*bookState
}

// NewStore registers symbols for exchange. maxDepth caps the views returned
// by Snapshot and ApplySnapshot; 0 means unbounded.
func NewStore(exchange string, symbols []string, maxDepth int) *Store {
	s := &Store{
		exchange: exchange,
		maxDepth: maxDepth,
		books:    make(map[string]*bookState, len(symbols)),
	}
	for _, sym := range symbols {
		s.books[sym] = &bookState{book: models.NewOrderBook(), offsets: make(map[string]int64)}
	}
	return s
}

// Exchange returns the exchange this store belongs to.
func (s *Store) Exchange() string { return s.exchange }

// MaxDepth returns the configured read-time depth cap.
func (s *Store) MaxDepth() int { return s.maxDepth }

func (s *Store) state(op, symbol string) (*bookState, error) {
	st, ok := s.books[symbol]
	if !ok {
		return nil, models.Errorf(models.KindUnknownSymbol, s.exchange, op, "symbol %q is not registered", symbol)
	}
	return st, nil
}

// Reset clears the book and ledger for symbol.
func (s *Store) Reset(symbol string) error {
	st, err := s.state("reset", symbol)
	if err != nil {
		return err
	}
	st.reset()
	return nil
}

// ResetAll clears every registered book and ledger.
func (s *Store) ResetAll() {
	for _, st := range s.books {
		st.reset()
	}
}

func (st *bookState) reset() {
	st.book.Clear()
	clear(st.offsets)
	st.synced = false
}

// Synced reports whether symbol has received a snapshot since its last reset.
func (s *Store) Synced(symbol string) bool {
	st, ok := s.books[symbol]
	return ok && st.synced
}

// ApplySnapshot replaces the book for symbol. Levels with a non-positive
// price or size are not installed, but their tokens still seed the ledger.
// It returns the resulting book capped to the store depth.
func (s *Store) ApplySnapshot(symbol string, bids, asks []models.SnapshotLevel) (models.BookSnapshot, error) {
	st, err := s.state("snapshot", symbol)
	if err != nil {
		return models.BookSnapshot{}, err
	}
	st.reset()

	install := func(side models.Side, levels []models.SnapshotLevel) {
		for _, l := range levels {
			if l.Token != nil {
				st.offsets[priceKey(l.Price)] = *l.Token
			}
			if l.Price.IsPositive() && l.Size.IsPositive() {
				st.book.Set(side, l.Price, l.Size)
			}
		}
	}
	install(models.Bid, bids)
	install(models.Ask, asks)
	st.synced = true

	return st.book.Snapshot(s.maxDepth), nil
}

// ApplyDelta applies one price-level update. Updates for a symbol without a
// snapshot are discarded with Unsynced set. When token is set and the ledger
// holds a greater token for the price, the update is discarded. Equal tokens
// are re-deliveries and are applied.
func (s *Store) ApplyDelta(symbol string, side models.Side, price, size decimal.Decimal, token *int64) (DeltaResult, error) {
	st, err := s.state("delta", symbol)
	if err != nil {
		return DeltaResult{}, err
	}
	res := DeltaResult{Side: side, Price: price, Size: size}
	if !st.synced {
		res.Unsynced = true
		return res, nil
	}

	key := priceKey(price)
	if token != nil {
		if last, ok := st.offsets[key]; ok && *token < last {
			return res, nil
		}
	}

	res.Applied = true
	if size.IsZero() {
		res.Changed = st.book.Remove(side, price)
	} else {
		st.book.Set(side, price, size)
		res.Changed = true
	}
	if token != nil {
		st.offsets[key] = *token
	}
	return res, nil
}

// Snapshot returns the current book for symbol capped to the store depth.
func (s *Store) Snapshot(symbol string) (models.BookSnapshot, error) {
	st, err := s.state("snapshot_read", symbol)
	if err != nil {
		return models.BookSnapshot{}, err
	}
	return st.book.Snapshot(s.maxDepth), nil
}

// Book exposes the live book for symbol. Callers must not retain it across
// messages.
func (s *Store) Book(symbol string) (*models.OrderBook, bool) {
	st, ok := s.books[symbol]
	if !ok {
		return nil, false
	}
	return st.book, true
}

// Token returns the ledger token recorded for price.
func (s *Store) Token(symbol string, price decimal.Decimal) (int64, bool) {
	st, ok := s.books[symbol]
	if !ok {
		return 0, false
	}
	tok, ok := st.offsets[priceKey(price)]
	return tok, ok
}

// priceKey normalizes a price so that 100 and 100.0 share a ledger entry.
func priceKey(p decimal.Decimal) string {
	return p.String()
}
