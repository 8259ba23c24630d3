package models

import "strings"

// Exchange identifiers used across readers, processors and writers.
const (
	ExchangeDydx  = "DYDX"
	ExchangeUpbit = "UPBIT"
)

// Instrument types as reported by exchange catalogs (lowercased).
const (
	InstrumentSpot      = "spot"
	InstrumentPerpetual = "perpetual"
)

// Symbol is the exchange independent identity of an instrument. It is built
// once from catalog metadata and never changes afterwards.
type Symbol struct {
	Base  string
	Quote string
	Type  string
}

// NewSymbol builds a symbol, upper-casing assets and lower-casing the type.
// An empty type means spot.
func NewSymbol(base, quote, instrumentType string) Symbol {
	t := strings.ToLower(strings.TrimSpace(instrumentType))
	if t == "" {
		t = InstrumentSpot
	}
	return Symbol{
		Base:  strings.ToUpper(strings.TrimSpace(base)),
		Quote: strings.ToUpper(strings.TrimSpace(quote)),
		Type:  t,
	}
}

// Normalized returns the canonical symbol string, e.g. BTC-USD or BTC-USD-PERP.
func (s Symbol) Normalized() string {
	base := s.Base + "-" + s.Quote
	switch s.Type {
	case InstrumentSpot, "":
		return base
	case InstrumentPerpetual:
		return base + "-PERP"
	default:
		return base + "-" + strings.ToUpper(s.Type)
	}
}

func (s Symbol) String() string { return s.Normalized() }
