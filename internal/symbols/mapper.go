package symbols

import (
	"sort"

	"github.com/shopspring/decimal"

	"bookfeed/models"
)

// Info is the per-symbol metadata taken from an exchange catalog.
type Info struct {
	Native         string          `json:"native"`
	Symbol         models.Symbol   `json:"symbol"`
	InstrumentType string          `json:"instrument_type"`
	TickSize       decimal.Decimal `json:"tick_size"`
}

// Mapper translates between canonical and exchange-native identifiers for a
// single exchange. It is built once from the catalog and read-only afterwards.
type Mapper struct {
	exchange   string
	toNative   map[string]string
	fromNative map[string]string
	info       map[string]Info
}

// NewMapper returns an empty mapper for exchange.
func NewMapper(exchange string) *Mapper {
	return &Mapper{
		exchange:   exchange,
		toNative:   make(map[string]string),
		fromNative: make(map[string]string),
		info:       make(map[string]Info),
	}
}

// Add registers a catalog entry. A later entry for the same canonical symbol
// replaces the earlier one.
func (m *Mapper) Add(info Info) {
	canonical := info.Symbol.Normalized()
	if prev, ok := m.toNative[canonical]; ok {
		delete(m.fromNative, prev)
	}
	m.toNative[canonical] = info.Native
	m.fromNative[info.Native] = canonical
	m.info[canonical] = info
}

func (m *Mapper) Exchange() string { return m.exchange }

func (m *Mapper) Len() int { return len(m.toNative) }

// Native returns the exchange identifier for a canonical symbol.
func (m *Mapper) Native(canonical string) (string, error) {
	native, ok := m.toNative[canonical]
	if !ok {
		return "", models.Errorf(models.KindUnknownSymbol, m.exchange, "native", "no market for %q", canonical)
	}
	return native, nil
}

// Canonical returns the canonical symbol for an exchange identifier.
func (m *Mapper) Canonical(native string) (string, error) {
	canonical, ok := m.fromNative[native]
	if !ok {
		return "", models.Errorf(models.KindUnknownSymbol, m.exchange, "canonical", "unknown market %q", native)
	}
	return canonical, nil
}

// Info returns the catalog metadata of a canonical symbol.
func (m *Mapper) Info(canonical string) (Info, bool) {
	info, ok := m.info[canonical]
	return info, ok
}

// Symbols lists every canonical symbol, sorted.
func (m *Mapper) Symbols() []string {
	out := make([]string, 0, len(m.toNative))
	for s := range m.toNative {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Natives converts canonical symbols to exchange identifiers, failing on the
// first unknown one.
func (m *Mapper) Natives(canonical []string) ([]string, error) {
	out := make([]string, 0, len(canonical))
	for _, c := range canonical {
		n, err := m.Native(c)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}
