package symbols

import (
	"encoding/json"
	"strings"

	"github.com/shopspring/decimal"

	"bookfeed/models"
)

type dydxMarket struct {
	Market     string           `json:"market"`
	Status     *string          `json:"status"`
	BaseAsset  *string          `json:"baseAsset"`
	QuoteAsset *string          `json:"quoteAsset"`
	Type       *string          `json:"type"`
	TickSize   *decimal.Decimal `json:"tickSize"`
}

type dydxCatalog struct {
	Markets map[string]dydxMarket `json:"markets"`
}

// ParseDydxMarkets builds a mapper from the /v3/markets response, keeping
// only ONLINE markets.
//
//	{"markets":{"BTC-USD":{"status":"ONLINE","baseAsset":"BTC","quoteAsset":"USD","type":"PERPETUAL","tickSize":"1"}}}
func ParseDydxMarkets(body []byte) (*Mapper, error) {
	var cat dydxCatalog
	if err := json.Unmarshal(body, &cat); err != nil {
		return nil, models.NewError(models.KindCatalogParse, models.ExchangeDydx, "markets", err)
	}
	if cat.Markets == nil {
		return nil, models.Errorf(models.KindCatalogParse, models.ExchangeDydx, "markets", "missing markets object")
	}

	m := NewMapper(models.ExchangeDydx)
	for native, mk := range cat.Markets {
		if mk.Status == nil || mk.BaseAsset == nil || mk.QuoteAsset == nil || mk.Type == nil {
			return nil, models.Errorf(models.KindCatalogParse, models.ExchangeDydx, "markets", "market %q is missing required fields", native)
		}
		if *mk.Status != "ONLINE" {
			continue
		}
		info := Info{
			Native:         native,
			Symbol:         models.NewSymbol(*mk.BaseAsset, *mk.QuoteAsset, *mk.Type),
			InstrumentType: strings.ToLower(*mk.Type),
		}
		if mk.TickSize != nil {
			info.TickSize = *mk.TickSize
		}
		m.Add(info)
	}
	return m, nil
}
