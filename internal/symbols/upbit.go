package symbols

import (
	"encoding/json"
	"strings"

	"bookfeed/models"
)

type upbitMarket struct {
	Market string `json:"market"`
}

// ParseUpbitMarkets builds a mapper from the /v1/market/all response. Upbit
// lists markets quote first (KRW-BTC) and every listed market is spot.
func ParseUpbitMarkets(body []byte) (*Mapper, error) {
	var markets []upbitMarket
	if err := json.Unmarshal(body, &markets); err != nil {
		return nil, models.NewError(models.KindCatalogParse, models.ExchangeUpbit, "markets", err)
	}

	m := NewMapper(models.ExchangeUpbit)
	for i, mk := range markets {
		quote, base, ok := strings.Cut(mk.Market, "-")
		if !ok || quote == "" || base == "" {
			return nil, models.Errorf(models.KindCatalogParse, models.ExchangeUpbit, "markets", "entry %d has invalid market %q", i, mk.Market)
		}
		m.Add(Info{
			Native:         mk.Market,
			Symbol:         models.NewSymbol(base, quote, models.InstrumentSpot),
			InstrumentType: models.InstrumentSpot,
		})
	}
	return m, nil
}
