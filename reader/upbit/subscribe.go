package upbit

import (
	"encoding/json"
	"fmt"

	"bookfeed/models"
)

// EncodeSubscription builds the single Upbit subscribe frame: a fresh
// ticket, the SIMPLE format flag, then one stream per requested channel.
func (a *Adapter) EncodeSubscription(req models.SubscriptionRequest) ([][]byte, error) {
	frame := []any{ticket{Ticket: a.ticket()}, format{Format: "SIMPLE"}}
	for _, ch := range req.Channels() {
		var typ string
		switch ch {
		case models.ChannelBook:
			typ = typeOrderbook
		case models.ChannelTrades:
			typ = typeTrade
		default:
			return nil, models.Errorf(models.KindUnrecognizedChannel, models.ExchangeUpbit, "subscribe", "channel %q", ch)
		}
		codes, err := a.mapper.Natives(req.Symbols(ch))
		if err != nil {
			return nil, err
		}
		frame = append(frame, stream{Type: typ, Codes: codes, IsOnlyRealtime: true})
	}

	b, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("failed to encode subscription: %w", err)
	}
	return [][]byte{b}, nil
}
