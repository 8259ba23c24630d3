package dydx

import (
	"encoding/json"
	"fmt"

	"bookfeed/models"
)

// EncodeSubscription builds one subscribe frame per (channel, market), book
// frames asking for per-level offsets.
func (a *Adapter) EncodeSubscription(req models.SubscriptionRequest) ([][]byte, error) {
	var out [][]byte
	for _, ch := range req.Channels() {
		wire, err := wireChannel(ch)
		if err != nil {
			return nil, err
		}
		natives, err := a.mapper.Natives(req.Symbols(ch))
		if err != nil {
			return nil, err
		}
		for _, native := range natives {
			b, err := json.Marshal(subscribeRequest{
				Type:           "subscribe",
				Channel:        wire,
				ID:             native,
				IncludeOffsets: wire == channelOrderbook,
			})
			if err != nil {
				return nil, fmt.Errorf("failed to encode subscription: %w", err)
			}
			out = append(out, b)
		}
	}
	return out, nil
}

func wireChannel(ch models.Channel) (string, error) {
	switch ch {
	case models.ChannelBook:
		return channelOrderbook, nil
	case models.ChannelTrades:
		return channelTrades, nil
	default:
		return "", models.Errorf(models.KindUnrecognizedChannel, models.ExchangeDydx, "subscribe", "channel %q", ch)
	}
}
