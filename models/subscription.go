package models

import "sort"

// Channel is a canonical market-data channel.
type Channel string

const (
	ChannelBook   Channel = "l2_book"
	ChannelTrades Channel = "trades"
)

// SubscriptionRequest maps channels to the canonical symbols wanted on each.
type SubscriptionRequest map[Channel][]string

// Channels returns the requested channels in a stable order.
func (r SubscriptionRequest) Channels() []Channel {
	out := make([]Channel, 0, len(r))
	for c := range r {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Symbols returns the de-duplicated, sorted symbols for a channel.
func (r SubscriptionRequest) Symbols(c Channel) []string {
	seen := make(map[string]struct{}, len(r[c]))
	out := make([]string, 0, len(r[c]))
	for _, s := range r[c] {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// AllSymbols returns every symbol named by any channel, sorted.
func (r SubscriptionRequest) AllSymbols() []string {
	var merged []string
	for _, syms := range r {
		merged = append(merged, syms...)
	}
	return SubscriptionRequest{"": merged}.Symbols("")
}
