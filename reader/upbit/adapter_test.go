package upbit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bookfeed/internal/channel"
	"bookfeed/internal/symbols"
	"bookfeed/models"
	"bookfeed/reader"
)

type recorder struct {
	books  []models.BookEvent
	trades []models.TradeEvent
}

func newTestAdapter(t *testing.T) (*Adapter, reader.Adapter, *recorder) {
	t.Helper()
	mapper, err := symbols.ParseUpbitMarkets([]byte(`[{"market":"KRW-BTC"},{"market":"BTC-XRP"}]`))
	require.NoError(t, err)
	rec := &recorder{}
	sink := channel.Callbacks{
		Book: func(_ context.Context, ev models.BookEvent) error {
			rec.books = append(rec.books, ev)
			return nil
		},
		Trade: func(_ context.Context, ev models.TradeEvent) error {
			rec.trades = append(rec.trades, ev)
			return nil
		},
	}
	a := New(mapper, sink, 0)
	return a, reader.Bind[Message](a), rec
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestFullReplaceFiltersZeroPrices(t *testing.T) {
	_, ad, rec := newTestAdapter(t)
	msg := `{"ty":"orderbook","cd":"KRW-BTC","tms":1584263923870,"st":"REALTIME",
		"obu":[{"ap":6727000.0,"as":0.4744314,"bp":6721000.0,"bs":0.0014551},
		       {"ap":0,"as":1.5,"bp":6719000.0,"bs":0.00926683}]}`
	require.NoError(t, ad.Handle(context.Background(), []byte(msg), time.Now()))

	require.Len(t, rec.books, 1)
	ev := rec.books[0]
	assert.Nil(t, ev.Delta, "full-replace frames carry no delta")
	assert.Equal(t, "BTC-KRW", ev.Symbol)
	require.Len(t, ev.Book.Bids, 2)
	require.Len(t, ev.Book.Asks, 1)
	assert.True(t, ev.Book.Bids[0].Price.Equal(d("6721000")))
	assert.True(t, ev.Book.Asks[0].Size.Equal(d("0.4744314")))
	require.NotNil(t, ev.ExchangeTimestamp)
	assert.InDelta(t, 1584263923.870, *ev.ExchangeTimestamp, 1e-6)
}

func TestEveryFrameEmitsAndReplaces(t *testing.T) {
	a, ad, rec := newTestAdapter(t)
	ctx := context.Background()
	frame := `{"ty":"orderbook","cd":"KRW-BTC","tms":1,"obu":[{"ap":101,"as":1,"bp":100,"bs":1}]}`
	require.NoError(t, ad.Handle(ctx, []byte(frame), time.Now()))
	require.NoError(t, ad.Handle(ctx, []byte(frame), time.Now()))
	assert.Len(t, rec.books, 2, "identical frames still emit")
	assert.Equal(t, rec.books[0].Book, rec.books[1].Book)

	next := `{"ty":"orderbook","cd":"KRW-BTC","tms":2,"obu":[{"ap":102,"as":1,"bp":99,"bs":0}]}`
	require.NoError(t, ad.Handle(ctx, []byte(next), time.Now()))
	book, _ := a.Store().Book("BTC-KRW")
	assert.Equal(t, 0, book.Len(models.Bid))
	assert.Equal(t, 1, book.Len(models.Ask))
	_, ok := book.Size(models.Ask, d("101"))
	assert.False(t, ok, "old levels do not survive a replace")
}

func TestTradeFrame(t *testing.T) {
	_, ad, rec := newTestAdapter(t)
	msg := `{"ty":"trade","cd":"BTC-XRP","tp":0.00002345,"tv":1500.5,"tms":1584257228806,"ttms":1584257228000,
		"ab":"ASK","sid":1584257228000000,"st":"REALTIME"}`
	require.NoError(t, ad.Handle(context.Background(), []byte(msg), time.Now()))

	require.Len(t, rec.trades, 1)
	tr := rec.trades[0].Trade
	assert.Equal(t, "XRP-BTC", tr.Symbol)
	assert.Equal(t, models.Sell, tr.Side)
	assert.True(t, tr.Price.Equal(d("0.00002345")))
	assert.True(t, tr.Amount.Equal(d("1500.5")))
	assert.InDelta(t, 1584257228.0, tr.Timestamp, 1e-6)
	assert.Equal(t, "1584257228000000", tr.ID)
	assert.NotEmpty(t, tr.Raw)
}

func TestMalformedFrames(t *testing.T) {
	_, ad, rec := newTestAdapter(t)
	for _, msg := range []string{
		`{"ty":"trade","cd":"KRW-BTC","tp":100,"ab":"BID","ttms":1}`,
		`{"ty":"orderbook","cd":"KRW-BTC","obu":[]}`,
		`{"cd":"KRW-BTC"}`,
		`[1,2]`,
	} {
		err := ad.Handle(context.Background(), []byte(msg), time.Now())
		assert.True(t, errors.Is(err, models.ErrMalformedMessage), "msg %s: %v", msg, err)
	}
	assert.Empty(t, rec.books)
	assert.Empty(t, rec.trades)
}

func TestClassifyLifecycleAndUnknown(t *testing.T) {
	a, ad, _ := newTestAdapter(t)

	kind, _, err := a.Classify([]byte(`{"status":"UP"}`))
	require.NoError(t, err)
	assert.Equal(t, reader.KindLifecycle, kind)
	assert.NoError(t, ad.Handle(context.Background(), []byte(`{"status":"UP"}`), time.Now()))

	kind, _, err = a.Classify([]byte(`{"ty":"ticker","cd":"KRW-BTC"}`))
	assert.Equal(t, reader.KindUnrecognized, kind)
	assert.True(t, errors.Is(err, models.ErrUnrecognizedMessageType))

	kind, _, err = a.Classify([]byte(`{"error":{"name":"INVALID_AUTH","message":"bad"}}`))
	assert.Equal(t, reader.KindExchangeError, kind)
	assert.Error(t, err)

	err = ad.Handle(context.Background(), []byte(`{"ty":"orderbook","cd":"KRW-DOGE","tms":1,"obu":[]}`), time.Now())
	assert.True(t, errors.Is(err, models.ErrUnknownSymbol))
}

func TestSubscribePayload(t *testing.T) {
	a, ad, _ := newTestAdapter(t)
	a.SetTicketSource(func() string { return "ticket-1" })

	payloads, err := ad.Subscribe(models.SubscriptionRequest{
		models.ChannelTrades: {"XRP-BTC"},
		models.ChannelBook:   {"XRP-BTC", "BTC-KRW"},
	})
	require.NoError(t, err)
	require.Len(t, payloads, 1)
	assert.JSONEq(t, `[
		{"ticket":"ticket-1"},
		{"format":"SIMPLE"},
		{"type":"orderbook","codes":["KRW-BTC","BTC-XRP"],"isOnlyRealtime":true},
		{"type":"trade","codes":["BTC-XRP"],"isOnlyRealtime":true}
	]`, string(payloads[0]))

	_, err = a.EncodeSubscription(models.SubscriptionRequest{models.ChannelBook: {"ETH-KRW"}})
	assert.True(t, errors.Is(err, models.ErrUnknownSymbol))
}

func TestDefaultTicketsAreUnique(t *testing.T) {
	a, _, _ := newTestAdapter(t)
	req := models.SubscriptionRequest{models.ChannelTrades: {"BTC-KRW"}}
	first, err := a.EncodeSubscription(req)
	require.NoError(t, err)
	second, err := a.EncodeSubscription(req)
	require.NoError(t, err)
	assert.NotEqual(t, string(first[0]), string(second[0]))
}
