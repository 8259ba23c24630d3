package dydx

import (
	"context"
	"encoding/json"
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

const catalog = `{"markets":{
	"BTC-USD":{"status":"ONLINE","baseAsset":"BTC","quoteAsset":"USD","type":"PERPETUAL","tickSize":"1"},
	"ETH-USD":{"status":"ONLINE","baseAsset":"ETH","quoteAsset":"USD","type":"PERPETUAL","tickSize":"0.1"}
}}`

type recorder struct {
	books  []models.BookEvent
	trades []models.TradeEvent
}

func (r *recorder) sink() channel.Sink {
	return channel.Callbacks{
		Book: func(_ context.Context, ev models.BookEvent) error {
			r.books = append(r.books, ev)
			return nil
		},
		Trade: func(_ context.Context, ev models.TradeEvent) error {
			r.trades = append(r.trades, ev)
			return nil
		},
	}
}

func newTestAdapter(t *testing.T) (*Adapter, reader.Adapter, *recorder) {
	t.Helper()
	mapper, err := symbols.ParseDydxMarkets([]byte(catalog))
	require.NoError(t, err)
	rec := &recorder{}
	a := New(mapper, rec.sink(), 0)
	return a, reader.Bind[Message](a), rec
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

const snapshotMsg = `{"type":"subscribed","connection_id":"c1","message_id":1,"channel":"v3_orderbook","id":"BTC-USD",
	"contents":{"bids":[{"price":"100","size":"2","offset":"5"}],"asks":[{"price":"101","size":"3","offset":"5"}]}}`

func TestSnapshotSeedsBook(t *testing.T) {
	a, ad, rec := newTestAdapter(t)
	require.NoError(t, ad.Handle(context.Background(), []byte(snapshotMsg), time.Unix(10, 0)))

	require.Len(t, rec.books, 1)
	ev := rec.books[0]
	assert.Nil(t, ev.Delta, "snapshots carry the full book")
	assert.Equal(t, "BTC-USD-PERP", ev.Symbol)
	require.Len(t, ev.Book.Bids, 1)
	require.Len(t, ev.Book.Asks, 1)
	assert.True(t, ev.Book.Bids[0].Size.Equal(d("2")))
	assert.True(t, ev.Book.Asks[0].Size.Equal(d("3")))

	bidTok, _ := a.Store().Token("BTC-USD-PERP", d("100"))
	askTok, _ := a.Store().Token("BTC-USD-PERP", d("101"))
	assert.Equal(t, int64(5), bidTok)
	assert.Equal(t, int64(5), askTok)
}

func TestStaleThenFreshUpdate(t *testing.T) {
	a, ad, rec := newTestAdapter(t)
	ctx := context.Background()
	require.NoError(t, ad.Handle(ctx, []byte(snapshotMsg), time.Now()))

	stale := `{"type":"channel_data","channel":"v3_orderbook","id":"BTC-USD","contents":{"offset":"4","bids":[["100","1"]],"asks":[]}}`
	require.NoError(t, ad.Handle(ctx, []byte(stale), time.Now()))
	assert.Len(t, rec.books, 1, "a fully stale batch emits nothing")

	fresh := `{"type":"channel_data","channel":"v3_orderbook","id":"BTC-USD","contents":{"offset":"6","bids":[["100","1"]],"asks":[]}}`
	require.NoError(t, ad.Handle(ctx, []byte(fresh), time.Now()))
	require.Len(t, rec.books, 2)

	ev := rec.books[1]
	require.NotNil(t, ev.Delta)
	require.Len(t, ev.Delta.Bids, 1)
	assert.Empty(t, ev.Delta.Asks)
	assert.True(t, ev.Delta.Bids[0].Price.Equal(d("100")))
	assert.True(t, ev.Delta.Bids[0].Size.Equal(d("1")))
	assert.True(t, ev.Book.Bids[0].Size.Equal(d("1")))

	tok, _ := a.Store().Token("BTC-USD-PERP", d("100"))
	assert.Equal(t, int64(6), tok)
}

func TestUpdateMixedStaleAndRemoval(t *testing.T) {
	_, ad, rec := newTestAdapter(t)
	ctx := context.Background()
	require.NoError(t, ad.Handle(ctx, []byte(snapshotMsg), time.Now()))

	// bid 100 is stale at offset 3; ask 101 removed; ask 105 absent removal
	msg := `{"type":"channel_data","channel":"v3_orderbook","id":"BTC-USD","contents":{"offset":3,"bids":[["100","9"]],"asks":[]}}`
	require.NoError(t, ad.Handle(ctx, []byte(msg), time.Now()))
	msg = `{"type":"channel_data","channel":"v3_orderbook","id":"BTC-USD","contents":{"offset":"7","bids":[],"asks":[["101","0"],["105","0"]]}}`
	require.NoError(t, ad.Handle(ctx, []byte(msg), time.Now()))

	require.Len(t, rec.books, 2)
	ev := rec.books[1]
	require.Len(t, ev.Delta.Asks, 1)
	assert.True(t, ev.Delta.Asks[0].Price.Equal(d("101")))
	assert.True(t, ev.Delta.Asks[0].Size.IsZero())
	assert.Empty(t, ev.Book.Asks)

	// removing an absent level alone emits nothing
	msg = `{"type":"channel_data","channel":"v3_orderbook","id":"BTC-USD","contents":{"offset":"8","bids":[],"asks":[["106","0"]]}}`
	require.NoError(t, ad.Handle(ctx, []byte(msg), time.Now()))
	assert.Len(t, rec.books, 2)
}

func TestMalformedUpdateLeavesBookUntouched(t *testing.T) {
	a, ad, rec := newTestAdapter(t)
	ctx := context.Background()
	require.NoError(t, ad.Handle(ctx, []byte(snapshotMsg), time.Now()))

	for _, msg := range []string{
		`{"type":"channel_data","channel":"v3_orderbook","id":"BTC-USD","contents":{"bids":[["100","1"]]}}`,
		`{"type":"channel_data","channel":"v3_orderbook","id":"BTC-USD","contents":{"offset":"9","bids":[["99","1"],["100"]]}}`,
		`{"type":"channel_data","channel":"v3_orderbook","id":"BTC-USD","contents":{"offset":"9","bids":[["abc","1"]]}}`,
		`{"type":"subscribed","channel":"v3_orderbook","id":"BTC-USD","contents":{"bids":[{"price":"100","size":"2"}]}}`,
		`not json`,
	} {
		err := ad.Handle(ctx, []byte(msg), time.Now())
		assert.True(t, errors.Is(err, models.ErrMalformedMessage), "msg %s: %v", msg, err)
	}
	assert.Len(t, rec.books, 1)
	book, _ := a.Store().Book("BTC-USD-PERP")
	_, ok := book.Size(models.Bid, d("99"))
	assert.False(t, ok)
}

func TestClassify(t *testing.T) {
	a, ad, _ := newTestAdapter(t)
	tests := []struct {
		name string
		msg  string
		kind reader.Kind
		err  error
	}{
		{"connected", `{"type":"connected","connection_id":"x"}`, reader.KindLifecycle, nil},
		{"ack", `{"type":"subscribed","channel":"v3_orderbook","id":"BTC-USD"}`, reader.KindAck, nil},
		{"snapshot", snapshotMsg, reader.KindBook, nil},
		{"trades ack with data", `{"type":"subscribed","channel":"v3_trades","id":"BTC-USD","contents":{"trades":[]}}`, reader.KindTrade, nil},
		{"bad channel", `{"type":"channel_data","channel":"v3_markets","id":"BTC-USD","contents":{}}`, reader.KindUnrecognized, models.ErrUnrecognizedChannel},
		{"bad type", `{"type":"heartbeat"}`, reader.KindUnrecognized, models.ErrUnrecognizedMessageType},
		{"no type", `{"channel":"v3_trades"}`, reader.KindUnrecognized, models.ErrMalformedMessage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kind, _, err := a.Classify([]byte(tt.msg))
			assert.Equal(t, tt.kind, kind)
			if tt.err == nil {
				assert.NoError(t, err)
			} else {
				assert.True(t, errors.Is(err, tt.err), "got %v", err)
			}
		})
	}

	// unrecognized messages are dropped, never fatal
	err := ad.Handle(context.Background(), []byte(`{"type":"channel_data","channel":"v3_markets","id":"BTC-USD","contents":{}}`), time.Now())
	assert.True(t, errors.Is(err, models.ErrUnrecognizedChannel))
}

func TestUnknownMarket(t *testing.T) {
	_, ad, rec := newTestAdapter(t)
	msg := `{"type":"subscribed","channel":"v3_orderbook","id":"DOGE-USD","contents":{"bids":[],"asks":[]}}`
	err := ad.Handle(context.Background(), []byte(msg), time.Now())
	assert.True(t, errors.Is(err, models.ErrUnknownSymbol))
	assert.Empty(t, rec.books)
}

func TestTradeBatch(t *testing.T) {
	_, ad, rec := newTestAdapter(t)
	msg := `{"type":"channel_data","channel":"v3_trades","id":"ETH-USD","contents":{"trades":[
		{"side":"BUY","size":"384.1","price":"17.23","createdAt":"2021-06-23T20:28:25.465Z"},
		{"side":"SELL","size":"0.5","price":"17.138","createdAt":"2021-06-23T20:22:26.466Z"}
	]}}`
	received := time.Unix(1624480000, 0)
	require.NoError(t, ad.Handle(context.Background(), []byte(msg), received))

	require.Len(t, rec.trades, 2)
	first, second := rec.trades[0].Trade, rec.trades[1].Trade
	assert.Equal(t, "ETH-USD-PERP", first.Symbol)
	assert.Equal(t, models.Buy, first.Side)
	assert.True(t, first.Amount.Equal(d("384.1")))
	assert.True(t, first.Price.Equal(d("17.23")))
	assert.InDelta(t, 1624480105.465, first.Timestamp, 1e-3)
	assert.Equal(t, models.Sell, second.Side)
	assert.InDelta(t, 1624479746.466, second.Timestamp, 1e-3)
	assert.Equal(t, received, rec.trades[1].Received)
	assert.JSONEq(t, `{"side":"BUY","size":"384.1","price":"17.23","createdAt":"2021-06-23T20:28:25.465Z"}`, string(first.Raw))
}

func TestTradeBatchSkipsMalformedRecord(t *testing.T) {
	_, ad, rec := newTestAdapter(t)
	msg := `{"type":"channel_data","channel":"v3_trades","id":"BTC-USD","contents":{"trades":[
		{"side":"BUY","size":"1","price":"30000"},
		{"side":"SELL","size":"2","price":"30001","createdAt":"2021-06-23T20:22:26Z"}
	]}}`
	err := ad.Handle(context.Background(), []byte(msg), time.Now())
	assert.True(t, errors.Is(err, models.ErrMalformedMessage))
	require.Len(t, rec.trades, 1)
	assert.Equal(t, models.Sell, rec.trades[0].Trade.Side)
}

func TestTradeFrameWithoutTrades(t *testing.T) {
	_, ad, rec := newTestAdapter(t)
	ctx := context.Background()
	for _, msg := range []string{
		`{"type":"channel_data","channel":"v3_trades","id":"BTC-USD","contents":{}}`,
		`{"type":"channel_data","channel":"v3_trades","id":"BTC-USD","contents":{"trades":null}}`,
	} {
		err := ad.Handle(ctx, []byte(msg), time.Now())
		assert.True(t, errors.Is(err, models.ErrMalformedMessage), "msg %s: %v", msg, err)
	}

	// an empty batch is valid
	require.NoError(t, ad.Handle(ctx, []byte(`{"type":"subscribed","channel":"v3_trades","id":"BTC-USD","contents":{"trades":[]}}`), time.Now()))
	assert.Empty(t, rec.trades)
}

func TestSubscribeEncodesAndResets(t *testing.T) {
	a, ad, _ := newTestAdapter(t)
	require.NoError(t, ad.Handle(context.Background(), []byte(snapshotMsg), time.Now()))

	payloads, err := ad.Subscribe(models.SubscriptionRequest{
		models.ChannelTrades: {"ETH-USD-PERP"},
		models.ChannelBook:   {"ETH-USD-PERP", "BTC-USD-PERP"},
	})
	require.NoError(t, err)

	want := []string{
		`{"type":"subscribe","channel":"v3_orderbook","id":"BTC-USD","includeOffsets":true}`,
		`{"type":"subscribe","channel":"v3_orderbook","id":"ETH-USD","includeOffsets":true}`,
		`{"type":"subscribe","channel":"v3_trades","id":"ETH-USD"}`,
	}
	require.Len(t, payloads, len(want))
	for i := range want {
		assert.JSONEq(t, want[i], string(payloads[i]))
		var m map[string]any
		require.NoError(t, json.Unmarshal(payloads[i], &m))
	}
	assert.Equal(t, want[2], string(payloads[2]))

	book, _ := a.Store().Book("BTC-USD-PERP")
	assert.Equal(t, 0, book.Len(models.Bid), "resubscribe clears book state")
	_, ok := a.Store().Token("BTC-USD-PERP", d("100"))
	assert.False(t, ok)
}

func TestUpdateAfterResubscribeWaitsForSnapshot(t *testing.T) {
	a, ad, rec := newTestAdapter(t)
	ctx := context.Background()
	require.NoError(t, ad.Handle(ctx, []byte(snapshotMsg), time.Now()))
	_, err := ad.Subscribe(models.SubscriptionRequest{models.ChannelBook: {"BTC-USD-PERP"}})
	require.NoError(t, err)

	early := `{"type":"channel_data","channel":"v3_orderbook","id":"BTC-USD","contents":{"offset":"9","bids":[["99","1"]],"asks":[]}}`
	require.NoError(t, ad.Handle(ctx, []byte(early), time.Now()))
	assert.Len(t, rec.books, 1, "no book is emitted before the snapshot")
	book, _ := a.Store().Book("BTC-USD-PERP")
	_, ok := book.Size(models.Bid, d("99"))
	assert.False(t, ok)

	require.NoError(t, ad.Handle(ctx, []byte(snapshotMsg), time.Now()))
	require.NoError(t, ad.Handle(ctx, []byte(early), time.Now()))
	require.Len(t, rec.books, 3)
	ev := rec.books[2]
	require.NotNil(t, ev.Delta)
	require.Len(t, ev.Book.Bids, 2)
	assert.True(t, ev.Book.Bids[0].Price.Equal(d("100")))
}

func TestSubscribeUnknownSymbol(t *testing.T) {
	a, _, _ := newTestAdapter(t)
	_, err := a.EncodeSubscription(models.SubscriptionRequest{models.ChannelBook: {"DOGE-USD-PERP"}})
	assert.True(t, errors.Is(err, models.ErrUnknownSymbol))
	_, err = a.EncodeSubscription(models.SubscriptionRequest{"funding": {"BTC-USD-PERP"}})
	assert.True(t, errors.Is(err, models.ErrUnrecognizedChannel))
}
