package writer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	kafka "github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bookfeed/internal/channel"
	"bookfeed/models"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func bookEvent(symbol, bid, ask string) models.BookEvent {
	return models.BookEvent{
		Exchange: "DYDX",
		Symbol:   symbol,
		Book: models.BookSnapshot{
			Bids: []models.Level{{Price: d(bid), Size: d("1")}},
			Asks: []models.Level{{Price: d(ask), Size: d("2")}},
		},
		Received: time.UnixMilli(1700000000123),
	}
}

func tradeEvent(exchange, symbol, id string) models.TradeEvent {
	return models.TradeEvent{
		Trade: models.Trade{
			Exchange:  exchange,
			Symbol:    symbol,
			Side:      models.Buy,
			Amount:    d("0.5"),
			Price:     d("30000.1"),
			Timestamp: 1624480105.465,
			ID:        id,
		},
		Received: time.UnixMilli(1624480105500),
	}
}

type fakeKafka struct {
	msgs   []kafka.Message
	err    error
	closed int
}

func (f *fakeKafka) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeKafka) Close() error {
	f.closed++
	return nil
}

func TestKafkaWriterRoutesAndKeys(t *testing.T) {
	fk := &fakeKafka{}
	kw := newKafkaWriter(fk, "books", "trades")
	ctx := context.Background()

	require.NoError(t, kw.OnBook(ctx, bookEvent("BTC-USD-PERP", "100", "101")))
	require.NoError(t, kw.OnTrade(ctx, tradeEvent("UPBIT", "BTC-KRW", "7")))
	require.Len(t, fk.msgs, 2)

	assert.Equal(t, "books", fk.msgs[0].Topic)
	assert.Equal(t, "DYDX:BTC-USD-PERP", string(fk.msgs[0].Key))
	var book models.BookEvent
	require.NoError(t, json.Unmarshal(fk.msgs[0].Value, &book))
	assert.True(t, book.Book.Bids[0].Price.Equal(d("100")))

	assert.Equal(t, "trades", fk.msgs[1].Topic)
	assert.Equal(t, "UPBIT:BTC-KRW", string(fk.msgs[1].Key))
	assert.Contains(t, string(fk.msgs[1].Value), `"id":"7"`)
	assert.Equal(t, int64(2), kw.Written())

	require.NoError(t, kw.Close())
	require.NoError(t, kw.Close())
	assert.Equal(t, 1, fk.closed)
}

func TestKafkaWriterReturnsBrokerErrors(t *testing.T) {
	fk := &fakeKafka{err: errors.New("leader not available")}
	kw := newKafkaWriter(fk, "books", "trades")
	err := kw.OnBook(context.Background(), bookEvent("BTC-USD-PERP", "100", "101"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "books")
	assert.Zero(t, kw.Written())
}

type fakeHash struct {
	mu     sync.Mutex
	writes map[string][]any
	calls  int
	err    error
}

func (f *fakeHash) HSet(_ context.Context, key string, values ...any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return f.err
	}
	if f.writes == nil {
		f.writes = make(map[string][]any)
	}
	f.writes[key] = values
	return nil
}

func TestRedisWriterSuppressesDuplicates(t *testing.T) {
	fh := &fakeHash{}
	rw := newRedisWriter(fh)
	ctx := context.Background()

	require.NoError(t, rw.OnBook(ctx, bookEvent("BTC-USD-PERP", "100", "101")))
	require.NoError(t, rw.OnBook(ctx, bookEvent("BTC-USD-PERP", "100", "101")))
	assert.Equal(t, 1, fh.calls, "unchanged top of book is not rewritten")
	assert.Equal(t, []any{"bid", "100", "ask", "101", "ts", "1700000000123"}, fh.writes["book:DYDX:BTC-USD-PERP"])

	require.NoError(t, rw.OnBook(ctx, bookEvent("BTC-USD-PERP", "100.5", "101")))
	assert.Equal(t, 2, fh.calls)

	empty := models.BookEvent{Exchange: "UPBIT", Symbol: "BTC-KRW"}
	require.NoError(t, rw.OnBook(ctx, empty))
	assert.Equal(t, "0", fh.writes["book:UPBIT:BTC-KRW"][1])
	require.NoError(t, rw.OnTrade(ctx, tradeEvent("UPBIT", "BTC-KRW", "1")))
	assert.Equal(t, 3, fh.calls)
}

func TestRedisWriterRetriesAfterFailure(t *testing.T) {
	fh := &fakeHash{err: errors.New("connection refused")}
	rw := newRedisWriter(fh)
	ctx := context.Background()

	require.Error(t, rw.OnBook(ctx, bookEvent("BTC-USD-PERP", "100", "101")))
	fh.err = nil
	require.NoError(t, rw.OnBook(ctx, bookEvent("BTC-USD-PERP", "100", "101")))
	assert.Equal(t, 2, fh.calls, "a failed write is not remembered as current")
}

type putCall struct {
	key  string
	body []byte
	meta map[string]string
}

type fakePutter struct {
	mu    sync.Mutex
	calls []putCall
	fail  bool
}

func (f *fakePutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, errors.New("access denied")
	}
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.calls = append(f.calls, putCall{key: *in.Key, body: body, meta: in.Metadata})
	return &s3.PutObjectOutput{}, nil
}

func (f *fakePutter) snapshot() []putCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]putCall(nil), f.calls...)
}

func newTestArchiver(fp *fakePutter, interval time.Duration) *TradeArchiver {
	return newCappedArchiver(fp, interval, 1000)
}

func newCappedArchiver(fp *fakePutter, interval time.Duration, maxRows int) *TradeArchiver {
	a := newTradeArchiver(fp, "archive", "/trades/", "0.1.0", interval, maxRows)
	a.now = func() time.Time { return time.Date(2024, 3, 9, 10, 11, 12, 0, time.UTC) }
	return a
}

func TestTradeArchiverFlushWritesParquetPerSymbol(t *testing.T) {
	fp := &fakePutter{}
	a := newTestArchiver(fp, time.Minute)
	ctx := context.Background()

	require.NoError(t, a.OnBook(ctx, bookEvent("BTC-USD-PERP", "1", "2")))
	require.NoError(t, a.OnTrade(ctx, tradeEvent("DYDX", "BTC-USD-PERP", "a")))
	require.NoError(t, a.OnTrade(ctx, tradeEvent("DYDX", "BTC-USD-PERP", "b")))
	require.NoError(t, a.OnTrade(ctx, tradeEvent("UPBIT", "BTC-KRW", "c")))

	require.NoError(t, a.Flush(ctx, "test"))
	calls := fp.snapshot()
	require.Len(t, calls, 2)

	assert.True(t, strings.HasPrefix(calls[0].key, "trades/exchange=dydx/symbol=BTC-USD-PERP/date=2024-03-09/dydx_BTC-USD-PERP_20240309101112_"))
	assert.True(t, strings.HasSuffix(calls[0].key, ".parquet"))
	assert.Equal(t, "2", calls[0].meta["rows"])
	assert.Equal(t, "1", calls[1].meta["rows"])
	for _, c := range calls {
		assert.True(t, bytes.HasPrefix(c.body, []byte("PAR1")))
		assert.True(t, bytes.HasSuffix(c.body, []byte("PAR1")))
	}

	require.NoError(t, a.Flush(ctx, "test"))
	assert.Len(t, fp.snapshot(), 2, "empty buffers are not uploaded")
}

func TestTradeArchiverKeepsRowsOnUploadFailure(t *testing.T) {
	fp := &fakePutter{fail: true}
	a := newTestArchiver(fp, time.Minute)
	ctx := context.Background()

	require.NoError(t, a.OnTrade(ctx, tradeEvent("DYDX", "ETH-USD-PERP", "a")))
	require.Error(t, a.Flush(ctx, "test"))

	fp.mu.Lock()
	fp.fail = false
	fp.mu.Unlock()
	require.NoError(t, a.OnTrade(ctx, tradeEvent("DYDX", "ETH-USD-PERP", "b")))
	require.NoError(t, a.Flush(ctx, "test"))

	calls := fp.snapshot()
	require.Len(t, calls, 1)
	assert.Equal(t, "2", calls[0].meta["rows"])
}

func TestTradeArchiverEvictsOldestPastCap(t *testing.T) {
	fp := &fakePutter{fail: true}
	a := newCappedArchiver(fp, time.Minute, 3)
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		require.NoError(t, a.OnTrade(ctx, tradeEvent("DYDX", "BTC-USD-PERP", id)))
	}
	require.Error(t, a.Flush(ctx, "test"))
	for _, id := range []string{"c", "d"} {
		require.NoError(t, a.OnTrade(ctx, tradeEvent("DYDX", "BTC-USD-PERP", id)))
	}
	require.Error(t, a.Flush(ctx, "test"))

	a.mu.Lock()
	rows := append([]TradeRow(nil), a.buffer[bufferKey("DYDX", "BTC-USD-PERP")]...)
	a.mu.Unlock()
	ids := make([]string, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.TradeID)
	}
	assert.Equal(t, []string{"b", "c", "d"}, ids)

	fp.mu.Lock()
	fp.fail = false
	fp.mu.Unlock()
	require.NoError(t, a.OnTrade(ctx, tradeEvent("DYDX", "BTC-USD-PERP", "e")))
	require.NoError(t, a.Flush(ctx, "test"))
	calls := fp.snapshot()
	require.Len(t, calls, 1)
	assert.Equal(t, "3", calls[0].meta["rows"])
}

func TestTradeArchiverFlushesOnShutdown(t *testing.T) {
	fp := &fakePutter{}
	a := newTestArchiver(fp, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())

	require.NoError(t, a.Start(ctx))
	assert.Error(t, a.Start(ctx))
	require.NoError(t, a.OnTrade(ctx, tradeEvent("UPBIT", "XRP-BTC", "1")))

	cancel()
	a.Wait()
	assert.Len(t, fp.snapshot(), 1)
}

func TestWritersAreSinks(t *testing.T) {
	var _ channel.Sink = (*KafkaWriter)(nil)
	var _ channel.Sink = (*RedisWriter)(nil)
	var _ channel.Sink = (*TradeArchiver)(nil)
}
