package writer

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	appconfig "bookfeed/config"
	"bookfeed/internal/metrics"
	"bookfeed/logger"
	"bookfeed/models"
)

// TradeRow is one archived trade.
type TradeRow struct {
	Exchange   string `parquet:"name=exchange, type=BYTE_ARRAY, convertedtype=UTF8"`
	Symbol     string `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	Side       string `parquet:"name=side, type=BYTE_ARRAY, convertedtype=UTF8"`
	Price      string `parquet:"name=price, type=BYTE_ARRAY, convertedtype=UTF8"`
	Amount     string `parquet:"name=amount, type=BYTE_ARRAY, convertedtype=UTF8"`
	Timestamp  int64  `parquet:"name=timestamp, type=INT64"`
	TradeID    string `parquet:"name=trade_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	ReceivedAt int64  `parquet:"name=received_at, type=INT64"`
}

type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// TradeArchiver buffers trades per exchange and symbol and uploads each buffer
// to S3 as a parquet file on every flush. Book events are ignored. A buffer
// holds at most maxRows trades; the oldest are evicted first.
type TradeArchiver struct {
	client        objectPutter
	bucket        string
	prefix        string
	version       string
	flushInterval time.Duration
	maxRows       int
	log           *logger.Entry
	now           func() time.Time

	mu      sync.Mutex
	buffer  map[string][]TradeRow
	running bool
	wg      sync.WaitGroup
}

// NewTradeArchiver builds an S3 client from the storage config. Static keys
// are used when present, otherwise the default AWS credential chain.
func NewTradeArchiver(ctx context.Context, cfg appconfig.S3Config, version string) (*TradeArchiver, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	a := newTradeArchiver(client, cfg.Bucket, cfg.Prefix, version, cfg.FlushInterval, cfg.MaxBufferedRows)
	a.log.WithFields(logger.Fields{
		"bucket":   cfg.Bucket,
		"region":   cfg.Region,
		"endpoint": cfg.Endpoint,
		"interval": cfg.FlushInterval.String(),
		"max_rows": cfg.MaxBufferedRows,
	}).Info("trade archiver initialized")
	return a, nil
}

func newTradeArchiver(client objectPutter, bucket, prefix, version string, interval time.Duration, maxRows int) *TradeArchiver {
	return &TradeArchiver{
		client:        client,
		bucket:        bucket,
		prefix:        strings.Trim(prefix, "/"),
		version:       version,
		flushInterval: interval,
		maxRows:       maxRows,
		log:           logger.GetLogger().WithComponent("trade_archiver"),
		now:           time.Now,
		buffer:        make(map[string][]TradeRow),
	}
}

func (a *TradeArchiver) OnBook(context.Context, models.BookEvent) error { return nil }

func (a *TradeArchiver) OnTrade(_ context.Context, ev models.TradeEvent) error {
	t := ev.Trade
	row := TradeRow{
		Exchange:   t.Exchange,
		Symbol:     t.Symbol,
		Side:       string(t.Side),
		Price:      t.Price.String(),
		Amount:     t.Amount.String(),
		Timestamp:  int64(math.Round(t.Timestamp * 1000)),
		TradeID:    t.ID,
		ReceivedAt: ev.Received.UnixMilli(),
	}
	key := bufferKey(t.Exchange, t.Symbol)

	a.mu.Lock()
	dropped := a.setBuffer(key, append(a.buffer[key], row))
	a.mu.Unlock()
	a.reportEvicted(t.Exchange, t.Symbol, dropped)
	return nil
}

// setBuffer stores rows for key, evicting from the front past maxRows. It
// returns the number of evicted rows. Callers hold a.mu.
func (a *TradeArchiver) setBuffer(key string, rows []TradeRow) int {
	dropped := 0
	if a.maxRows > 0 && len(rows) > a.maxRows {
		dropped = len(rows) - a.maxRows
		rows = rows[dropped:]
	}
	a.buffer[key] = rows
	return dropped
}

func (a *TradeArchiver) reportEvicted(exchange, symbol string, n int) {
	if n == 0 {
		return
	}
	a.log.WithFields(logger.Fields{
		"exchange": exchange,
		"symbol":   symbol,
		"dropped":  n,
	}).Warn("trade buffer full; evicted oldest rows")
	metrics.EmitDropCount(nil, metrics.DropMetricArchive, "trade_archive", exchange, symbol, n)
}

func bufferKey(exchange, symbol string) string {
	return exchange + "|" + symbol
}

// Start flushes on every interval until ctx is done, then flushes once more.
func (a *TradeArchiver) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return fmt.Errorf("trade archiver already running")
	}
	if a.flushInterval <= 0 {
		return fmt.Errorf("trade archiver flush interval must be positive")
	}
	a.running = true

	a.wg.Add(1)
	go a.flushWorker(ctx)
	return nil
}

// Wait blocks until the flush worker has written its final batch.
func (a *TradeArchiver) Wait() {
	a.wg.Wait()
}

func (a *TradeArchiver) flushWorker(ctx context.Context) {
	defer a.wg.Done()
	ticker := time.NewTicker(a.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := a.Flush(context.WithoutCancel(ctx), "shutdown"); err != nil {
				a.log.WithError(err).Error("final flush failed")
			}
			return
		case <-ticker.C:
			if err := a.Flush(ctx, "interval"); err != nil {
				a.log.WithError(err).Warn("flush failed")
			}
		}
	}
}

// Flush uploads every non-empty buffer. Buffers that fail to upload are put
// back so the next flush retries them.
func (a *TradeArchiver) Flush(ctx context.Context, reason string) error {
	a.mu.Lock()
	buffers := a.buffer
	a.buffer = make(map[string][]TradeRow)
	a.mu.Unlock()

	if len(buffers) == 0 {
		return nil
	}

	keys := make([]string, 0, len(buffers))
	for k := range buffers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	a.log.WithFields(logger.Fields{
		"buffers": len(buffers),
		"reason":  reason,
	}).Info("flushing trade buffers")

	var failed []string
	var firstErr error
	for _, key := range keys {
		if err := a.upload(ctx, buffers[key]); err != nil {
			failed = append(failed, key)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	if len(failed) > 0 {
		evicted := make(map[string]int, len(failed))
		a.mu.Lock()
		for _, key := range failed {
			evicted[key] = a.setBuffer(key, append(buffers[key], a.buffer[key]...))
		}
		a.mu.Unlock()
		for _, key := range failed {
			first := buffers[key][0]
			a.reportEvicted(first.Exchange, first.Symbol, evicted[key])
		}
		return fmt.Errorf("%d of %d uploads failed: %w", len(failed), len(keys), firstErr)
	}
	return nil
}

func (a *TradeArchiver) upload(ctx context.Context, rows []TradeRow) error {
	data, err := encodeTradeRows(rows)
	if err != nil {
		return err
	}
	key := a.objectKey(rows[0].Exchange, rows[0].Symbol)

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"content-type":     "parquet",
			"rows":             fmt.Sprintf("%d", len(rows)),
			"bookfeed-version": a.version,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to upload to S3 bucket %s: %w", a.bucket, err)
	}

	logger.LogDataFlowEntry(a.log.WithFields(logger.Fields{"key": key, "size": len(data)}), "trade_buffer", "s3", len(rows), "trades")
	return nil
}

// objectKey lays files out as prefix/exchange=X/symbol=Y/date=YYYY-MM-DD/file.
func (a *TradeArchiver) objectKey(exchange, symbol string) string {
	ts := a.now().UTC()
	filename := fmt.Sprintf("%s_%s_%s_%s.parquet",
		strings.ToLower(exchange), symbol, ts.Format("20060102150405"), uuid.NewString()[:8])
	return path.Join(
		a.prefix,
		"exchange="+strings.ToLower(exchange),
		"symbol="+symbol,
		"date="+ts.Format("2006-01-02"),
		filename,
	)
}

func encodeTradeRows(rows []TradeRow) ([]byte, error) {
	var buf bytes.Buffer
	pw, err := writer.NewParquetWriterFromWriter(&buf, new(TradeRow), 1)
	if err != nil {
		return nil, fmt.Errorf("failed to create parquet writer: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, row := range rows {
		if err := pw.Write(row); err != nil {
			pw.WriteStop()
			return nil, fmt.Errorf("failed to write parquet record: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("failed to finalize parquet writing: %w", err)
	}
	return buf.Bytes(), nil
}
