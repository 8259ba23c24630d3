package writer

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"

	appconfig "bookfeed/config"
	"bookfeed/logger"
	"bookfeed/models"
)

// HashSetter is the Redis operation RedisWriter needs.
type HashSetter interface {
	HSet(ctx context.Context, key string, values ...any) error
}

type redisClient struct {
	*redis.Client
}

func (c redisClient) HSet(ctx context.Context, key string, values ...any) error {
	return c.Client.HSet(ctx, key, values...).Err()
}

type topOfBook struct {
	bid string
	ask string
}

// RedisWriter keeps the best bid and ask of every book in a hash:
//
//	Key:    book:{exchange}:{symbol}
//	Fields: bid, ask, ts
//
// A write is skipped when the top of book did not move.
type RedisWriter struct {
	client HashSetter
	closer func() error
	log    *logger.Entry

	mu   sync.Mutex
	last map[string]topOfBook
}

// NewRedisWriter connects to Redis and verifies the connection with PING.
func NewRedisWriter(ctx context.Context, cfg appconfig.RedisConfig) (*RedisWriter, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}
	rw := newRedisWriter(redisClient{Client: rdb})
	rw.closer = rdb.Close
	rw.log.WithFields(logger.Fields{"addr": cfg.Addr, "db": cfg.DB}).Info("redis writer initialized")
	return rw, nil
}

func newRedisWriter(client HashSetter) *RedisWriter {
	return &RedisWriter{
		client: client,
		log:    logger.GetLogger().WithComponent("redis_writer"),
		last:   make(map[string]topOfBook),
	}
}

func (rw *RedisWriter) OnBook(ctx context.Context, ev models.BookEvent) error {
	top := topOfBook{
		bid: bestPrice(ev.Book.Bids),
		ask: bestPrice(ev.Book.Asks),
	}
	key := fmt.Sprintf("book:%s:%s", ev.Exchange, ev.Symbol)

	rw.mu.Lock()
	if prev, ok := rw.last[key]; ok && prev == top {
		rw.mu.Unlock()
		return nil
	}
	rw.mu.Unlock()

	ts := strconv.FormatInt(ev.Received.UnixMilli(), 10)
	if err := rw.client.HSet(ctx, key, "bid", top.bid, "ask", top.ask, "ts", ts); err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}

	rw.mu.Lock()
	rw.last[key] = top
	rw.mu.Unlock()
	return nil
}

func (rw *RedisWriter) OnTrade(context.Context, models.TradeEvent) error { return nil }

func (rw *RedisWriter) Close() error {
	if rw.closer == nil {
		return nil
	}
	return rw.closer()
}

// bestPrice returns the first level's price; snapshots are ordered best first.
func bestPrice(levels []models.Level) string {
	if len(levels) == 0 {
		return "0"
	}
	return levels[0].Price.String()
}
