package writer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	kafka "github.com/segmentio/kafka-go"

	appconfig "bookfeed/config"
	"bookfeed/logger"
	"bookfeed/models"
)

// messageWriter is the part of *kafka.Writer used here.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaWriter publishes book and trade events as JSON. Messages are keyed by
// exchange:symbol so one symbol always lands on one partition.
type KafkaWriter struct {
	writer     messageWriter
	bookTopic  string
	tradeTopic string
	log        *logger.Entry

	mu      sync.Mutex
	written int64
	closed  bool
}

func NewKafkaWriter(cfg appconfig.KafkaConfig) (*KafkaWriter, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers not configured")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}
	kw := newKafkaWriter(w, cfg.BookTopic, cfg.TradeTopic)
	kw.log.WithFields(logger.Fields{
		"brokers":     cfg.Brokers,
		"book_topic":  cfg.BookTopic,
		"trade_topic": cfg.TradeTopic,
	}).Info("kafka writer initialized")
	return kw, nil
}

func newKafkaWriter(w messageWriter, bookTopic, tradeTopic string) *KafkaWriter {
	return &KafkaWriter{
		writer:     w,
		bookTopic:  bookTopic,
		tradeTopic: tradeTopic,
		log:        logger.GetLogger().WithComponent("kafka_writer"),
	}
}

func (kw *KafkaWriter) OnBook(ctx context.Context, ev models.BookEvent) error {
	return kw.publish(ctx, kw.bookTopic, ev.Exchange, ev.Symbol, ev)
}

func (kw *KafkaWriter) OnTrade(ctx context.Context, ev models.TradeEvent) error {
	return kw.publish(ctx, kw.tradeTopic, ev.Trade.Exchange, ev.Trade.Symbol, ev)
}

func (kw *KafkaWriter) publish(ctx context.Context, topic, exchange, symbol string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", topic, err)
	}
	msg := kafka.Message{
		Topic: topic,
		Key:   []byte(exchange + ":" + symbol),
		Value: data,
	}
	if err := kw.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write message to %s: %w", topic, err)
	}

	kw.mu.Lock()
	kw.written++
	kw.mu.Unlock()
	return nil
}

// Written returns the number of messages accepted by the broker.
func (kw *KafkaWriter) Written() int64 {
	kw.mu.Lock()
	defer kw.mu.Unlock()
	return kw.written
}

func (kw *KafkaWriter) Close() error {
	kw.mu.Lock()
	if kw.closed {
		kw.mu.Unlock()
		return nil
	}
	kw.closed = true
	kw.mu.Unlock()

	kw.log.Debug("closing kafka writer")
	return kw.writer.Close()
}
