package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"bookfeed/config"
	"bookfeed/internal/catalog"
	"bookfeed/internal/channel"
	"bookfeed/internal/metrics"
	"bookfeed/internal/symbols"
	"bookfeed/logger"
	"bookfeed/models"
	"bookfeed/reader"
	"bookfeed/reader/dydx"
	"bookfeed/reader/upbit"
	"bookfeed/writer"
)

const shutdownTimeout = 30 * time.Second

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service":     cfg.Bookfeed.Name,
		"version":     cfg.Bookfeed.Version,
		"environment": config.AppEnvironment(),
	}).Info("starting bookfeed")

	// readers stop on ctx; writers keep draining until the queue is closed
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	writerCtx, stopWriters := context.WithCancel(context.Background())
	defer stopWriters()

	metrics.Init()
	if cfg.Metrics.CloudWatch.Enabled {
		metrics.InitCloudWatch(ctx, cfg.Metrics.CloudWatch.Region, cfg.Metrics.CloudWatch.Namespace)
	}
	metricsServer := startMetricsServer(cfg.Metrics.Listen, log)

	policy, err := channel.ParseOverflowPolicy(cfg.Channels.Overflow)
	if err != nil {
		log.WithError(err).Error("invalid overflow policy")
		os.Exit(1)
	}
	channels := channel.NewChannels(cfg.Channels.Buffer, policy)
	channels.StartMetricsReporting(ctx, cfg.Channels.ReportInterval)

	writers, err := buildWriters(writerCtx, cfg, log)
	if err != nil {
		log.WithError(err).Error("failed to create writers")
		os.Exit(1)
	}

	var pumpWG sync.WaitGroup
	pumpWG.Add(1)
	go func() {
		defer pumpWG.Done()
		channel.Pump(writerCtx, channels, writers.sink)
	}()

	userAgent := fmt.Sprintf("%s/%s", cfg.Bookfeed.Name, cfg.Bookfeed.Version)
	var conns []*reader.Conn
	for _, name := range []string{config.ExchangeDydx, config.ExchangeUpbit} {
		exCfg := cfg.Exchanges.ByName()[name]
		if !exCfg.Enabled {
			log.WithComponent("main").WithFields(logger.Fields{"exchange": name}).Info("exchange disabled; skipping")
			continue
		}
		fetcher := catalog.NewFetcher(userAgent, exCfg.RequestLimit, 30*time.Second)
		adapter, err := newAdapter(ctx, name, exCfg, fetcher, channels)
		if err != nil {
			log.WithError(err).WithFields(logger.Fields{"exchange": name}).Error("failed to prepare exchange")
			os.Exit(1)
		}

		conn := reader.NewConn(reader.ConnConfig{
			URL:            exCfg.WSURL,
			ReconnectDelay: exCfg.ReconnectDelay,
			PingInterval:   exCfg.PingInterval,
			ReadTimeout:    exCfg.ReadTimeout,
		}, adapter, subscriptionRequest(exCfg))
		if err := conn.Start(ctx); err != nil {
			log.WithError(err).Warn("connection failed to start")
			continue
		}
		conns = append(conns, conn)
	}

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	cancel()

	done := make(chan struct{})
	go func() {
		log.Info("stopping readers")
		for _, c := range conns {
			c.Wait()
		}
		channels.Close()

		log.Info("draining event queue")
		pumpWG.Wait()

		stopWriters()
		writers.close(log)
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(shutdownTimeout):
		log.Warn("graceful shutdown timeout exceeded")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if metricsServer != nil {
		metricsServer.Shutdown(shutdownCtx)
	}

	log.Info("bookfeed stopped")
}

func startMetricsServer(addr string, log *logger.Log) *http.Server {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("metrics server failed")
		}
	}()
	log.WithComponent("main").WithFields(logger.Fields{"addr": addr}).Info("metrics server listening")
	return srv
}

// newAdapter loads the exchange's market catalog, checks every configured
// symbol against it and returns the bound protocol adapter.
func newAdapter(ctx context.Context, name string, exCfg config.ExchangeConfig, fetcher *catalog.Fetcher, sink channel.Sink) (reader.Adapter, error) {
	base := strings.TrimRight(exCfg.RESTURL, "/")

	var (
		mapper *symbols.Mapper
		err    error
	)
	switch name {
	case config.ExchangeDydx:
		mapper, err = fetcher.Load(ctx, base+dydx.MarketsPath, symbols.ParseDydxMarkets)
	case config.ExchangeUpbit:
		mapper, err = fetcher.Load(ctx, base+upbit.MarketsPath, symbols.ParseUpbitMarkets)
	default:
		return nil, fmt.Errorf("unsupported exchange %q", name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load %s markets: %w", name, err)
	}
	if _, err := mapper.Natives(exCfg.Symbols); err != nil {
		return nil, err
	}

	logger.GetLogger().WithComponent("main").WithFields(logger.Fields{
		"exchange": mapper.Exchange(),
		"markets":  mapper.Len(),
		"symbols":  exCfg.Symbols,
	}).Info("market catalog loaded")

	if name == config.ExchangeDydx {
		return reader.Bind[dydx.Message](dydx.New(mapper, sink, exCfg.MaxDepth)), nil
	}
	return reader.Bind[upbit.Message](upbit.New(mapper, sink, exCfg.MaxDepth)), nil
}

func subscriptionRequest(exCfg config.ExchangeConfig) models.SubscriptionRequest {
	req := make(models.SubscriptionRequest, len(exCfg.Channels))
	for _, ch := range exCfg.Channels {
		req[models.Channel(ch)] = append([]string(nil), exCfg.Symbols...)
	}
	return req
}

type writerSet struct {
	sink     channel.Sink
	kafka    *writer.KafkaWriter
	redis    *writer.RedisWriter
	archiver *writer.TradeArchiver
}

func buildWriters(ctx context.Context, cfg *config.Config, log *logger.Log) (*writerSet, error) {
	ws := &writerSet{}
	var sinks channel.Multi

	if cfg.Storage.Kafka.Enabled {
		kw, err := writer.NewKafkaWriter(cfg.Storage.Kafka)
		if err != nil {
			return nil, err
		}
		ws.kafka = kw
		sinks = append(sinks, kw)
	}
	if cfg.Storage.Redis.Enabled {
		rw, err := writer.NewRedisWriter(ctx, cfg.Storage.Redis)
		if err != nil {
			return nil, err
		}
		ws.redis = rw
		sinks = append(sinks, rw)
	}
	if cfg.Storage.S3.Enabled {
		a, err := writer.NewTradeArchiver(ctx, cfg.Storage.S3, cfg.Bookfeed.Version)
		if err != nil {
			return nil, err
		}
		if err := a.Start(ctx); err != nil {
			return nil, err
		}
		ws.archiver = a
		sinks = append(sinks, a)
	}

	if len(sinks) == 0 {
		log.WithComponent("main").Info("no storage enabled; events are logged at debug level")
		debug := log.WithComponent("events")
		sinks = append(sinks, channel.Callbacks{
			Book: func(_ context.Context, ev models.BookEvent) error {
				debug.WithFields(logger.Fields{
					"exchange": ev.Exchange,
					"symbol":   ev.Symbol,
					"bids":     len(ev.Book.Bids),
					"asks":     len(ev.Book.Asks),
					"delta":    ev.Delta.Len(),
				}).Debug("book event")
				return nil
			},
			Trade: func(_ context.Context, ev models.TradeEvent) error {
				debug.WithFields(logger.Fields{
					"exchange": ev.Trade.Exchange,
					"symbol":   ev.Trade.Symbol,
					"side":     ev.Trade.Side,
					"price":    ev.Trade.Price.String(),
					"amount":   ev.Trade.Amount.String(),
				}).Debug("trade event")
				return nil
			},
		})
	}
	ws.sink = sinks
	return ws, nil
}

func (ws *writerSet) close(log *logger.Log) {
	if ws.archiver != nil {
		log.Info("waiting for trade archive flush")
		ws.archiver.Wait()
	}
	if ws.kafka != nil {
		if err := ws.kafka.Close(); err != nil {
			log.WithError(err).Warn("failed to close kafka writer")
		}
	}
	if ws.redis != nil {
		if err := ws.redis.Close(); err != nil {
			log.WithError(err).Warn("failed to close redis writer")
		}
	}
}
