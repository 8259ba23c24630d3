package reader

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"bookfeed/logger"
	"bookfeed/models"
)

const (
	defaultReconnectDelay    = time.Second
	defaultMaxReconnectDelay = 30 * time.Second
	defaultKeepAlive         = 20 * time.Second
	writeTimeout             = 5 * time.Second
)

// ConnConfig configures one websocket connection.
type ConnConfig struct {
	URL               string
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
	PingInterval      time.Duration
	// ReadTimeout forces a reconnect when nothing arrives for this long.
	// Zero disables the watchdog.
	ReadTimeout time.Duration
}

// Conn drives one exchange connection: dial, subscribe, read until failure,
// reset all book state and reconnect with backoff. Messages are handed to the
// adapter one at a time from the read goroutine.
type Conn struct {
	cfg     ConnConfig
	adapter Adapter
	req     models.SubscriptionRequest
	dialer  *websocket.Dialer
	log     *logger.Entry

	mu      sync.RWMutex
	running bool
	wg      sync.WaitGroup
}

func NewConn(cfg ConnConfig, adapter Adapter, req models.SubscriptionRequest) *Conn {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaultReconnectDelay
	}
	if cfg.MaxReconnectDelay < cfg.ReconnectDelay {
		cfg.MaxReconnectDelay = defaultMaxReconnectDelay
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultKeepAlive
	}
	return &Conn{
		cfg:     cfg,
		adapter: adapter,
		req:     req,
		dialer:  websocket.DefaultDialer,
		log: logger.GetLogger().WithComponent("ws_conn").WithFields(logger.Fields{
			"exchange": adapter.Exchange(),
			"url":      cfg.URL,
		}),
	}
}

// Start runs the connection loop in a goroutine until ctx is cancelled.
func (c *Conn) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return fmt.Errorf("%s connection already running", c.adapter.Exchange())
	}
	c.running = true

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.Run(ctx)
	}()
	return nil
}

// Wait blocks until the loop started by Start has returned.
func (c *Conn) Wait() {
	c.wg.Wait()
	c.mu.Lock()
	c.running = false
	c.mu.Unlock()
}

// Run connects and reconnects until ctx is done.
func (c *Conn) Run(ctx context.Context) {
	backoff := c.cfg.ReconnectDelay
	for {
		if ctx.Err() != nil {
			return
		}

		started := time.Now()
		if err := c.session(ctx); err != nil && ctx.Err() == nil {
			c.log.WithError(err).Warn("websocket session ended")
		}
		c.adapter.Reset()

		if ctx.Err() != nil {
			c.log.Info("connection stopped")
			return
		}
		// a session that stayed up for a while earns a fresh backoff
		if time.Since(started) > c.cfg.MaxReconnectDelay {
			backoff = c.cfg.ReconnectDelay
		}
		if waitForReconnect(ctx, backoff) {
			return
		}
		backoff *= 2
		if backoff > c.cfg.MaxReconnectDelay {
			backoff = c.cfg.MaxReconnectDelay
		}
	}
}

func (c *Conn) session(ctx context.Context) error {
	conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close()

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-sessCtx.Done()
		conn.Close()
	}()

	payloads, err := c.adapter.Subscribe(c.req)
	if err != nil {
		return fmt.Errorf("failed to encode subscription: %w", err)
	}
	for _, p := range payloads {
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, p); err != nil {
			return fmt.Errorf("failed to subscribe: %w", err)
		}
	}
	c.log.WithFields(logger.Fields{"payloads": len(payloads)}).Info("subscribed")

	go c.pingLoop(sessCtx, cancel, conn)

	for {
		if c.cfg.ReadTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		}
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		// per-message errors are logged by the adapter
		_ = c.adapter.Handle(sessCtx, msg, time.Now())
		if err := sessCtx.Err(); err != nil {
			return err
		}
	}
}

func (c *Conn) pingLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second)); err != nil {
				c.log.WithError(err).Warn("failed to send websocket ping")
				cancel()
				return
			}
		}
	}
}

func waitForReconnect(ctx context.Context, delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return true
	case <-timer.C:
		return false
	}
}
