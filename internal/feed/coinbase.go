// Package feed maintains the persistent Coinbase Advanced Trade WebSocket
// connection and normalizes its ticker stream into ticks.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Todd838/Coin-Insights/internal/market"
	"github.com/Todd838/Coin-Insights/internal/symbols"
)

const (
	channelTicker     = "ticker"
	channelHeartbeats = "heartbeats"
)

// Options parameterise the feed client.
type Options struct {
	URL              string
	ReconnectDelay   time.Duration
	SubscribeTimeout time.Duration
}

// Client is the outbound market-data connection. It owns the tracked set of
// venue product ids; ticks for untracked products are dropped, which also
// covers late messages for since-removed symbols.
type Client struct {
	opts   Options
	logger zerolog.Logger
	sink   market.TickSink

	mu      sync.Mutex
	conn    *websocket.Conn
	tracked map[string]struct{}
}

// New constructs a feed client seeded with an initial product set.
func New(opts Options, products []string, sink market.TickSink, logger zerolog.Logger) *Client {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 5 * time.Second
	}
	if opts.SubscribeTimeout <= 0 {
		opts.SubscribeTimeout = 5 * time.Second
	}

	c := &Client{
		opts:    opts,
		logger:  logger.With().Str("component", "coinbase_feed").Logger(),
		sink:    sink,
		tracked: make(map[string]struct{}),
	}
	c.Track(products...)
	return c
}

// Track adds venue product ids to the tracked set, reporting whether any were
// new. Callers follow up with Resubscribe to extend the live subscription.
func (c *Client) Track(products ...string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	grew := false
	for _, p := range products {
		p = strings.ToUpper(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		if _, ok := c.tracked[p]; !ok {
			c.tracked[p] = struct{}{}
			grew = true
		}
	}
	return grew
}

// Untrack drops a product from the tracked set. No unsubscribe frame is
// sent: the venue keeps publishing, and the tracked-set filter discards the
// ticks. The next reconnect subscribes without the product.
func (c *Client) Untrack(product string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tracked, strings.ToUpper(strings.TrimSpace(product)))
}

// IsTracked reports membership of a venue product id.
func (c *Client) IsTracked(product string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.tracked[product]
	return ok
}

// Tracked returns the tracked product ids sorted for stable output.
func (c *Client) Tracked() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.tracked))
	for p := range c.tracked {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Run keeps the connection alive until ctx is cancelled, reconnecting after
// a fixed delay on every close or error.
func (c *Client) Run(ctx context.Context) error {
	for {
		if err := c.runOnce(ctx); err != nil {
			c.logger.Warn().Err(err).Dur("retry_in", c.opts.ReconnectDelay).Msg("feed disconnected")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.opts.ReconnectDelay):
		}
	}
}

func (c *Client) runOnce(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.opts.URL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
	}()

	// unblocks the read loop when ctx is cancelled
	readerDone := make(chan struct{})
	defer close(readerDone)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-readerDone:
		}
	}()

	// Coinbase drops the connection unless a subscribe arrives within a few
	// seconds of the handshake, hence the write deadline.
	if err := c.subscribe(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	c.logger.Info().Int("products", len(c.Tracked())).Msg("subscribed to ticker and heartbeats")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		ticks := c.handleMessage(raw, time.Now())
		if len(ticks) > 0 && c.sink != nil {
			c.sink.PublishTicks(ticks)
		}
	}
}

type controlFrame struct {
	Type       string   `json:"type"`
	Channel    string   `json:"channel"`
	ProductIDs []string `json:"product_ids"`
}

func (c *Client) subscribe() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}

	products := make([]string, 0, len(c.tracked))
	for p := range c.tracked {
		products = append(products, p)
	}
	sort.Strings(products)

	deadline := time.Now().Add(c.opts.SubscribeTimeout)
	for _, channel := range []string{channelTicker, channelHeartbeats} {
		if err := c.conn.SetWriteDeadline(deadline); err != nil {
			return err
		}
		frame := controlFrame{Type: "subscribe", Channel: channel, ProductIDs: products}
		if err := c.conn.WriteJSON(frame); err != nil {
			return err
		}
	}
	return c.conn.SetWriteDeadline(time.Time{})
}

// Resubscribe re-sends the full subscribe frames on the live connection.
// Subscribes are additive on the venue side; a disconnected client is a
// no-op because the reconnect path subscribes from scratch anyway.
func (c *Client) Resubscribe() {
	if err := c.subscribe(); err != nil {
		c.logger.Warn().Err(err).Msg("resubscribe failed")
	}
}

type feedEnvelope struct {
	Channel string      `json:"channel"`
	Type    string      `json:"type"`
	Events  []feedEvent `json:"events"`
}

type feedEvent struct {
	Type    string       `json:"type"`
	Tickers []feedTicker `json:"tickers"`
}

type feedTicker struct {
	ProductID string `json:"product_id"`
	Price     string `json:"price"`
}

// handleMessage turns one inbound frame into normalized ticks. Heartbeats
// are discarded; malformed frames are logged and dropped with the
// connection left open.
func (c *Client) handleMessage(raw []byte, now time.Time) []market.Tick {
	var env feedEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		c.logger.Debug().Err(err).Msg("dropping unparseable frame")
		return nil
	}

	if env.Channel == channelHeartbeats || env.Type == "heartbeat" {
		return nil
	}
	if env.Channel != channelTicker {
		return nil
	}

	ts := now.UnixMilli()
	var ticks []market.Tick
	for _, ev := range env.Events {
		for _, tk := range ev.Tickers {
			if !c.IsTracked(tk.ProductID) {
				continue
			}
			price, err := strconv.ParseFloat(tk.Price, 64)
			if err != nil || price <= 0 || math.IsInf(price, 0) || math.IsNaN(price) {
				continue
			}
			ticks = append(ticks, market.Tick{
				Symbol: symbols.ToLegacy(tk.ProductID),
				Price:  price,
				TS:     ts,
			})
		}
	}
	return ticks
}
