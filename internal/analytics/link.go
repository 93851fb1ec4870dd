// Package analytics maintains the outbound WebSocket link to the external
// signal engine: tick batches flow out, alert batches flow back in.
package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Todd838/Coin-Insights/internal/market"
)

// AlertHandler receives each inbound alert batch. raw is the original frame
// so callers can relay it verbatim.
type AlertHandler func(raw []byte, alerts []market.Alert)

// Options parameterise the link.
type Options struct {
	URL            string
	ReconnectDelay time.Duration
}

// Link is the connection to the signal engine. Its lifecycle is independent
// of the market-data feed: it reconnects on its own fixed delay, and ticks
// sent while disconnected are dropped, never queued.
type Link struct {
	opts    Options
	logger  zerolog.Logger
	handler AlertHandler

	mu   sync.Mutex
	conn *websocket.Conn
}

// New constructs a link. handler may be nil when inbound alerts are ignored.
func New(opts Options, handler AlertHandler, logger zerolog.Logger) *Link {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 2 * time.Second
	}
	return &Link{
		opts:    opts,
		logger:  logger.With().Str("component", "analytics_link").Logger(),
		handler: handler,
	}
}

// Connected reports whether the link currently holds an open connection.
func (l *Link) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn != nil
}

// SendTicks forwards a tick batch to the signal engine. Batches are dropped
// while disconnected.
func (l *Link) SendTicks(ticks []market.Tick) {
	if len(ticks) == 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return
	}
	if err := l.conn.WriteJSON(market.NewTicksMessage(ticks)); err != nil {
		l.logger.Debug().Err(err).Msg("tick batch write failed")
	}
}

// Run keeps the link alive until ctx is cancelled.
func (l *Link) Run(ctx context.Context) error {
	for {
		if err := l.runOnce(ctx); err != nil {
			l.logger.Warn().Err(err).Dur("retry_in", l.opts.ReconnectDelay).Msg("analytics link down")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.opts.ReconnectDelay):
		}
	}
}

func (l *Link) runOnce(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, l.opts.URL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	l.mu.Lock()
	l.conn = conn
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		l.conn = nil
		l.mu.Unlock()
	}()
	l.logger.Info().Str("url", l.opts.URL).Msg("connected to signal engine")

	readerDone := make(chan struct{})
	defer close(readerDone)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-readerDone:
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		l.handleMessage(raw)
	}
}

func (l *Link) handleMessage(raw []byte) {
	var msg market.AlertsMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		l.logger.Debug().Err(err).Msg("dropping unparseable analytics frame")
		return
	}
	if msg.Type != "alerts" || len(msg.Alerts) == 0 {
		return
	}
	if l.handler != nil {
		l.handler(raw, msg.Alerts)
	}
}
